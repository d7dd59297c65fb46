// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"sort"
	"sync"

	"github.com/gomlx/caet/pkg/ml/datasets"
	"github.com/gomlx/caet/pkg/ml/features"
	"github.com/pkg/errors"
)

// Registry of tasks by name. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Task)}
}

// Default registry.
var Default = NewRegistry()

// Add registers task. It's an error to register two tasks with the same name.
func (r *Registry) Add(task *Task) error {
	if task == nil || task.Name == "" {
		return errors.New("tasks.Registry: a task must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.tasks[task.Name]; found {
		return errors.Errorf("task %q already registered", task.Name)
	}
	r.tasks[task.Name] = task
	return nil
}

// Get returns the task registered as name.
func (r *Registry) Get(name string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, found := r.tasks[name]
	if !found {
		return nil, errors.Errorf("task %q not registered, registered tasks are %q", name, r.namesLocked())
	}
	return task, nil
}

// Names returns the sorted names of the registered tasks.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EvalDatasetFn returns the evaluation records of the named tasks, in the given order.
func (r *Registry) EvalDatasetFn(names ...string) datasets.EvalDatasetFn {
	return func(features.SequenceLengths) ([]*datasets.EvalDataset, error) {
		records := make([]*datasets.EvalDataset, 0, len(names))
		for _, name := range names {
			task, err := r.Get(name)
			if err != nil {
				return nil, err
			}
			records = append(records, task.EvalDataset())
		}
		return records, nil
	}
}
