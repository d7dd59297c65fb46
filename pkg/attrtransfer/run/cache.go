// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package run

import (
	"context"
	"path/filepath"
	"strconv"

	"github.com/gomlx/caet/pkg/attrtransfer/estimator"
	"github.com/gomlx/caet/pkg/ml/datasets"
	"github.com/gomlx/caet/pkg/ml/features"
	"github.com/gomlx/caet/pkg/ml/vocab"
	"github.com/gomlx/caet/pkg/support/fsutil"
	"github.com/gomlx/caet/pkg/support/sets"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// EvalCache holds the examples of the evaluation tasks, their postprocessed targets and (if
// attributes are used) the zero-based attribute each example originates from.
//
// It is built once per evaluation, before any checkpoint is evaluated, and read-only afterwards.
type EvalCache struct {
	tasks []*cachedTask
}

type cachedTask struct {
	dataset      *datasets.EvalDataset
	examples     []datasets.Example
	targets      []string
	originLabels []string
}

// NewEvalCache reads the split of every task, in parallel. The order of the tasks is kept.
//
// Targets are the postprocessed "targets_plaintext" of each example, or the detokenized "targets"
// if the task doesn't provide the plaintext. With attributeBit, examples must have an "attribute"
// feature: their origin label is attribute-1.
func NewEvalCache(ctx context.Context, evalDatasets []*datasets.EvalDataset, v vocab.Vocabulary, split string,
	lengths features.SequenceLengths, attributeBit bool) (*EvalCache, error) {
	cache := &EvalCache{tasks: make([]*cachedTask, len(evalDatasets))}
	g, ctx := errgroup.WithContext(ctx)
	for i, ed := range evalDatasets {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			task, err := loadTask(ed, v, split, lengths, attributeBit)
			if err != nil {
				return errors.WithMessagef(err, "evaluation task %q", ed.Name)
			}
			cache.tasks[i] = task
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return cache, nil
}

func loadTask(ed *datasets.EvalDataset, v vocab.Vocabulary, split string, lengths features.SequenceLengths,
	attributeBit bool) (*cachedTask, error) {
	if ed.DatasetFn == nil {
		return nil, errors.New("missing dataset function")
	}
	ds, err := ed.DatasetFn(split, lengths)
	if err != nil {
		return nil, err
	}
	examples, err := datasets.Collect(ds)
	if err != nil {
		return nil, err
	}
	task := &cachedTask{dataset: ed, examples: examples, targets: make([]string, len(examples))}
	for i, e := range examples {
		text, found := e.Plaintext[features.Plaintext(features.Targets)]
		if !found {
			ids, found := e.Features[features.Targets]
			if !found {
				return nil, errors.Errorf("example %d has no %q", i, features.Targets)
			}
			text = vocab.Detokenize(v, toInts(ids))
		}
		task.targets[i] = ed.Postprocess(text, e, true)
	}
	if attributeBit {
		task.originLabels = make([]string, len(examples))
		for i, e := range examples {
			attribute := e.Features[features.Attribute]
			if len(attribute) == 0 {
				return nil, errors.Errorf("example %d has no %q", i, features.Attribute)
			}
			task.originLabels[i] = strconv.Itoa(int(attribute[0]) - 1)
		}
	}
	klog.V(1).Infof("cached %d examples of evaluation task %q", len(examples), ed.Name)
	return task, nil
}

// TaskNames returns the names of the tasks, in order.
func (c *EvalCache) TaskNames() []string {
	names := make([]string, len(c.tasks))
	for i, task := range c.tasks {
		names[i] = task.dataset.Name
	}
	return names
}

// NumExamples is the total number of examples of all tasks.
func (c *EvalCache) NumExamples() int {
	var n int
	for _, task := range c.tasks {
		n += len(task.examples)
	}
	return n
}

func (c *EvalCache) task(name string) *cachedTask {
	for _, task := range c.tasks {
		if task.dataset.Name == name {
			return task
		}
	}
	return nil
}

// Targets returns the postprocessed targets of the task, or nil if it is not cached.
func (c *EvalCache) Targets(name string) []string {
	if task := c.task(name); task != nil {
		return task.targets
	}
	return nil
}

// OriginLabels returns the origin labels of the task, or nil if attributes are not used.
func (c *EvalCache) OriginLabels(name string) []string {
	if task := c.task(name); task != nil {
		return task.originLabels
	}
	return nil
}

// WriteTargets writes the targets of each task to "<dir>/<task>_targets".
func (c *EvalCache) WriteTargets(dir string) error {
	for _, task := range c.tasks {
		path := filepath.Join(dir, task.dataset.Name+"_targets")
		if err := fsutil.WriteLines(path, task.targets); err != nil {
			return err
		}
	}
	return nil
}

// Dataset returns the examples of all tasks concatenated in order, with only the given keys,
// in batches of batchSize. The last batch is padded to batchSize.
func (c *EvalCache) Dataset(keys sets.Set[string], batchSize int) (datasets.BatchDataset, error) {
	sources := make([]datasets.Dataset, len(c.tasks))
	for i, task := range c.tasks {
		sources[i] = datasets.SelectKeys(datasets.InMemory(task.dataset.Name, task.examples), keys)
	}
	batched, err := datasets.BatchExamples(datasets.Concatenate("eval", sources...), batchSize, false)
	if err != nil {
		return nil, err
	}
	return datasets.TrimAndPad(batched, batchSize), nil
}

// InputFn returns an estimator.InputFn over Dataset, prefetched.
func (c *EvalCache) InputFn(keys sets.Set[string], batchSize int) estimator.InputFn {
	return func(estimator.Params) (datasets.BatchDataset, error) {
		ds, err := c.Dataset(keys, batchSize)
		if err != nil {
			return nil, err
		}
		return datasets.ReadAhead(ds, DefaultReadAhead), nil
	}
}
