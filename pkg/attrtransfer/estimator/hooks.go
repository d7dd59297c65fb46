// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package estimator

import (
	"iter"
	"sort"
)

// Hook is attached by a ModelFn to its Spec. Hooks implement one or more of BeginHook, StepHook
// and EndHook.
//
// Only the hooks of the Spec of the first step of a run are used, for the whole run.
type Hook interface {
	Name() string
}

// BeginHook is called once, before the first step is executed.
type BeginHook interface {
	Hook
	Begin() error
}

// StepHook is called after each training step, with the global step reached.
type StepHook interface {
	Hook
	AfterStep(step int64, summaries map[string]float64) error
}

// EndHook is called once at the end of a training run.
type EndHook interface {
	Hook
	End(step int64) error
}

// Priority for loop hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks: called before the first training step.
type OnStartFn func(e *Estimator, startStep, endStep int64) error

// OnStepFn is the type of OnStep hooks: called after each training step.
type OnStepFn func(e *Estimator, step int64, summaries map[string]float64) error

// OnEndFn is the type of OnEnd hooks: called after the last training step.
type OnEndFn func(e *Estimator, step int64, summaries map[string]float64) error

// OnStart adds a hook with given priority and name (for error reporting) to the start of training.
func (e *Estimator) OnStart(name string, priority Priority, fn OnStartFn) {
	e.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting) to each training step.
func (e *Estimator) OnStep(name string, priority Priority, fn OnStepFn) {
	e.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of training.
func (e *Estimator) OnEnd(name string, priority Priority, fn OnEndFn) {
	e.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{hooks: make(map[Priority][]H)}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
