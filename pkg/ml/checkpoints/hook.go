// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Listener is notified around each checkpoint saved by a SaverHook.
type Listener interface {
	BeforeSave(step int64) error
	AfterSave(step int64, path string) error
}

// SaverHook saves a checkpoint when training begins (if there is none yet), every n steps and at
// the end of training.
type SaverHook struct {
	handler   *Handler
	everyN    int64
	listeners []Listener
	lastSaved int64
}

// NewSaverHook creates a hook that saves a checkpoint with handler every everyNSteps steps.
// If everyNSteps <= 0, it only saves at the beginning and at the end.
func NewSaverHook(handler *Handler, everyNSteps int64, listeners ...Listener) *SaverHook {
	return &SaverHook{handler: handler, everyN: everyNSteps, listeners: listeners, lastSaved: -1}
}

// Name of the hook.
func (h *SaverHook) Name() string { return "checkpoints.SaverHook" }

// Begin saves the initial checkpoint, if the directory has none.
func (h *SaverHook) Begin() error {
	list, err := h.handler.ListCheckpoints()
	if err != nil {
		return err
	}
	if len(list) > 0 {
		h.lastSaved = h.handler.store.GlobalStep()
		return nil
	}
	return h.save(h.handler.store.GlobalStep())
}

// AfterStep saves a checkpoint if step is a multiple of the configured number of steps.
func (h *SaverHook) AfterStep(step int64, _ map[string]float64) error {
	if h.everyN <= 0 || step%h.everyN != 0 {
		return nil
	}
	return h.save(step)
}

// End saves the final checkpoint, if it was not saved yet.
func (h *SaverHook) End(step int64) error {
	return h.save(step)
}

func (h *SaverHook) save(step int64) error {
	if step == h.lastSaved {
		return nil
	}
	for _, l := range h.listeners {
		if err := l.BeforeSave(step); err != nil {
			return errors.WithMessagef(err, "before saving checkpoint at step %d", step)
		}
	}
	path, err := h.handler.Save()
	if err != nil {
		return err
	}
	h.lastSaved = step
	klog.Infof("saved checkpoint for step %d: %s", step, path)
	for _, l := range h.listeners {
		if err := l.AfterSave(step, path); err != nil {
			return errors.WithMessagef(err, "after saving checkpoint at step %d", step)
		}
	}
	return nil
}
