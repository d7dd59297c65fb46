// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package modelfn

import (
	"github.com/gomlx/caet/pkg/core/graph"
	"github.com/gomlx/caet/pkg/ml/checkpoints"
	"github.com/gomlx/caet/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// InitCheckpointHook initializes the variables of a model that starts training from scratch with
// the values of the variables with the same name in a checkpoint. Variables only in the model
// or only in the checkpoint are logged, but are not an error.
//
// It must run before the graph.RestoreHook, which copies the values to the variable slices.
type InitCheckpointHook struct {
	store *graph.Store
	path  string
}

// NewInitCheckpointHook creates a hook that initializes the variables of store from the checkpoint at path.
func NewInitCheckpointHook(store *graph.Store, path string) *InitCheckpointHook {
	return &InitCheckpointHook{store: store, path: path}
}

// Name implements estimator.Hook.
func (h *InitCheckpointHook) Name() string { return "modelfn.InitCheckpointHook" }

// Begin implements estimator.BeginHook.
func (h *InitCheckpointHook) Begin() error {
	if from := h.store.RestoredFrom(); from != "" {
		klog.Infof("model restored from %q, not initializing it from %q", from, h.path)
		return nil
	}
	names, err := checkpoints.VariableNames(h.path)
	if err != nil {
		return errors.WithMessage(err, "reading initialization checkpoint")
	}
	inCheckpoint := sets.MakeWith(names...)
	inModel := sets.MakeWith(h.store.Names()...)
	toRestore := inCheckpoint.Intersect(inModel)
	klog.Infof("initializing %d variables from %s", len(toRestore), h.path)
	klog.V(1).Infof("variables initialized: %q", sets.Sorted(toRestore))
	if missing := inCheckpoint.Sub(inModel); len(missing) > 0 {
		klog.Warningf("variables in %s but not in the model: %q", h.path, sets.Sorted(missing))
	}
	if missing := inModel.Sub(inCheckpoint); len(missing) > 0 {
		klog.Warningf("variables in the model but not in %s: %q", h.path, sets.Sorted(missing))
	}
	if len(toRestore) == 0 {
		return nil
	}
	values, _, err := checkpoints.ReadVariables(h.path, toRestore)
	if err != nil {
		return err
	}
	for name, value := range values {
		if err := h.store.SetValue(name, value); err != nil {
			return errors.WithMessagef(err, "initializing from %s", h.path)
		}
	}
	return nil
}
