// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"

	"github.com/gomlx/caet/pkg/core/distributed"
	"github.com/gomlx/caet/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Update assigns a new value to a variable.
type Update struct {
	Variable *Variable
	Value    *tensors.Tensor
}

// Lowering binds the meshes of a Graph to their implementations and lays out its variables.
type Lowering struct {
	graph *Graph
	impls map[*Mesh]distributed.Implementation
}

// Lower creates the Lowering of g: every mesh of g must have an implementation in impls.
//
// Variables whose layout changed since they were last lowered have their slices invalidated: they
// are re-initialized from the masters by CopyMastersToSlices.
func Lower(g *Graph, impls map[*Mesh]distributed.Implementation) (*Lowering, error) {
	l := &Lowering{graph: g, impls: impls}
	for _, m := range g.meshes {
		impl, found := impls[m]
		if !found || impl == nil {
			return nil, errors.Errorf("no implementation for %s", m)
		}
		if err := impl.Validate(); err != nil {
			return nil, errors.WithMessagef(err, "invalid implementation for %s", m)
		}
	}
	if len(g.meshes) == 0 {
		return l, nil
	}
	// Variables are laid out on the first mesh.
	impl := impls[g.meshes[0]]
	for _, v := range g.variables {
		layout, err := impl.Rules().TensorLayout(v.shape, impl.Mesh())
		if err != nil {
			return nil, errors.WithMessagef(err, "laying out variable %q", v.name)
		}
		if v.layout != nil && v.layout.String() == layout.String() && v.layout.Mesh.String() == layout.Mesh.String() {
			continue
		}
		v.slices = nil
		v.layout = layout
		klog.V(2).Infof("variable %q: %s", v.name, layout)
	}
	return l, nil
}

// Graph lowered.
func (l *Lowering) Graph() *Graph { return l.graph }

// Implementation of the mesh.
func (l *Lowering) Implementation(m *Mesh) distributed.Implementation { return l.impls[m] }

// Export returns a copy of the host value of a tensor.
func (l *Lowering) Export(t *Tensor) *tensors.Tensor {
	return t.value.Clone()
}

// CopyMastersToSlices initializes the per-device slices of every variable of the graph from their masters.
// Devices of the same replica group share the slice.
func (l *Lowering) CopyMastersToSlices() error {
	for _, v := range l.graph.variables {
		if err := l.setSlices(v, v.Master()); err != nil {
			return err
		}
	}
	return nil
}

func (l *Lowering) setSlices(v *Variable, value *tensors.Tensor) error {
	if v.layout == nil {
		return errors.Errorf("variable %q was not lowered", v.name)
	}
	groups, err := v.layout.ReplicaGroups()
	if err != nil {
		return err
	}
	value, err = value.ConvertDType(v.dtype.Slice)
	if err != nil {
		return err
	}
	slices := make([]*tensors.Tensor, v.layout.Mesh.NumDevices())
	shardDims := v.layout.ShardDimensions()
	for _, group := range groups {
		block, err := value.Block(v.layout.BlockStarts(group[0]), shardDims)
		if err != nil {
			return errors.WithMessagef(err, "slicing variable %q", v.name)
		}
		for _, device := range group {
			slices[device] = block
		}
	}
	v.slices = slices
	return nil
}

// UninitializedVariables returns the names of the variables of the graph whose slices are not initialized.
func (l *Lowering) UninitializedVariables() []string {
	var names []string
	for _, v := range l.graph.variables {
		if v.slices == nil {
			names = append(names, v.name)
		}
	}
	return names
}

// Apply the updates to the masters. The slices of initialized variables are updated accordingly.
func (l *Lowering) Apply(updates []Update) error {
	for _, u := range updates {
		v := u.Variable
		if !slices.Equal(u.Value.Dimensions(), v.shape.Dimensions()) {
			return errors.Errorf("update of variable %q of shape %s with value %s", v.name, v.shape, u.Value.ShapeString())
		}
		if err := v.setMaster(u.Value); err != nil {
			return err
		}
		if v.slices != nil {
			if err := l.setSlices(v, u.Value); err != nil {
				return err
			}
		}
	}
	return nil
}

// IncrementGlobalStep increments the global step of the graph's store.
func (l *Lowering) IncrementGlobalStep() (int64, error) {
	s := l.graph.store
	step := s.GlobalStep() + 1
	return step, s.SetGlobalStep(step)
}

// RestoreHook initializes the slices of the variables from their masters when a session begins.
type RestoreHook struct {
	lowering *Lowering
}

// NewRestoreHook creates a RestoreHook for the lowering.
func NewRestoreHook(l *Lowering) *RestoreHook { return &RestoreHook{lowering: l} }

// Name of the hook.
func (h *RestoreHook) Name() string { return "graph.RestoreHook" }

// Begin copies masters to slices.
func (h *RestoreHook) Begin() error {
	if err := h.lowering.CopyMastersToSlices(); err != nil {
		return errors.WithMessage(err, "restoring variable slices")
	}
	klog.V(1).Infof("initialized slices of %d variables", len(h.lowering.graph.variables))
	return nil
}
