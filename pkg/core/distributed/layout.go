// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"strings"

	"github.com/gomlx/caet/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LayoutRule maps a tensor dimension name to the mesh axis it is split across.
type LayoutRule struct {
	TensorDim, MeshAxis string
}

// LayoutRules is the list of rules used to lay out every tensor of a computation over a DeviceMesh.
//
// Tensor dimensions without a rule are replicated. Example, "batch:batch;vocab:model;d_ff:model"
// splits the batch over the "batch" mesh axis and the vocabulary and feed-forward dimensions
// over the "model" axis.
type LayoutRules []LayoutRule

// ParseLayoutRules parses rules in the form "tensor_dim:mesh_axis;..." (separated by ";" or ",").
func ParseLayoutRules(spec string) (LayoutRules, error) {
	var rules LayoutRules
	seen := sets.Make[string]()
	for _, part := range splitList(spec) {
		tensorDim, meshAxis, found := strings.Cut(part, ":")
		tensorDim, meshAxis = strings.TrimSpace(tensorDim), strings.TrimSpace(meshAxis)
		if !found || !IsNameValid(tensorDim) || !IsNameValid(meshAxis) {
			return nil, errors.Errorf("invalid layout rule %q in %q: expected <tensor_dim>:<mesh_axis>", part, spec)
		}
		if seen.Has(tensorDim) {
			return nil, errors.Errorf("tensor dimension %q has more than one layout rule in %q", tensorDim, spec)
		}
		seen.Insert(tensorDim)
		rules = append(rules, LayoutRule{TensorDim: tensorDim, MeshAxis: meshAxis})
	}
	return rules, nil
}

// MeshAxisFor returns the mesh axis the tensor dimension is split across, if any.
func (r LayoutRules) MeshAxisFor(tensorDim string) (string, bool) {
	for _, rule := range r {
		if rule.TensorDim == tensorDim {
			return rule.MeshAxis, true
		}
	}
	return "", false
}

// Validate checks that every rule refers to an axis of the mesh.
func (r LayoutRules) Validate(mesh *DeviceMesh) error {
	for _, rule := range r {
		if !mesh.HasAxis(rule.MeshAxis) {
			return errors.Errorf("layout rule %s:%s refers to unknown axis of %s", rule.TensorDim, rule.MeshAxis, mesh)
		}
	}
	return nil
}

// String returns the rules in the format accepted by ParseLayoutRules.
func (r LayoutRules) String() string {
	parts := make([]string, len(r))
	for i, rule := range r {
		parts[i] = rule.TensorDim + ":" + rule.MeshAxis
	}
	return strings.Join(parts, ";")
}

// TensorLayout describes how one logical tensor is split across a DeviceMesh: for each
// tensor dimension, the mesh axis it is split across, or "" if it is replicated.
type TensorLayout struct {
	Mesh  *DeviceMesh
	Shape Shape
	Axes  []string
}

// TensorLayout computes the layout of a tensor of the given shape.
//
// A mesh axis splits at most one dimension of a tensor: if two dimensions map to the same
// mesh axis, only the first is split. It returns an error if a split dimension is not
// divisible by the size of its mesh axis.
func (r LayoutRules) TensorLayout(shape Shape, mesh *DeviceMesh) (*TensorLayout, error) {
	layout := &TensorLayout{Mesh: mesh, Shape: shape, Axes: make([]string, len(shape))}
	used := sets.Make[string]()
	for i, dim := range shape {
		meshAxis, found := r.MeshAxisFor(dim.Name)
		if !found || !mesh.HasAxis(meshAxis) {
			continue
		}
		if used.Has(meshAxis) {
			klog.V(2).Infof("dimension %q of %s not split: mesh axis %q already used", dim.Name, shape, meshAxis)
			continue
		}
		axisSize, _ := mesh.AxisSize(meshAxis)
		if dim.Size%axisSize != 0 {
			return nil, errors.Errorf("dimension %s=%d of %s is not divisible by mesh axis %s=%d",
				dim.Name, dim.Size, shape, meshAxis, axisSize)
		}
		used.Insert(meshAxis)
		layout.Axes[i] = meshAxis
	}
	return layout, nil
}

// IsReplicated returns whether the tensor is fully replicated on every device.
func (l *TensorLayout) IsReplicated() bool {
	for _, axis := range l.Axes {
		if axis != "" {
			return false
		}
	}
	return true
}

// NumShards returns the number of pieces the tensor dimension is split into.
func (l *TensorLayout) NumShards(dim int) int {
	if l.Axes[dim] == "" {
		return 1
	}
	size, _ := l.Mesh.AxisSize(l.Axes[dim])
	return size
}

// ShardDimensions returns the dimensions of the piece (slice) held by each device.
func (l *TensorLayout) ShardDimensions() []int {
	dims := l.Shape.Dimensions()
	for i := range dims {
		dims[i] /= l.NumShards(i)
	}
	return dims
}

// BlockStarts returns where, in the full tensor, the slice of the given logical device starts.
func (l *TensorLayout) BlockStarts(device int) []int {
	coords := l.Mesh.Coordinates(device)
	shardDims := l.ShardDimensions()
	starts := make([]int, len(l.Shape))
	for i, axis := range l.Axes {
		if axis == "" {
			continue
		}
		starts[i] = coords[l.Mesh.nameToAxis[axis]] * shardDims[i]
	}
	return starts
}

// ReplicaGroups returns groups of logical devices that hold identical slices of the tensor.
func (l *TensorLayout) ReplicaGroups() ([][]int, error) {
	used := sets.Make[string]()
	for _, axis := range l.Axes {
		if axis != "" {
			used.Insert(axis)
		}
	}
	var replicatedAxes []string
	for _, axis := range l.Mesh.axesNames {
		if !used.Has(axis) {
			replicatedAxes = append(replicatedAxes, axis)
		}
	}
	return l.Mesh.ComputeReplicaGroups(replicatedAxes)
}

// String returns a human-readable description, e.g. "TensorLayout{[batch=8, length=16]: S(batch), R}".
func (l *TensorLayout) String() string {
	parts := make([]string, len(l.Axes))
	for i, axis := range l.Axes {
		if axis == "" {
			parts[i] = "R"
		} else {
			parts[i] = "S(" + axis + ")"
		}
	}
	return "TensorLayout{" + l.Shape.String() + ": " + strings.Join(parts, ", ") + "}"
}

// SizePerSplit returns the size of the pieces the dimension is split into by the layout rules.
func SizePerSplit(rules LayoutRules, mesh *DeviceMesh, dim Dimension) int {
	meshAxis, found := rules.MeshAxisFor(dim.Name)
	if !found || !mesh.HasAxis(meshAxis) {
		return dim.Size
	}
	axisSize, _ := mesh.AxisSize(meshAxis)
	return dim.Size / axisSize
}
