// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph implements the logical side of the distributed tensor runtime.
//
// The main elements in the package are:
//
//   - Store: holds the variables of a model across steps (their master values, their per-device
//     slices once lowered) and the global step. The master values live in a GoMLX context, which
//     is what the optimizers update and what checkpoints save and restore.
//
//   - Graph: one logical computation, built once per invocation of a model function. It records the
//     meshes and the variables the computation touches.
//
//   - Mesh: a named logical mesh within a Graph. Tensors and variables live on a Mesh.
//
//   - Tensor: a logical tensor with named dimensions (see distributed.Shape). Operations are
//     evaluated eagerly on the host, so every Tensor carries its value.
//
//   - Lowering: binds the meshes of a Graph to mesh implementations (see distributed.Implementation),
//     lays out every variable into per-device slices, and applies variable updates.
//
// # Error Handling
//
// Like the rest of graph building code, operations on Graph, Mesh and Tensor "throw" errors with
// panic (using exceptions.Panicf). Callers at the boundaries (model functions, training loops) use
// exceptions.TryCatch to convert them back to errors. Lowering methods return errors.
package graph

import (
	"fmt"

	"github.com/gomlx/caet/pkg/core/distributed"
	"github.com/gomlx/caet/pkg/core/tensors"
	"github.com/gomlx/exceptions"
)

// Graph is a logical computation over one or more meshes.
type Graph struct {
	store     *Store
	meshes    []*Mesh
	variables []*Variable
	touched   map[*Variable]bool
}

// New creates a Graph whose variables are kept in store.
func New(store *Store) *Graph {
	if store == nil {
		exceptions.Panicf("graph.New requires a Store")
	}
	return &Graph{store: store, touched: make(map[*Variable]bool)}
}

// Store returns the variable store of the graph.
func (g *Graph) Store() *Store { return g.store }

// Meshes returns the meshes created in the graph.
func (g *Graph) Meshes() []*Mesh { return g.meshes }

// Variables returns the variables used by the graph, in the order they were first used.
func (g *Graph) Variables() []*Variable { return g.variables }

// TrainableVariables returns the trainable variables used by the graph, in the order they were first used.
func (g *Graph) TrainableVariables() []*Variable {
	var vars []*Variable
	for _, v := range g.variables {
		if v.Trainable() {
			vars = append(vars, v)
		}
	}
	return vars
}

func (g *Graph) touch(v *Variable) {
	if !g.touched[v] {
		g.touched[v] = true
		g.variables = append(g.variables, v)
	}
}

// Mesh is a named logical mesh of a Graph.
type Mesh struct {
	graph  *Graph
	name   string
	placer distributed.VariablePlacer
}

// NewMesh creates a logical mesh. The placer chooses where the master copy of new variables are
// kept, and it can be nil, in which case masters are kept on the default host device.
func (g *Graph) NewMesh(name string, placer distributed.VariablePlacer) *Mesh {
	m := &Mesh{graph: g, name: name, placer: placer}
	g.meshes = append(g.meshes, m)
	return m
}

// Graph returns the graph the mesh belongs to.
func (m *Mesh) Graph() *Graph { return m.graph }

// Name of the mesh.
func (m *Mesh) Name() string { return m.name }

// String implements fmt.Stringer.
func (m *Mesh) String() string { return fmt.Sprintf("Mesh(%q)", m.name) }

// GetOrCreateVariable returns the variable with the given name, creating it if needed.
//
// On creation, the value is taken from a pending checkpoint value if the Store has one, otherwise
// initFn is called. The value is stored (the master) in the master dtype of vdt.
//
// It panics if an existing variable has a different shape.
func (m *Mesh) GetOrCreateVariable(name string, shape distributed.Shape, vdt VariableDType,
	initFn func() *tensors.Tensor, trainable bool) *Variable {
	v, err := m.graph.store.getOrCreate(name, shape, vdt, initFn, trainable, m.placer)
	if err != nil {
		panic(err)
	}
	m.graph.touch(v)
	return v
}
