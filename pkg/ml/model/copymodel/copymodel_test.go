// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package copymodel

import (
	"testing"

	"github.com/gomlx/caet/pkg/core/distributed"
	"github.com/gomlx/caet/pkg/core/graph"
	"github.com/gomlx/caet/pkg/core/tensors"
	"github.com/gomlx/caet/pkg/ml/model"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var f64 = graph.VariableDType{Master: dtypes.Float64, Slice: dtypes.Float64, Activation: dtypes.Float64}

func importRows(mesh *graph.Mesh, name string, rows ...[]int32) *graph.Tensor {
	var flat []int32
	for _, row := range rows {
		flat = append(flat, row...)
	}
	shape := distributed.MakeShape("batch", len(rows), "length", len(rows[0]))
	return graph.ImportFullyReplicated(mesh, tensors.FromFlatDataAndDimensions(flat, shape.Dimensions()...), shape, name)
}

func TestCapabilities(t *testing.T) {
	for _, kind := range []model.Kind{model.KindUnitransformer, model.KindBitransformer,
		model.KindConditionedBitransformer, model.KindStudentTeacher} {
		t.Run(kind.String(), func(t *testing.T) {
			m := must.M1(New(kind, 8, 2))
			require.NoError(t, model.CheckCapabilities(m))
		})
	}
	_, err := New(model.Kind(17), 8, 2)
	require.Error(t, err)
	_, err = New(model.KindBitransformer, 1, 2)
	require.Error(t, err)
}

func TestCallSimpleGradients(t *testing.T) {
	m := must.M1(New(model.KindConditionedBitransformer, 5, 2))
	store := graph.NewStore()
	require.NoError(t, store.SetValue(UnigramVar, tensors.FromFlatDataAndDimensions([]float64{0, 0.3, -0.2, 0.5, 0.1}, 5)))
	require.NoError(t, store.SetValue(AttributeVar, tensors.FromFlatDataAndDimensions(
		[]float64{0, 0, 0, 0, 0, 0.2, -0.1, 0.4, 0, 0.3, -0.3, 0.1, 0, 0.2, 0.5}, 3, 5)))
	require.NoError(t, store.SetValue(CopyGateVar, tensors.FromScalar(0.7)))

	lossAt := func() (float64, map[string][]float64) {
		g := graph.New(store)
		mesh := g.NewMesh("mesh", nil)
		_, loss := m.CallSimple(model.CallArgs{
			Inputs:        importRows(mesh, "inputs", []int32{2, 3, 1, 0}, []int32{4, 1, 0, 0}),
			Targets:       importRows(mesh, "targets", []int32{2, 4, 1, 0}, []int32{3, 1, 0, 0}),
			Attributes:    importRows(mesh, "attribute", []int32{1}, []int32{2}),
			VariableDType: f64,
		})
		grads := make(map[string][]float64)
		for _, v := range g.TrainableVariables() {
			grads[v.Name()] = loss.Gradient(v).Float64s()
		}
		return graph.ScalarValue(loss), grads
	}
	loss, grads := lossAt()
	require.Greater(t, loss, 0.0)
	require.Len(t, grads, 3)

	const eps = 1e-3
	for _, name := range []string{UnigramVar, AttributeVar, CopyGateVar} {
		v := store.Variable(name)
		original := v.Master()
		values := original.Float64s()
		for i := range values {
			perturbed := append([]float64(nil), values...)
			perturbed[i] += eps
			require.NoError(t, store.SetValue(name, tensors.FromFloat64s(dtypes.Float64, perturbed, original.Dimensions()...)))
			lossPlus, _ := lossAt()
			perturbed[i] -= 2 * eps
			require.NoError(t, store.SetValue(name, tensors.FromFloat64s(dtypes.Float64, perturbed, original.Dimensions()...)))
			lossMinus, _ := lossAt()
			numerical := (lossPlus - lossMinus) / (2 * eps)
			assert.InDeltaf(t, numerical, grads[name][i], 2e-3, "gradient of %s[%d]", name, i)
		}
		require.NoError(t, store.SetValue(name, original))
	}
}

func TestCallSimpleLogits(t *testing.T) {
	m := must.M1(New(model.KindBitransformer, 6, 0)).WithInitialCopyGate(2)
	g := graph.New(graph.NewStore())
	mesh := g.NewMesh("mesh", nil)
	logits, loss := m.CallSimple(model.CallArgs{
		Inputs:  importRows(mesh, "inputs", []int32{4, 1, 0}),
		Targets: importRows(mesh, "targets", []int32{4, 1, 0}),
	})
	assert.Equal(t, []int{1, 3, 6}, logits.Shape().Dimensions())
	assert.Equal(t, "vocab", logits.Shape()[2].Name)
	values := logits.Value().Float64s()
	assert.Equal(t, 2.0, values[4])
	assert.Equal(t, 2.0, values[6+1])
	assert.Equal(t, 0.0, values[12+0])
	assert.Greater(t, graph.ScalarValue(loss), 0.0)
}

func TestDecode(t *testing.T) {
	m := must.M1(New(model.KindConditionedBitransformer, 8, 2)).WithInitialCopyGate(10)
	g := graph.New(graph.NewStore())
	mesh := g.NewMesh("mesh", nil)
	inputs := importRows(mesh, "inputs", []int32{5, 6, 1, 0})
	params := model.InferenceDecodeParams()

	got := m.DecodeConditioned(model.DecodeArgs{Inputs: inputs, VariableDType: f64, Params: params})
	assert.Equal(t, []int32{5, 6, 1, 0}, tensors.Flat[int32](got.Value()))

	codes := importRows(mesh, "controlcode", []int32{7, 0})
	got = m.DecodeConditioned(model.DecodeArgs{Inputs: inputs, ControlCodes: codes,
		HasPartialSequences: true, Params: params})
	assert.Equal(t, []int32{7, 5, 6, 1}, tensors.Flat[int32](got.Value()))

	got = m.DecodeConditioned(model.DecodeArgs{Inputs: inputs, ControlCodes: codes,
		HasPartialSequences: true, RemovePartialSequences: true, Params: params})
	assert.Equal(t, []int32{5, 6, 1, 0}, tensors.Flat[int32](got.Value()))

	params.MaxLength = 6
	got = m.Decode(inputs, f64, params)
	assert.Equal(t, []int{1, 6}, got.Shape().Dimensions())
	assert.Equal(t, []int32{5, 6, 1, 0, 0, 0}, tensors.Flat[int32](got.Value()))
}

func TestSampleAutoregressive(t *testing.T) {
	m := must.M1(New(model.KindUnitransformer, 8, 0)).WithInitialCopyGate(10)
	g := graph.New(graph.NewStore())
	mesh := g.NewMesh("mesh", nil)
	inputs := importRows(mesh, "inputs", []int32{5, 6, 0, 0, 0, 0})

	got := m.SampleAutoregressive(inputs, f64, false, model.InferenceDecodeParams())
	assert.Equal(t, []int32{5, 6, 5, 6, 1, 0}, tensors.Flat[int32](got.Value()))
	got = m.SampleAutoregressive(inputs, f64, true, model.InferenceDecodeParams())
	assert.Equal(t, []int32{5, 6, 1, 0, 0, 0}, tensors.Flat[int32](got.Value()))
}
