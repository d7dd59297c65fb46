// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package copymodel implements a small attribute-conditioned sequence model, used as the reference
// model of the attribute transfer pipeline.
//
// The logits of the target token at position l of an example are:
//
//	logits[l] = unigram + attributeLogits[attribute] + copyGate * oneHot(inputs[l])
//
// So the model learns a token prior, a per-attribute token bias and how strongly to copy the
// aligned input token. Its loss is the mean token cross-entropy over non-padding targets. Logits,
// loss and gradients are computed by a GoMLX computation graph over the variables of the Store.
//
// Decoding picks each token from the same logits, aligned with the inputs, and supports
// continuing from a control-code prefix (partial sequences).
package copymodel

import (
	"github.com/gomlx/caet/pkg/core/distributed"
	"github.com/gomlx/caet/pkg/core/graph"
	"github.com/gomlx/caet/pkg/core/tensors"
	"github.com/gomlx/caet/pkg/ml/model"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Dimension names used by the model.
const (
	VocabDim     = "vocab"
	AttributeDim = "attribute"
)

// Variable names.
const (
	UnigramVar   = "copymodel/unigram"
	AttributeVar = "copymodel/attribute_logits"
	CopyGateVar  = "copymodel/copy_gate"
)

// PadID and EOSID are the reserved token ids.
const (
	PadID = 0
	EOSID = 1
)

// Model is the attribute-conditioned copy model. Create it with New.
type Model struct {
	kind          model.Kind
	vocabSize     int
	numAttributes int
	initCopyGate  float64
}

// New creates a model of the given kind with vocabSize tokens and numAttributes attribute values
// (attribute ids are 1-based, 0 meaning no attribute).
func New(kind model.Kind, vocabSize, numAttributes int) (*Model, error) {
	if vocabSize <= EOSID {
		return nil, errors.Errorf("copymodel: vocabSize must be > %d, got %d", EOSID, vocabSize)
	}
	if numAttributes < 0 {
		return nil, errors.Errorf("copymodel: numAttributes must be >= 0, got %d", numAttributes)
	}
	if kind < model.KindUnitransformer || kind > model.KindStudentTeacher {
		return nil, errors.Errorf("copymodel: unrecognized model kind %d", kind)
	}
	return &Model{kind: kind, vocabSize: vocabSize, numAttributes: numAttributes}, nil
}

// WithInitialCopyGate sets the initial value of the copy gate. Default is 0.
func (m *Model) WithInitialCopyGate(value float64) *Model {
	m.initCopyGate = value
	return m
}

// Kind implements model.Model.
func (m *Model) Kind() model.Kind { return m.kind }

// VocabSize returns the number of tokens.
func (m *Model) VocabSize() int { return m.vocabSize }

// variables returns the model variables, creating them in mesh if needed.
func (m *Model) variables(mesh *graph.Mesh, vdt graph.VariableDType) []*graph.Variable {
	vocab := distributed.Dimension{Name: VocabDim, Size: m.vocabSize}
	return []*graph.Variable{
		mesh.GetOrCreateVariable(UnigramVar, distributed.Shape{vocab}, vdt, nil, true),
		mesh.GetOrCreateVariable(AttributeVar,
			distributed.Shape{{Name: AttributeDim, Size: m.numAttributes + 1}, vocab}, vdt, nil, true),
		mesh.GetOrCreateVariable(CopyGateVar, distributed.Shape{}, vdt, func() *tensors.Tensor {
			return tensors.FromScalar(float32(m.initCopyGate))
		}, true),
	}
}

func (m *Model) clampAttribute(attribute int) int {
	if attribute < 0 || attribute > m.numAttributes {
		klog.V(2).Infof("copymodel: attribute %d out of range [0, %d], using no attribute", attribute, m.numAttributes)
		return 0
	}
	return attribute
}

func variableDType(vdt graph.VariableDType) graph.VariableDType {
	if vdt == (graph.VariableDType{}) {
		return graph.DefaultVariableDType()
	}
	return vdt
}

// rowsOf returns the values of a [..., length] int tensor as rows of the last dimension.
func rowsOf(t *graph.Tensor) [][]int {
	shape := t.Shape()
	if len(shape) == 0 {
		exceptions.Panicf("copymodel: expected a tensor with a length dimension, got a scalar")
	}
	length := shape[len(shape)-1].Size
	values := t.Value().Float64s()
	rows := make([][]int, 0, len(values)/max(length, 1))
	for start := 0; start+length <= len(values) && length > 0; start += length {
		row := make([]int, length)
		for i := range row {
			row[i] = int(values[start+i])
		}
		rows = append(rows, row)
	}
	return rows
}

// attributesOf returns the attribute of each example, taken from the first position of its row.
func attributesOf(t *graph.Tensor, numExamples int) []int {
	attributes := make([]int, numExamples)
	if t == nil {
		return attributes
	}
	rows := rowsOf(t)
	if len(rows) != numExamples {
		exceptions.Panicf("copymodel: attributes have %d examples, expected %d", len(rows), numExamples)
	}
	for i, row := range rows {
		attributes[i] = row[0]
	}
	return attributes
}

// newBatch prepares the host inputs of a computation: copied returns the input token aligned with
// position l of row b.
func (m *Model) newBatch(numRows, length int, attributes []int, copied func(b, l int) int) *batch {
	copiedFlat := make([]int32, 0, numRows*length)
	for b := range numRows {
		for l := range length {
			copiedFlat = append(copiedFlat, int32(copied(b, l)))
		}
	}
	attributesFlat := make([]int32, numRows)
	for b, attribute := range attributes {
		attributesFlat[b] = int32(m.clampAttribute(attribute))
	}
	return &batch{
		numRows:    numRows,
		length:     length,
		copied:     tensors.FromFlatDataAndDimensions(copiedFlat, numRows, length),
		attributes: tensors.FromFlatDataAndDimensions(attributesFlat, numRows),
	}
}

// CallSimple implements model.SimpleCaller.
//
// The decoder targets are CodePrefixedTargets if given, otherwise Targets.
func (m *Model) CallSimple(args model.CallArgs) (logitsT, lossT *graph.Tensor) {
	targetsT := args.Targets
	if args.CodePrefixedTargets != nil && m.kind == model.KindConditionedBitransformer {
		targetsT = args.CodePrefixedTargets
	}
	if targetsT == nil || args.Inputs == nil {
		exceptions.Panicf("copymodel.CallSimple requires inputs and targets")
	}
	mesh := targetsT.Mesh()
	vars := m.variables(mesh, variableDType(args.VariableDType))
	targets := rowsOf(targetsT)
	inputs := rowsOf(args.Inputs)
	if len(inputs) != len(targets) {
		exceptions.Panicf("copymodel: inputs have %d examples, targets have %d", len(inputs), len(targets))
	}
	var attributes []int
	if m.kind == model.KindConditionedBitransformer {
		attributes = attributesOf(args.Attributes, len(targets))
	} else {
		attributes = make([]int, len(targets))
	}

	V := m.vocabSize
	length := targetsT.Shape()[len(targetsT.Shape())-1].Size
	targetsFlat := make([]int32, 0, len(targets)*length)
	for _, row := range targets {
		for _, target := range row {
			if target < 0 || target >= V {
				exceptions.Panicf("copymodel: target token %d out of vocabulary of size %d", target, V)
			}
			targetsFlat = append(targetsFlat, int32(target))
		}
	}
	b := m.newBatch(len(targets), length, attributes, func(b, l int) int {
		if l < len(inputs[b]) {
			return inputs[b][l]
		}
		return PadID
	})
	b.targets = tensors.FromFlatDataAndDimensions(targetsFlat, len(targets), length)
	out := m.forward(mesh.Graph().Store(), b)

	logitsShape := append(distributed.Shape{}, targetsT.Shape()...)
	logitsShape = append(logitsShape, distributed.Dimension{Name: VocabDim, Size: V})
	logits, err := out.logits.Reshape(logitsShape.Dimensions()...)
	if err != nil {
		panic(err)
	}
	logitsT = graph.ImportFullyReplicated(mesh, logits, logitsShape, "logits")

	grads := make(map[*graph.Variable]*tensors.Tensor, len(vars))
	for i, v := range vars {
		grad, err := out.grads[i].ConvertDType(v.DType().Activation)
		if err != nil {
			panic(err)
		}
		grads[v] = grad
	}
	return logitsT, graph.NewLoss(mesh, out.loss, grads)
}
