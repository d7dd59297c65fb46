// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package copymodel

import (
	"fmt"

	"github.com/gomlx/caet/pkg/core/graph"
	"github.com/gomlx/caet/pkg/core/tensors"
	gograph "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// batch holds the host inputs of one computation, with one row per example.
type batch struct {
	numRows, length int

	// copied holds the input token aligned with each target position, int32 [numRows, length].
	copied *tensors.Tensor

	// attributes holds the (in range) attribute of each row, int32 [numRows].
	attributes *tensors.Tensor

	// targets, int32 [numRows, length], only for the loss.
	targets *tensors.Tensor
}

// forwardOutputs are the results of a computation: the logits, and when the targets are given,
// the loss and its gradients with respect to the unigram, attributes and copy gate variables.
type forwardOutputs struct {
	logits *tensors.Tensor
	loss   float64
	grads  []*tensors.Tensor
}

// variableNames in the order they are passed to the computations.
var variableNames = []string{UnigramVar, AttributeVar, CopyGateVar}

// forward runs the model computation over b on the variables of store, which must have been created.
func (m *Model) forward(store *graph.Store, b *batch) *forwardOutputs {
	withLoss := b.targets != nil
	if b.numRows*b.length == 0 {
		return m.emptyOutputs(store, b)
	}
	key := fmt.Sprintf("copymodel(%p)/logits", m)
	if withLoss {
		key = fmt.Sprintf("copymodel(%p)/loss", m)
	}
	e, err := store.Exec(key, func(_ *context.Context, inputs []*context.Node) []*context.Node {
		return m.buildGraph(store, inputs, withLoss)
	})
	if err != nil {
		panic(err)
	}
	args := []any{b.copied.ToGoMLX(), b.attributes.ToGoMLX()}
	if withLoss {
		args = append(args, b.targets.ToGoMLX())
	}
	results, err := e.Exec(args...)
	if err != nil {
		panic(errors.WithMessage(err, "copymodel: executing the model"))
	}
	outputs := make([]*tensors.Tensor, len(results))
	for i, result := range results {
		outputs[i] = tensors.MustFromGoMLX(result)
	}
	out := &forwardOutputs{logits: outputs[0]}
	if withLoss {
		out.loss = outputs[1].Float64s()[0]
		out.grads = outputs[2:]
	}
	return out
}

// emptyOutputs for a batch without positions: nothing to score.
func (m *Model) emptyOutputs(store *graph.Store, b *batch) *forwardOutputs {
	out := &forwardOutputs{logits: tensors.Zeros(dtypes.Float32, b.numRows, b.length, m.vocabSize)}
	if b.targets != nil {
		for _, name := range variableNames {
			v := store.Variable(name)
			out.grads = append(out.grads, tensors.Zeros(v.DType().Master, v.Shape().Dimensions()...))
		}
	}
	return out
}

// buildGraph builds the computation: inputs are copied, attributes and, withLoss, the targets.
//
// Variables are read from their masters, rounded to their slice dtype. Gradients are taken with
// respect to the masters.
func (m *Model) buildGraph(store *graph.Store, inputs []*context.Node, withLoss bool) []*context.Node {
	copied, attributes := inputs[0], inputs[1]
	g := copied.Graph()
	vars := make([]*graph.Variable, len(variableNames))
	dtype := dtypes.Float32
	for i, name := range variableNames {
		vars[i] = store.Variable(name)
		if vars[i] == nil {
			panic(errors.Errorf("copymodel: variable %q was not created", name))
		}
		if vars[i].DType().Activation == dtypes.Float64 {
			dtype = dtypes.Float64
		}
	}
	masters := make([]*context.Node, len(vars))
	values := make([]*context.Node, len(vars))
	for i, v := range vars {
		masters[i] = v.ContextVariable().ValueGraph(g)
		values[i] = gograph.ConvertDType(gograph.ConvertDType(masters[i], v.DType().Slice), dtype)
	}
	logits := m.logitsGraph(values[0], values[1], values[2], copied, attributes)
	outputs := []*context.Node{gograph.ConvertDType(logits, dtypes.Float32)}
	if !withLoss {
		return outputs
	}
	loss := tokenCrossEntropy(logits, inputs[2])
	outputs = append(outputs, loss)
	return append(outputs, gograph.Gradient(loss, masters...)...)
}

// logitsGraph returns the logits shaped [numRows, length, vocab].
func (m *Model) logitsGraph(unigram, attributeTable, copyGate, copied, attributes *context.Node) *context.Node {
	g := copied.Graph()
	dims := copied.Shape().Dimensions
	numRows, length, vocab := dims[0], dims[1], m.vocabSize
	dtype := unigram.DType()

	rows := gograph.Gather(attributeTable, gograph.Reshape(attributes, numRows, 1))
	logits := gograph.Add(
		gograph.BroadcastToDims(gograph.Reshape(unigram, 1, 1, vocab), numRows, length, vocab),
		gograph.BroadcastToDims(gograph.Reshape(rows, numRows, 1, vocab), numRows, length, vocab))

	// Padding is never copied, and tokens outside the vocabulary have no one-hot position.
	copyable := gograph.ConvertDType(gograph.GreaterThan(copied, gograph.ScalarZero(g, copied.DType())), dtype)
	copyOneHot := gograph.Mul(
		gograph.OneHot(copied, vocab, dtype),
		gograph.BroadcastToDims(gograph.Reshape(copyable, numRows, length, 1), numRows, length, vocab))
	return gograph.Add(logits, gograph.Mul(gograph.BroadcastToDims(copyGate, numRows, length, vocab), copyOneHot))
}

// tokenCrossEntropy is the mean cross-entropy of the non-padding targets.
func tokenCrossEntropy(logits, targets *context.Node) *context.Node {
	g := logits.Graph()
	dtype := logits.DType()
	vocab := logits.Shape().Dimensions[2]
	logProbs := gograph.LogSoftmax(logits, -1)
	picked := gograph.ReduceSum(gograph.Mul(logProbs, gograph.OneHot(targets, vocab, dtype)), 2)
	mask := gograph.ConvertDType(gograph.GreaterThan(targets, gograph.ScalarZero(g, targets.DType())), dtype)
	numTokens := gograph.Max(gograph.ReduceAllSum(mask), gograph.ScalarOne(g, dtype))
	return gograph.Div(gograph.Neg(gograph.ReduceAllSum(gograph.Mul(picked, mask))), numTokens)
}
