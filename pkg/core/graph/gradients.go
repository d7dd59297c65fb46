// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"
	"sort"

	"github.com/gomlx/caet/pkg/core/tensors"
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// LossKey is the output of a training step function holding the loss to differentiate.
const LossKey = "loss"

// Gradients returns the gradients of the sum of the scalar losses with respect to each of vars.
//
// Variables that didn't contribute to any of the losses get a zero gradient.
func Gradients(losses []*Tensor, vars []*Variable) []*tensors.Tensor {
	grads := make([]*tensors.Tensor, len(vars))
	for i, v := range vars {
		for _, loss := range losses {
			if len(loss.shape) != 0 {
				exceptions.Panicf("Gradients: loss must be a scalar, got shape %s", loss.shape)
			}
			g := loss.grads[v]
			if g == nil {
				continue
			}
			if grads[i] == nil {
				grads[i] = g
			} else {
				grads[i] = addValues(grads[i], g)
			}
		}
		if grads[i] == nil {
			grads[i] = tensors.Zeros(v.dtype.Activation, v.shape.Dimensions()...)
		}
	}
	return grads
}

// SerializeTrainingStep runs stepFn over numMicrobatches slices of the features along batchDim,
// and sums its outputs.
//
// Features without batchDim are passed unchanged to every micro-batch. The outputs of stepFn must
// have the same keys and shapes for every micro-batch, and include LossKey.
//
// It returns the gradients of the summed loss with respect to the trainable variables of the graph
// (in the order of Graph.TrainableVariables) and the summed outputs.
func SerializeTrainingStep(features map[string]*Tensor, stepFn func(features map[string]*Tensor) map[string]*Tensor,
	batchDim string, numMicrobatches int) ([]*tensors.Tensor, map[string]*Tensor) {
	if numMicrobatches < 1 {
		exceptions.Panicf("SerializeTrainingStep: numMicrobatches must be >= 1, got %d", numMicrobatches)
	}
	var g *Graph
	batchSize := -1
	keys := make([]string, 0, len(features))
	for key, t := range features {
		keys = append(keys, key)
		g = t.mesh.graph
		if idx := t.shape.Index(batchDim); idx >= 0 {
			size := t.shape[idx].Size
			if batchSize >= 0 && size != batchSize {
				exceptions.Panicf("SerializeTrainingStep: feature %q has %s=%d, other features have %d",
					key, batchDim, size, batchSize)
			}
			batchSize = size
		}
	}
	sort.Strings(keys)
	if batchSize >= 0 && batchSize%numMicrobatches != 0 {
		exceptions.Panicf("SerializeTrainingStep: %s=%d is not divisible by the number of micro-batches %d",
			batchDim, batchSize, numMicrobatches)
	}
	klog.V(2).Infof("serializing training step over %d micro-batches of %s=%d", numMicrobatches, batchDim, batchSize)

	var outputs map[string]*Tensor
	for mb := range numMicrobatches {
		mbFeatures := features
		if numMicrobatches > 1 {
			mbFeatures = make(map[string]*Tensor, len(features))
			mbSize := batchSize / numMicrobatches
			for _, key := range keys {
				t := features[key]
				if t.shape.Index(batchDim) >= 0 {
					sliced := Slice(t, batchDim, mb*mbSize, mbSize)
					sliced.anonymous = t.anonymous
					sliced.name = t.name
					t = sliced
				}
				mbFeatures[key] = t
			}
		}
		mbOutputs := stepFn(mbFeatures)
		if _, found := mbOutputs[LossKey]; !found {
			exceptions.Panicf("SerializeTrainingStep: step function outputs %v don't include %q",
				sortedKeys(mbOutputs), LossKey)
		}
		if outputs == nil {
			outputs = mbOutputs
			continue
		}
		if !slices.Equal(sortedKeys(outputs), sortedKeys(mbOutputs)) {
			exceptions.Panicf("SerializeTrainingStep: micro-batch %d outputs %v, previous micro-batches output %v",
				mb, sortedKeys(mbOutputs), sortedKeys(outputs))
		}
		for key, t := range mbOutputs {
			outputs[key] = Add(outputs[key], t)
		}
	}
	if g == nil {
		g = outputs[LossKey].mesh.graph
	}
	return Gradients([]*Tensor{outputs[LossKey]}, g.TrainableVariables()), outputs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
