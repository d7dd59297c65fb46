// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package modelfn

import (
	"github.com/gomlx/caet/pkg/core/graph"
	"github.com/gomlx/caet/pkg/ml/features"
	"github.com/gomlx/caet/pkg/ml/model"
	"k8s.io/klog/v2"
)

// logitsAndLoss computes the teacher-forced logits and the loss of the features. It also returns
// the targets the logits are scored against.
//
// With the cycle-consistency loss, the inputs are decoded (with the training decode parameters)
// and the targets are reconstructed from the decoded samples: the loss is
// lambdaAE * reconstruction loss + lambdaCycle * cycle loss, and the logits are those of the cycle.
func (c *Config) logitsAndLoss(f map[string]*graph.Tensor, mode model.Mode) (logits, loss, targets *graph.Tensor) {
	var inputs *graph.Tensor
	if c.modelType == ModelTypeLM {
		if _, found := f[features.Inputs]; found {
			f = text2self(f)
		}
		inputs = graph.Shift(f[features.Targets], 1, LengthDim, false)
	} else {
		inputs = f[features.Inputs]
	}
	targets = f[features.Targets]
	args := model.CallArgs{
		Inputs:          inputs,
		Targets:         targets,
		Mode:            mode,
		VariableDType:   c.variableDType,
		NumMicrobatches: c.numMicrobatches,
		Positions:       c.strategy.positions(c, f),
	}
	caller := c.model.(model.SimpleCaller)
	if !c.strategy.conditioned {
		logits, loss = caller.CallSimple(args)
		return logits, loss, targets
	}

	if c.attributeEmbedding {
		args.Attributes = f[features.Attribute]
	}
	if c.controlCodes {
		args.CodePrefixedTargets = f[features.CodePrefixedTargets]
		targets = args.CodePrefixedTargets
	}
	if !c.cycleConsistency {
		logits, loss = caller.CallSimple(args)
		return logits, loss, targets
	}
	_, lossAE := caller.CallSimple(args)
	decoder := c.model.(model.ConditionedDecoder)
	samples := decoder.DecodeConditioned(c.decodeArgs(inputs, f, c.trainingDecodeParams))
	cycleArgs := args
	cycleArgs.Inputs = samples
	logits, lossCycle := caller.CallSimple(cycleArgs)
	klog.V(2).Infof("reconstruction loss %g, cycle loss %g", graph.ScalarValue(lossAE), graph.ScalarValue(lossCycle))
	loss = graph.Add(graph.Scale(lossAE, c.lambdaAE), graph.Scale(lossCycle, c.lambdaCycle))
	return logits, loss, targets
}

// decodeArgs returns the arguments of a conditioned decode of inputs.
func (c *Config) decodeArgs(inputs *graph.Tensor, f map[string]*graph.Tensor, params model.DecodeParams) model.DecodeArgs {
	args := model.DecodeArgs{
		Inputs:                 inputs,
		HasPartialSequences:    c.hasPartialSequences,
		RemovePartialSequences: c.removePartialSequences,
		VariableDType:          c.variableDType,
		Params:                 params,
	}
	if c.attributeEmbedding {
		args.Attributes = f[features.Attribute]
	}
	if c.hasPartialSequences {
		args.ControlCodes = f[features.ControlCode]
	}
	return args
}
