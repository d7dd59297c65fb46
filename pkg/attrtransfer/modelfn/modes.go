// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package modelfn

import (
	"github.com/gomlx/caet/pkg/attrtransfer/estimator"
	"github.com/gomlx/caet/pkg/core/distributed"
	"github.com/gomlx/caet/pkg/core/graph"
	"github.com/gomlx/caet/pkg/core/tensors"
	"github.com/gomlx/caet/pkg/ml/checkpoints"
	"github.com/gomlx/caet/pkg/ml/features"
	"github.com/gomlx/caet/pkg/ml/metrics"
	"github.com/gomlx/caet/pkg/ml/model"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// predict decodes the inputs. Features are reshaped to [batch, length].
func (c *Config) predict(g *graph.Graph, impls map[*graph.Mesh]distributed.Implementation,
	f map[string]*graph.Tensor) (*estimator.Spec, error) {
	reshaped := make(map[string]*graph.Tensor, len(f))
	for key, t := range f {
		length, err := c.lengths.LengthFor(key)
		if err != nil {
			return nil, err
		}
		reshaped[key] = graph.Reshape(t, distributed.MakeShape(BatchDim, c.batchSize, LengthDim, length))
	}
	inputs, found := reshaped[features.Inputs]
	if !found {
		return nil, errors.Errorf("prediction requires the feature %q", features.Inputs)
	}

	samples, inputs := c.strategy.decode(c, inputs, reshaped)
	samples = graph.Anonymize(samples)
	inputs = graph.Anonymize(inputs)

	l, err := graph.Lower(g, impls)
	if err != nil {
		return nil, err
	}
	return &estimator.Spec{
		Mode:     model.ModePredict,
		Lowering: l,
		Predictions: map[string]*tensors.Tensor{
			features.Inputs:  l.Export(inputs),
			features.Outputs: l.Export(samples),
		},
		Hooks: []estimator.Hook{graph.NewRestoreHook(l)},
		Ready: ready(l),
	}, nil
}

// train computes the gradients of the loss, possibly over micro-batches, and the optimizer updates
// of the variables selected by the variable filter.
func (c *Config) train(g *graph.Graph, impls map[*graph.Mesh]distributed.Implementation,
	f map[string]*graph.Tensor, params estimator.Params) (*estimator.Spec, error) {
	var (
		grads []*tensors.Tensor
		loss  *graph.Tensor
	)
	if c.numMicrobatches > 1 {
		n := c.numMicrobatches
		var outputs map[string]*graph.Tensor
		grads, outputs = graph.SerializeTrainingStep(f, func(microbatch map[string]*graph.Tensor) map[string]*graph.Tensor {
			_, microLoss, _ := c.logitsAndLoss(microbatch, model.ModeTrain)
			return map[string]*graph.Tensor{graph.LossKey: graph.Scale(microLoss, 1/float64(n))}
		}, BatchDim, n)
		loss = outputs[graph.LossKey]
	} else {
		_, loss, _ = c.logitsAndLoss(f, model.ModeTrain)
		grads = graph.Gradients([]*graph.Tensor{loss}, g.TrainableVariables())
	}
	vars, varGrads := c.filterVariables(g.TrainableVariables(), grads)

	learningRate := c.optimizer.LearningRate(params.Store.GlobalStep() + 1)
	l, err := graph.Lower(g, impls)
	if err != nil {
		return nil, err
	}
	lossValue := graph.ScalarValue(loss)

	spec := &estimator.Spec{
		Mode:     model.ModeTrain,
		Lowering: l,
		Loss:     lossValue,
		TrainOp: func() error {
			reached, err := c.optimizer.ApplyGrads(params.Store, varGrads, vars)
			if err != nil {
				return err
			}
			if err := l.CopyMastersToSlices(); err != nil {
				return err
			}
			klog.V(2).Infof("step %d, loss %g", reached, lossValue)
			return nil
		},
		Summaries: map[string]float64{"learning_rate": learningRate},
		Ready:     ready(l),
	}
	if c.initCheckpoint != "" {
		spec.Hooks = append(spec.Hooks, &InitCheckpointHook{store: params.Store, path: c.initCheckpoint})
	}
	// Slices are initialized from the masters first.
	spec.Hooks = append(spec.Hooks, graph.NewRestoreHook(l))
	if params.Checkpoints != nil {
		every := params.SaveCheckpointsSteps
		if c.saveCheckpointsSteps > 0 {
			every = c.saveCheckpointsSteps
		}
		spec.Hooks = append(spec.Hooks, checkpoints.NewSaverHook(params.Checkpoints, every))
	}
	spec.Hooks = append(spec.Hooks, c.trainHooks...)
	return spec, nil
}

// filterVariables returns the variables to train, and their gradients.
func (c *Config) filterVariables(vars []*graph.Variable, grads []*tensors.Tensor) ([]*graph.Variable, []*tensors.Tensor) {
	if c.variableFilter == nil {
		return vars, grads
	}
	var (
		trained, frozen []*graph.Variable
		trainedGrads    []*tensors.Tensor
	)
	for i, v := range vars {
		if c.variableFilter(v) {
			trained = append(trained, v)
			trainedGrads = append(trainedGrads, grads[i])
		} else {
			frozen = append(frozen, v)
		}
	}
	if len(frozen) > 0 {
		c.logFilterOnce.Do(func() {
			klog.Infof("variables being trained: %q", variableNames(trained))
			klog.Infof("variables not being trained: %q", variableNames(frozen))
		})
	}
	return trained, trainedGrads
}

func variableNames(vars []*graph.Variable) []string {
	names := make([]string, len(vars))
	for i, v := range vars {
		names[i] = v.Name()
	}
	return names
}

// eval computes the loss and the teacher-forced metrics of the logits against the anonymized labels.
func (c *Config) eval(g *graph.Graph, impls map[*graph.Mesh]distributed.Implementation,
	f, labels map[string]*graph.Tensor) (*estimator.Spec, error) {
	logits, loss, targets := c.logitsAndLoss(f, model.ModeEval)
	anonLogits := graph.Anonymize(logits)
	labelKey := features.Targets
	if c.controlCodes && c.strategy.conditioned {
		labelKey = features.CodePrefixedTargets
	}
	labelsT, found := labels[labelKey]
	if !found || c.modelType == ModelTypeLM {
		// Decoder-only models score the targets merged with the inputs.
		labelsT = graph.Anonymize(targets)
	}
	l, err := graph.Lower(g, impls)
	if err != nil {
		return nil, err
	}
	means, err := metrics.TeacherForced(l.Export(anonLogits), l.Export(labelsT))
	if err != nil {
		return nil, err
	}
	return &estimator.Spec{
		Mode:        model.ModeEval,
		Lowering:    l,
		Loss:        graph.ScalarValue(loss),
		EvalMetrics: means,
		Hooks:       []estimator.Hook{graph.NewRestoreHook(l)},
		Ready:       ready(l),
	}, nil
}
