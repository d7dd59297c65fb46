// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements the gradient-based updates of the variables of a model: SGD and
// Adam, with learning rate schedules.
//
// The updates run on the GoMLX optimizers (github.com/gomlx/gomlx/pkg/ml/train/optimizers), in a
// computation over the context of the graph.Store: the masters of the variables, the optimizer
// state (e.g. Adam moments) and the global step are all updated in the Store. Slices of lowered
// variables must be refreshed afterwards (see graph.Lowering.CopyMastersToSlices).
package optimizers

import (
	"fmt"
	"strings"

	"github.com/gomlx/caet/pkg/core/graph"
	"github.com/gomlx/caet/pkg/core/tensors"
	gograph "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	gooptimizers "github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// Interface implemented by optimizers.
type Interface interface {
	// ApplyGrads takes one training step: it updates the masters of vars given their gradients, and
	// returns the global step reached.
	//
	// vars must be trainable variables of store.
	ApplyGrads(store *graph.Store, grads []*tensors.Tensor, vars []*graph.Variable) (int64, error)

	// LearningRate at the given global step.
	LearningRate(step int64) float64
}

// ByName returns an optimizer with default settings: "sgd" or "adam".
func ByName(name string, schedule Schedule) (Interface, error) {
	switch name {
	case "sgd":
		return StochasticGradientDescent().WithSchedule(schedule).Done(), nil
	case "", "adam":
		return Adam().WithSchedule(schedule).Done(), nil
	}
	return nil, errors.Errorf("unknown optimizer %q, valid values are \"sgd\" and \"adam\"", name)
}

// clipping options shared by the optimizers. They are passed on as context parameters.
type clipping struct {
	stepByValue float64
	nan         bool
}

func (c clipping) setParams(ctx *context.Context) {
	ctx.SetParam(gooptimizers.ParamClipStepByValue, c.stepByValue)
	ctx.SetParam(gooptimizers.ParamClipNaN, c.nan)
}

// withGradients is implemented by the GoMLX optimizers: it updates the trainable variables in use by
// the graph, given their gradients in the order of context.Context.IterVariables.
type withGradients interface {
	UpdateGraphWithGradients(ctx *context.Context, grads []*gograph.Node, lossDType dtypes.DType)
}

// computeDType is the dtype of the learning rate and of the optimizer state.
const computeDType = dtypes.Float32

// optimizer runs a GoMLX optimizer with a learning rate schedule.
type optimizer struct {
	name     string
	schedule Schedule
	clipping
	updater withGradients
}

func newOptimizer(name string, schedule Schedule, clip clipping, opt gooptimizers.Interface) *optimizer {
	updater, ok := opt.(withGradients)
	if !ok {
		panic(errors.Errorf("optimizer %s doesn't support updates from gradients", name))
	}
	return &optimizer{name: name, schedule: schedule, clipping: clip, updater: updater}
}

// LearningRate implements Interface.
func (o *optimizer) LearningRate(step int64) float64 { return o.schedule(step) }

func checkGrads(grads []*tensors.Tensor, vars []*graph.Variable) error {
	if len(grads) != len(vars) {
		return errors.Errorf("optimizer got %d gradients for %d variables", len(grads), len(vars))
	}
	for i, v := range vars {
		if grads[i] == nil {
			return errors.Errorf("optimizer got no gradient for variable %q", v.Name())
		}
		if grads[i].Size() != v.Shape().Size() {
			return errors.Errorf("optimizer got gradient %s for variable %q of shape %s",
				grads[i].ShapeString(), v.Name(), v.Shape())
		}
		if !v.Trainable() {
			return errors.Errorf("optimizer got variable %q, which is not trainable", v.Name())
		}
	}
	return nil
}

// ApplyGrads implements Interface.
func (o *optimizer) ApplyGrads(store *graph.Store, grads []*tensors.Tensor, vars []*graph.Variable) (int64, error) {
	if err := checkGrads(grads, vars); err != nil {
		return 0, err
	}
	ctx := store.Context()
	step := store.GlobalStep() + 1
	if len(vars) == 0 {
		return step, store.SetGlobalStep(step)
	}
	lr := o.schedule(step)
	if err := gooptimizers.LearningRateVar(ctx, computeDType, lr).SetValue(tensors.FromScalar(float32(lr)).ToGoMLX()); err != nil {
		return 0, errors.WithMessage(err, "setting the learning rate")
	}
	o.setParams(ctx)

	names := make([]string, len(vars))
	for i, v := range vars {
		names[i] = v.Name()
	}
	key := fmt.Sprintf("optimizers(%p)/%s", o, strings.Join(names, ","))
	e, err := store.Exec(key, func(ctx *context.Context, inputs []*context.Node) []*context.Node {
		return o.updateGraph(ctx, inputs, vars)
	})
	if err != nil {
		return 0, err
	}
	args := make([]any, len(grads))
	for i, grad := range grads {
		grad, err := grad.Reshape(vars[i].Shape().Dimensions()...)
		if err != nil {
			return 0, errors.WithMessagef(err, "gradient of %q", vars[i].Name())
		}
		args[i] = grad.ToGoMLX()
	}
	results, err := e.Exec(args...)
	if err != nil {
		return 0, errors.WithMessagef(err, "%s: updating %d variables", o.name, len(vars))
	}
	reached, ok := results[0].Value().(int64)
	if !ok {
		return 0, errors.Errorf("%s: global step is a %s", o.name, results[0].Shape())
	}
	return reached, nil
}

// updateGraph takes the gradients of vars as inputs, and returns the incremented global step.
func (o *optimizer) updateGraph(ctx *context.Context, grads []*context.Node, vars []*graph.Variable) []*context.Node {
	g := grads[0].Graph()
	index := make(map[*context.Variable]int, len(vars))
	for i, v := range vars {
		cv := v.ContextVariable()
		index[cv] = i
		// Only variables in use by the graph are updated.
		cv.ValueGraph(g)
	}
	ordered := make([]*context.Node, 0, len(vars))
	for cv := range ctx.IterVariables() {
		i, found := index[cv]
		if !found {
			continue
		}
		grad := grads[i]
		if grad.DType() != cv.DType() {
			grad = gograph.ConvertDType(grad, cv.DType())
		}
		ordered = append(ordered, grad)
	}
	o.updater.UpdateGraphWithGradients(ctx, ordered, computeDType)
	return []*context.Node{gooptimizers.GetGlobalStepVar(ctx).ValueGraph(g)}
}

// SGDConfig configures a Stochastic Gradient Descent optimizer.
type SGDConfig struct {
	schedule Schedule
	clipping
}

// SGDDefaultLearningRate is the default learning rate used by the StochasticGradientDescent optimizer.
const SGDDefaultLearningRate = gooptimizers.SGDDefaultLearningRate

// StochasticGradientDescent creates an optimizer that performs SGD, with a constant learning rate
// of SGDDefaultLearningRate by default.
func StochasticGradientDescent() *SGDConfig {
	return &SGDConfig{schedule: Constant(SGDDefaultLearningRate)}
}

// WithLearningRate sets a constant learning rate.
func (sgd *SGDConfig) WithLearningRate(learningRate float64) *SGDConfig {
	sgd.schedule = Constant(learningRate)
	return sgd
}

// WithSchedule sets the learning rate schedule. A nil schedule is ignored.
func (sgd *SGDConfig) WithSchedule(schedule Schedule) *SGDConfig {
	if schedule != nil {
		sgd.schedule = schedule
	}
	return sgd
}

// ClipStepByValue clips each value of the step to [-value, value]. 0 disables it (the default).
func (sgd *SGDConfig) ClipStepByValue(value float64) *SGDConfig {
	sgd.stepByValue = value
	return sgd
}

// ClipNaN skips updates of values that would become NaN.
func (sgd *SGDConfig) ClipNaN(enabled bool) *SGDConfig {
	sgd.nan = enabled
	return sgd
}

// Done returns an Interface. The SGDConfig should no longer be changed.
func (sgd *SGDConfig) Done() Interface {
	// The schedule replaces the decay of the learning rate with the global step.
	opt := gooptimizers.StochasticGradientDescent().WithDecay(false).Done()
	return newOptimizer("SGD", sgd.schedule, sgd.clipping, opt)
}
