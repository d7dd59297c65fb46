// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package estimator implements a generic train, evaluate and predict loop driven by a model function.
//
// The model function (ModelFn) is called once per step with the features of a batch. It builds the
// logical graph for that step over the variables kept in a graph.Store, and returns a Spec describing
// what to run: the training operation, the evaluation metrics or the predictions. Variables, the
// global step and checkpoints live across calls.
//
// Example:
//
//	est, err := estimator.Build(modelFn).ModelDir(dir).Keep(3).SaveCheckpointsSteps(100).Done()
//	if err != nil { ... }
//	commandline.AttachProgressBar(est)
//	step, err := est.Train(ctx, inputFn, 10_000)
package estimator

import (
	"context"
	"io"
	"math"
	"time"

	"github.com/gomlx/caet/pkg/core/graph"
	"github.com/gomlx/caet/pkg/core/tensors"
	"github.com/gomlx/caet/pkg/ml/checkpoints"
	"github.com/gomlx/caet/pkg/ml/datasets"
	"github.com/gomlx/caet/pkg/ml/metrics"
	"github.com/gomlx/caet/pkg/ml/model"
	"github.com/gomlx/caet/pkg/ml/summary"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Params are passed to the model and input functions.
type Params struct {
	// Store with the variables and global step of the model.
	Store *graph.Store

	ModelDir string
	Mode     model.Mode

	// Checkpoints handler used to save checkpoints while training. Nil in other modes.
	Checkpoints *checkpoints.Handler

	// SaveCheckpointsSteps is the period, in steps, of the checkpoints saved while training.
	SaveCheckpointsSteps int64
}

// Spec is returned by a ModelFn, for one step.
type Spec struct {
	Mode     model.Mode
	Lowering *graph.Lowering

	// TrainOp applies the updates of the step and increments the global step. Required in ModeTrain.
	TrainOp func() error

	// Loss of the step, in ModeTrain and ModeEval.
	Loss float64

	// Summaries are scalars recorded after each training step, e.g. "learning_rate".
	Summaries map[string]float64

	// EvalMetrics of the batch, in ModeEval. They are merged over all batches.
	EvalMetrics metrics.Means

	// Predictions in ModePredict: each tensor has the batch as its first dimension.
	Predictions map[string]*tensors.Tensor

	Hooks []Hook

	// Ready is called after the BeginHooks: it returns an error if the model can't run, e.g. if
	// some variables are not initialized. Optional.
	Ready func() error
}

// ModelFn builds the graph of one step in the given mode. It may panic (with exceptions.Panicf) on
// graph building errors: the estimator converts them into errors.
type ModelFn func(features map[string]*tensors.Tensor, mode model.Mode, params Params) (*Spec, error)

// InputFn creates the dataset of batches fed to the model function.
type InputFn func(params Params) (datasets.BatchDataset, error)

// Estimator runs a ModelFn over batches of an input function. Create it with Build.
type Estimator struct {
	modelFn              ModelFn
	modelDir             string
	keep                 int
	saveCheckpointsSteps int64
	summaries            *summary.Writer

	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]

	// stepDurations holds the durations of the last training steps, in seconds.
	stepDurations *metrics.StreamingMedian
}

// Config for an Estimator, see Build.
type Config struct {
	e   *Estimator
	err error
}

// DefaultSaveCheckpointsSteps is the default period of checkpoints saved while training.
const DefaultSaveCheckpointsSteps = 1000

// Build an Estimator for modelFn. Call Done to create it.
func Build(modelFn ModelFn) *Config {
	return &Config{e: &Estimator{
		modelFn:              modelFn,
		saveCheckpointsSteps: DefaultSaveCheckpointsSteps,
		keep:                 -1,
		onStart:              newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:               newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:                newPriorityHooks[*hookWithName[OnEndFn]](),
		stepDurations:        metrics.NewStreamingMedian(100),
	}}
}

// ModelDir where checkpoints are saved and looked for. Required.
func (c *Config) ModelDir(dir string) *Config {
	c.e.modelDir = dir
	return c
}

// Keep only the last n checkpoints while training. A negative value keeps all of them, the default.
func (c *Config) Keep(n int) *Config {
	c.e.keep = n
	return c
}

// SaveCheckpointsSteps sets the period, in steps, of the checkpoints saved while training.
func (c *Config) SaveCheckpointsSteps(n int64) *Config {
	if n < 0 {
		c.err = errors.Errorf("SaveCheckpointsSteps must be >= 0, got %d", n)
	}
	c.e.saveCheckpointsSteps = n
	return c
}

// Summaries sets the writer of the training summaries (the loss and the Spec.Summaries of each step).
func (c *Config) Summaries(w *summary.Writer) *Config {
	c.e.summaries = w
	return c
}

// Done creates the Estimator.
func (c *Config) Done() (*Estimator, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.e.modelFn == nil {
		return nil, errors.New("estimator requires a model function")
	}
	if c.e.modelDir == "" {
		return nil, errors.New("estimator requires a model directory")
	}
	return c.e, nil
}

// ModelDir of the estimator.
func (e *Estimator) ModelDir() string { return e.modelDir }

// MedianStepDuration returns the median duration of the last training steps.
func (e *Estimator) MedianStepDuration() time.Duration {
	return time.Duration(e.stepDurations.Median() * float64(time.Second))
}

// callModelFn calls the model function converting panics to errors.
func (e *Estimator) callModelFn(features map[string]*tensors.Tensor, mode model.Mode, params Params) (spec *Spec, err error) {
	err = exceptions.TryCatch[error](func() {
		spec, err = e.modelFn(features, mode, params)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "model function in mode %s", mode)
	}
	if spec == nil {
		return nil, errors.Errorf("model function in mode %s returned no spec", mode)
	}
	return spec, nil
}

// session holds the hooks of a run, taken from the Spec of its first step.
type session struct {
	hooks []Hook
}

// begin runs the BeginHooks of spec and checks that it is ready.
func begin(spec *Spec) (*session, error) {
	s := &session{hooks: spec.Hooks}
	for _, hook := range s.hooks {
		if h, ok := hook.(BeginHook); ok {
			if err := h.Begin(); err != nil {
				return nil, errors.WithMessagef(err, "hook %q", hook.Name())
			}
		}
	}
	if spec.Ready != nil {
		if err := spec.Ready(); err != nil {
			return nil, errors.WithMessage(err, "model not ready")
		}
	}
	return s, nil
}

func (s *session) afterStep(step int64, summaries map[string]float64) error {
	for _, hook := range s.hooks {
		if h, ok := hook.(StepHook); ok {
			if err := h.AfterStep(step, summaries); err != nil {
				return errors.WithMessagef(err, "hook %q at step %d", hook.Name(), step)
			}
		}
	}
	return nil
}

func (s *session) end(step int64) error {
	for _, hook := range s.hooks {
		if h, ok := hook.(EndHook); ok {
			if err := h.End(step); err != nil {
				return errors.WithMessagef(err, "hook %q", hook.Name())
			}
		}
	}
	return nil
}

// nextFeatures yields the next batch of ds as tensors.
func nextFeatures(ds datasets.BatchDataset) (map[string]*tensors.Tensor, *datasets.Batch, error) {
	batch, err := ds.Yield()
	if err != nil {
		return nil, nil, err
	}
	features, err := batch.Tensors()
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "dataset %q", ds.Name())
	}
	return features, batch, nil
}

// Train the model until the global step reaches maxSteps: it restores the latest checkpoint of
// the model directory, if any, so resuming a run only executes the remaining steps.
//
// The input dataset must not be exhausted before maxSteps. It returns the global step reached.
func (e *Estimator) Train(ctx context.Context, inputFn InputFn, maxSteps int64) (int64, error) {
	store := graph.NewStore()
	handler, err := checkpoints.Build(store).Dir(e.modelDir).Keep(e.keep).Done()
	if err != nil {
		return 0, err
	}
	params := Params{
		Store:                store,
		ModelDir:             e.modelDir,
		Mode:                 model.ModeTrain,
		Checkpoints:          handler,
		SaveCheckpointsSteps: e.saveCheckpointsSteps,
	}
	startStep := store.GlobalStep()
	if startStep >= maxSteps {
		klog.Infof("model in %q already trained for %d steps (>= %d)", e.modelDir, startStep, maxSteps)
		return startStep, nil
	}
	ds, err := inputFn(params)
	if err != nil {
		return startStep, errors.WithMessage(err, "creating training dataset")
	}
	klog.Infof("training from step %d to %d, model directory %q", startStep, maxSteps, e.modelDir)
	for hook := range e.onStart.All() {
		if err := hook.fn(e, startStep, maxSteps); err != nil {
			return startStep, errors.WithMessagef(err, "OnStart(%q)", hook.name)
		}
	}

	var (
		sess      *session
		summaries map[string]float64
	)
	e.stepDurations.Reset()
	for store.GlobalStep() < maxSteps {
		if err := ctx.Err(); err != nil {
			return store.GlobalStep(), err
		}
		features, _, err := nextFeatures(ds)
		if err == io.EOF {
			return store.GlobalStep(), errors.Errorf("training dataset %q exhausted at step %d, before reaching step %d",
				ds.Name(), store.GlobalStep(), maxSteps)
		}
		if err != nil {
			return store.GlobalStep(), err
		}
		start := time.Now()
		if sess == nil {
			// Hooks of the first step restore the variables: the model function is called again
			// afterwards so the step runs with the restored values.
			spec, err := e.callModelFn(features, model.ModeTrain, params)
			if err != nil {
				return store.GlobalStep(), err
			}
			if sess, err = begin(spec); err != nil {
				return store.GlobalStep(), err
			}
		}
		spec, err := e.callModelFn(features, model.ModeTrain, params)
		if err != nil {
			return store.GlobalStep(), err
		}
		if spec.TrainOp == nil {
			return store.GlobalStep(), errors.New("model function returned no TrainOp in mode train")
		}
		if math.IsNaN(spec.Loss) || math.IsInf(spec.Loss, 0) {
			return store.GlobalStep(), errors.Errorf("invalid loss %g at step %d", spec.Loss, store.GlobalStep())
		}
		if err := spec.TrainOp(); err != nil {
			return store.GlobalStep(), errors.WithMessagef(err, "training step %d", store.GlobalStep())
		}
		e.stepDurations.Add(time.Since(start).Seconds())
		step := store.GlobalStep()

		summaries = make(map[string]float64, len(spec.Summaries)+1)
		for name, value := range spec.Summaries {
			summaries[name] = value
		}
		summaries[graph.LossKey] = spec.Loss
		if e.summaries != nil {
			if err := e.summaries.Scalars("", summaries, step); err != nil {
				return step, err
			}
		}
		if err := sess.afterStep(step, summaries); err != nil {
			return step, err
		}
		for hook := range e.onStep.All() {
			if err := hook.fn(e, step, summaries); err != nil {
				return step, errors.WithMessagef(err, "OnStep(%q)", hook.name)
			}
		}
	}

	step := store.GlobalStep()
	if sess != nil {
		if err := sess.end(step); err != nil {
			return step, err
		}
	}
	if e.summaries != nil {
		if err := e.summaries.Flush(); err != nil {
			return step, err
		}
	}
	for hook := range e.onEnd.All() {
		if err := hook.fn(e, step, summaries); err != nil {
			return step, errors.WithMessagef(err, "OnEnd(%q)", hook.name)
		}
	}
	klog.Infof("training finished at step %d, median step duration %s", step, e.MedianStepDuration())
	return step, nil
}

// restore creates a store with the values of the checkpoint at path, or of the latest checkpoint
// of the model directory if path is "".
func (e *Estimator) restore(path string) (*graph.Store, error) {
	if path == "" {
		list, err := checkpoints.ListCheckpoints(e.modelDir)
		if err != nil {
			return nil, err
		}
		if len(list) == 0 {
			return nil, errors.Wrapf(checkpoints.ErrNoCheckpoints, "in %q", e.modelDir)
		}
		path = list[len(list)-1]
	}
	store := graph.NewStore()
	if err := checkpoints.Restore(store, path); err != nil {
		return nil, err
	}
	return store, nil
}

// EvalResult holds the metrics of an evaluation.
type EvalResult struct {
	// Step of the checkpoint evaluated.
	Step int64

	// Metrics averaged over all evaluated examples, including the loss, by name.
	Metrics map[string]float64

	NumBatches int
}

// Evaluate the checkpoint at path (or the latest one if path is "") over the batches of inputFn,
// until it is exhausted or maxBatches (if > 0) are evaluated.
func (e *Estimator) Evaluate(ctx context.Context, inputFn InputFn, path string, maxBatches int) (*EvalResult, error) {
	store, err := e.restore(path)
	if err != nil {
		return nil, err
	}
	params := Params{Store: store, ModelDir: e.modelDir, Mode: model.ModeEval}
	ds, err := inputFn(params)
	if err != nil {
		return nil, errors.WithMessage(err, "creating evaluation dataset")
	}
	means := make(metrics.Means)
	var loss metrics.Mean
	result := &EvalResult{Step: store.GlobalStep()}
	var sess *session
	for maxBatches <= 0 || result.NumBatches < maxBatches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		features, batch, err := nextFeatures(ds)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		spec, err := e.callModelFn(features, model.ModeEval, params)
		if err != nil {
			return nil, err
		}
		if sess == nil {
			if sess, err = begin(spec); err != nil {
				return nil, err
			}
		}
		means.Merge(spec.EvalMetrics)
		loss.Add(spec.Loss, float64(batch.Size()-batch.Padding))
		result.NumBatches++
	}
	if result.NumBatches == 0 {
		return nil, errors.Errorf("evaluation dataset %q is empty", ds.Name())
	}
	result.Metrics = means.Values()
	result.Metrics[graph.LossKey] = loss.Value()
	klog.V(1).Infof("evaluated %d batches of checkpoint at step %d", result.NumBatches, result.Step)
	return result, nil
}

// Prediction holds the predictions for one example, by name.
type Prediction map[string][]int32

// Predict runs the model with the checkpoint at path (or the latest one if path is "") over every
// batch of inputFn. It returns one Prediction per row of the batches, including padding rows,
// and the global step of the checkpoint.
func (e *Estimator) Predict(ctx context.Context, inputFn InputFn, path string) ([]Prediction, int64, error) {
	store, err := e.restore(path)
	if err != nil {
		return nil, 0, err
	}
	params := Params{Store: store, ModelDir: e.modelDir, Mode: model.ModePredict}
	ds, err := inputFn(params)
	if err != nil {
		return nil, 0, errors.WithMessage(err, "creating prediction dataset")
	}
	var (
		predictions []Prediction
		sess        *session
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		features, _, err := nextFeatures(ds)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, err
		}
		spec, err := e.callModelFn(features, model.ModePredict, params)
		if err != nil {
			return nil, 0, err
		}
		if sess == nil {
			if sess, err = begin(spec); err != nil {
				return nil, 0, err
			}
		}
		rows, err := splitRows(spec.Predictions)
		if err != nil {
			return nil, 0, err
		}
		predictions = append(predictions, rows...)
	}
	return predictions, store.GlobalStep(), nil
}

// splitRows splits the predictions of a batch into one Prediction per example.
func splitRows(batch map[string]*tensors.Tensor) ([]Prediction, error) {
	numRows := -1
	for name, t := range batch {
		dims := t.Dimensions()
		if len(dims) == 0 {
			return nil, errors.Errorf("prediction %q is a scalar, it must have a batch dimension", name)
		}
		if numRows >= 0 && dims[0] != numRows {
			return nil, errors.Errorf("prediction %q has %d rows, other predictions have %d", name, dims[0], numRows)
		}
		numRows = dims[0]
	}
	rows := make([]Prediction, max(numRows, 0))
	for i := range rows {
		rows[i] = make(Prediction, len(batch))
	}
	for name, t := range batch {
		values := t.Float64s()
		rowSize := len(values) / max(numRows, 1)
		for i := range rows {
			row := make([]int32, rowSize)
			for j := range row {
				row[j] = int32(values[i*rowSize+j])
			}
			rows[i][name] = row
		}
	}
	return rows, nil
}
