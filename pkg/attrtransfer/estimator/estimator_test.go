// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package estimator

import (
	"context"
	"math"
	"testing"

	"github.com/gomlx/caet/pkg/core/distributed"
	"github.com/gomlx/caet/pkg/core/graph"
	"github.com/gomlx/caet/pkg/core/tensors"
	"github.com/gomlx/caet/pkg/ml/checkpoints"
	"github.com/gomlx/caet/pkg/ml/datasets"
	"github.com/gomlx/caet/pkg/ml/metrics"
	"github.com/gomlx/caet/pkg/ml/model"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder records the calls to the hooks.
type recorder struct {
	calls []string
	steps []int64
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) Begin() error {
	r.calls = append(r.calls, "begin")
	return nil
}

func (r *recorder) AfterStep(step int64, summaries map[string]float64) error {
	r.steps = append(r.steps, step)
	if _, found := summaries[graph.LossKey]; !found {
		return errors.New("missing loss summary")
	}
	return nil
}

func (r *recorder) End(int64) error {
	r.calls = append(r.calls, "end")
	return nil
}

// quadraticModelFn learns a scalar "w" minimizing (w - mean(x))^2 with gradient descent.
func quadraticModelFn(learningRate float64, rec *recorder) ModelFn {
	return func(features map[string]*tensors.Tensor, mode model.Mode, params Params) (*Spec, error) {
		g := graph.New(params.Store)
		m := g.NewMesh("mesh", nil)
		w := m.GetOrCreateVariable("w", distributed.MakeShape("d", 1), graph.DefaultVariableDType(), nil, true)
		x, found := features["x"]
		if !found {
			exceptions.Panicf("feature \"x\" missing")
		}
		values := x.Float64s()
		var target float64
		for _, v := range values {
			target += v
		}
		target /= float64(len(values))
		wValue := w.Value().Float64s()[0]
		diff := wValue - target
		loss := graph.NewLoss(m, diff*diff, map[*graph.Variable]*tensors.Tensor{
			w: tensors.FromFloat64s(dtypes.Float32, []float64{2 * diff}, 1)})

		deviceMesh, err := distributed.NewDeviceMesh([]int{1}, []string{"batch"})
		if err != nil {
			return nil, err
		}
		l, err := graph.Lower(g, map[*graph.Mesh]distributed.Implementation{
			m: distributed.NewPlacementImpl(deviceMesh, nil, nil)})
		if err != nil {
			return nil, err
		}
		spec := &Spec{
			Mode:     mode,
			Lowering: l,
			Loss:     graph.ScalarValue(loss),
			Hooks:    []Hook{graph.NewRestoreHook(l)},
			Ready: func() error {
				if names := l.UninitializedVariables(); len(names) > 0 {
					return errors.Errorf("uninitialized variables %q", names)
				}
				return nil
			},
		}
		switch mode {
		case model.ModeTrain:
			grads := graph.Gradients([]*graph.Tensor{loss}, g.TrainableVariables())
			updated := wValue - learningRate*grads[0].Float64s()[0]
			spec.TrainOp = func() error {
				err := l.Apply([]graph.Update{{Variable: w, Value: tensors.FromFloat64s(dtypes.Float32, []float64{updated}, 1)}})
				if err != nil {
					return err
				}
				_, err = l.IncrementGlobalStep()
				return err
			}
			spec.Summaries = map[string]float64{"learning_rate": learningRate}
			spec.Hooks = append(spec.Hooks, checkpoints.NewSaverHook(params.Checkpoints, params.SaveCheckpointsSteps))
			if rec != nil {
				spec.Hooks = append(spec.Hooks, rec)
			}
		case model.ModeEval:
			numRows := x.Dimensions()[0]
			rowSize := len(values) / numRows
			var mean metrics.Mean
			for row := range numRows {
				if values[row*rowSize] == 0 {
					continue
				}
				mean.Add(math.Abs(wValue-values[row*rowSize]), 1)
			}
			spec.EvalMetrics = metrics.Means{"abs_error": mean}
		case model.ModePredict:
			numRows := x.Dimensions()[0]
			milli := make([]int32, numRows)
			for i := range milli {
				milli[i] = int32(math.Round(wValue * 1000))
			}
			spec.Predictions = map[string]*tensors.Tensor{
				"x":       x,
				"w_milli": tensors.FromFlatDataAndDimensions(milli, numRows, 1),
			}
		}
		return spec, nil
	}
}

func examples(n int, value int32) []datasets.Example {
	out := make([]datasets.Example, n)
	for i := range out {
		out[i] = datasets.NewExample(map[string][]int32{"x": {value, value}})
	}
	return out
}

func trainInput(params Params) (datasets.BatchDataset, error) {
	ds, err := datasets.BatchExamples(datasets.InMemory("train", examples(3, 4)), 2, true)
	if err != nil {
		return nil, err
	}
	return datasets.Repeat(ds, -1), nil
}

func TestTrain(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	est := must.M1(Build(quadraticModelFn(0.25, rec)).ModelDir(dir).Keep(-1).SaveCheckpointsSteps(2).Done())
	var order []string
	est.OnStart("second", 1, func(_ *Estimator, startStep, endStep int64) error {
		order = append(order, "second")
		return nil
	})
	est.OnStart("first", -1, func(_ *Estimator, startStep, endStep int64) error {
		assert.Equal(t, int64(0), startStep)
		assert.Equal(t, int64(5), endStep)
		order = append(order, "first")
		return nil
	})
	var numOnStep int
	est.OnStep("count", 0, func(_ *Estimator, step int64, summaries map[string]float64) error {
		numOnStep++
		assert.Equal(t, 0.25, summaries["learning_rate"])
		return nil
	})

	step, err := est.Train(context.Background(), trainInput, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), step)
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, 5, numOnStep)
	assert.Equal(t, []string{"begin", "end"}, rec.calls)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, rec.steps)
	assert.Greater(t, est.MedianStepDuration().Nanoseconds(), int64(-1))

	list := must.M1(checkpoints.ListCheckpoints(dir))
	var steps []int64
	for _, path := range list {
		steps = append(steps, must.M1(checkpoints.StepFromPath(path)))
	}
	assert.Equal(t, []int64{0, 2, 4, 5}, steps)

	// w converges to 4: w_{t+1} = w_t - 0.5*(w_t - 4).
	predictInput := func(Params) (datasets.BatchDataset, error) {
		return datasets.BatchExamples(datasets.InMemory("predict", examples(3, 7)), 2, false)
	}
	predictions, predictStep, err := est.Predict(context.Background(), predictInput, "")
	require.NoError(t, err)
	assert.Equal(t, int64(5), predictStep)
	require.Len(t, predictions, 3)
	assert.Equal(t, []int32{3875}, predictions[0]["w_milli"])
	assert.Equal(t, []int32{7, 7}, predictions[2]["x"])

	// Resuming trains only up to the same absolute number of steps.
	rec2 := &recorder{}
	est2 := must.M1(Build(quadraticModelFn(0.25, rec2)).ModelDir(dir).Keep(-1).Done())
	step, err = est2.Train(context.Background(), trainInput, 8)
	require.NoError(t, err)
	assert.Equal(t, int64(8), step)
	assert.Equal(t, []int64{6, 7, 8}, rec2.steps)
	predictions, _, err = est2.Predict(context.Background(), predictInput, "")
	require.NoError(t, err)
	assert.Equal(t, []int32{3984}, predictions[0]["w_milli"])

	// Already trained: nothing to do.
	step, err = est2.Train(context.Background(), trainInput, 8)
	require.NoError(t, err)
	assert.Equal(t, int64(8), step)

	// Predict an older checkpoint.
	_, predictStep, err = est2.Predict(context.Background(), predictInput, list[1])
	require.NoError(t, err)
	assert.Equal(t, int64(2), predictStep)
}

func TestTrainErrors(t *testing.T) {
	ctx := context.Background()
	finiteInput := func(Params) (datasets.BatchDataset, error) {
		return datasets.BatchExamples(datasets.InMemory("train", examples(4, 4)), 2, true)
	}
	t.Run("exhausted dataset", func(t *testing.T) {
		est := must.M1(Build(quadraticModelFn(0.1, nil)).ModelDir(t.TempDir()).Done())
		step, err := est.Train(ctx, finiteInput, 10)
		require.Error(t, err)
		assert.Equal(t, int64(2), step)
	})
	t.Run("panicking model function", func(t *testing.T) {
		noX := func(Params) (datasets.BatchDataset, error) {
			ds := datasets.InMemory("train", []datasets.Example{datasets.NewExample(map[string][]int32{"y": {1}})})
			return datasets.BatchExamples(ds, 1, true)
		}
		est := must.M1(Build(quadraticModelFn(0.1, nil)).ModelDir(t.TempDir()).Done())
		_, err := est.Train(ctx, noX, 10)
		require.ErrorContains(t, err, "feature \"x\" missing")
	})
	t.Run("invalid loss", func(t *testing.T) {
		nanFn := func(features map[string]*tensors.Tensor, mode model.Mode, params Params) (*Spec, error) {
			return &Spec{Mode: mode, Loss: math.NaN(), TrainOp: func() error { return nil }}, nil
		}
		est := must.M1(Build(nanFn).ModelDir(t.TempDir()).Done())
		_, err := est.Train(ctx, trainInput, 10)
		require.ErrorContains(t, err, "invalid loss")
	})
	t.Run("canceled", func(t *testing.T) {
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		est := must.M1(Build(quadraticModelFn(0.1, nil)).ModelDir(t.TempDir()).Done())
		_, err := est.Train(canceled, trainInput, 10)
		require.ErrorIs(t, err, context.Canceled)
	})
	t.Run("configuration", func(t *testing.T) {
		_, err := Build(quadraticModelFn(0.1, nil)).Done()
		require.Error(t, err)
		_, err = Build(nil).ModelDir(t.TempDir()).Done()
		require.Error(t, err)
		_, err = Build(quadraticModelFn(0.1, nil)).ModelDir(t.TempDir()).SaveCheckpointsSteps(-1).Done()
		require.Error(t, err)
	})
}

func TestEvaluate(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	est := must.M1(Build(quadraticModelFn(0.5, nil)).ModelDir(dir).Done())
	evalInput := func(Params) (datasets.BatchDataset, error) {
		ds, err := datasets.BatchExamples(datasets.InMemory("eval", examples(3, 6)), 2, false)
		if err != nil {
			return nil, err
		}
		return datasets.TrimAndPad(ds, 2), nil
	}
	_, err := est.Evaluate(ctx, evalInput, "", 0)
	require.ErrorIs(t, err, checkpoints.ErrNoCheckpoints)

	// With a learning rate of 0.5, w reaches 4 in one step.
	_, err = est.Train(ctx, trainInput, 1)
	require.NoError(t, err)
	result, err := est.Evaluate(ctx, evalInput, "", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Step)
	assert.Equal(t, 2, result.NumBatches)
	assert.InDelta(t, 2.0, result.Metrics["abs_error"], 1e-6)
	// The loss of each batch uses mean(x), including padding rows: (4-6)^2 and (4-3)^2 weighted 2 and 1.
	assert.InDelta(t, 3.0, result.Metrics[graph.LossKey], 1e-5)

	result, err = est.Evaluate(ctx, evalInput, "", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, result.NumBatches)

	empty := func(Params) (datasets.BatchDataset, error) {
		return datasets.BatchExamples(datasets.InMemory("empty", nil), 2, false)
	}
	_, err = est.Evaluate(ctx, empty, "", 0)
	require.Error(t, err)
}

func TestSplitRows(t *testing.T) {
	rows, err := splitRows(map[string]*tensors.Tensor{
		"outputs": tensors.FromFlatDataAndDimensions([]int32{1, 2, 3, 4}, 2, 2),
		"inputs":  tensors.FromFlatDataAndDimensions([]int32{5, 6}, 2, 1),
	})
	require.NoError(t, err)
	assert.Equal(t, []Prediction{
		{"outputs": {1, 2}, "inputs": {5}},
		{"outputs": {3, 4}, "inputs": {6}},
	}, rows)

	_, err = splitRows(map[string]*tensors.Tensor{
		"a": tensors.FromFlatDataAndDimensions([]int32{1, 2}, 2, 1),
		"b": tensors.FromFlatDataAndDimensions([]int32{1, 2, 3}, 3, 1),
	})
	require.Error(t, err)
	_, err = splitRows(map[string]*tensors.Tensor{"scalar": tensors.FromScalar(int32(1))})
	require.Error(t, err)
}
