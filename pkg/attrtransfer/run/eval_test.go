// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package run

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/caet/pkg/attrtransfer/estimator"
	"github.com/gomlx/caet/pkg/core/distributed"
	"github.com/gomlx/caet/pkg/core/graph"
	"github.com/gomlx/caet/pkg/core/tensors"
	"github.com/gomlx/caet/pkg/ml/checkpoints"
	"github.com/gomlx/caet/pkg/ml/datasets"
	"github.com/gomlx/caet/pkg/ml/features"
	"github.com/gomlx/caet/pkg/ml/model"
	"github.com/gomlx/caet/pkg/ml/summary"
	"github.com/gomlx/caet/pkg/ml/tasks"
	"github.com/gomlx/caet/pkg/ml/vocab"
	"github.com/gomlx/caet/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	byteVocab   = vocab.NewByteVocabulary()
	evalLengths = features.SequenceLengths{features.Inputs: 8, features.Targets: 8}
)

// saveCheckpoints saves one checkpoint per step in dir and returns their paths.
func saveCheckpoints(t *testing.T, dir string, steps ...int64) []string {
	store := graph.NewStore()
	mesh := graph.New(store).NewMesh("mesh", nil)
	mesh.GetOrCreateVariable("w", distributed.Shape{}, graph.DefaultVariableDType(), func() *tensors.Tensor {
		return tensors.FromScalar(float32(1))
	}, true)
	handler := must.M1(checkpoints.Build(store).Dir(dir).Keep(-1).Done())
	var paths []string
	for _, step := range steps {
		require.NoError(t, store.SetGlobalStep(step))
		paths = append(paths, must.M1(handler.Save()))
	}
	return paths
}

// echoPredictor "decodes" each example into its inputs. The step is taken from the checkpoint name.
type echoPredictor struct {
	paths   []string
	batches []*datasets.Batch

	// extra decodes appended to the predictions.
	extra int
}

func (p *echoPredictor) Predict(_ context.Context, inputFn estimator.InputFn, path string) (
	[]estimator.Prediction, int64, error) {
	ds, err := inputFn(estimator.Params{Mode: model.ModePredict})
	if err != nil {
		return nil, 0, err
	}
	var predictions []estimator.Prediction
	for {
		batch, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, err
		}
		p.batches = append(p.batches, batch)
		for i := range batch.Size() {
			prediction := make(estimator.Prediction, len(batch.Features)+1)
			for key, rows := range batch.Features {
				prediction[key] = rows[i]
			}
			prediction[features.Outputs] = batch.Features[features.Inputs][i]
			predictions = append(predictions, prediction)
		}
	}
	for range p.extra {
		predictions = append(predictions, estimator.Prediction{features.Outputs: nil})
	}
	p.paths = append(p.paths, path)
	step, err := checkpoints.StepFromPath(path)
	return predictions, step, err
}

// recorder is a metric function that records its arguments and returns the exact-match accuracy.
type recorder struct {
	targets, predictions, originLabels [][]string
}

func (r *recorder) metric(targets, predictions, originLabels []string) (map[string]float64, error) {
	r.targets = append(r.targets, targets)
	r.predictions = append(r.predictions, predictions)
	r.originLabels = append(r.originLabels, originLabels)
	var matches int
	for i := range predictions {
		if predictions[i] == targets[i] {
			matches++
		}
	}
	return map[string]float64{"accuracy": float64(matches) / float64(len(targets))}, nil
}

// copyRecords returns n records "<prefix><i>" copied to the target, with attributes 1, 2, 1, ...
func copyRecords(prefix string, n int) []tasks.Record {
	records := make([]tasks.Record, n)
	for i := range records {
		text := fmt.Sprintf("%s%d", prefix, i)
		records[i] = tasks.Record{Attribute: i%2 + 1, Input: text, Target: text}
	}
	return records
}

func newTask(name string, records []tasks.Record, metricFns ...datasets.MetricFn) *tasks.Task {
	return &tasks.Task{
		Name:       name,
		Source:     tasks.InMemorySource(map[string][]tasks.Record{"validation": records}),
		Vocabulary: byteVocab,
		MetricFns:  metricFns,
	}
}

func evalDatasetsOf(ts ...*tasks.Task) datasets.EvalDatasetFn {
	return func(features.SequenceLengths) ([]*datasets.EvalDataset, error) {
		eds := make([]*datasets.EvalDataset, len(ts))
		for i, task := range ts {
			eds[i] = task.EvalDataset()
		}
		return eds, nil
	}
}

func TestExpectedPad(t *testing.T) {
	for _, tc := range []struct{ total, batchSize, want int }{
		{8, 4, 0},
		{9, 4, 3},
		{3, 4, 1},
		{0, 4, 0},
		{5, 1, 0},
	} {
		t.Run(fmt.Sprintf("%d/%d", tc.total, tc.batchSize), func(t *testing.T) {
			assert.Equal(t, tc.want, ExpectedPad(tc.total, tc.batchSize))
		})
	}
}

func TestEvaluateSlicesTasksInOrder(t *testing.T) {
	modelDir := t.TempDir()
	saveCheckpoints(t, modelDir, 0, 10, 20)
	one, two := &recorder{}, &recorder{}
	p := &echoPredictor{}
	results, err := Evaluate(context.Background(), p, EvalOptions{
		Vocabulary:    byteVocab,
		Lengths:       evalLengths,
		BatchSize:     4,
		ModelDir:      modelDir,
		EvalDatasetFn: evalDatasetsOf(newTask("one", copyRecords("a", 3), one.metric), newTask("two", copyRecords("b", 5), two.metric)),
		Selector:      checkpoints.Steps(0, 10, 20),
	})
	require.NoError(t, err)

	// Step 0 is neither decoded nor evaluated.
	require.Len(t, results, 2)
	assert.Equal(t, int64(10), results[0].Step)
	assert.Equal(t, int64(20), results[1].Step)
	assert.Equal(t, map[string]float64{"eval/one/accuracy": 1, "eval/two/accuracy": 1}, results[1].Metrics)
	require.Len(t, p.paths, 2)

	// 8 examples in 2 full batches.
	require.Len(t, p.batches, 4)
	for _, b := range p.batches {
		assert.Equal(t, 4, b.Size())
		assert.Zero(t, b.Padding)
	}
	wantOne := []string{"a0", "a1", "a2"}
	wantTwo := []string{"b0", "b1", "b2", "b3", "b4"}
	require.Len(t, one.predictions, 2)
	assert.Equal(t, wantOne, one.predictions[0])
	assert.Equal(t, wantOne, one.targets[1])
	assert.Equal(t, wantTwo, two.predictions[1])
	assert.Nil(t, one.originLabels[0])

	summaryDir := filepath.Join(modelDir, "validation_eval")
	assert.Equal(t, wantOne, must.M1(fsutil.ReadLines(filepath.Join(summaryDir, "one_targets"))))
	assert.Equal(t, wantTwo, must.M1(fsutil.ReadLines(filepath.Join(summaryDir, "two_targets"))))
	assert.Equal(t, wantTwo, must.M1(fsutil.ReadLines(filepath.Join(summaryDir, "two_20_predictions"))))
	assert.FileExists(t, filepath.Join(summaryDir, "one_10_predictions"))
	assert.NoFileExists(t, filepath.Join(summaryDir, "one_0_predictions"))

	events := summary.Filter(must.M1(summary.ReadEvents(summaryDir)), "eval/one/accuracy")
	require.Len(t, events, 2)
	assert.Equal(t, int64(10), events[0].Step)
	assert.Equal(t, int64(20), events[1].Step)
	assert.Equal(t, 1.0, events[1].Value)
}

func TestEvaluatePadding(t *testing.T) {
	modelDir := t.TempDir()
	saveCheckpoints(t, modelDir, 10)
	evalDatasetFn := evalDatasetsOf(newTask("one", copyRecords("a", 3), (&recorder{}).metric),
		newTask("two", copyRecords("b", 5), (&recorder{}).metric))
	options := func(batchSize int) EvalOptions {
		return EvalOptions{
			Vocabulary:    byteVocab,
			Lengths:       evalLengths,
			BatchSize:     batchSize,
			ModelDir:      modelDir,
			SummaryDir:    filepath.Join(t.TempDir(), "eval"),
			EvalDatasetFn: evalDatasetFn,
		}
	}

	t.Run("padded last batch", func(t *testing.T) {
		p := &echoPredictor{}
		results, err := Evaluate(context.Background(), p, options(3))
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, 1.0, results[0].Metrics["eval/two/accuracy"])
		require.Len(t, p.batches, 3)
		assert.Equal(t, 1, p.batches[2].Padding)
	})

	t.Run("unexpected decodes", func(t *testing.T) {
		_, err := Evaluate(context.Background(), &echoPredictor{extra: 1}, options(4))
		require.ErrorContains(t, err, "1 padded decodes, 0 expected")
		_, err = Evaluate(context.Background(), &echoPredictor{extra: 1}, options(3))
		require.ErrorContains(t, err, "2 padded decodes, 1 expected")
	})
}

func TestEvaluateOriginLabels(t *testing.T) {
	modelDir := t.TempDir()
	saveCheckpoints(t, modelDir, 10)
	lengths := features.SequenceLengths{features.Inputs: 8, features.Targets: 8, features.Attribute: 1}
	records := []tasks.Record{{Attribute: 1, Input: "x", Target: "x"}, {Attribute: 2, Input: "y", Target: "y"}}

	for _, unsupervised := range []bool{true, false} {
		t.Run(fmt.Sprintf("unsupervised=%v", unsupervised), func(t *testing.T) {
			r := &recorder{}
			p := &echoPredictor{}
			_, err := Evaluate(context.Background(), p, EvalOptions{
				Vocabulary:          byteVocab,
				Lengths:             lengths,
				BatchSize:           2,
				ModelDir:            modelDir,
				SummaryDir:          t.TempDir(),
				EvalDatasetFn:       evalDatasetsOf(newTask("style", records, r.metric)),
				AttributeBit:        true,
				UnsupervisedMetrics: unsupervised,
			})
			require.NoError(t, err)
			require.Len(t, r.originLabels, 1)
			if unsupervised {
				assert.Equal(t, []string{"0", "1"}, r.originLabels[0])
			} else {
				assert.Nil(t, r.originLabels[0])
			}
			require.Len(t, p.batches, 1)
			assert.Equal(t, [][]int32{{1}, {2}}, p.batches[0].Features[features.Attribute])
		})
	}

	t.Run("cache", func(t *testing.T) {
		eds := must.M1(evalDatasetsOf(newTask("style", records, (&recorder{}).metric))(lengths))
		cache, err := NewEvalCache(context.Background(), eds, byteVocab, "validation", lengths, true)
		require.NoError(t, err)
		assert.Equal(t, []string{"style"}, cache.TaskNames())
		assert.Equal(t, 2, cache.NumExamples())
		assert.Equal(t, []string{"0", "1"}, cache.OriginLabels("style"))
		assert.Equal(t, []string{"x", "y"}, cache.Targets("style"))
		assert.Nil(t, cache.Targets("unknown"))

		_, err = NewEvalCache(context.Background(), eds, byteVocab, "validation", evalLengths, true)
		require.ErrorContains(t, err, "has no \"attribute\"")
	})
}

func TestEvaluateSkipsTasksWithoutMetrics(t *testing.T) {
	modelDir := t.TempDir()
	saveCheckpoints(t, modelDir, 10)
	summaryDir := filepath.Join(t.TempDir(), "eval")

	t.Run("some tasks", func(t *testing.T) {
		r := &recorder{}
		p := &echoPredictor{}
		results, err := Evaluate(context.Background(), p, EvalOptions{
			Vocabulary:    byteVocab,
			Lengths:       evalLengths,
			BatchSize:     3,
			ModelDir:      modelDir,
			SummaryDir:    summaryDir,
			EvalDatasetFn: evalDatasetsOf(newTask("silent", copyRecords("s", 2)), newTask("one", copyRecords("a", 3), r.metric)),
		})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, map[string]float64{"eval/one/accuracy": 1}, results[0].Metrics)
		assert.Equal(t, []string{"a0", "a1", "a2"}, r.predictions[0])
		assert.NoFileExists(t, filepath.Join(summaryDir, "silent_targets"))
		assert.NoFileExists(t, filepath.Join(summaryDir, "silent_10_predictions"))
	})

	t.Run("no tasks", func(t *testing.T) {
		p := &echoPredictor{}
		emptyDir := filepath.Join(t.TempDir(), "eval")
		results, err := Evaluate(context.Background(), p, EvalOptions{
			Vocabulary:    byteVocab,
			Lengths:       evalLengths,
			BatchSize:     3,
			ModelDir:      modelDir,
			SummaryDir:    emptyDir,
			EvalDatasetFn: evalDatasetsOf(newTask("silent", copyRecords("s", 2))),
		})
		require.NoError(t, err)
		assert.Nil(t, results)
		assert.Empty(t, p.paths)
		_, err = os.Stat(emptyDir)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("no dataset function", func(t *testing.T) {
		_, err := Evaluate(context.Background(), &echoPredictor{}, EvalOptions{
			Vocabulary: byteVocab,
			Lengths:    evalLengths,
			BatchSize:  3,
			ModelDir:   modelDir,
		})
		require.ErrorContains(t, err, "EvalDatasetFn")
	})
}

// fixedEvaluator returns the same metrics for every checkpoint.
type fixedEvaluator struct {
	numBatches int
}

func (e *fixedEvaluator) Evaluate(_ context.Context, inputFn estimator.InputFn, path string, _ int) (
	*estimator.EvalResult, error) {
	ds, err := inputFn(estimator.Params{Mode: model.ModeEval})
	if err != nil {
		return nil, err
	}
	batches, err := datasets.Collect(ds)
	if err != nil {
		return nil, err
	}
	e.numBatches += len(batches)
	step, err := checkpoints.StepFromPath(path)
	if err != nil {
		return nil, err
	}
	return &estimator.EvalResult{Step: step, Metrics: map[string]float64{graph.LossKey: 0.5}, NumBatches: len(batches)}, nil
}

func TestEvaluateTeacherForced(t *testing.T) {
	modelDir := t.TempDir()
	saveCheckpoints(t, modelDir, 5, 10)
	summaryDir := t.TempDir()
	e := &fixedEvaluator{}
	results, err := EvaluateTeacherForced(context.Background(), e, EvalOptions{
		Vocabulary:    byteVocab,
		Lengths:       evalLengths,
		BatchSize:     2,
		ModelDir:      modelDir,
		SummaryDir:    summaryDir,
		EvalDatasetFn: evalDatasetsOf(newTask("one", copyRecords("a", 3))),
		Selector:      checkpoints.Steps(5, 10),
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, map[string]float64{"eval/teacher_forced/loss": 0.5}, results[1].Metrics)
	assert.Equal(t, 4, e.numBatches)
	events := summary.Filter(must.M1(summary.ReadEvents(summaryDir)), "eval/teacher_forced/loss")
	require.Len(t, events, 2)
	assert.Equal(t, int64(5), events[0].Step)
}

func TestEvaluateIdempotent(t *testing.T) {
	modelDir := t.TempDir()
	saveCheckpoints(t, modelDir, 10, 20)
	summaryDir := filepath.Join(t.TempDir(), "eval")
	options := EvalOptions{
		Vocabulary:    byteVocab,
		Lengths:       evalLengths,
		BatchSize:     2,
		ModelDir:      modelDir,
		SummaryDir:    summaryDir,
		EvalDatasetFn: evalDatasetsOf(newTask("one", copyRecords("a", 3), (&recorder{}).metric)),
		Selector:      checkpoints.Steps(10, 20),
	}
	files := []string{"one_targets", "one_10_predictions", "one_20_predictions"}
	readFiles := func() map[string][]string {
		contents := make(map[string][]string, len(files))
		for _, name := range files {
			contents[name] = must.M1(fsutil.ReadLines(filepath.Join(summaryDir, name)))
		}
		return contents
	}

	first, err := Evaluate(context.Background(), &echoPredictor{}, options)
	require.NoError(t, err)
	firstFiles := readFiles()
	second, err := Evaluate(context.Background(), &echoPredictor{}, options)
	require.NoError(t, err)

	require.Len(t, first, 2)
	assert.Equal(t, first, second)
	// Files are rewritten, not appended to.
	assert.Equal(t, firstFiles, readFiles())
	assert.Equal(t, []string{"a0", "a1", "a2"}, firstFiles["one_targets"])
	assert.Equal(t, []string{"a0", "a1", "a2"}, firstFiles["one_20_predictions"])
}
