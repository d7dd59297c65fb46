// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package run

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gomlx/caet/pkg/attrtransfer/estimator"
	"github.com/gomlx/caet/pkg/attrtransfer/modelfn"
	"github.com/gomlx/caet/pkg/ml/checkpoints"
	"github.com/gomlx/caet/pkg/ml/datasets"
	"github.com/gomlx/caet/pkg/ml/features"
	"github.com/gomlx/caet/pkg/ml/model"
	"github.com/gomlx/caet/pkg/ml/model/copymodel"
	"github.com/gomlx/caet/pkg/ml/optimizers"
	"github.com/gomlx/caet/pkg/ml/tasks"
	"github.com/gomlx/caet/pkg/ml/vocab"
	"github.com/gomlx/caet/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWithEstimator trains a copy model, evaluates its checkpoints and decodes prompts with it.
func TestWithEstimator(t *testing.T) {
	ctx := context.Background()
	modelDir := t.TempDir()
	words := vocab.NewWordVocabulary([]string{"a", "b", "c", "d", "e"})
	lengths := features.SequenceLengths{features.Inputs: 4, features.Targets: 4, features.Attribute: 1}
	records := []tasks.Record{
		{Attribute: 1, Input: "a b c", Target: "a b c"},
		{Attribute: 2, Input: "d e", Target: "d e"},
		{Attribute: 1, Input: "c a", Target: "c a"},
		{Attribute: 2, Input: "e e b", Target: "e e b"},
	}
	r := &recorder{}
	task := &tasks.Task{
		Name:       "copy",
		Source:     tasks.InMemorySource(map[string][]tasks.Record{"train": records, "validation": records[:3]}),
		Vocabulary: words,
		MetricFns:  []datasets.MetricFn{r.metric},
	}

	m := must.M1(copymodel.New(model.KindConditionedBitransformer, words.VocabSize(), 2)).WithInitialCopyGate(10)
	fn := must.M1(modelfn.Build(m).
		BatchSize(2).
		SequenceLengths(lengths).
		AttributeEmbedding(true).
		Optimizer(optimizers.StochasticGradientDescent().WithLearningRate(0.1).Done()).
		Done())
	est := must.M1(estimator.Build(fn).ModelDir(modelDir).SaveCheckpointsSteps(2).Done())

	step, err := Train(ctx, est, TrainOptions{DatasetFn: task.Dataset, Lengths: lengths, BatchSize: 2, Steps: 4})
	require.NoError(t, err)
	assert.Equal(t, int64(4), step)

	results, err := Evaluate(ctx, est, EvalOptions{
		Vocabulary:          words,
		Lengths:             lengths,
		BatchSize:           2,
		ModelDir:            modelDir,
		EvalDatasetFn:       evalDatasetsOf(task),
		Selector:            checkpoints.Steps(0, 2, 4),
		AttributeBit:        true,
		UnsupervisedMetrics: true,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(2), results[0].Step)
	assert.Equal(t, map[string]float64{"eval/copy/accuracy": 1}, results[1].Metrics)
	assert.Equal(t, []string{"a b c", "d e", "c a"}, r.predictions[1])
	assert.Equal(t, []string{"0", "1", "0"}, r.originLabels[1])
	assert.FileExists(t, filepath.Join(modelDir, "validation_eval", "copy_4_predictions"))

	teacherForced, err := EvaluateTeacherForced(ctx, est, EvalOptions{
		Vocabulary:    words,
		Lengths:       lengths,
		BatchSize:     2,
		ModelDir:      modelDir,
		EvalDatasetFn: evalDatasetsOf(task),
		AttributeBit:  true,
	})
	require.NoError(t, err)
	require.Len(t, teacherForced, 1)
	assert.Contains(t, teacherForced[0].Metrics, "eval/teacher_forced/loss")

	outputFile := filepath.Join(t.TempDir(), "transferred")
	written, err := Infer(ctx, est, InferOptions{
		DecodeOptions: DecodeOptions{
			Vocabulary:         words,
			ModelKind:          model.KindConditionedBitransformer,
			BatchSize:          2,
			Lengths:            lengths,
			InputFile:          writeInputFile(t, "a b c|dst_attribute:2", "d e|dst_attribute:1", "b|dst_attribute:2"),
			OutputFile:         outputFile,
			Repeats:            2,
			AttributeEmbedding: true,
		},
		ModelDir: modelDir,
	})
	require.NoError(t, err)
	require.Equal(t, []string{outputFile + "-4"}, written)
	assert.Equal(t, []string{"a b c", "a b c", "d e", "d e", "b", "b"}, must.M1(fsutil.ReadLines(written[0])))
}
