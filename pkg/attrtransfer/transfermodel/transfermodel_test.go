// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transfermodel

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/caet/pkg/attrtransfer/config"
	"github.com/gomlx/caet/pkg/attrtransfer/estimator"
	"github.com/gomlx/caet/pkg/ml/checkpoints"
	"github.com/gomlx/caet/pkg/ml/summary"
	"github.com/gomlx/caet/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, lines ...string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

// copyConfig configures a copy model over a tiny word vocabulary.
func copyConfig(t *testing.T) *config.Config {
	dataDir := t.TempDir()
	c := config.Default()
	c.ModelDir = filepath.Join(t.TempDir(), "model")
	c.Vocabulary = config.VocabularyConfig{Type: "word", Path: writeFile(t, dataDir, "vocab.txt", "a", "b", "c", "d", "e")}
	c.Model.InitialCopyGate = 10
	c.BatchSize = 2
	c.SequenceLength = map[string]int{"inputs": 4, "targets": 4, "attribute": 1}
	c.Tasks = []config.TaskConfig{{
		Name: "copy",
		Files: map[string]string{
			"train":      writeFile(t, dataDir, "train.tsv", "1\ta b c", "2\td e", "1\tc a", "2\te e b"),
			"validation": writeFile(t, dataDir, "dev.tsv", "1\ta b c", "2\td e", "1\tc a"),
		},
		Metrics: []string{"sequence_accuracy", "attribute_transfer"},
		Lexicon: map[string]int{"a": 0, "d": 1},
	}}
	c.Train.Task = "copy"
	c.Train.Steps = 4
	c.Train.SaveCheckpointsSteps = 2
	c.Train.Optimizer = "sgd"
	c.Train.LearningRate = 0.1
	c.Eval.UnsupervisedMetrics = true
	return c
}

func TestModel(t *testing.T) {
	ctx := context.Background()
	cfg := copyConfig(t)
	var numEstimators int
	m, err := New(cfg)
	require.NoError(t, err)
	m.WithSettings([]string{"train.steps"}).OnEstimator(func(*estimator.Estimator) { numEstimators++ })

	step, err := m.Train(ctx, "", 0, "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(4), step)
	assert.Equal(t, 1, numEstimators)
	operative, err := config.LoadOperative(m.ModelDir())
	require.NoError(t, err)
	assert.Equal(t, "train", operative.Command)
	assert.Equal(t, []string{"train.steps"}, operative.Settings)
	events, err := summary.ReadEvents(m.ModelDir())
	require.NoError(t, err)
	assert.Len(t, summary.Filter(events, "loss"), 4)

	t.Run("eval", func(t *testing.T) {
		results, err := m.Eval(ctx, nil, checkpoints.Steps(2, 4), "", "")
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, int64(4), results[1].Step)
		assert.Equal(t, 100.0, results[1].Metrics["eval/copy/sequence_accuracy"])
		assert.Contains(t, results[1].Metrics, "eval/copy/attribute_transfer_accuracy")
		assert.FileExists(t, filepath.Join(m.ModelDir(), "validation_eval", "copy_targets"))
		assert.FileExists(t, filepath.Join(m.ModelDir(), "validation_eval", "copy_2_predictions"))
	})

	t.Run("predict", func(t *testing.T) {
		dir := t.TempDir()
		input := writeFile(t, dir, "prompts.txt", "a b|dst_attribute:2", "e|dst_attribute:1")
		written, err := m.Predict(ctx, input, filepath.Join(dir, "out"), Selector(nil), 0, 0)
		require.NoError(t, err)
		require.Equal(t, []string{filepath.Join(dir, "out-4")}, written)
		assert.Equal(t, []string{"a b", "e"}, must.M1(fsutil.ReadLines(written[0])))
	})

	t.Run("operative model", func(t *testing.T) {
		other := *cfg
		other.Model.NumAttributes = 7
		m2, err := New(&other)
		require.NoError(t, err)
		_, err = m2.Eval(ctx, []string{"copy"}, checkpoints.Steps(4), t.TempDir(), "")
		require.NoError(t, err)
		assert.Equal(t, 2, m2.Config().Model.NumAttributes)
	})

	t.Run("resume", func(t *testing.T) {
		// The step budget is absolute: nothing left to train.
		step, err := m.Train(ctx, "copy", 4, "", "train")
		require.NoError(t, err)
		assert.Equal(t, int64(4), step)
	})
}

func TestNewErrors(t *testing.T) {
	t.Run("invalid configuration", func(t *testing.T) {
		cfg := copyConfig(t)
		cfg.BatchSize = 0
		_, err := New(cfg)
		require.Error(t, err)
	})
	t.Run("lexicon required", func(t *testing.T) {
		cfg := copyConfig(t)
		cfg.Tasks[0].Lexicon = nil
		_, err := New(cfg)
		require.ErrorContains(t, err, "lexicon")
	})
	t.Run("unknown task", func(t *testing.T) {
		m, err := New(copyConfig(t))
		require.NoError(t, err)
		_, err = m.Train(context.Background(), "paraphrase", 1, "", "")
		require.Error(t, err)
	})
}

func TestEvalSelector(t *testing.T) {
	cfg := copyConfig(t)
	m := must.M1(New(cfg))
	assert.Equal(t, checkpoints.Latest().String(), m.EvalSelector().String())
	cfg.Eval.Steps = []int64{10}
	assert.Equal(t, checkpoints.Steps(10).String(), m.EvalSelector().String())
	cfg.Eval.Steps = nil
	cfg.Eval.Continuous = true
	assert.Equal(t, checkpoints.Continuous(cfg.Eval.PollInterval, 0).String(), m.EvalSelector().String())
}
