// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/caet/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, lines ...string) string {
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

const testConfig = `
model_dir: %[1]s/model
model:
  type: conditioned_bitransformer
  num_attributes: 2
  initial_copy_gate: 10
vocabulary:
  type: word
  path: %[1]s/vocab.txt
batch_size: 2
sequence_length: {inputs: 4, targets: 4, attribute: 1}
tasks:
  - name: copy
    files: {train: %[1]s/train.tsv, validation: %[1]s/dev.tsv}
    metrics: [sequence_accuracy]
train:
  task: copy
  steps: 2
  save_checkpoints_steps: 2
  optimizer: sgd
  learning_rate: 0.1
`

func execute(t *testing.T, args ...string) (string, error) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommands(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "vocab.txt"), "a", "b", "c", "d", "e")
	writeFile(t, filepath.Join(dir, "train.tsv"), "1\ta b c", "2\td e")
	writeFile(t, filepath.Join(dir, "dev.tsv"), "1\ta b", "2\te")
	configPath := writeFile(t, filepath.Join(dir, "caet.yaml"), fmt.Sprintf(testConfig, dir))
	modelDir := filepath.Join(dir, "model")

	_, err := execute(t, "train", "--config", configPath, "--set", "train.steps=4")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(modelDir, "operative_config.yaml"))

	_, err = execute(t, "eval", "--config", configPath, "--steps", "2,4")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(modelDir, "validation_eval", "copy_4_predictions"))

	prompts := writeFile(t, filepath.Join(dir, "prompts.txt"), "c d|dst_attribute:2")
	_, err = execute(t, "predict", "--config", configPath, "--input", prompts, "--output", filepath.Join(dir, "out"))
	require.NoError(t, err)
	assert.Equal(t, []string{"c d"}, must.M1(fsutil.ReadLines(filepath.Join(dir, "out-4"))))

	csvPath := filepath.Join(dir, "summaries.csv")
	out, err := execute(t, "checkpoints", "--summary", "--vars", "--metrics", "--csv", csvPath, modelDir)
	require.NoError(t, err)
	assert.Contains(t, out, "global_step")
	assert.Contains(t, out, "eval/copy/sequence_accuracy")
	assert.Contains(t, out, "loss")
	assert.FileExists(t, csvPath)

	t.Run("errors", func(t *testing.T) {
		_, err := execute(t, "train", "--config", configPath, "--set", "batch_sise=3")
		require.Error(t, err)
		_, err = execute(t, "checkpoints", t.TempDir())
		require.Error(t, err)
		_, err = execute(t, "eval", "--config", filepath.Join(dir, "missing.yaml"))
		require.Error(t, err)
	})
}
