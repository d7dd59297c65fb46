// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/caet/pkg/ml/datasets"
	"github.com/gomlx/caet/pkg/ml/features"
	"github.com/gomlx/caet/pkg/ml/vocab"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTask(codes []string) *Task {
	return &Task{
		Name: "style",
		Source: InMemorySource(map[string][]Record{
			"train": {{Attribute: 1, Input: "ab", Target: "ab"}, {Attribute: 2, Input: "c", Target: "d"}},
		}),
		Vocabulary:   vocab.NewByteVocabulary(),
		ControlCodes: codes,
	}
}

func TestDataset(t *testing.T) {
	lengths := features.SequenceLengths{
		features.Inputs: 4, features.Targets: 4, features.Attribute: 2,
		features.ControlCode: 2, features.CodePrefixedTargets: 5,
	}
	task := newTask([]string{"", "x", "yz"})
	examples := must.M1(datasets.Collect(must.M1(task.Dataset("train", lengths))))
	require.Len(t, examples, 2)

	first := examples[0].Features
	assert.Equal(t, []int32{100, 101, vocab.EOSID, 0}, first[features.Inputs])
	assert.Equal(t, []int32{1, 1, 1, 0}, first[features.Segmentation(features.Inputs)])
	assert.Equal(t, []int32{0, 1, 2, 0}, first[features.Position(features.Targets)])
	assert.Equal(t, []int32{1, 1}, first[features.Attribute])
	assert.Equal(t, []int32{'x' + 3, 0}, first[features.ControlCode])
	assert.Equal(t, []int32{'x' + 3, 100, 101, vocab.EOSID, 0}, first[features.CodePrefixedTargets])
	assert.Equal(t, "ab", examples[0].Plaintext[features.Plaintext(features.Targets)])

	second := examples[1].Features
	assert.Equal(t, []int32{'y' + 3, 'z' + 3}, second[features.ControlCode])
	assert.Equal(t, []int32{'d' + 3, vocab.EOSID, 0, 0}, second[features.Targets])

	// Without lengths for attribute and control codes, they are not generated.
	examples = must.M1(datasets.Collect(must.M1(task.Dataset("train",
		features.SequenceLengths{features.Inputs: 4, features.Targets: 4}))))
	assert.NotContains(t, examples[0].Features, features.Attribute)
	assert.NotContains(t, examples[0].Features, features.ControlCode)

	// Control code table too short.
	_, err := newTask([]string{"", "x"}).Dataset("train", lengths)
	require.Error(t, err)
	_, err = task.Dataset("test", lengths)
	require.Error(t, err)
	_, err = (&Task{Name: "empty"}).Dataset("train", lengths)
	require.Error(t, err)
}

func TestControlCode(t *testing.T) {
	table := []string{"", "<code_a>", "<code_b>"}
	code, err := ControlCode(table, 2)
	require.NoError(t, err)
	assert.Equal(t, "<code_b>", code)
	_, err = ControlCode(table, 5)
	require.Error(t, err)
	_, err = ControlCode(table, -1)
	require.Error(t, err)
}

func TestTSVSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.tsv")
	require.NoError(t, os.WriteFile(path, []byte("1\tgreat food\n\n2\tbad\tgood\n"), 0644))
	source := TSVSource(map[string]string{"train": path})
	records := must.M1(source("train"))
	assert.Equal(t, []Record{
		{Attribute: 1, Input: "great food", Target: "great food"},
		{Attribute: 2, Input: "bad", Target: "good"},
	}, records)
	_, err := source("validation")
	require.Error(t, err)

	for _, line := range []string{"no tabs", "x\ttext", "1\ta\tb\tc", "-1\ttext"} {
		t.Run(line, func(t *testing.T) {
			_, err := ParseTSVRecord(line)
			require.Error(t, err)
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(newTask(nil)))
	other := newTask(nil)
	other.Name = "another"
	require.NoError(t, r.Add(other))
	require.Error(t, r.Add(newTask(nil)))
	require.Error(t, r.Add(&Task{}))
	assert.Equal(t, []string{"another", "style"}, r.Names())

	records := must.M1(r.EvalDatasetFn("style", "another")(nil))
	require.Len(t, records, 2)
	assert.Equal(t, "style", records[0].Name)
	assert.Equal(t, "trimmed", records[0].Postprocess("  trimmed ", datasets.Example{}, true))

	_, err := r.EvalDatasetFn("missing")(nil)
	require.Error(t, err)
}
