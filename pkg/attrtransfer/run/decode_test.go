// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package run

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/caet/pkg/ml/checkpoints"
	"github.com/gomlx/caet/pkg/ml/features"
	"github.com/gomlx/caet/pkg/ml/model"
	"github.com/gomlx/caet/pkg/ml/vocab"
	"github.com/gomlx/caet/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	codeTable     = []string{"", "<code_a>", "<code_b>"}
	decodeLengths = features.SequenceLengths{
		features.Inputs:      16,
		features.Targets:     16,
		features.ControlCode: 8,
		features.Attribute:   1,
	}
)

func encoded(text string, length int, eos bool) []int32 {
	rows := must.M1(vocab.EncodeInputs([]string{text}, byteVocab, eos, 1, length))
	return rows[0]
}

func TestParseInputLine(t *testing.T) {
	for _, tc := range []struct {
		line      string
		prompt    string
		attribute int
		wantErr   bool
	}{
		{line: "hello world|dst_attribute:2", prompt: "hello world", attribute: 2},
		{line: "a|b|dst_attribute: 0 ", prompt: "a|b", attribute: 0},
		{line: "|dst_attribute:1", prompt: "", attribute: 1},
		{line: "hello world", wantErr: true},
		{line: "hello|dst_attribute:two", wantErr: true},
	} {
		t.Run(tc.line, func(t *testing.T) {
			prompt, attribute, err := ParseInputLine(tc.line)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.prompt, prompt)
			assert.Equal(t, tc.attribute, attribute)
		})
	}
}

func TestDecodeExamples(t *testing.T) {
	opts := DecodeOptions{
		Vocabulary:         byteVocab,
		ModelKind:          model.KindConditionedBitransformer,
		BatchSize:          2,
		Lengths:            decodeLengths,
		ControlCodes:       codeTable,
		AttributeEmbedding: true,
	}

	t.Run("control code", func(t *testing.T) {
		examples, err := DecodeExamples([]string{"hello world|dst_attribute:2"}, opts)
		require.NoError(t, err)
		// Padded to the batch size with a copy of the first example.
		require.Len(t, examples, 2)
		for _, e := range examples {
			assert.Equal(t, encoded("hello world", 16, true), e.Features[features.Inputs])
			assert.Equal(t, encoded("<code_b>", 8, false), e.Features[features.ControlCode])
			assert.Equal(t, []int32{2}, e.Features[features.Attribute])
		}
	})

	t.Run("out of range attribute", func(t *testing.T) {
		_, err := DecodeExamples([]string{"hello world|dst_attribute:5"}, opts)
		require.ErrorContains(t, err, "no control code for attribute 5")
	})

	t.Run("missing attribute", func(t *testing.T) {
		_, err := DecodeExamples([]string{"hello world"}, opts)
		require.Error(t, err)
	})

	t.Run("attribute only", func(t *testing.T) {
		attributeOpts := opts
		attributeOpts.ControlCodes = nil
		examples, err := DecodeExamples([]string{"x|dst_attribute:1", "y|dst_attribute:2", "z|dst_attribute:1"}, attributeOpts)
		require.NoError(t, err)
		require.Len(t, examples, 4)
		var attributes []int32
		for _, e := range examples {
			assert.NotContains(t, e.Features, features.ControlCode)
			attributes = append(attributes, e.Features[features.Attribute]...)
		}
		assert.Equal(t, []int32{1, 2, 1, 1}, attributes)
	})

	t.Run("plain prompts", func(t *testing.T) {
		plain := DecodeOptions{Vocabulary: byteVocab, ModelKind: model.KindUnitransformer, BatchSize: 1, Lengths: decodeLengths}
		examples, err := DecodeExamples([]string{"a|dst_attribute:1"}, plain)
		require.NoError(t, err)
		require.Len(t, examples, 1)
		// Decoder-only prompts have no EOS.
		assert.Equal(t, encoded("a|dst_attribute:1", 16, false), examples[0].Features[features.Inputs])
		assert.Len(t, examples[0].Features, 1)
	})
}

func writeInputFile(t *testing.T, lines ...string) string {
	path := filepath.Join(t.TempDir(), "prompts.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func TestDecodeFromFile(t *testing.T) {
	modelDir := t.TempDir()
	paths := saveCheckpoints(t, modelDir, 42)
	outputFile := filepath.Join(t.TempDir(), "decodes")
	opts := DecodeOptions{
		Vocabulary:   byteVocab,
		ModelKind:    model.KindConditionedBitransformer,
		BatchSize:    2,
		Lengths:      decodeLengths,
		InputFile:    writeInputFile(t, "hello|dst_attribute:1"),
		OutputFile:   outputFile,
		Repeats:      3,
		ControlCodes: codeTable,
	}
	p := &echoPredictor{}
	written, err := DecodeFromFile(context.Background(), p, opts, paths[0])
	require.NoError(t, err)
	assert.Equal(t, outputFile+"-42", written)
	assert.Equal(t, []string{"hello", "hello", "hello"}, must.M1(fsutil.ReadLines(written)))

	// 1 prompt padded to 2, each repeated 3 times: 3 full batches.
	require.Len(t, p.batches, 3)
	for _, b := range p.batches {
		assert.Equal(t, 2, b.Size())
		assert.Equal(t, encoded("<code_a>", 8, false), b.Features[features.ControlCode][0])
	}

	t.Run("malformed line", func(t *testing.T) {
		bad := opts
		bad.InputFile = writeInputFile(t, "hello|dst_attribute:1", "no attribute")
		_, err := DecodeFromFile(context.Background(), &echoPredictor{}, bad, paths[0])
		require.Error(t, err)
	})

	t.Run("empty file", func(t *testing.T) {
		empty := opts
		empty.InputFile = writeInputFile(t)
		_, err := DecodeFromFile(context.Background(), &echoPredictor{}, empty, paths[0])
		require.ErrorContains(t, err, "no prompts")
	})
}

func TestInfer(t *testing.T) {
	modelDir := t.TempDir()
	paths := saveCheckpoints(t, modelDir, 10, 20, 30)
	outputFile := filepath.Join(t.TempDir(), "decodes")
	decodeOpts := DecodeOptions{
		Vocabulary: byteVocab,
		ModelKind:  model.KindBitransformer,
		BatchSize:  2,
		Lengths:    decodeLengths,
		InputFile:  writeInputFile(t, "first", "second", "third"),
		OutputFile: outputFile,
	}

	t.Run("checkpoint paths", func(t *testing.T) {
		p := &echoPredictor{}
		written, err := Infer(context.Background(), p, InferOptions{
			DecodeOptions:   decodeOpts,
			CheckpointPaths: []string{paths[2], paths[0]},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{outputFile + "-30", outputFile + "-10"}, written)
		assert.Equal(t, []string{"first", "second", "third"}, must.M1(fsutil.ReadLines(written[0])))
	})

	t.Run("selector", func(t *testing.T) {
		p := &echoPredictor{}
		written, err := Infer(context.Background(), p, InferOptions{
			DecodeOptions: decodeOpts,
			ModelDir:      modelDir,
			Selector:      checkpoints.Steps(19, 31),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{outputFile + "-20", outputFile + "-30"}, written)
		assert.Equal(t, []string{paths[1], paths[2]}, p.paths)
	})

	t.Run("latest", func(t *testing.T) {
		written, err := Infer(context.Background(), &echoPredictor{}, InferOptions{DecodeOptions: decodeOpts, ModelDir: modelDir})
		require.NoError(t, err)
		assert.Equal(t, []string{outputFile + "-30"}, written)
	})

	t.Run("no checkpoints", func(t *testing.T) {
		_, err := Infer(context.Background(), &echoPredictor{}, InferOptions{DecodeOptions: decodeOpts, ModelDir: t.TempDir()})
		require.ErrorIs(t, err, checkpoints.ErrNoCheckpoints)
	})
}
