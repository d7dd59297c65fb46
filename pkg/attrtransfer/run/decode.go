// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package run

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/caet/pkg/attrtransfer/estimator"
	"github.com/gomlx/caet/pkg/ml/checkpoints"
	"github.com/gomlx/caet/pkg/ml/datasets"
	"github.com/gomlx/caet/pkg/ml/features"
	"github.com/gomlx/caet/pkg/ml/model"
	"github.com/gomlx/caet/pkg/ml/tasks"
	"github.com/gomlx/caet/pkg/ml/vocab"
	"github.com/gomlx/caet/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// AttributeDelimiter separates the prompt from the destination attribute in decode input lines.
const AttributeDelimiter = "|dst_attribute:"

// ParseInputLine splits a line formatted "<prompt>|dst_attribute:<attribute>".
func ParseInputLine(line string) (prompt string, attribute int, err error) {
	prompt, rest, found := strings.Cut(line, AttributeDelimiter)
	if !found {
		return "", 0, errors.Errorf("line %q has no %q", line, AttributeDelimiter)
	}
	attribute, err = strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return "", 0, errors.Wrapf(err, "invalid destination attribute in line %q", line)
	}
	return prompt, attribute, nil
}

// DecodeOptions configure DecodeFromFile.
type DecodeOptions struct {
	Vocabulary vocab.Vocabulary

	// ModelKind selects whether inputs end with EOS: decoder-only models continue the prompt.
	ModelKind model.Kind
	BatchSize int
	Lengths   features.SequenceLengths

	// InputFile has one prompt per line. OutputFile is the prefix of the decodes file, written to
	// "<OutputFile>-<step>".
	InputFile, OutputFile string

	// Repeats is the number of decodes per prompt, 1 if 0.
	Repeats int

	// ControlCodes indexed by destination attribute. If set, each line is prefixed by the control
	// code of its attribute, fed as the "controlcode" feature.
	ControlCodes []string

	// AttributeEmbedding feeds the destination attribute as the "attribute" feature.
	AttributeEmbedding bool
}

// conditioned returns whether input lines carry a destination attribute.
func (opts *DecodeOptions) conditioned() bool {
	return len(opts.ControlCodes) > 0 || opts.AttributeEmbedding
}

// DecodeExamples encodes the lines of a decode input file, padded with copies of the first one
// to a multiple of opts.BatchSize.
//
// If opts has ControlCodes or AttributeEmbedding, lines must be formatted as parsed by
// ParseInputLine. Otherwise the whole line is the prompt.
func DecodeExamples(lines []string, opts DecodeOptions) ([]datasets.Example, error) {
	if opts.Vocabulary == nil {
		return nil, errors.New("decoding requires a Vocabulary")
	}
	prompts := lines
	var attributes []int
	if opts.conditioned() {
		prompts = make([]string, len(lines))
		attributes = make([]int, len(lines))
		for i, line := range lines {
			var err error
			if prompts[i], attributes[i], err = ParseInputLine(line); err != nil {
				return nil, err
			}
		}
	}
	inputsLength, err := opts.Lengths.LengthFor(features.Inputs)
	if err != nil {
		return nil, err
	}
	inputs, err := vocab.EncodeInputs(prompts, opts.Vocabulary, opts.ModelKind.IsEncoderDecoder(),
		opts.BatchSize, inputsLength)
	if err != nil {
		return nil, err
	}

	var codes [][]int32
	if len(opts.ControlCodes) > 0 {
		codeStrings := make([]string, len(attributes))
		for i, attribute := range attributes {
			if codeStrings[i], err = tasks.ControlCode(opts.ControlCodes, attribute); err != nil {
				return nil, errors.WithMessagef(err, "line %d", i)
			}
		}
		codeLength, err := opts.Lengths.LengthFor(features.ControlCode)
		if err != nil {
			return nil, err
		}
		if codes, err = vocab.EncodeInputs(codeStrings, opts.Vocabulary, false, opts.BatchSize, codeLength); err != nil {
			return nil, err
		}
	}

	examples := make([]datasets.Example, len(inputs))
	for i, row := range inputs {
		f := map[string][]int32{features.Inputs: row}
		if codes != nil {
			f[features.ControlCode] = codes[i]
		}
		if opts.AttributeEmbedding {
			f[features.Attribute] = attributeRow(attributes, i, opts.Lengths)
		}
		examples[i] = datasets.NewExample(f)
	}
	return examples, nil
}

// attributeRow of the i-th example. Rows past the end of attributes are padding: they copy the
// first one, like vocab.EncodeInputs does.
func attributeRow(attributes []int, i int, lengths features.SequenceLengths) []int32 {
	if i >= len(attributes) {
		i = 0
	}
	length := lengths[features.Attribute]
	if length <= 0 {
		length = 1
	}
	row := make([]int32, length)
	for j := range row {
		row[j] = int32(attributes[i])
	}
	return row
}

// DecodeFromFile decodes the prompts of opts.InputFile with the checkpoint at path (the latest if
// ""), each one opts.Repeats times, and writes the decodes to "<opts.OutputFile>-<step>".
// It returns the path written.
func DecodeFromFile(ctx context.Context, p Predictor, opts DecodeOptions, path string) (string, error) {
	lines, err := fsutil.ReadLines(opts.InputFile)
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", errors.Errorf("no prompts in %q", opts.InputFile)
	}
	examples, err := DecodeExamples(lines, opts)
	if err != nil {
		return "", errors.WithMessagef(err, "reading prompts from %q", opts.InputFile)
	}
	repeats := max(opts.Repeats, 1)

	var prefetched *datasets.ReadAheadDataset[*datasets.Batch]
	defer func() {
		if prefetched != nil {
			prefetched.Done()
		}
	}()
	inputFn := func(estimator.Params) (datasets.BatchDataset, error) {
		repeated, err := datasets.RepeatEach(datasets.Dataset(datasets.InMemory(opts.InputFile, examples)), repeats)
		if err != nil {
			return nil, err
		}
		// Examples are already padded to a multiple of the batch size.
		batched, err := datasets.BatchExamples(repeated, opts.BatchSize, true)
		if err != nil {
			return nil, err
		}
		if prefetched != nil {
			prefetched.Done()
		}
		prefetched = datasets.ReadAhead(batched, DefaultReadAhead)
		return prefetched, nil
	}
	decodes, step, err := Decode(ctx, p, inputFn, opts.Vocabulary, path)
	if err != nil {
		return "", err
	}
	want := len(lines) * repeats
	if len(decodes) < want {
		return "", errors.Errorf("got %d decodes for %d prompts repeated %d times", len(decodes), len(lines), repeats)
	}
	decodes = decodes[:want]
	outputPath := fmt.Sprintf("%s-%d", opts.OutputFile, step)
	if err := fsutil.WriteLines(outputPath, decodes); err != nil {
		return "", err
	}
	klog.Infof("wrote %d decodes of checkpoint at step %d to %s", len(decodes), step, outputPath)
	return outputPath, nil
}

// InferOptions configure Infer.
type InferOptions struct {
	DecodeOptions

	// CheckpointPaths to decode with. If empty, Selector selects the checkpoints of ModelDir.
	CheckpointPaths []string
	ModelDir        string
	Selector        checkpoints.Selector
}

// Infer runs DecodeFromFile with each selected checkpoint, and returns the paths written.
func Infer(ctx context.Context, p Predictor, opts InferOptions) ([]string, error) {
	var written []string
	decode := func(path string) error {
		output, err := DecodeFromFile(ctx, p, opts.DecodeOptions, path)
		if err != nil {
			return errors.WithMessagef(err, "decoding with checkpoint %s", path)
		}
		written = append(written, output)
		return nil
	}
	if len(opts.CheckpointPaths) > 0 {
		for _, path := range opts.CheckpointPaths {
			if err := decode(path); err != nil {
				return written, err
			}
		}
		return written, nil
	}
	checkpointsSeq, err := opts.Selector.Resolve(ctx, opts.ModelDir)
	if err != nil {
		return nil, err
	}
	for c, err := range checkpointsSeq {
		if err != nil {
			return written, err
		}
		if err := decode(c.Path); err != nil {
			return written, err
		}
	}
	return written, nil
}
