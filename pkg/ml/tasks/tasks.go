// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tasks defines text transfer tasks: sources of (attribute, input, target) records that are
// tokenized into the features of the attribute transfer models, and a registry to look them up
// by name.
package tasks

import (
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/caet/pkg/ml/datasets"
	"github.com/gomlx/caet/pkg/ml/features"
	"github.com/gomlx/caet/pkg/ml/vocab"
	"github.com/gomlx/caet/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Record is one untokenized example. Attribute is 1-based, 0 meaning no attribute.
type Record struct {
	Attribute     int
	Input, Target string
}

// SourceFn returns the records of a split.
type SourceFn func(split string) ([]Record, error)

// Task converts the records of a source into tokenized examples.
type Task struct {
	Name       string
	Source     SourceFn
	Vocabulary vocab.Vocabulary

	// ControlCodes indexed by attribute: the control code prepended to the targets of examples
	// with that attribute. Entry 0 is used for examples without attribute, usually "".
	ControlCodes []string

	// Postprocess of detokenized texts before metrics. If nil, surrounding spaces are trimmed.
	Postprocess datasets.PostprocessFn

	MetricFns []datasets.MetricFn
}

// ControlCode returns the control code for attribute. An attribute out of the range of the
// table is an error.
func ControlCode(table []string, attribute int) (string, error) {
	if attribute < 0 || attribute >= len(table) {
		return "", errors.Errorf("no control code for attribute %d, the table has %d entries", attribute, len(table))
	}
	return table[attribute], nil
}

// Dataset implements datasets.DatasetFn: it returns the tokenized examples of split, padded to lengths.
//
// Features generated:
//
//   - "inputs" and "targets" (with EOS), with their position and segmentation features.
//   - "attribute", if lengths has a length for it: the attribute repeated over the length.
//   - "controlcode" and "codeprefixedtargets" (control code followed by the targets), with their
//     position and segmentation features, if the task has ControlCodes and lengths has lengths
//     for both.
//
// The plaintexts of inputs and targets are kept in Example.Plaintext.
func (t *Task) Dataset(split string, lengths features.SequenceLengths) (datasets.Dataset, error) {
	if t.Source == nil || t.Vocabulary == nil {
		return nil, errors.Errorf("task %q requires a Source and a Vocabulary", t.Name)
	}
	records, err := t.Source(split)
	if err != nil {
		return nil, errors.WithMessagef(err, "task %q split %q", t.Name, split)
	}
	_, withAttribute := lengths[features.Attribute]
	_, hasCode := lengths[features.ControlCode]
	_, hasPrefixed := lengths[features.CodePrefixedTargets]
	withCodes := len(t.ControlCodes) > 0 && hasCode && hasPrefixed

	examples := make([]datasets.Example, 0, len(records))
	for i, r := range records {
		e := datasets.Example{
			Features: make(map[string][]int32),
			Plaintext: map[string]string{
				features.Plaintext(features.Inputs):  r.Input,
				features.Plaintext(features.Targets): r.Target,
			},
		}
		targets := t.encode(r.Target, true)
		addPacked(e.Features, features.Inputs, t.encode(r.Input, true))
		addPacked(e.Features, features.Targets, targets)
		if withAttribute {
			row := make([]int32, lengths[features.Attribute])
			for j := range row {
				row[j] = int32(r.Attribute)
			}
			e.Features[features.Attribute] = row
		}
		if withCodes {
			code, err := ControlCode(t.ControlCodes, r.Attribute)
			if err != nil {
				return nil, errors.WithMessagef(err, "task %q record %d", t.Name, i)
			}
			codeIDs := t.encode(code, false)
			addPacked(e.Features, features.ControlCode, codeIDs)
			addPacked(e.Features, features.CodePrefixedTargets, slices.Concat(codeIDs, targets))
		}
		examples = append(examples, e)
	}
	klog.V(1).Infof("task %q split %q: %d examples", t.Name, split, len(examples))
	return datasets.PadToLengths(datasets.InMemory(t.Name+"/"+split, examples), lengths), nil
}

func (t *Task) encode(text string, appendEOS bool) []int32 {
	ids := t.Vocabulary.Encode(strings.TrimSpace(text))
	out := make([]int32, 0, len(ids)+1)
	for _, id := range ids {
		out = append(out, int32(id))
	}
	if appendEOS {
		out = append(out, vocab.EOSID)
	}
	return out
}

// addPacked sets key with ids, plus its segmentation (1 on tokens) and position features.
func addPacked(f map[string][]int32, key string, ids []int32) {
	segmentation := make([]int32, len(ids))
	position := make([]int32, len(ids))
	for i := range ids {
		segmentation[i] = 1
		position[i] = int32(i)
	}
	f[key] = ids
	f[features.Segmentation(key)] = segmentation
	f[features.Position(key)] = position
	f[features.Subsegmentation(key)] = append([]int32(nil), segmentation...)
}

// EvalDataset returns the evaluation record of the task.
func (t *Task) EvalDataset() *datasets.EvalDataset {
	postprocess := t.Postprocess
	if postprocess == nil {
		postprocess = func(text string, _ datasets.Example, _ bool) string { return strings.TrimSpace(text) }
	}
	return &datasets.EvalDataset{
		Name:          t.Name,
		DatasetFn:     t.Dataset,
		PostprocessFn: postprocess,
		MetricFns:     t.MetricFns,
	}
}

// TSVSource reads the records of each split from a tab separated file, with one record per line:
//
//	<attribute>\t<text>             the text is both the input and the target.
//	<attribute>\t<input>\t<target>
//
// Empty lines are skipped.
func TSVSource(paths map[string]string) SourceFn {
	return func(split string) ([]Record, error) {
		path, found := paths[split]
		if !found {
			return nil, errors.Errorf("no file for split %q", split)
		}
		lines, err := fsutil.ReadLines(path)
		if err != nil {
			return nil, err
		}
		records := make([]Record, 0, len(lines))
		for i, line := range lines {
			if line == "" {
				continue
			}
			r, err := ParseTSVRecord(line)
			if err != nil {
				return nil, errors.WithMessagef(err, "%s:%d", path, i+1)
			}
			records = append(records, r)
		}
		return records, nil
	}
}

// ParseTSVRecord parses one line of a TSVSource file.
func ParseTSVRecord(line string) (Record, error) {
	parts := strings.Split(line, "\t")
	if len(parts) < 2 || len(parts) > 3 {
		return Record{}, errors.Errorf("expected 2 or 3 tab separated fields, got %d", len(parts))
	}
	attribute, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || attribute < 0 {
		return Record{}, errors.Errorf("invalid attribute %q", parts[0])
	}
	r := Record{Attribute: attribute, Input: parts[1], Target: parts[1]}
	if len(parts) == 3 {
		r.Target = parts[2]
	}
	return r, nil
}

// InMemorySource serves fixed records per split.
func InMemorySource(splits map[string][]Record) SourceFn {
	return func(split string) ([]Record, error) {
		records, found := splits[split]
		if !found {
			return nil, errors.Errorf("no records for split %q", split)
		}
		return records, nil
	}
}
