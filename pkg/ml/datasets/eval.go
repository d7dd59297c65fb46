// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"github.com/gomlx/caet/pkg/ml/features"
)

// DatasetFn creates the tokenized dataset of a task for the given split. Features must already be
// padded to the sequence lengths.
type DatasetFn func(split string, lengths features.SequenceLengths) (Dataset, error)

// PostprocessFn converts a detokenized output (or target, if isTarget) of example to the text
// compared by the metrics.
type PostprocessFn func(text string, example Example, isTarget bool) string

// MetricFn computes named scalar metrics from the postprocessed targets and predictions.
//
// originLabels holds, for each example, the zero-based attribute the example originated from. It
// is nil unless attribute transfer metrics are enabled.
type MetricFn func(targets, predictions []string, originLabels []string) (map[string]float64, error)

// EvalDataset bundles an evaluation task: its data source, how to postprocess its text and the
// metrics to compute.
type EvalDataset struct {
	Name          string
	DatasetFn     DatasetFn
	PostprocessFn PostprocessFn
	MetricFns     []MetricFn
}

// Postprocess applies PostprocessFn, or returns text unchanged if it is not set.
func (ed *EvalDataset) Postprocess(text string, example Example, isTarget bool) string {
	if ed.PostprocessFn == nil {
		return text
	}
	return ed.PostprocessFn(text, example, isTarget)
}

// EvalDatasetFn returns the evaluation tasks, in the order they are evaluated.
type EvalDatasetFn func(lengths features.SequenceLengths) ([]*EvalDataset, error)
