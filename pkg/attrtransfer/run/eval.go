// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package run

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/gomlx/caet/pkg/ml/checkpoints"
	"github.com/gomlx/caet/pkg/ml/datasets"
	"github.com/gomlx/caet/pkg/ml/features"
	"github.com/gomlx/caet/pkg/ml/summary"
	"github.com/gomlx/caet/pkg/ml/vocab"
	"github.com/gomlx/caet/pkg/support/fsutil"
	"github.com/gomlx/caet/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EvalOptions configure Evaluate.
type EvalOptions struct {
	Vocabulary vocab.Vocabulary
	Lengths    features.SequenceLengths
	BatchSize  int

	// Split to evaluate, defaults to "validation".
	Split    string
	ModelDir string

	// EvalDatasetFn returns the evaluation tasks. Required.
	EvalDatasetFn datasets.EvalDatasetFn

	// SummaryDir for the summaries, targets and predictions. Defaults to "<ModelDir>/<Split>_eval".
	SummaryDir string

	// Selector of the checkpoints to evaluate. The zero value selects the latest checkpoint.
	Selector checkpoints.Selector

	// AttributeBit feeds the "attribute" feature to the model.
	AttributeBit bool

	// UnsupervisedMetrics passes the origin labels of the examples to the metric functions.
	// Only used with AttributeBit.
	UnsupervisedMetrics bool

	// ControlCodes feeds the "controlcode" feature to the model.
	ControlCodes bool

	// Summaries is the writer of the metrics. If nil, one is created in SummaryDir and closed
	// at the end.
	Summaries *summary.Writer
}

func (opts *EvalOptions) split() string {
	if opts.Split == "" {
		return "validation"
	}
	return opts.Split
}

func (opts *EvalOptions) summaryDir() string {
	if opts.SummaryDir != "" {
		return opts.SummaryDir
	}
	return filepath.Join(opts.ModelDir, opts.split()+"_eval")
}

// CheckpointMetrics holds the metrics of one evaluated checkpoint, tagged "eval/<task>/<metric>".
type CheckpointMetrics struct {
	Step    int64
	Metrics map[string]float64
}

// ExpectedPad is the number of padding examples added to complete the last batch of total
// examples.
func ExpectedPad(total, batchSize int) int {
	return (batchSize - total%batchSize) % batchSize
}

// MetricTag is the summary tag of a metric of a task.
func MetricTag(task, metric string) string {
	return fmt.Sprintf("eval/%s/%s", task, metric)
}

// Evaluate decodes the examples of the evaluation tasks with each checkpoint of opts.Selector,
// and computes the metrics of each task on them.
//
// Tasks without metric functions are skipped. The targets of each task are written to
// "<task>_targets" in the summary directory once, and the decodes of each checkpoint to
// "<task>_<step>_predictions". Checkpoints at step 0 are skipped.
//
// It returns the metrics of each evaluated checkpoint, in the order they were evaluated.
func Evaluate(ctx context.Context, p Predictor, opts EvalOptions) ([]CheckpointMetrics, error) {
	if opts.EvalDatasetFn == nil {
		return nil, errors.New("evaluation requires an EvalDatasetFn")
	}
	if opts.Vocabulary == nil {
		return nil, errors.New("evaluation requires a Vocabulary")
	}
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("evaluation requires a positive batch size, got %d", opts.BatchSize)
	}
	all, err := opts.EvalDatasetFn(opts.Lengths)
	if err != nil {
		return nil, errors.WithMessage(err, "creating evaluation datasets")
	}
	var evalDatasets []*datasets.EvalDataset
	for _, ed := range all {
		if len(ed.MetricFns) == 0 {
			klog.Warningf("skipping evaluation task %q: it has no metric functions", ed.Name)
			continue
		}
		evalDatasets = append(evalDatasets, ed)
	}
	if len(evalDatasets) == 0 {
		klog.Warningf("no evaluation tasks with metrics, nothing to evaluate")
		return nil, nil
	}

	split := opts.split()
	cache, err := NewEvalCache(ctx, evalDatasets, opts.Vocabulary, split, opts.Lengths, opts.AttributeBit)
	if err != nil {
		return nil, err
	}
	dir := opts.summaryDir()
	if err := cache.WriteTargets(dir); err != nil {
		return nil, err
	}
	writer := opts.Summaries
	if writer == nil {
		if writer, err = summary.NewWriter(dir, nil); err != nil {
			return nil, err
		}
		defer func() {
			if err := writer.Close(); err != nil {
				klog.Errorf("closing summaries in %q: %+v", dir, err)
			}
		}()
	}

	keys := features.RequiredFeatureKeys(features.Toggles{
		AttributeBit: opts.AttributeBit,
		ControlCodes: opts.ControlCodes,
	})
	inputFn := cache.InputFn(keys, opts.BatchSize)
	checkpointsSeq, err := opts.Selector.Resolve(ctx, opts.ModelDir)
	if err != nil {
		return nil, err
	}
	klog.Infof("evaluating %d examples of %d tasks on split %q", cache.NumExamples(), len(evalDatasets), split)

	var results []CheckpointMetrics
	for c, err := range checkpointsSeq {
		if err != nil {
			return results, err
		}
		if c.Step == 0 {
			klog.Infof("skipping checkpoint %s at step 0", c.Path)
			continue
		}
		decodes, step, err := Decode(ctx, p, inputFn, opts.Vocabulary, c.Path)
		if err != nil {
			return results, errors.WithMessagef(err, "decoding with checkpoint %s", c.Path)
		}
		metrics, err := scoreCheckpoint(cache, decodes, step, dir, opts)
		if err != nil {
			return results, err
		}
		for tag, value := range metrics {
			if err := writer.Scalar(tag, value, step); err != nil {
				return results, err
			}
		}
		if err := writer.Flush(); err != nil {
			return results, err
		}
		results = append(results, CheckpointMetrics{Step: step, Metrics: metrics})
	}
	return results, nil
}

// scoreCheckpoint consumes the decodes of each task, in order, and computes its metrics.
func scoreCheckpoint(cache *EvalCache, decodes []string, step int64, dir string, opts EvalOptions) (
	map[string]float64, error) {
	total := len(decodes)
	results := make(map[string]float64)
	for _, task := range cache.tasks {
		name := task.dataset.Name
		n := len(task.examples)
		if n > len(decodes) {
			return nil, errors.Errorf("task %q has %d examples, only %d decodes left", name, n, len(decodes))
		}
		predictions := make([]string, n)
		for i, text := range decodes[:n] {
			predictions[i] = task.dataset.Postprocess(text, task.examples[i], false)
		}
		decodes = decodes[n:]

		path := filepath.Join(dir, fmt.Sprintf("%s_%d_predictions", name, step))
		if err := fsutil.WriteLines(path, predictions); err != nil {
			return nil, err
		}
		var originLabels []string
		if opts.UnsupervisedMetrics && opts.AttributeBit {
			originLabels = task.originLabels
		}
		for _, metricFn := range task.dataset.MetricFns {
			values, err := metricFn(task.targets, predictions, originLabels)
			if err != nil {
				return nil, errors.WithMessagef(err, "metrics of task %q at step %d", name, step)
			}
			for _, metric := range sets.SortedKeys(values) {
				tag := MetricTag(name, metric)
				klog.Infof("%s at step %d: %.3f", tag, step, values[metric])
				results[tag] = values[metric]
			}
		}
	}
	if expected := ExpectedPad(total-len(decodes), opts.BatchSize); len(decodes) != expected {
		return nil, errors.Errorf("%d padded decodes, %d expected", len(decodes), expected)
	}
	return results, nil
}

// EvaluateTeacherForced computes the teacher-forced metrics (loss, accuracy, negative
// log-perplexity) of the checkpoints of opts.Selector on the examples of the evaluation tasks,
// recorded as "eval/teacher_forced/<metric>".
func EvaluateTeacherForced(ctx context.Context, e Evaluator, opts EvalOptions) ([]CheckpointMetrics, error) {
	if opts.EvalDatasetFn == nil {
		return nil, errors.New("evaluation requires an EvalDatasetFn")
	}
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("evaluation requires a positive batch size, got %d", opts.BatchSize)
	}
	evalDatasets, err := opts.EvalDatasetFn(opts.Lengths)
	if err != nil {
		return nil, errors.WithMessage(err, "creating evaluation datasets")
	}
	if len(evalDatasets) == 0 {
		klog.Warningf("no evaluation tasks, nothing to evaluate")
		return nil, nil
	}
	cache, err := NewEvalCache(ctx, evalDatasets, opts.Vocabulary, opts.split(), opts.Lengths, opts.AttributeBit)
	if err != nil {
		return nil, err
	}
	writer := opts.Summaries
	if writer == nil {
		dir := opts.summaryDir()
		if writer, err = summary.NewWriter(dir, nil); err != nil {
			return nil, err
		}
		defer func() {
			if err := writer.Close(); err != nil {
				klog.Errorf("closing summaries in %q: %+v", dir, err)
			}
		}()
	}
	keys := features.RequiredFeatureKeys(features.Toggles{
		AttributeBit: opts.AttributeBit,
		ControlCodes: opts.ControlCodes,
	})
	inputFn := cache.InputFn(keys, opts.BatchSize)
	checkpointsSeq, err := opts.Selector.Resolve(ctx, opts.ModelDir)
	if err != nil {
		return nil, err
	}

	var results []CheckpointMetrics
	for c, err := range checkpointsSeq {
		if err != nil {
			return results, err
		}
		result, err := e.Evaluate(ctx, inputFn, c.Path, 0)
		if err != nil {
			return results, errors.WithMessagef(err, "evaluating checkpoint %s", c.Path)
		}
		metrics := make(map[string]float64, len(result.Metrics))
		for _, name := range sets.SortedKeys(result.Metrics) {
			tag := MetricTag("teacher_forced", name)
			metrics[tag] = result.Metrics[name]
			klog.Infof("%s at step %d: %.3f", tag, result.Step, metrics[tag])
			if err := writer.Scalar(tag, metrics[tag], result.Step); err != nil {
				return results, err
			}
		}
		if err := writer.Flush(); err != nil {
			return results, err
		}
		results = append(results, CheckpointMetrics{Step: result.Step, Metrics: metrics})
	}
	return results, nil
}
