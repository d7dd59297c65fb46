// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package run implements the drivers of attribute transfer models on top of an estimator:
// training (Train), evaluation of decodes over checkpoints with text metrics (Evaluate),
// teacher-forced evaluation (EvaluateTeacherForced), and decoding prompts read from a file
// (DecodeFromFile, Infer).
package run

import (
	"context"

	"github.com/gomlx/caet/pkg/attrtransfer/estimator"
	"github.com/gomlx/caet/pkg/ml/features"
	"github.com/gomlx/caet/pkg/ml/vocab"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Trainer trains a model for up to maxSteps global steps. Implemented by estimator.Estimator.
type Trainer interface {
	Train(ctx context.Context, inputFn estimator.InputFn, maxSteps int64) (int64, error)
}

// Predictor returns the predictions of a checkpoint. Implemented by estimator.Estimator.
type Predictor interface {
	Predict(ctx context.Context, inputFn estimator.InputFn, path string) ([]estimator.Prediction, int64, error)
}

// Evaluator computes the teacher-forced metrics of a checkpoint. Implemented by estimator.Estimator.
type Evaluator interface {
	Evaluate(ctx context.Context, inputFn estimator.InputFn, path string, maxBatches int) (*estimator.EvalResult, error)
}

// DefaultReadAhead is the number of batches prefetched by the drivers.
const DefaultReadAhead = 4

// Decode predicts every example of inputFn with the checkpoint at path (the latest if "") and
// returns the detokenized outputs, one per example including padding, and the step of the checkpoint.
func Decode(ctx context.Context, p Predictor, inputFn estimator.InputFn, v vocab.Vocabulary, path string) (
	[]string, int64, error) {
	predictions, step, err := p.Predict(ctx, inputFn, path)
	if err != nil {
		return nil, 0, err
	}
	decodes := make([]string, len(predictions))
	for i, prediction := range predictions {
		outputs, found := prediction[features.Outputs]
		if !found {
			return nil, 0, errors.Errorf("prediction %d has no %q", i, features.Outputs)
		}
		decodes[i] = vocab.Detokenize(v, toInts(outputs))
		// Log every power of 2.
		if i&(i-1) == 0 {
			klog.Infof("decoded %d: %s", i, vocab.Detokenize(v, toInts(prediction[features.Inputs])))
			klog.Infof("            -> %s", decodes[i])
		}
	}
	return decodes, step, nil
}

func toInts(ids []int32) []int {
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out
}
