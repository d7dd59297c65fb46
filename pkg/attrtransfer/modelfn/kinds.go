// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package modelfn

import (
	"github.com/gomlx/caet/pkg/core/graph"
	"github.com/gomlx/caet/pkg/ml/features"
	"github.com/gomlx/caet/pkg/ml/model"
	"github.com/pkg/errors"
)

// kindStrategy is what differs between model kinds. It is resolved once, by Config.Done.
type kindStrategy struct {
	// conditioned models take attributes, control codes and the cycle-consistency loss.
	conditioned bool

	// positions returns the packing features of the model.
	positions func(c *Config, f map[string]*graph.Tensor) model.PositionArgs

	// decode returns the samples of a prediction, and the inputs as exported with them. The inputs
	// and features are shaped [batch, length].
	decode func(c *Config, inputs *graph.Tensor, f map[string]*graph.Tensor) (samples, exported *graph.Tensor)
}

// strategyFor returns the strategy of the model kind. The decoding of a PredictFn takes precedence.
func strategyFor(kind model.Kind, predictFn PredictFn) (*kindStrategy, error) {
	s := &kindStrategy{conditioned: kind == model.KindConditionedBitransformer}
	switch kind {
	case model.KindUnitransformer:
		s.positions = decoderOnlyPositions
		s.decode = func(c *Config, inputs *graph.Tensor, _ map[string]*graph.Tensor) (*graph.Tensor, *graph.Tensor) {
			// Room for the targets after the prompt.
			inputs = graph.Pad(inputs, LengthDim, 0, c.lengths[features.Targets])
			sampler := c.model.(model.AutoregressiveSampler)
			return sampler.SampleAutoregressive(inputs, c.variableDType, true, c.inferenceParams), inputs
		}
	case model.KindConditionedBitransformer:
		s.positions = encoderDecoderPositions
		s.decode = func(c *Config, inputs *graph.Tensor, f map[string]*graph.Tensor) (*graph.Tensor, *graph.Tensor) {
			return c.model.(model.ConditionedDecoder).DecodeConditioned(c.decodeArgs(inputs, f, c.inferenceParams)), inputs
		}
	case model.KindBitransformer, model.KindStudentTeacher:
		s.positions = encoderDecoderPositions
		s.decode = func(c *Config, inputs *graph.Tensor, _ map[string]*graph.Tensor) (*graph.Tensor, *graph.Tensor) {
			return c.model.(model.Decoder).Decode(inputs, c.variableDType, c.inferenceParams), inputs
		}
	default:
		return nil, errors.Errorf("unrecognized model kind %s", kind)
	}
	if predictFn != nil {
		s.decode = func(c *Config, inputs *graph.Tensor, f map[string]*graph.Tensor) (*graph.Tensor, *graph.Tensor) {
			return predictFn(c.model, f, c.variableDType), inputs
		}
	}
	return s, nil
}

func decoderOnlyPositions(_ *Config, f map[string]*graph.Tensor) model.PositionArgs {
	return model.PositionArgs{
		SequenceID: f[features.Segmentation(features.Targets)],
		Position:   f[features.Position(features.Targets)],
	}
}

// encoderDecoderPositions takes the decoder features from the control-code prefixed targets if
// control codes are enabled.
func encoderDecoderPositions(c *Config, f map[string]*graph.Tensor) model.PositionArgs {
	decoderKey := features.Targets
	if c.controlCodes {
		decoderKey = features.CodePrefixedTargets
	}
	return model.PositionArgs{
		EncoderSequenceID:    f[features.Segmentation(features.Inputs)],
		DecoderSequenceID:    f[features.Segmentation(decoderKey)],
		DecoderSubsequenceID: f[features.Subsegmentation(decoderKey)],
		EncoderPosition:      f[features.Position(features.Inputs)],
		DecoderPosition:      f[features.Position(decoderKey)],
	}
}
