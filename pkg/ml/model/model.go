// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model defines the contract between the model function factory and the models it drives.
//
// Models are identified by a closed enumeration of kinds (Kind), and expose their capabilities
// through small interfaces:
//
//   - SimpleCaller: teacher-forced logits and loss (all kinds).
//   - AutoregressiveSampler: decoder-only sampling (KindUnitransformer).
//   - Decoder: encoder-decoder decoding (KindBitransformer and KindStudentTeacher).
//   - ConditionedDecoder: attribute and control-code aware decoding, with partial sequences
//     (KindConditionedBitransformer).
//
// Decoding hyperparameters are passed explicitly with DecodeParams: training-time decodes (e.g.
// for the cycle-consistency loss) use TrainingDecodeParams, inference uses InferenceDecodeParams.
package model

import (
	"strings"

	"github.com/gomlx/caet/pkg/core/graph"
	"github.com/pkg/errors"
)

// Kind of model.
type Kind int

const (
	KindUnitransformer Kind = iota
	KindBitransformer
	KindConditionedBitransformer
	KindStudentTeacher
)

var kindNames = []string{"unitransformer", "bitransformer", "conditioned_bitransformer", "student_teacher"}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "Kind(invalid)"
	}
	return kindNames[k]
}

// IsEncoderDecoder returns whether the kind has an encoder and a decoder.
func (k Kind) IsEncoderDecoder() bool {
	return k == KindBitransformer || k == KindConditionedBitransformer || k == KindStudentTeacher
}

// ParseKind parses the name of a kind, as returned by Kind.String.
func ParseKind(name string) (Kind, error) {
	for i, kindName := range kindNames {
		if strings.EqualFold(name, kindName) {
			return Kind(i), nil
		}
	}
	return 0, errors.Errorf("unrecognized model kind %q, valid kinds are %q", name, kindNames)
}

// Mode the model function is invoked in.
type Mode int

const (
	ModeTrain Mode = iota
	ModeEval
	ModePredict
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeTrain:
		return "train"
	case ModeEval:
		return "eval"
	case ModePredict:
		return "infer"
	}
	return "Mode(invalid)"
}

// Model is implemented by every model. Its capabilities are given by the other interfaces of the package.
type Model interface {
	Kind() Kind
}

// PositionArgs are the packing (sequence id) and position features passed to the model.
// Nil entries are not set.
type PositionArgs struct {
	// SequenceID and Position are used by decoder-only models.
	SequenceID, Position *graph.Tensor

	// Encoder-decoder models.
	EncoderSequenceID, DecoderSequenceID, DecoderSubsequenceID *graph.Tensor
	EncoderPosition, DecoderPosition                           *graph.Tensor
}

// CallArgs are the arguments of a teacher-forced call.
type CallArgs struct {
	Inputs, Targets *graph.Tensor

	// Attributes and CodePrefixedTargets are only used by conditioned models, and can be nil.
	Attributes, CodePrefixedTargets *graph.Tensor

	Mode            Mode
	VariableDType   graph.VariableDType
	NumMicrobatches int
	Positions       PositionArgs
}

// DecodeParams are the hyperparameters of a decode.
type DecodeParams struct {
	// Temperature of sampling: 0 is greedy.
	Temperature float64

	// BeamSize for beam search, 1 disables it.
	BeamSize int

	// MaxLength of the decoded sequences. If 0 the model chooses.
	MaxLength int

	// Seed of the random number generator used for sampling.
	Seed uint64
}

// TrainingDecodeParams are the parameters of decodes done while training.
func TrainingDecodeParams() DecodeParams {
	return DecodeParams{Temperature: 1.0, BeamSize: 1}
}

// InferenceDecodeParams are the parameters of decodes done for inference and evaluation.
func InferenceDecodeParams() DecodeParams {
	return DecodeParams{Temperature: 0.0, BeamSize: 1}
}

// DecodeArgs are the arguments of a conditioned decode.
type DecodeArgs struct {
	Inputs *graph.Tensor

	// Attributes and ControlCodes are optional.
	Attributes, ControlCodes *graph.Tensor

	// HasPartialSequences indicates the decoder continues from the ControlCodes prefix, and
	// RemovePartialSequences removes the prefix from the output.
	HasPartialSequences, RemovePartialSequences bool

	VariableDType graph.VariableDType
	Params        DecodeParams
}

// SimpleCaller computes teacher-forced logits and loss. The loss is a scalar carrying its gradients.
type SimpleCaller interface {
	CallSimple(args CallArgs) (logits, loss *graph.Tensor)
}

// AutoregressiveSampler samples continuations of the non-padding prefix of inputs.
type AutoregressiveSampler interface {
	SampleAutoregressive(inputs *graph.Tensor, vdt graph.VariableDType, removePartialSequences bool,
		params DecodeParams) *graph.Tensor
}

// Decoder decodes targets from inputs.
type Decoder interface {
	Decode(inputs *graph.Tensor, vdt graph.VariableDType, params DecodeParams) *graph.Tensor
}

// ConditionedDecoder decodes targets from inputs, conditioned on attributes and control codes.
type ConditionedDecoder interface {
	DecodeConditioned(args DecodeArgs) *graph.Tensor
}

// CheckCapabilities returns an error if m doesn't implement the capabilities its kind requires.
func CheckCapabilities(m Model) error {
	if _, ok := m.(SimpleCaller); !ok {
		return errors.Errorf("model %T of kind %s doesn't implement CallSimple", m, m.Kind())
	}
	var ok bool
	switch m.Kind() {
	case KindUnitransformer:
		_, ok = m.(AutoregressiveSampler)
	case KindBitransformer, KindStudentTeacher:
		_, ok = m.(Decoder)
	case KindConditionedBitransformer:
		_, ok = m.(ConditionedDecoder)
	default:
		return errors.Errorf("unrecognized model kind %d of model %T", m.Kind(), m)
	}
	if !ok {
		return errors.Errorf("model %T doesn't implement the decoding required by kind %s", m, m.Kind())
	}
	return nil
}
