// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package copymodel

import (
	"math"

	"github.com/gomlx/caet/pkg/core/graph"
	"github.com/gomlx/caet/pkg/core/tensors"
	"github.com/gomlx/caet/pkg/ml/decode/sample"
	"github.com/gomlx/caet/pkg/ml/model"
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// Decode implements model.Decoder.
func (m *Model) Decode(inputs *graph.Tensor, vdt graph.VariableDType, params model.DecodeParams) *graph.Tensor {
	return m.DecodeConditioned(model.DecodeArgs{Inputs: inputs, VariableDType: vdt, Params: params})
}

// DecodeConditioned implements model.ConditionedDecoder.
//
// With HasPartialSequences the output of each example starts with the non-padding tokens of its
// control code, and the decoder continues from there. RemovePartialSequences strips that prefix.
func (m *Model) DecodeConditioned(args model.DecodeArgs) *graph.Tensor {
	if args.Inputs == nil {
		exceptions.Panicf("copymodel.DecodeConditioned requires inputs")
	}
	inputs := rowsOf(args.Inputs)
	var attributes []int
	if m.kind == model.KindConditionedBitransformer {
		attributes = attributesOf(args.Attributes, len(inputs))
	} else {
		attributes = make([]int, len(inputs))
	}
	prefixes := make([][]int, len(inputs))
	if args.HasPartialSequences && args.ControlCodes != nil {
		codes := rowsOf(args.ControlCodes)
		if len(codes) != len(inputs) {
			exceptions.Panicf("copymodel: control codes have %d examples, inputs have %d", len(codes), len(inputs))
		}
		for b, row := range codes {
			prefixes[b] = nonPadPrefix(row)
		}
	}
	length := args.Params.MaxLength
	if length <= 0 {
		length = args.Inputs.Shape()[len(args.Inputs.Shape())-1].Size
	}
	m.variables(args.Inputs.Mesh(), variableDType(args.VariableDType))
	decoded := m.decodeRows(args.Inputs.Mesh().Graph().Store(), inputs, attributes, prefixes, length, args.RemovePartialSequences, args.Params,
		func(b, l, start int) int {
			if src := l - start; src < len(inputs[b]) {
				return inputs[b][src]
			}
			return PadID
		})
	return m.toTensor(args.Inputs, decoded, length)
}

// SampleAutoregressive implements model.AutoregressiveSampler: each example continues its
// non-padding prefix of inputs, and the prefix is removed if removePartialSequences.
func (m *Model) SampleAutoregressive(inputs *graph.Tensor, vdt graph.VariableDType, removePartialSequences bool,
	params model.DecodeParams) *graph.Tensor {
	rows := rowsOf(inputs)
	prefixes := make([][]int, len(rows))
	for b, row := range rows {
		prefixes[b] = nonPadPrefix(row)
	}
	length := inputs.Shape()[len(inputs.Shape())-1].Size
	m.variables(inputs.Mesh(), variableDType(vdt))
	decoded := m.decodeRows(inputs.Mesh().Graph().Store(), rows, make([]int, len(rows)), prefixes, length, removePartialSequences, params,
		func(b, l, start int) int {
			if src := l - start; src < len(prefixes[b]) {
				return prefixes[b][src]
			}
			return PadID
		})
	return m.toTensor(inputs, decoded, length)
}

func nonPadPrefix(row []int) []int {
	for i, token := range row {
		if token == PadID {
			return row[:i]
		}
	}
	return row
}

// decodeRows decodes one sequence per example: copiedFn returns the input token aligned with
// position l of example b, where start is the length of its prefix.
//
// The logits of a position don't depend on the tokens decoded before it, so they are computed for
// all positions at once.
func (m *Model) decodeRows(store *graph.Store, inputs [][]int, attributes []int, prefixes [][]int, length int,
	removePrefix bool, params model.DecodeParams, copiedFn func(b, l, start int) int) [][]int {
	if params.BeamSize > 1 {
		klog.V(2).Infof("copymodel: positions are independent, beam size %d decodes as beam size 1", params.BeamSize)
	}
	starts := make([]int, len(inputs))
	for b := range inputs {
		starts[b] = min(len(prefixes[b]), length)
	}
	out := m.forward(store, m.newBatch(len(inputs), length, attributes, func(b, l int) int {
		return copiedFn(b, l, starts[b])
	}))
	allLogits := out.logits.Float64s()

	V := m.vocabSize
	sampler := sample.New(params.Temperature, params.Seed)
	logits := make([]float64, V)
	decoded := make([][]int, len(inputs))
	for b := range inputs {
		row := make([]int, length)
		start := starts[b]
		copy(row, prefixes[b][:start])
		for l := start; l < length; l++ {
			offset := (b*length + l) * V
			copy(logits, allLogits[offset:offset+V])
			logits[PadID] = math.Inf(-1)
			token := sampler.Next(logits)
			row[l] = token
			if token == EOSID {
				break
			}
		}
		if removePrefix && start > 0 {
			trimmed := make([]int, length)
			copy(trimmed, row[start:])
			row = trimmed
		}
		decoded[b] = row
	}
	return decoded
}

// toTensor converts the decoded rows to an int32 tensor shaped like like, with the last dimension resized to length.
func (m *Model) toTensor(like *graph.Tensor, decoded [][]int, length int) *graph.Tensor {
	shape := like.Shape()
	shape = shape.Resize(shape[len(shape)-1].Name, length)
	flat := make([]int32, 0, len(decoded)*length)
	for _, row := range decoded {
		for _, token := range row {
			flat = append(flat, int32(token))
		}
	}
	return graph.ImportFullyReplicated(like.Mesh(), tensors.FromFlatDataAndDimensions(flat, shape.Dimensions()...),
		shape, "samples")
}
