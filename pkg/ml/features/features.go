// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package features defines the feature keys of attribute transfer examples, their sequence lengths,
// and which of them the decode pipeline must keep.
package features

import (
	"strings"

	"github.com/gomlx/caet/pkg/support/sets"
	"github.com/pkg/errors"
)

// Base feature keys.
const (
	Inputs              = "inputs"
	Targets             = "targets"
	Attribute           = "attribute"
	ControlCode         = "controlcode"
	CodePrefixedTargets = "codeprefixedtargets"

	// Outputs is the key of decoded samples in predictions.
	Outputs = "outputs"
)

// Suffixes of auxiliary features generated by packing, e.g. "inputs_segmentation".
const (
	PositionSuffix        = "_position"
	SegmentationSuffix    = "_segmentation"
	SubsegmentationSuffix = "_subsegmentation"
	PlaintextSuffix       = "_plaintext"
)

var suffixes = []string{SubsegmentationSuffix, SegmentationSuffix, PositionSuffix, PlaintextSuffix}

// Position returns the key of the position feature of key.
func Position(key string) string { return key + PositionSuffix }

// Segmentation returns the key of the segmentation (sequence id) feature of key.
func Segmentation(key string) string { return key + SegmentationSuffix }

// Subsegmentation returns the key of the sub-segmentation feature of key.
func Subsegmentation(key string) string { return key + SubsegmentationSuffix }

// Plaintext returns the key of the plaintext version of key.
func Plaintext(key string) string { return key + PlaintextSuffix }

// BaseKey strips the auxiliary suffix of a key, if any: "targets_position" -> "targets".
func BaseKey(key string) string {
	for _, suffix := range suffixes {
		if base, found := strings.CutSuffix(key, suffix); found && base != "" {
			return base
		}
	}
	return key
}

// SequenceLengths maps base feature keys to their fixed (padded) length.
type SequenceLengths map[string]int

// LengthFor returns the length of the feature key, looked up by its BaseKey.
func (s SequenceLengths) LengthFor(key string) (int, error) {
	length, found := s[BaseKey(key)]
	if !found {
		return 0, errors.Errorf("no sequence length registered for feature %q (base key %q)", key, BaseKey(key))
	}
	return length, nil
}

// Validate checks that lengths are positive and that inputs and targets are present.
func (s SequenceLengths) Validate() error {
	for _, key := range []string{Inputs, Targets} {
		if _, found := s[key]; !found {
			return errors.Errorf("sequence lengths must include %q", key)
		}
	}
	for key, length := range s {
		if length <= 0 {
			return errors.Errorf("sequence length of %q must be positive, got %d", key, length)
		}
	}
	return nil
}

// Toggles are the feature switches that change which features are used.
type Toggles struct {
	// AttributeBit enables the per-example attribute feature.
	AttributeBit bool

	// ControlCodes enables control-code prefixed targets.
	ControlCodes bool
}

// packedKeys returns key and its auxiliary packing features.
func packedKeys(key string) []string {
	return []string{key, Position(key), Segmentation(key), Subsegmentation(key)}
}

// RequiredFeatureKeys returns the features the decode pipeline keeps for the given toggles.
func RequiredFeatureKeys(toggles Toggles) sets.Set[string] {
	keys := sets.MakeWith(Inputs, Position(Inputs), Segmentation(Inputs))
	keys.Insert(packedKeys(Targets)...)
	if toggles.AttributeBit {
		keys.Insert(Attribute)
	}
	if toggles.ControlCodes {
		keys.Insert(packedKeys(ControlCode)...)
		keys.Insert(packedKeys(CodePrefixedTargets)...)
	}
	return keys
}
