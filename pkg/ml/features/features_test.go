// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package features

import (
	"testing"

	"github.com/gomlx/caet/pkg/support/sets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLengthFor(t *testing.T) {
	lengths := SequenceLengths{Inputs: 16, Targets: 32, ControlCode: 4, CodePrefixedTargets: 36}
	for _, tc := range []struct {
		key  string
		want int
	}{
		{"inputs", 16},
		{"inputs_position", 16},
		{"inputs_segmentation", 16},
		{"targets_subsegmentation", 32},
		{"controlcode_position", 4},
		{"codeprefixedtargets_segmentation", 36},
		{"targets_plaintext", 32},
	} {
		t.Run(tc.key, func(t *testing.T) {
			got, err := lengths.LengthFor(tc.key)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
	_, err := lengths.LengthFor("attribute")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	require.NoError(t, SequenceLengths{Inputs: 1, Targets: 1}.Validate())
	require.Error(t, SequenceLengths{Inputs: 1}.Validate())
	require.Error(t, SequenceLengths{Inputs: 1, Targets: 0}.Validate())
}

func TestRequiredFeatureKeys(t *testing.T) {
	base := RequiredFeatureKeys(Toggles{})
	assert.Equal(t, []string{
		"inputs", "inputs_position", "inputs_segmentation",
		"targets", "targets_position", "targets_segmentation", "targets_subsegmentation",
	}, sets.Sorted(base))

	withAttribute := RequiredFeatureKeys(Toggles{AttributeBit: true})
	assert.True(t, withAttribute.Has(Attribute))
	assert.False(t, withAttribute.Has(ControlCode))
	assert.False(t, base.Has(Attribute), "toggles must not leak across calls")

	all := RequiredFeatureKeys(Toggles{AttributeBit: true, ControlCodes: true})
	for _, key := range []string{"controlcode", "controlcode_position", "controlcode_segmentation",
		"controlcode_subsegmentation", "codeprefixedtargets", "codeprefixedtargets_position",
		"codeprefixedtargets_segmentation", "codeprefixedtargets_subsegmentation"} {
		assert.True(t, all.Has(key), key)
	}
	assert.Len(t, all, 7+1+8)
}
