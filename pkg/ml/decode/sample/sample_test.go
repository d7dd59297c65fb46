// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sample

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGreedy(t *testing.T) {
	assert.Equal(t, 2, Greedy([]float64{0.1, -1, 3, 2.9}))
	assert.Equal(t, 2, New(0, 1).Next([]float64{0.1, -1, 3, 2.9}))
}

func TestSoftmax(t *testing.T) {
	probs := Softmax([]float64{0, math.Log(3)})
	require.Len(t, probs, 2)
	assert.InDelta(t, 0.25, probs[0], 1e-9)
	assert.InDelta(t, 0.75, probs[1], 1e-9)
}

func TestTemperature(t *testing.T) {
	src := rand.NewPCG(42, 7)
	// A very peaked distribution is sampled almost always at its mode.
	logits := []float64{0, 0, 50, 0}
	for range 100 {
		require.Equal(t, 2, Temperature(src, logits, 1.0))
	}
	assert.Equal(t, 2, Temperature(src, logits, 0))

	// With flat logits every token is eventually sampled.
	counts := make([]int, 4)
	for range 1000 {
		counts[Temperature(src, []float64{1, 1, 1, 1}, 1.0)]++
	}
	for token, count := range counts {
		assert.Greater(t, count, 100, "token %d sampled %d times", token, count)
	}
}

func TestTopK(t *testing.T) {
	s := New(1.0, 3).WithTopK(2)
	assert.Equal(t, StrategyTopK, s.Strategy)
	for range 200 {
		token := s.Next([]float64{5, 0.1, 5, 0.2})
		require.Contains(t, []int{0, 2}, token)
	}
}
