// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/stat"
)

// StreamingMedian keeps an approximate median of a stream of values, using reservoir sampling.
type StreamingMedian struct {
	maxNumSamples, samplesSeen int
	samples                    []float64
	rng                        *rand.Rand
}

// NewStreamingMedian creates a StreamingMedian that keeps at most maxNumSamples samples.
func NewStreamingMedian(maxNumSamples int) *StreamingMedian {
	return &StreamingMedian{
		maxNumSamples: max(maxNumSamples, 1),
		rng:           rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// Add a value.
func (m *StreamingMedian) Add(x float64) {
	m.samplesSeen++
	if len(m.samples) < m.maxNumSamples {
		m.samples = append(m.samples, x)
		return
	}
	if m.rng.Float64() >= float64(m.maxNumSamples)/float64(m.samplesSeen) {
		return
	}
	m.samples[m.rng.IntN(m.maxNumSamples)] = x
}

// Count of values added.
func (m *StreamingMedian) Count() int { return m.samplesSeen }

// Median of the samples kept, 0 if no value was added.
func (m *StreamingMedian) Median() float64 {
	if len(m.samples) == 0 {
		return 0
	}
	sorted := slices.Clone(m.samples)
	slices.Sort(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}

// Reset discards all samples.
func (m *StreamingMedian) Reset() {
	m.samples = nil
	m.samplesSeen = 0
}
