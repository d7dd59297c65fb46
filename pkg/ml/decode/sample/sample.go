// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sample provides the sampling strategies used by decoders to pick the next token from its logits.
package sample

import (
	"math"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// Strategy represents the different types of sampling available.
type Strategy int

const (
	StrategyGreedy Strategy = iota
	StrategyTemperature
	StrategyTopK
)

// String implements fmt.Stringer.
func (s Strategy) String() string {
	switch s {
	case StrategyGreedy:
		return "greedy"
	case StrategyTemperature:
		return "temperature"
	case StrategyTopK:
		return "top_k"
	}
	return "Strategy(invalid)"
}

// Greedy selects the max-logit token.
func Greedy(logits []float64) int {
	return floats.MaxIdx(logits)
}

// LogSoftmax returns the log-probabilities of the logits.
func LogSoftmax(logits []float64) []float64 {
	out := slices.Clone(logits)
	floats.AddConst(-floats.LogSumExp(logits), out)
	return out
}

// Softmax returns the probabilities of the logits.
func Softmax(logits []float64) []float64 {
	out := LogSoftmax(logits)
	for i, v := range out {
		out[i] = math.Exp(v)
	}
	return out
}

// Temperature scales the logits by 1/temperature and samples from the resulting distribution.
// A temperature <= 0 is greedy.
func Temperature(src rand.Source, logits []float64, temperature float64) int {
	if temperature <= 0 {
		return Greedy(logits)
	}
	scaled := slices.Clone(logits)
	floats.Scale(1/temperature, scaled)
	return int(distuv.NewCategorical(Softmax(scaled), src).Rand())
}

// TopK samples with temperature among the k largest logits.
func TopK(src rand.Source, logits []float64, k int, temperature float64) int {
	if k <= 0 || k >= len(logits) {
		return Temperature(src, logits, temperature)
	}
	indices := make([]int, len(logits))
	sorted := slices.Clone(logits)
	floats.Argsort(sorted, indices)
	threshold := sorted[len(sorted)-k]
	masked := slices.Clone(logits)
	for i, v := range masked {
		if v < threshold {
			masked[i] = math.Inf(-1)
		}
	}
	return Temperature(src, masked, temperature)
}

// Sampler picks tokens with a fixed strategy and random source.
type Sampler struct {
	Strategy    Strategy
	Temperature float64
	K           int
	src         rand.Source
}

// New creates a Sampler: greedy if temperature is 0, otherwise sampling with temperature.
func New(temperature float64, seed uint64) *Sampler {
	s := &Sampler{Strategy: StrategyGreedy, Temperature: temperature, src: rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)}
	if temperature > 0 {
		s.Strategy = StrategyTemperature
	}
	return s
}

// WithTopK restricts sampling to the k largest logits.
func (s *Sampler) WithTopK(k int) *Sampler {
	s.K = k
	if k > 0 {
		s.Strategy = StrategyTopK
	}
	return s
}

// Next picks the next token.
func (s *Sampler) Next(logits []float64) int {
	switch s.Strategy {
	case StrategyTemperature:
		return Temperature(s.src, logits, s.Temperature)
	case StrategyTopK:
		return TopK(s.src, logits, s.K, s.Temperature)
	default:
		return Greedy(logits)
	}
}
