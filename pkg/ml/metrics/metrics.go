// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics holds the metrics of attribute transfer models: teacher-forced metrics computed
// from logits and labels, aggregated as weighted means over an evaluation, and text metrics comparing
// decoded predictions to their targets.
package metrics

import (
	"sort"

	"github.com/gomlx/caet/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Names of the teacher-forced metrics.
const (
	NegLogPerplexity = "neg_log_perplexity"
	TokenAccuracy    = "token_accuracy"
	SequenceAccuracy = "sequence_accuracy"
)

// Mean aggregates a weighted mean.
type Mean struct {
	Sum, Weight float64
}

// Add value with the given weight.
func (m *Mean) Add(value, weight float64) {
	m.Sum += value * weight
	m.Weight += weight
}

// Merge adds the values aggregated by other.
func (m *Mean) Merge(other Mean) {
	m.Sum += other.Sum
	m.Weight += other.Weight
}

// Value of the mean, 0 if nothing (or only zero weights) was added.
func (m Mean) Value() float64 {
	if m.Weight == 0 {
		return 0
	}
	return m.Sum / m.Weight
}

// Means are named weighted means.
type Means map[string]Mean

// Merge other into m.
func (m Means) Merge(other Means) {
	for name, mean := range other {
		current := m[name]
		current.Merge(mean)
		m[name] = current
	}
}

// Values returns the value of each mean.
func (m Means) Values() map[string]float64 {
	values := make(map[string]float64, len(m))
	for name, mean := range m {
		values[name] = mean.Value()
	}
	return values
}

// Names returns the sorted names of the means.
func (m Means) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TeacherForced computes the teacher-forced metrics of a batch: the logits have shape
// [..., length, vocab] and the labels [..., length]. Labels equal to 0 are padding and are ignored.
//
//   - NegLogPerplexity: mean of the log-probability of the labels, over the non-padding tokens.
//   - TokenAccuracy: fraction of non-padding tokens whose argmax is the label.
//   - SequenceAccuracy: fraction of sequences (with at least one non-padding token) where every
//     non-padding token is correct.
func TeacherForced(logits, labels *tensors.Tensor) (Means, error) {
	logitsDims, labelsDims := logits.Dimensions(), labels.Dimensions()
	if len(logitsDims) < 2 || len(labelsDims) != len(logitsDims)-1 {
		return nil, errors.Errorf("TeacherForced: logits %s must have one more axis than labels %s",
			logits.ShapeString(), labels.ShapeString())
	}
	for i, dim := range labelsDims {
		if logitsDims[i] != dim {
			return nil, errors.Errorf("TeacherForced: logits %s and labels %s dimensions don't match",
				logits.ShapeString(), labels.ShapeString())
		}
	}
	vocab := logitsDims[len(logitsDims)-1]
	length := labelsDims[len(labelsDims)-1]
	logitsV, labelsV := logits.Float64s(), labels.Float64s()

	var logProbs, correct, weights []float64
	var sequenceCorrect, sequenceWeights []float64
	for start := 0; start < len(labelsV); start += length {
		allCorrect, nonPad := true, 0
		for l := range length {
			label := int(labelsV[start+l])
			if label == 0 {
				continue
			}
			if label < 0 || label >= vocab {
				return nil, errors.Errorf("TeacherForced: label %d out of vocabulary of size %d", label, vocab)
			}
			nonPad++
			row := logitsV[(start+l)*vocab : (start+l+1)*vocab]
			logProbs = append(logProbs, row[label]-floats.LogSumExp(row))
			isCorrect := floats.MaxIdx(row) == label
			allCorrect = allCorrect && isCorrect
			correct = append(correct, boolToFloat(isCorrect))
			weights = append(weights, 1)
		}
		if nonPad > 0 {
			sequenceCorrect = append(sequenceCorrect, boolToFloat(allCorrect))
			sequenceWeights = append(sequenceWeights, 1)
		}
	}

	means := make(Means, 3)
	means[NegLogPerplexity] = weightedMean(logProbs, weights)
	means[TokenAccuracy] = weightedMean(correct, weights)
	means[SequenceAccuracy] = weightedMean(sequenceCorrect, sequenceWeights)
	return means, nil
}

func weightedMean(values, weights []float64) Mean {
	if len(values) == 0 {
		return Mean{}
	}
	total := floats.Sum(weights)
	return Mean{Sum: stat.Mean(values, weights) * total, Weight: total}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
