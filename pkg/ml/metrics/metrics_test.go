// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math"
	"testing"

	"github.com/gomlx/caet/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeans(t *testing.T) {
	var m Mean
	assert.Equal(t, 0.0, m.Value())
	m.Add(1, 2)
	m.Add(4, 1)
	assert.InDelta(t, 2.0, m.Value(), 1e-9)

	means := Means{"a": {Sum: 1, Weight: 1}}
	means.Merge(Means{"a": {Sum: 3, Weight: 1}, "b": {Sum: 1, Weight: 4}})
	assert.Equal(t, []string{"a", "b"}, means.Names())
	assert.Equal(t, map[string]float64{"a": 2, "b": 0.25}, means.Values())
}

func TestTeacherForced(t *testing.T) {
	// 2 sequences of length 3, vocabulary of 3: the first sequence is all correct, the second has
	// one of its two tokens wrong. The last token of each is padding.
	logits := tensors.FromFlatDataAndDimensions([]float32{
		0, 5, 0, 0, 0, 5, 9, 0, 0,
		0, 5, 0, 0, 5, 0, 0, 0, 9,
	}, 2, 3, 3)
	labels := tensors.FromFlatDataAndDimensions([]int32{1, 2, 0, 1, 2, 0}, 2, 3)
	means, err := TeacherForced(logits, labels)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, means[TokenAccuracy].Value(), 1e-9)
	assert.Equal(t, 4.0, means[TokenAccuracy].Weight)
	assert.InDelta(t, 0.5, means[SequenceAccuracy].Value(), 1e-9)
	assert.Equal(t, 2.0, means[SequenceAccuracy].Weight)

	logProbHit := 5 - math.Log(math.Exp(5)+2)
	logProbMiss := -math.Log(math.Exp(5) + 2)
	assert.InDelta(t, (3*logProbHit+logProbMiss)/4, means[NegLogPerplexity].Value(), 1e-5)

	_, err = TeacherForced(logits, tensors.FromFlatDataAndDimensions([]int32{1, 2}, 2))
	require.Error(t, err)
	_, err = TeacherForced(logits, tensors.FromFlatDataAndDimensions([]int32{7, 0, 0, 0, 0, 0}, 2, 3))
	require.Error(t, err)

	// All padding: no weight.
	means, err = TeacherForced(logits, tensors.Zeros(labels.DType(), 2, 3))
	require.NoError(t, err)
	assert.Equal(t, 0.0, means[SequenceAccuracy].Weight)
}

func TestSequenceAccuracyText(t *testing.T) {
	got, err := SequenceAccuracyText([]string{"a b", "c", "d"}, []string{"a b ", "x", "d"}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 200.0/3, got[SequenceAccuracy], 1e-9)
	_, err = SequenceAccuracyText([]string{"a"}, nil, nil)
	require.Error(t, err)
}

func TestBLEU(t *testing.T) {
	for _, tc := range []struct {
		name              string
		targets, predicts []string
		want              float64
	}{
		{"identical", []string{"the cat sat on the mat"}, []string{"the cat sat on the mat"}, 100},
		{"no overlap", []string{"the cat sat on the mat"}, []string{"a dog ran off"}, 0},
		{"empty", []string{"the cat"}, []string{""}, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := BLEU(tc.targets, tc.predicts, nil)
			require.NoError(t, err)
			assert.InDelta(t, tc.want, got["bleu"], 1e-9)
		})
	}

	// Shorter hypothesis with all n-grams matching: only the brevity penalty applies.
	score := CorpusBLEU([]string{"a b c d e f"}, []string{"a b c d e"}, 4)
	assert.InDelta(t, 100*math.Exp(1-6.0/5), score, 1e-9)
}

func TestAttributeTransfer(t *testing.T) {
	classifier := &LexiconClassifier{Lexicon: map[string]int{"good": 1, "great": 1, "bad": 0}, Default: 0}
	metric := AttributeTransfer(classifier)

	got, err := metric(nil, []string{"Good food!", "bad service", "great, but bad"}, []string{"0", "0", "1"})
	require.NoError(t, err)
	// "Good food!" -> 1 (transferred), "bad service" -> 0 (not), the tie -> 0 (transferred).
	assert.InDelta(t, 200.0/3, got["attribute_transfer_accuracy"], 1e-9)

	got, err = metric(nil, []string{"good"}, nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = metric(nil, []string{"good"}, []string{"x"})
	require.Error(t, err)
	_, err = metric(nil, []string{"good"}, []string{"0", "1"})
	require.Error(t, err)
}

func TestStreamingMedian(t *testing.T) {
	m := NewStreamingMedian(100)
	assert.Equal(t, 0.0, m.Median())
	for _, x := range []float64{5, 1, 3} {
		m.Add(x)
	}
	assert.Equal(t, 3.0, m.Median())
	assert.Equal(t, 3, m.Count())

	small := NewStreamingMedian(3)
	for i := range 1000 {
		small.Add(float64(i))
	}
	assert.Equal(t, 1000, small.Count())
	assert.GreaterOrEqual(t, small.Median(), 0.0)
	small.Reset()
	assert.Equal(t, 0, small.Count())
}
