// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

// The text metrics below have the signature of datasets.MetricFn. Values are percentages.

// SequenceAccuracyText returns "sequence_accuracy": the percentage of predictions equal to their target.
func SequenceAccuracyText(targets, predictions, _ []string) (map[string]float64, error) {
	if err := checkLengths(targets, predictions); err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return map[string]float64{SequenceAccuracy: 0}, nil
	}
	var correct float64
	for i, target := range targets {
		if strings.TrimSpace(target) == strings.TrimSpace(predictions[i]) {
			correct++
		}
	}
	return map[string]float64{SequenceAccuracy: 100 * correct / float64(len(targets))}, nil
}

// BLEU returns "bleu": the corpus BLEU score of the predictions against the targets, with up to
// 4-grams of whitespace separated tokens and the brevity penalty.
func BLEU(targets, predictions, _ []string) (map[string]float64, error) {
	if err := checkLengths(targets, predictions); err != nil {
		return nil, err
	}
	return map[string]float64{"bleu": CorpusBLEU(targets, predictions, 4)}, nil
}

// CorpusBLEU computes the BLEU score (0 to 100) with n-grams up to maxOrder.
func CorpusBLEU(references, hypotheses []string, maxOrder int) float64 {
	matches := make([]float64, maxOrder)
	totals := make([]float64, maxOrder)
	var refLength, hypLength float64
	for i, hypothesis := range hypotheses {
		ref, hyp := strings.Fields(references[i]), strings.Fields(hypothesis)
		refLength += float64(len(ref))
		hypLength += float64(len(hyp))
		for n := 1; n <= maxOrder; n++ {
			refCounts := ngramCounts(ref, n)
			for gram, count := range ngramCounts(hyp, n) {
				matches[n-1] += float64(min(count, refCounts[gram]))
			}
			totals[n-1] += float64(max(len(hyp)-n+1, 0))
		}
	}
	if hypLength == 0 {
		return 0
	}
	logPrecisions := make([]float64, maxOrder)
	for n := range maxOrder {
		if matches[n] == 0 || totals[n] == 0 {
			return 0
		}
		logPrecisions[n] = math.Log(matches[n] / totals[n])
	}
	brevity := 1.0
	if hypLength < refLength {
		brevity = math.Exp(1 - refLength/hypLength)
	}
	return 100 * brevity * math.Exp(floats.Sum(logPrecisions)/float64(maxOrder))
}

func ngramCounts(tokens []string, n int) map[string]int {
	counts := make(map[string]int)
	for i := 0; i+n <= len(tokens); i++ {
		counts[strings.Join(tokens[i:i+n], " ")]++
	}
	return counts
}

// Classifier predicts the zero-based attribute of a text.
type Classifier interface {
	Classify(text string) (int, error)
}

// AttributeTransfer returns a metric of the percentage of predictions whose attribute, as
// predicted by classifier, differs from the attribute of the example they were transferred from:
// "attribute_transfer_accuracy".
//
// It requires the origin labels: if they are not given, it returns no metrics.
func AttributeTransfer(classifier Classifier) func(targets, predictions, originLabels []string) (map[string]float64, error) {
	return func(targets, predictions, originLabels []string) (map[string]float64, error) {
		if originLabels == nil {
			klog.V(1).Info("attribute_transfer_accuracy skipped: no origin attributes")
			return map[string]float64{}, nil
		}
		if len(originLabels) != len(predictions) {
			return nil, errors.Errorf("attribute transfer metric got %d origin attributes for %d predictions",
				len(originLabels), len(predictions))
		}
		if len(predictions) == 0 {
			return map[string]float64{"attribute_transfer_accuracy": 0}, nil
		}
		var transferred float64
		for i, prediction := range predictions {
			origin, err := strconv.Atoi(originLabels[i])
			if err != nil {
				return nil, errors.Wrapf(err, "invalid origin attribute %q of example %d", originLabels[i], i)
			}
			predicted, err := classifier.Classify(prediction)
			if err != nil {
				return nil, errors.WithMessagef(err, "classifying prediction %d", i)
			}
			if predicted != origin {
				transferred++
			}
		}
		return map[string]float64{"attribute_transfer_accuracy": 100 * transferred / float64(len(predictions))}, nil
	}
}

// LexiconClassifier classifies texts by counting words associated with each attribute. Ties and
// texts with no known word are classified as Default.
type LexiconClassifier struct {
	Lexicon map[string]int
	Default int
}

// Classify implements Classifier.
func (c *LexiconClassifier) Classify(text string) (int, error) {
	votes := make(map[int]int)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		if attribute, found := c.Lexicon[strings.Trim(word, ".,;:!?\"'")]; found {
			votes[attribute]++
		}
	}
	best, bestVotes, tie := c.Default, 0, false
	for attribute, count := range votes {
		switch {
		case count > bestVotes:
			best, bestVotes, tie = attribute, count, false
		case count == bestVotes:
			tie = true
		}
	}
	if tie {
		return c.Default, nil
	}
	return best, nil
}

func checkLengths(targets, predictions []string) error {
	if len(targets) != len(predictions) {
		return errors.Errorf("got %d targets and %d predictions", len(targets), len(predictions))
	}
	return nil
}
