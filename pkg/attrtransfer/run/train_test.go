// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package run

import (
	"context"
	"testing"

	"github.com/gomlx/caet/pkg/attrtransfer/estimator"
	"github.com/gomlx/caet/pkg/ml/datasets"
	"github.com/gomlx/caet/pkg/ml/features"
	"github.com/gomlx/caet/pkg/ml/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// numberedDatasetFn returns n examples with "inputs" = {i}.
func numberedDatasetFn(n int) datasets.DatasetFn {
	return func(split string, _ features.SequenceLengths) (datasets.Dataset, error) {
		examples := make([]datasets.Example, n)
		for i := range examples {
			examples[i] = datasets.NewExample(map[string][]int32{features.Inputs: {int32(i)}})
		}
		return datasets.InMemory(split, examples), nil
	}
}

func batchIDs(t *testing.T, ds datasets.BatchDataset, numBatches int) [][]int32 {
	var batches [][]int32
	for range numBatches {
		batch, err := ds.Yield()
		require.NoError(t, err)
		var ids []int32
		for _, row := range batch.Features[features.Inputs] {
			ids = append(ids, row...)
		}
		batches = append(batches, ids)
	}
	return batches
}

func TestTrainDataset(t *testing.T) {
	t.Run("no ensemble", func(t *testing.T) {
		ds, err := TrainDataset(numberedDatasetFn(5), nil, "train", 2, 0)
		require.NoError(t, err)
		// Example 4 is dropped at every epoch: no batch spans two epochs.
		assert.Equal(t, [][]int32{{0, 1}, {2, 3}, {0, 1}, {2, 3}, {0, 1}}, batchIDs(t, ds, 5))
	})

	t.Run("ensemble", func(t *testing.T) {
		ds, err := TrainDataset(numberedDatasetFn(5), nil, "train", 2, 2)
		require.NoError(t, err)
		assert.Equal(t, [][]int32{{0, 1, 2, 3}, {0, 1, 2, 3}}, batchIDs(t, ds, 2))
	})

	t.Run("no dataset function", func(t *testing.T) {
		_, err := TrainDataset(nil, nil, "train", 2, 0)
		require.Error(t, err)
	})
}

// countingTrainer reads a few batches of each input function, then reports maxSteps reached.
type countingTrainer struct {
	numBatches int
	batchSizes []int
}

func (tr *countingTrainer) Train(_ context.Context, inputFn estimator.InputFn, maxSteps int64) (int64, error) {
	ds, err := inputFn(estimator.Params{Mode: model.ModeTrain})
	if err != nil {
		return 0, err
	}
	for range tr.numBatches {
		batch, err := ds.Yield()
		if err != nil {
			return 0, errors.WithMessage(err, "reading training batch")
		}
		tr.batchSizes = append(tr.batchSizes, batch.Size())
	}
	return maxSteps, nil
}

func TestTrain(t *testing.T) {
	tr := &countingTrainer{numBatches: 6}
	step, err := Train(context.Background(), tr, TrainOptions{
		DatasetFn: numberedDatasetFn(7),
		BatchSize: 3,
		Ensemble:  1,
		Steps:     100,
		ReadAhead: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), step)
	assert.Equal(t, []int{3, 3, 3, 3, 3, 3}, tr.batchSizes)

	_, err = Train(context.Background(), &countingTrainer{numBatches: 1}, TrainOptions{
		DatasetFn: numberedDatasetFn(1),
		BatchSize: 2,
		Steps:     1,
	})
	// The only epoch has no full batch, so the repeated dataset is empty.
	require.Error(t, err)
}
