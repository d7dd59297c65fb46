// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package run

import (
	"context"
	"sync"

	"github.com/gomlx/caet/pkg/attrtransfer/estimator"
	"github.com/gomlx/caet/pkg/ml/datasets"
	"github.com/gomlx/caet/pkg/ml/features"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TrainOptions configure Train.
type TrainOptions struct {
	// DatasetFn returns the padded training examples. Required.
	DatasetFn datasets.DatasetFn
	Lengths   features.SequenceLengths

	// BatchSize per model: the batches have BatchSize * max(Ensemble, 1) examples.
	BatchSize int
	Ensemble  int

	// Steps is the absolute number of global steps to train to: training resumed from a
	// checkpoint at step N only runs Steps-N steps.
	Steps int64

	// Split defaults to "train".
	Split string

	// ReadAhead is the number of batches prefetched, DefaultReadAhead if 0.
	ReadAhead int
}

// TrainDataset returns the training batches: the examples of split batched in batches of
// batchSize * max(ensemble, 1), dropping the last incomplete batch, repeated indefinitely.
//
// Batches are formed before repeating, so no batch mixes the end of one epoch with the start of
// the next one.
func TrainDataset(datasetFn datasets.DatasetFn, lengths features.SequenceLengths, split string,
	batchSize, ensemble int) (datasets.BatchDataset, error) {
	if datasetFn == nil {
		return nil, errors.New("training requires a dataset function")
	}
	ds, err := datasetFn(split, lengths)
	if err != nil {
		return nil, err
	}
	batched, err := datasets.BatchExamples(ds, batchSize*max(ensemble, 1), true)
	if err != nil {
		return nil, err
	}
	return datasets.Repeat(batched, -1), nil
}

// Train trains t on the dataset of opts.DatasetFn until the global step opts.Steps.
func Train(ctx context.Context, t Trainer, opts TrainOptions) (int64, error) {
	split := opts.Split
	if split == "" {
		split = "train"
	}
	bufferSize := opts.ReadAhead
	if bufferSize <= 0 {
		bufferSize = DefaultReadAhead
	}

	var (
		mu      sync.Mutex
		created []*datasets.ReadAheadDataset[*datasets.Batch]
	)
	defer func() {
		mu.Lock()
		defer mu.Unlock()
		for _, ds := range created {
			ds.Done()
		}
	}()
	inputFn := func(estimator.Params) (datasets.BatchDataset, error) {
		ds, err := TrainDataset(opts.DatasetFn, opts.Lengths, split, opts.BatchSize, opts.Ensemble)
		if err != nil {
			return nil, err
		}
		prefetched := datasets.ReadAhead(ds, bufferSize)
		mu.Lock()
		created = append(created, prefetched)
		mu.Unlock()
		return prefetched, nil
	}
	klog.Infof("training on split %q to step %d, batch size %d (ensemble %d)", split, opts.Steps,
		opts.BatchSize, opts.Ensemble)
	return t.Train(ctx, inputFn, opts.Steps)
}
