// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"fmt"
	"io"

	"github.com/gomlx/caet/pkg/core/tensors"
	"github.com/gomlx/caet/pkg/support/sets"
	"github.com/pkg/errors"
)

// Batch holds the features of a number of examples, one row per example.
type Batch struct {
	// Features maps each feature key to its rows. All features have the same number of rows.
	Features map[string][][]int32

	// Padding is the number of trailing rows added by TrimAndPad.
	Padding int
}

// Size returns the number of rows in the batch.
func (b *Batch) Size() int {
	for _, rows := range b.Features {
		return len(rows)
	}
	return 0
}

// Tensor returns the feature key as an int32 tensor shaped [batch, length].
func (b *Batch) Tensor(key string) (*tensors.Tensor, error) {
	rows, found := b.Features[key]
	if !found {
		return nil, errors.Errorf("batch has no feature %q", key)
	}
	if len(rows) == 0 {
		return nil, errors.Errorf("feature %q has no rows", key)
	}
	length := len(rows[0])
	flat := make([]int32, 0, len(rows)*length)
	for i, row := range rows {
		if len(row) != length {
			return nil, errors.Errorf("feature %q row %d has length %d, row 0 has length %d -- pad examples with PadToLengths before batching",
				key, i, len(row), length)
		}
		flat = append(flat, row...)
	}
	return tensors.FromFlatDataAndDimensions(flat, len(rows), length), nil
}

// Tensors converts every feature with Tensor.
func (b *Batch) Tensors() (map[string]*tensors.Tensor, error) {
	ts := make(map[string]*tensors.Tensor, len(b.Features))
	for _, key := range sets.Sorted(b.keys()) {
		t, err := b.Tensor(key)
		if err != nil {
			return nil, err
		}
		ts[key] = t
	}
	return ts, nil
}

func (b *Batch) keys() sets.Set[string] {
	keys := sets.Make[string](len(b.Features))
	for key := range b.Features {
		keys.Insert(key)
	}
	return keys
}

// batchedDataset groups examples of the source dataset into batches.
type batchedDataset struct {
	ds            Dataset
	batchSize     int
	dropRemainder bool
}

// BatchExamples creates a dataset that batches ds into batches of size batchSize.
//
// At the end of the epoch, if there are not enough examples to fill a batch, the last batch is
// dropped if dropRemainder is set. Otherwise, it yields a partial batch (see TrimAndPad).
func BatchExamples(ds Dataset, batchSize int, dropRemainder bool) (BatchDataset, error) {
	if batchSize < 1 {
		return nil, errors.Errorf("batch size must be >= 1, got %d", batchSize)
	}
	return &batchedDataset{ds: ds, batchSize: batchSize, dropRemainder: dropRemainder}, nil
}

// Name implements BatchDataset.
func (ds *batchedDataset) Name() string {
	return fmt.Sprintf("%s [Batch %d]", ds.ds.Name(), ds.batchSize)
}

// Reset implements BatchDataset.
func (ds *batchedDataset) Reset() { ds.ds.Reset() }

// Yield implements BatchDataset.
func (ds *batchedDataset) Yield() (*Batch, error) {
	batch := &Batch{}
	var keys sets.Set[string]
	count := 0
	for count < ds.batchSize {
		e, err := ds.ds.Yield()
		if err == io.EOF {
			if count == 0 || ds.dropRemainder {
				return nil, io.EOF
			}
			break
		}
		if err != nil {
			return nil, err
		}
		if batch.Features == nil {
			batch.Features = make(map[string][][]int32, len(e.Features))
			keys = sets.Make[string](len(e.Features))
			for key := range e.Features {
				keys.Insert(key)
			}
		}
		if len(e.Features) != len(keys) {
			return nil, errors.Errorf("dataset %q: example %d of batch has features %v, expected %v",
				ds.ds.Name(), count, sets.Sorted(exampleKeys(e)), sets.Sorted(keys))
		}
		for key, values := range e.Features {
			if !keys.Has(key) {
				return nil, errors.Errorf("dataset %q: example %d of batch has unexpected feature %q",
					ds.ds.Name(), count, key)
			}
			batch.Features[key] = append(batch.Features[key], values)
		}
		count++
	}
	return batch, nil
}

func exampleKeys(e Example) sets.Set[string] {
	keys := sets.Make[string](len(e.Features))
	for key := range e.Features {
		keys.Insert(key)
	}
	return keys
}

type trimAndPad struct {
	ds        BatchDataset
	batchSize int
}

// TrimAndPad makes every batch of ds have exactly batchSize rows: larger batches are trimmed and
// partial batches are padded with rows of zeros. The number of padding rows is recorded in
// Batch.Padding.
func TrimAndPad(ds BatchDataset, batchSize int) BatchDataset {
	return &trimAndPad{ds: ds, batchSize: batchSize}
}

// Name implements BatchDataset.
func (ds *trimAndPad) Name() string { return fmt.Sprintf("%s [TrimAndPad %d]", ds.ds.Name(), ds.batchSize) }

// Reset implements BatchDataset.
func (ds *trimAndPad) Reset() { ds.ds.Reset() }

// Yield implements BatchDataset.
func (ds *trimAndPad) Yield() (*Batch, error) {
	batch, err := ds.ds.Yield()
	if err != nil {
		return nil, err
	}
	out := &Batch{Features: make(map[string][][]int32, len(batch.Features)), Padding: batch.Padding}
	size := batch.Size()
	for key, rows := range batch.Features {
		rows = rows[:min(len(rows), ds.batchSize)]
		padded := make([][]int32, ds.batchSize)
		copy(padded, rows)
		length := 0
		if len(rows) > 0 {
			length = len(rows[0])
		}
		for i := len(rows); i < ds.batchSize; i++ {
			padded[i] = make([]int32, length)
		}
		out.Features[key] = padded
	}
	if size < ds.batchSize {
		out.Padding += ds.batchSize - size
	}
	return out, nil
}
