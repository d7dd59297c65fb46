// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"fmt"
	"io"
	"testing"

	"github.com/gomlx/caet/pkg/ml/features"
	"github.com/gomlx/caet/pkg/support/sets"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeExamples creates n examples with "inputs" = [id, id+1] and "targets" = [id].
func makeExamples(start, n int) []Example {
	examples := make([]Example, n)
	for i := range examples {
		id := int32(start + i)
		examples[i] = NewExample(map[string][]int32{
			features.Inputs:  {id, id + 1},
			features.Targets: {id},
		})
	}
	return examples
}

func firstTokens(t *testing.T, ds Dataset) []int32 {
	examples := must.M1(Collect(ds))
	ids := make([]int32, len(examples))
	for i, e := range examples {
		ids[i] = e.Features[features.Targets][0]
	}
	return ids
}

func TestInMemoryTakeConcatenate(t *testing.T) {
	a := InMemory("a", makeExamples(1, 3))
	b := InMemory("b", makeExamples(10, 2))
	ds := Concatenate[Example]("ab", a, b)
	assert.Equal(t, []int32{1, 2, 3, 10, 11}, firstTokens(t, ds))
	_, err := ds.Yield()
	require.ErrorIs(t, err, io.EOF)

	ds.Reset()
	assert.Equal(t, []int32{1, 2, 3}, firstTokens(t, Take(ds, 3)))
	assert.Equal(t, "ab [Take 3]", Take(ds, 3).Name())
}

func TestTransforms(t *testing.T) {
	t.Run("SelectKeys", func(t *testing.T) {
		examples := makeExamples(1, 1)
		examples[0].Plaintext = map[string]string{features.Plaintext(features.Targets): "x", "other": "y"}
		got := must.M1(Collect(SelectKeys(InMemory("a", examples), sets.MakeWith(features.Targets))))
		require.Len(t, got, 1)
		assert.Equal(t, map[string][]int32{features.Targets: {1}}, got[0].Features)
		assert.Equal(t, map[string]string{features.Plaintext(features.Targets): "x"}, got[0].Plaintext)
	})

	t.Run("PadToLengths", func(t *testing.T) {
		lengths := features.SequenceLengths{features.Inputs: 1, features.Targets: 3}
		got := must.M1(Collect(PadToLengths(InMemory("a", makeExamples(4, 1)), lengths)))
		assert.Equal(t, []int32{4}, got[0].Features[features.Inputs])
		assert.Equal(t, []int32{4, 0, 0}, got[0].Features[features.Targets])

		_, err := Collect(PadToLengths(InMemory("a", makeExamples(4, 1)), features.SequenceLengths{features.Inputs: 1}))
		require.Error(t, err)
	})

	t.Run("RepeatEach", func(t *testing.T) {
		ds := must.M1(RepeatEach[Example](InMemory("a", makeExamples(1, 2)), 3))
		assert.Equal(t, []int32{1, 1, 1, 2, 2, 2}, firstTokens(t, ds))
		_, err := RepeatEach[Example](InMemory("a", nil), 0)
		require.Error(t, err)
	})

	t.Run("Map", func(t *testing.T) {
		ds := Map(Dataset(InMemory("a", makeExamples(1, 2))), "double", func(e Example) (int, error) {
			return 2 * int(e.Features[features.Targets][0]), nil
		})
		assert.Equal(t, []int{2, 4}, must.M1(Collect(ds)))
		assert.Equal(t, "a [double]", ds.Name())
	})
}

func TestBatch(t *testing.T) {
	for _, tc := range []struct {
		numExamples, batchSize int
		dropRemainder          bool
		wantSizes              []int
	}{
		{5, 2, false, []int{2, 2, 1}},
		{5, 2, true, []int{2, 2}},
		{4, 2, true, []int{2, 2}},
		{1, 3, true, nil},
	} {
		t.Run(fmt.Sprintf("%d/%d/drop=%v", tc.numExamples, tc.batchSize, tc.dropRemainder), func(t *testing.T) {
			ds := must.M1(BatchExamples(InMemory("a", makeExamples(0, tc.numExamples)), tc.batchSize, tc.dropRemainder))
			batches := must.M1(Collect(ds))
			var sizes []int
			for _, b := range batches {
				sizes = append(sizes, b.Size())
			}
			assert.Equal(t, tc.wantSizes, sizes)
		})
	}

	ds := must.M1(BatchExamples(InMemory("a", makeExamples(0, 3)), 2, false))
	padded := TrimAndPad(ds, 2)
	batches := must.M1(Collect(padded))
	require.Len(t, batches, 2)
	assert.Equal(t, 0, batches[0].Padding)
	assert.Equal(t, 1, batches[1].Padding)
	assert.Equal(t, [][]int32{{2, 3}, {0, 0}}, batches[1].Features[features.Inputs])
	tensor := must.M1(batches[1].Tensor(features.Inputs))
	assert.Equal(t, []int{2, 2}, tensor.Dimensions())

	mixed := InMemory("mixed", []Example{
		NewExample(map[string][]int32{"a": {1}}),
		NewExample(map[string][]int32{"b": {1}}),
	})
	_, err := Collect(must.M1(BatchExamples(mixed, 2, false)))
	require.Error(t, err)

	ragged := &Batch{Features: map[string][][]int32{"a": {{1, 2}, {3}}}}
	_, err = ragged.Tensors()
	require.Error(t, err)

	_, err = BatchExamples(mixed, 0, false)
	require.Error(t, err)
}

// TestRepeatAfterBatch checks that batching before repeating never mixes epochs in one batch.
func TestRepeatAfterBatch(t *testing.T) {
	batched := must.M1(BatchExamples(InMemory("a", makeExamples(0, 5)), 2, true))
	ds := Take(Repeat(batched, -1), 6)
	batches := must.M1(Collect(ds))
	require.Len(t, batches, 6)
	for i, b := range batches {
		first := b.Features[features.Targets]
		assert.Equalf(t, [][]int32{{int32(2 * (i % 2))}, {int32(2*(i%2) + 1)}}, first, "batch %d", i)
	}

	empty := Repeat(Dataset(InMemory("empty", nil)), -1)
	_, err := empty.Yield()
	require.ErrorIs(t, err, io.EOF)

	twice := Repeat(Dataset(InMemory("a", makeExamples(1, 2))), 2)
	assert.Equal(t, []int32{1, 2, 1, 2}, firstTokens(t, twice))
}

type failingDataset struct {
	count int
}

func (ds *failingDataset) Name() string { return "failing" }
func (ds *failingDataset) Reset()       { ds.count = 0 }
func (ds *failingDataset) Yield() (Example, error) {
	ds.count++
	if ds.count > 2 {
		return Example{}, fmt.Errorf("broken record %d", ds.count)
	}
	return makeExamples(ds.count, 1)[0], nil
}

func TestReadAhead(t *testing.T) {
	for _, bufferSize := range []int{0, 1, 10} {
		t.Run(fmt.Sprintf("buffer=%d", bufferSize), func(t *testing.T) {
			ds := ReadAhead[Example](InMemory("a", makeExamples(1, 20)), bufferSize)
			defer ds.Done()
			want := make([]int32, 20)
			for i := range want {
				want[i] = int32(i + 1)
			}
			assert.Equal(t, want, firstTokens(t, ds))
			_, err := ds.Yield()
			require.ErrorIs(t, err, io.EOF)

			ds.Reset()
			assert.Equal(t, want[:3], firstTokens(t, Take[Example](ds, 3)))
			ds.Reset()
			assert.Equal(t, want, firstTokens(t, ds))
		})
	}

	ds := ReadAhead[Example](&failingDataset{}, 4)
	_, err := Collect[Example](ds)
	require.ErrorContains(t, err, "broken record 3")
	_, err = ds.Yield()
	require.Error(t, err)
	ds.Done()
	_, err = ds.Yield()
	require.Error(t, err)
}
