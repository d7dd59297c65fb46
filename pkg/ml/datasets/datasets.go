// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package datasets is a collection of utility datasets of tokenized examples that can be combined
// into input pipelines: `InMemory`, `Concatenate`, `SelectKeys`, `Map`, `RepeatEach`, `PadToLengths`,
// `Batch`, `TrimAndPad`, `Repeat`, `Take` and `ReadAhead`.
//
// All datasets follow the same protocol: Yield returns the next element or io.EOF at the end of
// the epoch, and Reset restarts it.
package datasets

import (
	"fmt"
	"io"
	"maps"

	"github.com/pkg/errors"
)

// Source is the protocol shared by example and batch datasets.
type Source[T any] interface {
	// Name of the dataset, used for logging.
	Name() string

	// Reset restarts the dataset from the beginning.
	Reset()

	// Yield returns the next element, or io.EOF when the epoch is exhausted.
	Yield() (T, error)
}

// Dataset yields one Example at a time.
type Dataset = Source[Example]

// BatchDataset yields batches of examples.
type BatchDataset = Source[*Batch]

// Example is one tokenized example: each feature is a sequence of token ids.
//
// Plaintext holds the untokenized text of features, when the task provides it.
type Example struct {
	Features  map[string][]int32
	Plaintext map[string]string
}

// NewExample creates an Example with the given features.
func NewExample(features map[string][]int32) Example {
	return Example{Features: features}
}

// Clone returns a deep copy of the example.
func (e Example) Clone() Example {
	c := Example{Features: make(map[string][]int32, len(e.Features))}
	for key, values := range e.Features {
		c.Features[key] = append([]int32(nil), values...)
	}
	if e.Plaintext != nil {
		c.Plaintext = maps.Clone(e.Plaintext)
	}
	return c
}

// InMemoryDataset yields examples from a slice.
type InMemoryDataset struct {
	name     string
	examples []Example
	next     int
}

// InMemory creates a dataset that yields the given examples in order.
func InMemory(name string, examples []Example) *InMemoryDataset {
	return &InMemoryDataset{name: name, examples: examples}
}

// Name implements Dataset.
func (ds *InMemoryDataset) Name() string { return ds.name }

// Reset implements Dataset.
func (ds *InMemoryDataset) Reset() { ds.next = 0 }

// NumExamples returns the number of examples in the dataset.
func (ds *InMemoryDataset) NumExamples() int { return len(ds.examples) }

// Yield implements Dataset.
func (ds *InMemoryDataset) Yield() (Example, error) {
	if ds.next >= len(ds.examples) {
		return Example{}, io.EOF
	}
	e := ds.examples[ds.next]
	ds.next++
	return e, nil
}

// takeDataset only yields take elements.
type takeDataset[T any] struct {
	ds          Source[T]
	count, take int
}

// Take returns a wrapper to ds that only yields n elements.
func Take[T any](ds Source[T], n int) Source[T] {
	return &takeDataset[T]{ds: ds, take: n}
}

// Name implements Source.
func (ds *takeDataset[T]) Name() string {
	return fmt.Sprintf("%s [Take %d]", ds.ds.Name(), ds.take)
}

// Reset implements Source.
func (ds *takeDataset[T]) Reset() {
	ds.ds.Reset()
	ds.count = 0
}

// Yield implements Source.
func (ds *takeDataset[T]) Yield() (T, error) {
	if ds.count >= ds.take {
		var zero T
		return zero, io.EOF
	}
	ds.count++
	return ds.ds.Yield()
}

// concatenated yields all elements of each dataset in turn.
type concatenated[T any] struct {
	name    string
	sources []Source[T]
	current int
}

// Concatenate returns a dataset that yields every element of each of the given datasets, in order.
func Concatenate[T any](name string, sources ...Source[T]) Source[T] {
	return &concatenated[T]{name: name, sources: sources}
}

// Name implements Source.
func (ds *concatenated[T]) Name() string { return ds.name }

// Reset implements Source.
func (ds *concatenated[T]) Reset() {
	for _, source := range ds.sources {
		source.Reset()
	}
	ds.current = 0
}

// Yield implements Source.
func (ds *concatenated[T]) Yield() (T, error) {
	for ds.current < len(ds.sources) {
		element, err := ds.sources[ds.current].Yield()
		if err == io.EOF {
			ds.current++
			continue
		}
		return element, err
	}
	var zero T
	return zero, io.EOF
}

// Collect reads ds until the end of the epoch and returns all its elements.
func Collect[T any](ds Source[T]) ([]T, error) {
	var elements []T
	for {
		element, err := ds.Yield()
		if err == io.EOF {
			return elements, nil
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "reading dataset %q", ds.Name())
		}
		elements = append(elements, element)
	}
}
