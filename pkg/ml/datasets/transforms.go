// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"fmt"
	"io"

	"github.com/gomlx/caet/pkg/ml/features"
	"github.com/gomlx/caet/pkg/support/sets"
	"github.com/pkg/errors"
)

type mapped[T, U any] struct {
	ds   Source[T]
	name string
	fn   func(T) (U, error)
}

// Map returns a dataset that applies fn to every element of ds.
func Map[T, U any](ds Source[T], name string, fn func(T) (U, error)) Source[U] {
	return &mapped[T, U]{ds: ds, name: name, fn: fn}
}

// Name implements Source.
func (ds *mapped[T, U]) Name() string { return fmt.Sprintf("%s [%s]", ds.ds.Name(), ds.name) }

// Reset implements Source.
func (ds *mapped[T, U]) Reset() { ds.ds.Reset() }

// Yield implements Source.
func (ds *mapped[T, U]) Yield() (U, error) {
	element, err := ds.ds.Yield()
	if err != nil {
		var zero U
		return zero, err
	}
	return ds.fn(element)
}

// SelectKeys keeps only the features (and plaintexts) whose keys are in keys.
func SelectKeys(ds Dataset, keys sets.Set[string]) Dataset {
	return Map(ds, "SelectKeys", func(e Example) (Example, error) {
		selected := Example{Features: make(map[string][]int32, len(keys))}
		for key, values := range e.Features {
			if keys.Has(key) {
				selected.Features[key] = values
			}
		}
		for key, text := range e.Plaintext {
			if keys.Has(key) || keys.Has(features.BaseKey(key)) {
				if selected.Plaintext == nil {
					selected.Plaintext = make(map[string]string)
				}
				selected.Plaintext[key] = text
			}
		}
		return selected, nil
	})
}

// PadToLengths truncates or pads with 0 every feature to the length registered for its base key.
// A feature without a registered length is an error.
func PadToLengths(ds Dataset, lengths features.SequenceLengths) Dataset {
	return Map(ds, "PadToLengths", func(e Example) (Example, error) {
		padded := Example{Features: make(map[string][]int32, len(e.Features)), Plaintext: e.Plaintext}
		for key, values := range e.Features {
			length, err := lengths.LengthFor(key)
			if err != nil {
				return Example{}, err
			}
			row := make([]int32, length)
			copy(row, values)
			padded.Features[key] = row
		}
		return padded, nil
	})
}

type repeatEach[T any] struct {
	ds        Source[T]
	n         int
	current   T
	remaining int
}

// RepeatEach yields every element of ds n times in a row.
func RepeatEach[T any](ds Source[T], n int) (Source[T], error) {
	if n < 1 {
		return nil, errors.Errorf("RepeatEach requires n >= 1, got %d", n)
	}
	return &repeatEach[T]{ds: ds, n: n}, nil
}

// Name implements Source.
func (ds *repeatEach[T]) Name() string { return fmt.Sprintf("%s [RepeatEach %d]", ds.ds.Name(), ds.n) }

// Reset implements Source.
func (ds *repeatEach[T]) Reset() {
	ds.ds.Reset()
	ds.remaining = 0
}

// Yield implements Source.
func (ds *repeatEach[T]) Yield() (T, error) {
	if ds.remaining == 0 {
		element, err := ds.ds.Yield()
		if err != nil {
			var zero T
			return zero, err
		}
		ds.current = element
		ds.remaining = ds.n
	}
	ds.remaining--
	return ds.current, nil
}

type repeated[T any] struct {
	ds           Source[T]
	count, epoch int
	yielded      bool
}

// Repeat yields ds count times, resetting it at the end of each epoch. A negative count repeats
// indefinitely. An epoch that yields nothing ends the repetition, so an empty dataset doesn't loop
// forever.
func Repeat[T any](ds Source[T], count int) Source[T] {
	return &repeated[T]{ds: ds, count: count}
}

// Name implements Source.
func (ds *repeated[T]) Name() string {
	if ds.count < 0 {
		return fmt.Sprintf("%s [Repeat]", ds.ds.Name())
	}
	return fmt.Sprintf("%s [Repeat %d]", ds.ds.Name(), ds.count)
}

// Reset implements Source.
func (ds *repeated[T]) Reset() {
	ds.ds.Reset()
	ds.epoch = 0
	ds.yielded = false
}

// Yield implements Source.
func (ds *repeated[T]) Yield() (T, error) {
	for {
		element, err := ds.ds.Yield()
		if err == nil {
			ds.yielded = true
			return element, nil
		}
		if err != io.EOF {
			return element, err
		}
		ds.epoch++
		if !ds.yielded || (ds.count >= 0 && ds.epoch >= ds.count) {
			var zero T
			return zero, io.EOF
		}
		ds.yielded = false
		ds.ds.Reset()
	}
}
