// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"slices"

	"github.com/pkg/errors"
)

// Strides returns the row-major strides (in elements) of each axis.
func Strides(dimensions []int) []int {
	strides := make([]int, len(dimensions))
	stride := 1
	for axis := len(dimensions) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= dimensions[axis]
	}
	return strides
}

// Rows returns a copy of the sub-tensor t[start:end] along the first axis.
func (t *Tensor) Rows(start, end int) (*Tensor, error) {
	if t.Rank() == 0 {
		return nil, errors.Errorf("Rows(%d, %d): tensor is a scalar", start, end)
	}
	if start < 0 || end > t.dimensions[0] || start > end {
		return nil, errors.Errorf("Rows(%d, %d): out of range for tensor %s", start, end, t.ShapeString())
	}
	starts := make([]int, t.Rank())
	sizes := t.Dimensions()
	starts[0] = start
	sizes[0] = end - start
	return t.Block(starts, sizes)
}

// ConcatenateRows concatenates tensors along the first axis.
// All tensors must have the same dtype and the same dimensions except the first.
func ConcatenateRows(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.New("ConcatenateRows requires at least one tensor")
	}
	first := ts[0]
	if first.Rank() == 0 {
		return nil, errors.New("ConcatenateRows cannot concatenate scalars")
	}
	total := 0
	for i, t := range ts {
		if t.dtype != first.dtype || !slices.Equal(t.dimensions[1:], first.dimensions[1:]) {
			return nil, errors.Errorf("ConcatenateRows: tensor #%d %s incompatible with tensor #0 %s",
				i, t.ShapeString(), first.ShapeString())
		}
		total += t.dimensions[0]
	}
	dims := first.Dimensions()
	dims[0] = total
	out := Zeros(first.dtype, dims...)
	o := mustOps(first.dtype)
	pos := 0
	for _, t := range ts {
		o.copyRange(out.flat, pos, t.flat, 0, t.Size())
		pos += t.Size()
	}
	return out, nil
}

// Stack stacks equally shaped tensors into a new leading axis.
func Stack(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.New("Stack requires at least one tensor")
	}
	expanded := make([]*Tensor, len(ts))
	for i, t := range ts {
		if !slices.Equal(t.dimensions, ts[0].dimensions) {
			return nil, errors.Errorf("Stack: tensor #%d %s differs from tensor #0 %s",
				i, t.ShapeString(), ts[0].ShapeString())
		}
		var err error
		expanded[i], err = t.Reshape(append([]int{1}, t.dimensions...)...)
		if err != nil {
			return nil, err
		}
	}
	return ConcatenateRows(expanded...)
}

// Block returns a copy of the hyper-rectangle of t starting at starts with the given sizes.
func (t *Tensor) Block(starts, sizes []int) (*Tensor, error) {
	if err := t.checkBlock(starts, sizes); err != nil {
		return nil, err
	}
	out := Zeros(t.dtype, sizes...)
	t.forEachRun(starts, sizes, func(srcOffset, dstOffset, n int) {
		mustOps(t.dtype).copyRange(out.flat, dstOffset, t.flat, srcOffset, n)
	})
	return out, nil
}

// SetBlock returns a copy of t where the hyper-rectangle starting at starts is replaced by src.
// src is converted to the dtype of t if needed.
func (t *Tensor) SetBlock(starts []int, src *Tensor) (*Tensor, error) {
	if err := t.checkBlock(starts, src.dimensions); err != nil {
		return nil, err
	}
	if src.dtype != t.dtype {
		var err error
		src, err = src.ConvertDType(t.dtype)
		if err != nil {
			return nil, err
		}
	}
	out := t.Clone()
	t.forEachRun(starts, src.dimensions, func(dstOffset, srcOffset, n int) {
		mustOps(t.dtype).copyRange(out.flat, dstOffset, src.flat, srcOffset, n)
	})
	return out, nil
}

func (t *Tensor) checkBlock(starts, sizes []int) error {
	if len(starts) != t.Rank() || len(sizes) != t.Rank() {
		return errors.Errorf("block of rank %d/%d for tensor %s", len(starts), len(sizes), t.ShapeString())
	}
	for axis, start := range starts {
		if start < 0 || sizes[axis] < 0 || start+sizes[axis] > t.dimensions[axis] {
			return errors.Errorf("block start=%v sizes=%v out of range for tensor %s", starts, sizes, t.ShapeString())
		}
	}
	return nil
}

// forEachRun calls fn for each contiguous run of the block: offset in t, offset in the block and run length.
func (t *Tensor) forEachRun(starts, sizes []int, fn func(tOffset, blockOffset, n int)) {
	rank := t.Rank()
	if rank == 0 {
		fn(0, 0, 1)
		return
	}
	if sizeOf(sizes) == 0 {
		return
	}
	strides := Strides(t.dimensions)
	run := sizes[rank-1]
	counters := make([]int, rank-1)
	blockOffset := 0
	for {
		tOffset := starts[rank-1]
		for axis, c := range counters {
			tOffset += (starts[axis] + c) * strides[axis]
		}
		fn(tOffset, blockOffset, run)
		blockOffset += run

		// Advance counters of the outer axes.
		axis := rank - 2
		for ; axis >= 0; axis-- {
			counters[axis]++
			if counters[axis] < sizes[axis] {
				break
			}
			counters[axis] = 0
		}
		if axis < 0 {
			return
		}
	}
}
