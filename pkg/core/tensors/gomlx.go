// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"bytes"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	gotensors "github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// ToGoMLX returns a copy of the tensor as a GoMLX tensor, to be fed into a computation.
func (t *Tensor) ToGoMLX() *gotensors.Tensor {
	var buf bytes.Buffer
	if _, err := t.WriteTo(&buf); err != nil {
		panic(err)
	}
	out := gotensors.FromShape(shapes.Make(t.dtype, t.dimensions...))
	if err := out.MutableBytes(func(data []byte) { copy(data, buf.Bytes()) }); err != nil {
		panic(errors.WithMessagef(err, "copying tensor %s", t.ShapeString()))
	}
	return out
}

// FromGoMLX returns a copy of a GoMLX tensor, e.g. the output of a computation or the value of a
// context variable.
func FromGoMLX(gt *gotensors.Tensor) (*Tensor, error) {
	if gt == nil {
		return nil, errors.New("tensors.FromGoMLX: nil tensor")
	}
	shape := gt.Shape()
	if !IsSupported(shape.DType) {
		return nil, errors.Errorf("tensors.FromGoMLX: unsupported dtype %s", shape.DType)
	}
	var t *Tensor
	var readErr error
	err := gt.ConstBytes(func(data []byte) {
		t, readErr = Read(bytes.NewReader(data), shape.DType, shape.Dimensions...)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "accessing tensor %s", shape)
	}
	return t, readErr
}

// MustFromGoMLX is FromGoMLX, but panics on error.
func MustFromGoMLX(gt *gotensors.Tensor) *Tensor {
	t, err := FromGoMLX(gt)
	if err != nil {
		panic(err)
	}
	return t
}
