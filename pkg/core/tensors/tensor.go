// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a host `Tensor`: a multidimensional array stored as a flat Go slice
// of its dtype, in row-major order.
//
// Tensors are the "physical" values of the runtime: the values fed into and exported out of a
// logical computation, the master and slice values of variables and checkpoint contents.
//
// There are various ways to construct a Tensor:
//
//   - FromFlatDataAndDimensions[T Supported](data []T, dimensions ...int): the data is copied.
//     Example:
//
//     t := FromFlatDataAndDimensions([]int32{1, 2, 3, 4}, 2, 2) // Tensor with [[1,2], [3,4]]
//
//   - FromScalar[T Supported](value T): a scalar (rank 0) tensor.
//
//   - Zeros(dtype, dimensions...): a tensor filled with zeros.
//
// Tensors are treated as immutable by the runtime: operations return new tensors.
package tensors

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Supported lists the Go types that can back a Tensor.
type Supported interface {
	int32 | int64 | float32 | float64 | float16.Float16 | bfloat16.BFloat16
}

// Tensor is a host multidimensional array.
type Tensor struct {
	dtype      dtypes.DType
	dimensions []int
	flat       any
}

// DTypeFor returns the dtype corresponding to the Go type T.
func DTypeFor[T Supported]() dtypes.DType {
	var zero T
	switch any(zero).(type) {
	case int32:
		return dtypes.Int32
	case int64:
		return dtypes.Int64
	case float32:
		return dtypes.Float32
	case float64:
		return dtypes.Float64
	case float16.Float16:
		return dtypes.Float16
	case bfloat16.BFloat16:
		return dtypes.BFloat16
	}
	return dtypes.InvalidDType
}

// IsSupported returns whether dtype can back a Tensor.
func IsSupported(dtype dtypes.DType) bool {
	_, found := opsByDType[dtype]
	return found
}

func sizeOf(dimensions []int) int {
	size := 1
	for _, dim := range dimensions {
		size *= dim
	}
	return size
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, with a copy of data.
//
// It panics if the size of data doesn't match the dimensions.
func FromFlatDataAndDimensions[T Supported](data []T, dimensions ...int) *Tensor {
	if len(data) != sizeOf(dimensions) {
		exceptions.Panicf("FromFlatDataAndDimensions(%v): data size is %d, but dimensions size is %d",
			dimensions, len(data), sizeOf(dimensions))
	}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("FromFlatDataAndDimensions(%v): negative dimension", dimensions)
		}
	}
	return &Tensor{
		dtype:      DTypeFor[T](),
		dimensions: slices.Clone(dimensions),
		flat:       slices.Clone(data),
	}
}

// FromScalar returns a rank-0 tensor.
func FromScalar[T Supported](value T) *Tensor {
	return FromFlatDataAndDimensions([]T{value})
}

// Zeros returns a tensor of the given dtype and dimensions filled with zeros.
func Zeros(dtype dtypes.DType, dimensions ...int) *Tensor {
	o := mustOps(dtype)
	return &Tensor{
		dtype:      dtype,
		dimensions: slices.Clone(dimensions),
		flat:       o.make(sizeOf(dimensions)),
	}
}

// FromFloat64s creates a tensor of the given dtype converting each of the values.
func FromFloat64s(dtype dtypes.DType, values []float64, dimensions ...int) *Tensor {
	if len(values) != sizeOf(dimensions) {
		exceptions.Panicf("FromFloat64s(%v): got %d values", dimensions, len(values))
	}
	t := Zeros(dtype, dimensions...)
	o := mustOps(dtype)
	for i, v := range values {
		o.set(t.flat, i, v)
	}
	return t
}

// DType of the tensor.
func (t *Tensor) DType() dtypes.DType { return t.dtype }

// Dimensions returns a copy of the tensor dimensions.
func (t *Tensor) Dimensions() []int { return slices.Clone(t.dimensions) }

// Rank is the number of axes.
func (t *Tensor) Rank() int { return len(t.dimensions) }

// Size is the number of elements.
func (t *Tensor) Size() int { return sizeOf(t.dimensions) }

// Memory is the number of bytes used by the values of the tensor.
func (t *Tensor) Memory() int64 { return int64(t.Size()) * int64(t.dtype.Size()) }

// Flat returns the underlying flat slice. It must not be modified.
//
// It panics if T doesn't match the tensor dtype.
func Flat[T Supported](t *Tensor) []T {
	flat, ok := t.flat.([]T)
	if !ok {
		exceptions.Panicf("tensors.Flat[%T]: tensor has dtype %s", *new(T), t.dtype)
	}
	return flat
}

// ToScalar returns the value of a rank-0 (or size 1) tensor.
func ToScalar[T Supported](t *Tensor) T {
	flat := Flat[T](t)
	if len(flat) != 1 {
		exceptions.Panicf("tensors.ToScalar: tensor has %d elements", len(flat))
	}
	return flat[0]
}

// Float64s returns a copy of the values converted to float64.
func (t *Tensor) Float64s() []float64 {
	o := mustOps(t.dtype)
	values := make([]float64, t.Size())
	for i := range values {
		values[i] = o.get(t.flat, i)
	}
	return values
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	o := mustOps(t.dtype)
	flat := o.make(t.Size())
	o.copyRange(flat, 0, t.flat, 0, t.Size())
	return &Tensor{dtype: t.dtype, dimensions: slices.Clone(t.dimensions), flat: flat}
}

// Reshape returns a tensor sharing the values of t with new dimensions.
func (t *Tensor) Reshape(dimensions ...int) (*Tensor, error) {
	if sizeOf(dimensions) != t.Size() {
		return nil, errors.Errorf("cannot reshape tensor %s to dimensions %v: sizes differ", t.ShapeString(), dimensions)
	}
	return &Tensor{dtype: t.dtype, dimensions: slices.Clone(dimensions), flat: t.flat}, nil
}

// ConvertDType returns a copy of the tensor converted to dtype.
// Floating point values converted to integers are truncated.
func (t *Tensor) ConvertDType(dtype dtypes.DType) (*Tensor, error) {
	if dtype == t.dtype {
		return t.Clone(), nil
	}
	to, found := opsByDType[dtype]
	if !found {
		return nil, errors.Errorf("tensors: unsupported dtype %s", dtype)
	}
	from := mustOps(t.dtype)
	out := &Tensor{dtype: dtype, dimensions: slices.Clone(t.dimensions), flat: to.make(t.Size())}
	for i := range t.Size() {
		to.set(out.flat, i, from.get(t.flat, i))
	}
	return out, nil
}

// Equal returns whether the tensors have the same dtype, dimensions and values.
func (t *Tensor) Equal(other *Tensor) bool {
	if t.dtype != other.dtype || !slices.Equal(t.dimensions, other.dimensions) {
		return false
	}
	o := mustOps(t.dtype)
	for i := range t.Size() {
		if o.get(t.flat, i) != o.get(other.flat, i) {
			return false
		}
	}
	return true
}

// ShapeString returns a short description of the dtype and dimensions, e.g. "(Int32)[8 128]".
func (t *Tensor) ShapeString() string {
	return fmt.Sprintf("(%s)%v", t.dtype, t.dimensions)
}

// String implements fmt.Stringer. Large tensors are abbreviated.
func (t *Tensor) String() string {
	const maxValues = 16
	values := t.Float64s()
	parts := make([]string, 0, min(len(values), maxValues)+1)
	for i, v := range values {
		if i == maxValues {
			parts = append(parts, "...")
			break
		}
		parts = append(parts, fmt.Sprintf("%g", v))
	}
	return fmt.Sprintf("%s{%s}", t.ShapeString(), strings.Join(parts, ", "))
}
