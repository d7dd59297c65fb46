// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/dtypes/bfloat16"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// flatOps implements the dtype specific handling of a flat slice stored as `any`.
type flatOps interface {
	make(n int) any
	copyRange(dst any, dstStart int, src any, srcStart, n int)
	get(flat any, i int) float64
	set(flat any, i int, v float64)
}

type typedOps[T Supported] struct{}

func (typedOps[T]) make(n int) any { return make([]T, n) }

func (typedOps[T]) copyRange(dst any, dstStart int, src any, srcStart, n int) {
	copy(dst.([]T)[dstStart:dstStart+n], src.([]T)[srcStart:srcStart+n])
}

func (typedOps[T]) get(flat any, i int) float64 { return toFloat64(flat.([]T)[i]) }

func (typedOps[T]) set(flat any, i int, v float64) { flat.([]T)[i] = fromFloat64[T](v) }

var opsByDType = map[dtypes.DType]flatOps{
	dtypes.Int32:    typedOps[int32]{},
	dtypes.Int64:    typedOps[int64]{},
	dtypes.Float32:  typedOps[float32]{},
	dtypes.Float64:  typedOps[float64]{},
	dtypes.Float16:  typedOps[float16.Float16]{},
	dtypes.BFloat16: typedOps[bfloat16.BFloat16]{},
}

func mustOps(dtype dtypes.DType) flatOps {
	o, found := opsByDType[dtype]
	if !found {
		exceptions.Panicf("tensors: unsupported dtype %s", dtype)
	}
	return o
}

func toFloat64[T Supported](v T) float64 {
	switch x := any(v).(type) {
	case int32:
		return number(x)
	case int64:
		return number(x)
	case float32:
		return number(x)
	case float64:
		return x
	case float16.Float16:
		return float64(x.Float32())
	case bfloat16.BFloat16:
		return float64(x.Float32())
	}
	return math.NaN()
}

func number[N constraints.Integer | constraints.Float](v N) float64 { return float64(v) }

func fromFloat64[T Supported](v float64) T {
	var zero T
	var out any
	switch any(zero).(type) {
	case int32:
		out = int32(v)
	case int64:
		out = int64(v)
	case float32:
		out = float32(v)
	case float64:
		out = v
	case float16.Float16:
		out = float16.Fromfloat32(float32(v))
	case bfloat16.BFloat16:
		out = bfloat16.FromFloat32(float32(v))
	}
	return out.(T)
}
