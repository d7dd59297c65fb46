// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"slices"

	"github.com/gomlx/caet/pkg/core/distributed"
	"github.com/gomlx/caet/pkg/core/tensors"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// Tensor is a logical tensor on a Mesh, with named dimensions.
//
// Scalar losses also carry the gradients of the loss with respect to the variables that
// produced them, see NewLoss and Gradients.
type Tensor struct {
	mesh      *Mesh
	shape     distributed.Shape
	value     *tensors.Tensor
	name      string
	anonymous bool
	grads     map[*Variable]*tensors.Tensor
}

func newTensor(m *Mesh, shape distributed.Shape, value *tensors.Tensor) *Tensor {
	if !slices.Equal(shape.Dimensions(), value.Dimensions()) {
		exceptions.Panicf("tensor shape %s doesn't match value %s", shape, value.ShapeString())
	}
	return &Tensor{mesh: m, shape: shape, value: value}
}

// ImportFullyReplicated imports a host tensor into the mesh, replicated on every device.
func ImportFullyReplicated(m *Mesh, value *tensors.Tensor, shape distributed.Shape, name string) *Tensor {
	t := newTensor(m, shape, value)
	t.name = name
	return t
}

// Mesh the tensor lives on.
func (t *Tensor) Mesh() *Mesh { return t.mesh }

// Shape of the tensor.
func (t *Tensor) Shape() distributed.Shape { return t.shape }

// DType of the tensor.
func (t *Tensor) DType() dtypes.DType { return t.value.DType() }

// Name given when imported, if any.
func (t *Tensor) Name() string { return t.name }

// Value returns the host value of the tensor. It must not be modified.
func (t *Tensor) Value() *tensors.Tensor { return t.value }

// IsAnonymous returns whether the tensor was anonymized, see Anonymize.
func (t *Tensor) IsAnonymous() bool { return t.anonymous }

// Gradient returns the gradient of the tensor (a scalar loss) with respect to v, or nil if v didn't
// contribute to it.
func (t *Tensor) Gradient(v *Variable) *tensors.Tensor { return t.grads[v] }

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%s%s)", t.shape, t.value.DType())
}

func dimIndex(t *Tensor, dimName, op string) int {
	idx := t.shape.Index(dimName)
	if idx < 0 {
		exceptions.Panicf("%s: tensor of shape %s has no dimension %q", op, t.shape, dimName)
	}
	return idx
}

func must1[T any](value T, err error) T {
	if err != nil {
		panic(err)
	}
	return value
}

// Reshape returns the tensor with a new shape of the same size. Gradients are kept.
func Reshape(t *Tensor, shape distributed.Shape) *Tensor {
	if shape.Size() != t.shape.Size() {
		exceptions.Panicf("Reshape: cannot reshape %s to %s", t.shape, shape)
	}
	out := newTensor(t.mesh, shape, must1(t.value.Reshape(shape.Dimensions()...)))
	out.grads = t.grads
	return out
}

// Anonymize returns the same values in a tensor whose dimensions are not split over the mesh,
// so it can be indexed freely (e.g. as labels) without communication.
func Anonymize(t *Tensor) *Tensor {
	out := newTensor(t.mesh, t.shape, t.value)
	out.anonymous = true
	return out
}

// StopGradient returns the same values without gradients.
func StopGradient(t *Tensor) *Tensor {
	out := newTensor(t.mesh, t.shape, t.value)
	out.anonymous = t.anonymous
	return out
}

// Slice returns size entries of the named dimension starting at begin.
func Slice(t *Tensor, dimName string, begin, size int) *Tensor {
	axis := dimIndex(t, dimName, "Slice")
	starts := make([]int, len(t.shape))
	starts[axis] = begin
	sizes := t.shape.Dimensions()
	sizes[axis] = size
	return newTensor(t.mesh, t.shape.Resize(dimName, size), must1(t.value.Block(starts, sizes)))
}

// Pad the named dimension with zeros: before entries at the start and after at the end.
func Pad(t *Tensor, dimName string, before, after int) *Tensor {
	axis := dimIndex(t, dimName, "Pad")
	if before < 0 || after < 0 {
		exceptions.Panicf("Pad: negative padding (%d, %d)", before, after)
	}
	newShape := t.shape.Resize(dimName, t.shape[axis].Size+before+after)
	starts := make([]int, len(t.shape))
	starts[axis] = before
	out := tensors.Zeros(t.value.DType(), newShape.Dimensions()...)
	return newTensor(t.mesh, newShape, must1(out.SetBlock(starts, t.value)))
}

// Shift the values along the named dimension by offset: out[i] = t[i-offset].
//
// If wrap is true, values shifted out on one end come back on the other, otherwise the
// entries shifted in are zero.
func Shift(t *Tensor, offset int, dimName string, wrap bool) *Tensor {
	axis := dimIndex(t, dimName, "Shift")
	n := t.shape[axis].Size
	if n == 0 {
		return newTensor(t.mesh, t.shape, t.value.Clone())
	}
	if wrap {
		offset = ((offset % n) + n) % n
		if offset == 0 {
			return newTensor(t.mesh, t.shape, t.value.Clone())
		}
		head := Slice(t, dimName, n-offset, offset)
		tail := Slice(t, dimName, 0, n-offset)
		return Concat([]*Tensor{head, tail}, dimName)
	}
	if offset >= n || -offset >= n {
		return newTensor(t.mesh, t.shape, tensors.Zeros(t.value.DType(), t.shape.Dimensions()...))
	}
	if offset > 0 {
		return Pad(Slice(t, dimName, 0, n-offset), dimName, offset, 0)
	}
	if offset < 0 {
		return Pad(Slice(t, dimName, -offset, n+offset), dimName, 0, -offset)
	}
	return newTensor(t.mesh, t.shape, t.value.Clone())
}

// Concat tensors along the named dimension. All other dimensions must match.
func Concat(ts []*Tensor, dimName string) *Tensor {
	if len(ts) == 0 {
		exceptions.Panicf("Concat: no tensors given")
	}
	axis := dimIndex(ts[0], dimName, "Concat")
	total := 0
	for _, t := range ts {
		if !t.shape.Resize(dimName, ts[0].shape[axis].Size).Equal(ts[0].shape) {
			exceptions.Panicf("Concat: shapes %s and %s differ outside of dimension %q", ts[0].shape, t.shape, dimName)
		}
		total += t.shape[axis].Size
	}
	newShape := ts[0].shape.Resize(dimName, total)
	out := tensors.Zeros(ts[0].value.DType(), newShape.Dimensions()...)
	starts := make([]int, len(newShape))
	for _, t := range ts {
		out = must1(out.SetBlock(starts, t.value))
		starts[axis] += t.shape[axis].Size
	}
	return newTensor(ts[0].mesh, newShape, out)
}

// Scale multiplies a floating point tensor (and its gradients) by factor.
func Scale(t *Tensor, factor float64) *Tensor {
	if !t.value.DType().IsFloat() {
		exceptions.Panicf("Scale: tensor must be floating point, got %s", t.value.DType())
	}
	out := newTensor(t.mesh, t.shape, scaleValue(t.value, factor))
	if t.grads != nil {
		out.grads = make(map[*Variable]*tensors.Tensor, len(t.grads))
		for v, g := range t.grads {
			out.grads[v] = scaleValue(g, factor)
		}
	}
	return out
}

// Add two floating point tensors of the same shape. Gradients are added.
func Add(a, b *Tensor) *Tensor {
	if !a.shape.Equal(b.shape) {
		exceptions.Panicf("Add: shapes %s and %s differ", a.shape, b.shape)
	}
	out := newTensor(a.mesh, a.shape, addValues(a.value, b.value))
	if a.grads != nil || b.grads != nil {
		out.grads = make(map[*Variable]*tensors.Tensor, len(a.grads)+len(b.grads))
		for _, grads := range []map[*Variable]*tensors.Tensor{a.grads, b.grads} {
			for v, g := range grads {
				if prev, found := out.grads[v]; found {
					out.grads[v] = addValues(prev, g)
				} else {
					out.grads[v] = g
				}
			}
		}
	}
	return out
}

// NewLoss creates a scalar float32 loss with its gradients with respect to the variables
// that produced it. Gradients are given in the activation dtype, with the shape of their variable.
func NewLoss(m *Mesh, value float64, grads map[*Variable]*tensors.Tensor) *Tensor {
	loss := newTensor(m, distributed.Shape{}, tensors.FromScalar(float32(value)))
	loss.grads = make(map[*Variable]*tensors.Tensor, len(grads))
	for v, g := range grads {
		if !slices.Equal(g.Dimensions(), v.shape.Dimensions()) {
			exceptions.Panicf("NewLoss: gradient %s for variable %q of shape %s", g.ShapeString(), v.name, v.shape)
		}
		m.graph.touch(v)
		loss.grads[v] = g
	}
	return loss
}

// ScalarValue returns the value of a scalar tensor as float64.
func ScalarValue(t *Tensor) float64 {
	if t.value.Size() != 1 {
		exceptions.Panicf("ScalarValue: tensor of shape %s is not a scalar", t.shape)
	}
	return t.value.Float64s()[0]
}

func scaleValue(t *tensors.Tensor, factor float64) *tensors.Tensor {
	values := t.Float64s()
	for i := range values {
		values[i] *= factor
	}
	return tensors.FromFloat64s(t.DType(), values, t.Dimensions()...)
}

func addValues(a, b *tensors.Tensor) *tensors.Tensor {
	values, other := a.Float64s(), b.Float64s()
	if len(values) != len(other) {
		exceptions.Panicf("adding values of shapes %s and %s", a.ShapeString(), b.ShapeString())
	}
	for i := range values {
		values[i] += other[i]
	}
	return tensors.FromFloat64s(a.DType(), values, a.Dimensions()...)
}
