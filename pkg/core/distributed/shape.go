// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Dimension is a named tensor dimension.
type Dimension struct {
	Name string
	Size int
}

// Shape of a logical tensor: an ordered list of named dimensions.
type Shape []Dimension

// MakeShape creates a Shape from alternating names and sizes, e.g. MakeShape("batch", 8, "length", 128).
// It panics if the arguments don't alternate between string and int.
func MakeShape(namesAndSizes ...any) Shape {
	if len(namesAndSizes)%2 != 0 {
		panic(errors.Errorf("MakeShape requires name/size pairs, got %d arguments", len(namesAndSizes)))
	}
	shape := make(Shape, 0, len(namesAndSizes)/2)
	for i := 0; i < len(namesAndSizes); i += 2 {
		name, okName := namesAndSizes[i].(string)
		size, okSize := namesAndSizes[i+1].(int)
		if !okName || !okSize {
			panic(errors.Errorf("MakeShape: argument #%d/%d must be a (string, int) pair, got (%T, %T)",
				i, i+1, namesAndSizes[i], namesAndSizes[i+1]))
		}
		shape = append(shape, Dimension{Name: name, Size: size})
	}
	return shape
}

// Size is the number of elements of a tensor of this shape.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s {
		size *= dim.Size
	}
	return size
}

// Dimensions returns the sizes of each dimension.
func (s Shape) Dimensions() []int {
	dims := make([]int, len(s))
	for i, dim := range s {
		dims[i] = dim.Size
	}
	return dims
}

// Index returns the position of the dimension with the given name, or -1.
func (s Shape) Index(name string) int {
	for i, dim := range s {
		if dim.Name == name {
			return i
		}
	}
	return -1
}

// Resize returns a copy of the shape with the named dimension resized.
func (s Shape) Resize(name string, size int) Shape {
	out := make(Shape, len(s))
	copy(out, s)
	if idx := s.Index(name); idx >= 0 {
		out[idx].Size = size
	}
	return out
}

// Equal returns whether both shapes have the same dimensions, in the same order.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer, e.g. "[batch=8, length=128]".
func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, dim := range s {
		parts[i] = fmt.Sprintf("%s=%d", dim.Name, dim.Size)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
