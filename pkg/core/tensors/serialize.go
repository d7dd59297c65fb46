// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// WriteTo writes the raw little-endian values of the tensor to w.
// It implements io.WriterTo.
func (t *Tensor) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, t.flat); err != nil {
		return 0, errors.Wrapf(err, "failed to encode tensor %s", t.ShapeString())
	}
	n, err := w.Write(buf.Bytes())
	return int64(n), errors.Wrapf(err, "failed to write tensor %s", t.ShapeString())
}

// Read reads a tensor of the given dtype and dimensions written with Tensor.WriteTo.
func Read(r io.Reader, dtype dtypes.DType, dimensions ...int) (*Tensor, error) {
	o, found := opsByDType[dtype]
	if !found {
		return nil, errors.Errorf("tensors.Read: unsupported dtype %s", dtype)
	}
	t := &Tensor{dtype: dtype, dimensions: append([]int(nil), dimensions...), flat: o.make(sizeOf(dimensions))}
	if err := binary.Read(r, binary.LittleEndian, t.flat); err != nil {
		return nil, errors.Wrapf(err, "failed to read tensor %s", t.ShapeString())
	}
	return t, nil
}
