// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package modelfn

import (
	"maps"
	"slices"

	"github.com/gomlx/caet/pkg/core/distributed"
	"github.com/gomlx/caet/pkg/core/graph"
	"github.com/gomlx/caet/pkg/core/tensors"
	"github.com/gomlx/caet/pkg/ml/features"
	"github.com/gomlx/caet/pkg/ml/model"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Dimension names of the imported features.
const (
	EnsembleDim   = "ensemble"
	OuterBatchDim = "outer_batch"
	BatchDim      = "batch"
	LengthDim     = "length"
)

// labelKeys are the features of which an anonymized copy is kept, to be exported as labels.
var labelKeys = []string{features.Targets, features.CodePrefixedTargets, features.ControlCode}

// featureShape returns the logical shape of a feature of the given length:
// [ensemble,] outer_batch, batch, length. The ensemble dimension is not used for predictions.
func (c *Config) featureShape(length int, mode model.Mode) distributed.Shape {
	var shape distributed.Shape
	if c.ensembleInputs > 0 && mode != model.ModePredict {
		shape = append(shape, distributed.Dimension{Name: EnsembleDim, Size: c.ensembleInputs})
	}
	return append(shape,
		distributed.Dimension{Name: OuterBatchDim, Size: c.outerBatchSize},
		c.batchDim(),
		distributed.Dimension{Name: LengthDim, Size: length})
}

// importFeatures casts the physical features to int32, reshapes them to their logical shape and
// imports them into mesh. It also returns anonymized copies of the label features.
func (c *Config) importFeatures(mesh *graph.Mesh, physical map[string]*tensors.Tensor, mode model.Mode) (
	imported, labels map[string]*graph.Tensor, err error) {
	imported = make(map[string]*graph.Tensor, len(physical))
	labels = make(map[string]*graph.Tensor, len(labelKeys))
	for _, key := range slices.Sorted(maps.Keys(physical)) {
		x := physical[key]
		length, err := c.lengths.LengthFor(key)
		if err != nil {
			return nil, nil, err
		}
		shape := c.featureShape(length, mode)
		if x.Size() != shape.Size() {
			return nil, nil, errors.Errorf("feature %q of shape %s doesn't fit its logical shape %s",
				key, x.ShapeString(), shape)
		}
		if x, err = x.ConvertDType(dtypes.Int32); err != nil {
			return nil, nil, err
		}
		if x, err = x.Reshape(shape.Dimensions()...); err != nil {
			return nil, nil, err
		}
		klog.V(2).Infof("import feature %s: %s", key, shape)
		t := graph.ImportFullyReplicated(mesh, x, shape, key)
		imported[key] = t
		if slices.Contains(labelKeys, key) {
			labels[key] = graph.Anonymize(t)
		}
	}
	return imported, labels, nil
}

// text2self merges the inputs into the targets, for decoder-only models: each targets row becomes
// its non-padding inputs followed by its non-padding targets, truncated to the targets length.
// The segmentation and position of the targets are rebuilt, and the inputs features removed.
func text2self(f map[string]*graph.Tensor) map[string]*graph.Tensor {
	inputs, targets := f[features.Inputs], f[features.Targets]
	inputsLength := inputs.Shape()[len(inputs.Shape())-1].Size
	targetsLength := targets.Shape()[len(targets.Shape())-1].Size
	inputValues, targetValues := inputs.Value().Float64s(), targets.Value().Float64s()
	numRows := len(targetValues) / max(targetsLength, 1)

	merged := make([]int32, 0, len(targetValues))
	segmentation := make([]int32, 0, len(targetValues))
	position := make([]int32, 0, len(targetValues))
	for row := range numRows {
		var tokens []int32
		for _, values := range [][]float64{
			inputValues[row*inputsLength : (row+1)*inputsLength],
			targetValues[row*targetsLength : (row+1)*targetsLength]} {
			for _, v := range values {
				if v != 0 {
					tokens = append(tokens, int32(v))
				}
			}
		}
		tokens = tokens[:min(len(tokens), targetsLength)]
		for i := range targetsLength {
			if i < len(tokens) {
				merged = append(merged, tokens[i])
				segmentation = append(segmentation, 1)
				position = append(position, int32(i))
			} else {
				merged = append(merged, 0)
				segmentation = append(segmentation, 0)
				position = append(position, 0)
			}
		}
	}

	out := make(map[string]*graph.Tensor, len(f))
	for key, t := range f {
		if features.BaseKey(key) != features.Inputs {
			out[key] = t
		}
	}
	mesh, shape := targets.Mesh(), targets.Shape()
	dims := shape.Dimensions()
	out[features.Targets] = graph.ImportFullyReplicated(mesh, tensors.FromFlatDataAndDimensions(merged, dims...),
		shape, features.Targets)
	out[features.Segmentation(features.Targets)] = graph.ImportFullyReplicated(mesh,
		tensors.FromFlatDataAndDimensions(segmentation, dims...), shape, features.Segmentation(features.Targets))
	out[features.Position(features.Targets)] = graph.ImportFullyReplicated(mesh,
		tensors.FromFlatDataAndDimensions(position, dims...), shape, features.Position(features.Targets))
	return out
}
