// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed describes how a logical computation is laid out over a mesh of devices:
// named tensor dimensions, the DeviceMesh, the layout rules mapping tensor dimensions to mesh
// axes, variable placement over hosts and the mesh implementations (flat placement or SIMD over
// an accelerator topology).
package distributed

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/caet/pkg/support/sets"
	"github.com/pkg/errors"
)

// DeviceMesh defines the logical topology of a set of devices: named axes, each with a number of devices.
type DeviceMesh struct {
	name string

	// axesNames are the names of the mesh axes.
	axesNames []string

	// axesSizes defines the number of devices along each mesh axis.
	axesSizes []int

	// nameToAxis maps axis names to their index.
	nameToAxis map[string]int

	// numDevices is the total number of devices in the mesh.
	numDevices int
}

// DefaultMeshName is the name given to meshes created with NewDeviceMesh.
const DefaultMeshName = "mesh"

// IsNameValid checks whether a name is a valid identifier for a mesh axis or tensor dimension.
func IsNameValid(name string) bool {
	if name == "" {
		return false
	}
	if name[0] >= '0' && name[0] <= '9' {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			continue
		}
		return false
	}
	return true
}

// NewDeviceMesh creates a logical topology of devices.
//
//   - axesSizes: the number of devices along each mesh axis, one value per axis.
//   - axesNames: the names of the mesh axes, one value per axis.
//
// The logical device numbers are assigned in row-major order of the mesh coordinates.
func NewDeviceMesh(axesSizes []int, axesNames []string) (*DeviceMesh, error) {
	if len(axesSizes) != len(axesNames) {
		return nil, errors.Errorf("axesSizes and axesNames must have the same length, got %d and %d",
			len(axesSizes), len(axesNames))
	}
	if len(axesSizes) == 0 {
		return nil, errors.New("DeviceMesh axesSizes cannot be empty")
	}
	numDevices := 1
	nameToAxis := make(map[string]int, len(axesSizes))
	for i, name := range axesNames {
		if !IsNameValid(name) {
			return nil, errors.Errorf(
				"DeviceMesh axis name %q at index %d is not a valid identifier, it must start with a ASCII letter "+
					"and be followed only by letters, numbers or underscore", name, i)
		}
		if _, found := nameToAxis[name]; found {
			return nil, errors.Errorf("DeviceMesh axis name %q is duplicated", name)
		}
		if axesSizes[i] <= 0 {
			return nil, errors.Errorf("DeviceMesh axis %q must have a positive size, got %d", name, axesSizes[i])
		}
		nameToAxis[name] = i
		numDevices *= axesSizes[i]
	}
	return &DeviceMesh{
		name:       DefaultMeshName,
		axesNames:  slices.Clone(axesNames),
		axesSizes:  slices.Clone(axesSizes),
		nameToAxis: nameToAxis,
		numDevices: numDevices,
	}, nil
}

// ParseDeviceMesh parses a mesh description like "model:2;batch:4" (axes separated by ";" or ",").
func ParseDeviceMesh(spec string) (*DeviceMesh, error) {
	var sizes []int
	var names []string
	for _, part := range splitList(spec) {
		name, sizeStr, found := strings.Cut(part, ":")
		if !found {
			return nil, errors.Errorf("invalid mesh axis %q in %q: expected <name>:<size>", part, spec)
		}
		size, err := strconv.Atoi(strings.TrimSpace(sizeStr))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid size for mesh axis %q in %q", name, spec)
		}
		names = append(names, strings.TrimSpace(name))
		sizes = append(sizes, size)
	}
	return NewDeviceMesh(sizes, names)
}

// splitList splits a ";" or "," separated list, ignoring empty entries.
func splitList(spec string) []string {
	fields := strings.FieldsFunc(spec, func(r rune) bool { return r == ';' || r == ',' })
	parts := fields[:0]
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			parts = append(parts, f)
		}
	}
	return parts
}

// SetName of the mesh.
func (m *DeviceMesh) SetName(name string) {
	m.name = name
}

// Name returns the mesh name.
func (m *DeviceMesh) Name() string {
	return m.name
}

// NumDevices returns the total number of devices in the mesh.
func (m *DeviceMesh) NumDevices() int {
	return m.numDevices
}

// Rank returns the number of axes in the mesh.
func (m *DeviceMesh) Rank() int {
	return len(m.axesSizes)
}

// AxesNames returns a copy of the mesh's axis names.
func (m *DeviceMesh) AxesNames() []string {
	return slices.Clone(m.axesNames)
}

// AxesSizes returns a copy of the mesh's axesSizes.
func (m *DeviceMesh) AxesSizes() []int {
	return slices.Clone(m.axesSizes)
}

// AxisSize returns the number of devices along the given mesh axis.
func (m *DeviceMesh) AxisSize(axisName string) (int, error) {
	idx, found := m.nameToAxis[axisName]
	if !found {
		return 0, errors.Errorf("mesh axis %q not found", axisName)
	}
	return m.axesSizes[idx], nil
}

// HasAxis returns whether the mesh has an axis with the given name.
func (m *DeviceMesh) HasAxis(axisName string) bool {
	_, found := m.nameToAxis[axisName]
	return found
}

// Coordinates returns the mesh coordinates (one per axis) of the logical device.
func (m *DeviceMesh) Coordinates(device int) []int {
	coords := make([]int, len(m.axesSizes))
	for i := len(m.axesSizes) - 1; i >= 0; i-- {
		coords[i] = device % m.axesSizes[i]
		device /= m.axesSizes[i]
	}
	return coords
}

// String implements the fmt.Stringer interface.
func (m *DeviceMesh) String() string {
	var sb strings.Builder
	sb.WriteString("DeviceMesh(axesSizes={")
	for i, name := range m.axesNames {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s: %d", name, m.axesSizes[i])
	}
	sb.WriteString("})")
	return sb.String()
}

// ComputeReplicaGroups returns the groups of logical devices that differ only along the given axes.
//
// Each replica group (a []int) includes the device indices for the axes specified.
// The other axes will be split into different replica groups.
//
// Example:
//
//	m := NewDeviceMesh([]int{2, 2}, []string{"batch", "data"})
//	batchGroups, _ := m.ComputeReplicaGroups([]string{"batch"})  // -> [][]int{{0, 2}, {1, 3}}
//	dataGroups, _ := m.ComputeReplicaGroups([]string{"data"})    // -> [][]int{{0, 1}, {2, 3}}
//	allGroups, _ := m.ComputeReplicaGroups(nil)                  // -> [][]int{{0}, {1}, {2}, {3}}
func (m *DeviceMesh) ComputeReplicaGroups(axes []string) ([][]int, error) {
	axisIndices := make([]int, 0, len(axes))
	axisSet := sets.Make[int](len(axes))
	for _, axis := range axes {
		idx, found := m.nameToAxis[axis]
		if !found {
			return nil, errors.Errorf("axis %q not found in mesh", axis)
		}
		if axisSet.Has(idx) {
			return nil, errors.Errorf("axis %q is duplicated: each axis can only appear once", axis)
		}
		axisIndices = append(axisIndices, idx)
		axisSet.Insert(idx)
	}
	nonAxisIndices := make([]int, 0, len(m.axesSizes)-len(axisIndices))
	for i := range m.axesSizes {
		if !axisSet.Has(i) {
			nonAxisIndices = append(nonAxisIndices, i)
		}
	}

	groupSize := 1
	for _, idx := range axisIndices {
		groupSize *= m.axesSizes[idx]
	}
	groups := make([][]int, m.numDevices/groupSize)
	for i := range groups {
		groups[i] = make([]int, groupSize)
	}
	for device := range m.numDevices {
		coords := m.Coordinates(device)
		groupIdx, posInGroup := 0, 0
		multiplier := 1
		for i := len(nonAxisIndices) - 1; i >= 0; i-- {
			groupIdx += coords[nonAxisIndices[i]] * multiplier
			multiplier *= m.axesSizes[nonAxisIndices[i]]
		}
		multiplier = 1
		for i := len(axisIndices) - 1; i >= 0; i-- {
			posInGroup += coords[axisIndices[i]] * multiplier
			multiplier *= m.axesSizes[axisIndices[i]]
		}
		groups[groupIdx][posInGroup] = device
	}
	return groups, nil
}
