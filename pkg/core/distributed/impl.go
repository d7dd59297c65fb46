// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"slices"

	"github.com/gomlx/caet/pkg/support/sets"
	"github.com/pkg/errors"
)

// Implementation of a logical mesh on concrete devices.
type Implementation interface {
	// Mesh returns the logical DeviceMesh implemented.
	Mesh() *DeviceMesh

	// Rules used to lay out tensors over the mesh.
	Rules() LayoutRules

	// Devices returns the name of the device backing each logical device of the mesh.
	Devices() []string

	// Validate checks that the implementation is consistent with the mesh.
	Validate() error
}

// PlacementImpl implements a mesh over an explicit (flat) list of devices.
type PlacementImpl struct {
	mesh    *DeviceMesh
	rules   LayoutRules
	devices []string
}

// NewPlacementImpl creates a placement implementation. If devices is empty, every logical device
// is placed on the default (host) device, named "".
func NewPlacementImpl(mesh *DeviceMesh, rules LayoutRules, devices []string) *PlacementImpl {
	if len(devices) == 0 {
		devices = make([]string, mesh.NumDevices())
	}
	return &PlacementImpl{mesh: mesh, rules: rules, devices: slices.Clone(devices)}
}

// Mesh implements Implementation.
func (p *PlacementImpl) Mesh() *DeviceMesh { return p.mesh }

// Rules implements Implementation.
func (p *PlacementImpl) Rules() LayoutRules { return p.rules }

// Devices implements Implementation.
func (p *PlacementImpl) Devices() []string { return slices.Clone(p.devices) }

// Validate implements Implementation.
func (p *PlacementImpl) Validate() error {
	if len(p.devices) != p.mesh.NumDevices() {
		return errors.Errorf("placement mesh %s has %d devices, but %d device names were given",
			p.mesh, p.mesh.NumDevices(), len(p.devices))
	}
	return p.rules.Validate(p.mesh)
}

// String implements fmt.Stringer.
func (p *PlacementImpl) String() string {
	return fmt.Sprintf("PlacementImpl(%s, rules=%q)", p.mesh, p.rules)
}

// ExecutionContext describes the accelerator topology a computation runs on.
type ExecutionContext struct {
	// NumHosts is the number of host machines.
	NumHosts int

	// NumReplicas is the number of accelerator cores available.
	NumReplicas int

	// PhysicalShape of the accelerator interconnect, e.g. [4, 4, 2].
	PhysicalShape []int

	// HostPlacement returns the device name of the given host, used for variable masters.
	// If nil, hosts are named "host:<n>".
	HostPlacement func(host int) string
}

// HostDevices returns the name of each host.
func (c *ExecutionContext) HostDevices() []string {
	devices := make([]string, max(c.NumHosts, 1))
	for i := range devices {
		if c.HostPlacement != nil {
			devices[i] = c.HostPlacement(i)
		} else {
			devices[i] = fmt.Sprintf("host:%d", i)
		}
	}
	return devices
}

// SIMDImpl implements a mesh over the replicas of an accelerator, with a logical to physical
// device assignment.
type SIMDImpl struct {
	mesh              *DeviceMesh
	rules             LayoutRules
	context           *ExecutionContext
	logicalToPhysical []int
}

// NewSIMDImpl creates a SIMD implementation. The consistency of the mesh and the accelerator
// topology is only checked by Validate, when the computation is lowered.
func NewSIMDImpl(mesh *DeviceMesh, rules LayoutRules, ctx *ExecutionContext, logicalToPhysical []int) *SIMDImpl {
	return &SIMDImpl{mesh: mesh, rules: rules, context: ctx, logicalToPhysical: slices.Clone(logicalToPhysical)}
}

// Mesh implements Implementation.
func (s *SIMDImpl) Mesh() *DeviceMesh { return s.mesh }

// Rules implements Implementation.
func (s *SIMDImpl) Rules() LayoutRules { return s.rules }

// Devices implements Implementation.
func (s *SIMDImpl) Devices() []string {
	devices := make([]string, s.mesh.NumDevices())
	for i := range devices {
		physical := i
		if i < len(s.logicalToPhysical) {
			physical = s.logicalToPhysical[i]
		}
		devices[i] = fmt.Sprintf("replica:%d", physical)
	}
	return devices
}

// Validate implements Implementation: the number of replicas must match the mesh size.
func (s *SIMDImpl) Validate() error {
	if s.context == nil {
		return errors.New("SIMD mesh implementation requires an ExecutionContext")
	}
	if s.context.NumReplicas != s.mesh.NumDevices() {
		return errors.Errorf("mesh %s has %d devices, but the accelerator topology has %d replicas",
			s.mesh, s.mesh.NumDevices(), s.context.NumReplicas)
	}
	if len(s.logicalToPhysical) > 0 {
		if len(s.logicalToPhysical) != s.mesh.NumDevices() {
			return errors.Errorf("logical to physical assignment has %d entries, mesh has %d devices",
				len(s.logicalToPhysical), s.mesh.NumDevices())
		}
		seen := sets.Make[int]()
		for _, physical := range s.logicalToPhysical {
			if physical < 0 || physical >= s.context.NumReplicas || seen.Has(physical) {
				return errors.Errorf("invalid logical to physical assignment %v", s.logicalToPhysical)
			}
			seen.Insert(physical)
		}
	}
	return s.rules.Validate(s.mesh)
}

// String implements fmt.Stringer.
func (s *SIMDImpl) String() string {
	return fmt.Sprintf("SIMDImpl(%s, rules=%q)", s.mesh, s.rules)
}

// AutoLogicalToPhysical maps logical devices (in mesh row-major order) to physical devices
// (in physical row-major order), walking the physical topology in a boustrophedon (snake)
// order so that consecutive logical devices are physical neighbors.
func AutoLogicalToPhysical(mesh *DeviceMesh, physicalShape []int) ([]int, error) {
	numPhysical := 1
	for _, dim := range physicalShape {
		numPhysical *= dim
	}
	if len(physicalShape) == 0 || numPhysical != mesh.NumDevices() {
		return nil, errors.Errorf("physical shape %v has %d devices, mesh %s requires %d",
			physicalShape, numPhysical, mesh, mesh.NumDevices())
	}
	strides := make([]int, len(physicalShape))
	stride := 1
	for i := len(physicalShape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= physicalShape[i]
	}
	order := make([]int, 0, numPhysical)
	coords := make([]int, len(physicalShape))
	var walk func(axis int, reversed bool)
	walk = func(axis int, reversed bool) {
		if axis == len(physicalShape) {
			physical := 0
			for i, c := range coords {
				physical += c * strides[i]
			}
			order = append(order, physical)
			return
		}
		for step := range physicalShape[axis] {
			c := step
			if reversed {
				c = physicalShape[axis] - 1 - step
			}
			coords[axis] = c
			walk(axis+1, step%2 == 1)
		}
	}
	walk(0, false)
	return order, nil
}
