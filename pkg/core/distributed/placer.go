// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"slices"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// VariablePlacer chooses the host device that keeps the master copy of each variable.
type VariablePlacer interface {
	PlaceVariable(name string, numBytes int64) string
}

// BalancedVariablePlacer places each new variable on the device with the least memory in use.
//
// It is safe for concurrent use.
type BalancedVariablePlacer struct {
	mu      sync.Mutex
	devices []string
	usage   []int64
}

// NewBalancedVariablePlacer creates a placer over the devices, given the memory already in use
// (in bytes) on each of them. initialUsage may be nil, meaning nothing is in use.
func NewBalancedVariablePlacer(devices []string, initialUsage []int64) (*BalancedVariablePlacer, error) {
	if len(devices) == 0 {
		return nil, errors.New("BalancedVariablePlacer requires at least one device")
	}
	if initialUsage == nil {
		initialUsage = make([]int64, len(devices))
	}
	if len(initialUsage) != len(devices) {
		return nil, errors.Errorf("BalancedVariablePlacer got %d devices but %d memory usages",
			len(devices), len(initialUsage))
	}
	return &BalancedVariablePlacer{devices: slices.Clone(devices), usage: slices.Clone(initialUsage)}, nil
}

// PlaceVariable implements VariablePlacer. Ties are broken by the device order.
func (p *BalancedVariablePlacer) PlaceVariable(name string, numBytes int64) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	best := 0
	for i, usage := range p.usage {
		if usage < p.usage[best] {
			best = i
		}
	}
	p.usage[best] += numBytes
	klog.V(1).Infof("placing variable %q (%s) on %q, now using %s", name,
		humanize.Bytes(uint64(numBytes)), p.devices[best], humanize.Bytes(uint64(p.usage[best])))
	return p.devices[best]
}

// Usage returns the memory in use per device.
func (p *BalancedVariablePlacer) Usage() map[string]int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	usage := make(map[string]int64, len(p.devices))
	for i, device := range p.devices {
		usage[device] += p.usage[i]
	}
	return usage
}
