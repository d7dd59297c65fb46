// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"

	"github.com/pkg/errors"
)

// Schedule returns the learning rate for a global step (the step being taken, starting at 1).
type Schedule func(step int64) float64

// Constant schedule.
func Constant(learningRate float64) Schedule {
	return func(int64) float64 { return learningRate }
}

// InverseSqrtDecay returns base/sqrt(max(step, warmupSteps)): constant for the first
// warmupSteps, and then decaying with the inverse square root of the step.
func InverseSqrtDecay(base float64, warmupSteps int64) Schedule {
	warmupSteps = max(warmupSteps, 1)
	return func(step int64) float64 {
		return base / math.Sqrt(float64(max(step, warmupSteps)))
	}
}

// Cosine decays the learning rate from base to minimum over totalSteps following half a cosine
// cycle, and then stays at minimum.
func Cosine(base, minimum float64, totalSteps int64) Schedule {
	return func(step int64) float64 {
		if totalSteps <= 0 || step >= totalSteps {
			return minimum
		}
		progress := float64(step) / float64(totalSteps)
		return minimum + (base-minimum)*0.5*(1+math.Cos(math.Pi*progress))
	}
}

// ScheduleByName returns one of the schedules by name: "constant", "rsqrt" (InverseSqrtDecay) or
// "cosine" (decaying to 0 over totalSteps).
func ScheduleByName(name string, base float64, warmupSteps, totalSteps int64) (Schedule, error) {
	switch name {
	case "", "constant":
		return Constant(base), nil
	case "rsqrt":
		return InverseSqrtDecay(base, warmupSteps), nil
	case "cosine":
		return Cosine(base, 0, totalSteps), nil
	}
	return nil, errors.Errorf("unknown learning rate schedule %q, valid values are \"constant\", \"rsqrt\" and \"cosine\"", name)
}
