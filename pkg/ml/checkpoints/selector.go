// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Checkpoint refers to a saved checkpoint: its path (without suffixes) and global step.
type Checkpoint struct {
	Path string
	Step int64
}

type selectorKind int

const (
	selectLatest selectorKind = iota
	selectSteps
	selectContinuous
)

// Selector resolves which checkpoints of a directory to use. Create it with Latest, Steps or
// Continuous.
type Selector struct {
	kind         selectorKind
	steps        []int64
	pollInterval time.Duration
	timeout      time.Duration
	skipUntil    int64
}

// Latest selects the most recent checkpoint.
func Latest() Selector { return Selector{kind: selectLatest} }

// Steps selects, for each step, the checkpoint with the closest global step. Duplicates are
// removed and checkpoints are yielded in increasing step order.
func Steps(steps ...int64) Selector { return Selector{kind: selectSteps, steps: steps} }

// Continuous selects the latest checkpoint, and then waits for newer ones to be saved, checking
// every pollInterval. Each check yields only the latest checkpoint: checkpoints superseded between
// two checks are skipped.
//
// It stops when no new checkpoint appears for timeout (if timeout > 0) or when the context is done.
func Continuous(pollInterval, timeout time.Duration) Selector {
	return Selector{kind: selectContinuous, pollInterval: pollInterval, timeout: timeout}
}

// SkipUntil makes a Continuous selector ignore checkpoints with step < step.
func (s Selector) SkipUntil(step int64) Selector {
	s.skipUntil = step
	return s
}

// String implements fmt.Stringer.
func (s Selector) String() string {
	switch s.kind {
	case selectLatest:
		return "latest"
	case selectSteps:
		return fmt.Sprintf("steps%v", s.steps)
	default:
		return fmt.Sprintf("continuous(poll=%s, timeout=%s)", s.pollInterval, s.timeout)
	}
}

// listWithSteps lists the checkpoints of dir with their steps, sorted by step. Checkpoints whose
// step can't be parsed are skipped.
func listWithSteps(dir string) ([]Checkpoint, error) {
	paths, err := ListCheckpoints(dir)
	if err != nil {
		return nil, err
	}
	checkpoints := make([]Checkpoint, 0, len(paths))
	for _, path := range paths {
		step, err := StepFromPath(path)
		if err != nil {
			klog.Warningf("skipping checkpoint: %v", err)
			continue
		}
		checkpoints = append(checkpoints, Checkpoint{Path: path, Step: step})
	}
	slices.SortStableFunc(checkpoints, byStep)
	return checkpoints, nil
}

// closest returns the checkpoint with the step closest to step. checkpoints must not be empty.
func closest(checkpoints []Checkpoint, step int64) Checkpoint {
	best := checkpoints[0]
	for _, c := range checkpoints[1:] {
		if absDiff(c.Step, step) < absDiff(best.Step, step) {
			best = c
		}
	}
	if best.Step != step {
		klog.Infof("using checkpoint at step %d, the closest to requested step %d", best.Step, step)
	}
	return best
}

func byStep(a, b Checkpoint) int { return cmp.Compare(a.Step, b.Step) }

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}

// Resolve the selector for the checkpoints in dir. Latest and Steps are resolved immediately and
// fail with ErrNoCheckpoints if there are none.
//
// The returned sequence yields the selected checkpoints. For Continuous it blocks waiting for new
// checkpoints, and yields an error if listing the directory fails.
func (s Selector) Resolve(ctx context.Context, dir string) (iter.Seq2[Checkpoint, error], error) {
	switch s.kind {
	case selectLatest, selectSteps:
		checkpoints, err := listWithSteps(dir)
		if err != nil {
			return nil, err
		}
		if len(checkpoints) == 0 {
			return nil, errors.Wrapf(ErrNoCheckpoints, "in %q", dir)
		}
		var selected []Checkpoint
		if s.kind == selectLatest {
			selected = []Checkpoint{checkpoints[len(checkpoints)-1]}
		} else {
			if len(s.steps) == 0 {
				return nil, errors.New("checkpoints.Steps selector requires at least one step")
			}
			for _, step := range s.steps {
				c := closest(checkpoints, step)
				if !slices.Contains(selected, c) {
					selected = append(selected, c)
				}
			}
			slices.SortFunc(selected, byStep)
		}
		return func(yield func(Checkpoint, error) bool) {
			for _, c := range selected {
				if !yield(c, nil) {
					return
				}
			}
		}, nil

	case selectContinuous:
		if s.pollInterval <= 0 {
			return nil, errors.Errorf("checkpoints.Continuous requires a positive poll interval, got %s", s.pollInterval)
		}
		return s.continuous(ctx, dir), nil
	}
	return nil, errors.Errorf("unknown checkpoint selector %d", s.kind)
}

func (s Selector) continuous(ctx context.Context, dir string) iter.Seq2[Checkpoint, error] {
	return func(yield func(Checkpoint, error) bool) {
		lastStep := s.skipUntil - 1
		lastNew := time.Now()
		for {
			checkpoints, err := listWithSteps(dir)
			if err != nil {
				yield(Checkpoint{}, err)
				return
			}
			if len(checkpoints) > 0 {
				if latest := checkpoints[len(checkpoints)-1]; latest.Step > lastStep {
					lastStep = latest.Step
					lastNew = time.Now()
					if !yield(latest, nil) {
						return
					}
				}
			}
			if s.timeout > 0 && time.Since(lastNew) >= s.timeout {
				klog.Infof("no new checkpoint in %q for %s, stopping", dir, s.timeout)
				return
			}
			klog.V(1).Infof("waiting for new checkpoints in %q", dir)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.pollInterval):
			}
		}
	}
}
