// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ReadAheadDataset is a wrapper around a Source that reads elements in a background goroutine,
// so that when Yield is called the results are immediate. Order is preserved.
//
// Call Done when finished with it, to stop the background goroutine.
type ReadAheadDataset[T any] struct {
	ds         Source[T]
	bufferSize int

	mu   sync.Mutex
	impl *readAheadImpl[T]
	err  error
}

type yieldUnit[T any] struct {
	element T
	err     error
}

// readAheadImpl holds the state of one epoch.
type readAheadImpl[T any] struct {
	buffer    chan yieldUnit[T]
	stopEpoch chan struct{}
	finished  chan struct{}
	exhausted bool
}

// ReadAhead returns a dataset that reads up to bufferSize elements of ds ahead of the calls to
// Yield. A bufferSize < 1 is taken as 1.
//
// The underlying ds is only accessed by the background goroutine until Reset or Done.
func ReadAhead[T any](ds Source[T], bufferSize int) *ReadAheadDataset[T] {
	ra := &ReadAheadDataset[T]{ds: ds, bufferSize: max(bufferSize, 1)}
	ra.impl = ra.start()
	return ra
}

func (ra *ReadAheadDataset[T]) start() *readAheadImpl[T] {
	impl := &readAheadImpl[T]{
		// The goroutine holds one element while blocked on the channel.
		buffer:    make(chan yieldUnit[T], ra.bufferSize-1),
		stopEpoch: make(chan struct{}),
		finished:  make(chan struct{}),
	}
	go func(ds Source[T]) {
		defer close(impl.finished)
		for {
			select {
			case <-impl.stopEpoch:
				return
			default:
			}
			var unit yieldUnit[T]
			unit.element, unit.err = ds.Yield()
			if unit.err != nil && unit.err != io.EOF {
				klog.Errorf("ReadAhead(%q): %+v", ds.Name(), unit.err)
			}
			select {
			case <-impl.stopEpoch:
				return
			case impl.buffer <- unit:
			}
			if unit.err != nil {
				return
			}
		}
	}(ra.ds)
	return impl
}

// stop the current epoch's goroutine and wait for it to finish.
func (impl *readAheadImpl[T]) stop() {
	close(impl.stopEpoch)
	<-impl.finished
}

// Name implements Source.
func (ra *ReadAheadDataset[T]) Name() string { return ra.ds.Name() }

// Reset implements Source: it discards whatever was read ahead and restarts the underlying dataset.
func (ra *ReadAheadDataset[T]) Reset() {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	if ra.impl == nil {
		klog.Warningf("ReadAheadDataset(%q).Reset called after Done", ra.ds.Name())
		return
	}
	ra.impl.stop()
	ra.err = nil
	ra.ds.Reset()
	ra.impl = ra.start()
}

// Yield implements Source.
func (ra *ReadAheadDataset[T]) Yield() (T, error) {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	var zero T
	impl := ra.impl
	if impl == nil {
		return zero, errors.Errorf("ReadAheadDataset(%q).Yield called after Done", ra.ds.Name())
	}
	if ra.err != nil {
		return zero, ra.err
	}
	if impl.exhausted {
		return zero, io.EOF
	}
	unit := <-impl.buffer
	if unit.err == io.EOF {
		impl.exhausted = true
	} else if unit.err != nil {
		ra.err = unit.err
	}
	return unit.element, unit.err
}

// Done stops the background goroutine. The dataset can no longer be used afterwards.
func (ra *ReadAheadDataset[T]) Done() {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	if ra.impl != nil {
		ra.impl.stop()
		ra.impl = nil
	}
}
