// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package summary records scalar summaries (training loss, learning rate, evaluation metrics) of a
// model directory.
//
// Scalars are appended as JSON lines to an events file, optionally mirrored to Prometheus gauges,
// and can be exported to CSV or plotted.
package summary

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gomlx/caet/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
)

// EventsFileName is the name of the events file in a summary directory.
const EventsFileName = "events.jsonl"

// Event is one scalar summary.
type Event struct {
	Step  int64     `json:"step"`
	Tag   string    `json:"tag"`
	Value float64   `json:"value"`
	Time  time.Time `json:"time"`
}

// Writer appends scalar summaries to the events file of a directory. It is safe for concurrent use.
type Writer struct {
	dir string

	mu     sync.Mutex
	file   *os.File
	buf    *bufio.Writer
	enc    *json.Encoder
	gauges *prometheus.GaugeVec
}

// NewWriter creates (or appends to) the events file in dir. If registerer is not nil, every scalar
// is also set on the gauge "caet_summary_scalar", labeled by tag.
func NewWriter(dir string, registerer prometheus.Registerer) (*Writer, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, fsutil.DirPermMode); err != nil {
		return nil, errors.Wrapf(err, "creating summary directory %q", dir)
	}
	path := filepath.Join(dir, EventsFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening summary events file %q", path)
	}
	w := &Writer{dir: dir, file: f, buf: bufio.NewWriter(f)}
	w.enc = json.NewEncoder(w.buf)
	if registerer != nil {
		w.gauges = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "caet_summary_scalar",
			Help: "Last value of each scalar summary, labeled by tag.",
		}, []string{"tag"})
		if err := registerer.Register(w.gauges); err != nil {
			are := prometheus.AlreadyRegisteredError{}
			if !errors.As(err, &are) {
				_ = f.Close()
				return nil, errors.Wrap(err, "registering summary gauges")
			}
			w.gauges = are.ExistingCollector.(*prometheus.GaugeVec)
		}
	}
	return w, nil
}

// Dir of the writer.
func (w *Writer) Dir() string { return w.dir }

// Scalar records value for tag at step.
func (w *Writer) Scalar(tag string, value float64, step int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return errors.Errorf("summary writer for %q is closed", w.dir)
	}
	if w.gauges != nil {
		w.gauges.WithLabelValues(tag).Set(value)
	}
	klog.V(2).Infof("summary %s at step %d: %g", tag, step, value)
	return errors.Wrapf(w.enc.Encode(Event{Step: step, Tag: tag, Value: value, Time: time.Now()}),
		"writing summary %q", tag)
}

// Scalars records every value of values at step, tagged by prefix+name.
func (w *Writer) Scalars(prefix string, values map[string]float64, step int64) error {
	for name, value := range values {
		if err := w.Scalar(prefix+name, value, step); err != nil {
			return err
		}
	}
	return nil
}

// Flush buffered events to the file.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	if err := w.buf.Flush(); err != nil {
		return errors.Wrapf(err, "flushing summaries to %q", w.dir)
	}
	return nil
}

// Close flushes and closes the events file.
func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return errors.Wrapf(err, "closing summaries file in %q", w.dir)
}

// ReadEvents reads all the events of the summary directory dir, in the order they were written.
func ReadEvents(dir string) ([]Event, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, EventsFileName)
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening summary events file %q", path)
	}
	defer func() { _ = f.Close() }()
	var events []Event
	dec := json.NewDecoder(f)
	for {
		var e Event
		if err := dec.Decode(&e); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.Wrapf(err, "reading event %d of %q", len(events), path)
		}
		events = append(events, e)
	}
	return events, nil
}

// Filter returns the events with the given tag.
func Filter(events []Event, tag string) []Event {
	var filtered []Event
	for _, e := range events {
		if e.Tag == tag {
			filtered = append(filtered, e)
		}
	}
	return filtered
}
