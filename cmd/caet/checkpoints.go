// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/caet/pkg/core/tensors"
	"github.com/gomlx/caet/pkg/ml/checkpoints"
	"github.com/gomlx/caet/pkg/ml/summary"
	"github.com/gomlx/caet/pkg/support/fsutil"
	"github.com/gomlx/caet/pkg/support/sets"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/stat"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
)

func newPlainTable(alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				return headerRowStyle
			}
			s = oddRowStyle
			if row%2 == 1 {
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
}

type checkpointsReport struct {
	summary, vars, metrics bool
	tags                   []string
	plotPath, csvPath      string
}

func newCheckpointsCmd() *cobra.Command {
	r := &checkpointsReport{}
	cmd := &cobra.Command{
		Use:   "checkpoints <model_dir>",
		Short: "Report on the checkpoints and summaries of a model directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := fsutil.ReplaceTildeInDir(args[0])
			if err != nil {
				return err
			}
			if !r.summary && !r.vars && !r.metrics && r.plotPath == "" && r.csvPath == "" {
				r.summary = true
			}
			return r.report(cmd.OutOrStdout(), dir)
		},
	}
	cmd.Flags().BoolVar(&r.summary, "summary", false, "Display the checkpoints, the global step and the model size. The default report.")
	cmd.Flags().BoolVar(&r.vars, "vars", false, "List the variables of the latest checkpoint.")
	cmd.Flags().BoolVar(&r.metrics, "metrics", false, "List the last value of the summaries (training and eval).")
	cmd.Flags().StringSliceVar(&r.tags, "tags", nil, "Tags of the summaries to report or plot, defaults to all.")
	cmd.Flags().StringVar(&r.plotPath, "plot", "", "Plot the summaries to this image file.")
	cmd.Flags().StringVar(&r.csvPath, "csv", "", "Export the summaries to this CSV file.")
	return cmd
}

func (r *checkpointsReport) report(w io.Writer, dir string) error {
	if r.summary || r.vars {
		paths, err := checkpoints.ListCheckpoints(dir)
		if err != nil {
			return err
		}
		if len(paths) == 0 {
			return errors.Wrapf(checkpoints.ErrNoCheckpoints, "in %q", dir)
		}
		latest := paths[len(paths)-1]
		values, globalStep, err := checkpoints.ReadVariables(latest, nil)
		if err != nil {
			return err
		}
		if r.summary {
			writeSummary(w, paths, values, globalStep)
		}
		if r.vars {
			writeVariables(w, values)
		}
	}
	if !r.metrics && r.plotPath == "" && r.csvPath == "" {
		return nil
	}
	events, err := summaryEvents(dir, r.tags)
	if err != nil {
		return err
	}
	if r.metrics {
		writeMetrics(w, events)
	}
	if r.csvPath != "" {
		if err := summary.ExportCSV(events, r.csvPath); err != nil {
			return err
		}
	}
	if r.plotPath != "" {
		tags := r.tags
		if len(tags) == 0 {
			tags = eventTags(events)
		}
		if err := summary.Plot(events, tags, dir, r.plotPath); err != nil {
			return err
		}
	}
	return nil
}

// summaryEvents reads the training summaries of dir and the eval summaries of its "*_eval"
// subdirectories, restricted to tags if given.
func summaryEvents(dir string, tags []string) ([]summary.Event, error) {
	dirs := []string{dir}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading model directory %q", dir)
	}
	for _, entry := range entries {
		if entry.IsDir() && strings.HasSuffix(entry.Name(), "_eval") {
			dirs = append(dirs, filepath.Join(dir, entry.Name()))
		}
	}
	var events []summary.Event
	for _, d := range dirs {
		exists, err := fsutil.FileExists(filepath.Join(d, summary.EventsFileName))
		if err != nil {
			return nil, err
		}
		if !exists {
			continue
		}
		dirEvents, err := summary.ReadEvents(d)
		if err != nil {
			return nil, err
		}
		events = append(events, dirEvents...)
	}
	if len(tags) == 0 {
		return events, nil
	}
	var filtered []summary.Event
	for _, tag := range tags {
		filtered = append(filtered, summary.Filter(events, tag)...)
	}
	return filtered, nil
}

func eventTags(events []summary.Event) []string {
	tags := sets.Make[string]()
	for _, e := range events {
		tags.Insert(e.Tag)
	}
	return sets.Sorted(tags)
}

func writeSummary(w io.Writer, paths []string, values map[string]*tensors.Tensor, globalStep int64) {
	_, _ = fmt.Fprintln(w, titleStyle.Render("Summary"))
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Row("latest checkpoint", paths[len(paths)-1])
	table.Row("# checkpoints", humanize.Comma(int64(len(paths))))
	table.Row("global_step", humanize.Comma(globalStep))
	var numParams, numBytes int64
	for _, v := range values {
		numParams += int64(v.Size())
		numBytes += v.Memory()
	}
	table.Row("# variables", humanize.Comma(int64(len(values))))
	table.Row("# parameters", humanize.Comma(numParams))
	table.Row("# bytes", humanize.Bytes(uint64(numBytes)))
	_, _ = fmt.Fprintln(w, table.Render())
}

// writeVariables lists the variables with their shape and MAV (mean absolute value), RMS
// (root-mean-square) and MaxAV (max absolute value).
func writeVariables(w io.Writer, values map[string]*tensors.Tensor) {
	_, _ = fmt.Fprintln(w, titleStyle.Render("Variables"))
	table := newPlainTable(lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Name", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
	for _, name := range sets.SortedKeys(values) {
		v := values[name]
		mav, rms, maxAV := variableStats(v)
		table.Row(name, v.ShapeString(), humanize.Comma(int64(v.Size())), humanize.Bytes(uint64(v.Memory())),
			mav, rms, maxAV)
	}
	_, _ = fmt.Fprintln(w, table.Render())
}

func variableStats(v *tensors.Tensor) (mav, rms, maxAV string) {
	if !v.DType().IsFloat() {
		return
	}
	x := v.Float64s()
	if len(x) == 1 {
		return fmt.Sprintf("%8v", x[0]), "", ""
	}
	abs := make([]float64, len(x))
	squares := make([]float64, len(x))
	var maxAbs float64
	for i, value := range x {
		abs[i] = math.Abs(value)
		squares[i] = value * value
		maxAbs = max(maxAbs, abs[i])
	}
	return fmt.Sprintf("%.3g", stat.Mean(abs, nil)),
		fmt.Sprintf("%.3g", math.Sqrt(stat.Mean(squares, nil))),
		fmt.Sprintf("%.3g", maxAbs)
}

// writeMetrics lists the last value of each tag.
func writeMetrics(w io.Writer, events []summary.Event) {
	_, _ = fmt.Fprintln(w, titleStyle.Render("Metrics"))
	last := make(map[string]summary.Event)
	for _, e := range events {
		if prev, found := last[e.Tag]; !found || e.Step >= prev.Step {
			last[e.Tag] = e
		}
	}
	table := newPlainTable(lipgloss.Left, lipgloss.Right)
	table.Headers("Tag", "Step", "Value")
	for _, tag := range sets.SortedKeys(last) {
		e := last[tag]
		table.Row(tag, humanize.Comma(e.Step), fmt.Sprintf("%.4g", e.Value))
	}
	_, _ = fmt.Fprintln(w, table.Render())
}
