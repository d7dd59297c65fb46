// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package summary

import (
	"cmp"
	"os"
	"slices"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// DataFrame converts events to a dataframe with the columns "step", "tag" and "value".
func DataFrame(events []Event) dataframe.DataFrame {
	steps := make([]int, len(events))
	tags := make([]string, len(events))
	values := make([]float64, len(events))
	for i, e := range events {
		steps[i] = int(e.Step)
		tags[i] = e.Tag
		values[i] = e.Value
	}
	return dataframe.New(
		series.New(steps, series.Int, "step"),
		series.New(tags, series.String, "tag"),
		series.New(values, series.Float, "value"),
	)
}

// ExportCSV writes the events to a CSV file with a header.
func ExportCSV(events []Event, path string) error {
	df := DataFrame(events)
	if df.Err != nil {
		return errors.Wrap(df.Err, "building summaries dataframe")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating CSV file %q", path)
	}
	if err := df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing CSV file %q", path)
	}
	return errors.Wrapf(f.Close(), "closing CSV file %q", path)
}

// Plot saves a PNG (or any format supported by gonum/plot, by the extension of path) with one line
// per tag, with the step as the X axis. Tags with no events are skipped.
func Plot(events []Event, tags []string, title, path string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "step"
	var lines []any
	for _, tag := range tags {
		tagged := Filter(events, tag)
		if len(tagged) == 0 {
			continue
		}
		slices.SortStableFunc(tagged, func(a, b Event) int { return cmp.Compare(a.Step, b.Step) })
		xys := make(plotter.XYs, len(tagged))
		for i, e := range tagged {
			xys[i].X = float64(e.Step)
			xys[i].Y = e.Value
		}
		lines = append(lines, tag, xys)
	}
	if len(lines) == 0 {
		return errors.Errorf("no events to plot for tags %q", tags)
	}
	if err := plotutil.AddLinePoints(p, lines...); err != nil {
		return errors.Wrap(err, "plotting summaries")
	}
	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "saving plot to %q", path)
	}
	return nil
}
