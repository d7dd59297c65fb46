// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line.
package commandline

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/caet/pkg/attrtransfer/run"
	"github.com/gomlx/caet/pkg/support/sets"
	"github.com/olekukonko/tablewriter"
)

// ReportEval writes a table with the metrics of each evaluated checkpoint.
func ReportEval(w io.Writer, results []run.CheckpointMetrics) {
	if len(results) == 0 {
		_, _ = fmt.Fprintln(w, "No checkpoint evaluated.")
		return
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"STEP", "METRIC", "VALUE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	for _, result := range results {
		for _, tag := range sets.SortedKeys(result.Metrics) {
			table.Append([]string{humanize.Comma(result.Step), tag, fmt.Sprintf("%.3f", result.Metrics[tag])})
		}
	}
	table.Render()
}
