// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/caet/pkg/attrtransfer/estimator"
	"github.com/gomlx/caet/pkg/support/sets"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// RefreshPeriod is the maximum time between terminal updates.
var RefreshPeriod = time.Second * 3

// maxUpdatesPerRun is the number of updates of the progress bar during a training run, not counting
// the ones forced by RefreshPeriod.
const maxUpdatesPerRun = 1000

// progressBar holds a progressbar being displayed.
type progressBar struct {
	out              io.Writer
	startStep        int64
	endStep          int64
	lastStepReported int64
	lastReportTime   time.Time
	reportEvery      int64
	bar              *progressbar.ProgressBar

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	numLinesPrinted  int
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBarName is the name of the hooks of the progress bar.
const ProgressBarName = "caet.ui.commandline.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

type progressBarUpdate struct {
	amount         int64
	step           int64
	medianDuration time.Duration
	summaries      map[string]float64
}

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// AttachProgressBar creates a commandline progress bar and attaches it to the estimator, so that
// every time it trains, it will display a progress bar with the global step and the training
// summaries (loss, learning rate...).
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func AttachProgressBar(e *estimator.Estimator, extraMetrics ...ExtraMetricFn) {
	attachProgressBar(e, os.Stdout, extraMetrics...)
}

func attachProgressBar(e *estimator.Estimator, out io.Writer, extraMetrics ...ExtraMetricFn) *progressBar {
	pBar := &progressBar{
		out:            out,
		termenv:        termenv.NewOutput(out),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
		extraMetricFns: extraMetrics,
	}
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	e.OnStart(ProgressBarName, 0, pBar.onStart)
	e.OnStep(ProgressBarName, 0, pBar.onStep)
	e.OnEnd(ProgressBarName, 0, pBar.onEnd)
	return pBar
}

func (pBar *progressBar) onStart(_ *estimator.Estimator, startStep, endStep int64) error {
	pBar.startStep, pBar.endStep = startStep, endStep
	pBar.lastStepReported = startStep
	pBar.lastReportTime = time.Now()
	pBar.reportEvery = max((endStep-startStep)/maxUpdatesPerRun, 1)
	pBar.numLinesPrinted = 0
	pBar.bar = progressbar.NewOptions64(endStep-startStep,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar.out),
	)
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so things are not blocked.
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawUpdates(pBar.updates)
	return nil
}

func (pBar *progressBar) onStep(e *estimator.Estimator, step int64, summaries map[string]float64) error {
	amount := step - pBar.lastStepReported
	if amount <= 0 {
		return nil
	}
	if amount < pBar.reportEvery && step < pBar.endStep && time.Since(pBar.lastReportTime) < RefreshPeriod {
		return nil
	}
	update := progressBarUpdate{
		amount:         amount,
		step:           step,
		medianDuration: e.MedianStepDuration(),
		summaries:      make(map[string]float64, len(summaries)),
	}
	for name, value := range summaries {
		update.summaries[name] = value
	}
	pBar.updates <- update
	pBar.lastStepReported = step
	pBar.lastReportTime = time.Now()
	return nil
}

// drawUpdates asynchronously draws updates: this is handy if the training is faster than the terminal, in particular
// if running on cloud, with a relatively slow network connection.
func (pBar *progressBar) drawUpdates(updates <-chan progressBarUpdate) {
	defer pBar.asyncUpdatesDone.Done()
	for update := range updates {
		// Exhaust the updates in the buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		// Create the table to be printed.
		pBar.statsTable.Data(lgtable.NewStringData())
		pBar.statsTable.Row("Global Step", fmt.Sprintf("%s of %s", humanize.Comma(update.step), humanize.Comma(pBar.endStep)))
		pBar.statsTable.Row("Median train step duration", FormatDuration(update.medianDuration))
		for _, name := range sets.SortedKeys(update.summaries) {
			pBar.statsTable.Row(name, fmt.Sprintf("%.4g", update.summaries[name]))
		}
		for _, extraMetric := range pBar.extraMetricFns {
			name, value := extraMetric()
			pBar.statsTable.Row(name, value)
		}

		// Clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if pBar.numLinesPrinted > 0 {
			pBar.termenv.CursorPrevLine(pBar.numLinesPrinted)
		}

		// Print update: table, progress bar line and an empty line.
		rendered := pBar.statsStyle.Render(pBar.statsTable.String())
		_, _ = fmt.Fprintln(pBar.out, rendered)
		_ = pBar.bar.Add64(amount)
		_, _ = fmt.Fprintln(pBar.out, "\033[J")
		pBar.numLinesPrinted = lipgloss.Height(rendered) + 2
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

func (pBar *progressBar) onEnd(_ *estimator.Estimator, _ int64, _ map[string]float64) error {
	// drawUpdates holds its own reference to the channel.
	if pBar.updates != nil {
		close(pBar.updates)
		pBar.updates = nil
	}
	pBar.asyncUpdatesDone.Wait()
	pBar.termenv.ShowCursor()
	_, _ = fmt.Fprintln(pBar.out)
	return nil
}
