// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/AleutianAI/benchgate/services/gate/compare"
)

// statusIcon maps an entry status to its icon and style.
func statusIcon(s compare.Status) (Icon, lipgloss.Style) {
	switch s {
	case compare.StatusRegressed:
		return IconError, Styles.Error
	case compare.StatusImproved:
		return IconSuccess, Styles.Success
	case compare.StatusInconclusive:
		return IconWarning, Styles.Warning
	case compare.StatusAdded, compare.StatusRemoved:
		return IconPending, Styles.Muted
	default:
		return "", lipgloss.NewStyle()
	}
}

// Verdict renders the verdict of a report as a single line.
func (p *Printer) Verdict(r *compare.Report) {
	text := fmt.Sprintf("verdict: %s (%d regressed, %d inconclusive, %d improved, %d ok)",
		r.Verdict, r.Counts.Regressed, r.Counts.Inconclusive, r.Counts.Improved, r.Counts.OK)
	switch r.Verdict {
	case compare.VerdictPass:
		p.Success(text)
	case compare.VerdictRegressed:
		p.Error(text)
	default:
		p.Warning(text)
	}
}

// Report renders the comparison table followed by the verdict.
//
// Plain output is one tab-separated line per benchmark so CI logs stay
// greppable. Rich output is a bordered table with coloured statuses.
func (p *Printer) Report(r *compare.Report) {
	p.Title(fmt.Sprintf("%s %s %s  (%s, threshold %s)",
		r.BaselineRevision, IconArrow, r.CurrentRevision, r.Metric, compare.FormatPercent(r.Threshold)))

	if len(r.Entries) == 0 {
		p.Info("no benchmarks")
	} else if p.Rich {
		fmt.Fprintln(p.W, reportTable(r))
	} else {
		fmt.Fprintln(p.W, "benchmark\tbaseline\tcurrent\tdelta\trelative\tstatus")
		for _, e := range r.Entries {
			fmt.Fprintf(p.W, "%s\t%s\t%s\t%s\t%s\t%s\n",
				e.ID,
				compare.FormatValue(e.Baseline),
				compare.FormatValue(e.Current),
				compare.FormatDelta(e),
				compare.FormatRelative(e.Relative),
				e.Status,
			)
		}
	}
	p.Verdict(r)
}

func reportTable(r *compare.Report) string {
	statuses := make([]compare.Status, len(r.Entries))
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorTealDeep)).
		Headers("BENCHMARK", "BASELINE", "CURRENT", "DELTA", "RELATIVE", "STATUS")

	for i, e := range r.Entries {
		statuses[i] = e.Status
		icon, _ := statusIcon(e.Status)
		status := strings.TrimSpace(string(icon) + " " + string(e.Status))
		t.Row(
			e.ID,
			compare.FormatValue(e.Baseline),
			compare.FormatValue(e.Current),
			compare.FormatDelta(e),
			compare.FormatRelative(e.Relative),
			status,
		)
	}

	t.StyleFunc(func(row, col int) lipgloss.Style {
		if row == table.HeaderRow {
			return Styles.Header
		}
		if col == 5 && row >= 0 && row < len(statuses) {
			_, style := statusIcon(statuses[row])
			return style.Padding(0, 1)
		}
		return Styles.Cell
	})
	return t.Render()
}
