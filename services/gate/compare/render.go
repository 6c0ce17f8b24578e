// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compare

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// WriteJSON writes the report as indented JSON.
func WriteJSON(w io.Writer, r *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}

// Markdown renders the report for a pull request comment.
func Markdown(r *Report) string {
	var sb strings.Builder

	sb.WriteString("# Benchmark Regression Gate\n\n")
	fmt.Fprintf(&sb, "**Verdict: %s**\n\n", strings.ToUpper(string(r.Verdict)))
	fmt.Fprintf(&sb, "Baseline: `%s` (%s)  \n", r.BaselineName, r.BaselineRevision)
	fmt.Fprintf(&sb, "Current: `%s` (%s)  \n", r.CurrentName, r.CurrentRevision)
	fmt.Fprintf(&sb, "Metric: %s, threshold %s\n\n", r.Metric, FormatPercent(r.Threshold))

	c := r.Counts
	fmt.Fprintf(&sb, "%d regressed, %d improved, %d unchanged, %d inconclusive, %d added, %d removed\n\n",
		c.Regressed, c.Improved, c.OK, c.Inconclusive, c.Added, c.Removed)

	if len(r.Entries) == 0 {
		sb.WriteString("_No benchmarks._\n")
		return sb.String()
	}

	sb.WriteString("| Benchmark | Baseline | Current | Delta | Change | Status |\n")
	sb.WriteString("|-----------|----------|---------|-------|--------|--------|\n")
	for _, e := range r.Entries {
		fmt.Fprintf(&sb, "| `%s` | %s | %s | %s | %s | %s |\n",
			e.ID,
			FormatValue(e.Baseline),
			FormatValue(e.Current),
			FormatDelta(e),
			FormatRelative(e.Relative),
			statusLabel(e.Status),
		)
	}

	if regs := r.Filter(StatusRegressed); len(regs) > 0 {
		sb.WriteString("\n## Regressions\n\n")
		for _, e := range regs {
			fmt.Fprintf(&sb, "- **%s**: %s over threshold %s\n",
				e.ID, FormatRelative(e.Relative), FormatPercent(e.Threshold))
		}
	}
	if inc := r.Filter(StatusInconclusive); len(inc) > 0 {
		sb.WriteString("\n## Inconclusive\n\n")
		for _, e := range inc {
			fmt.Fprintf(&sb, "- **%s**: baseline is zero, relative change is undefined\n", e.ID)
		}
	}
	return sb.String()
}

// FormatValue renders a measurement, "-" when absent.
func FormatValue(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.6g", *v)
}

// FormatRelative renders a relative change as a signed percentage.
func FormatRelative(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%+.2f%%", *v*100)
}

// FormatPercent renders a fraction as a percentage.
func FormatPercent(v float64) string {
	return fmt.Sprintf("%.2f%%", v*100)
}

// FormatDelta renders the absolute change of e.
func FormatDelta(e Entry) string {
	if e.Baseline == nil || e.Current == nil {
		return "-"
	}
	return fmt.Sprintf("%+.6g", e.Delta)
}

func statusLabel(s Status) string {
	switch s {
	case StatusRegressed:
		return "❌ regressed"
	case StatusImproved:
		return "✅ improved"
	case StatusInconclusive:
		return "⚠️ inconclusive"
	case StatusAdded:
		return "➕ added"
	case StatusRemoved:
		return "➖ removed"
	default:
		return "ok"
	}
}
