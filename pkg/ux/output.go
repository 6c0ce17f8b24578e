// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output styling for the benchgate CLI.
//
// Output is styled only when it goes to a terminal. Redirected output, CI
// logs and NO_COLOR get plain text that is stable enough to grep.
package ux

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Aleutian color palette - deep ocean teals and arctic waters
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // Bright teal - highlights
	ColorTealPrimary = lipgloss.Color("#20B9B4") // Primary teal - main brand color
	ColorTealDeep    = lipgloss.Color("#16858E") // Deep teal - borders
	ColorSlate       = lipgloss.Color("#2C4A54") // Slate - muted text

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title     lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style
	Box       lipgloss.Style
	Header    lipgloss.Style
	Cell      lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	Header: lipgloss.NewStyle().Bold(true).Foreground(ColorTealPrimary).Padding(0, 1),
	Cell:   lipgloss.NewStyle().Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// IsTerminal reports whether w is a terminal that accepts colour.
func IsTerminal(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Printer writes status lines, styled when Rich is set.
type Printer struct {
	W    io.Writer
	Rich bool
}

// NewPrinter returns a Printer for w, rich when w is a terminal.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{W: w, Rich: IsTerminal(w)}
}

func (p *Printer) line(icon Icon, label string, style lipgloss.Style, text string) {
	if !p.Rich {
		fmt.Fprintf(p.W, "%s: %s\n", label, text)
		return
	}
	fmt.Fprintf(p.W, "%s %s\n", icon.Render(), style.Render(text))
}

// Success prints a success line.
func (p *Printer) Success(text string) { p.line(IconSuccess, "OK", Styles.Success, text) }

// Warning prints a warning line.
func (p *Printer) Warning(text string) { p.line(IconWarning, "WARN", Styles.Warning, text) }

// Error prints an error line.
func (p *Printer) Error(text string) { p.line(IconError, "ERROR", Styles.Error, text) }

// Info prints an informational line.
func (p *Printer) Info(text string) {
	if !p.Rich {
		fmt.Fprintln(p.W, text)
		return
	}
	fmt.Fprintf(p.W, "%s %s\n", Styles.Muted.Render("│"), text)
}

// Title prints a heading. Plain output gets the bare text.
func (p *Printer) Title(text string) {
	if !p.Rich {
		fmt.Fprintln(p.W, text)
		return
	}
	fmt.Fprintln(p.W, Styles.Title.Render(text))
}

// Box prints content in a rounded box under title.
func (p *Printer) Box(title, content string) {
	if !p.Rich {
		fmt.Fprintf(p.W, "%s\n%s\n", title, content)
		return
	}
	fmt.Fprintln(p.W, Styles.Box.Render(Styles.Title.Render(title)+"\n"+content))
}
