// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux styles terminal output for groupbench reports.
package ux

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Palette: deep ocean teals and arctic waters.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Theme is a set of styles bound to one output.
type Theme struct {
	Title     lipgloss.Style
	Label     lipgloss.Style
	Value     lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style
	styled    bool
}

// NewTheme returns the palette styles when w is a terminal and unstyled
// pass-through styles otherwise, so piped reports stay free of escape codes.
func NewTheme(w io.Writer) Theme {
	if !IsTerminal(w) {
		return PlainTheme()
	}
	r := lipgloss.NewRenderer(w)
	return Theme{
		Title:     r.NewStyle().Bold(true).Foreground(ColorTealBright),
		Label:     r.NewStyle().Foreground(ColorTealPrimary),
		Value:     r.NewStyle().Bold(true),
		Muted:     r.NewStyle().Foreground(ColorSlate),
		Success:   r.NewStyle().Foreground(ColorSuccess),
		Warning:   r.NewStyle().Foreground(ColorWarning),
		Error:     r.NewStyle().Foreground(ColorError),
		Highlight: r.NewStyle().Foreground(ColorTealBright).Bold(true),
		styled:    true,
	}
}

// PlainTheme returns styles that render text unchanged.
func PlainTheme() Theme {
	plain := lipgloss.NewStyle()
	return Theme{
		Title: plain, Label: plain, Value: plain, Muted: plain,
		Success: plain, Warning: plain, Error: plain, Highlight: plain,
	}
}

// Styled reports whether the theme emits escape codes.
func (t Theme) Styled() bool {
	return t.styled
}

// IsTerminal reports whether w is a terminal, including Cygwin ptys.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconArrow   Icon = "→"
)

// Render styles the icon with t.
func (i Icon) Render(t Theme) string {
	switch i {
	case IconSuccess:
		return t.Success.Render(string(i))
	case IconWarning:
		return t.Warning.Render(string(i))
	case IconError:
		return t.Error.Render(string(i))
	default:
		return string(i)
	}
}

// ProgressBar renders current/total as a bar of width cells.
func ProgressBar(t Theme, current, total, width int) string {
	if total <= 0 || width <= 0 {
		return ""
	}
	current = min(max(current, 0), total)
	filled := current * width / total
	return t.Success.Render(strings.Repeat("█", filled)) +
		t.Muted.Render(strings.Repeat("░", width-filled))
}
