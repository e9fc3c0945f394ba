// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/goccy/go-json"
	"github.com/mattn/go-isatty"
)

// Aleutian palette
var (
	colorTealBright  = lipgloss.Color("#2CD7C7")
	colorTealPrimary = lipgloss.Color("#20B9B4")
	colorTealDeep    = lipgloss.Color("#16858E")
	colorSlate       = lipgloss.Color("#2C4A54")
	colorWarning     = lipgloss.Color("#F4D03F")
	colorError       = lipgloss.Color("#E74C3C")
)

var styles = struct {
	Title    lipgloss.Style
	Subtitle lipgloss.Style
	Bold     lipgloss.Style
	Muted    lipgloss.Style
	Success  lipgloss.Style
	Warning  lipgloss.Style
	Error    lipgloss.Style
	Box      lipgloss.Style
	ErrorBox lipgloss.Style
}{
	Title:    lipgloss.NewStyle().Bold(true).Foreground(colorTealBright),
	Subtitle: lipgloss.NewStyle().Foreground(colorTealPrimary),
	Bold:     lipgloss.NewStyle().Bold(true),
	Muted:    lipgloss.NewStyle().Foreground(colorSlate),
	Success:  lipgloss.NewStyle().Foreground(colorTealBright),
	Warning:  lipgloss.NewStyle().Foreground(colorWarning),
	Error:    lipgloss.NewStyle().Foreground(colorError),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorTealDeep).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorError).
		Padding(0, 1),
}

const (
	iconSuccess = "✓"
	iconWarning = "⚠"
	iconError   = "✗"
	iconPending = "○"
	iconArrow   = "→"
)

// printer writes command output. In plain mode (not a terminal) styles
// and boxes are dropped so the text stays greppable.
type printer struct {
	w     io.Writer
	plain bool
}

// newPrinter writes to stdout, styled only when stdout is a terminal.
func newPrinter() *printer {
	fd := os.Stdout.Fd()
	return &printer{
		w:     os.Stdout,
		plain: !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd),
	}
}

func (p *printer) render(s lipgloss.Style, text string) string {
	if p.plain {
		return text
	}
	return s.Render(text)
}

func (p *printer) Title(text string) {
	fmt.Fprintln(p.w, p.render(styles.Title, text))
}

func (p *printer) Section(text string) {
	fmt.Fprintln(p.w)
	fmt.Fprintln(p.w, p.render(styles.Subtitle, text))
}

func (p *printer) Success(text string) {
	fmt.Fprintf(p.w, "%s %s\n", p.render(styles.Success, iconSuccess), p.render(styles.Success, text))
}

func (p *printer) Warning(text string) {
	fmt.Fprintf(p.w, "%s %s\n", p.render(styles.Warning, iconWarning), p.render(styles.Warning, text))
}

func (p *printer) Error(text string) {
	fmt.Fprintf(p.w, "%s %s\n", p.render(styles.Error, iconError), p.render(styles.Error, text))
}

func (p *printer) Muted(text string) {
	fmt.Fprintln(p.w, p.render(styles.Muted, text))
}

// Field prints an aligned "label: value" line.
func (p *printer) Field(label, value string) {
	if value == "" {
		value = "-"
	}
	fmt.Fprintf(p.w, "  %s %s\n", p.render(styles.Muted, fmt.Sprintf("%-14s", label+":")), value)
}

// Box prints lines inside a rounded border, or indented in plain mode.
func (p *printer) Box(style lipgloss.Style, lines ...string) {
	if p.plain {
		for _, l := range lines {
			fmt.Fprintf(p.w, "  %s\n", l)
		}
		return
	}
	fmt.Fprintln(p.w, style.Render(strings.Join(lines, "\n")))
}

// JSON writes v indented.
func (p *printer) JSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(p.w, string(data))
	return err
}
