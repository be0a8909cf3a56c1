// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders human-facing CLI output: run progress lines, the
// pass@1 summary and single repair results.
//
// Output is styled with the Aleutian teal palette when the destination is
// a terminal and NO_COLOR is unset; otherwise it is plain text suitable
// for logs and pipes.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Aleutian palette.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")
	ColorWarning     = lipgloss.Color("#F4D03F")
	ColorError       = lipgloss.Color("#E74C3C")
)

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconArrow   Icon = "→"
)

// plainIcons replace glyphs in unstyled output.
var plainIcons = map[Icon]string{
	IconSuccess: "PASS",
	IconWarning: "WARN",
	IconError:   "FAIL",
	IconArrow:   "->",
}

type styles struct {
	title   lipgloss.Style
	muted   lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	err     lipgloss.Style
	box     lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		title:   r.NewStyle().Bold(true).Foreground(ColorTealBright),
		muted:   r.NewStyle().Foreground(ColorSlate),
		success: r.NewStyle().Foreground(ColorTealBright),
		warning: r.NewStyle().Foreground(ColorWarning),
		err:     r.NewStyle().Foreground(ColorError),
		box: r.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorTealDeep).
			Padding(0, 1),
	}
}

// Printer writes CLI output.
//
// Thread Safety: Safe for concurrent use; each call writes whole lines.
type Printer struct {
	w      io.Writer
	styled bool
	st     styles
	mu     sync.Mutex
}

// NewPrinter styles output only when w is a terminal and NO_COLOR is unset.
func NewPrinter(w io.Writer) *Printer {
	return newPrinter(w, IsTerminal(w) && os.Getenv("NO_COLOR") == "")
}

// NewPlainPrinter never styles output.
func NewPlainPrinter(w io.Writer) *Printer {
	return newPrinter(w, false)
}

func newPrinter(w io.Writer, styled bool) *Printer {
	return &Printer{w: w, styled: styled, st: newStyles(lipgloss.NewRenderer(w))}
}

// IsTerminal reports whether w is a terminal file.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Styled reports whether output carries ANSI styling.
func (p *Printer) Styled() bool {
	return p.styled
}

// Title prints a heading.
func (p *Printer) Title(text string) {
	p.println(p.render(p.st.title, text))
}

// Info prints a muted detail line.
func (p *Printer) Info(text string) {
	p.println(p.render(p.st.muted, "│") + " " + text)
}

// Warn prints a warning line.
func (p *Printer) Warn(text string) {
	p.println(p.icon(IconWarning) + " " + p.render(p.st.warning, text))
}

// Error prints an error line.
func (p *Printer) Error(text string) {
	p.println(p.icon(IconError) + " " + p.render(p.st.err, text))
}

// TaskLine prints one finished benchmark task.
func (p *Printer) TaskLine(taskID string, passed bool, iterations int, d time.Duration) {
	icon := p.icon(IconError)
	if passed {
		icon = p.icon(IconSuccess)
	}
	detail := fmt.Sprintf("iters=%d %s", iterations, d.Round(time.Millisecond))
	p.println(fmt.Sprintf("%s %s %s", icon, taskID, p.render(p.st.muted, detail)))
}

// Summary prints the pass@1 score of a run.
func (p *Printer) Summary(score float64, passed, total int) {
	line := fmt.Sprintf("pass@1 = %d/%d = %.3f", passed, total, score)
	if p.styled {
		p.println(p.st.box.Render(p.st.title.Render(line)))
		return
	}
	p.println(line)
}

// Repair prints the outcome of a single repair session.
func (p *Printer) Repair(status string, passed bool, iterations int, trajectory []string, finalSource string) {
	icon := p.icon(IconError)
	if passed {
		icon = p.icon(IconSuccess)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s after %d iteration(s)\n", icon, p.render(p.st.title, status), iterations)
	for _, rec := range trajectory {
		first, _, more := strings.Cut(rec, "\n")
		if more {
			first += " …"
		}
		fmt.Fprintf(&b, "  %s %s\n", p.icon(IconArrow), first)
	}
	b.WriteString(p.render(p.st.muted, "Final source:") + "\n")
	b.WriteString(finalSource)
	if !strings.HasSuffix(finalSource, "\n") {
		b.WriteString("\n")
	}
	p.write(b.String())
}

func (p *Printer) icon(i Icon) string {
	if !p.styled {
		return plainIcons[i]
	}
	switch i {
	case IconSuccess:
		return p.st.success.Render(string(i))
	case IconWarning:
		return p.st.warning.Render(string(i))
	case IconError:
		return p.st.err.Render(string(i))
	default:
		return p.st.muted.Render(string(i))
	}
}

func (p *Printer) render(s lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return s.Render(text)
}

func (p *Printer) println(line string) {
	p.write(line + "\n")
}

func (p *Printer) write(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = io.WriteString(p.w, s)
}
