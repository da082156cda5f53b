// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output styling for the learn CLI.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Aleutian color palette - deep ocean teals and arctic waters
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // main brand color
	ColorTealDeep    = lipgloss.Color("#16858E") // borders, accents
	ColorSlate       = lipgloss.Color("#2C4A54") // muted text, borders

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style

	Box        lipgloss.Style
	WarningBox lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Subtitle:  lipgloss.NewStyle().Foreground(ColorTealPrimary),
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
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
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

// =============================================================================
// Mode
// =============================================================================

// Mode controls the richness of output.
type Mode string

const (
	// ModeRich uses colors, icons and boxes.
	ModeRich Mode = "rich"
	// ModePlain uses icons without colors.
	ModePlain Mode = "plain"
	// ModeMachine prints tab-separated lines suitable for scripts.
	ModeMachine Mode = "machine"
)

// ParseMode converts a flag value to a Mode. Unknown values yield ModeRich.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "plain", "minimal":
		return ModePlain
	case "machine", "script":
		return ModeMachine
	default:
		return ModeRich
	}
}

// DetectMode returns ModeRich for terminals and ModePlain otherwise.
func DetectMode(f *os.File) Mode {
	if f == nil {
		return ModePlain
	}
	fd := f.Fd()
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		return ModeRich
	}
	return ModePlain
}

// =============================================================================
// Printer
// =============================================================================

// Printer writes styled lines to one writer.
//
// # Thread Safety
//
// Safe for concurrent use; each call writes whole lines.
type Printer struct {
	mu   sync.Mutex
	out  io.Writer
	mode Mode
}

// NewPrinter creates a printer. A nil out writes to os.Stdout.
func NewPrinter(out io.Writer, mode Mode) *Printer {
	if out == nil {
		out = os.Stdout
	}
	return &Printer{out: out, mode: mode}
}

// Stdout returns a printer for os.Stdout with a detected mode.
func Stdout() *Printer {
	return NewPrinter(os.Stdout, DetectMode(os.Stdout))
}

// Mode returns the printer's mode.
func (p *Printer) Mode() Mode { return p.mode }

func (p *Printer) println(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, s)
}

func (p *Printer) style(s lipgloss.Style, text string) string {
	if p.mode != ModeRich {
		return text
	}
	return s.Render(text)
}

func (p *Printer) icon(i Icon) string {
	if p.mode != ModeRich {
		return string(i)
	}
	return i.Render()
}

// Title prints a styled title
func (p *Printer) Title(text string) {
	if p.mode == ModeMachine {
		return
	}
	p.println(p.style(Styles.Title, text))
}

// Success prints a success message with checkmark
func (p *Printer) Success(text string) {
	if p.mode == ModeMachine {
		p.println("OK\t" + text)
		return
	}
	p.println(p.icon(IconSuccess) + " " + p.style(Styles.Success, text))
}

// Warning prints a warning message
func (p *Printer) Warning(text string) {
	if p.mode == ModeMachine {
		p.println("WARN\t" + text)
		return
	}
	p.println(p.icon(IconWarning) + " " + p.style(Styles.Warning, text))
}

// Error prints an error message
func (p *Printer) Error(text string) {
	if p.mode == ModeMachine {
		p.println("ERROR\t" + text)
		return
	}
	p.println(p.icon(IconError) + " " + p.style(Styles.Error, text))
}

// Info prints an informational message
func (p *Printer) Info(text string) {
	if p.mode == ModeMachine {
		p.println(text)
		return
	}
	p.println(p.style(Styles.Muted, "│") + " " + text)
}

// Muted prints secondary text. Machine mode drops it.
func (p *Printer) Muted(text string) {
	if p.mode == ModeMachine {
		return
	}
	p.println(p.style(Styles.Muted, text))
}

// Field prints one label/value pair.
func (p *Printer) Field(label string, value any) {
	if p.mode == ModeMachine {
		p.println(fmt.Sprintf("%s\t%v", label, value))
		return
	}
	p.println(fmt.Sprintf("  %s %v", p.style(Styles.Muted, label+":"), value))
}

// Row prints a tab-separated row in machine mode and a bulleted line
// otherwise.
func (p *Printer) Row(cols ...string) {
	if p.mode == ModeMachine {
		p.println(strings.Join(cols, "\t"))
		return
	}
	if len(cols) == 0 {
		return
	}
	line := p.icon(IconBullet) + " " + p.style(Styles.Bold, cols[0])
	if len(cols) > 1 {
		line += "  " + p.style(Styles.Muted, strings.Join(cols[1:], "  "))
	}
	p.println(line)
}

// Box prints text in a rounded box
func (p *Printer) Box(title, content string) {
	if p.mode != ModeRich {
		p.println(title + ": " + content)
		return
	}
	p.println(Styles.Box.Width(60).Render(Styles.Title.Render(title) + "\n" + content))
}

// WarningBox prints text in a warning-styled box
func (p *Printer) WarningBox(title, content string) {
	if p.mode != ModeRich {
		p.println("WARN " + title + ": " + content)
		return
	}
	p.println(Styles.WarningBox.Width(60).Render(Styles.Warning.Bold(true).Render(title) + "\n" + content))
}

// ProgressBar renders a simple progress bar
func (p *Printer) ProgressBar(current, total, width int) string {
	if p.mode == ModeMachine || total <= 0 {
		return fmt.Sprintf("%d/%d", current, total)
	}
	if current > total {
		current = total
	}
	pct := float64(current) / float64(total)
	filled := int(pct * float64(width))
	empty := width - filled

	bar := p.style(Styles.Success, repeatChar('█', filled)) +
		p.style(Styles.Muted, repeatChar('░', empty))
	return fmt.Sprintf("%s %3.0f%%", bar, pct*100)
}

func repeatChar(c rune, n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat(string(c), n)
}
