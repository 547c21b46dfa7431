// Package tui implements the terminal screens of mapdebug: the
// reconciliation modal shown when a Questionnaire save references missing
// Mapping records, and the live mapping debug preview.
package tui

import "github.com/charmbracelet/lipgloss"

// Status glyphs convey meaning without relying on color alone.
const (
	GlyphPending   = "○"
	GlyphCurrent   = "▸"
	GlyphSucceeded = "✓"
	GlyphFailed    = "✗"
	GlyphSkipped   = "⏭"
)

// Palette adapts to terminal capabilities via lipgloss.
var (
	colorGreen  = lipgloss.Color("42")
	colorRed    = lipgloss.Color("196")
	colorYellow = lipgloss.Color("214")
	colorBlue   = lipgloss.Color("39")
	colorCyan   = lipgloss.Color("51")
	colorDim    = lipgloss.Color("240")
	colorWhite  = lipgloss.Color("255")
)

// --- Header styles ---

var headerStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(colorCyan).
	Padding(0, 1)

var modeBadgeStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("0")).
	Background(colorYellow).
	Padding(0, 1)

// --- Overlay styles ---

var (
	overlayBorder = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorCyan).
			Padding(1, 2)

	overlayTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorCyan)

	overlayInstructions = lipgloss.NewStyle().
				Foreground(colorDim).
				Italic(true)

	columnHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorBlue)

	rowCurrent = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorYellow)
)

// --- Panel styles ---

var (
	panelBorder = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorDim)

	panelTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorCyan).
			Padding(0, 1)
)

// --- Status styles ---

var (
	statusSucceededStyle = lipgloss.NewStyle().
				Foreground(colorGreen).
				Bold(true)

	statusFailedStyle = lipgloss.NewStyle().
				Foreground(colorRed).
				Bold(true)

	statusSkippedStyle = lipgloss.NewStyle().
				Faint(true)

	statusRunningStyle = lipgloss.NewStyle().
				Foreground(colorYellow)
)

// --- Key bar styles ---

var (
	keyStyle = lipgloss.NewStyle().
			Foreground(colorCyan).
			Bold(true)

	keyDescStyle = lipgloss.NewStyle().
			Foreground(colorDim)

	keyBarStyle = lipgloss.NewStyle().
			Padding(0, 1)
)

var errorStyle = lipgloss.NewStyle().
	Foreground(colorRed).
	Bold(true)

var spinnerStyle = lipgloss.NewStyle().
	Foreground(colorYellow)

var dimStyle = lipgloss.NewStyle().
	Foreground(colorWhite).
	Faint(true)
