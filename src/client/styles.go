package client

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

var (
	// Styles with no custom colors - use terminal defaults
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			MarginBottom(1)

	SuccessStyle = lipgloss.NewStyle().
			Bold(true)

	InfoStyle = lipgloss.NewStyle()

	WarningStyle = lipgloss.NewStyle().
			Bold(true)

	SubtleStyle = lipgloss.NewStyle().
			Faint(true)

	CodeStyle = lipgloss.NewStyle().
			Padding(0, 1)
)

// PrintTitle prints a styled title
func PrintTitle(w io.Writer, text string) {
	fmt.Fprintln(w, TitleStyle.Render(text))
}

// PrintSuccess prints a styled success message
func PrintSuccess(w io.Writer, text string) {
	fmt.Fprintln(w, SuccessStyle.Render(text))
}

// PrintInfo prints a styled info message
func PrintInfo(w io.Writer, text string) {
	fmt.Fprintln(w, InfoStyle.Render(text))
}

// PrintWarning prints a styled warning message
func PrintWarning(w io.Writer, text string) {
	fmt.Fprintln(w, WarningStyle.Render(text))
}

// PrintSubtle prints a styled subtle message
func PrintSubtle(w io.Writer, text string) {
	fmt.Fprintln(w, SubtleStyle.Render(text))
}

// PrintCode prints a styled code snippet
func PrintCode(w io.Writer, text string) {
	fmt.Fprintln(w, CodeStyle.Render(text))
}
