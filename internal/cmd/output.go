package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
)

// Styles contains lipgloss styles for command output
type Styles struct {
	Title   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Muted   lipgloss.Style
	Key     lipgloss.Style
}

// DefaultStyles returns the default lipgloss styles
func DefaultStyles() Styles {
	return Styles{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("63")), // Purple
		Success: lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")), // Green
		Warning: lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")), // Orange
		Error: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196")), // Red
		Muted: lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")), // Gray
		Key: lipgloss.NewStyle().
			Bold(true),
	}
}

// PlainStyles renders text unchanged.
func PlainStyles() Styles {
	plain := lipgloss.NewStyle()
	return Styles{Title: plain, Success: plain, Warning: plain, Error: plain, Muted: plain, Key: plain}
}

func stylesFor(cc *CommandContext) Styles {
	if cc.NoColor {
		return PlainStyles()
	}
	return DefaultStyles()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
}
