// Package monitor implements the groundwork operator TUI. It follows a
// watcher remotely over the operator API, polling /healthz and tailing
// the /events stream.
package monitor

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/groundwork/internal/store"
)

// Theme centralizes all styling for the monitor TUI.
type Theme struct {
	// Job status colors
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusQueued  lipgloss.Style
	StatusHeld    lipgloss.Style

	// UI elements
	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	// Activity indicator
	DotActive   lipgloss.Style
	DotInactive lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusQueued:  lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		StatusHeld:    lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		DotActive:   lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		DotInactive: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}

// statusStyle picks the style for a job status.
func (t Theme) statusStyle(s store.Status) lipgloss.Style {
	switch s {
	case store.StatusCompleted:
		return t.StatusOK
	case store.StatusProcessing:
		return t.StatusRunning
	case store.StatusFailed, store.StatusRejected:
		return t.StatusFailed
	case store.StatusAwaitingApproval, store.StatusApproved:
		return t.StatusHeld
	default:
		return t.StatusQueued
	}
}
