package monitor

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/groundwork/internal/events"
)

const streamRowLimit = 10

func renderStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= streamRowLimit {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.TypeJobCompleted:
		typeStyle = theme.StatusOK
	case events.TypeJobFailed, events.TypeJobRejected:
		typeStyle = theme.StatusFailed
	case events.TypeJobClaimed:
		typeStyle = theme.StatusRunning
	case events.TypeJobApproved, events.TypeJobReleased:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}
	typeName := typeStyle.Render(fmt.Sprintf("%-14s", e.Type))

	return fmt.Sprintf("%s %s %s", ts, typeName, describeChange(e, theme))
}

// describeChange summarizes a transition for one stream line.
func describeChange(e events.Event, theme Theme) string {
	parts := []string{fmt.Sprintf("[%s]", shortID(e.JobID))}

	to := theme.statusStyle(e.Change.To).Render(string(e.Change.To))
	if e.Change.From != "" {
		parts = append(parts, fmt.Sprintf("%s → %s", e.Change.From, to))
	} else {
		parts = append(parts, to)
	}
	if e.Change.Actor != "" {
		parts = append(parts, "by "+e.Change.Actor)
	}
	if e.Change.Detail != "" {
		detail := e.Change.Detail
		if len(detail) > 40 {
			detail = detail[:40] + "..."
		}
		parts = append(parts, detail)
	}
	return strings.Join(parts, " ")
}
