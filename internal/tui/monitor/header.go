package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/groundwork/internal/publish"
	"github.com/mattjoyce/groundwork/internal/store"
)

// HealthState tracks watcher health from /healthz polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	Jobs          map[string]int
	Publisher     *publish.Stats
	Connected     bool
	LastCheck     time.Time
}

func renderHeader(health HealthState, spin string, activity Activity, theme Theme, width int) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("HEALTHY")
	statusIcon := "✅"
	if !health.Connected {
		statusText = theme.StatusFailed.Render("CONNECTING")
		statusIcon = "🔌"
	} else if health.Status != "ok" && health.Status != "" {
		statusText = theme.StatusFailed.Render("DEGRADED")
		statusIcon = "⚠️"
	}

	uptime := time.Duration(health.UptimeSeconds) * time.Second
	uptimeStr := formatDuration(uptime)

	lastEventStr := "never"
	if !activity.LastEvent().IsZero() {
		ago := time.Since(activity.LastEvent()).Round(time.Second)
		lastEventStr = fmt.Sprintf("%s ago", ago)
	}

	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	titleText := fmt.Sprintf(" GROUNDWORK MONITOR %s", spin)

	titleWidth := lipgloss.Width(titleText)
	clockWidth := lipgloss.Width(clock)
	pad := innerWidth - titleWidth - clockWidth - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s %s  ⏱ %s  Queued: %d  Running: %d  Awaiting approval: %d",
		statusIcon, statusText,
		uptimeStr,
		health.Jobs[string(store.StatusPending)],
		health.Jobs[string(store.StatusProcessing)],
		health.Jobs[string(store.StatusAwaitingApproval)],
	)
	if health.Publisher != nil {
		statsLine += fmt.Sprintf("  Publish queue: %d", health.Publisher.QueueDepth)
	}

	activityLine := fmt.Sprintf(" Last event: %s %s",
		lastEventStr,
		activity.Render(theme),
	)

	content := lipgloss.JoinVertical(lipgloss.Left,
		titleLine,
		statsLine,
		activityLine,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
