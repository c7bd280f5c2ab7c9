package monitor

import (
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/groundwork/internal/events"
	"github.com/mattjoyce/groundwork/internal/store"
)

const boardRowLimit = 12

// JobState is what the event stream reveals about one job.
type JobState struct {
	ID        string
	Status    store.Status
	Actor     string
	Detail    string
	FirstSeen time.Time
	UpdatedAt time.Time
}

// updateJobState folds an event into the per-job tracking map.
func updateJobState(jobs map[string]*JobState, e events.Event) {
	if e.JobID == "" {
		return
	}
	job, ok := jobs[e.JobID]
	if !ok {
		job = &JobState{ID: e.JobID, FirstSeen: e.At}
		jobs[e.JobID] = job
	}
	job.Status = e.Change.To
	if e.Change.Actor != "" {
		job.Actor = e.Change.Actor
	}
	job.Detail = e.Change.Detail
	job.UpdatedAt = e.At
}

func newJobTable(theme Theme) table.Model {
	columns := []table.Column{
		{Title: "JOB", Width: 14},
		{Title: "STATUS", Width: 18},
		{Title: "ACTOR", Width: 20},
		{Title: "UPDATED", Width: 10},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(boardRowLimit),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

// boardRows orders tracked jobs newest-activity-first for the table.
func boardRows(jobs map[string]*JobState) []table.Row {
	states := make([]*JobState, 0, len(jobs))
	for _, j := range jobs {
		states = append(states, j)
	}
	sort.Slice(states, func(i, k int) bool {
		if !states[i].UpdatedAt.Equal(states[k].UpdatedAt) {
			return states[i].UpdatedAt.After(states[k].UpdatedAt)
		}
		return states[i].ID < states[k].ID
	})
	if len(states) > boardRowLimit {
		states = states[:boardRowLimit]
	}

	rows := make([]table.Row, 0, len(states))
	for _, j := range states {
		actor := j.Actor
		if actor == "" {
			actor = "-"
		}
		rows = append(rows, table.Row{
			shortID(j.ID),
			string(j.Status),
			actor,
			formatAgo(time.Since(j.UpdatedAt)),
		})
	}
	return rows
}

func renderBoard(board table.Model, jobCount int, theme Theme, width int) string {
	innerWidth := width - 4

	if jobCount == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("JOBS"),
			theme.Dim.Render("  No job activity yet..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("JOBS"),
		board.View(),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func formatAgo(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh ago", int(d.Hours()))
}
