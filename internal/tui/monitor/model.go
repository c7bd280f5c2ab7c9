package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/groundwork/internal/events"
)

// Model is the main BubbleTea model for the monitor TUI.
type Model struct {
	apiURL   string
	apiToken string

	width  int
	height int

	// State
	health      HealthState
	jobs        map[string]*JobState
	eventLog    []events.Event
	lastEventID int64

	// Widgets
	board    table.Model
	spin     spinner.Model
	activity Activity

	// Communication
	theme     Theme
	hubEvents chan events.Event

	// Error display
	lastError string
}

// New creates a monitor model pointed at an operator API.
func New(apiURL, apiToken string) *Model {
	theme := NewDefaultTheme()

	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	sp.Style = theme.Highlight

	return &Model{
		apiURL:    strings.TrimRight(apiURL, "/"),
		apiToken:  apiToken,
		jobs:      make(map[string]*JobState),
		eventLog:  make([]events.Event, 0),
		hubEvents: make(chan events.Event, 100),
		board:     newJobTable(theme),
		spin:      sp,
		theme:     theme,
	}
}

// Run starts the monitor and blocks until the operator quits.
func Run(apiURL, apiToken string) error {
	_, err := tea.NewProgram(New(apiURL, apiToken)).Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeEvents(m.apiURL, m.apiToken, 0, m.hubEvents),
		receiveNext(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL, m.apiToken) },
		m.spin.Tick,
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		default:
			var cmd tea.Cmd
			m.board, cmd = m.board.Update(msg)
			return m, cmd
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case tickMsg:
		m.activity.Decay()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)

		// Event log, newest first
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > 50 {
			m.eventLog = m.eventLog[:50]
		}
		if e.ID > m.lastEventID {
			m.lastEventID = e.ID
		}

		m.activity.OnEvent()
		updateJobState(m.jobs, e)
		m.board.SetRows(boardRows(m.jobs))

		m.health.Connected = true
		m.lastError = ""

		return m, receiveNext(m.hubEvents)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Jobs = msg.Jobs
		m.health.Publisher = msg.Publisher
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""

		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.apiToken)
		})

	case streamDroppedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		// The receiveNext goroutine keeps waiting on the channel and
		// picks up events from the new subscription.
		return m, tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeEvents(m.apiURL, m.apiToken, m.lastEventID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.apiToken)
		})
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Starting monitor..."
	}

	header := renderHeader(m.health, m.spin.View(), m.activity, m.theme, m.width)
	board := renderBoard(m.board, len(m.jobs), m.theme, m.width)
	stream := renderStream(m.eventLog, m.theme, m.width)

	var errBar string
	if m.lastError != "" {
		errBar = m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError))
	}

	help := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Select job")

	parts := []string{header, board, stream}
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
