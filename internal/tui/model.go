// Package tui renders a live board of the ticket pipeline.
package tui

import (
	"context"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/pengelbrecht/ticketflow/internal/pipeline"
	"github.com/pengelbrecht/ticketflow/internal/webhook"
)

func init() {
	// Force TrueColor for terminals that misreport capabilities (e.g., TERM=screen in tmux)
	os.Setenv("COLORTERM", "truecolor")
}

// DefaultInterval is how often the board refreshes.
const DefaultInterval = time.Second

// Message types for board updates.
type (
	// SnapshotMsg carries a fresh listing of the stage folders.
	SnapshotMsg struct {
		Snapshot pipeline.Snapshot
		Err      error
	}

	// HealthMsg carries the daemon's queue state.
	HealthMsg struct {
		Health *webhook.Health
		Err    error
	}

	tickMsg time.Time
)

// Config configures the board.
type Config struct {
	Snapshots SnapshotSource
	// Health may be nil when no daemon is reachable.
	Health   HealthSource
	Interval time.Duration
}

// Model is the Bubble Tea model for the pipeline board.
type Model struct {
	width    int
	height   int
	ready    bool
	showHelp bool

	keys KeyMap
	help help.Model

	snapshots SnapshotSource
	health    HealthSource
	interval  time.Duration

	snapshot  pipeline.Snapshot
	snapErr   error
	stats     *webhook.Health
	healthErr error
	inFlight  map[string]bool

	focus   int
	cursors []int

	startTime time.Time
	updated   time.Time
}

// New creates a board model.
func New(cfg Config) Model {
	h := help.New()
	h.Styles.ShortKey = footerKeyStyle
	h.Styles.ShortDesc = footerStyle
	h.Styles.ShortSeparator = footerStyle

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return Model{
		keys:      DefaultKeyMap(),
		help:      h,
		snapshots: cfg.Snapshots,
		health:    cfg.Health,
		interval:  interval,
		snapshot:  pipeline.Snapshot{},
		inFlight:  map[string]bool{},
		cursors:   make([]int, len(pipeline.Stages)),
		startTime: time.Now(),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refresh(), m.tick())
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) refresh() tea.Cmd {
	cmds := []tea.Cmd{func() tea.Msg {
		if m.snapshots == nil {
			return SnapshotMsg{Snapshot: pipeline.Snapshot{}}
		}
		snap, err := m.snapshots.Snapshot()
		return SnapshotMsg{Snapshot: snap, Err: err}
	}}
	if m.health != nil {
		src, timeout := m.health, m.interval
		cmds = append(cmds, func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			h, err := src.Health(ctx)
			return HealthMsg{Health: h, Err: err}
		})
	}
	return tea.Batch(cmds...)
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.ready = true

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tickMsg:
		return m, tea.Batch(m.refresh(), m.tick())

	case SnapshotMsg:
		m.snapErr = msg.Err
		if msg.Err == nil {
			m.snapshot = msg.Snapshot
			m.updated = time.Now()
			m.clampCursors()
		}

	case HealthMsg:
		m.healthErr = msg.Err
		if msg.Err != nil || msg.Health == nil {
			m.stats = nil
			m.inFlight = map[string]bool{}
			break
		}
		m.stats = msg.Health
		m.inFlight = make(map[string]bool, len(msg.Health.Processing))
		for _, name := range msg.Health.Processing {
			m.inFlight[name] = true
		}
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.showHelp {
		// Any key closes the overlay; quit still quits.
		if key.Matches(msg, m.keys.Quit) {
			return m, tea.Quit
		}
		m.showHelp = false
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Help):
		m.showHelp = true
	case key.Matches(msg, m.keys.Refresh):
		return m, m.refresh()
	case key.Matches(msg, m.keys.Left):
		m.focus = (m.focus + len(pipeline.Stages) - 1) % len(pipeline.Stages)
	case key.Matches(msg, m.keys.Right):
		m.focus = (m.focus + 1) % len(pipeline.Stages)
	case key.Matches(msg, m.keys.Up):
		if m.cursors[m.focus] > 0 {
			m.cursors[m.focus]--
		}
	case key.Matches(msg, m.keys.Down):
		if m.cursors[m.focus] < len(m.column(m.focus))-1 {
			m.cursors[m.focus]++
		}
	case key.Matches(msg, m.keys.Top):
		m.cursors[m.focus] = 0
	case key.Matches(msg, m.keys.Bottom):
		if n := len(m.column(m.focus)); n > 0 {
			m.cursors[m.focus] = n - 1
		}
	}
	return m, nil
}

func (m Model) column(i int) []string {
	return m.snapshot[pipeline.Stages[i]]
}

// clampCursors keeps each cursor inside its column after a refresh.
func (m Model) clampCursors() {
	for i, c := range m.cursors {
		n := len(m.column(i))
		switch {
		case n == 0:
			m.cursors[i] = 0
		case c >= n:
			m.cursors[i] = n - 1
		}
	}
}

// Selected returns the ticket under the cursor in the focused column.
func (m Model) Selected() (pipeline.Stage, string, bool) {
	stage := pipeline.Stages[m.focus]
	names := m.column(m.focus)
	if len(names) == 0 {
		return stage, "", false
	}
	return stage, names[m.cursors[m.focus]], true
}

// View implements tea.Model.
func (m Model) View() string {
	if !m.ready {
		return "Loading...\n"
	}
	view := m.renderBoard()
	if m.showHelp {
		return m.renderHelpOverlay(view)
	}
	return view
}
