package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// tickMsg triggers a periodic snapshot refresh.
type tickMsg time.Time

// snapshotMsg carries one refresh. err is kept so the dashboard can show a
// read failure without dying.
type snapshotMsg struct {
	snap Snapshot
	err  error
}

const refreshInterval = 2 * time.Second

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchCmd() tea.Cmd {
	return func() tea.Msg {
		snap, err := fetchSnapshot(context.Background())
		return snapshotMsg{snap: snap, err: err}
	}
}

// Model is the Bubble Tea model for the drover dashboard.
type Model struct {
	theme  Theme
	styles Styles
	table  table.Model

	snap Snapshot
	err  error

	width  int
	height int
}

func newModel() Model {
	theme := DefaultTheme()
	styles := NewStyles(theme)

	columns := []table.Column{
		{Title: "Worker", Width: 10},
		{Title: "Status", Width: 14},
		{Title: "Task", Width: 24},
		{Title: "Note", Width: 30},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	ts := table.DefaultStyles()
	ts.Header = ts.Header.Bold(true).Foreground(theme.Primary).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true)
	ts.Selected = ts.Selected.Foreground(lipgloss.Color("0")).Background(theme.Primary)
	t.SetStyles(ts)

	return Model{theme: theme, styles: styles, table: t}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(fetchCmd(), tickCmd())
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, fetchCmd()
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(msg.Width - 2)
	case tickMsg:
		return m, tea.Batch(fetchCmd(), tickCmd())
	case snapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			m.snap = msg.snap
			m.table.SetRows(workerRows(msg.snap.Workers))
		}
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func workerRows(workers []WorkerRow) []table.Row {
	rows := make([]table.Row, 0, len(workers))
	for _, w := range workers {
		task := w.Task
		if task == "" {
			task = "-"
		}
		rows = append(rows, table.Row{w.Name, w.Status, task, w.Note})
	}
	return rows
}

// View implements tea.Model.
func (m Model) View() string {
	var sb strings.Builder

	sb.WriteString(m.styles.Title.Render("drover"))
	sb.WriteString("  ")
	sb.WriteString(m.headerLine())
	sb.WriteString("\n")

	if m.err != nil {
		sb.WriteString(m.styles.Down.Render(fmt.Sprintf("refresh failed: %v", m.err)))
		sb.WriteString("\n")
	}

	sb.WriteString(m.styles.Section.Render("workers"))
	sb.WriteString("\n")
	sb.WriteString(m.table.View())
	sb.WriteString("\n")
	if line := m.summaryLine(); line != "" {
		sb.WriteString(line)
		sb.WriteString("\n")
	}

	sb.WriteString(m.styles.Section.Render("events"))
	sb.WriteString("\n")
	if len(m.snap.Events) == 0 {
		sb.WriteString(m.styles.Muted.Render("no events yet"))
		sb.WriteString("\n")
	}
	for _, e := range m.snap.Events {
		sb.WriteString(fmt.Sprintf("%s %-12s %-6s %s\n",
			m.styles.Muted.Render(e.Time), e.Kind, e.Worker, e.Detail))
	}

	sb.WriteString("\n")
	sb.WriteString(m.styles.Muted.Render("q quit · r refresh"))
	sb.WriteString("\n")
	return sb.String()
}

// summaryLine renders per-status worker counts, colored like the statuses
// themselves.
func (m Model) summaryLine() string {
	counts := make(map[string]int)
	var order []string
	for _, w := range m.snap.Workers {
		if counts[w.Status] == 0 {
			order = append(order, w.Status)
		}
		counts[w.Status]++
	}
	parts := make([]string, 0, len(order))
	for _, status := range order {
		parts = append(parts, m.styles.statusStyle(status).Render(fmt.Sprintf("%d %s", counts[status], status)))
	}
	return strings.Join(parts, "  ")
}

// headerLine renders the daemon liveness summary.
func (m Model) headerLine() string {
	if m.snap.Daemon.Markers > 0 {
		return m.styles.Warn.Render(fmt.Sprintf("MANUAL INTERVENTION NEEDED (%d marker(s))", m.snap.Daemon.Markers))
	}
	if !m.snap.Daemon.Running {
		return m.styles.Down.Render("daemon down")
	}
	line := fmt.Sprintf("daemon pid %d", m.snap.Daemon.PID)
	if m.snap.Daemon.HeartbeatAge != "" {
		line += " · heartbeat " + m.snap.Daemon.HeartbeatAge + " ago"
	}
	return m.styles.Healthy.Render(line)
}
