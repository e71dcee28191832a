// Package tui is the live run monitor behind `fieldsync watch`.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/johndauphine/fieldsync/internal/mapping"
	"github.com/johndauphine/fieldsync/internal/orchestrator"
)

type rowState int

const (
	rowPending rowState = iota
	rowRunning
	rowDone
	rowFailed
)

type entityRow struct {
	entity    mapping.EntityType
	state     rowState
	processed int64
	errors    int64
	migrated  int
	deleted   int
	duration  time.Duration
	err       string
}

// Messages delivered to the model by Monitor.
type (
	tickMsg  time.Time
	phaseMsg struct {
		runID  string
		phase  orchestrator.Phase
		entity mapping.EntityType
	}
	entityDoneMsg struct {
		entity   mapping.EntityType
		migrated int
		deleted  int
		errors   []string
		duration time.Duration
		err      error
	}
	runDoneMsg struct {
		report *orchestrator.Report
		err    error
	}
)

// Model renders one sync run.
type Model struct {
	tenant   string
	runID    string
	phase    orchestrator.Phase
	rows     []*entityRow
	byEntity map[mapping.EntityType]*entityRow
	counts   *counters
	spinner  spinner.Model
	log      viewport.Model
	logLines []string
	width    int
	height   int
	started  time.Time
	elapsed  time.Duration

	report *orchestrator.Report
	err    error
	done   bool

	cancel     context.CancelFunc
	cancelling bool
}

func newModel(tenant string, types []mapping.EntityType, counts *counters, cancel context.CancelFunc) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styleActive

	m := Model{
		tenant:   tenant,
		phase:    orchestrator.PhaseIdle,
		byEntity: make(map[mapping.EntityType]*entityRow, len(types)),
		counts:   counts,
		spinner:  sp,
		log:      viewport.New(80, 8),
		started:  time.Now(),
		cancel:   cancel,
	}
	for _, t := range types {
		row := &entityRow{entity: t}
		m.rows = append(m.rows, row)
		m.byEntity[t] = row
	}
	return m
}

// Init starts the spinner and the refresh tick.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update handles a message.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.log.Width = max(msg.Width-4, 20)
		m.log.Height = max(msg.Height-len(m.rows)-10, 3)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			if m.done {
				return m, tea.Quit
			}
			if !m.cancelling && m.cancel != nil {
				m.cancelling = true
				m.cancel()
				m.appendLog(styleError.Render("Cancelling run..."))
			}
			return m, nil
		}
		var cmd tea.Cmd
		m.log, cmd = m.log.Update(msg)
		return m, cmd

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		m.refreshCounts()
		if !m.done {
			m.elapsed = time.Since(m.started)
			return m, tickCmd()
		}
		return m, nil

	case phaseMsg:
		m.runID = msg.runID
		m.phase = msg.phase
		if msg.phase == orchestrator.PhaseRunning {
			if row, ok := m.byEntity[msg.entity]; ok {
				row.state = rowRunning
			}
		}
		if msg.phase == orchestrator.PhaseReconciling {
			m.appendLog("Reconciling late references")
		}
		return m, nil

	case entityDoneMsg:
		m.refreshCounts()
		row, ok := m.byEntity[msg.entity]
		if !ok {
			return m, nil
		}
		row.migrated = msg.migrated
		row.deleted = msg.deleted
		row.duration = msg.duration
		if msg.err != nil {
			row.state = rowFailed
			row.err = msg.err.Error()
			m.appendLog(styleError.Render(fmt.Sprintf("%s failed: %v", msg.entity, msg.err)))
		} else {
			row.state = rowDone
		}
		for _, e := range msg.errors {
			m.appendLog(e)
		}
		return m, nil

	case runDoneMsg:
		m.refreshCounts()
		m.done = true
		m.elapsed = time.Since(m.started)
		m.report = msg.report
		m.err = msg.err
		if msg.report != nil {
			m.phase = orchestrator.Phase(msg.report.Status)
		} else {
			m.phase = orchestrator.PhaseFailed
		}
		if msg.err != nil {
			m.appendLog(styleError.Render("Run failed: " + msg.err.Error()))
		} else if msg.report != nil {
			m.appendLog(styleSuccess.Render("Run complete: " + msg.report.Summary()))
		}
		if m.cancelling {
			return m, tea.Quit
		}
		return m, nil
	}
	return m, nil
}

func (m *Model) refreshCounts() {
	if m.counts == nil {
		return
	}
	for _, row := range m.rows {
		row.processed, row.errors = m.counts.get(row.entity)
	}
}

func (m *Model) appendLog(line string) {
	m.logLines = append(m.logLines, line)
	m.log.SetContent(strings.Join(m.logLines, "\n"))
	m.log.GotoBottom()
}

// View renders the monitor.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(styleTitle.Render("fieldsync " + m.tenant))
	b.WriteString("\n")
	for _, row := range m.rows {
		b.WriteString(m.renderRow(row))
		b.WriteString("\n")
	}

	logView := stylePanel.Render(m.log.View())
	help := styleHelp.Render("q: cancel run / quit  ↑/↓: scroll log")
	if m.done {
		help = styleHelp.Render("q: quit")
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		b.String(),
		logView,
		m.statusBarView(),
		help,
	)
}

func (m Model) renderRow(row *entityRow) string {
	var icon string
	switch row.state {
	case rowPending:
		icon = stylePending.Render("·")
	case rowRunning:
		icon = m.spinner.View()
	case rowDone:
		icon = styleSuccess.Render("✔")
	case rowFailed:
		icon = styleError.Render("✖")
	}

	line := fmt.Sprintf("%s %-14s %8d records", icon, row.entity, row.processed)
	if row.errors > 0 {
		line += styleError.Render(fmt.Sprintf("  %d errors", row.errors))
	}
	if row.state == rowDone {
		detail := fmt.Sprintf("  %d migrated", row.migrated)
		if row.deleted > 0 {
			detail += fmt.Sprintf(", %d deleted", row.deleted)
		}
		line += stylePending.Render(detail + " in " + row.duration.Round(time.Millisecond).String())
	}
	if row.state == rowPending {
		return stylePending.Render(line)
	}
	return line
}

func (m Model) statusBarView() string {
	w := lipgloss.Width

	tenant := styleStatusTenant.Render(m.tenant)
	run := styleStatusRun.Render("run " + orDash(m.runID))
	elapsed := styleStatusText.Render(m.elapsed.Round(time.Second).String())

	var status string
	switch {
	case m.phase == orchestrator.PhaseFailed || m.err != nil:
		status = styleStatusFailed.Render("failed")
	case m.phase == orchestrator.PhaseCompleted && m.report != nil && m.report.ErrorCount > 0:
		status = styleStatusFailed.Render(fmt.Sprintf("completed, %d errors", m.report.ErrorCount))
	case m.phase == orchestrator.PhaseCompleted:
		status = styleStatusOK.Render("completed")
	default:
		status = styleStatusText.Render(string(m.phase))
	}

	spacerWidth := m.width - (w(tenant) + w(run) + w(elapsed) + w(status))
	if spacerWidth < 0 {
		spacerWidth = 0
	}
	spacer := styleStatusBar.Width(spacerWidth).Render("")

	return lipgloss.JoinHorizontal(lipgloss.Top, tenant, run, elapsed, spacer, status)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
