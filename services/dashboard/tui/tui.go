// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tui renders the live voltage dashboard in the terminal.
//
// # Description
//
// This package implements the interactive dashboard using bubbletea. It
// consumes the stream controller's query API only; all reconciliation
// state lives behind that boundary, and the model here is pure
// presentation.
//
// # Thread Safety
//
// TUI components are designed for single-threaded use within the
// bubbletea event loop. Do not access TUI state from multiple goroutines.
package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/voltboard/services/dashboard/alerts"
	"github.com/AleutianAI/voltboard/services/dashboard/controller"
	"github.com/AleutianAI/voltboard/services/dashboard/observation"
)

// queryTimeout bounds each controller query issued from the TUI.
const queryTimeout = time.Second

// historyRows is how many recent history entries the log pane shows.
const historyRows = 6

// =============================================================================
// Messages
// =============================================================================

// changedMsg signals that the controller's reconciled state changed.
type changedMsg struct{}

// dataMsg carries a fresh copy of everything the screen renders.
type dataMsg struct {
	nodes   []observation.Observation
	alerts  []alerts.Alert
	history []observation.Observation
	status  controller.Status
	err     error
}

// =============================================================================
// Input Mode
// =============================================================================

type inputMode int

const (
	modeNormal inputMode = iota

	// modeEditValue prompts for a new voltage for the selected node.
	modeEditValue

	// modeAddNode prompts for the id of a node to create.
	modeAddNode
)

// =============================================================================
// Model
// =============================================================================

// Model is the bubbletea model for the voltage dashboard.
type Model struct {
	ctrl  *controller.Controller
	watch <-chan struct{}

	table table.Model
	input textinput.Model
	mode  inputMode

	// Last loaded copy of the controller state.
	nodes   []observation.Observation
	alerts  []alerts.Alert
	history []observation.Observation
	status  controller.Status
	loadErr error

	// editTarget is the node id the value prompt applies to.
	editTarget string

	width    int
	height   int
	ready    bool
	quitting bool
}

// New creates a dashboard model bound to a running controller.
func New(ctrl *controller.Controller) Model {
	columns := []table.Column{
		{Title: " ", Width: 2},
		{Title: "Node", Width: 18},
		{Title: "Voltage", Width: 8},
		{Title: "Origin", Width: 10},
		{Title: "Observed", Width: 12},
	}
	tbl := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	st := table.DefaultStyles()
	st.Header = st.Header.Bold(true).Foreground(lipgloss.Color("39")).BorderBottom(true)
	st.Selected = st.Selected.Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57"))
	tbl.SetStyles(st)

	input := textinput.New()
	input.CharLimit = 64

	return Model{
		ctrl:  ctrl,
		watch: ctrl.Watch(),
		table: tbl,
		input: input,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(loadData(m.ctrl), waitForChange(m.watch))
}

// waitForChange blocks on the controller's coalesced change signal.
func waitForChange(ch <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-ch
		return changedMsg{}
	}
}

// loadData queries everything the screen renders in one command.
func loadData(ctrl *controller.Controller) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
		defer cancel()

		var msg dataMsg
		var err error
		if msg.nodes, err = ctrl.GetSnapshot(ctx); err != nil {
			msg.err = err
			return msg
		}
		if msg.alerts, err = ctrl.GetAlerts(ctx); err != nil {
			msg.err = err
			return msg
		}
		if msg.history, err = ctrl.GetHistory(ctx, 0, nil); err != nil {
			msg.err = err
			return msg
		}
		if msg.status, err = ctrl.GetStatus(ctx); err != nil {
			msg.err = err
			return msg
		}
		return msg
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		m.table.SetHeight(max(4, m.height-14))

	case changedMsg:
		return m, tea.Batch(loadData(m.ctrl), waitForChange(m.watch))

	case dataMsg:
		m.loadErr = msg.err
		if msg.err == nil {
			m.nodes = msg.nodes
			m.alerts = msg.alerts
			m.history = msg.history
			m.status = msg.status
			m.rebuildRows()
		}
		return m, nil

	case tea.KeyMsg:
		if m.mode != modeNormal {
			return m.handlePromptKey(msg)
		}
		return m.handleNormalKey(msg)
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m Model) handleNormalKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case " ":
		// Toggle based on the last loaded status; the controller makes
		// both directions idempotent, so a stale read is harmless.
		if m.status.Paused {
			m.ctrl.Resume()
		} else {
			m.ctrl.Pause()
		}
		return m, nil

	case "r":
		m.ctrl.Refresh()
		return m, nil

	case "c":
		m.ctrl.ClearAlerts()
		return m, nil

	case "u":
		if id, ok := m.selectedID(); ok {
			m.mode = modeEditValue
			m.editTarget = id
			m.input.Placeholder = fmt.Sprintf("%d-%d", observation.HardMin, observation.HardMax)
			m.input.SetValue("")
			m.input.Focus()
		}
		return m, nil

	case "a":
		m.mode = modeAddNode
		m.input.Placeholder = "node id (blank = generated)"
		m.input.SetValue("")
		m.input.Focus()
		return m, nil

	case "d", "delete":
		if id, ok := m.selectedID(); ok {
			m.ctrl.DeleteNode(id)
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m Model) handlePromptKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.mode = modeNormal
		m.input.Blur()
		return m, nil

	case "enter":
		value := strings.TrimSpace(m.input.Value())
		mode := m.mode
		m.mode = modeNormal
		m.input.Blur()

		switch mode {
		case modeEditValue:
			v, err := strconv.Atoi(value)
			if err != nil {
				return m, nil
			}
			m.ctrl.UpdateVoltage(m.editTarget, v)
		case modeAddNode:
			m.ctrl.AddNode(value)
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) selectedID() (string, bool) {
	row := m.table.SelectedRow()
	if row == nil || len(row) < 2 {
		return "", false
	}
	return row[1], true
}

func (m *Model) rebuildRows() {
	rows := make([]table.Row, 0, len(m.nodes))
	for _, n := range m.nodes {
		marker := " "
		if n.ID == m.status.LastTouched {
			marker = "▸"
		}
		voltage := strconv.Itoa(n.Value)
		if !observation.InSafeRange(n.Value) {
			voltage += " !"
		}
		rows = append(rows, table.Row{
			marker,
			n.ID,
			voltage,
			n.Origin.String(),
			n.ObservedAt.Local().Format("15:04:05.000"),
		})
	}
	m.table.SetRows(rows)
}

// =============================================================================
// View
// =============================================================================

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return "Dashboard closed.\n"
	}
	if !m.ready {
		return "Loading...\n"
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(m.table.View())
	b.WriteString("\n")
	b.WriteString(m.renderAlerts())
	b.WriteString(m.renderHistory())
	if m.mode != modeNormal {
		b.WriteString(m.renderPrompt())
	}
	b.WriteString("\n")
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m Model) renderHeader() string {
	state := activeBadge.Render("LIVE")
	if m.status.Paused {
		state = pausedBadge.Render("PAUSED")
	}
	busy := ""
	if m.status.Refreshing {
		busy = statsStyle.Render(" refreshing…")
	}
	title := titleStyle.Render("voltboard")
	stats := statsStyle.Render(fmt.Sprintf("  %d nodes · %d log entries", m.status.Nodes, m.status.HistoryLen))
	return title + "  " + state + stats + busy
}

func (m Model) renderAlerts() string {
	if m.loadErr != nil {
		return errorStyle.Render("query failed: "+m.loadErr.Error()) + "\n"
	}
	if len(m.alerts) == 0 {
		return ""
	}
	var b strings.Builder
	for _, a := range m.alerts {
		b.WriteString(alertStyle.Render(fmt.Sprintf("⚠ %s: %s", a.ID, a.Message)))
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) renderHistory() string {
	if len(m.history) == 0 {
		return ""
	}
	start := len(m.history) - historyRows
	if start < 0 {
		start = 0
	}
	var b strings.Builder
	b.WriteString(historyHeaderStyle.Render("recent readings"))
	b.WriteString("\n")
	for _, e := range m.history[start:] {
		b.WriteString(historyStyle.Render(fmt.Sprintf("  %s  %-18s %4d  %s",
			e.ObservedAt.Local().Format("15:04:05.000"), e.ID, e.Value, e.Origin)))
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) renderPrompt() string {
	label := "new voltage for " + m.editTarget
	if m.mode == modeAddNode {
		label = "new node"
	}
	return promptStyle.Render(label+": ") + m.input.View() + "\n"
}

func (m Model) renderFooter() string {
	keys := []struct{ key, desc string }{
		{"space", "pause/resume"},
		{"r", "refresh"},
		{"u", "update"},
		{"a", "add"},
		{"d", "delete"},
		{"c", "clear alerts"},
		{"q", "quit"},
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, helpKeyStyle.Render(k.key)+helpDescStyle.Render(" "+k.desc))
	}
	return strings.Join(parts, helpDescStyle.Render(" · "))
}

// =============================================================================
// Styles
// =============================================================================

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	statsStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	activeBadge = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Background(lipgloss.Color("22")).
			Padding(0, 1)

	pausedBadge = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Background(lipgloss.Color("58")).
			Padding(0, 1)

	alertStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	historyHeaderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("75")).
			Bold(true)

	historyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("250"))

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("212")).
			Bold(true)

	helpKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	helpDescStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("250"))
)
