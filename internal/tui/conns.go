// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package tui

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"grimm.is/slipwire/internal/nfq"
)

// ConnsModel shows the engine's tracked flows.
type ConnsModel struct {
	Backend Backend
	Table   table.Model
	Conns   []nfq.ConnInfo
	Width   int
	Height  int
}

func NewConnsModel(backend Backend) ConnsModel {
	columns := []table.Column{
		{Title: "Tuple", Width: 42},
		{Title: "Host", Width: 26},
		{Title: "Rule", Width: 14},
		{Title: "State", Width: 10},
		{Title: "Pkts", Width: 6},
		{Title: "Desync", Width: 6},
		{Title: "Idle", Width: 7},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(12),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(ColorDeep).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(ColorIce).
		Background(ColorDeep).
		Bold(false)
	t.SetStyles(s)

	return ConnsModel{Backend: backend, Table: t}
}

func (m ConnsModel) Init() tea.Cmd {
	return m.refresh()
}

func (m ConnsModel) refresh() tea.Cmd {
	return func() tea.Msg {
		conns, err := m.Backend.Connections()
		if err != nil {
			return BackendError{Err: err}
		}
		return conns
	}
}

func (m ConnsModel) Update(msg tea.Msg) (ConnsModel, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case []nfq.ConnInfo:
		m.Conns = msg
		rows := make([]table.Row, len(msg))
		for i, c := range msg {
			host := c.Host
			if host == "" {
				host = "-"
			}
			rule := c.Rule
			if rule == "" {
				rule = "-"
			}
			rows[i] = table.Row{
				c.Tuple,
				host,
				rule,
				c.State,
				strconv.FormatUint(uint64(c.Packets), 10),
				strconv.FormatUint(uint64(c.Desyncs), 10),
				time.Since(c.LastSeen).Round(time.Second).String(),
			}
		}
		m.Table.SetRows(rows)

	case tea.KeyMsg:
		if msg.String() == "r" {
			return m, m.refresh()
		}

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		if h := msg.Height - 9; h > 3 {
			m.Table.SetHeight(h)
		}
	}

	m.Table, cmd = m.Table.Update(msg)
	return m, cmd
}

func (m ConnsModel) View() string {
	return lipgloss.JoinVertical(lipgloss.Left,
		StyleHeader.Render("CONNECTIONS (r: refresh)"),
		StyleCard.Render(m.Table.View()),
		StyleSubtle.Render(fmt.Sprintf("%d tracked flows", len(m.Conns))),
	)
}
