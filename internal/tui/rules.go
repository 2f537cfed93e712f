// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	sliprules "grimm.is/slipwire/internal/rules"
)

// RulesModel shows the loaded rule chain with per-rule hit counters.
type RulesModel struct {
	Backend Backend
	List    list.Model
	Info    *RulesInfo
	Message string
	Width   int
	Height  int
}

type ruleItem struct {
	title string
	desc  string
}

func (i ruleItem) Title() string       { return i.title }
func (i ruleItem) Description() string { return i.desc }
func (i ruleItem) FilterValue() string { return i.title }

func NewRulesModel(backend Backend) RulesModel {
	items := []list.Item{
		ruleItem{title: "Loading...", desc: "Fetching rule chain"},
	}

	l := list.New(items, list.NewDefaultDelegate(), 0, 0)
	l.Title = "Rule Chain"
	l.Styles.Title = StyleTitle

	return RulesModel{Backend: backend, List: l}
}

func (m RulesModel) Init() tea.Cmd {
	return m.refresh()
}

func (m RulesModel) refresh() tea.Cmd {
	return func() tea.Msg {
		info, err := m.Backend.Rules()
		if err != nil {
			return BackendError{Err: err}
		}
		return info
	}
}

func ruleDesc(f sliprules.FilterStats) string {
	parts := []string{f.Protocol + " " + f.Ports, "desync " + f.Desync}

	var lists []string
	for _, l := range f.Hostlists {
		lists = append(lists, fmt.Sprintf("%s(%d)", l.Name, l.Entries))
	}
	for _, l := range f.Ipsets {
		lists = append(lists, fmt.Sprintf("%s(%d)", l.Name, l.Entries))
	}
	if len(lists) > 0 {
		parts = append(parts, "lists "+strings.Join(lists, " "))
	}
	if len(f.Countries) > 0 {
		parts = append(parts, "geo "+strings.Join(f.Countries, ","))
	}
	return strings.Join(parts, "  ")
}

func (m RulesModel) Update(msg tea.Msg) (RulesModel, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case *RulesInfo:
		m.Info = msg
		items := make([]list.Item, 0, len(msg.Rules))
		for _, f := range msg.Rules {
			items = append(items, ruleItem{
				title: fmt.Sprintf("%s  (%d hits)", f.Name, f.Hits),
				desc:  ruleDesc(f),
			})
		}
		if len(items) == 0 {
			items = append(items, ruleItem{title: "No rules", desc: "The loaded chain is empty"})
		}
		cmd = m.List.SetItems(items)
		return m, cmd

	case ReloadedMsg:
		m.Message = "Rules reloaded"
		return m, m.refresh()

	case tea.KeyMsg:
		if msg.String() == "r" {
			return m, m.refresh()
		}

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.List.SetSize(msg.Width-6, msg.Height-10)
	}

	m.List, cmd = m.List.Update(msg)
	return m, cmd
}

func (m RulesModel) View() string {
	gen := ""
	if m.Info != nil {
		gen = fmt.Sprintf("generation %d, loaded %s",
			m.Info.Generation, m.Info.LoadedAt.Format("15:04:05"))
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		StyleHeader.Render("RULE CHAIN (r: refresh, R: reload config)"),
		StyleSubtle.Render(gen),
		StyleCard.Render(m.List.View()),
		StyleStatusWarn.Render(m.Message),
	)
}
