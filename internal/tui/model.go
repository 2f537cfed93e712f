// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package tui is the slipwire top full-screen HUD: live engine
// counters, tracked connections, the rule chain, and the event
// stream, all read from the daemon's loopback API.
package tui

import (
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"grimm.is/slipwire/internal/api"
	"grimm.is/slipwire/internal/brand"
	"grimm.is/slipwire/internal/nfq"
	"grimm.is/slipwire/internal/rules"
)

// refreshInterval is the poll clock for the whole HUD.
const refreshInterval = 2 * time.Second

// View is the currently active screen.
type View int

const (
	ViewDashboard View = iota
	ViewConnections
	ViewRules
	ViewEvents
)

// Backend is the data surface the HUD reads. RemoteBackend implements
// it over HTTP; tests use a mock.
type Backend interface {
	Status() (*api.StatusResponse, error)
	Connections() ([]nfq.ConnInfo, error)
	Rules() (*RulesInfo, error)
	Reload() error
	Events() (EventStream, error)
}

// EventStream is a live feed of engine events. Next blocks until an
// event arrives or the stream dies.
type EventStream interface {
	Next() (nfq.Event, error)
	Close() error
}

// RulesInfo mirrors the /api/v1/rules response.
type RulesInfo struct {
	Generation uint64              `json:"generation"`
	LoadedAt   time.Time           `json:"loaded_at"`
	Rules      []rules.FilterStats `json:"rules"`
}

// BackendError switches the HUD into its disconnected state.
type BackendError struct {
	Err error
}

// RetryMsg re-initializes everything after a connection loss.
type RetryMsg struct{}

// TickMsg drives the periodic refresh of the active view.
type TickMsg time.Time

// ReloadedMsg reports a successful rule reload.
type ReloadedMsg struct{}

// Model is the root application state.
type Model struct {
	Backend Backend

	ActiveView      View
	Width           int
	Height          int
	ConnectionError string

	Dashboard DashboardModel
	Conns     ConnsModel
	Rules     RulesModel
	Events    EventsModel
}

// NewModel builds the initial model.
func NewModel(backend Backend) Model {
	return Model{
		Backend:    backend,
		ActiveView: ViewDashboard,
		Dashboard:  NewDashboardModel(backend),
		Conns:      NewConnsModel(backend),
		Rules:      NewRulesModel(backend),
		Events:     NewEventsModel(backend),
	}
}

// Run starts the full-screen HUD and blocks until the user quits.
func Run(backend Backend) error {
	p := tea.NewProgram(NewModel(backend), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init loads every view once and starts the refresh clock.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.Dashboard.Init(),
		m.Conns.Init(),
		m.Rules.Init(),
		m.Events.Init(),
		m.tick(),
	)
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// refreshActive re-fetches the data behind whatever is on screen.
// Events arrive on their own stream and need no polling.
func (m Model) refreshActive() tea.Cmd {
	switch m.ActiveView {
	case ViewDashboard:
		return m.Dashboard.refresh()
	case ViewConnections:
		return m.Conns.refresh()
	case ViewRules:
		return m.Rules.refresh()
	}
	return nil
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case BackendError:
		m.ConnectionError = msg.Err.Error()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return RetryMsg{}
		})

	case RetryMsg:
		if m.ConnectionError != "" {
			m.ConnectionError = ""
			return m, m.Init()
		}
		return m, nil

	case TickMsg:
		// One clock for the whole HUD: re-arm it and refresh whatever
		// view is showing.
		cmds = append(cmds, m.tick(), m.refreshActive())

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "tab":
			m.ActiveView = (m.ActiveView + 1) % 4
			return m, m.refreshActive()
		case "1":
			m.ActiveView = ViewDashboard
			return m, m.refreshActive()
		case "2":
			m.ActiveView = ViewConnections
			return m, m.refreshActive()
		case "3":
			m.ActiveView = ViewRules
			return m, m.refreshActive()
		case "4":
			m.ActiveView = ViewEvents
			return m, nil
		case "R":
			return m, func() tea.Msg {
				if err := m.Backend.Reload(); err != nil {
					return BackendError{Err: err}
				}
				return ReloadedMsg{}
			}
		}

		// Navigation keys go to the active view only so background
		// tables and lists hold their cursor.
		var cmd tea.Cmd
		switch m.ActiveView {
		case ViewDashboard:
			m.Dashboard, cmd = m.Dashboard.Update(msg)
		case ViewConnections:
			m.Conns, cmd = m.Conns.Update(msg)
		case ViewRules:
			m.Rules, cmd = m.Rules.Update(msg)
		case ViewEvents:
			m.Events, cmd = m.Events.Update(msg)
		}
		return m, cmd
	}

	// Data, resize, and stream messages fan out to every view; each
	// picks what it understands.
	var cmd tea.Cmd
	m.Dashboard, cmd = m.Dashboard.Update(msg)
	cmds = append(cmds, cmd)
	m.Conns, cmd = m.Conns.Update(msg)
	cmds = append(cmds, cmd)
	m.Rules, cmd = m.Rules.Update(msg)
	cmds = append(cmds, cmd)
	m.Events, cmd = m.Events.Update(msg)
	cmds = append(cmds, cmd)

	if ws, ok := msg.(tea.WindowSizeMsg); ok {
		m.Width = ws.Width
		m.Height = ws.Height
	}

	return m, tea.Batch(cmds...)
}

// View renders the application.
func (m Model) View() string {
	if m.ConnectionError != "" {
		msg := StyleTitle.Render("Connection lost") + "\n\n" +
			StyleStatusBad.Render(m.ConnectionError) + "\n\n" +
			StyleSubtle.Render("Retrying... (q to quit)")
		return lipgloss.Place(m.Width, m.Height,
			lipgloss.Center, lipgloss.Center,
			StyleCard.Render(msg),
		)
	}

	doc := m.ViewTopBar() + "\n"
	switch m.ActiveView {
	case ViewDashboard:
		doc += m.Dashboard.View()
	case ViewConnections:
		doc += m.Conns.View()
	case ViewRules:
		doc += m.Rules.View()
	case ViewEvents:
		doc += m.Events.View()
	}
	return StyleApp.Render(doc)
}

// ViewTopBar renders the navigation menu.
func (m Model) ViewTopBar() string {
	menus := []struct {
		View  View
		Label string
		Key   string
	}{
		{ViewDashboard, "Dashboard", "1"},
		{ViewConnections, "Connections", "2"},
		{ViewRules, "Rules", "3"},
		{ViewEvents, "Events", "4"},
	}

	items := []string{StyleTitle.Render(strings.ToUpper(brand.Name) + " ")}
	for _, menu := range menus {
		key := StyleMenuKey.Render("[" + menu.Key + "]")
		entry := key + " " + menu.Label
		if m.ActiveView == menu.View {
			items = append(items, StyleMenuItemActive.Render(entry))
		} else {
			items = append(items, StyleMenuItem.Render(entry))
		}
	}

	bar := lipgloss.JoinHorizontal(lipgloss.Top, items...)
	return StyleTopBar.Render(bar)
}
