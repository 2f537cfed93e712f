// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package tui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"grimm.is/slipwire/internal/nfq"
)

// eventBacklog is how many events the view keeps.
const eventBacklog = 200

// EventsModel tails the daemon's live event stream.
type EventsModel struct {
	Backend Backend
	Width   int
	Height  int

	stream  EventStream
	ch      chan tea.Msg
	events  []nfq.Event
	stalled string
}

type eventStreamMsg struct {
	stream EventStream
}

type engineEventMsg nfq.Event

type streamDownMsg struct {
	err error
}

func NewEventsModel(backend Backend) EventsModel {
	return EventsModel{
		Backend: backend,
		ch:      make(chan tea.Msg, 100),
	}
}

func (m EventsModel) Init() tea.Cmd {
	return func() tea.Msg {
		stream, err := m.Backend.Events()
		if err != nil {
			return streamDownMsg{err: err}
		}
		return eventStreamMsg{stream: stream}
	}
}

func waitForEvent(sub chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-sub
	}
}

func (m EventsModel) Update(msg tea.Msg) (EventsModel, tea.Cmd) {
	switch msg := msg.(type) {
	case eventStreamMsg:
		if m.stream != nil {
			m.stream.Close()
		}
		m.stream = msg.stream
		m.stalled = ""

		// The reader feeds the channel until the stream dies; each
		// handled message re-arms waitForEvent.
		go func(s EventStream, ch chan tea.Msg) {
			for {
				ev, err := s.Next()
				if err != nil {
					ch <- streamDownMsg{err: err}
					return
				}
				ch <- engineEventMsg(ev)
			}
		}(m.stream, m.ch)
		return m, waitForEvent(m.ch)

	case engineEventMsg:
		m.events = append(m.events, nfq.Event(msg))
		if len(m.events) > eventBacklog {
			m.events = m.events[1:]
		}
		return m, waitForEvent(m.ch)

	case streamDownMsg:
		m.stream = nil
		m.stalled = msg.err.Error()
		return m, nil

	case tea.KeyMsg:
		if msg.String() == "r" && m.stream == nil {
			return m, m.Init()
		}

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
	}
	return m, nil
}

func eventLine(ev nfq.Event) string {
	ts := ev.Time.Format("15:04:05")
	detail := ev.Host
	if ev.Rule != "" {
		detail += "  rule " + ev.Rule
	}
	if ev.Detail != "" {
		detail += "  " + ev.Detail
	}
	line := fmt.Sprintf("%s  %-8s %s", ts, ev.Type, detail)

	switch ev.Type {
	case nfq.EventDesync:
		return StyleStatusGood.Render(line)
	case nfq.EventLearned:
		return StyleStatusWarn.Render(line)
	}
	return StyleSubtitle.Render(line)
}

func (m EventsModel) View() string {
	rows := []string{}

	visible := m.Height - 9
	if visible < 5 {
		visible = 5
	}
	start := 0
	if len(m.events) > visible {
		start = len(m.events) - visible
	}
	for _, ev := range m.events[start:] {
		rows = append(rows, eventLine(ev))
	}
	if len(rows) == 0 {
		rows = append(rows, StyleSubtle.Render("Waiting for events..."))
	}

	footer := StyleSubtle.Render(fmt.Sprintf("%d events buffered", len(m.events)))
	if m.stalled != "" {
		footer = StyleStatusBad.Render("stream closed: "+m.stalled) +
			StyleSubtle.Render("  (r to reconnect)")
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		StyleHeader.Render("EVENT STREAM"),
		StyleCard.Render(lipgloss.JoinVertical(lipgloss.Left, rows...)),
		footer,
	)
}
