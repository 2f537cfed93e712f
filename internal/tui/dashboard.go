// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package tui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"grimm.is/slipwire/internal/api"
)

// rateWindow is how many packet-rate samples the sparkline keeps.
const rateWindow = 60

// DashboardModel is the main HUD view.
type DashboardModel struct {
	Backend     Backend
	Status      *api.StatusResponse
	LastUpdated time.Time
	Width       int
	Height      int

	// Packet rates derived client side from successive polls.
	rates       []float64
	prevPackets uint64
	prevAt      time.Time
}

func NewDashboardModel(backend Backend) DashboardModel {
	return DashboardModel{Backend: backend}
}

func (m DashboardModel) Init() tea.Cmd {
	return m.refresh()
}

func (m DashboardModel) refresh() tea.Cmd {
	return func() tea.Msg {
		status, err := m.Backend.Status()
		if err != nil {
			return BackendError{Err: err}
		}
		return status
	}
}

func (m DashboardModel) Update(msg tea.Msg) (DashboardModel, tea.Cmd) {
	switch msg := msg.(type) {
	case *api.StatusResponse:
		now := time.Now()
		// A counter below the previous sample means the daemon
		// restarted; skip that interval.
		if !m.prevAt.IsZero() && msg.Engine.Packets >= m.prevPackets {
			if dt := now.Sub(m.prevAt).Seconds(); dt > 0 {
				m.rates = append(m.rates, float64(msg.Engine.Packets-m.prevPackets)/dt)
				if len(m.rates) > rateWindow {
					m.rates = m.rates[1:]
				}
			}
		}
		m.prevPackets = msg.Engine.Packets
		m.prevAt = now
		m.Status = msg
		m.LastUpdated = now

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
	}
	return m, nil
}

func (m DashboardModel) View() string {
	if m.Status == nil {
		return "Loading..."
	}
	st := m.Status

	statusDot := StyleStatusGood.Render("●")
	statusBlock := StyleCard.Render(
		lipgloss.JoinVertical(lipgloss.Left,
			StyleTitle.Render("Daemon"),
			fmt.Sprintf("%s %s %s", statusDot, st.Name, st.Version),
			StyleSubtitle.Render("Uptime "+st.Uptime),
			StyleSubtitle.Render(fmt.Sprintf("Rules %d (gen %d)", st.RuleCount, st.RulesGeneration)),
		),
	)

	eng := st.Engine
	engineBlock := StyleCard.Render(
		lipgloss.JoinVertical(lipgloss.Left,
			StyleTitle.Render("Engine"),
			fmt.Sprintf("Packets  %s  (%s)", formatCount(eng.Packets), formatBytes(eng.Bytes)),
			fmt.Sprintf("Desyncs  %s", formatCount(eng.Desyncs)),
			fmt.Sprintf("Flows    %d", eng.Connections),
		),
	)

	verdictLines := []string{
		StyleTitle.Render("Verdicts"),
		fmt.Sprintf("Accepted  %s", formatCount(eng.Accepted)),
		fmt.Sprintf("Dropped   %s", formatCount(eng.Dropped)),
	}
	if eng.FailOpen > 0 {
		verdictLines = append(verdictLines,
			StyleStatusWarn.Render(fmt.Sprintf("Fail-open %s", formatCount(eng.FailOpen))))
	}
	if eng.DecodeErrors > 0 {
		verdictLines = append(verdictLines,
			StyleStatusWarn.Render(fmt.Sprintf("Decode err %s", formatCount(eng.DecodeErrors))))
	}
	verdictBlock := StyleCard.Render(lipgloss.JoinVertical(lipgloss.Left, verdictLines...))

	blocks := []string{statusBlock, engineBlock, verdictBlock}
	if inj := st.Injector; inj != nil {
		injLines := []string{
			StyleTitle.Render("Injector"),
			fmt.Sprintf("Sent     %s", formatCount(inj.Sent)),
		}
		if inj.Errors > 0 || inj.Timeouts > 0 {
			injLines = append(injLines,
				StyleStatusWarn.Render(fmt.Sprintf("Errors   %s", formatCount(inj.Errors))),
				StyleStatusWarn.Render(fmt.Sprintf("Timeouts %s", formatCount(inj.Timeouts))))
		} else {
			injLines = append(injLines, StyleSubtitle.Render("No send errors"))
		}
		blocks = append(blocks, StyleCard.Render(lipgloss.JoinVertical(lipgloss.Left, injLines...)))
	}

	topRow := lipgloss.JoinHorizontal(lipgloss.Top, blocks...)

	trafficLine := "(waiting for samples)"
	if len(m.rates) > 0 {
		cur := m.rates[len(m.rates)-1]
		trafficLine = fmt.Sprintf("%s %.0f pkt/s", sparkline(m.rates), cur)
	}
	trafficBlock := StyleCard.Render(
		lipgloss.JoinVertical(lipgloss.Left,
			StyleTitle.Render("Packet Rate"),
			trafficLine,
		),
	)

	footer := StyleSubtle.Render("Last updated: " + m.LastUpdated.Format("15:04:05"))

	return lipgloss.JoinVertical(lipgloss.Left,
		topRow,
		trafficBlock,
		footer,
	)
}

func sparkline(data []float64) string {
	if len(data) == 0 {
		return ""
	}
	chars := []rune{' ', '▂', '▃', '▄', '▅', '▆', '▇', '█'}
	max := 0.0
	for _, v := range data {
		if v > max {
			max = v
		}
	}
	if max == 0 {
		max = 1
	}

	// Last 30 samples fit comfortably next to the rate label.
	start := 0
	if len(data) > 30 {
		start = len(data) - 30
	}

	var sb strings.Builder
	for i := start; i < len(data); i++ {
		idx := int((data[i] / max) * float64(len(chars)-1))
		sb.WriteRune(chars[idx])
	}
	return sb.String()
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatCount(n uint64) string {
	switch {
	case n >= 1e9:
		return fmt.Sprintf("%.1fG", float64(n)/1e9)
	case n >= 1e6:
		return fmt.Sprintf("%.1fM", float64(n)/1e6)
	case n >= 1e3:
		return fmt.Sprintf("%.1fk", float64(n)/1e3)
	}
	return strconv.FormatUint(n, 10)
}
