// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package tui

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/slipwire/internal/api"
	"grimm.is/slipwire/internal/inject"
	"grimm.is/slipwire/internal/nfq"
)

func testStatus(packets uint64) *api.StatusResponse {
	return &api.StatusResponse{
		Name:            "slipwire",
		Version:         "dev",
		Uptime:          "2h15m",
		RulesGeneration: 3,
		RuleCount:       4,
		Engine: nfq.Stats{
			Packets:     packets,
			Bytes:       packets * 800,
			Accepted:    packets,
			Desyncs:     42,
			Connections: 7,
		},
	}
}

func TestDashboard_Update_Status(t *testing.T) {
	m := NewDashboardModel(&MockBackend{})

	m, _ = m.Update(testStatus(1000))
	require.NotNil(t, m.Status)
	assert.False(t, m.LastUpdated.IsZero())

	view := m.View()
	assert.Contains(t, view, "Daemon")
	assert.Contains(t, view, "slipwire dev")
	assert.Contains(t, view, "Uptime 2h15m")
	assert.Contains(t, view, "Rules 4 (gen 3)")
	assert.Contains(t, view, "Engine")
	assert.Contains(t, view, "Packets")
	assert.Contains(t, view, "Flows    7")
	assert.Contains(t, view, "Verdicts")
}

func TestDashboard_RateSamples(t *testing.T) {
	m := NewDashboardModel(&MockBackend{})

	m, _ = m.Update(testStatus(1000))
	assert.Empty(t, m.rates, "first poll has no interval to derive a rate from")

	// Age the previous sample so the interval is a known one second.
	m.prevAt = time.Now().Add(-time.Second)
	m, _ = m.Update(testStatus(3000))

	require.Len(t, m.rates, 1)
	assert.InDelta(t, 2000, m.rates[0], 200)
	assert.Contains(t, m.View(), "pkt/s")
}

func TestDashboard_RateCounterReset(t *testing.T) {
	m := NewDashboardModel(&MockBackend{})

	m, _ = m.Update(testStatus(5000))
	m.prevAt = time.Now().Add(-time.Second)

	// A counter below the previous sample means the daemon restarted.
	m, _ = m.Update(testStatus(100))
	assert.Empty(t, m.rates)
	assert.Equal(t, uint64(100), m.prevPackets)
}

func TestDashboard_View_Loading(t *testing.T) {
	m := NewDashboardModel(&MockBackend{})
	assert.Contains(t, m.View(), "Loading")
}

func TestDashboard_View_Injector(t *testing.T) {
	m := NewDashboardModel(&MockBackend{})

	st := testStatus(1000)
	st.Injector = &inject.Stats{Sent: 120}
	m, _ = m.Update(st)
	view := m.View()
	assert.Contains(t, view, "Injector")
	assert.Contains(t, view, "No send errors")

	st = testStatus(2000)
	st.Injector = &inject.Stats{Sent: 120, Errors: 3}
	m, _ = m.Update(st)
	assert.Contains(t, m.View(), "Errors")
}

func TestDashboard_Refresh_Error(t *testing.T) {
	m := NewDashboardModel(&MockBackend{Err: assert.AnError})

	msg := m.refresh()()
	be, ok := msg.(BackendError)
	require.True(t, ok)
	assert.ErrorIs(t, be.Err, assert.AnError)
}

func TestSparkline(t *testing.T) {
	assert.Empty(t, sparkline(nil))

	s := sparkline([]float64{0, 50, 100})
	assert.Equal(t, 3, len([]rune(s)))
	assert.Contains(t, s, "█", "the max sample renders as a full block")
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.0 KiB", formatBytes(1024))
	assert.Equal(t, "1.5 MiB", formatBytes(1536*1024))
	assert.Equal(t, "2.0 GiB", formatBytes(2<<30))
}

func TestFormatCount(t *testing.T) {
	assert.Equal(t, "999", formatCount(999))
	assert.Equal(t, "1.5k", formatCount(1500))
	assert.Equal(t, "2.0M", formatCount(2_000_000))
	assert.Equal(t, "3.1G", formatCount(3_100_000_000))
}
