// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package tui

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/slipwire/internal/nfq"
)

func TestConns_Update_Rows(t *testing.T) {
	m := NewConnsModel(&MockBackend{})

	conns := []nfq.ConnInfo{
		{
			Tuple:    "tcp 10.0.0.5:41000 -> 104.21.33.7:443",
			State:    "desynced",
			Host:     "rutracker.org",
			Rule:     "tls",
			Packets:  8,
			Desyncs:  1,
			LastSeen: time.Now().Add(-3 * time.Second),
		},
		{
			Tuple:    "udp 10.0.0.5:52000 -> 142.250.74.78:443",
			State:    "new",
			Packets:  1,
			LastSeen: time.Now(),
		},
	}

	m, _ = m.Update(conns)
	require.Len(t, m.Table.Rows(), 2)

	first := m.Table.Rows()[0]
	assert.Equal(t, "rutracker.org", first[1])
	assert.Equal(t, "tls", first[2])

	// Flows without a sniffed host or matched rule show a dash.
	second := m.Table.Rows()[1]
	assert.Equal(t, "-", second[1])
	assert.Equal(t, "-", second[2])

	view := m.View()
	assert.Contains(t, view, "CONNECTIONS")
	assert.Contains(t, view, "2 tracked flows")
}

func TestConns_Update_Empty(t *testing.T) {
	m := NewConnsModel(&MockBackend{})
	m, _ = m.Update([]nfq.ConnInfo{})
	assert.Empty(t, m.Table.Rows())
	assert.Contains(t, m.View(), "0 tracked flows")
}

func TestConns_Refresh_Error(t *testing.T) {
	m := NewConnsModel(&MockBackend{Err: assert.AnError})

	msg := m.refresh()()
	_, ok := msg.(BackendError)
	assert.True(t, ok)
}
