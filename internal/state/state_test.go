// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package state

import (
	"io"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/slipwire/internal/autottl"
	"grimm.is/slipwire/internal/logging"
)

var _ autottl.Store = (*Store)(nil)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(
		filepath.Join(t.TempDir(), "nested", "state.db"),
		logging.New(logging.Config{Output: io.Discard}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHopDistanceRoundTrip(t *testing.T) {
	s := openTemp(t)
	server := netip.MustParseAddr("93.184.216.34")

	_, ok := s.HopDistance(server)
	assert.False(t, ok)

	s.SetHopDistance(server, 7)
	hops, ok := s.HopDistance(server)
	require.True(t, ok)
	assert.Equal(t, uint8(7), hops)

	// Upsert replaces.
	s.SetHopDistance(server, 9)
	hops, _ = s.HopDistance(server)
	assert.Equal(t, uint8(9), hops)

	entries, err := s.HopDistances()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, server, entries[0].Server)
	assert.Equal(t, uint8(9), entries[0].Hops)
}

func TestHopDistanceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")
	log := logging.New(logging.Config{Output: io.Discard})
	server := netip.MustParseAddr("2606:4700::6810:85e5")

	s, err := Open(path, log)
	require.NoError(t, err)
	s.SetHopDistance(server, 12)
	require.NoError(t, s.Close())

	s, err = Open(path, log)
	require.NoError(t, err)
	defer s.Close()

	hops, ok := s.HopDistance(server)
	require.True(t, ok)
	assert.Equal(t, uint8(12), hops)
}

func TestLearnedHostsMirror(t *testing.T) {
	s := openTemp(t)

	s.RecordLearnedHost("autohost.txt", "rutracker.org")
	s.RecordLearnedHost("autohost.txt", "rutracker.org") // duplicate add is a no-op
	s.RecordLearnedHost("autohost.txt", "example.com")

	hosts, err := s.LearnedHosts(10)
	require.NoError(t, err)
	require.Len(t, hosts, 2)
	for _, h := range hosts {
		assert.Equal(t, "autohost.txt", h.List)
		assert.False(t, h.AddedAt.IsZero())
	}
}

func TestProbeHistoryPerDomain(t *testing.T) {
	s := openTemp(t)
	base := time.Now().Add(-time.Hour)

	require.NoError(t, s.RecordProbe(ProbeResult{
		Domain: "rutracker.org", Strategy: "fake ttl=4", Success: false,
		Latency: 1500 * time.Millisecond, RanAt: base,
	}))
	require.NoError(t, s.RecordProbe(ProbeResult{
		Domain: "rutracker.org", Strategy: "fake,multisplit pos=sni+1", Success: true,
		Latency: 240 * time.Millisecond, RanAt: base.Add(time.Minute),
	}))
	require.NoError(t, s.RecordProbe(ProbeResult{
		Domain: "example.com", Strategy: "fake", Success: true,
	}))

	runs, err := s.ProbeHistory("rutracker.org", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	// Newest first.
	assert.True(t, runs[0].Success)
	assert.Equal(t, "fake,multisplit pos=sni+1", runs[0].Strategy)
	assert.Equal(t, 240*time.Millisecond, runs[0].Latency)
	assert.False(t, runs[1].Success)

	all, err := s.ProbeHistory("", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestCleanupDropsStaleRows(t *testing.T) {
	s := openTemp(t)
	server := netip.MustParseAddr("10.1.2.3")

	s.SetHopDistance(server, 5)
	require.NoError(t, s.RecordProbe(ProbeResult{Domain: "old.example", Strategy: "fake"}))
	s.RecordLearnedHost("autohost.txt", "keep.example")

	// Age everything past the retention window.
	old := time.Now().Add(-48 * time.Hour).Unix()
	_, err := s.db.Exec("UPDATE hop_distance SET updated_at = ?", old)
	require.NoError(t, err)
	_, err = s.db.Exec("UPDATE probe_history SET ran_at = ?", old)
	require.NoError(t, err)

	n, err := s.Cleanup(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, ok := s.HopDistance(server)
	assert.False(t, ok)
	runs, err := s.ProbeHistory("", 10)
	require.NoError(t, err)
	assert.Empty(t, runs)

	// Learned hosts are never pruned.
	hosts, err := s.LearnedHosts(10)
	require.NoError(t, err)
	assert.Len(t, hosts, 1)
}
