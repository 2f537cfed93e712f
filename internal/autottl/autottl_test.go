// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package autottl

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var server = netip.MustParseAddr("93.184.216.34")

func TestNearestBaseTTL(t *testing.T) {
	cases := []struct {
		observed, base uint8
	}{
		{1, 64}, {57, 64}, {64, 64},
		{65, 128}, {118, 128}, {128, 128},
		{129, 255}, {240, 255}, {255, 255},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.base, NearestBaseTTL(tc.observed), "observed %d", tc.observed)
	}
}

func TestHopDistance(t *testing.T) {
	assert.Equal(t, uint8(7), HopDistance(57))
	assert.Equal(t, uint8(0), HopDistance(128))
	assert.Equal(t, uint8(6), HopDistance(249))
	assert.Equal(t, uint8(10), HopDistance(118))
}

func TestObserveThenDecoy(t *testing.T) {
	e := New(Config{})

	_, ok := e.DecoyTTL(server)
	assert.False(t, ok, "unknown path has no decoy TTL")

	e.ObserveSYNACK(server, 57) // seven hops away

	hops, ok := e.Hops(server)
	require.True(t, ok)
	assert.Equal(t, uint8(7), hops)

	ttl, ok := e.DecoyTTL(server)
	require.True(t, ok)
	assert.Equal(t, uint8(6), ttl, "delta 1 under a 7 hop path")
}

func TestDecoyWindow(t *testing.T) {
	cases := []struct {
		name     string
		observed uint8
		want     uint8
		ok       bool
	}{
		{"one hop leaves no room", 63, 0, false},
		{"floor collides with the path", 62, 0, false},
		{"three hops squeeze past the floor", 61, 2, true},
		{"normal path", 57, 6, true},
		{"long path clamps to the ceiling", 225, 24, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := New(Config{})
			e.ObserveSYNACK(server, tc.observed)
			ttl, ok := e.DecoyTTL(server)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, ttl)
		})
	}
}

func TestCacheExpiry(t *testing.T) {
	e := New(Config{CacheTTL: 10 * time.Millisecond})
	e.ObserveSYNACK(server, 57)

	_, ok := e.DecoyTTL(server)
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	_, ok = e.DecoyTTL(server)
	assert.False(t, ok, "estimates go stale; paths move")
}

func TestBoundedCacheEvicts(t *testing.T) {
	e := New(Config{CacheSize: 1})
	a := netip.MustParseAddr("198.51.100.1")
	b := netip.MustParseAddr("198.51.100.2")

	e.ObserveSYNACK(a, 57)
	e.ObserveSYNACK(b, 57)

	_, ok := e.DecoyTTL(a)
	assert.False(t, ok)
	_, ok = e.DecoyTTL(b)
	assert.True(t, ok)
}

type fakeStore struct {
	mu   sync.Mutex
	hops map[netip.Addr]uint8
	sets int
}

func newFakeStore() *fakeStore { return &fakeStore{hops: make(map[netip.Addr]uint8)} }

func (s *fakeStore) HopDistance(server netip.Addr) (uint8, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hops[server]
	return h, ok
}

func (s *fakeStore) SetHopDistance(server netip.Addr, hops uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hops[server] = hops
	s.sets++
}

func (s *fakeStore) setCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sets
}

func TestStoreSurvivesRestart(t *testing.T) {
	st := newFakeStore()

	first := New(Config{Store: st})
	first.ObserveSYNACK(server, 57)
	assert.Equal(t, 1, st.setCount())

	// Same observation again: nothing new to persist.
	first.ObserveSYNACK(server, 57)
	assert.Equal(t, 1, st.setCount())

	second := New(Config{Store: st})
	ttl, ok := second.DecoyTTL(server)
	require.True(t, ok)
	assert.Equal(t, uint8(6), ttl)
	assert.Equal(t, 1, st.setCount(), "loading from the store must not write back")
}

func stubPing(t *testing.T, ttl uint8, err error) {
	t.Helper()
	old := pingReplyTTL
	pingReplyTTL = func(ctx context.Context, server netip.Addr, timeout time.Duration) (uint8, error) {
		return ttl, err
	}
	t.Cleanup(func() { pingReplyTTL = old })
}

func TestCalibrate(t *testing.T) {
	stubPing(t, 57, nil)
	e := New(Config{})

	hops, err := e.Calibrate(context.Background(), server)
	require.NoError(t, err)
	assert.Equal(t, uint8(7), hops)

	ttl, ok := e.DecoyTTL(server)
	require.True(t, ok)
	assert.Equal(t, uint8(6), ttl)
}

func TestCalibrateOnMissWhenEnabled(t *testing.T) {
	stubPing(t, 57, nil)
	e := New(Config{Calibrate: true})

	_, ok := e.DecoyTTL(server)
	assert.False(t, ok, "the first miss answers unknown and probes in the background")

	deadline := time.Now().Add(2 * time.Second)
	for {
		if ttl, ok := e.DecoyTTL(server); ok {
			assert.Equal(t, uint8(6), ttl)
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("background calibration never landed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCalibrateMissRateLimited(t *testing.T) {
	var calls atomic.Int32
	old := pingReplyTTL
	pingReplyTTL = func(ctx context.Context, server netip.Addr, timeout time.Duration) (uint8, error) {
		calls.Add(1)
		return 57, nil
	}
	t.Cleanup(func() { pingReplyTTL = old })

	e := New(Config{Calibrate: true})
	for i := 0; i < 32; i++ {
		addr := netip.AddrFrom4([4]byte{198, 51, 100, byte(i)})
		e.DecoyTTL(addr)
	}

	time.Sleep(50 * time.Millisecond)
	got := calls.Load()
	assert.Greater(t, got, int32(0))
	assert.LessOrEqual(t, got, int32(5), "misses arrive per packet, probes must not")
}
