// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// tuidemo runs the top HUD against a synthetic backend, no daemon or
// root needed. Counters advance and events fire on their own, which
// makes it the quickest way to eyeball layout changes.
package main

import (
	"fmt"
	"io"
	"math/rand"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"grimm.is/slipwire/internal/api"
	"grimm.is/slipwire/internal/brand"
	"grimm.is/slipwire/internal/netutil"
	"grimm.is/slipwire/internal/nfq"
	"grimm.is/slipwire/internal/rules"
	"grimm.is/slipwire/internal/tui"
)

type demoBackend struct {
	started time.Time
	packets atomic.Uint64
	desyncs atomic.Uint64
	reloads atomic.Uint64
}

func (d *demoBackend) Status() (*api.StatusResponse, error) {
	// Uneven steps so the rate sparkline has something to draw.
	d.packets.Add(uint64(1200 + rand.Intn(4000)))
	d.desyncs.Add(uint64(rand.Intn(9)))

	pkts := d.packets.Load()
	return &api.StatusResponse{
		Name:            brand.Name,
		Version:         brand.Version + "-demo",
		StartedAt:       d.started,
		Uptime:          time.Since(d.started).Round(time.Second).String(),
		RulesGeneration: 1 + d.reloads.Load(),
		RuleCount:       3,
		Engine: nfq.Stats{
			Packets:     pkts,
			Bytes:       pkts * 620,
			Accepted:    pkts,
			Desyncs:     d.desyncs.Load(),
			Connections: int64(4 + rand.Intn(5)),
		},
	}, nil
}

func (d *demoBackend) Connections() ([]nfq.ConnInfo, error) {
	mk := func(port uint16, host, rule, state string, pk uint32) nfq.ConnInfo {
		return nfq.ConnInfo{
			Tuple: netutil.Tuple{
				SrcIP:   netip.MustParseAddr("10.0.0.5"),
				DstIP:   netip.MustParseAddr("188.114.97.1"),
				SrcPort: 40000 + port,
				DstPort: 443,
				Proto:   netutil.ProtoTCP,
			},
			State:    state,
			Host:     host,
			Rule:     rule,
			Packets:  pk + uint32(rand.Intn(40)),
			Desyncs:  1,
			LastSeen: time.Now().Add(-time.Duration(rand.Intn(30)) * time.Second),
		}
	}
	return []nfq.ConnInfo{
		mk(1, "rutracker.org", "tls", "established", 112),
		mk(2, "discord.gg", "tls", "established", 48),
		mk(3, "", "", "classifying", 2),
	}, nil
}

func (d *demoBackend) Rules() (*tui.RulesInfo, error) {
	return &tui.RulesInfo{
		Generation: 1 + d.reloads.Load(),
		LoadedAt:   d.started,
		Rules: []rules.FilterStats{
			{Name: "tls", Protocol: "tcp", Ports: "443", Desync: "fake,multisplit",
				Hostlists: []rules.ListInfo{{Name: "list-general", Entries: 1582}},
				Hits:      57 + d.desyncs.Load()},
			{Name: "quic", Protocol: "udp", Ports: "443", Desync: "fake", Hits: 12},
			{Name: "vpn", Protocol: "udp", Ports: "50000-51000", Desync: "fake",
				Ipsets: []rules.ListInfo{{Name: "ipset-vpn", Entries: 44}}},
		},
	}, nil
}

func (d *demoBackend) Reload() error {
	d.reloads.Add(1)
	return nil
}

func (d *demoBackend) Events() (tui.EventStream, error) {
	return &demoStream{backend: d}, nil
}

// demoStream emits a synthetic event every couple of seconds.
type demoStream struct {
	backend *demoBackend
	n       int
	closed  atomic.Bool
}

var demoHosts = []string{"rutracker.org", "discord.gg", "zapret.example", "ntc.party"}

func (s *demoStream) Next() (nfq.Event, error) {
	time.Sleep(time.Duration(800+rand.Intn(2200)) * time.Millisecond)
	if s.closed.Load() {
		return nfq.Event{}, io.EOF
	}
	s.n++
	ev := nfq.Event{
		Time: time.Now(),
		Conn: fmt.Sprintf("tcp 10.0.0.5:%d -> 188.114.97.1:443", 40000+s.n),
		Host: demoHosts[s.n%len(demoHosts)],
		Rule: "tls",
	}
	if s.n%3 == 0 {
		ev.Type = nfq.EventMatch
	} else {
		ev.Type = nfq.EventDesync
		ev.Detail = "fake+multisplit"
	}
	return ev, nil
}

func (s *demoStream) Close() error {
	s.closed.Store(true)
	return nil
}

func main() {
	backend := &demoBackend{started: time.Now().Add(-97 * time.Minute)}
	p := tea.NewProgram(tui.NewModel(backend), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
