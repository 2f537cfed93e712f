// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package nfq

import (
	"time"

	"grimm.is/slipwire/internal/config"
	"grimm.is/slipwire/internal/hostlist"
	"grimm.is/slipwire/internal/netutil"
	"grimm.is/slipwire/internal/rules"
	"grimm.is/slipwire/internal/sniff"
)

// connState tracks where a flow sits in the match lifecycle.
type connState uint8

const (
	// stateFresh flows have no final rule decision yet, either because
	// no data arrived or because a tentative match is waiting on the
	// hostname.
	stateFresh connState = iota
	// stateActive flows carry a matched filter; outbound data packets
	// run through its strategy chain until a cutoff trips.
	stateActive
	// stateBypass flows matched nothing and pass untouched. The record
	// stays until GC so the chain is not re-walked per packet.
	stateBypass
)

func (s connState) String() string {
	switch s {
	case stateFresh:
		return "fresh"
	case stateActive:
		return "active"
	case stateBypass:
		return "bypass"
	}
	return "unknown"
}

// Client retransmissions of the first data segment before the flow
// counts as failed for the learning list. Matches the usual SYN retry
// cadence closely enough that a dead path trips within seconds.
const retransThreshold = 3

// conn is one tracked flow. Owned exclusively by the worker its tuple
// hashes to; no field needs locking.
type conn struct {
	tuple netutil.Tuple
	state connState

	// gen is the rule chain generation the current match came from. A
	// reload invalidates the match but keeps counters and the sniffer.
	gen    uint64
	filter *rules.Filter

	// observer is the learning-enabled filter watching a flow the
	// chain declined. Its auto list collects the flow's failures.
	observer *rules.Filter

	sniffer   *sniff.Sniffer
	sniffed   *sniff.Result
	sniffDone bool

	// streamOff counts payload bytes seen before the current packet.
	// For TCP the sequence numbers give the exact figure once the SYN
	// was observed; this accumulator is the fallback for flows picked
	// up mid-stream and the only measure for UDP.
	streamOff int

	packets uint32
	desyncs uint32

	// baseSeq is the ISN+1 of the outbound direction, valid under
	// haveSeq. Anchors byte-count cutoffs and exact stream offsets.
	baseSeq uint32
	haveSeq bool

	// fedEnd is the stream position after the last payload handed to
	// the sniffer. Retransmitted bytes must not reach the assembler
	// twice.
	fedAny bool
	fedEnd uint32

	// First outbound data segment, watched for the learning list.
	// Retransmission past the threshold means the request died on the
	// wire; a later segment at or past firstEnd means the client made
	// progress, which with only the outbound half visible is the
	// strongest success signal available.
	firstSeq  uint32
	firstEnd  uint32
	haveFirst bool
	retx      int
	learned   bool

	lastSeen time.Time
}

func newConn(t netutil.Tuple, now time.Time) *conn {
	return &conn{
		tuple:    t,
		sniffer:  sniff.NewSniffer(t.Proto),
		lastSeen: now,
	}
}

// pastCutoff reports whether the matched rule's cutoff threshold has
// been crossed for this packet. Mode 'n' counts outbound data packets,
// 'd' counts desynced packets, 's' counts stream bytes.
func (c *conn) pastCutoff(cut config.Cutoff, pkt *netutil.Packet) bool {
	switch cut.Mode {
	case 'n':
		return c.packets > cut.N
	case 'd':
		return c.desyncs >= cut.N
	case 's':
		if pkt.Proto == netutil.ProtoTCP && c.haveSeq {
			return pkt.Seq()-c.baseSeq >= cut.N
		}
		return uint32(c.streamOff) >= cut.N
	}
	return false
}

func (c *conn) host() string {
	if c.sniffed == nil {
		return ""
	}
	return c.sniffed.Host
}

// auto returns the learning list responsible for this flow, whether
// it matched the rule or is merely being observed by it.
func (c *conn) auto() *hostlist.AutoList {
	if c.filter != nil {
		if a := c.filter.Auto(); a != nil {
			return a
		}
	}
	if c.observer != nil {
		return c.observer.Auto()
	}
	return nil
}

// ConnInfo is a point-in-time view of one tracked flow, served by the
// control API.
type ConnInfo struct {
	Tuple    string    `json:"tuple"`
	State    string    `json:"state"`
	Host     string    `json:"host,omitempty"`
	Rule     string    `json:"rule,omitempty"`
	Packets  uint32    `json:"packets"`
	Desyncs  uint32    `json:"desyncs"`
	LastSeen time.Time `json:"last_seen"`
}

func (c *conn) info() ConnInfo {
	ci := ConnInfo{
		Tuple:    c.tuple.String(),
		State:    c.state.String(),
		Host:     c.host(),
		Packets:  c.packets,
		Desyncs:  c.desyncs,
		LastSeen: c.lastSeen,
	}
	if c.filter != nil {
		ci.Rule = c.filter.Name
	}
	return ci
}
