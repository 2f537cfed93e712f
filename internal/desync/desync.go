// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package desync crafts the packet sequences that break DPI stream
// reassembly: decoys carrying fake payloads, doctored duplicates, and
// multisplit segment trains. Apply is pure crafting over a decoded
// packet; interception, verdicts and injection stay in the queue
// layer.
package desync

import (
	"encoding/binary"
	"time"

	"grimm.is/slipwire/internal/config"
	"grimm.is/slipwire/internal/netutil"
	"grimm.is/slipwire/internal/sniff"
)

// Injection is one raw packet to put on the wire. Injections are sent
// in order, before the original packet's verdict is issued.
type Injection struct {
	Data  []byte
	Delay time.Duration // pause after sending, usually zero
}

// Input carries one matched outbound packet through strategy
// application.
type Input struct {
	Packet *netutil.Packet
	Rule   *config.CompiledRule

	// Fake is the rule's decoy payload. Empty when the payload failed
	// to load; the fake method then contributes nothing.
	Fake []byte

	// Sniff is the connection's settled classification, nil when none.
	// Anchored split positions resolve against it.
	Sniff *sniff.Result

	// StreamOff is this payload's byte offset within the classified
	// stream. Non-zero when earlier segments already passed through
	// during classification.
	StreamOff int

	// TTL is the autottl-derived decoy TTL, 0 when inference has no
	// answer. The queue layer only sets it for autottl rules.
	TTL uint8
}

// Plan is the crafted outcome: packets to inject and whether the
// original is replaced by them.
type Plan struct {
	Injections   []Injection
	DropOriginal bool
}

// Empty reports a no-op plan; the packet passes through untouched.
func (p Plan) Empty() bool {
	return len(p.Injections) == 0 && !p.DropOriginal
}

// Apply runs the rule's desync chain over one outbound packet. The
// chain applies in declaration order; crafting is deterministic, so
// the same input always yields the same plan.
func Apply(in Input) Plan {
	var plan Plan
	pkt := in.Packet
	if pkt == nil || in.Rule == nil || len(pkt.Payload()) == 0 {
		return plan
	}

	for _, m := range in.Rule.Methods {
		switch m {
		case config.MethodFake:
			if len(in.Fake) == 0 {
				continue
			}
			for i := 0; i < in.Rule.Repeats; i++ {
				plan.Injections = append(plan.Injections, Injection{Data: craftDecoy(in, in.Fake)})
			}

		case config.MethodFooling:
			// A doctored duplicate of the real payload: endpoints
			// discard it, stateful inspectors double-count it.
			if in.Rule.Fooling == config.FoolNone {
				continue
			}
			for i := 0; i < in.Rule.Repeats; i++ {
				plan.Injections = append(plan.Injections, Injection{Data: craftDecoy(in, pkt.Payload())})
			}

		case config.MethodMultisplit:
			if pkt.Proto != netutil.ProtoTCP {
				continue
			}
			segs := splitSegments(in)
			if len(segs) == 0 {
				continue
			}
			for _, s := range segs {
				plan.Injections = append(plan.Injections, Injection{Data: s})
			}
			plan.DropOriginal = true

		case config.MethodCutoff:
			// A threshold, not a transform; the connection's cutoff
			// counter is kept by the queue layer.
		}
	}

	saltIPIDs(pkt, plan.Injections)
	return plan
}

// fixLengths rewrites the IP total/payload length (and the UDP length
// field) after a payload size change.
func fixLengths(p *netutil.Packet) {
	if p.V6 {
		binary.BigEndian.PutUint16(p.Data[4:6], uint16(len(p.Data)-40))
	} else {
		binary.BigEndian.PutUint16(p.Data[2:4], uint16(len(p.Data)))
	}
	if p.Proto == netutil.ProtoUDP {
		binary.BigEndian.PutUint16(p.Data[p.IPHeaderLen+4:], uint16(len(p.Data)-p.IPHeaderLen))
	}
}

// saltIPIDs gives every crafted IPv4 packet a distinct IP ID so the
// train does not look like a retransmission burst of one datagram.
func saltIPIDs(orig *netutil.Packet, injs []Injection) {
	if orig.V6 {
		return
	}
	base := binary.BigEndian.Uint16(orig.Data[4:6])
	for i, inj := range injs {
		binary.BigEndian.PutUint16(inj.Data[4:6], base+uint16(i)+1)
		netutil.FixIPv4Checksum(inj.Data)
	}
}
