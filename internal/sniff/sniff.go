// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package sniff classifies the first outbound payloads of a
// connection and extracts the server name the client is asking for.
// TLS ClientHellos, HTTP requests, QUIC Initials and STUN bindings
// are recognized; everything else is opaque. Classification is
// passive: payloads are parsed, never altered.
package sniff

import (
	"encoding/binary"
	"sort"

	"grimm.is/slipwire/internal/errors"
	"grimm.is/slipwire/internal/netutil"
	"grimm.is/slipwire/internal/quicwire"
)

// Kind identifies the application protocol of a classified payload.
type Kind uint8

const (
	Unknown Kind = iota
	TLS
	HTTP
	QUIC
	STUN
)

func (k Kind) String() string {
	switch k {
	case TLS:
		return "tls"
	case HTTP:
		return "http"
	case QUIC:
		return "quic"
	case STUN:
		return "stun"
	default:
		return "unknown"
	}
}

// Result is a completed classification. Offsets are byte positions
// within the classified payload (the TCP stream prefix for TLS and
// HTTP, the decrypted CRYPTO stream for QUIC) and are only meaningful
// for split anchors on TCP.
type Result struct {
	Kind    Kind
	Host    string // server name, lowercased without port; empty when absent
	HostOff int    // offset of the name bytes
	HostLen int
	ExtOff  int // offset of the server_name extension header, -1 when absent
}

// MidSLD returns the offset of the middle of the second-level domain
// label, the position DPI classifiers key on hardest. Returns -1 when
// the host has no second-level label.
func (r *Result) MidSLD() int {
	if r == nil || r.Host == "" || r.HostLen != len(r.Host) {
		return -1
	}
	host := r.Host

	// Walk label boundaries; the second-level label is the one before
	// the final dot.
	lastDot := -1
	prevDot := -1
	for i := 0; i < len(host); i++ {
		if host[i] == '.' {
			prevDot = lastDot
			lastDot = i
		}
	}
	if lastDot < 0 {
		return -1
	}
	start := prevDot + 1
	labelLen := lastDot - start
	if labelLen <= 0 {
		return -1
	}
	return r.HostOff + start + labelLen/2
}

// ErrNeedMore reports that the payload seen so far is a prefix of
// something classifiable and another segment may settle it.
var ErrNeedMore = errors.New(errors.KindUnknown, "classification needs more data")

// Classify inspects a single payload. A nil result with a nil error
// means the connection is not a protocol we recognize and never will
// be; ErrNeedMore means feed the next payload through a Sniffer.
func Classify(proto uint8, payload []byte) (*Result, error) {
	if len(payload) == 0 {
		return nil, ErrNeedMore
	}
	switch proto {
	case netutil.ProtoTCP:
		if payload[0] == 0x16 {
			return classifyTLS(payload)
		}
		return classifyHTTP(payload)
	case netutil.ProtoUDP:
		if r := stunResult(payload); r != nil {
			return r, nil
		}
		return classifyQUIC(payload, nil)
	}
	return nil, nil
}

// stunResult detects a STUN message by its magic cookie. WebRTC and
// gaming flows open with these; rules can target them with fakes but
// they carry no hostname.
func stunResult(payload []byte) *Result {
	if len(payload) < 20 {
		return nil
	}
	if payload[0]&0xc0 != 0 {
		return nil
	}
	if binary.BigEndian.Uint32(payload[4:8]) != 0x2112a442 {
		return nil
	}
	// Attribute section length must fit the datagram.
	if int(binary.BigEndian.Uint16(payload[2:4]))+20 > len(payload) {
		return nil
	}
	return &Result{Kind: STUN, ExtOff: -1}
}

// Budgets for multi-packet assembly. A post-quantum ClientHello runs
// to two segments; anything still unclassified after four packets or
// 16KB never will be.
const (
	maxAssembled = 16 << 10
	maxPackets   = 4
)

// Sniffer accumulates one connection's outbound payloads until a
// classification settles. Not safe for concurrent use; the queue
// worker owning the connection is the only caller.
type Sniffer struct {
	proto   uint8
	buf     []byte
	frags   []quicwire.Fragment
	packets int
	done    bool
	result  *Result
}

func NewSniffer(proto uint8) *Sniffer {
	return &Sniffer{proto: proto}
}

// Feed consumes the next payload and reports the classification so
// far. final means no further payload can change the outcome; the
// result stays nil for connections we cannot classify. Feed copies
// what it must, so the caller may reuse the payload buffer.
func (s *Sniffer) Feed(payload []byte) (*Result, bool) {
	if s.done {
		return s.result, true
	}
	s.packets++

	var (
		res *Result
		err error
	)
	switch s.proto {
	case netutil.ProtoTCP:
		data := payload
		if len(s.buf) > 0 {
			s.buf = append(s.buf, payload...)
			data = s.buf
		}
		res, err = Classify(netutil.ProtoTCP, data)
		if err != nil && len(s.buf) == 0 {
			s.buf = append(s.buf, payload...)
		}
	case netutil.ProtoUDP:
		if len(s.frags) == 0 {
			if r := stunResult(payload); r != nil {
				return s.settle(r)
			}
		}
		res, err = classifyQUIC(payload, s)
	default:
		return s.settle(nil)
	}

	switch {
	case res != nil:
		return s.settle(res)
	case err == nil:
		return s.settle(nil)
	}
	if s.packets >= maxPackets || len(s.buf) > maxAssembled {
		return s.settle(nil)
	}
	return nil, false
}

// Result returns the settled classification, nil before settlement or
// for unclassifiable connections.
func (s *Sniffer) Result() (*Result, bool) {
	return s.result, s.done
}

func (s *Sniffer) settle(r *Result) (*Result, bool) {
	s.done = true
	s.result = r
	s.buf = nil
	s.frags = nil
	return r, true
}

// assembleStream orders CRYPTO fragments and returns the contiguous
// prefix of the handshake stream, stopping at the first gap.
func assembleStream(frags []quicwire.Fragment) []byte {
	sorted := append([]quicwire.Fragment(nil), frags...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	var out []byte
	for _, f := range sorted {
		if f.Offset > maxAssembled {
			break
		}
		off := int(f.Offset)
		switch {
		case off > len(out):
			return out // gap; a later datagram may fill it
		case off+len(f.Data) <= len(out):
			continue // duplicate
		default:
			out = append(out, f.Data[len(out)-off:]...)
		}
	}
	return out
}
