// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package netutil holds the raw-packet plumbing shared by the queue
// handler, the desync transforms, and the injector: header decoding,
// checksum repair, and 5-tuple identity.
package netutil

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Transport protocol numbers we act on. Everything else passes through.
const (
	ProtoTCP = 6
	ProtoUDP = 17
)

// TCP flag bits in the 13th byte of the TCP header.
const (
	FlagFIN = 0x01
	FlagSYN = 0x02
	FlagRST = 0x04
	FlagPSH = 0x08
	FlagACK = 0x10
)

// Tuple identifies a flow. Addresses are held as netip.Addr so the
// same struct covers both families.
type Tuple struct {
	SrcIP   netip.Addr
	DstIP   netip.Addr
	SrcPort uint16
	DstPort uint16
	Proto   uint8
}

func (t Tuple) String() string {
	proto := "tcp"
	if t.Proto == ProtoUDP {
		proto = "udp"
	}
	return fmt.Sprintf("%s %s:%d -> %s:%d", proto, t.SrcIP, t.SrcPort, t.DstIP, t.DstPort)
}

// Hash returns the FNV-1a hash of the tuple, used to pin a flow to a
// worker. Only the forward direction is hashed; the queue only sees
// outbound packets for dispatch, inbound SYNACKs are handled before
// worker dispatch.
func (t Tuple) Hash() uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	mix := func(b []byte) {
		for _, c := range b {
			h ^= uint32(c)
			h *= prime32
		}
	}
	src := t.SrcIP.As16()
	dst := t.DstIP.As16()
	mix(src[:])
	mix(dst[:])
	var ports [5]byte
	binary.BigEndian.PutUint16(ports[0:], t.SrcPort)
	binary.BigEndian.PutUint16(ports[2:], t.DstPort)
	ports[4] = t.Proto
	mix(ports[:])
	return h
}

// Packet is a decoded view over a raw IP packet. Data is the packet
// itself; the offsets index into it. Decode fills a caller-owned
// Packet so the hot path does not allocate.
type Packet struct {
	Data []byte

	V6          bool
	Proto       uint8
	IPHeaderLen int // bytes up to the transport header
	PayloadOff  int // bytes up to the transport payload
	Tuple       Tuple
}

// Payload returns the transport payload (may be empty).
func (p *Packet) Payload() []byte {
	if p.PayloadOff >= len(p.Data) {
		return nil
	}
	return p.Data[p.PayloadOff:]
}

// TCPFlags returns the flag byte, or 0 for non-TCP packets.
func (p *Packet) TCPFlags() uint8 {
	if p.Proto != ProtoTCP || p.IPHeaderLen+13 >= len(p.Data) {
		return 0
	}
	return p.Data[p.IPHeaderLen+13]
}

// Seq returns the TCP sequence number, or 0 for non-TCP packets.
func (p *Packet) Seq() uint32 {
	if p.Proto != ProtoTCP || p.IPHeaderLen+8 > len(p.Data) {
		return 0
	}
	return binary.BigEndian.Uint32(p.Data[p.IPHeaderLen+4:])
}

// TTL returns the IPv4 TTL or IPv6 hop limit.
func (p *Packet) TTL() uint8 {
	if p.V6 {
		return p.Data[7]
	}
	return p.Data[8]
}

// SetTTL rewrites the IPv4 TTL or IPv6 hop limit. IPv4 header checksum
// is NOT fixed here; callers batch header edits and repair once.
func (p *Packet) SetTTL(ttl uint8) {
	if p.V6 {
		p.Data[7] = ttl
		return
	}
	p.Data[8] = ttl
}

// Decode parses data as an IPv4 or IPv6 packet carrying TCP or UDP and
// fills p. Extension headers on IPv6 are walked; packets whose
// transport is neither TCP nor UDP, or that are truncated, return an
// error and must be passed through untouched.
func Decode(data []byte, p *Packet) error {
	if len(data) < 20 {
		return fmt.Errorf("packet too short: %d bytes", len(data))
	}

	switch data[0] >> 4 {
	case 4:
		return decodeV4(data, p)
	case 6:
		return decodeV6(data, p)
	default:
		return fmt.Errorf("unknown IP version %d", data[0]>>4)
	}
}

func decodeV4(data []byte, p *Packet) error {
	ihl := int(data[0]&0x0f) * 4
	if ihl < 20 || len(data) < ihl {
		return fmt.Errorf("bad IPv4 header length %d", ihl)
	}

	proto := data[9]
	if proto != ProtoTCP && proto != ProtoUDP {
		return fmt.Errorf("unhandled protocol %d", proto)
	}

	src, _ := netip.AddrFromSlice(data[12:16])
	dst, _ := netip.AddrFromSlice(data[16:20])

	return decodeTransport(data, p, false, ihl, proto, src, dst)
}

func decodeV6(data []byte, p *Packet) error {
	if len(data) < 40 {
		return fmt.Errorf("truncated IPv6 header")
	}

	src, _ := netip.AddrFromSlice(data[8:24])
	dst, _ := netip.AddrFromSlice(data[24:40])

	next := data[6]
	off := 40
	// Walk extension headers until a transport protocol or something
	// we cannot skip shows up.
	for {
		switch next {
		case ProtoTCP, ProtoUDP:
			return decodeTransport(data, p, true, off, next, src, dst)
		case 0, 43, 60: // hop-by-hop, routing, destination options
			if len(data) < off+8 {
				return fmt.Errorf("truncated IPv6 extension header")
			}
			next = data[off]
			off += (int(data[off+1]) + 1) * 8
		case 44: // fragment header: fixed 8 bytes
			if len(data) < off+8 {
				return fmt.Errorf("truncated IPv6 fragment header")
			}
			next = data[off]
			off += 8
		default:
			return fmt.Errorf("unhandled IPv6 next header %d", next)
		}
		if off > len(data) {
			return fmt.Errorf("IPv6 extension header overruns packet")
		}
	}
}

func decodeTransport(data []byte, p *Packet, v6 bool, off int, proto uint8, src, dst netip.Addr) error {
	var payloadOff int
	var srcPort, dstPort uint16

	switch proto {
	case ProtoTCP:
		if len(data) < off+20 {
			return fmt.Errorf("truncated TCP header")
		}
		dataOff := int(data[off+12]>>4) * 4
		if dataOff < 20 || len(data) < off+dataOff {
			return fmt.Errorf("bad TCP data offset %d", dataOff)
		}
		srcPort = binary.BigEndian.Uint16(data[off:])
		dstPort = binary.BigEndian.Uint16(data[off+2:])
		payloadOff = off + dataOff
	case ProtoUDP:
		if len(data) < off+8 {
			return fmt.Errorf("truncated UDP header")
		}
		srcPort = binary.BigEndian.Uint16(data[off:])
		dstPort = binary.BigEndian.Uint16(data[off+2:])
		payloadOff = off + 8
	}

	p.Data = data
	p.V6 = v6
	p.Proto = proto
	p.IPHeaderLen = off
	p.PayloadOff = payloadOff
	p.Tuple = Tuple{
		SrcIP:   src,
		DstIP:   dst,
		SrcPort: srcPort,
		DstPort: dstPort,
		Proto:   proto,
	}
	return nil
}
