// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package netutil

import "encoding/binary"

// Checksum computes the Internet checksum (RFC 1071) over b.
func Checksum(b []byte) uint16 {
	var sum uint32
	for ; len(b) >= 2; b = b[2:] {
		sum += uint32(b[0])<<8 | uint32(b[1])
	}
	if len(b) > 0 {
		sum += uint32(b[0]) << 8
	}
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}

// FixIPv4Checksum recomputes the header checksum of an IPv4 packet in
// place. No-op for IPv6 (which has no header checksum).
func FixIPv4Checksum(data []byte) {
	if len(data) < 20 || data[0]>>4 != 4 {
		return
	}
	ihl := int(data[0]&0x0f) * 4
	if ihl < 20 || len(data) < ihl {
		return
	}
	data[10], data[11] = 0, 0
	ck := Checksum(data[:ihl])
	binary.BigEndian.PutUint16(data[10:], ck)
}

// FixTransportChecksum recomputes the TCP or UDP checksum of a decoded
// packet in place, including the pseudo-header for its family.
func FixTransportChecksum(p *Packet) {
	seg := p.Data[p.IPHeaderLen:]

	var ckOff int
	switch p.Proto {
	case ProtoTCP:
		ckOff = 16
	case ProtoUDP:
		ckOff = 6
	default:
		return
	}
	if len(seg) < ckOff+2 {
		return
	}
	seg[ckOff], seg[ckOff+1] = 0, 0

	var sum uint32
	add := func(b []byte) {
		for ; len(b) >= 2; b = b[2:] {
			sum += uint32(b[0])<<8 | uint32(b[1])
		}
		if len(b) > 0 {
			sum += uint32(b[0]) << 8
		}
	}

	if p.V6 {
		add(p.Data[8:40]) // src + dst
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(seg)))
		add(l[:])
		add([]byte{0, 0, 0, p.Proto})
	} else {
		add(p.Data[12:20]) // src + dst
		add([]byte{0, p.Proto})
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(seg)))
		add(l[:])
	}
	add(seg)

	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	ck := ^uint16(sum)
	// UDP transmits an all-zero checksum as "not computed"; RFC 768
	// says a computed zero goes on the wire as 0xffff.
	if p.Proto == ProtoUDP && ck == 0 {
		ck = 0xffff
	}
	binary.BigEndian.PutUint16(seg[ckOff:], ck)
}

// FixChecksums repairs both the IP header checksum (v4 only) and the
// transport checksum after in-place packet edits.
func FixChecksums(p *Packet) {
	FixIPv4Checksum(p.Data)
	FixTransportChecksum(p)
}
