// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package desync

import (
	"encoding/binary"

	"grimm.is/slipwire/internal/config"
	"grimm.is/slipwire/internal/netutil"
)

const (
	// badSeqDelta pulls a decoy's sequence number behind data the peer
	// has already acknowledged, so the peer discards it as stale.
	badSeqDelta = 10000

	// tsvalSkew ages a decoy's TSval enough that PAWS rejects it.
	tsvalSkew = 0x10000000

	// defaultDecoyTTL applies when ttl fooling is requested without an
	// explicit ttl and autottl has no answer. Far enough to cross an
	// access-network inspector, short enough to die before most
	// destinations.
	defaultDecoyTTL = 8

	// md5OptLen is the TCP MD5 signature option (kind 19, length 18)
	// padded to a 4-byte boundary with two NOPs.
	md5OptLen = 20
)

// craftDecoy builds an injectable copy of the packet carrying payl
// instead of the real payload, with the rule's fooling applied. The
// decoy must be counted by a middlebox and discarded by the peer.
func craftDecoy(in Input, payl []byte) []byte {
	pkt := in.Packet
	fool := in.Rule.Fooling

	hdrLen := pkt.PayloadOff
	extra := 0
	md5 := fool.Has(config.FoolMD5Sig) &&
		pkt.Proto == netutil.ProtoTCP &&
		hdrLen-pkt.IPHeaderLen+md5OptLen <= 60
	if md5 {
		extra = md5OptLen
	}

	out := make([]byte, hdrLen+extra+len(payl))
	copy(out, pkt.Data[:hdrLen])
	if md5 {
		opt := out[hdrLen : hdrLen+extra]
		opt[0], opt[1] = 19, 18 // digest bytes stay zero; nobody verifies them
		opt[18], opt[19] = 1, 1
		out[pkt.IPHeaderLen+12] += byte(extra/4) << 4
	}
	copy(out[hdrLen+extra:], payl)

	np := netutil.Packet{
		Data:        out,
		V6:          pkt.V6,
		Proto:       pkt.Proto,
		IPHeaderLen: pkt.IPHeaderLen,
		PayloadOff:  hdrLen + extra,
		Tuple:       pkt.Tuple,
	}
	fixLengths(&np)

	if fool.Has(config.FoolTS) && np.Proto == netutil.ProtoTCP {
		skewTimestamp(&np)
	}
	if ttl, ok := decoyTTL(in); ok {
		np.SetTTL(ttl)
	}
	if fool.Has(config.FoolBadseq) && np.Proto == netutil.ProtoTCP {
		seqOff := np.IPHeaderLen + 4
		seq := binary.BigEndian.Uint32(out[seqOff:])
		binary.BigEndian.PutUint32(out[seqOff:], seq-badSeqDelta)
	}

	netutil.FixChecksums(&np)
	if fool.Has(config.FoolBadsum) {
		corruptChecksum(&np)
	}
	return out
}

// decoyTTL resolves the TTL a decoy should carry: autottl inference
// first, the rule's fixed ttl next, a stock value when ttl fooling is
// on with neither.
func decoyTTL(in Input) (uint8, bool) {
	if in.TTL > 0 {
		return in.TTL, true
	}
	if in.Rule.TTL > 0 {
		return uint8(in.Rule.TTL), true
	}
	if in.Rule.Fooling.Has(config.FoolTTL) {
		return defaultDecoyTTL, true
	}
	return 0, false
}

// skewTimestamp ages the TSval of the packet's timestamps option, if
// it carries one. Only effective on flows that negotiated timestamps;
// without the option the decoy needs another fooling mode.
func skewTimestamp(p *netutil.Packet) {
	opts := p.Data[p.IPHeaderLen+20 : p.PayloadOff]
	for i := 0; i < len(opts); {
		switch opts[i] {
		case 0: // end of options
			return
		case 1: // NOP
			i++
		default:
			if i+1 >= len(opts) {
				return
			}
			l := int(opts[i+1])
			if l < 2 || i+l > len(opts) {
				return
			}
			if opts[i] == 8 && l == 10 {
				ts := binary.BigEndian.Uint32(opts[i+2:])
				binary.BigEndian.PutUint32(opts[i+2:], ts-tsvalSkew)
				return
			}
			i += l
		}
	}
}

// corruptChecksum replaces a correct transport checksum with a wrong
// non-zero one. Zero is avoided because UDP reads it as "not
// computed" and the peer would accept the datagram.
func corruptChecksum(p *netutil.Packet) {
	var ckOff int
	switch p.Proto {
	case netutil.ProtoTCP:
		ckOff = 16
	case netutil.ProtoUDP:
		ckOff = 6
	default:
		return
	}
	off := p.IPHeaderLen + ckOff
	bad := binary.BigEndian.Uint16(p.Data[off:]) + 1
	if bad == 0 {
		bad = 1
	}
	binary.BigEndian.PutUint16(p.Data[off:], bad)
}
