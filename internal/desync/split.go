// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package desync

import (
	"encoding/binary"
	"sort"

	"grimm.is/slipwire/internal/config"
	"grimm.is/slipwire/internal/netutil"
	"grimm.is/slipwire/internal/sniff"
)

// maxSegments caps how many pieces multisplit may carve from one
// packet.
const maxSegments = 16

// resolvePoint maps one split point to a stream offset. Anchored
// points need a classified hello carrying the anchor; without one the
// point dissolves instead of falling back somewhere surprising.
func resolvePoint(sp config.SplitPoint, sn *sniff.Result) (int, bool) {
	switch sp.Anchor {
	case config.AnchorNone:
		return sp.Offset, true
	case config.AnchorSNI:
		if sn == nil || sn.HostLen == 0 {
			return 0, false
		}
		return sn.HostOff + sp.Offset, true
	case config.AnchorMidSLD:
		if sn == nil {
			return 0, false
		}
		mid := sn.MidSLD()
		if mid < 0 {
			return 0, false
		}
		return mid + sp.Offset, true
	case config.AnchorSNIExt:
		if sn == nil || sn.ExtOff < 0 {
			return 0, false
		}
		return sn.ExtOff + sp.Offset, true
	}
	return 0, false
}

// resolvePositions turns the rule's split points into sorted unique
// cut offsets inside this packet's payload. Anchors are
// stream-relative; when the hello began in an earlier segment,
// StreamOff shifts them into packet coordinates. Cuts landing outside
// (0, len) vanish, so a split at the payload length degrades to no
// split rather than an empty segment.
func resolvePositions(in Input) []int {
	payl := in.Packet.Payload()
	pts := make([]int, 0, len(in.Rule.SplitPos))
	for _, sp := range in.Rule.SplitPos {
		pos, ok := resolvePoint(sp, in.Sniff)
		if !ok {
			continue
		}
		pos -= in.StreamOff
		if pos <= 0 || pos >= len(payl) {
			continue
		}
		pts = append(pts, pos)
	}
	sort.Ints(pts)
	out := pts[:0]
	for i, p := range pts {
		if i > 0 && p == pts[i-1] {
			continue
		}
		out = append(out, p)
	}
	if len(out) > maxSegments-1 {
		out = out[:maxSegments-1]
	}
	return out
}

// splitSegments carves the payload at the resolved cuts and rebuilds
// each piece as a standalone packet with an advancing sequence number.
// The first segment may carry a seqovl prefix: ovl zero bytes in front
// and the sequence pulled back by ovl, so the real first bytes sit at
// the original sequence while an inspector reassembling naively reads
// the shifted copy.
func splitSegments(in Input) [][]byte {
	pkt := in.Packet
	payl := pkt.Payload()
	cuts := resolvePositions(in)
	if len(cuts) == 0 {
		return nil
	}

	bounds := make([][2]int, 0, len(cuts)+1)
	start := 0
	for _, c := range cuts {
		bounds = append(bounds, [2]int{start, c})
		start = c
	}
	bounds = append(bounds, [2]int{start, len(payl)})

	ovl := in.Rule.SeqOvl
	if ovl >= bounds[0][1] {
		ovl = 0 // the overlap must stay shorter than the first segment
	}

	hdrLen := pkt.PayloadOff
	origSeq := pkt.Seq()
	segs := make([][]byte, 0, len(bounds))
	for i, b := range bounds {
		prefix := 0
		if i == 0 {
			prefix = ovl
		}
		out := make([]byte, hdrLen+prefix+(b[1]-b[0]))
		copy(out, pkt.Data[:hdrLen])
		copy(out[hdrLen+prefix:], payl[b[0]:b[1]])

		seq := origSeq + uint32(b[0]) - uint32(prefix)
		binary.BigEndian.PutUint32(out[pkt.IPHeaderLen+4:], seq)
		if i < len(bounds)-1 {
			out[pkt.IPHeaderLen+13] &^= netutil.FlagPSH | netutil.FlagFIN
		}

		np := netutil.Packet{
			Data:        out,
			V6:          pkt.V6,
			Proto:       pkt.Proto,
			IPHeaderLen: pkt.IPHeaderLen,
			PayloadOff:  hdrLen,
			Tuple:       pkt.Tuple,
		}
		fixLengths(&np)
		netutil.FixChecksums(&np)
		segs = append(segs, out)
	}
	return segs
}
