// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package netutil_test

import (
	"net/netip"
	"testing"

	"grimm.is/slipwire/internal/netutil"
	"grimm.is/slipwire/internal/testutil"
)

func TestDecodeTCP4(t *testing.T) {
	src := netip.MustParseAddrPort("10.0.0.2:41234")
	dst := netip.MustParseAddrPort("93.184.216.34:443")
	raw := testutil.TCP4(src, dst, 1000, netutil.FlagPSH|netutil.FlagACK, []byte("hello"))

	var p netutil.Packet
	if err := netutil.Decode(raw, &p); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if p.V6 {
		t.Error("V6 = true for IPv4 packet")
	}
	if p.Proto != netutil.ProtoTCP {
		t.Errorf("Proto = %d, want TCP", p.Proto)
	}
	if p.Tuple.SrcPort != 41234 || p.Tuple.DstPort != 443 {
		t.Errorf("ports = %d/%d", p.Tuple.SrcPort, p.Tuple.DstPort)
	}
	if p.Tuple.DstIP != dst.Addr() {
		t.Errorf("DstIP = %v", p.Tuple.DstIP)
	}
	if string(p.Payload()) != "hello" {
		t.Errorf("payload = %q", p.Payload())
	}
	if p.Seq() != 1000 {
		t.Errorf("seq = %d", p.Seq())
	}
	if p.TCPFlags()&netutil.FlagPSH == 0 {
		t.Error("PSH flag lost")
	}
}

func TestDecodeUDP4(t *testing.T) {
	raw := testutil.UDP4(
		netip.MustParseAddrPort("10.0.0.2:50000"),
		netip.MustParseAddrPort("162.159.128.233:50021"),
		[]byte{0xde, 0xad})

	var p netutil.Packet
	if err := netutil.Decode(raw, &p); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.Proto != netutil.ProtoUDP {
		t.Errorf("Proto = %d, want UDP", p.Proto)
	}
	if p.PayloadOff != 28 {
		t.Errorf("PayloadOff = %d, want 28", p.PayloadOff)
	}
	if len(p.Payload()) != 2 {
		t.Errorf("payload len = %d", len(p.Payload()))
	}
}

func TestDecodeTCP6(t *testing.T) {
	raw := testutil.TCP6(
		netip.MustParseAddrPort("[2001:db8::2]:41234"),
		netip.MustParseAddrPort("[2606:4700::1]:443"),
		77, netutil.FlagSYN, nil)

	var p netutil.Packet
	if err := netutil.Decode(raw, &p); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !p.V6 {
		t.Error("V6 = false for IPv6 packet")
	}
	if p.IPHeaderLen != 40 {
		t.Errorf("IPHeaderLen = %d, want 40", p.IPHeaderLen)
	}
	if p.Tuple.DstPort != 443 {
		t.Errorf("DstPort = %d", p.Tuple.DstPort)
	}
	if p.TCPFlags() != netutil.FlagSYN {
		t.Errorf("flags = %#x", p.TCPFlags())
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short", []byte{0x45, 0x00}},
		{"bad version", append([]byte{0x95}, make([]byte, 39)...)},
		{"icmp", func() []byte {
			b := make([]byte, 28)
			b[0] = 0x45
			b[9] = 1 // ICMP
			return b
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p netutil.Packet
			if err := netutil.Decode(tt.data, &p); err == nil {
				t.Error("Decode accepted malformed packet")
			}
		})
	}
}

func TestChecksumProperty(t *testing.T) {
	// A correctly checksummed region sums to zero.
	raw := testutil.TCP4(
		netip.MustParseAddrPort("10.0.0.2:41234"),
		netip.MustParseAddrPort("93.184.216.34:443"),
		1, netutil.FlagACK, []byte("payload bytes"))

	if got := netutil.Checksum(raw[:20]); got != 0 {
		t.Errorf("IPv4 header checksum residue = %#x, want 0", got)
	}
}

func TestFixChecksumsAfterEdit(t *testing.T) {
	raw := testutil.TCP4(
		netip.MustParseAddrPort("10.0.0.2:41234"),
		netip.MustParseAddrPort("93.184.216.34:443"),
		1, netutil.FlagACK, []byte("payload bytes"))

	var p netutil.Packet
	if err := netutil.Decode(raw, &p); err != nil {
		t.Fatal(err)
	}

	p.SetTTL(3)
	netutil.FixChecksums(&p)

	if got := netutil.Checksum(raw[:20]); got != 0 {
		t.Errorf("header checksum not repaired: residue %#x", got)
	}
	if p.TTL() != 3 {
		t.Errorf("TTL = %d", p.TTL())
	}
}

func TestTupleHashStable(t *testing.T) {
	tu := netutil.Tuple{
		SrcIP:   netip.MustParseAddr("10.0.0.2"),
		DstIP:   netip.MustParseAddr("93.184.216.34"),
		SrcPort: 41234,
		DstPort: 443,
		Proto:   netutil.ProtoTCP,
	}
	h1 := tu.Hash()
	h2 := tu.Hash()
	if h1 != h2 {
		t.Errorf("hash not stable: %d vs %d", h1, h2)
	}

	other := tu
	other.DstPort = 80
	if other.Hash() == h1 {
		t.Error("distinct tuples should hash differently")
	}
}

func TestHopDistance(t *testing.T) {
	tests := []struct {
		observed uint8
		base     uint8
		hops     uint8
	}{
		{57, 64, 7},
		{64, 64, 0},
		{119, 128, 9},
		{128, 128, 0},
		{240, 255, 15},
		{255, 255, 0},
	}
	for _, tt := range tests {
		if got := netutil.NearestBaseTTL(tt.observed); got != tt.base {
			t.Errorf("NearestBaseTTL(%d) = %d, want %d", tt.observed, got, tt.base)
		}
		if got := netutil.HopDistance(tt.observed); got != tt.hops {
			t.Errorf("HopDistance(%d) = %d, want %d", tt.observed, got, tt.hops)
		}
	}
}
