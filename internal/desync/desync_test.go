// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package desync

import (
	"bytes"
	"encoding/binary"
	"net/netip"
	"testing"

	"grimm.is/slipwire/internal/config"
	"grimm.is/slipwire/internal/netutil"
	"grimm.is/slipwire/internal/sniff"
	"grimm.is/slipwire/internal/testutil"
)

var (
	cli = netip.MustParseAddrPort("10.0.0.2:41000")
	srv = netip.MustParseAddrPort("93.184.216.34:443")
)

func decode(t *testing.T, raw []byte) *netutil.Packet {
	t.Helper()
	p := new(netutil.Packet)
	if err := netutil.Decode(raw, p); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return p
}

// checksumsOK reports whether raw carries correct IP and transport
// checksums, by repairing a copy and comparing.
func checksumsOK(raw []byte) bool {
	cp := bytes.Clone(raw)
	var p netutil.Packet
	if err := netutil.Decode(cp, &p); err != nil {
		return false
	}
	netutil.FixChecksums(&p)
	return bytes.Equal(cp, raw)
}

func TestApplyEmptyPayload(t *testing.T) {
	raw := testutil.TCP4(cli, srv, 1000, netutil.FlagACK, nil)
	rule := &config.CompiledRule{Methods: []config.Method{config.MethodFake}, Repeats: 1}
	plan := Apply(Input{Packet: decode(t, raw), Rule: rule, Fake: []byte("decoy")})
	if !plan.Empty() {
		t.Fatalf("plan for empty payload = %+v, want empty", plan)
	}
}

func TestFakeInjections(t *testing.T) {
	payl := []byte("GET / HTTP/1.1\r\nHost: blocked.example\r\n\r\n")
	fake := []byte("GET / HTTP/1.1\r\nHost: innocuous.example\r\n\r\n")
	raw := testutil.TCP4(cli, srv, 1000, netutil.FlagPSH|netutil.FlagACK, payl)
	before := bytes.Clone(raw)
	rule := &config.CompiledRule{
		Methods: []config.Method{config.MethodFake},
		Fooling: config.FoolTTL,
		Repeats: 2,
	}

	plan := Apply(Input{Packet: decode(t, raw), Rule: rule, Fake: fake})

	if plan.DropOriginal {
		t.Error("fake must not drop the original packet")
	}
	if len(plan.Injections) != 2 {
		t.Fatalf("injections = %d, want 2", len(plan.Injections))
	}
	if !bytes.Equal(raw, before) {
		t.Error("Apply mutated the original packet")
	}
	for i, inj := range plan.Injections {
		ip := decode(t, inj.Data)
		if !bytes.Equal(ip.Payload(), fake) {
			t.Errorf("injection %d payload = %q, want the fake", i, ip.Payload())
		}
		if got := ip.TTL(); got != defaultDecoyTTL {
			t.Errorf("injection %d ttl = %d, want %d", i, got, defaultDecoyTTL)
		}
		wantID := uint16(0x1234) + uint16(i) + 1
		if got := binary.BigEndian.Uint16(inj.Data[4:6]); got != wantID {
			t.Errorf("injection %d ip id = %#x, want %#x", i, got, wantID)
		}
		if !checksumsOK(inj.Data) {
			t.Errorf("injection %d has broken checksums", i)
		}
	}
}

func TestFakeWithoutTemplate(t *testing.T) {
	raw := testutil.TCP4(cli, srv, 1, netutil.FlagPSH|netutil.FlagACK, []byte("x"))
	rule := &config.CompiledRule{Methods: []config.Method{config.MethodFake}, Repeats: 1}
	if plan := Apply(Input{Packet: decode(t, raw), Rule: rule}); !plan.Empty() {
		t.Fatalf("plan without a fake template = %+v, want empty", plan)
	}
}

func TestFoolingDuplicate(t *testing.T) {
	payl := []byte("GET /forbidden HTTP/1.1\r\nHost: x.example\r\n\r\n")
	raw := testutil.TCP4(cli, srv, 7000, netutil.FlagPSH|netutil.FlagACK, payl)
	rule := &config.CompiledRule{
		Methods: []config.Method{config.MethodFooling},
		Fooling: config.FoolBadseq,
		Repeats: 1,
	}

	plan := Apply(Input{Packet: decode(t, raw), Rule: rule})

	if len(plan.Injections) != 1 || plan.DropOriginal {
		t.Fatalf("plan = %d injections, drop=%v; want 1, false", len(plan.Injections), plan.DropOriginal)
	}
	ip := decode(t, plan.Injections[0].Data)
	if !bytes.Equal(ip.Payload(), payl) {
		t.Errorf("duplicate payload = %q, want the original", ip.Payload())
	}
	if got, want := ip.Seq(), uint32(7000-badSeqDelta); got != want {
		t.Errorf("seq = %d, want %d", got, want)
	}
	if !checksumsOK(plan.Injections[0].Data) {
		t.Error("duplicate has broken checksums")
	}
}

func TestFoolingNoneSkipped(t *testing.T) {
	raw := testutil.TCP4(cli, srv, 1, netutil.FlagPSH|netutil.FlagACK, []byte("x"))
	rule := &config.CompiledRule{Methods: []config.Method{config.MethodFooling}, Repeats: 1}
	if plan := Apply(Input{Packet: decode(t, raw), Rule: rule}); !plan.Empty() {
		t.Fatalf("fooling with no modes = %+v, want empty plan", plan)
	}
}

func TestMD5SigOption(t *testing.T) {
	payl := []byte("hello")
	raw := testutil.TCP4(cli, srv, 1, netutil.FlagPSH|netutil.FlagACK, payl)
	rule := &config.CompiledRule{
		Methods: []config.Method{config.MethodFooling},
		Fooling: config.FoolMD5Sig,
		Repeats: 1,
	}

	plan := Apply(Input{Packet: decode(t, raw), Rule: rule})
	if len(plan.Injections) != 1 {
		t.Fatalf("injections = %d, want 1", len(plan.Injections))
	}
	inj := plan.Injections[0].Data

	if got := inj[32] >> 4; got != 10 {
		t.Fatalf("data offset = %d words, want 10", got)
	}
	opt := inj[40:60]
	if opt[0] != 19 || opt[1] != 18 {
		t.Errorf("option header = %d,%d, want 19,18", opt[0], opt[1])
	}
	if opt[18] != 1 || opt[19] != 1 {
		t.Errorf("option padding = %d,%d, want NOP NOP", opt[18], opt[19])
	}
	ip := decode(t, inj)
	if !bytes.Equal(ip.Payload(), payl) {
		t.Errorf("payload after option insert = %q", ip.Payload())
	}
	if !checksumsOK(inj) {
		t.Error("md5sig decoy has broken checksums")
	}
}

func TestTimestampSkew(t *testing.T) {
	raw := testutil.TCP4TS(cli, srv, 500, 0x50000000, []byte("data"))
	rule := &config.CompiledRule{
		Methods: []config.Method{config.MethodFooling},
		Fooling: config.FoolTS,
		Repeats: 1,
	}

	plan := Apply(Input{Packet: decode(t, raw), Rule: rule})
	if len(plan.Injections) != 1 {
		t.Fatalf("injections = %d, want 1", len(plan.Injections))
	}
	inj := plan.Injections[0].Data

	if got, want := binary.BigEndian.Uint32(inj[44:48]), uint32(0x50000000-tsvalSkew); got != want {
		t.Errorf("tsval = %#x, want %#x", got, want)
	}
	if got := binary.BigEndian.Uint32(inj[48:52]); got != 0x5678 {
		t.Errorf("tsecr = %#x, want untouched 0x5678", got)
	}
	if !checksumsOK(inj) {
		t.Error("ts decoy has broken checksums")
	}
}

func TestTimestampSkewWithoutOption(t *testing.T) {
	payl := []byte("plain")
	raw := testutil.TCP4(cli, srv, 300, netutil.FlagPSH|netutil.FlagACK, payl)
	rule := &config.CompiledRule{
		Methods: []config.Method{config.MethodFooling},
		Fooling: config.FoolTS,
		Repeats: 1,
	}

	plan := Apply(Input{Packet: decode(t, raw), Rule: rule})
	if len(plan.Injections) != 1 {
		t.Fatalf("injections = %d, want 1", len(plan.Injections))
	}
	ip := decode(t, plan.Injections[0].Data)
	if !bytes.Equal(ip.Payload(), payl) || ip.Seq() != 300 || ip.TTL() != 64 {
		t.Errorf("flow without timestamps: decoy altered beyond checksum and ip id")
	}
}

func TestDecoyTTLPrecedence(t *testing.T) {
	tests := []struct {
		name    string
		inTTL   uint8
		ruleTTL int
		fooling config.Fooling
		want    uint8
	}{
		{"autottl beats rule ttl", 5, 3, config.FoolTTL, 5},
		{"rule ttl", 0, 3, config.FoolTTL, 3},
		{"ttl fooling stock value", 0, 0, config.FoolTTL, defaultDecoyTTL},
		{"no ttl request keeps original", 0, 0, config.FoolBadseq, 64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := testutil.TCP4(cli, srv, 1, netutil.FlagPSH|netutil.FlagACK, []byte("x"))
			rule := &config.CompiledRule{
				Methods: []config.Method{config.MethodFake},
				Fooling: tt.fooling,
				TTL:     tt.ruleTTL,
				Repeats: 1,
			}
			plan := Apply(Input{Packet: decode(t, raw), Rule: rule, Fake: []byte("f"), TTL: tt.inTTL})
			if len(plan.Injections) != 1 {
				t.Fatalf("injections = %d, want 1", len(plan.Injections))
			}
			if got := decode(t, plan.Injections[0].Data).TTL(); got != tt.want {
				t.Errorf("decoy ttl = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBadsum(t *testing.T) {
	t.Run("tcp", func(t *testing.T) {
		raw := testutil.TCP4(cli, srv, 1, netutil.FlagPSH|netutil.FlagACK, []byte("x"))
		rule := &config.CompiledRule{
			Methods: []config.Method{config.MethodFake},
			Fooling: config.FoolBadsum,
			Repeats: 1,
		}
		plan := Apply(Input{Packet: decode(t, raw), Rule: rule, Fake: []byte("fake")})
		if len(plan.Injections) != 1 {
			t.Fatalf("injections = %d, want 1", len(plan.Injections))
		}
		if checksumsOK(plan.Injections[0].Data) {
			t.Error("badsum decoy still has a valid checksum")
		}
	})

	t.Run("udp", func(t *testing.T) {
		raw := testutil.UDP4(cli, srv, []byte("datagram"))
		rule := &config.CompiledRule{
			Protocol: netutil.ProtoUDP,
			Methods:  []config.Method{config.MethodFake},
			Fooling:  config.FoolBadsum,
			Repeats:  1,
		}
		plan := Apply(Input{Packet: decode(t, raw), Rule: rule, Fake: []byte("quic decoy")})
		if len(plan.Injections) != 1 {
			t.Fatalf("injections = %d, want 1", len(plan.Injections))
		}
		inj := plan.Injections[0].Data
		if checksumsOK(inj) {
			t.Error("badsum decoy still has a valid checksum")
		}
		// zero would read as "checksum not computed" and get accepted
		if got := binary.BigEndian.Uint16(inj[26:28]); got == 0 {
			t.Error("badsum produced a zero udp checksum")
		}
	})
}

func TestMultisplitRoundTrip(t *testing.T) {
	hello := testutil.ClientHello("rutracker.org")
	sn, err := sniff.Classify(netutil.ProtoTCP, hello)
	if err != nil || sn == nil || sn.Kind != sniff.TLS {
		t.Fatalf("Classify = %+v, %v", sn, err)
	}

	tests := []struct {
		name  string
		pos   []config.SplitPoint
		segs  int
		first int // expected length of the first segment
	}{
		{"absolute", []config.SplitPoint{{Offset: 2}}, 2, 2},
		{"several", []config.SplitPoint{{Offset: 40}, {Offset: 1}, {Offset: 5}}, 4, 1},
		{"sni", []config.SplitPoint{{Anchor: config.AnchorSNI}}, 2, sn.HostOff},
		{"midsld", []config.SplitPoint{{Anchor: config.AnchorMidSLD}}, 2, sn.MidSLD()},
		{"sniext adjusted", []config.SplitPoint{{Anchor: config.AnchorSNIExt, Offset: -2}}, 2, sn.ExtOff - 2},
		{"out of range dropped", []config.SplitPoint{{Offset: 2}, {Offset: 100000}}, 2, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := testutil.TCP4(cli, srv, 123456, netutil.FlagPSH|netutil.FlagACK, hello)
			rule := &config.CompiledRule{
				Protocol: netutil.ProtoTCP,
				Methods:  []config.Method{config.MethodMultisplit},
				SplitPos: tt.pos,
				Repeats:  1,
			}

			plan := Apply(Input{Packet: decode(t, raw), Rule: rule, Sniff: sn})

			if !plan.DropOriginal {
				t.Fatal("multisplit must drop the original packet")
			}
			if len(plan.Injections) != tt.segs {
				t.Fatalf("segments = %d, want %d", len(plan.Injections), tt.segs)
			}

			var rebuilt []byte
			next := uint32(123456)
			for i, inj := range plan.Injections {
				ip := decode(t, inj.Data)
				if got := ip.Seq(); got != next {
					t.Errorf("segment %d seq = %d, want %d", i, got, next)
				}
				last := i == len(plan.Injections)-1
				if psh := ip.TCPFlags()&netutil.FlagPSH != 0; psh != last {
					t.Errorf("segment %d psh = %v, want %v", i, psh, last)
				}
				if !checksumsOK(inj.Data) {
					t.Errorf("segment %d has broken checksums", i)
				}
				rebuilt = append(rebuilt, ip.Payload()...)
				next += uint32(len(ip.Payload()))
			}
			if got := len(decode(t, plan.Injections[0].Data).Payload()); got != tt.first {
				t.Errorf("first segment length = %d, want %d", got, tt.first)
			}
			if !bytes.Equal(rebuilt, hello) {
				t.Fatal("reassembled segments differ from the original payload")
			}
		})
	}
}

func TestMultisplitSeqOvl(t *testing.T) {
	payl := []byte("abcdefghij")
	raw := testutil.TCP4(cli, srv, 5000, netutil.FlagPSH|netutil.FlagACK, payl)
	rule := &config.CompiledRule{
		Protocol: netutil.ProtoTCP,
		Methods:  []config.Method{config.MethodMultisplit},
		SplitPos: []config.SplitPoint{{Offset: 6}},
		SeqOvl:   4,
		Repeats:  1,
	}

	plan := Apply(Input{Packet: decode(t, raw), Rule: rule})
	if len(plan.Injections) != 2 {
		t.Fatalf("segments = %d, want 2", len(plan.Injections))
	}

	first := decode(t, plan.Injections[0].Data)
	if got := first.Seq(); got != 5000-4 {
		t.Errorf("first seq = %d, want %d", got, 5000-4)
	}
	fp := first.Payload()
	if len(fp) != 4+6 {
		t.Fatalf("first payload = %d bytes, want 10", len(fp))
	}
	if !bytes.Equal(fp[:4], make([]byte, 4)) {
		t.Error("overlap prefix is not zeroed")
	}
	if !bytes.Equal(fp[4:], []byte("abcdef")) {
		t.Errorf("first real bytes = %q, want abcdef", fp[4:])
	}

	second := decode(t, plan.Injections[1].Data)
	if got := second.Seq(); got != 5006 {
		t.Errorf("second seq = %d, want 5006", got)
	}
	if !bytes.Equal(second.Payload(), []byte("ghij")) {
		t.Errorf("second payload = %q, want ghij", second.Payload())
	}
}

func TestMultisplitSeqOvlTooLong(t *testing.T) {
	payl := []byte("abcdefghij")
	raw := testutil.TCP4(cli, srv, 5000, netutil.FlagPSH|netutil.FlagACK, payl)
	rule := &config.CompiledRule{
		Protocol: netutil.ProtoTCP,
		Methods:  []config.Method{config.MethodMultisplit},
		SplitPos: []config.SplitPoint{{Offset: 2}},
		SeqOvl:   5, // longer than the 2-byte first segment
		Repeats:  1,
	}

	plan := Apply(Input{Packet: decode(t, raw), Rule: rule})
	if len(plan.Injections) != 2 {
		t.Fatalf("segments = %d, want 2", len(plan.Injections))
	}
	first := decode(t, plan.Injections[0].Data)
	if got := first.Seq(); got != 5000 {
		t.Errorf("first seq = %d, want 5000 with overlap disabled", got)
	}
	if !bytes.Equal(first.Payload(), []byte("ab")) {
		t.Errorf("first payload = %q, want ab", first.Payload())
	}
}

func TestMultisplitAnchorsNeedHello(t *testing.T) {
	raw := testutil.TCP4(cli, srv, 1, netutil.FlagPSH|netutil.FlagACK, []byte("opaque inner protocol"))
	rule := &config.CompiledRule{
		Protocol: netutil.ProtoTCP,
		Methods:  []config.Method{config.MethodMultisplit},
		SplitPos: []config.SplitPoint{{Anchor: config.AnchorSNI}, {Anchor: config.AnchorSNIExt}},
		Repeats:  1,
	}

	if plan := Apply(Input{Packet: decode(t, raw), Rule: rule}); !plan.Empty() {
		t.Fatalf("anchored split without a hello = %+v, want empty plan", plan)
	}

	hostless := &sniff.Result{Kind: sniff.HTTP, ExtOff: -1}
	if plan := Apply(Input{Packet: decode(t, raw), Rule: rule, Sniff: hostless}); !plan.Empty() {
		t.Fatalf("anchored split without a host = %+v, want empty plan", plan)
	}
}

func TestMultisplitNonTCPSkipped(t *testing.T) {
	raw := testutil.UDP4(cli, srv, []byte("datagram"))
	rule := &config.CompiledRule{
		Protocol: netutil.ProtoUDP,
		Methods:  []config.Method{config.MethodMultisplit},
		SplitPos: []config.SplitPoint{{Offset: 2}},
		Repeats:  1,
	}
	if plan := Apply(Input{Packet: decode(t, raw), Rule: rule}); !plan.Empty() {
		t.Fatalf("multisplit on udp = %+v, want empty plan", plan)
	}
}

func TestChainOrder(t *testing.T) {
	hello := testutil.ClientHello("x.org")
	fake := []byte{0x16, 0x03, 0x01, 0x00, 0x00}
	raw := testutil.TCP4(cli, srv, 42, netutil.FlagPSH|netutil.FlagACK, hello)
	rule := &config.CompiledRule{
		Protocol: netutil.ProtoTCP,
		Methods:  []config.Method{config.MethodFake, config.MethodMultisplit},
		SplitPos: []config.SplitPoint{{Offset: 2}},
		Fooling:  config.FoolTTL,
		Repeats:  1,
	}

	plan := Apply(Input{Packet: decode(t, raw), Rule: rule, Fake: fake})

	if !plan.DropOriginal || len(plan.Injections) != 3 {
		t.Fatalf("plan = %d injections, drop=%v; want 3, true", len(plan.Injections), plan.DropOriginal)
	}
	decoy := decode(t, plan.Injections[0].Data)
	if !bytes.Equal(decoy.Payload(), fake) {
		t.Error("first injection is not the fake")
	}
	if got := decoy.TTL(); got != defaultDecoyTTL {
		t.Errorf("decoy ttl = %d, want %d", got, defaultDecoyTTL)
	}
	// fooling applies to decoys only; the real segments travel normally
	for i, inj := range plan.Injections[1:] {
		if got := decode(t, inj.Data).TTL(); got != 64 {
			t.Errorf("segment %d ttl = %d, want 64", i, got)
		}
	}
	for i, inj := range plan.Injections {
		wantID := uint16(0x1234) + uint16(i) + 1
		if got := binary.BigEndian.Uint16(inj.Data[4:6]); got != wantID {
			t.Errorf("injection %d ip id = %#x, want %#x", i, got, wantID)
		}
	}
}

func TestStreamOffsetShiftsAnchors(t *testing.T) {
	hello := testutil.ClientHello("example.org")
	sn, err := sniff.Classify(netutil.ProtoTCP, hello)
	if err != nil || sn == nil {
		t.Fatalf("Classify = %+v, %v", sn, err)
	}

	const off = 10 // bytes of the hello already gone out in an earlier packet
	tail := hello[off:]
	raw := testutil.TCP4(cli, srv, 9000, netutil.FlagPSH|netutil.FlagACK, tail)
	rule := &config.CompiledRule{
		Protocol: netutil.ProtoTCP,
		Methods:  []config.Method{config.MethodMultisplit},
		SplitPos: []config.SplitPoint{{Anchor: config.AnchorSNI}},
		Repeats:  1,
	}

	plan := Apply(Input{Packet: decode(t, raw), Rule: rule, Sniff: sn, StreamOff: off})
	if len(plan.Injections) != 2 {
		t.Fatalf("segments = %d, want 2", len(plan.Injections))
	}
	first := decode(t, plan.Injections[0].Data)
	if got, want := len(first.Payload()), sn.HostOff-off; got != want {
		t.Errorf("first segment = %d bytes, want %d", got, want)
	}
	rebuilt := append(bytes.Clone(first.Payload()), decode(t, plan.Injections[1].Data).Payload()...)
	if !bytes.Equal(rebuilt, tail) {
		t.Error("reassembled segments differ from the packet payload")
	}
}

func TestCutoffAloneIsNoop(t *testing.T) {
	raw := testutil.TCP4(cli, srv, 1, netutil.FlagPSH|netutil.FlagACK, []byte("x"))
	rule := &config.CompiledRule{
		Methods: []config.Method{config.MethodCutoff},
		Cutoff:  config.Cutoff{Mode: 'n', N: 2},
		Repeats: 1,
	}
	if plan := Apply(Input{Packet: decode(t, raw), Rule: rule}); !plan.Empty() {
		t.Fatalf("cutoff alone = %+v, want empty plan", plan)
	}
}

func TestFakeIPv6(t *testing.T) {
	fake := []byte("decoy")
	raw := testutil.TCP6(
		netip.MustParseAddrPort("[2001:db8::2]:41000"),
		netip.MustParseAddrPort("[2606:4700::1]:443"),
		77, netutil.FlagPSH|netutil.FlagACK, []byte("payload"),
	)
	rule := &config.CompiledRule{
		Methods: []config.Method{config.MethodFake},
		Fooling: config.FoolTTL,
		Repeats: 1,
	}

	plan := Apply(Input{Packet: decode(t, raw), Rule: rule, Fake: fake})
	if len(plan.Injections) != 1 {
		t.Fatalf("injections = %d, want 1", len(plan.Injections))
	}
	ip := decode(t, plan.Injections[0].Data)
	if !ip.V6 {
		t.Fatal("decoy lost its address family")
	}
	if !bytes.Equal(ip.Payload(), fake) {
		t.Errorf("decoy payload = %q", ip.Payload())
	}
	if got := ip.TTL(); got != defaultDecoyTTL {
		t.Errorf("hop limit = %d, want %d", got, defaultDecoyTTL)
	}
	if !checksumsOK(plan.Injections[0].Data) {
		t.Error("decoy has a broken checksum")
	}
}

func TestApplyDeterministic(t *testing.T) {
	hello := testutil.ClientHello("determinism.example")
	sn, err := sniff.Classify(netutil.ProtoTCP, hello)
	if err != nil || sn == nil {
		t.Fatalf("Classify = %+v, %v", sn, err)
	}
	raw := testutil.TCP4(cli, srv, 31337, netutil.FlagPSH|netutil.FlagACK, hello)
	rule := &config.CompiledRule{
		Protocol: netutil.ProtoTCP,
		Methods:  []config.Method{config.MethodFake, config.MethodMultisplit},
		SplitPos: []config.SplitPoint{{Anchor: config.AnchorMidSLD}},
		SeqOvl:   3,
		Fooling:  config.FoolTTL | config.FoolBadseq | config.FoolBadsum,
		Repeats:  2,
	}
	in := Input{Packet: decode(t, raw), Rule: rule, Fake: []byte("ffff"), Sniff: sn}

	a := Apply(in)
	b := Apply(in)
	if len(a.Injections) != len(b.Injections) || a.DropOriginal != b.DropOriginal {
		t.Fatalf("plans differ in shape: %d/%v vs %d/%v",
			len(a.Injections), a.DropOriginal, len(b.Injections), b.DropOriginal)
	}
	for i := range a.Injections {
		if !bytes.Equal(a.Injections[i].Data, b.Injections[i].Data) {
			t.Errorf("injection %d differs between runs", i)
		}
	}
}
