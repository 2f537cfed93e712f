// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package testutil

import (
	"encoding/binary"
	"net/netip"

	"grimm.is/slipwire/internal/netutil"
)

// TCP4 builds a checksummed IPv4/TCP packet for tests.
func TCP4(src, dst netip.AddrPort, seq uint32, flags uint8, payload []byte) []byte {
	total := 20 + 20 + len(payload)
	pkt := make([]byte, total)

	pkt[0] = 0x45
	binary.BigEndian.PutUint16(pkt[2:], uint16(total))
	binary.BigEndian.PutUint16(pkt[4:], 0x1234) // IP ID
	pkt[8] = 64                                 // TTL
	pkt[9] = netutil.ProtoTCP
	copy(pkt[12:16], src.Addr().AsSlice())
	copy(pkt[16:20], dst.Addr().AsSlice())

	binary.BigEndian.PutUint16(pkt[20:], src.Port())
	binary.BigEndian.PutUint16(pkt[22:], dst.Port())
	binary.BigEndian.PutUint32(pkt[24:], seq)
	binary.BigEndian.PutUint32(pkt[28:], 0x1000) // ack
	pkt[32] = 5 << 4                             // data offset: 20 bytes
	pkt[33] = flags
	binary.BigEndian.PutUint16(pkt[34:], 0xffff) // window
	copy(pkt[40:], payload)

	fix(pkt)
	return pkt
}

// TCP4TS builds a checksummed IPv4/TCP packet carrying a timestamps
// option, for tests that read or mangle it.
func TCP4TS(src, dst netip.AddrPort, seq, tsval uint32, payload []byte) []byte {
	total := 20 + 32 + len(payload)
	pkt := make([]byte, total)

	pkt[0] = 0x45
	binary.BigEndian.PutUint16(pkt[2:], uint16(total))
	binary.BigEndian.PutUint16(pkt[4:], 0x1234)
	pkt[8] = 64
	pkt[9] = netutil.ProtoTCP
	copy(pkt[12:16], src.Addr().AsSlice())
	copy(pkt[16:20], dst.Addr().AsSlice())

	binary.BigEndian.PutUint16(pkt[20:], src.Port())
	binary.BigEndian.PutUint16(pkt[22:], dst.Port())
	binary.BigEndian.PutUint32(pkt[24:], seq)
	binary.BigEndian.PutUint32(pkt[28:], 0x1000)
	pkt[32] = 8 << 4 // data offset: 32 bytes
	pkt[33] = netutil.FlagPSH | netutil.FlagACK
	binary.BigEndian.PutUint16(pkt[34:], 0xffff)

	pkt[40], pkt[41] = 1, 1 // NOP NOP
	pkt[42], pkt[43] = 8, 10
	binary.BigEndian.PutUint32(pkt[44:], tsval)
	binary.BigEndian.PutUint32(pkt[48:], 0x5678) // tsecr
	copy(pkt[52:], payload)

	fix(pkt)
	return pkt
}

// UDP4 builds a checksummed IPv4/UDP packet for tests.
func UDP4(src, dst netip.AddrPort, payload []byte) []byte {
	total := 20 + 8 + len(payload)
	pkt := make([]byte, total)

	pkt[0] = 0x45
	binary.BigEndian.PutUint16(pkt[2:], uint16(total))
	binary.BigEndian.PutUint16(pkt[4:], 0x1234)
	pkt[8] = 64
	pkt[9] = netutil.ProtoUDP
	copy(pkt[12:16], src.Addr().AsSlice())
	copy(pkt[16:20], dst.Addr().AsSlice())

	binary.BigEndian.PutUint16(pkt[20:], src.Port())
	binary.BigEndian.PutUint16(pkt[22:], dst.Port())
	binary.BigEndian.PutUint16(pkt[24:], uint16(8+len(payload)))
	copy(pkt[28:], payload)

	fix(pkt)
	return pkt
}

// TCP6 builds a checksummed IPv6/TCP packet for tests.
func TCP6(src, dst netip.AddrPort, seq uint32, flags uint8, payload []byte) []byte {
	total := 40 + 20 + len(payload)
	pkt := make([]byte, total)

	pkt[0] = 0x60
	binary.BigEndian.PutUint16(pkt[4:], uint16(20+len(payload)))
	pkt[6] = netutil.ProtoTCP
	pkt[7] = 64 // hop limit
	copy(pkt[8:24], src.Addr().AsSlice())
	copy(pkt[24:40], dst.Addr().AsSlice())

	binary.BigEndian.PutUint16(pkt[40:], src.Port())
	binary.BigEndian.PutUint16(pkt[42:], dst.Port())
	binary.BigEndian.PutUint32(pkt[44:], seq)
	binary.BigEndian.PutUint32(pkt[48:], 0x1000)
	pkt[52] = 5 << 4
	pkt[53] = flags
	binary.BigEndian.PutUint16(pkt[54:], 0xffff)
	copy(pkt[60:], payload)

	fix(pkt)
	return pkt
}

func fix(raw []byte) {
	var p netutil.Packet
	if err := netutil.Decode(raw, &p); err != nil {
		panic(err)
	}
	netutil.FixChecksums(&p)
}

// ClientHello builds a minimal TLS 1.2 ClientHello record carrying the
// given SNI, usable as a TCP payload in matcher and desync tests.
func ClientHello(sni string) []byte {
	host := []byte(sni)

	// extension: server_name
	sniEntry := make([]byte, 0, len(host)+5)
	sniEntry = append(sniEntry, 0) // name_type: host_name
	sniEntry = append16(sniEntry, uint16(len(host)))
	sniEntry = append(sniEntry, host...)

	sniList := append16(nil, uint16(len(sniEntry)))
	sniList = append(sniList, sniEntry...)

	ext := append16(nil, 0) // extension type 0: server_name
	ext = append16(ext, uint16(len(sniList)))
	ext = append(ext, sniList...)

	exts := append16(nil, uint16(len(ext)))
	exts = append(exts, ext...)

	body := make([]byte, 0, 64+len(exts))
	body = append(body, 3, 3)                // client_version TLS 1.2
	body = append(body, make([]byte, 32)...) // random
	body = append(body, 0)                   // session_id length
	body = append16(body, 2)                 // cipher_suites length
	body = append(body, 0x13, 0x01)          // TLS_AES_128_GCM_SHA256
	body = append(body, 1, 0)                // compression: null
	body = append(body, exts...)

	hs := []byte{1} // handshake type: client_hello
	hs = append(hs, byte(len(body)>>16), byte(len(body)>>8), byte(len(body)))
	hs = append(hs, body...)

	rec := []byte{0x16, 3, 1} // content type: handshake, record version 3.1
	rec = append16(rec, uint16(len(hs)))
	rec = append(rec, hs...)
	return rec
}

func append16(b []byte, v uint16) []byte {
	return append(b, byte(v>>8), byte(v))
}
