// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package payload

import (
	"golang.org/x/crypto/cryptobyte"

	"grimm.is/slipwire/internal/quicwire"
)

// Template bytes are deterministic. Fakes only need to look
// plausible to a middlebox; fixed bytes keep strategy application
// reproducible across runs and hosts.

// BuildTLS generates a TLS 1.3-capable ClientHello record carrying
// host as its SNI. The shape follows what mainstream browsers send:
// 32-byte session id, a modern cipher list, ALPN h2, x25519 key
// share.
func BuildTLS(host string) []byte {
	hello := clientHello(host, nil)

	var b cryptobyte.Builder
	b.AddUint8(0x16)    // handshake record
	b.AddUint16(0x0301) // record version pinned to 1.0 in the clear, like real stacks
	b.AddUint16LengthPrefixed(func(rec *cryptobyte.Builder) {
		rec.AddBytes(hello)
	})

	out, err := b.Bytes()
	if err != nil {
		// Static construction; length prefixes cannot overflow.
		panic("payload: clienthello build failed: " + err.Error())
	}
	return out
}

// quicInitialSize is the minimum a client Initial may occupy; real
// stacks pad to it and inspectors expect it.
const quicInitialSize = 1200

// BuildQUIC generates a QUIC v1 client Initial that decrypts under
// the keys its own connection id derives, carrying an h3 ClientHello
// in its CRYPTO frame. An inspector that unprotects Initials sees a
// coherent first flight, not filler.
func BuildQUIC() []byte {
	dcid := pattern(8, 0x21)
	scid := pattern(8, 0x87)
	return quicwire.SealInitial(dcid, scid, clientHello("www.google.com", scid), quicInitialSize)
}

// clientHello builds the handshake message itself. A nil quicSCID
// selects the TCP shape; non-nil selects the QUIC shape, which drops
// the legacy session id, offers only TLS 1.3, speaks h3 and carries
// quic_transport_parameters naming quicSCID as the initial source
// connection id.
func clientHello(host string, quicSCID []byte) []byte {
	quic := quicSCID != nil

	var b cryptobyte.Builder
	b.AddUint8(0x01) // client_hello
	b.AddUint24LengthPrefixed(func(hs *cryptobyte.Builder) {
		hs.AddUint16(0x0303)
		hs.AddBytes(pattern(32, 0x0b))
		hs.AddUint8LengthPrefixed(func(sid *cryptobyte.Builder) {
			if !quic {
				sid.AddBytes(pattern(32, 0x3c))
			}
		})
		hs.AddUint16LengthPrefixed(func(cs *cryptobyte.Builder) {
			suites := defaultCiphers
			if quic {
				suites = defaultCiphers[:3] // 1.3 suites only
			}
			for _, suite := range suites {
				cs.AddUint16(suite)
			}
		})
		hs.AddUint8(1)
		hs.AddUint8(0) // null compression
		hs.AddUint16LengthPrefixed(func(ext *cryptobyte.Builder) {
			addSNI(ext, host)
			addSupportedGroups(ext)
			addSignatureAlgorithms(ext)
			addALPN(ext, quic)
			addSupportedVersions(ext, quic)
			addKeyShare(ext)
			if quic {
				addTransportParams(ext, quicSCID)
			}
		})
	})

	out, err := b.Bytes()
	if err != nil {
		panic("payload: clienthello build failed: " + err.Error())
	}
	return out
}

var defaultCiphers = []uint16{
	0x1301, 0x1302, 0x1303, // TLS 1.3 AES-GCM, CHACHA
	0xc02b, 0xc02f, 0xc02c, 0xc030,
	0xcca9, 0xcca8,
	0xc013, 0xc014,
	0x009c, 0x009d,
	0x002f, 0x0035,
}

func addSNI(ext *cryptobyte.Builder, host string) {
	ext.AddUint16(0x0000)
	ext.AddUint16LengthPrefixed(func(body *cryptobyte.Builder) {
		body.AddUint16LengthPrefixed(func(list *cryptobyte.Builder) {
			list.AddUint8(0) // name_type host_name
			list.AddUint16LengthPrefixed(func(name *cryptobyte.Builder) {
				name.AddBytes([]byte(host))
			})
		})
	})
}

func addSupportedGroups(ext *cryptobyte.Builder) {
	ext.AddUint16(0x000a)
	ext.AddUint16LengthPrefixed(func(body *cryptobyte.Builder) {
		body.AddUint16LengthPrefixed(func(groups *cryptobyte.Builder) {
			for _, g := range []uint16{0x001d, 0x0017, 0x0018} { // x25519, p-256, p-384
				groups.AddUint16(g)
			}
		})
	})
}

func addSignatureAlgorithms(ext *cryptobyte.Builder) {
	ext.AddUint16(0x000d)
	ext.AddUint16LengthPrefixed(func(body *cryptobyte.Builder) {
		body.AddUint16LengthPrefixed(func(algs *cryptobyte.Builder) {
			for _, a := range []uint16{0x0403, 0x0804, 0x0401, 0x0503, 0x0805, 0x0501, 0x0806, 0x0601} {
				algs.AddUint16(a)
			}
		})
	})
}

func addALPN(ext *cryptobyte.Builder, quic bool) {
	protocols := []string{"h2", "http/1.1"}
	if quic {
		protocols = []string{"h3"}
	}
	ext.AddUint16(0x0010)
	ext.AddUint16LengthPrefixed(func(body *cryptobyte.Builder) {
		body.AddUint16LengthPrefixed(func(protos *cryptobyte.Builder) {
			for _, p := range protocols {
				protos.AddUint8LengthPrefixed(func(name *cryptobyte.Builder) {
					name.AddBytes([]byte(p))
				})
			}
		})
	})
}

func addSupportedVersions(ext *cryptobyte.Builder, quic bool) {
	ext.AddUint16(0x002b)
	ext.AddUint16LengthPrefixed(func(body *cryptobyte.Builder) {
		body.AddUint8LengthPrefixed(func(vs *cryptobyte.Builder) {
			vs.AddUint16(0x0304)
			if !quic {
				vs.AddUint16(0x0303)
			}
		})
	})
}

func addKeyShare(ext *cryptobyte.Builder) {
	ext.AddUint16(0x0033)
	ext.AddUint16LengthPrefixed(func(body *cryptobyte.Builder) {
		body.AddUint16LengthPrefixed(func(shares *cryptobyte.Builder) {
			shares.AddUint16(0x001d) // x25519
			shares.AddUint16LengthPrefixed(func(key *cryptobyte.Builder) {
				key.AddBytes(pattern(32, 0x6e))
			})
		})
	})
}

func addTransportParams(ext *cryptobyte.Builder, scid []byte) {
	param := func(body *cryptobyte.Builder, id uint64, value []byte) {
		buf := quicwire.AppendVarint(nil, id)
		buf = quicwire.AppendVarint(buf, uint64(len(value)))
		body.AddBytes(append(buf, value...))
	}
	varint := func(v uint64) []byte { return quicwire.AppendVarint(nil, v) }

	ext.AddUint16(0x0039)
	ext.AddUint16LengthPrefixed(func(body *cryptobyte.Builder) {
		param(body, 0x01, varint(30000))   // max_idle_timeout
		param(body, 0x03, varint(1452))    // max_udp_payload_size
		param(body, 0x04, varint(10<<20))  // initial_max_data
		param(body, 0x05, varint(6<<20))   // initial_max_stream_data_bidi_local
		param(body, 0x08, varint(100))     // initial_max_streams_bidi
		param(body, 0x0f, scid)            // initial_source_connection_id
	})
}

var (
	defaultTLS  = BuildTLS("www.google.com")
	defaultQUIC = BuildQUIC()
)

// DefaultTLS returns the built-in ClientHello decoy.
func DefaultTLS() []byte { return defaultTLS }

// DefaultQUIC returns the built-in QUIC Initial decoy.
func DefaultQUIC() []byte { return defaultQUIC }

// pattern fills n bytes with a rolling byte sequence from seed.
func pattern(n int, seed byte) []byte {
	out := make([]byte, n)
	b := seed
	for i := range out {
		out[i] = b
		b = b*167 + 13
	}
	return out
}
