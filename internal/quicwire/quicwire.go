// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package quicwire implements QUIC v1 Initial packet protection, both
// directions: opening client Initials to read the ClientHello inside,
// and sealing Initials to produce decoys indistinguishable from real
// ones. Initial keys derive from the destination connection id alone,
// so any on-path observer (and this engine) can do both.
package quicwire

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/hkdf"

	"grimm.is/slipwire/internal/errors"
)

// initialSaltV1 is fixed by RFC 9001 §5.2.
var initialSaltV1 = []byte{
	0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3, 0x4d, 0x17,
	0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad, 0xcc, 0xbb, 0x7f, 0x0a,
}

// Keys holds one direction's Initial protection material.
type Keys struct {
	Key []byte // AEAD key (AES-128-GCM)
	IV  []byte // AEAD iv base
	HP  []byte // header protection key (AES-128)
}

// ClientInitialKeys derives the client-to-server Initial keys for a
// destination connection id.
func ClientInitialKeys(dcid []byte) Keys {
	initial := hkdf.Extract(sha256.New, dcid, initialSaltV1)
	client := expandLabel(initial, "client in", 32)
	return Keys{
		Key: expandLabel(client, "quic key", 16),
		IV:  expandLabel(client, "quic iv", 12),
		HP:  expandLabel(client, "quic hp", 16),
	}
}

// expandLabel is HKDF-Expand-Label from TLS 1.3 with an empty
// context.
func expandLabel(secret []byte, label string, n int) []byte {
	full := "tls13 " + label
	info := make([]byte, 0, 4+len(full))
	info = append(info, byte(n>>8), byte(n))
	info = append(info, byte(len(full)))
	info = append(info, full...)
	info = append(info, 0)

	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, secret, info), out); err != nil {
		panic("quicwire: hkdf expand failed: " + err.Error())
	}
	return out
}

// Initial is a parsed, decrypted client Initial packet.
type Initial struct {
	Version uint32
	DCID    []byte
	SCID    []byte
	Token   []byte
	Number  uint64
	// Crypto is the CRYPTO stream reassembled from this packet's
	// frames, positioned by stream offset. Fragments may leave gaps
	// when a hello spans datagrams.
	Crypto []Fragment
	// Consumed is how many bytes of the datagram this packet took;
	// a datagram can coalesce more packets after it.
	Consumed int
}

// Fragment is one CRYPTO frame's slice of the handshake stream.
type Fragment struct {
	Offset uint64
	Data   []byte
}

var (
	errNotInitial  = errors.New(errors.KindValidation, "not a quic initial packet")
	errShortPacket = errors.New(errors.KindValidation, "quic initial truncated")
)

// IsLongHeader reports whether a datagram starts with a QUIC long
// header packet.
func IsLongHeader(data []byte) bool {
	return len(data) > 0 && data[0]&0xc0 == 0xc0
}

// OpenInitial parses and decrypts the first packet of a client
// datagram. Failure to decrypt (wrong version, garbage, or a fake)
// returns an error; the caller treats the datagram as opaque.
func OpenInitial(datagram []byte) (*Initial, error) {
	if len(datagram) < 7 || datagram[0]&0xc0 != 0xc0 {
		return nil, errNotInitial
	}
	if datagram[0]&0x30 != 0 {
		// Long header but not Initial type.
		return nil, errNotInitial
	}
	version := binary.BigEndian.Uint32(datagram[1:5])
	if version != 1 {
		return nil, errors.Errorf(errors.KindValidation, "unsupported quic version %#x", version)
	}

	cur := 5
	dcid, cur, ok := readCID(datagram, cur)
	if !ok {
		return nil, errShortPacket
	}
	scid, cur, ok := readCID(datagram, cur)
	if !ok {
		return nil, errShortPacket
	}
	tokenLen, n := readVarint(datagram[cur:])
	if n == 0 || cur+n+int(tokenLen) > len(datagram) {
		return nil, errShortPacket
	}
	cur += n
	token := datagram[cur : cur+int(tokenLen)]
	cur += int(tokenLen)

	length, n := readVarint(datagram[cur:])
	if n == 0 {
		return nil, errShortPacket
	}
	cur += n
	pnOffset := cur
	if pnOffset+int(length) > len(datagram) || length < 20 {
		// Need at least a packet number byte, a 16-byte sample
		// window, and the AEAD tag.
		return nil, errShortPacket
	}

	keys := ClientInitialKeys(dcid)

	// Header protection: sample 16 bytes starting 4 bytes into the
	// presumed packet number field.
	sample := datagram[pnOffset+4 : pnOffset+20]
	mask, err := hpMask(keys.HP, sample)
	if err != nil {
		return nil, err
	}

	first := datagram[0] ^ (mask[0] & 0x0f)
	pnLen := int(first&0x03) + 1

	header := make([]byte, pnOffset+pnLen)
	copy(header, datagram[:pnOffset+pnLen])
	header[0] = first
	var pn uint64
	for i := 0; i < pnLen; i++ {
		header[pnOffset+i] ^= mask[1+i]
		pn = pn<<8 | uint64(header[pnOffset+i])
	}

	nonce := make([]byte, len(keys.IV))
	copy(nonce, keys.IV)
	for i := 0; i < pnLen; i++ {
		nonce[len(nonce)-1-i] ^= header[pnOffset+pnLen-1-i]
	}

	aead, err := newAEAD(keys.Key)
	if err != nil {
		return nil, err
	}
	ciphertext := datagram[pnOffset+pnLen : pnOffset+int(length)]
	plaintext, err := aead.Open(nil, nonce, ciphertext, header)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "quic initial does not decrypt")
	}

	init := &Initial{
		Version:  version,
		DCID:     dcid,
		SCID:     scid,
		Token:    token,
		Number:   pn,
		Consumed: pnOffset + int(length),
	}
	if err := init.walkFrames(plaintext); err != nil {
		return nil, err
	}
	return init, nil
}

// walkFrames collects CRYPTO frames, skipping padding, ping and ack.
func (in *Initial) walkFrames(payload []byte) error {
	cur := 0
	for cur < len(payload) {
		frameType := payload[cur]
		switch {
		case frameType == 0x00: // PADDING
			cur++
		case frameType == 0x01: // PING
			cur++
		case frameType == 0x02 || frameType == 0x03: // ACK
			n, ok := skipAck(payload[cur:], frameType == 0x03)
			if !ok {
				return errShortPacket
			}
			cur += n
		case frameType == 0x06: // CRYPTO
			cur++
			off, n := readVarint(payload[cur:])
			if n == 0 {
				return errShortPacket
			}
			cur += n
			length, n := readVarint(payload[cur:])
			if n == 0 || cur+n+int(length) > len(payload) {
				return errShortPacket
			}
			cur += n
			in.Crypto = append(in.Crypto, Fragment{Offset: off, Data: payload[cur : cur+int(length)]})
			cur += int(length)
		default:
			// CONNECTION_CLOSE or anything unexpected: stop here,
			// whatever crypto we have is all we get.
			return nil
		}
	}
	return nil
}

func skipAck(b []byte, withECN bool) (int, bool) {
	cur := 1
	skip := func() bool {
		_, n := readVarint(b[cur:])
		if n == 0 {
			return false
		}
		cur += n
		return true
	}
	if !skip() || !skip() { // largest acked, delay
		return 0, false
	}
	count, n := readVarint(b[cur:])
	if n == 0 {
		return 0, false
	}
	cur += n
	if !skip() { // first range
		return 0, false
	}
	for i := uint64(0); i < count; i++ {
		if !skip() || !skip() { // gap, range
			return 0, false
		}
	}
	if withECN {
		if !skip() || !skip() || !skip() {
			return 0, false
		}
	}
	return cur, true
}

// SealInitial builds a protected client Initial carrying cryptoData
// (a TLS handshake stream) in a single CRYPTO frame, padded to
// padTo bytes. The packet decrypts under the keys its own DCID
// derives, exactly like a real client's first flight.
func SealInitial(dcid, scid, cryptoData []byte, padTo int) []byte {
	const pnLen = 1

	// Plaintext frames: CRYPTO at offset 0, then PADDING.
	frames := make([]byte, 0, padTo)
	frames = append(frames, 0x06)
	frames = AppendVarint(frames, 0)
	frames = AppendVarint(frames, uint64(len(cryptoData)))
	frames = append(frames, cryptoData...)

	// first byte + version + cid length bytes + cids + empty token +
	// 2-byte length varint.
	headerLen := 1 + 4 + 1 + len(dcid) + 1 + len(scid) + 1 + 2
	total := headerLen + pnLen + len(frames) + 16
	if total < padTo {
		frames = append(frames, make([]byte, padTo-total)...)
	}

	payloadLen := pnLen + len(frames) + 16 // pn + ciphertext + tag

	header := make([]byte, 0, headerLen+pnLen)
	header = append(header, 0xc0|byte(pnLen-1))
	header = binary.BigEndian.AppendUint32(header, 1)
	header = append(header, byte(len(dcid)))
	header = append(header, dcid...)
	header = append(header, byte(len(scid)))
	header = append(header, scid...)
	header = append(header, 0) // no token
	header = append(header, 0x40|byte(payloadLen>>8), byte(payloadLen))
	pnOffset := len(header)
	header = append(header, 0) // packet number 0

	keys := ClientInitialKeys(dcid)
	nonce := make([]byte, len(keys.IV))
	copy(nonce, keys.IV) // pn 0 leaves the iv untouched

	aead, err := newAEAD(keys.Key)
	if err != nil {
		panic("quicwire: " + err.Error())
	}
	out := append([]byte(nil), header...)
	out = aead.Seal(out, nonce, frames, header)

	// Apply header protection.
	sample := out[pnOffset+4 : pnOffset+20]
	mask, err := hpMask(keys.HP, sample)
	if err != nil {
		panic("quicwire: " + err.Error())
	}
	out[0] ^= mask[0] & 0x0f
	out[pnOffset] ^= mask[1]
	return out
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "aes")
	}
	return cipher.NewGCM(block)
}

func hpMask(hp, sample []byte) ([]byte, error) {
	block, err := aes.NewCipher(hp)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "aes hp")
	}
	mask := make([]byte, 16)
	block.Encrypt(mask, sample)
	return mask, nil
}

func readCID(b []byte, cur int) ([]byte, int, bool) {
	if cur >= len(b) {
		return nil, 0, false
	}
	l := int(b[cur])
	cur++
	if l > 20 || cur+l > len(b) {
		return nil, 0, false
	}
	return b[cur : cur+l], cur + l, true
}

// readVarint decodes a QUIC variable-length integer, returning the
// value and encoded size (0 when truncated).
func readVarint(b []byte) (uint64, int) {
	if len(b) == 0 {
		return 0, 0
	}
	size := 1 << (b[0] >> 6)
	if len(b) < size {
		return 0, 0
	}
	v := uint64(b[0] & 0x3f)
	for i := 1; i < size; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v, size
}

// AppendVarint encodes v as a QUIC variable-length integer.
func AppendVarint(b []byte, v uint64) []byte {
	switch {
	case v < 1<<6:
		return append(b, byte(v))
	case v < 1<<14:
		return append(b, 0x40|byte(v>>8), byte(v))
	case v < 1<<30:
		return append(b, 0x80|byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	default:
		return append(b,
			0xc0|byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
			byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
}
