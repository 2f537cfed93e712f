// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package sniff

import (
	"encoding/binary"
	"strings"
)

// maxRecord is the TLS plaintext record ceiling. A ClientHello never
// legitimately exceeds it.
const maxRecord = 1 << 14

// classifyTLS inspects a TCP payload whose first byte is 0x16. The
// whole handshake record must be present before we commit to an
// answer; ErrNeedMore asks the caller to buffer the next segment.
func classifyTLS(payload []byte) (*Result, error) {
	if len(payload) < 6 {
		return nil, ErrNeedMore
	}
	if payload[1] != 0x03 {
		return nil, nil
	}
	if payload[5] != 0x01 {
		// Handshake record but not a ClientHello.
		return nil, nil
	}
	recLen := int(binary.BigEndian.Uint16(payload[3:5]))
	if recLen > maxRecord || recLen < 4 {
		return nil, nil
	}
	if 5+recLen > len(payload) {
		return nil, ErrNeedMore
	}

	hsLen := int(payload[6])<<16 | int(payload[7])<<8 | int(payload[8])
	if 4+hsLen > recLen {
		// Hello spans multiple records. Desync would have to reorder
		// record boundaries to track it; treat as unclassifiable.
		return nil, nil
	}
	return parseHello(payload[:5+4+hsLen], 5)
}

// parseHello walks a complete ClientHello handshake message. cursor
// points at the handshake type byte; offsets in the result are
// absolute within payload. The message is complete, so any bounds
// violation is malformation, not truncation.
func parseHello(payload []byte, cursor int) (*Result, error) {
	if cursor+4 > len(payload) || payload[cursor] != 0x01 {
		return nil, nil
	}
	cursor += 4 // handshake type + 3-byte length

	// Client version (2) + random (32).
	cursor += 34
	if cursor >= len(payload) {
		return nil, nil
	}

	sessionIDLen := int(payload[cursor])
	cursor += 1 + sessionIDLen
	if cursor+2 > len(payload) {
		return nil, nil
	}

	cipherSuitesLen := int(binary.BigEndian.Uint16(payload[cursor : cursor+2]))
	cursor += 2 + cipherSuitesLen
	if cursor >= len(payload) {
		return nil, nil
	}

	compMethodsLen := int(payload[cursor])
	cursor += 1 + compMethodsLen
	if cursor+2 > len(payload) {
		// No extensions. Still a ClientHello, just nameless.
		return &Result{Kind: TLS, ExtOff: -1}, nil
	}

	extTotalLen := int(binary.BigEndian.Uint16(payload[cursor : cursor+2]))
	cursor += 2
	end := cursor + extTotalLen
	if end > len(payload) {
		return nil, nil
	}

	res := &Result{Kind: TLS, ExtOff: -1}
	for cursor < end {
		if cursor+4 > end {
			break
		}
		extType := binary.BigEndian.Uint16(payload[cursor : cursor+2])
		extLen := int(binary.BigEndian.Uint16(payload[cursor+2 : cursor+4]))
		if cursor+4+extLen > end {
			break
		}

		if extType == 0x0000 { // server_name
			res.ExtOff = cursor
			host, off, n := parseSNI(payload, cursor+4, extLen)
			if n > 0 {
				res.Host = host
				res.HostOff = off
				res.HostLen = n
			}
		}
		cursor += 4 + extLen
	}
	return res, nil
}

// parseSNI extracts the first host_name entry of a server_name
// extension. cursor points at the extension data; returns the
// lowercased name with its absolute offset and wire length.
func parseSNI(payload []byte, cursor, extLen int) (string, int, int) {
	end := cursor + extLen
	if cursor+2 > end {
		return "", 0, 0
	}
	listLen := int(binary.BigEndian.Uint16(payload[cursor : cursor+2]))
	cursor += 2
	if cursor+listLen > end {
		return "", 0, 0
	}

	if cursor+3 > end || payload[cursor] != 0 { // name_type host_name
		return "", 0, 0
	}
	nameLen := int(binary.BigEndian.Uint16(payload[cursor+1 : cursor+3]))
	cursor += 3
	if nameLen == 0 || cursor+nameLen > end {
		return "", 0, 0
	}
	return strings.ToLower(string(payload[cursor : cursor+nameLen])), cursor, nameLen
}
