// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package sniff

import (
	"grimm.is/slipwire/internal/quicwire"
)

// classifyQUIC opens a client Initial and reads the ClientHello out
// of its CRYPTO stream. With a Sniffer attached, fragments accumulate
// across datagrams so a hello split by the client (or by packet size)
// still assembles.
func classifyQUIC(payload []byte, s *Sniffer) (*Result, error) {
	if !quicwire.IsLongHeader(payload) {
		return nil, nil
	}
	in, err := quicwire.OpenInitial(payload)
	if err != nil {
		// Not v1, not decryptable, or not an Initial. Nothing later in
		// the flow will change that.
		return nil, nil
	}

	frags := in.Crypto
	if s != nil {
		s.frags = append(s.frags, in.Crypto...)
		frags = s.frags
	}
	return helloFromStream(assembleStream(frags))
}

// helloFromStream parses the handshake-form ClientHello at the front
// of an assembled CRYPTO stream.
func helloFromStream(stream []byte) (*Result, error) {
	if len(stream) < 4 {
		return nil, ErrNeedMore
	}
	if stream[0] != 0x01 {
		return nil, nil
	}
	hsLen := int(stream[1])<<16 | int(stream[2])<<8 | int(stream[3])
	if hsLen > maxAssembled {
		return nil, nil
	}
	if 4+hsLen > len(stream) {
		return nil, ErrNeedMore
	}

	res, err := parseHello(stream[:4+hsLen], 0)
	if res != nil {
		res.Kind = QUIC
	}
	return res, err
}
