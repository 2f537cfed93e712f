// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package sniff

import (
	"encoding/hex"

	"github.com/dreadl0ck/ja3"
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// JA3 fingerprints the ClientHello carried by a raw IP packet, for
// event reporting. Returns "" when the packet yields no fingerprint.
func JA3(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	var first gopacket.Decoder = layers.LayerTypeIPv4
	if raw[0]>>4 == 6 {
		first = layers.LayerTypeIPv6
	}
	pkt := gopacket.NewPacket(raw, first, gopacket.Default)

	digest := ja3.DigestPacket(pkt)
	sum := hex.EncodeToString(digest[:])
	// md5("") means the digester found nothing to hash.
	if sum == "d41d8cd98f00b204e9800998ecf8427e" || sum == "00000000000000000000000000000000" {
		return ""
	}
	return sum
}
