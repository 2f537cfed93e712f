// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package netutil

// Common initial TTLs used by real stacks. An observed TTL of 57 came
// from a 64-initial sender 7 hops away, 119 from a 128-initial sender
// 9 hops away, and so on.
var baseTTLs = [...]uint8{64, 128, 255}

// NearestBaseTTL returns the smallest common initial TTL that is >= observed.
func NearestBaseTTL(observed uint8) uint8 {
	for _, b := range baseTTLs {
		if observed <= b {
			return b
		}
	}
	return 255
}

// HopDistance estimates how many hops away the sender of a packet with
// the observed TTL is. Returns 0 when the observation is already a
// base TTL (sender on-link or local).
func HopDistance(observed uint8) uint8 {
	return NearestBaseTTL(observed) - observed
}
