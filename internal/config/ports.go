// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"strconv"
	"strings"

	"grimm.is/slipwire/internal/errors"
)

// PortSet is a membership bitmap over all 65536 ports. Lookups are
// a single shift and mask, which matters on the packet path.
type PortSet [1024]uint64

// Contains reports whether port is in the set.
func (p *PortSet) Contains(port uint16) bool {
	return p[port>>6]&(1<<(port&63)) != 0
}

// Add inserts a single port.
func (p *PortSet) Add(port uint16) {
	p[port>>6] |= 1 << (port & 63)
}

// AddRange inserts the closed range [lo, hi].
func (p *PortSet) AddRange(lo, hi uint16) {
	for port := uint32(lo); port <= uint32(hi); port++ {
		p.Add(uint16(port))
	}
}

// Empty reports whether no port is set.
func (p *PortSet) Empty() bool {
	for _, w := range p {
		if w != 0 {
			return false
		}
	}
	return true
}

// Count returns the number of ports in the set.
func (p *PortSet) Count() int {
	n := 0
	for _, w := range p {
		for ; w != 0; w &= w - 1 {
			n++
		}
	}
	return n
}

// ParsePorts parses a port expression: single ports and inclusive
// ranges separated by commas, e.g. "443", "80,443",
// "443,50000-50100". Port 0 is not addressable and ranges must not
// be inverted.
func ParsePorts(s string) (PortSet, error) {
	var set PortSet
	toks := splitList(s)
	if len(toks) == 0 {
		return set, errors.New(errors.KindValidation, "ports is empty")
	}
	for _, tok := range toks {
		lo, hi, found := strings.Cut(tok, "-")
		if !found {
			port, err := parsePort(tok)
			if err != nil {
				return set, err
			}
			set.Add(port)
			continue
		}
		start, err := parsePort(lo)
		if err != nil {
			return set, err
		}
		end, err := parsePort(hi)
		if err != nil {
			return set, err
		}
		if start > end {
			return set, errors.Errorf(errors.KindValidation, "inverted port range %q", tok)
		}
		set.AddRange(start, end)
	}
	return set, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil || n == 0 {
		return 0, errors.Errorf(errors.KindValidation, "bad port %q", s)
	}
	return uint16(n), nil
}
