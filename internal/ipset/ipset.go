// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ipset loads CIDR lists and answers membership queries.
// Files hold one CIDR or bare address per line with # comments, the
// same shape ipset-discord.txt and friends ship in.
package ipset

import (
	"bufio"
	"net/netip"
	"os"
	"strings"

	"go4.org/netipx"

	"grimm.is/slipwire/internal/errors"
	"grimm.is/slipwire/internal/hostlist"
)

// Set is an immutable address set over both families.
type Set struct {
	name    string
	entries int
	ipset   *netipx.IPSet
}

// Load reads an ipset file. Missing files are KindNotFound so callers
// can degrade optional excludes to empty.
func Load(path string) (*Set, error) {
	text, err := hostlist.ReadListFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(err, errors.KindNotFound, "ipset %s not found", path)
		}
		return nil, errors.Wrapf(err, errors.KindInternal, "reading ipset %s", path)
	}
	return Parse(text, path)
}

// Parse builds a set from text.
func Parse(text, name string) (*Set, error) {
	var b netipx.IPSetBuilder
	entries := 0

	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// Inline comments after the address.
		if i := strings.IndexAny(line, " \t"); i > 0 {
			line = line[:i]
		}

		if p, err := netip.ParsePrefix(line); err == nil {
			b.AddPrefix(p.Masked())
			entries++
			continue
		}
		if a, err := netip.ParseAddr(line); err == nil {
			b.Add(a.Unmap())
			entries++
			continue
		}
		return nil, errors.Errorf(errors.KindValidation, "ipset %s: bad entry %q", name, line)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, errors.KindInternal, "scanning ipset %s", name)
	}

	set, err := b.IPSet()
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindInternal, "building ipset %s", name)
	}
	return &Set{name: name, entries: entries, ipset: set}, nil
}

// Empty returns a set that contains nothing, used when an optional
// exclude file is absent.
func Empty(name string) *Set {
	var b netipx.IPSetBuilder
	set, _ := b.IPSet()
	return &Set{name: name, ipset: set}
}

// Contains reports whether addr is covered by the set. IPv4-mapped
// IPv6 addresses are unmapped first so both notations agree.
func (s *Set) Contains(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	return s.ipset.Contains(addr.Unmap())
}

// Len returns the number of source entries.
func (s *Set) Len() int {
	return s.entries
}

// Name returns the set's source path or display name.
func (s *Set) Name() string {
	return s.name
}
