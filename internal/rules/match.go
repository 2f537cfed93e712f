// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rules

import (
	"net/netip"
)

// Verdict is the outcome of matching one connection against the
// chain.
type Verdict int

const (
	// NoMatch: no rule accepts this connection; it passes untouched.
	NoMatch Verdict = iota
	// Tentative: a hostname-dependent rule is reachable but the
	// hostname is not known yet. No desync is applied; re-match once
	// the hostname arrives or the sniff window closes.
	Tentative
	// Matched: the returned filter owns the connection.
	Matched
)

func (v Verdict) String() string {
	switch v {
	case Tentative:
		return "tentative"
	case Matched:
		return "matched"
	default:
		return "no-match"
	}
}

// Query carries everything known about a connection at match time.
// Host is empty until a ClientHello (or HTTP Host, or QUIC SNI) has
// been seen; HostFinal marks that no hostname will ever arrive, which
// settles rules that could only match by hostname.
type Query struct {
	Proto     uint8
	DstPort   uint16
	DstIP     netip.Addr
	Host      string
	HostFinal bool
}

// Match walks the chain in order and returns the first filter that
// accepts the query. Match is a pure function of the snapshot and the
// query: identical queries always return identical results, so
// re-matching after hostname discovery is deterministic.
func (s *RuleSet) Match(q Query) (*Filter, Verdict) {
	for _, f := range s.filters {
		spec := f.Spec
		if spec.Protocol != q.Proto {
			continue
		}
		if !spec.Ports.Contains(q.DstPort) {
			continue
		}
		if !f.matchAddr(q.DstIP, s.geo) {
			continue
		}

		if !f.HostnameDependent() {
			return f, Matched
		}

		if q.Host == "" {
			if !q.HostFinal {
				// The hostname decides; hold the connection open.
				return f, Tentative
			}
			if len(f.include) > 0 {
				// Include lists can never be satisfied now.
				continue
			}
			// Exclude-only rule: nothing to veto without a hostname.
			return f, Matched
		}

		if len(f.include) > 0 && !containsAny(f.include, q.Host) {
			continue
		}
		if containsAny(f.exclude, q.Host) {
			// Excluded here, but a later rule may still take it.
			continue
		}
		return f, Matched
	}
	return nil, NoMatch
}

// Observer returns the first learning-enabled filter whose transport
// shape accepts the query, ignoring hostlist membership. Flows the
// chain declined still feed the auto list through it: a host failing
// without desync is exactly the host worth learning, and once added
// the ordinary match picks it up.
func (s *RuleSet) Observer(q Query) *Filter {
	for _, f := range s.filters {
		if f.auto == nil {
			continue
		}
		spec := f.Spec
		if spec.Protocol != q.Proto {
			continue
		}
		if !spec.Ports.Contains(q.DstPort) {
			continue
		}
		if !f.matchAddr(q.DstIP, s.geo) {
			continue
		}
		if q.Host != "" && containsAny(f.exclude, q.Host) {
			continue
		}
		return f
	}
	return nil
}

func (f *Filter) matchAddr(addr netip.Addr, geo CountryLookup) bool {
	if len(f.includeIP) > 0 {
		hit := false
		for _, s := range f.includeIP {
			if s.Contains(addr) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	for _, s := range f.excludeIP {
		if s.Contains(addr) {
			return false
		}
	}
	if len(f.countries) > 0 {
		if geo == nil {
			return false
		}
		cc, ok := geo.Country(addr)
		if !ok {
			return false
		}
		found := false
		for _, want := range f.countries {
			if want == cc {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsAny(sources []HostSource, host string) bool {
	for _, s := range sources {
		if s.Contains(host) {
			return true
		}
	}
	return false
}
