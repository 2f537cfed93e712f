// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package rules compiles the configured rule chain into an immutable
// matching snapshot. A snapshot is built once per (re)load with all
// referenced lists resolved and read; matcher goroutines share it
// without locks. Rule order is evaluation order and the first rule
// that accepts a connection owns it for the connection's lifetime, so
// specific rules belong above catch-alls.
package rules

import (
	"net/netip"
	"strings"
	"sync/atomic"
	"time"

	"grimm.is/slipwire/internal/config"
	"grimm.is/slipwire/internal/errors"
	"grimm.is/slipwire/internal/hostlist"
	"grimm.is/slipwire/internal/ipset"
	"grimm.is/slipwire/internal/logging"
	"grimm.is/slipwire/internal/payload"
)

// HostSource is anything that can answer hostname membership. Static
// sets and the growing autohostlist both qualify.
type HostSource interface {
	Contains(host string) bool
	Len() int
	Name() string
}

// CountryLookup resolves a destination address to an ISO 3166 country
// code. Implemented by the geo package; nil disables country checks.
type CountryLookup interface {
	Country(addr netip.Addr) (string, bool)
}

// Filter is one rule stanza compiled and bound to its loaded sets.
type Filter struct {
	Name  string
	Index int
	Spec  *config.CompiledRule

	include   []HostSource
	exclude   []HostSource
	auto      *hostlist.AutoList
	includeIP []*ipset.Set
	excludeIP []*ipset.Set
	countries []string

	// Fake is the decoy body for the fake method. nil with FakeSkipped
	// set means the referenced payload file could not be loaded and
	// the method is inert for this rule.
	Fake        []byte
	FakeSkipped bool

	// Hits counts connections this filter finalized. Snapshot-local:
	// resets on reload.
	Hits atomic.Uint64

	raw config.Rule
}

// Auto returns the learning list bound to this filter, or nil.
func (f *Filter) Auto() *hostlist.AutoList {
	return f.auto
}

// HostnameDependent reports whether classification needs a hostname.
func (f *Filter) HostnameDependent() bool {
	return len(f.include) > 0 || len(f.exclude) > 0
}

// ListInfo describes one loaded list for stats output.
type ListInfo struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
}

// FilterStats is the API-facing summary of one filter.
type FilterStats struct {
	Name      string     `json:"name"`
	Protocol  string     `json:"protocol"`
	Ports     string     `json:"ports"`
	Desync    string     `json:"desync"`
	Hostlists []ListInfo `json:"hostlists,omitempty"`
	Excludes  []ListInfo `json:"excludes,omitempty"`
	Ipsets    []ListInfo `json:"ipsets,omitempty"`
	Countries []string   `json:"countries,omitempty"`
	Hits      uint64     `json:"hits"`
}

// Stats snapshots the filter for the API.
func (f *Filter) Stats() FilterStats {
	st := FilterStats{
		Name:      f.Name,
		Protocol:  f.raw.Protocol,
		Ports:     f.raw.Ports,
		Desync:    f.raw.Desync,
		Countries: f.countries,
		Hits:      f.Hits.Load(),
	}
	for _, s := range f.include {
		st.Hostlists = append(st.Hostlists, ListInfo{Name: s.Name(), Entries: s.Len()})
	}
	for _, s := range f.exclude {
		st.Excludes = append(st.Excludes, ListInfo{Name: s.Name(), Entries: s.Len()})
	}
	for _, s := range f.includeIP {
		st.Ipsets = append(st.Ipsets, ListInfo{Name: s.Name(), Entries: s.Len()})
	}
	return st
}

// RuleSet is an immutable snapshot of the full chain.
type RuleSet struct {
	filters    []*Filter
	geo        CountryLookup
	Generation uint64
	LoadedAt   time.Time
}

// Filters returns the chain in evaluation order.
func (s *RuleSet) Filters() []*Filter {
	return s.filters
}

// Len returns the number of filters.
func (s *RuleSet) Len() int {
	return len(s.filters)
}

// ListPaths returns every file path the snapshot was built from, for
// the file watcher.
func (s *RuleSet) ListPaths() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(name string) {
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	for _, f := range s.filters {
		for _, src := range f.include {
			add(src.Name())
		}
		for _, src := range f.exclude {
			add(src.Name())
		}
		for _, is := range f.includeIP {
			add(is.Name())
		}
		for _, is := range f.excludeIP {
			add(is.Name())
		}
	}
	return out
}

// BuildOptions carries the cross-cutting collaborators a snapshot
// binds to.
type BuildOptions struct {
	Geo        CountryLookup
	Auto       *hostlist.AutoList
	Generation uint64
	Logger     *logging.Logger
}

// Build loads every list a rule references and compiles the chain.
// A missing include list fails the build with the path in the error;
// a missing exclude list degrades to an empty set with a warning.
func Build(cfg *config.Config, opts BuildOptions) (*RuleSet, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.WithComponent("rules")
	}

	set := &RuleSet{
		geo:        opts.Geo,
		Generation: opts.Generation,
		LoadedAt:   time.Now(),
	}

	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		if r.Compiled == nil {
			return nil, errors.Errorf(errors.KindInternal, "rule %q was not compiled", r.Name)
		}

		f := &Filter{
			Name:  r.Name,
			Index: i,
			Spec:  r.Compiled,
			raw:   *r,
		}

		for _, ref := range r.Hostlist {
			src, err := hostlist.Load(cfg.ResolveList(ref))
			if err != nil {
				return nil, errors.Attr(err, "rule", r.Name)
			}
			f.include = append(f.include, src)
		}
		if r.HostlistAuto {
			if opts.Auto == nil {
				return nil, errors.Errorf(errors.KindValidation,
					"rule %q sets hostlist_auto but no autohostlist is configured", r.Name)
			}
			f.include = append(f.include, opts.Auto)
			f.auto = opts.Auto
		}

		for _, ref := range r.HostlistExclude {
			path := cfg.ResolveList(ref)
			src, err := hostlist.Load(path)
			if err != nil {
				if errors.GetKind(err) != errors.KindNotFound {
					return nil, errors.Attr(err, "rule", r.Name)
				}
				logger.Warn("Exclude hostlist missing, matching with empty set",
					"rule", r.Name, "path", path)
				src = hostlist.New(path)
			}
			f.exclude = append(f.exclude, src)
		}

		for _, ref := range r.Ipset {
			src, err := ipset.Load(cfg.ResolveList(ref))
			if err != nil {
				return nil, errors.Attr(err, "rule", r.Name)
			}
			f.includeIP = append(f.includeIP, src)
		}
		for _, ref := range r.IpsetExclude {
			path := cfg.ResolveList(ref)
			src, err := ipset.Load(path)
			if err != nil {
				if errors.GetKind(err) != errors.KindNotFound {
					return nil, errors.Attr(err, "rule", r.Name)
				}
				logger.Warn("Exclude ipset missing, matching with empty set",
					"rule", r.Name, "path", path)
				src = ipset.Empty(path)
			}
			f.excludeIP = append(f.excludeIP, src)
		}

		for _, cc := range r.Countries {
			f.countries = append(f.countries, strings.ToUpper(strings.TrimSpace(cc)))
		}

		if f.Spec.HasMethod(config.MethodFake) {
			if r.FakePayload == "" {
				f.Fake = payload.Default(f.Spec.Protocol)
			} else {
				path := cfg.ResolvePayload(r.FakePayload)
				data, err := payload.Load(path)
				if err != nil {
					logger.WithError(err).Warn("Fake payload unavailable, fake method disabled for rule",
						"rule", r.Name, "path", path)
					f.FakeSkipped = true
				} else {
					f.Fake = data
				}
			}
		}

		set.filters = append(set.filters, f)
	}

	return set, nil
}
