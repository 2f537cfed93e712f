// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package hostlist loads and matches domain lists. Entries are one
// domain per line, matched as label-aligned suffixes: "example.com"
// covers example.com and any subdomain, never notexample.com. Entries
// containing wildcard characters are compiled as globs. Files may be
// UTF-8 (with or without BOM), UTF-16, or Windows-1251; non-ASCII
// domains are folded to punycode so they compare equal to on-wire SNI.
package hostlist

import (
	"bufio"
	"os"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"golang.org/x/net/idna"

	"grimm.is/slipwire/internal/errors"
)

// Set is an immutable domain set. Build one with Load or Parse; the
// autohostlist grows by cloning, never by mutating a published set.
type Set struct {
	name  string
	exact map[string]struct{}
	globs []globEntry
}

type globEntry struct {
	pattern string
	g       glob.Glob
}

// New returns an empty set carrying a display name.
func New(name string) *Set {
	return &Set{
		name:  name,
		exact: make(map[string]struct{}),
	}
}

// Load reads a hostlist file. A missing file is a KindNotFound error;
// the caller decides whether that is fatal (include list) or
// degradable (exclude list).
func Load(path string) (*Set, error) {
	text, err := ReadListFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(err, errors.KindNotFound, "hostlist %s not found", path)
		}
		return nil, errors.Wrapf(err, errors.KindInternal, "reading hostlist %s", path)
	}

	s := New(path)
	if err := s.parse(text); err != nil {
		return nil, errors.Wrapf(err, errors.KindValidation, "parsing hostlist %s", path)
	}
	return s, nil
}

// Parse builds a set from already-decoded text, used by tests and the
// list downloader.
func Parse(text, name string) (*Set, error) {
	s := New(name)
	if err := s.parse(text); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Set) parse(text string) error {
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := s.add(line); err != nil {
			return err
		}
	}
	return sc.Err()
}

func (s *Set) add(entry string) error {
	entry = Fold(entry)
	if entry == "" {
		return nil
	}
	if strings.ContainsAny(entry, "*?[") {
		g, err := glob.Compile(entry)
		if err != nil {
			return errors.Wrapf(err, errors.KindValidation, "bad wildcard entry %q", entry)
		}
		s.globs = append(s.globs, globEntry{pattern: entry, g: g})
		return nil
	}
	s.exact[entry] = struct{}{}
	return nil
}

// Add inserts a domain, reporting whether it was new. Only call on
// sets that have not been published to matcher goroutines.
func (s *Set) Add(domain string) bool {
	domain = Fold(domain)
	if domain == "" {
		return false
	}
	if _, ok := s.exact[domain]; ok {
		return false
	}
	s.exact[domain] = struct{}{}
	return true
}

// Contains reports whether host or any of its parent domains is listed.
func (s *Set) Contains(host string) bool {
	host = Fold(host)
	if host == "" {
		return false
	}

	for h := host; h != ""; {
		if _, ok := s.exact[h]; ok {
			return true
		}
		i := strings.IndexByte(h, '.')
		if i < 0 {
			break
		}
		h = h[i+1:]
	}

	for _, ge := range s.globs {
		if ge.g.Match(host) {
			return true
		}
	}
	return false
}

// Len returns the number of entries (exact plus wildcard).
func (s *Set) Len() int {
	return len(s.exact) + len(s.globs)
}

// Domains returns the exact entries in sorted order. Wildcard entries
// have no single resolvable form and are left out; callers that need
// them can count the difference against Len.
func (s *Set) Domains() []string {
	out := make([]string, 0, len(s.exact))
	for d := range s.exact {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// clone returns a mutable copy for copy-on-write growth.
func (s *Set) clone() *Set {
	out := &Set{
		name:  s.name,
		exact: make(map[string]struct{}, len(s.exact)+1),
		globs: append([]globEntry(nil), s.globs...),
	}
	for k := range s.exact {
		out.exact[k] = struct{}{}
	}
	return out
}

// Name returns the set's source path or display name.
func (s *Set) Name() string {
	return s.name
}

// Fold normalizes a hostname for matching: lowercase, no trailing dot,
// punycode for non-ASCII labels. Unconvertible input falls back to the
// lowercased original so a single bad label cannot panic the hot path.
func Fold(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return ""
	}
	if isASCII(host) {
		return host
	}
	if folded, err := idna.Lookup.ToASCII(host); err == nil {
		return folded
	}
	return host
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
