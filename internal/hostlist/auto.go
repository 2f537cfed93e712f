// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package hostlist

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/publicsuffix"

	"grimm.is/slipwire/internal/errors"
	"grimm.is/slipwire/internal/logging"
)

// AutoList grows a hostlist from observed blocking: when connections
// to a host keep failing (RST before payload, or repeated timeouts)
// the host's registrable domain is appended to the backing file and
// becomes part of the matching set immediately. Matcher goroutines
// read through an atomic snapshot; additions clone and swap.
type AutoList struct {
	mu        sync.Mutex
	cur       atomic.Pointer[Set]
	path      string
	threshold int
	window    time.Duration
	fails     map[string]*failWindow
	onAdd     func(domain string)
	logger    *logging.Logger
}

type failWindow struct {
	count int
	since time.Time
}

// NewAuto opens (or creates) the backing file and loads any existing
// entries. threshold failures within window trigger an add.
func NewAuto(path string, threshold int, window time.Duration, logger *logging.Logger) (*AutoList, error) {
	set, err := Load(path)
	if err != nil {
		// A fresh autohostlist starts empty; only real read errors fail.
		if errors.GetKind(err) != errors.KindNotFound {
			return nil, err
		}
		set = New(path)
	}

	if threshold <= 0 {
		threshold = 3
	}
	if window <= 0 {
		window = time.Minute
	}

	a := &AutoList{
		path:      path,
		threshold: threshold,
		window:    window,
		fails:     make(map[string]*failWindow),
		logger:    logger,
	}
	a.cur.Store(set)
	return a, nil
}

// Current returns the live matching snapshot.
func (a *AutoList) Current() *Set {
	return a.cur.Load()
}

// Contains reports whether host matches the current snapshot.
func (a *AutoList) Contains(host string) bool {
	return a.cur.Load().Contains(host)
}

// Len returns the current entry count.
func (a *AutoList) Len() int {
	return a.cur.Load().Len()
}

// Path returns the backing file.
func (a *AutoList) Path() string {
	return a.path
}

// Name returns the backing file, satisfying the same source shape as
// a static Set.
func (a *AutoList) Name() string {
	return a.path
}

// OnAdd registers a hook invoked for each newly added domain, after
// the file append. Used to mirror entries into the state store.
func (a *AutoList) OnAdd(fn func(domain string)) {
	a.mu.Lock()
	a.onAdd = fn
	a.mu.Unlock()
}

// RecordFailure notes a failed connection to host and returns true if
// the failure crossed the threshold and the domain was added.
func (a *AutoList) RecordFailure(host string) bool {
	domain := registrable(host)
	if domain == "" {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	cur := a.cur.Load()
	if cur.Contains(domain) {
		return false
	}

	now := time.Now()
	fw := a.fails[domain]
	if fw == nil || now.Sub(fw.since) > a.window {
		fw = &failWindow{since: now}
		a.fails[domain] = fw
	}
	fw.count++
	if fw.count < a.threshold {
		return false
	}
	delete(a.fails, domain)

	next := cur.clone()
	if !next.Add(domain) {
		return false
	}
	a.cur.Store(next)

	if err := a.appendToFile(domain); err != nil {
		a.logger.WithError(err).Warn("Failed to persist autohostlist entry", "domain", domain)
	}
	a.logger.Info("Autohostlist add", "domain", domain, "path", a.path)
	if a.onAdd != nil {
		a.onAdd(domain)
	}
	return true
}

// RecordSuccess clears the failure window for host.
func (a *AutoList) RecordSuccess(host string) {
	domain := registrable(host)
	if domain == "" {
		return
	}
	a.mu.Lock()
	delete(a.fails, domain)
	a.mu.Unlock()
}

func (a *AutoList) appendToFile(domain string) error {
	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(domain + "\n")
	return err
}

// registrable collapses a host to its registrable domain so one flaky
// CDN node does not spray the list with per-host entries. Hosts the
// public suffix list cannot place (bare TLDs, IPs) are used as-is.
func registrable(host string) string {
	host = Fold(host)
	if host == "" {
		return ""
	}
	if d, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return d
	}
	return host
}
