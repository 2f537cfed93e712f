// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package supervisor detects daemon crash loops. A packet engine that
// keeps dying must not keep reinstalling its divert rules: traffic
// would be steered into a queue nobody consumes. The run layer asks
// SafeMode at startup and, when it reports true, brings the engine up
// in observe-only mode with no firewall changes.
//
// Only real crashes count toward the threshold: fatal signals,
// recovered panics, and non-zero exits. Requested stops (SIGTERM,
// SIGINT, SIGHUP) and clean exits never do.
package supervisor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/term"
)

const (
	// DefaultThreshold is how many crashes inside the window trigger
	// safe mode.
	DefaultThreshold = 3
	// DefaultWindow is the crash counting window.
	DefaultWindow = 5 * time.Minute
	// StateFileName is the persisted crash history in the state dir.
	StateFileName = "supervisor.json"
)

// Config tunes crash detection. Zero values take the defaults.
type Config struct {
	Threshold int
	Window    time.Duration
}

// Exit is one recorded daemon exit.
type Exit struct {
	Code   int            `json:"code"`
	Signal syscall.Signal `json:"signal,omitempty"`
	Panic  bool           `json:"panic,omitempty"`
	At     time.Time      `json:"at"`
}

// Crash reports whether this exit counts toward safe mode.
func (e Exit) Crash() bool {
	if e.Panic {
		return true
	}
	switch e.Signal {
	case syscall.SIGKILL, syscall.SIGSEGV, syscall.SIGBUS, syscall.SIGABRT:
		return true
	case syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP:
		return false
	}
	return e.Code != 0
}

// Supervisor persists exit history in the state directory and answers
// whether the next start should avoid touching the firewall.
type Supervisor struct {
	path      string
	threshold int
	window    time.Duration
	exits     []Exit
}

// New loads any existing crash history from stateDir. A missing or
// corrupt history file starts empty.
func New(stateDir string, cfg Config) *Supervisor {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	s := &Supervisor{
		path:      filepath.Join(stateDir, StateFileName),
		threshold: cfg.Threshold,
		window:    cfg.Window,
	}
	s.load()
	return s
}

// Interactive reports whether the daemon is being run by hand on a
// terminal. Crash counting is skipped then: a developer killing and
// restarting the process is not a crash loop.
func Interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// SafeMode reports whether enough crashes landed inside the window
// that the next start should leave the divert rules uninstalled.
func (s *Supervisor) SafeMode() bool {
	s.prune()
	crashes := 0
	for _, e := range s.exits {
		if e.Crash() {
			crashes++
		}
	}
	return crashes >= s.threshold
}

// Record appends one exit and persists the history.
func (s *Supervisor) Record(code int, sig syscall.Signal, panicked bool) error {
	s.exits = append(s.exits, Exit{
		Code:   code,
		Signal: sig,
		Panic:  panicked,
		At:     time.Now(),
	})
	s.prune()
	return s.save()
}

// Clear wipes the crash history, called after a stretch of stable
// uptime and on clean shutdown.
func (s *Supervisor) Clear() error {
	s.exits = nil
	return s.save()
}

// ClearAfter clears the history once the process has stayed up for d.
func (s *Supervisor) ClearAfter(d time.Duration) *time.Timer {
	return time.AfterFunc(d, func() {
		_ = s.Clear()
	})
}

func (s *Supervisor) prune() {
	cutoff := time.Now().Add(-s.window)
	kept := s.exits[:0]
	for _, e := range s.exits {
		if e.At.After(cutoff) {
			kept = append(kept, e)
		}
	}
	s.exits = kept
}

func (s *Supervisor) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var exits []Exit
	if json.Unmarshal(data, &exits) != nil {
		return
	}
	s.exits = exits
}

func (s *Supervisor) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(s.exits)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o644)
}
