// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package cmd implements the slipwire subcommands. Each RunX function
// backs one subcommand and returns an error for main to print; the
// daemon itself lives behind RunDaemon, everything else is thin
// lifecycle plumbing around the PID file and the loopback API.
package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"grimm.is/slipwire/internal/install"
)

// readPID returns the PID recorded in the daemon's PID file.
func readPID() (int, error) {
	data, err := os.ReadFile(install.PIDFile())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("no PID file at %s (is the daemon running?)", install.PIDFile())
		}
		return 0, fmt.Errorf("reading PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in %s: %q", install.PIDFile(), strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// processAlive probes a PID with signal 0.
func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// writePIDFile records the current process and returns a cleanup
// function for shutdown.
func writePIDFile() (func(), error) {
	path := install.PIDFile()
	if err := os.MkdirAll(install.GetRunDir(), 0o755); err != nil {
		return nil, fmt.Errorf("creating run directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return nil, fmt.Errorf("writing PID file: %w", err)
	}
	return func() { os.Remove(path) }, nil
}
