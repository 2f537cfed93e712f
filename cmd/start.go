// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"grimm.is/slipwire/internal/brand"
	"grimm.is/slipwire/internal/config"
	"grimm.is/slipwire/internal/install"
)

// RunStart launches the daemon in the background: it validates the
// configuration, re-executes the binary with the run subcommand
// detached from the terminal, and watches for half a second to catch
// immediate startup failures.
func RunStart(configFile string) error {
	if configFile == "" {
		configFile = install.ConfigFile()
	}
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return fmt.Errorf("configuration file not found: %s\n\n"+
			"Create one and check it with:\n"+
			"  mkdir -p %s\n"+
			"  $EDITOR %s\n"+
			"  %s check %s",
			configFile, install.GetConfigDir(), configFile, brand.Name, configFile)
	}

	// Config errors surface here, on the terminal, not in a log file
	// after the fork.
	if _, _, err := config.LoadAndValidate(configFile); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	if pid, err := readPID(); err == nil {
		if processAlive(pid) {
			return fmt.Errorf("already running (PID %d)", pid)
		}
		fmt.Printf("Removing stale PID file (PID %d is gone)\n", pid)
		os.Remove(install.PIDFile())
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable path: %w", err)
	}

	logDir := install.GetLogDir()
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	logFile := filepath.Join(logDir, brand.Name+".log")
	logF, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer logF.Close()

	child := exec.Command(exe, "run", configFile)
	child.Stdout = logF
	child.Stderr = logF
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := child.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	pid := child.Process.Pid
	fmt.Printf("Started %s (PID %d)\n", brand.Name, pid)
	fmt.Printf("Logs: %s\n", logFile)

	// A daemon that dies inside the first half second is a startup
	// failure the user should see now, with the log tail attached.
	done := make(chan error, 1)
	go func() { done <- child.Wait() }()

	select {
	case err := <-done:
		fmt.Fprintf(os.Stderr, "\nError: daemon exited immediately.\n")
		if lines := tailFile(logFile, 10); len(lines) > 0 {
			fmt.Fprintf(os.Stderr, "Log output:\n")
			for _, line := range lines {
				fmt.Fprintf(os.Stderr, "  %s\n", line)
			}
		}
		if err != nil {
			return fmt.Errorf("daemon failed to start: %w", err)
		}
		return fmt.Errorf("daemon exited unexpectedly")

	case <-time.After(500 * time.Millisecond):
		if !processAlive(pid) {
			return fmt.Errorf("daemon died during startup (check logs: %s)", logFile)
		}
		return nil
	}
}

// tailFile returns the last n lines of a file, nil on any error.
func tailFile(path string, n int) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	return lines
}
