// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"fmt"
	"os"
	"syscall"

	"grimm.is/slipwire/internal/config"
	"grimm.is/slipwire/internal/install"
)

// RunReload validates the configuration and signals the running
// daemon with SIGHUP. Validating first means a broken edit is
// rejected here instead of logged by the daemon while it keeps the
// old chain.
func RunReload(configFile string) error {
	if configFile == "" {
		configFile = install.ConfigFile()
	}

	fmt.Printf("Validating configuration: %s\n", configFile)
	if _, _, err := config.LoadAndValidate(configFile); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	fmt.Println("Configuration is valid.")

	pid, err := readPID()
	if err != nil {
		return err
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}

	fmt.Printf("Sending SIGHUP to process %d...\n", pid)
	if err := process.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("signaling process: %w", err)
	}

	fmt.Println("Reload signal sent.")
	return nil
}
