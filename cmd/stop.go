// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"grimm.is/slipwire/internal/brand"
	"grimm.is/slipwire/internal/install"
)

// RunStop sends SIGTERM to the running daemon and waits for it to
// remove its PID file. The daemon tears down its divert rules on the
// way out, so a completed stop means traffic flows untouched again.
func RunStop() error {
	pid, err := readPID()
	if err != nil {
		return err
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("process not found: %w", err)
	}

	fmt.Printf("Stopping %s (PID %d)...\n", brand.Name, pid)
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM: %w", err)
	}

	for i := 0; i < 50; i++ {
		if _, err := os.Stat(install.PIDFile()); os.IsNotExist(err) {
			fmt.Println("Stopped.")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Println("Warning: PID file still exists; the daemon may be slow to shut down.")
	return nil
}
