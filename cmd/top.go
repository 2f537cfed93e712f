// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"fmt"
	"os"

	"grimm.is/slipwire/internal/config"
	"grimm.is/slipwire/internal/install"
	"grimm.is/slipwire/internal/tui"
)

// RunTop opens the live status TUI against a running daemon's API.
// An empty URL reads the configured listen address.
func RunTop(apiURL string) error {
	if apiURL == "" {
		apiURL = "http://127.0.0.1:9083"
		if cfg, err := config.Load(install.ConfigFile()); err == nil {
			if !cfg.API.Enabled {
				return fmt.Errorf("the api block is disabled in %s; enable it and reload, top reads live stats from it", install.ConfigFile())
			}
			apiURL = "http://" + cfg.API.Listen
		}
	}

	if err := tui.Run(tui.NewRemoteBackend(apiURL)); err != nil {
		fmt.Fprintf(os.Stderr, "Hint: top talks to the daemon API at %s; check that %s is running with api enabled.\n",
			apiURL, install.PIDFile())
		return err
	}
	return nil
}
