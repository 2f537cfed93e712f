// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"grimm.is/slipwire/internal/config"
	"grimm.is/slipwire/internal/install"
	"grimm.is/slipwire/internal/logging"
	"grimm.is/slipwire/internal/resolve"
)

// ResolveOptions parameterizes RunResolve.
type ResolveOptions struct {
	Output  string   // ipset file to write; default <list>-ipset.txt
	Servers []string // upstream resolvers; default system resolv.conf
	IPv6    bool     // also collect AAAA records
}

// RunResolve materializes a hostlist into an ipset file by resolving
// its entries over DNS. Rules match SNI-less flows (QUIC before the
// ClientHello, plain TCP) by destination address, so a hostlist-only
// rule gets its ipset companion from here, refreshed from cron or a
// timer unit.
func RunResolve(configFile, listRef string, options ResolveOptions) error {
	if listRef == "" {
		return fmt.Errorf("resolve needs a hostlist (--list)")
	}
	if configFile == "" {
		configFile = install.ConfigFile()
	}

	var cfg *config.Config
	if _, err := os.Stat(configFile); err == nil {
		cfg, err = config.Load(configFile)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
	} else {
		cfg = &config.Config{}
		cfg.ApplyDefaults()
	}

	listPath := cfg.ResolveList(listRef)
	outPath := options.Output
	if outPath == "" {
		base := strings.TrimSuffix(listPath, filepath.Ext(listPath))
		outPath = base + "-ipset.txt"
	}

	log := logging.New(logging.Config{Level: logging.ParseLevel(cfg.Log.Level)})
	r := resolve.New(resolve.Config{
		Servers: options.Servers,
		IPv6:    options.IPv6,
		Logger:  log,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Printf("Resolving %s -> %s\n", listPath, outPath)
	n, err := r.Materialize(ctx, listPath, outPath)
	if err != nil {
		return err
	}
	fmt.Printf("✅ Wrote %d addresses to %s\n", n, outPath)
	return nil
}
