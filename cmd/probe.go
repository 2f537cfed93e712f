// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"grimm.is/slipwire/internal/brand"
	"grimm.is/slipwire/internal/config"
	"grimm.is/slipwire/internal/discovery"
	"grimm.is/slipwire/internal/divert"
	"grimm.is/slipwire/internal/inject"
	"grimm.is/slipwire/internal/install"
	"grimm.is/slipwire/internal/logging"
	"grimm.is/slipwire/internal/nfq"
	"grimm.is/slipwire/internal/rules"
	"grimm.is/slipwire/internal/state"
)

// ProbeOptions parameterizes RunProbe. Domain is required.
type ProbeOptions struct {
	Domain     string
	Port       int           // probed TCP port, default 443
	Attempts   int           // fetches per strategy, default 3
	Timeout    time.Duration // per-fetch bound, default 8s
	SavePreset string        // append the winner to this preset file
}

// RunProbe finds a working desync strategy for one domain. It builds
// a throwaway pipeline (injector, engine on the configured queue,
// divert rules for just the probed port), walks the strategy ladder,
// and prints the winner as a ready-to-paste rule stanza. The daemon
// must be stopped first: both would fight over the queue and the
// steering table.
func RunProbe(configFile string, options ProbeOptions) error {
	if options.Domain == "" {
		return fmt.Errorf("probe needs a domain (--domain)")
	}
	if options.Port <= 0 {
		options.Port = 443
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

	if pid, err := readPID(); err == nil && processAlive(pid) {
		return fmt.Errorf("%s is running (PID %d); stop it first, the probe needs the queue and steering table to itself", brand.Name, pid)
	}

	log := logging.New(logging.Config{Level: logging.ParseLevel(cfg.Log.Level)})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := state.Open(cfg.State.Path, log)
	if err != nil {
		log.WithError(err).Warn("State store unavailable, probe history will not be recorded")
		store = nil
	} else {
		defer store.Close()
	}

	injector, err := inject.New(inject.Config{Mark: cfg.Queue.Mark, Logger: log})
	if err != nil {
		return fmt.Errorf("injector: %w", err)
	}
	defer injector.Close()

	// The runner swaps its own chains in; the engine just needs to
	// start from an empty one.
	baseline, err := rules.Build(&config.Config{}, rules.BuildOptions{Logger: log})
	if err != nil {
		return fmt.Errorf("rules: %w", err)
	}
	engine, err := nfq.New(nfq.Config{
		Queue:   cfg.Queue.Number,
		Mark:    cfg.Queue.Mark,
		Workers: cfg.Queue.Workers,
		Buffer:  cfg.Queue.Buffer,
		MaxLen:  cfg.Queue.MaxLen,
		Rules:   baseline,
		Sender:  injector,
		Logger:  log,
	})
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	engine.Start(ctx)
	if err := engine.Attach(ctx); err != nil {
		engine.Stop()
		return fmt.Errorf("nfqueue attach (root required): %w", err)
	}
	defer engine.Stop()

	div := divert.New(divert.Config{
		Queue:        cfg.Queue.Number,
		Mark:         cfg.Queue.Mark,
		TCPPorts:     []string{strconv.Itoa(options.Port)},
		Interface:    cfg.Queue.Interface,
		KeepOffloads: cfg.Queue.KeepOffloads,
		Logger:       log,
	})
	if err := div.Apply(); err != nil {
		return fmt.Errorf("divert: %w", err)
	}
	defer div.Teardown()

	runner, err := discovery.New(discovery.Config{
		Domain:   options.Domain,
		Engine:   engine,
		Attempts: options.Attempts,
		Timeout:  options.Timeout,
		Port:     options.Port,
		State:    store,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Probing %s:%d...\n\n", options.Domain, options.Port)
	report, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	printReport(report)

	if options.SavePreset != "" {
		preset := report.Preset()
		if preset == nil {
			fmt.Printf("\nNo winning strategy, preset file untouched.\n")
			return nil
		}
		if err := discovery.AppendPreset(options.SavePreset, *preset); err != nil {
			return fmt.Errorf("saving preset: %w", err)
		}
		fmt.Printf("\nPreset %q appended to %s\n", preset.Name, options.SavePreset)
	}
	return nil
}

func printReport(r *discovery.Report) {
	fmt.Printf("  %-24s %d/%d", "baseline", r.Baseline.Successes, r.Attempts)
	if r.Baseline.Latency > 0 {
		fmt.Printf("  %s", r.Baseline.Latency.Round(time.Millisecond))
	}
	fmt.Println()

	for i := range r.Candidates {
		c := &r.Candidates[i]
		fmt.Printf("  %-24s %d/%d", c.Name, c.Successes, r.Attempts)
		if c.Latency > 0 {
			fmt.Printf("  %s", c.Latency.Round(time.Millisecond))
		}
		fmt.Println()
	}

	switch {
	case r.NotBlocked:
		fmt.Printf("\n✅ %s loads without desync, nothing to do.\n", r.Domain)
	case r.Best == nil:
		fmt.Printf("\n❌ No strategy beat the baseline. The block may not be DPI-based,\n")
		fmt.Printf("   or it needs a strategy outside the standard ladder.\n")
	default:
		fmt.Printf("\n✅ Best strategy: %s (%d/%d", r.Best.Name, r.Best.Successes, r.Attempts)
		if r.Best.Latency > 0 {
			fmt.Printf(", median %s", r.Best.Latency.Round(time.Millisecond))
		}
		fmt.Printf(")\n\nAdd to %s:\n\n%s", install.ConfigFile(), bestStanza(r))
	}
}

func bestStanza(r *discovery.Report) []byte {
	if hcl := r.BestHCL(); hcl != nil {
		return hcl
	}
	return []byte("# (stanza rendering failed)\n")
}
