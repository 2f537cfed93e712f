// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"fmt"
	"io"
	"strings"

	"grimm.is/slipwire/internal/config"
	"grimm.is/slipwire/internal/divert"
	"grimm.is/slipwire/internal/hostlist"
	"grimm.is/slipwire/internal/install"
	"grimm.is/slipwire/internal/logging"
	"grimm.is/slipwire/internal/rules"
)

// CheckOptions controls RunCheck output.
type CheckOptions struct {
	// Verbose additionally prints the nftables script the daemon
	// would install.
	Verbose bool
}

// RunCheck validates a configuration the way the daemon would load
// it: decode, defaults, compile, validation findings, and then a full
// rule chain build that opens every referenced hostlist and ipset
// file. It prints what the chain would look like without touching the
// network.
func RunCheck(configFile string, options CheckOptions) error {
	if configFile == "" {
		configFile = install.ConfigFile()
	}

	cfg, findings, err := config.LoadAndValidate(configFile)
	if err != nil {
		if cfg == nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		fmt.Printf("❌ Configuration validation failed:\n")
		for _, f := range findings {
			if f.Severity != "warning" {
				fmt.Printf("  - %s: %s\n", f.Field, f.Message)
			}
		}
		return fmt.Errorf("validation failed")
	}

	var warnings int
	for _, f := range findings {
		if f.Severity == "warning" {
			warnings++
			fmt.Printf("⚠️  %s: %s\n", f.Field, f.Message)
		}
	}

	// The chain build is the real test: it opens every list file the
	// rules reference and fails on a missing include.
	quiet := logging.New(logging.Config{Output: io.Discard})
	bopts := rules.BuildOptions{Logger: quiet}
	if cfg.AutoHostlist.Enabled {
		auto, err := hostlist.NewAuto(cfg.AutoHostlist.Path, cfg.AutoHostlist.Threshold, cfg.AutoHostlist.WindowDuration(), quiet)
		if err != nil {
			return fmt.Errorf("autohostlist: %w", err)
		}
		bopts.Auto = auto
	}
	rs, err := rules.Build(cfg, bopts)
	if err != nil {
		return fmt.Errorf("rule chain build failed: %w", err)
	}

	fmt.Printf("\nRule chain (%d rules, first match wins):\n", rs.Len())
	for _, f := range rs.Filters() {
		st := f.Stats()
		line := fmt.Sprintf("  %-20s %s %-12s desync=%s", st.Name, st.Protocol, st.Ports, st.Desync)

		var lists []string
		for _, l := range st.Hostlists {
			lists = append(lists, fmt.Sprintf("%s(%d)", l.Name, l.Entries))
		}
		for _, l := range st.Ipsets {
			lists = append(lists, fmt.Sprintf("%s(%d)", l.Name, l.Entries))
		}
		if len(lists) > 0 {
			line += "  " + strings.Join(lists, " ")
		}
		if len(st.Countries) > 0 {
			line += "  geo=" + strings.Join(st.Countries, ",")
		}
		fmt.Println(line)
	}

	if options.Verbose {
		tcp, udp := divert.CollectPorts(cfg.Rules)
		d := divert.New(divert.Config{
			Queue:    cfg.Queue.Number,
			Mark:     cfg.Queue.Mark,
			TCPPorts: tcp,
			UDPPorts: udp,
			Logger:   quiet,
		})
		fmt.Printf("\nDivert rules the daemon would install:\n")
		for _, line := range strings.Split(strings.TrimSpace(d.Script()), "\n") {
			fmt.Printf("  %s\n", line)
		}
	}

	if warnings > 0 {
		fmt.Printf("\n✅ Configuration is valid (%d warnings).\n", warnings)
	} else {
		fmt.Printf("\n✅ Configuration is valid.\n")
	}
	return nil
}
