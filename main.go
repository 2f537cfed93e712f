// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// slipwire defeats DPI-based traffic filtering by desynchronizing the
// censor's TCP/UDP reassembly: fake packets the filter sees but the
// server discards, split ClientHellos, and header fooling, applied
// per-flow by first-match rules.
package main

import (
	"flag"
	"fmt"
	"os"

	"grimm.is/slipwire/cmd"
)

const usage = `slipwire - DPI desync engine

Usage:
  slipwire <command> [flags]

Commands:
  start    Start the daemon in the background
  stop     Stop the daemon
  run      Run the engine in the foreground (what start forks, what systemd runs)
  reload   Validate the config, then signal the daemon to reload rules
  check    Validate the config and print the rule chain
  probe    Find a working desync strategy for a blocked domain
  top      Live engine stats (reads the daemon API)
  resolve  Materialize a hostlist into an ipset file via DNS
  version  Print version

Run "slipwire <command> -h" for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "start":
		fs := flag.NewFlagSet("start", flag.ExitOnError)
		configFile := fs.String("config", "", "config file (default "+defaultConfigNote+")")
		fs.Parse(os.Args[2:])
		err = cmd.RunStart(*configFile)

	case "stop":
		err = cmd.RunStop()

	case "run":
		fs := flag.NewFlagSet("run", flag.ExitOnError)
		configFile := fs.String("config", "", "config file (default "+defaultConfigNote+")")
		fs.Parse(os.Args[2:])
		// Positional form for the start command's self-exec.
		if *configFile == "" && fs.NArg() > 0 {
			*configFile = fs.Arg(0)
		}
		err = cmd.RunDaemon(*configFile)

	case "reload":
		fs := flag.NewFlagSet("reload", flag.ExitOnError)
		configFile := fs.String("config", "", "config file (default "+defaultConfigNote+")")
		fs.Parse(os.Args[2:])
		err = cmd.RunReload(*configFile)

	case "check":
		fs := flag.NewFlagSet("check", flag.ExitOnError)
		configFile := fs.String("config", "", "config file (default "+defaultConfigNote+")")
		verbose := fs.Bool("v", false, "also print the nftables script")
		fs.Parse(os.Args[2:])
		err = cmd.RunCheck(*configFile, cmd.CheckOptions{Verbose: *verbose})

	case "probe":
		fs := flag.NewFlagSet("probe", flag.ExitOnError)
		configFile := fs.String("config", "", "config file (default "+defaultConfigNote+")")
		domain := fs.String("domain", "", "domain to probe (required)")
		port := fs.Int("port", 443, "TCP port to probe")
		attempts := fs.Int("attempts", 0, "fetches per strategy")
		timeout := fs.Duration("timeout", 0, "per-fetch timeout")
		preset := fs.String("save-preset", "", "append the winning strategy to this preset file")
		fs.Parse(os.Args[2:])
		err = cmd.RunProbe(*configFile, cmd.ProbeOptions{
			Domain:     *domain,
			Port:       *port,
			Attempts:   *attempts,
			Timeout:    *timeout,
			SavePreset: *preset,
		})

	case "top":
		fs := flag.NewFlagSet("top", flag.ExitOnError)
		apiURL := fs.String("api", "", "daemon API base URL (default from config)")
		fs.Parse(os.Args[2:])
		err = cmd.RunTop(*apiURL)

	case "resolve":
		fs := flag.NewFlagSet("resolve", flag.ExitOnError)
		configFile := fs.String("config", "", "config file (default "+defaultConfigNote+")")
		list := fs.String("list", "", "hostlist to resolve (required)")
		output := fs.String("o", "", "ipset file to write (default <list>-ipset.txt)")
		var servers stringList
		fs.Var(&servers, "server", "DNS server ip[:port], repeatable (default system resolvers)")
		ipv6 := fs.Bool("6", false, "also collect AAAA records")
		fs.Parse(os.Args[2:])
		err = cmd.RunResolve(*configFile, *list, cmd.ResolveOptions{
			Output:  *output,
			Servers: servers,
			IPv6:    *ipv6,
		})

	case "version", "-v", "--version":
		cmd.RunVersion()

	case "help", "-h", "--help":
		fmt.Print(usage)

	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

const defaultConfigNote = "/etc/slipwire/slipwire.hcl"

// stringList collects a repeatable flag.
type stringList []string

func (s *stringList) String() string { return fmt.Sprint([]string(*s)) }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}
