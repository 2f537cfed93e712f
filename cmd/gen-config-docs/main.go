// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// gen-config-docs regenerates the configuration reference from the
// config package source. Run from the repo root:
//
//	go run ./cmd/gen-config-docs -out docs/configuration.md
package main

import (
	"flag"
	"fmt"
	"os"

	"grimm.is/slipwire/internal/configdoc"
)

func main() {
	out := flag.String("out", "", "output file (default stdout)")
	flag.Parse()

	p := configdoc.NewParser()
	if err := p.Parse("internal/config", "internal/logging"); err != nil {
		fmt.Fprintf(os.Stderr, "parse: %v\n", err)
		os.Exit(1)
	}
	ref, err := p.Build("Config")
	if err != nil {
		fmt.Fprintf(os.Stderr, "build: %v\n", err)
		os.Exit(1)
	}

	md := configdoc.Markdown(ref)
	if *out == "" {
		os.Stdout.Write(md)
		return
	}
	if err := os.WriteFile(*out, md, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s\n", *out)
}
