// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package brand holds the product identity used in logs, the API, and
// the CLI. Version is overridden at build time via -ldflags.
package brand

import "fmt"

const (
	// Name is the product name as it appears in user-facing output.
	Name = "slipwire"

	// Table is the nftables table owned by this process.
	Table = "slipwire"
)

// Version is set by the build; "dev" for local builds.
var Version = "dev"

// UserAgent returns the HTTP user agent for outbound requests
// (discovery probes, list downloads).
func UserAgent() string {
	return fmt.Sprintf("%s/%s", Name, Version)
}
