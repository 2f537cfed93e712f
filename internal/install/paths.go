// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package install centralizes the daemon's filesystem layout. Every
// directory can be moved with an environment variable, either
// individually (SLIPWIRE_STATE_DIR) or all at once under a prefix
// (SLIPWIRE_PREFIX), which packaging and tests both rely on.
package install

import (
	"os"
	"path/filepath"

	"grimm.is/slipwire/internal/brand"
)

// Defaults follow the FHS. Distributions can relocate them with
// -ldflags at build time.
var (
	DefaultConfigDir = "/etc/slipwire"
	DefaultStateDir  = "/var/lib/slipwire"
	DefaultLogDir    = "/var/log/slipwire"
	DefaultRunDir    = "/run/slipwire"
)

// ConfigFileName is the config file expected under the config dir.
const ConfigFileName = brand.Name + ".hcl"

const envPrefix = "SLIPWIRE"

func dir(envSuffix, prefixSuffix, fallback string) string {
	if d := os.Getenv(envPrefix + "_" + envSuffix); d != "" {
		return d
	}
	if p := os.Getenv(envPrefix + "_PREFIX"); p != "" {
		return filepath.Join(p, prefixSuffix)
	}
	return fallback
}

// GetConfigDir returns the configuration directory.
// Priority: SLIPWIRE_CONFIG_DIR > SLIPWIRE_PREFIX/config > default.
func GetConfigDir() string {
	return dir("CONFIG_DIR", "config", DefaultConfigDir)
}

// GetStateDir returns the directory for the sqlite store and crash
// history. Priority: SLIPWIRE_STATE_DIR > SLIPWIRE_PREFIX/state >
// default.
func GetStateDir() string {
	return dir("STATE_DIR", "state", DefaultStateDir)
}

// GetLogDir returns the daemon log directory.
// Priority: SLIPWIRE_LOG_DIR > SLIPWIRE_PREFIX/log > default.
func GetLogDir() string {
	return dir("LOG_DIR", "log", DefaultLogDir)
}

// GetRunDir returns the runtime directory for the PID file.
// Priority: SLIPWIRE_RUN_DIR > SLIPWIRE_PREFIX/run > default.
func GetRunDir() string {
	return dir("RUN_DIR", "run", DefaultRunDir)
}

// ConfigFile returns the default config file path.
func ConfigFile() string {
	return filepath.Join(GetConfigDir(), ConfigFileName)
}

// PIDFile returns the daemon PID file path.
func PIDFile() string {
	return filepath.Join(GetRunDir(), brand.Name+".pid")
}
