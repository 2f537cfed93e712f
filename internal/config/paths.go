// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
)

// ResolveList turns a hostlist or ipset reference into a path.
// Absolute and explicitly relative references are used as written.
// Bare filenames are looked up under paths.lists, then under a
// lists/ directory next to the binary, so configs can name files the
// way a bundled distribution lays them out.
func (c *Config) ResolveList(ref string) string {
	return c.resolve(ref, c.Paths.Lists, "lists")
}

// ResolvePayload resolves a fake_payload reference the same way
// against paths.payloads and a payloads/ directory next to the
// binary.
func (c *Config) ResolvePayload(ref string) string {
	return c.resolve(ref, c.Paths.Payloads, "payloads")
}

func (c *Config) resolve(ref, base, exeSub string) string {
	if ref == "" {
		return ""
	}
	if filepath.IsAbs(ref) || hasPathSep(ref) {
		return ref
	}
	if base != "" {
		p := filepath.Join(base, ref)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if exe, err := os.Executable(); err == nil {
		p := filepath.Join(filepath.Dir(exe), exeSub, ref)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if base != "" {
		// Missing everywhere: report the configured location.
		return filepath.Join(base, ref)
	}
	return ref
}

func hasPathSep(s string) bool {
	for i := 0; i < len(s); i++ {
		if os.IsPathSeparator(s[i]) {
			return true
		}
	}
	return false
}
