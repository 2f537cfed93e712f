// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package cmd

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// SetProcessName renames the process via prctl so ps and top show the
// product name instead of the forked binary path.
func SetProcessName(name string) error {
	buf := append([]byte(name), 0)
	return unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&buf[0])), 0, 0, 0)
}
