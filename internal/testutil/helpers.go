package testutil

import (
	"os"
	"testing"
)

// RequireVM skips the test if the SLIPWIRE_VM_TEST environment variable is not set.
// This ensures that tests requiring real kernel capabilities (nftables, NFQUEUE,
// raw sockets) are only run in the proper environment.
func RequireVM(t *testing.T) {
	t.Helper()
	if os.Getenv("SLIPWIRE_VM_TEST") == "" {
		t.Skip("Skipping test: requires SLIPWIRE_VM_TEST environment")
	}
}

// RequireRoot skips the test when not running as root.
func RequireRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("Skipping test: requires root")
	}
}
