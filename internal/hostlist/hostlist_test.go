// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package hostlist

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/slipwire/internal/errors"
	"grimm.is/slipwire/internal/logging"
)

func TestSuffixMatching(t *testing.T) {
	set, err := Parse("example.com\nrutracker.org\n# comment\n\n", "test")
	require.NoError(t, err)

	tests := []struct {
		host string
		want bool
	}{
		{"example.com", true},
		{"www.example.com", true},
		{"a.b.example.com", true},
		{"EXAMPLE.COM", true},
		{"example.com.", true},
		{"notexample.com", false},
		{"example.com.evil.net", false},
		{"example.org", false},
		{"rutracker.org", true},
		{"static.rutracker.org", true},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, set.Contains(tt.host), "host %q", tt.host)
	}
}

func TestWildcardEntries(t *testing.T) {
	set, err := Parse("*.googlevideo.com\ncdn??.example.net\n", "test")
	require.NoError(t, err)

	assert.True(t, set.Contains("r3---sn-4g5edne6.googlevideo.com"))
	assert.True(t, set.Contains("cdn01.example.net"))
	assert.False(t, set.Contains("cdn1.example.net"))
	assert.False(t, set.Contains("example.net"))
}

func TestDomainsSkipsWildcards(t *testing.T) {
	set, err := Parse("zebra.example\n*.googlevideo.com\nalpha.example\n", "test")
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha.example", "zebra.example"}, set.Domains())
	assert.Equal(t, 3, set.Len())
}

func TestIDNAFolding(t *testing.T) {
	// Cyrillic entry must match its punycode form as seen in SNI
	// (кино.рф is xn--h1adke.xn--p1ai on the wire).
	set, err := Parse("кино.рф\n", "test")
	require.NoError(t, err)

	assert.True(t, set.Contains("xn--h1adke.xn--p1ai"))
	assert.True(t, set.Contains("кино.рф"))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.txt"))
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))
	assert.Contains(t, err.Error(), "absent.txt")
}

func TestLoadEncodings(t *testing.T) {
	dir := t.TempDir()

	// UTF-16LE with BOM, the usual Notepad export.
	utf16 := []byte{0xff, 0xfe}
	for _, r := range "site.ru\n" {
		utf16 = append(utf16, byte(r), 0)
	}
	p16 := filepath.Join(dir, "utf16.txt")
	require.NoError(t, os.WriteFile(p16, utf16, 0o644))

	set, err := Load(p16)
	require.NoError(t, err)
	assert.True(t, set.Contains("site.ru"))

	// Windows-1251: "сайт.рф" in CP1251 bytes.
	cp1251 := []byte{0xf1, 0xe0, 0xe9, 0xf2, '.', 0xf0, 0xf4, '\n'}
	p1251 := filepath.Join(dir, "cp1251.txt")
	require.NoError(t, os.WriteFile(p1251, cp1251, 0o644))

	set, err = Load(p1251)
	require.NoError(t, err)
	assert.True(t, set.Contains("сайт.рф"))
	assert.True(t, set.Contains("xn--80aswg.xn--p1ai"))
}

func TestAutoListThreshold(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auto.txt")
	logger := logging.WithComponent("hostlist-test")

	auto, err := NewAuto(path, 3, time.Minute, logger)
	require.NoError(t, err)

	assert.False(t, auto.RecordFailure("blocked.example.org"))
	assert.False(t, auto.RecordFailure("blocked.example.org"))
	assert.True(t, auto.RecordFailure("blocked.example.org"), "third failure should add")

	// Collapsed to the registrable domain and persisted.
	assert.True(t, auto.Contains("example.org"))
	assert.True(t, auto.Contains("other.example.org"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "example.org")

	// Already listed: further failures are no-ops.
	assert.False(t, auto.RecordFailure("blocked.example.org"))
}

func TestAutoListSuccessResetsWindow(t *testing.T) {
	dir := t.TempDir()
	logger := logging.WithComponent("hostlist-test")

	auto, err := NewAuto(filepath.Join(dir, "auto.txt"), 2, time.Minute, logger)
	require.NoError(t, err)

	assert.False(t, auto.RecordFailure("flaky.example.com"))
	auto.RecordSuccess("flaky.example.com")
	assert.False(t, auto.RecordFailure("flaky.example.com"), "window should have reset")
}

func TestFold(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Example.COM", "example.com"},
		{"example.com.", "example.com"},
		{" example.com ", "example.com"},
		{"кино.рф", "xn--h1adke.xn--p1ai"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Fold(tt.in), "Fold(%q)", tt.in)
	}
}
