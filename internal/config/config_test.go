// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleHCL = `
log {
  level = "debug"
}

queue {
  number  = 210
  workers = 2
}

paths {
  lists = "/etc/slipwire/lists"
}

rule "tls" {
  protocol  = "tcp"
  ports     = "443"
  hostlist  = ["${vars.lists}/list-general.txt"]
  desync    = "fake,multisplit"
  split_pos = "1,midsld"
  seqovl    = 100
  fooling   = "ts"
  autottl   = true
}

rule "quic" {
  protocol = "udp"
  ports    = "443"
  desync   = "fake"
  repeats  = 4
  cutoff   = "n2"
}
`

func TestLoadBytes(t *testing.T) {
	cfg, err := LoadBytes("slipwire.hcl", []byte(sampleHCL))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, uint16(210), cfg.Queue.Number)
	assert.Equal(t, 2, cfg.Queue.Workers)
	assert.Equal(t, uint32(1<<30), cfg.Queue.Mark, "mark should default")
	assert.Equal(t, "127.0.0.1:9083", cfg.API.Listen, "api listen should default")

	require.Len(t, cfg.Rules, 2)

	tls := cfg.Rules[0]
	assert.Equal(t, "tls", tls.Name)
	require.Len(t, tls.Hostlist, 1)
	assert.Equal(t, "/etc/slipwire/lists/list-general.txt", tls.Hostlist[0],
		"vars.lists should interpolate from the paths block")
	require.NotNil(t, tls.Compiled)
	assert.True(t, tls.Compiled.Ports.Contains(443))
	assert.Equal(t, []Method{MethodFake, MethodMultisplit}, tls.Compiled.Methods)
	assert.Equal(t, 100, tls.Compiled.SeqOvl)
	assert.True(t, tls.Compiled.Fooling.Has(FoolTS))

	quic := cfg.Rules[1]
	require.NotNil(t, quic.Compiled)
	assert.Equal(t, uint8(17), quic.Compiled.Protocol)
	assert.Equal(t, 4, quic.Compiled.Repeats)
	assert.Equal(t, Cutoff{Mode: 'n', N: 2}, quic.Compiled.Cutoff)
}

func TestLoadBytesRuleOrderPreserved(t *testing.T) {
	src := `
rule "a" {
  protocol = "tcp"
  ports    = "1"
  desync   = "fake"
}
rule "b" {
  protocol = "tcp"
  ports    = "2"
  desync   = "fake"
}
rule "c" {
  protocol = "tcp"
  ports    = "3"
  desync   = "fake"
}
`
	cfg, err := LoadBytes("order.hcl", []byte(src))
	require.NoError(t, err)
	require.Len(t, cfg.Rules, 3)
	assert.Equal(t, "a", cfg.Rules[0].Name)
	assert.Equal(t, "b", cfg.Rules[1].Name)
	assert.Equal(t, "c", cfg.Rules[2].Name)
}

func TestLoadBytesRejectsZeroSplit(t *testing.T) {
	src := `
rule "bad" {
  protocol  = "tcp"
  ports     = "443"
  desync    = "multisplit"
  split_pos = "0"
}
`
	_, err := LoadBytes("bad.hcl", []byte(src))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not positive")
}

func TestLoadAndValidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "slipwire.hcl")
	require.NoError(t, os.WriteFile(path, []byte(sampleHCL), 0o644))

	cfg, findings, err := LoadAndValidate(path)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	for _, f := range findings {
		assert.Equal(t, "warning", f.Severity, "sample config should produce no errors: %s", f)
	}
}

func TestLoadAndValidateRejectsUDPMultisplit(t *testing.T) {
	src := `
rule "bad" {
  protocol = "udp"
  ports    = "443"
  desync   = "multisplit"
}
`
	dir := t.TempDir()
	path := filepath.Join(dir, "slipwire.hcl")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))

	_, findings, err := LoadAndValidate(path)
	require.Error(t, err)
	require.NotEmpty(t, findings)
	assert.Contains(t, findings.Error(), "udp")
}

func TestValidateFindings(t *testing.T) {
	tests := []struct {
		name  string
		mut   func(*Config)
		field string
	}{
		{
			name: "duplicate rule names",
			mut: func(c *Config) {
				c.Rules = append(c.Rules, c.Rules[0])
			},
			field: "rule[tls]",
		},
		{
			name: "seqovl without multisplit",
			mut: func(c *Config) {
				c.Rules[1].SeqOvl = 10
				c.Rules[1].Compiled.SeqOvl = 10
			},
			field: "rule[quic].seqovl",
		},
		{
			name: "countries without geoip",
			mut: func(c *Config) {
				c.Rules[0].Countries = []string{"RU"}
			},
			field: "rule[tls].countries",
		},
		{
			name: "excessive repeats",
			mut: func(c *Config) {
				c.Rules[1].Compiled.Repeats = 50
			},
			field: "rule[quic].repeats",
		},
		{
			name: "bad api listen",
			mut: func(c *Config) {
				c.API.Enabled = true
				c.API.Listen = "localhost"
			},
			field: "api.listen",
		},
		{
			name: "bad interface name",
			mut: func(c *Config) {
				c.Queue.Interface = "eth0; rm -rf /"
			},
			field: "queue.interface",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadBytes("slipwire.hcl", []byte(sampleHCL))
			require.NoError(t, err)
			tt.mut(cfg)

			findings := cfg.Validate()
			found := false
			for _, f := range findings {
				if f.Field == tt.field && f.Severity != "warning" {
					found = true
				}
			}
			assert.True(t, found, "expected an error finding on %s, got: %s", tt.field, findings.Error())
		})
	}
}

func TestStarterHCLLoads(t *testing.T) {
	cfg, err := LoadBytes("starter.hcl", StarterHCL())
	require.NoError(t, err)
	require.Len(t, cfg.Rules, 2)

	findings := cfg.Validate()
	for _, f := range findings {
		assert.Equal(t, "warning", f.Severity, "starter config must validate cleanly: %s", f)
	}
}

func TestRenderRoundTrip(t *testing.T) {
	cfg, err := LoadBytes("slipwire.hcl", []byte(sampleHCL))
	require.NoError(t, err)

	out := Render(cfg)
	cfg2, err := LoadBytes("rendered.hcl", out)
	require.NoError(t, err)

	require.Len(t, cfg2.Rules, len(cfg.Rules))
	for i := range cfg.Rules {
		assert.Equal(t, cfg.Rules[i].Name, cfg2.Rules[i].Name)
		assert.Equal(t, cfg.Rules[i].Desync, cfg2.Rules[i].Desync)
		assert.Equal(t, cfg.Rules[i].Ports, cfg2.Rules[i].Ports)
	}
}

func TestResolveList(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "list.txt"), []byte("example.com\n"), 0o644))

	cfg := &Config{Paths: &PathsConfig{Lists: dir}}

	assert.Equal(t, filepath.Join(dir, "list.txt"), cfg.ResolveList("list.txt"),
		"bare filename resolves under paths.lists")
	assert.Equal(t, "/abs/other.txt", cfg.ResolveList("/abs/other.txt"),
		"absolute paths pass through")
	assert.Equal(t, "rel/other.txt", cfg.ResolveList("rel/other.txt"),
		"explicit relative paths pass through")
	assert.Equal(t, filepath.Join(dir, "missing.txt"), cfg.ResolveList("missing.txt"),
		"missing files still report the configured location")
}
