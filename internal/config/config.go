// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads and validates the HCL configuration: engine
// settings plus the ordered chain of rule stanzas that drive matching
// and desync. Rule order in the file is match order; the first rule
// that accepts a connection owns it.
package config

import (
	"os"
	"runtime"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/zclconf/go-cty/cty"

	"grimm.is/slipwire/internal/errors"
	"grimm.is/slipwire/internal/logging"
)

// Config is the root of the configuration tree.
type Config struct {
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	Log          *LogConfig      `hcl:"log,block" json:"log,omitempty"`
	Queue        *QueueConfig    `hcl:"queue,block" json:"queue,omitempty"`
	Paths        *PathsConfig    `hcl:"paths,block" json:"paths,omitempty"`
	API          *APIConfig      `hcl:"api,block" json:"api,omitempty"`
	State        *StateConfig    `hcl:"state,block" json:"state,omitempty"`
	GeoIP        *GeoIPConfig    `hcl:"geoip,block" json:"geoip,omitempty"`
	AutoTTL      *AutoTTLConfig  `hcl:"autottl,block" json:"autottl,omitempty"`
	AutoHostlist *AutoHostConfig `hcl:"autohostlist,block" json:"autohostlist,omitempty"`

	Rules []Rule `hcl:"rule,block" json:"rules"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string                `hcl:"level,optional" json:"level"` // @default: info
	JSON   bool                  `hcl:"json,optional" json:"json"`
	Syslog *logging.SyslogConfig `hcl:"syslog,block" json:"syslog,omitempty"`
}

// QueueConfig controls interception and the worker pool.
type QueueConfig struct {
	Number       uint16 `hcl:"number,optional" json:"number"`             // @default: 200
	Mark         uint32 `hcl:"mark,optional" json:"mark"`                 // @default: 1<<30
	Workers      int    `hcl:"workers,optional" json:"workers"`           // @default: NumCPU, capped at 8
	MaxLen       uint32 `hcl:"max_len,optional" json:"max_len"`           // kernel-side backlog @default: 4096
	Buffer       int    `hcl:"buffer,optional" json:"buffer"`             // per-worker channel @default: 1024
	ConnTimeout  string `hcl:"conn_timeout,optional" json:"conn_timeout"` // idle GC @default: 90s
	Interface    string `hcl:"interface,optional" json:"interface"`       // egress iface; empty = default route
	KeepOffloads bool   `hcl:"keep_offloads,optional" json:"keep_offloads"` // leave NIC offloads alone
}

// ConnTimeoutDuration returns the parsed idle timeout.
func (q *QueueConfig) ConnTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(q.ConnTimeout)
	if err != nil || d <= 0 {
		return 90 * time.Second
	}
	return d
}

// PathsConfig anchors relative list and payload references.
type PathsConfig struct {
	Lists    string `hcl:"lists,optional" json:"lists"`
	Payloads string `hcl:"payloads,optional" json:"payloads"`
}

// APIConfig controls the local control-plane HTTP server.
type APIConfig struct {
	Enabled bool   `hcl:"enabled,optional" json:"enabled"`
	Listen  string `hcl:"listen,optional" json:"listen"` // @default: 127.0.0.1:9083
}

// StateConfig locates the sqlite state database.
type StateConfig struct {
	Path string `hcl:"path,optional" json:"path"` // @default: /var/lib/slipwire/state.db
}

// GeoIPConfig locates an optional MaxMind country database. Rules
// with a countries list require it.
type GeoIPConfig struct {
	Database string `hcl:"database,optional" json:"database"`
}

// AutoTTLConfig controls hop-distance inference for decoy TTLs.
type AutoTTLConfig struct {
	Enabled   bool `hcl:"enabled,optional" json:"enabled"`
	Delta     int  `hcl:"delta,optional" json:"delta"` // @default: 1
	Min       int  `hcl:"min,optional" json:"min"`     // @default: 2
	Max       int  `hcl:"max,optional" json:"max"`     // @default: 24
	Calibrate bool `hcl:"calibrate,optional" json:"calibrate"` // allow active ICMP probing
}

// AutoHostConfig controls learning of blocked domains.
type AutoHostConfig struct {
	Enabled   bool   `hcl:"enabled,optional" json:"enabled"`
	Path      string `hcl:"path,optional" json:"path"`
	Threshold int    `hcl:"threshold,optional" json:"threshold"` // @default: 3
	Window    string `hcl:"window,optional" json:"window"`       // @default: 60s
}

// WindowDuration returns the parsed failure window.
func (a *AutoHostConfig) WindowDuration() time.Duration {
	d, err := time.ParseDuration(a.Window)
	if err != nil || d <= 0 {
		return time.Minute
	}
	return d
}

// Rule is one filter stanza. Order in the file is evaluation order.
// The yaml tags exist for strategy presets, which round-trip rules
// through YAML files.
type Rule struct {
	Name string `hcl:"name,label" json:"name" yaml:"name"`

	Protocol string `hcl:"protocol" json:"protocol" yaml:"protocol"` // tcp | udp
	Ports    string `hcl:"ports" json:"ports" yaml:"ports"`

	Hostlist        []string `hcl:"hostlist,optional" json:"hostlist,omitempty" yaml:"hostlist,omitempty"`
	HostlistExclude []string `hcl:"hostlist_exclude,optional" json:"hostlist_exclude,omitempty" yaml:"hostlist_exclude,omitempty"`
	HostlistAuto    bool     `hcl:"hostlist_auto,optional" json:"hostlist_auto,omitempty" yaml:"hostlist_auto,omitempty"`
	Ipset           []string `hcl:"ipset,optional" json:"ipset,omitempty" yaml:"ipset,omitempty"`
	IpsetExclude    []string `hcl:"ipset_exclude,optional" json:"ipset_exclude,omitempty" yaml:"ipset_exclude,omitempty"`
	Countries       []string `hcl:"countries,optional" json:"countries,omitempty" yaml:"countries,omitempty"`

	Desync      string `hcl:"desync" json:"desync" yaml:"desync"`
	SplitPos    string `hcl:"split_pos,optional" json:"split_pos,omitempty" yaml:"split_pos,omitempty"` // @default: 2
	SeqOvl      int    `hcl:"seqovl,optional" json:"seqovl,omitempty" yaml:"seqovl,omitempty"`
	Fooling     string `hcl:"fooling,optional" json:"fooling,omitempty" yaml:"fooling,omitempty"`
	TTL         int    `hcl:"ttl,optional" json:"ttl,omitempty" yaml:"ttl,omitempty"`
	AutoTTL     bool   `hcl:"autottl,optional" json:"autottl,omitempty" yaml:"autottl,omitempty"`
	Repeats     int    `hcl:"repeats,optional" json:"repeats,omitempty" yaml:"repeats,omitempty"` // @default: 1
	Cutoff      string `hcl:"cutoff,optional" json:"cutoff,omitempty" yaml:"cutoff,omitempty"`
	FakePayload string `hcl:"fake_payload,optional" json:"fake_payload,omitempty" yaml:"fake_payload,omitempty"`

	// Compiled at load time; not part of the HCL schema.
	Compiled *CompiledRule `json:"-" yaml:"-"`
}

// Load reads, decodes, defaults, and compiles a config file without
// running validation. Most callers want LoadAndValidate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to read config file")
	}
	return LoadBytes(path, data)
}

// LoadBytes is Load over in-memory HCL source.
func LoadBytes(filename string, data []byte) (*Config, error) {
	ctx, err := evalContext(filename, data)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := hclsimple.Decode(filename, data, ctx, &cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "failed to decode config")
	}

	cfg.ApplyDefaults()
	if err := cfg.Compile(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadAndValidate loads a config file and runs validation. All
// findings are returned so callers can log warnings; the error is
// non-nil only when an error-severity finding is present.
func LoadAndValidate(path string) (*Config, ValidationErrors, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, nil, err
	}

	findings := cfg.Validate()
	var errs ValidationErrors
	for _, ve := range findings {
		if ve.Severity != "warning" {
			errs = append(errs, ve)
		}
	}
	if len(errs) > 0 {
		return cfg, findings, errors.Wrap(errs, errors.KindValidation, "configuration validation failed")
	}
	return cfg, findings, nil
}

// evalContext decodes only the paths block, then exposes its values
// (plus the environment) as variables for the full decode, so rule
// stanzas can write "${vars.lists}/list-general.txt".
func evalContext(filename string, data []byte) (*hcl.EvalContext, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, errors.Errorf(errors.KindValidation, "failed to parse HCL: %s", diags.Error())
	}

	content, _, _ := file.Body.PartialContent(&hcl.BodySchema{
		Blocks: []hcl.BlockHeaderSchema{{Type: "paths"}},
	})

	lists, payloads := "", ""
	for _, block := range content.Blocks {
		attrs, _ := block.Body.JustAttributes()
		if a, ok := attrs["lists"]; ok {
			v, _ := a.Expr.Value(nil)
			if v.Type() == cty.String {
				lists = v.AsString()
			}
		}
		if a, ok := attrs["payloads"]; ok {
			v, _ := a.Expr.Value(nil)
			if v.Type() == cty.String {
				payloads = v.AsString()
			}
		}
	}

	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"vars": cty.ObjectVal(map[string]cty.Value{
				"lists":    cty.StringVal(lists),
				"payloads": cty.StringVal(payloads),
			}),
		},
	}, nil
}

// ApplyDefaults fills zero values with working defaults.
func (c *Config) ApplyDefaults() {
	if c.Log == nil {
		c.Log = &LogConfig{}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Queue == nil {
		c.Queue = &QueueConfig{}
	}
	if c.Queue.Number == 0 {
		c.Queue.Number = 200
	}
	if c.Queue.Mark == 0 {
		c.Queue.Mark = 1 << 30
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = defaultWorkers()
	}
	if c.Queue.MaxLen == 0 {
		c.Queue.MaxLen = 4096
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 1024
	}
	if c.Queue.ConnTimeout == "" {
		c.Queue.ConnTimeout = "90s"
	}

	if c.Paths == nil {
		c.Paths = &PathsConfig{}
	}

	if c.API == nil {
		c.API = &APIConfig{}
	}
	if c.API.Listen == "" {
		c.API.Listen = "127.0.0.1:9083"
	}

	if c.State == nil {
		c.State = &StateConfig{}
	}
	if c.State.Path == "" {
		c.State.Path = "/var/lib/slipwire/state.db"
	}

	if c.AutoTTL == nil {
		c.AutoTTL = &AutoTTLConfig{}
	}
	if c.AutoTTL.Delta == 0 {
		c.AutoTTL.Delta = 1
	}
	if c.AutoTTL.Min == 0 {
		c.AutoTTL.Min = 2
	}
	if c.AutoTTL.Max == 0 {
		c.AutoTTL.Max = 24
	}

	if c.AutoHostlist == nil {
		c.AutoHostlist = &AutoHostConfig{}
	}
	if c.AutoHostlist.Threshold == 0 {
		c.AutoHostlist.Threshold = 3
	}
	if c.AutoHostlist.Window == "" {
		c.AutoHostlist.Window = "60s"
	}

	for i := range c.Rules {
		r := &c.Rules[i]
		if r.Repeats <= 0 {
			r.Repeats = 1
		}
	}
}

// Compile parses the string-typed rule fields (ports, desync chain,
// split positions, fooling, cutoff) into their checked forms.
func (c *Config) Compile() error {
	for i := range c.Rules {
		compiled, err := c.Rules[i].compile()
		if err != nil {
			return errors.Attr(err, "rule", c.Rules[i].Name)
		}
		c.Rules[i].Compiled = compiled
	}
	return nil
}

func defaultWorkers() int {
	n := runtime.NumCPU()
	if n > 8 {
		n = 8
	}
	if n < 1 {
		n = 1
	}
	return n
}
