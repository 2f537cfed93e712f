// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"
)

// Kernel interface names: IFNAMSIZ minus the NUL, no shell metacharacters.
var ifaceNameRe = regexp.MustCompile(`^[a-zA-Z0-9_.-]{1,15}$`)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field    string
	Message  string
	Severity string // "error" (default), "warning"
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validate validates the entire configuration. Rules must be
// compiled first; Load does both.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	errs = append(errs, c.validateEngine()...)
	errs = append(errs, c.validateRules()...)

	return errs
}

func (c *Config) validateEngine() ValidationErrors {
	var errs ValidationErrors

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "log.level",
			Message: fmt.Sprintf("unknown level %q", c.Log.Level),
		})
	}

	if c.Queue.Workers > 64 {
		errs = append(errs, ValidationError{
			Field:    "queue.workers",
			Message:  fmt.Sprintf("%d workers is excessive; packets are sharded per connection, not per packet", c.Queue.Workers),
			Severity: "warning",
		})
	}
	if _, err := time.ParseDuration(c.Queue.ConnTimeout); err != nil {
		errs = append(errs, ValidationError{
			Field:   "queue.conn_timeout",
			Message: fmt.Sprintf("bad duration %q", c.Queue.ConnTimeout),
		})
	}
	if c.Queue.Interface != "" && !ifaceNameRe.MatchString(c.Queue.Interface) {
		errs = append(errs, ValidationError{
			Field:   "queue.interface",
			Message: fmt.Sprintf("%q is not a valid interface name", c.Queue.Interface),
		})
	}

	if c.API.Enabled {
		if _, _, err := net.SplitHostPort(c.API.Listen); err != nil {
			errs = append(errs, ValidationError{
				Field:   "api.listen",
				Message: fmt.Sprintf("bad listen address %q", c.API.Listen),
			})
		}
	}

	if a := c.AutoTTL; a.Enabled {
		if a.Min < 1 || a.Max > 255 || a.Min > a.Max {
			errs = append(errs, ValidationError{
				Field:   "autottl",
				Message: fmt.Sprintf("bad ttl window [%d, %d]", a.Min, a.Max),
			})
		}
	}

	if ah := c.AutoHostlist; ah.Enabled {
		if ah.Path == "" {
			errs = append(errs, ValidationError{
				Field:   "autohostlist.path",
				Message: "path is required when autohostlist is enabled",
			})
		}
		if _, err := time.ParseDuration(ah.Window); err != nil {
			errs = append(errs, ValidationError{
				Field:   "autohostlist.window",
				Message: fmt.Sprintf("bad duration %q", ah.Window),
			})
		}
	}

	if len(c.Rules) == 0 {
		errs = append(errs, ValidationError{
			Field:    "rule",
			Message:  "no rules defined; all traffic will pass through untouched",
			Severity: "warning",
		})
	}

	return errs
}

func (c *Config) validateRules() ValidationErrors {
	var errs ValidationErrors

	seen := make(map[string]struct{}, len(c.Rules))
	for i := range c.Rules {
		r := &c.Rules[i]
		field := fmt.Sprintf("rule[%s]", r.Name)
		if r.Name == "" {
			field = fmt.Sprintf("rule[%d]", i)
			errs = append(errs, ValidationError{
				Field:   field,
				Message: "rule label must not be empty",
			})
		}
		if _, dup := seen[r.Name]; dup {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: "duplicate rule name",
			})
		}
		seen[r.Name] = struct{}{}

		cr := r.Compiled
		if cr == nil {
			// Compile failed earlier; Load already reported it.
			continue
		}
		errs = append(errs, validateCompiled(field, r, cr)...)
	}

	for i := range c.Rules {
		r := &c.Rules[i]
		if len(r.Countries) > 0 && (c.GeoIP == nil || c.GeoIP.Database == "") {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("rule[%s].countries", r.Name),
				Message: "countries requires geoip.database",
			})
		}
		if r.HostlistAuto && !c.AutoHostlist.Enabled {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("rule[%s].hostlist_auto", r.Name),
				Message: "hostlist_auto requires the autohostlist block to be enabled",
			})
		}
		if r.FakePayload != "" && r.Compiled != nil && !r.Compiled.HasMethod(MethodFake) {
			errs = append(errs, ValidationError{
				Field:    fmt.Sprintf("rule[%s].fake_payload", r.Name),
				Message:  "fake_payload is unused without the fake method",
				Severity: "warning",
			})
		}
	}

	return errs
}

func validateCompiled(field string, r *Rule, cr *CompiledRule) ValidationErrors {
	var errs ValidationErrors

	isUDP := cr.Protocol == 17

	if isUDP && cr.HasMethod(MethodMultisplit) {
		errs = append(errs, ValidationError{
			Field:   field + ".desync",
			Message: "multisplit needs a byte stream; udp datagrams cannot be split",
		})
	}
	if isUDP && cr.Fooling.Has(FoolTS) {
		errs = append(errs, ValidationError{
			Field:   field + ".fooling",
			Message: "ts fooling mangles a tcp option; not applicable to udp",
		})
	}
	if isUDP && cr.Fooling.Has(FoolMD5Sig) {
		errs = append(errs, ValidationError{
			Field:   field + ".fooling",
			Message: "md5sig fooling mangles a tcp option; not applicable to udp",
		})
	}

	if cr.Fooling != FoolNone && !cr.HasMethod(MethodFake) && !cr.HasMethod(MethodFooling) {
		errs = append(errs, ValidationError{
			Field:    field + ".fooling",
			Message:  "fooling modes only affect fake packets; add fake or fooling to the desync chain",
			Severity: "warning",
		})
	}
	if cr.HasMethod(MethodFooling) && cr.Fooling == FoolNone {
		errs = append(errs, ValidationError{
			Field:   field + ".desync",
			Message: "the fooling method requires at least one fooling mode",
		})
	}

	if cr.SeqOvl < 0 {
		errs = append(errs, ValidationError{
			Field:   field + ".seqovl",
			Message: fmt.Sprintf("seqovl %d is negative", cr.SeqOvl),
		})
	}
	if cr.SeqOvl > 0 && !cr.HasMethod(MethodMultisplit) {
		errs = append(errs, ValidationError{
			Field:   field + ".seqovl",
			Message: "seqovl requires the multisplit method",
		})
	}

	if cr.TTL < 0 || cr.TTL > 255 {
		errs = append(errs, ValidationError{
			Field:   field + ".ttl",
			Message: fmt.Sprintf("ttl %d out of range", cr.TTL),
		})
	}
	if cr.AutoTTL && !cr.HasMethod(MethodFake) {
		errs = append(errs, ValidationError{
			Field:    field + ".autottl",
			Message:  "autottl tunes fake packet ttl; it has no effect without the fake method",
			Severity: "warning",
		})
	}

	if cr.Repeats > 20 {
		errs = append(errs, ValidationError{
			Field:   field + ".repeats",
			Message: fmt.Sprintf("%d repeats would flood the path", cr.Repeats),
		})
	}

	if cr.HasMethod(MethodCutoff) && !cr.Cutoff.Enabled() {
		errs = append(errs, ValidationError{
			Field:   field + ".desync",
			Message: "the cutoff method requires a cutoff threshold, like cutoff = \"n2\"",
		})
	}

	if r.HostlistAuto && len(r.Hostlist) == 0 {
		errs = append(errs, ValidationError{
			Field:    field + ".hostlist_auto",
			Message:  "learning without a base hostlist matches every hostname until failures accumulate",
			Severity: "warning",
		})
	}

	return errs
}
