// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package discovery

import (
	"strings"
	"time"

	"grimm.is/slipwire/internal/config"
)

// placeholderList is the hostlist reference rendered into a winning
// stanza. The probe's own one-line list is a temp file; the pasted
// rule should point at a list the user maintains.
const placeholderList = "list-custom.txt"

// Attempt is one fetch.
type Attempt struct {
	Success bool          `json:"success"`
	Status  int           `json:"status,omitempty"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// Outcome aggregates the attempts of one strategy. Latency is the
// median over successful attempts.
type Outcome struct {
	Name      string        `json:"name"`
	Rule      *config.Rule  `json:"rule,omitempty"`
	Attempts  []Attempt     `json:"attempts"`
	Successes int           `json:"successes"`
	Latency   time.Duration `json:"latency"`
}

// Report is the full result of one probe run.
type Report struct {
	ID         string        `json:"id"`
	Domain     string        `json:"domain"`
	Port       int           `json:"port"`
	Attempts   int           `json:"attempts_per_strategy"`
	StartedAt  time.Time     `json:"started_at"`
	Elapsed    time.Duration `json:"elapsed"`
	Baseline   Outcome       `json:"baseline"`
	Candidates []Outcome     `json:"candidates,omitempty"`
	Best       *Outcome      `json:"best,omitempty"`

	// NotBlocked is set when the baseline already succeeded on every
	// attempt. No candidates are trialed in that case.
	NotBlocked bool `json:"not_blocked,omitempty"`
}

// pickBest selects the candidate with the most successes, breaking
// ties on median latency. A candidate has to beat the baseline: only
// matching it means the strategy contributed nothing.
func (r *Report) pickBest() {
	for i := range r.Candidates {
		c := &r.Candidates[i]
		if c.Successes <= r.Baseline.Successes {
			continue
		}
		if r.Best == nil ||
			c.Successes > r.Best.Successes ||
			(c.Successes == r.Best.Successes && c.Latency < r.Best.Latency) {
			r.Best = c
		}
	}
}

// BestRule returns the winning rule rewritten for config use, named
// after the domain and pointed at a maintainable hostlist instead of
// the probe's temp file. Nil when no candidate beat the baseline.
func (r *Report) BestRule() *config.Rule {
	if r.Best == nil || r.Best.Rule == nil {
		return nil
	}
	rule := *r.Best.Rule
	rule.Name = strings.ReplaceAll(r.Domain, ".", "-")
	rule.Hostlist = []string{placeholderList}
	rule.Compiled = nil
	return &rule
}

// BestHCL renders the winning rule as a stanza ready to paste into
// the config file. Nil when no candidate beat the baseline.
func (r *Report) BestHCL() []byte {
	rule := r.BestRule()
	if rule == nil {
		return nil
	}
	return config.Render(&config.Config{Rules: []config.Rule{*rule}})
}
