// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package discovery finds a working desync strategy for a blocked
// domain. It walks a ladder of candidate strategies, swapping each one
// into a running engine and scoring it with plain HTTPS fetches of the
// target, then reports the winner as a ready-to-paste rule stanza.
//
// The prober only needs something that can hot-swap a rule chain, so
// it runs the same way against a dedicated probe pipeline or a live
// daemon.
package discovery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"grimm.is/slipwire/internal/brand"
	"grimm.is/slipwire/internal/config"
	"grimm.is/slipwire/internal/errors"
	"grimm.is/slipwire/internal/logging"
	"grimm.is/slipwire/internal/rules"
	"grimm.is/slipwire/internal/state"
)

const (
	defaultAttempts = 3
	defaultTimeout  = 8 * time.Second
	defaultPort     = 443

	// attemptPause spaces fetches out so middleboxes that keep
	// per-tuple flow state see each attempt as a cold connection.
	attemptPause = 250 * time.Millisecond

	// bodySample is how much of the response body one fetch reads.
	// Some censors pass the handshake and kill the flow on the first
	// data packet, so a completed header alone proves too little.
	bodySample = 16 << 10
)

// Target is the engine surface the prober drives. *nfq.Engine
// satisfies it.
type Target interface {
	Swap(rs *rules.RuleSet)
}

// Config parameterizes one probe run. Domain and Engine are required.
type Config struct {
	// Domain is the hostname under test.
	Domain string

	// Engine receives each candidate chain before its fetches run.
	Engine Target

	// Attempts is the number of fetches per strategy.
	Attempts int

	// Timeout bounds a single fetch.
	Timeout time.Duration

	// Port is the TCP port probed.
	Port int

	// Client overrides the HTTP client. Left nil, the runner builds a
	// keep-alive-free client; tests inject scripted transports here.
	Client *http.Client

	// State records per-strategy history when set.
	State *state.Store

	Logger *logging.Logger
}

// Runner executes one probe run.
type Runner struct {
	cfg   Config
	log   *logging.Logger
	gen   uint64
	pause time.Duration
}

// New validates the probe parameters and fills in defaults.
func New(cfg Config) (*Runner, error) {
	if cfg.Domain == "" {
		return nil, errors.New(errors.KindValidation, "probe needs a domain")
	}
	if cfg.Engine == nil {
		return nil, errors.New(errors.KindValidation, "probe needs an engine to drive")
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultPort
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				// Every attempt must open a fresh connection. A reused
				// one would score later fetches through the flow state
				// the first attempt already established.
				DisableKeepAlives:   true,
				TLSHandshakeTimeout: cfg.Timeout,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				// Following a redirect could leave the probed host.
				// The first response already proves the fetch got
				// through the filter.
				return http.ErrUseLastResponse
			},
		}
	}
	return &Runner{cfg: cfg, log: logger.WithComponent("discovery"), pause: attemptPause}, nil
}

// Candidate is one strategy under trial.
type Candidate struct {
	Name string
	Rule config.Rule
}

// Ladder returns the candidate strategies in trial order. Single
// method rules come first so reports read from simplest to most
// invasive; combined rules close the list. Every rule matches only
// the probed domain through the given hostlist path.
func Ladder(port int, listPath string) []Candidate {
	ports := strconv.Itoa(port)
	var out []Candidate
	add := func(name string, mut func(*config.Rule)) {
		r := config.Rule{
			Name:     name,
			Protocol: "tcp",
			Ports:    ports,
			Hostlist: []string{listPath},
		}
		mut(&r)
		out = append(out, Candidate{Name: name, Rule: r})
	}

	add("fake", func(r *config.Rule) { r.Desync = "fake" })
	add("fake-ts", func(r *config.Rule) { r.Desync = "fake"; r.Fooling = "ts" })
	add("fake-badseq", func(r *config.Rule) { r.Desync = "fake"; r.Fooling = "badseq" })
	add("fake-badsum", func(r *config.Rule) { r.Desync = "fake"; r.Fooling = "badsum" })
	add("fake-md5sig", func(r *config.Rule) { r.Desync = "fake"; r.Fooling = "md5sig" })
	add("fake-autottl", func(r *config.Rule) { r.Desync = "fake"; r.AutoTTL = true })
	add("multisplit-1", func(r *config.Rule) { r.Desync = "multisplit"; r.SplitPos = "1" })
	add("multisplit-2", func(r *config.Rule) { r.Desync = "multisplit"; r.SplitPos = "2" })
	add("multisplit-midsld", func(r *config.Rule) { r.Desync = "multisplit"; r.SplitPos = "midsld" })
	add("multisplit-sniext", func(r *config.Rule) { r.Desync = "multisplit"; r.SplitPos = "sniext" })
	add("multisplit-seqovl", func(r *config.Rule) { r.Desync = "multisplit"; r.SplitPos = "2"; r.SeqOvl = 1 })
	add("fake-multisplit", func(r *config.Rule) { r.Desync = "fake,multisplit"; r.SplitPos = "2" })
	add("fake-multisplit-midsld", func(r *config.Rule) { r.Desync = "fake,multisplit"; r.SplitPos = "midsld" })
	add("fake-ts-multisplit", func(r *config.Rule) { r.Desync = "fake,multisplit"; r.SplitPos = "2"; r.Fooling = "ts" })
	return out
}

// Run walks the ladder and returns the full report. The engine is
// left holding the last candidate chain; callers probing a live
// daemon swap their real chain back afterwards.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	rep := &Report{
		ID:        uuid.New().String(),
		Domain:    r.cfg.Domain,
		Port:      r.cfg.Port,
		Attempts:  r.cfg.Attempts,
		StartedAt: start,
	}

	list, err := r.writeProbeList()
	if err != nil {
		return nil, err
	}
	defer os.Remove(list)

	// Baseline first: an empty chain measures the unmodified path. A
	// domain that already loads needs no strategy at all.
	empty, err := r.compile(nil)
	if err != nil {
		return nil, err
	}
	r.cfg.Engine.Swap(empty)
	rep.Baseline = r.trial(ctx, "baseline")
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.KindTimeout, "probe run cancelled")
	}
	r.record(rep.Baseline)

	if rep.Baseline.Successes == r.cfg.Attempts {
		rep.NotBlocked = true
		rep.Elapsed = time.Since(start)
		r.log.Info("Domain loads without desync, nothing to do",
			"domain", r.cfg.Domain, "attempts", r.cfg.Attempts)
		return rep, nil
	}

	for _, cand := range Ladder(r.cfg.Port, list) {
		rs, err := r.compile(&cand.Rule)
		if err != nil {
			// A rule the compiler rejects is a bug in the ladder, not
			// a property of the network.
			return nil, errors.Wrapf(err, errors.KindInternal, "compiling candidate %s", cand.Name)
		}
		r.cfg.Engine.Swap(rs)

		out := r.trial(ctx, cand.Name)
		out.Rule = &cand.Rule
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, errors.KindTimeout, "probe run cancelled")
		}
		rep.Candidates = append(rep.Candidates, out)
		r.record(out)
		r.log.Info("Candidate scored", "strategy", cand.Name,
			"successes", out.Successes, "attempts", r.cfg.Attempts,
			"latency", out.Latency)
	}

	rep.pickBest()
	rep.Elapsed = time.Since(start)
	if rep.Best != nil {
		r.log.Info("Probe finished", "domain", r.cfg.Domain,
			"best", rep.Best.Name, "elapsed", rep.Elapsed)
	} else {
		r.log.Warn("Probe finished without a working strategy",
			"domain", r.cfg.Domain, "elapsed", rep.Elapsed)
	}
	return rep, nil
}

// writeProbeList materializes a one-line hostlist holding the target
// domain. Rule compilation loads hostlists from paths, so even a
// synthetic chain needs a real file.
func (r *Runner) writeProbeList() (string, error) {
	f, err := os.CreateTemp("", "slipwire-probe-*.txt")
	if err != nil {
		return "", errors.Wrap(err, errors.KindInternal, "creating probe hostlist")
	}
	if _, err := fmt.Fprintln(f, r.cfg.Domain); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", errors.Wrap(err, errors.KindInternal, "writing probe hostlist")
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", errors.Wrap(err, errors.KindInternal, "writing probe hostlist")
	}
	return f.Name(), nil
}

// compile turns zero or one rule into a snapshot. Each snapshot gets
// a fresh generation so flows classified under the previous candidate
// re-match instead of riding their stale verdict.
func (r *Runner) compile(rule *config.Rule) (*rules.RuleSet, error) {
	cfg := &config.Config{}
	if rule != nil {
		cfg.Rules = []config.Rule{*rule}
	}
	cfg.ApplyDefaults()
	if err := cfg.Compile(); err != nil {
		return nil, err
	}
	r.gen++
	return rules.Build(cfg, rules.BuildOptions{Generation: r.gen, Logger: r.log})
}

// trial runs the configured number of fetches under whatever chain is
// currently swapped in.
func (r *Runner) trial(ctx context.Context, name string) Outcome {
	out := Outcome{Name: name}
	for i := 0; i < r.cfg.Attempts; i++ {
		if i > 0 && r.pause > 0 {
			select {
			case <-time.After(r.pause):
			case <-ctx.Done():
				return out
			}
		}
		a := r.fetch(ctx)
		out.Attempts = append(out.Attempts, a)
		if a.Success {
			out.Successes++
		}
	}
	out.Latency = medianLatency(out.Attempts)
	return out
}

// fetch opens one fresh HTTPS connection to the domain and reads the
// start of the body. DPI blocking shows up as a transport failure, a
// reset, a timeout or a forged certificate, never as an HTTP status,
// so any completed response counts as success.
func (r *Runner) fetch(ctx context.Context) Attempt {
	url := "https://" + r.cfg.Domain + "/"
	if r.cfg.Port != defaultPort {
		url = fmt.Sprintf("https://%s:%d/", r.cfg.Domain, r.cfg.Port)
	}

	fctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(fctx, http.MethodGet, url, nil)
	if err != nil {
		return Attempt{Error: err.Error(), Latency: time.Since(start)}
	}
	req.Header.Set("User-Agent", brand.UserAgent())

	resp, err := r.cfg.Client.Do(req)
	if err != nil {
		return Attempt{Error: err.Error(), Latency: time.Since(start)}
	}
	defer resp.Body.Close()

	if _, err := io.CopyN(io.Discard, resp.Body, bodySample); err != nil && err != io.EOF {
		return Attempt{Error: err.Error(), Status: resp.StatusCode, Latency: time.Since(start)}
	}
	return Attempt{Success: true, Status: resp.StatusCode, Latency: time.Since(start)}
}

// record persists one outcome row when a state store is wired. A
// strategy only counts as a success in history when every attempt got
// through; flaky is as good as broken for a config the user will keep.
func (r *Runner) record(out Outcome) {
	if r.cfg.State == nil {
		return
	}
	err := r.cfg.State.RecordProbe(state.ProbeResult{
		Domain:   r.cfg.Domain,
		Strategy: out.Name,
		Success:  out.Successes == r.cfg.Attempts,
		Latency:  out.Latency,
	})
	if err != nil {
		r.log.Warn("Failed to record probe history", "strategy", out.Name, "error", err)
	}
}

// medianLatency is the median over successful attempts, zero when
// none succeeded.
func medianLatency(attempts []Attempt) time.Duration {
	var ok []time.Duration
	for _, a := range attempts {
		if a.Success {
			ok = append(ok, a.Latency)
		}
	}
	if len(ok) == 0 {
		return 0
	}
	sort.Slice(ok, func(i, j int) bool { return ok[i] < ok[j] })
	return ok[len(ok)/2]
}
