// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package discovery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/slipwire/internal/brand"
	"grimm.is/slipwire/internal/config"
	"grimm.is/slipwire/internal/errors"
	"grimm.is/slipwire/internal/logging"
	"grimm.is/slipwire/internal/rules"
	"grimm.is/slipwire/internal/state"
)

func discardLogger() *logging.Logger {
	return logging.New(logging.Config{Output: io.Discard})
}

// fakeTarget records every swapped chain. Run is synchronous, so the
// scripted transport can consult current without locking.
type fakeTarget struct {
	swaps   []*rules.RuleSet
	current *rules.RuleSet
}

func (f *fakeTarget) Swap(rs *rules.RuleSet) {
	f.swaps = append(f.swaps, rs)
	f.current = rs
}

// currentRule names the single filter of the active chain, or "" for
// the empty baseline chain.
func (f *fakeTarget) currentRule() string {
	if f.current == nil || f.current.Len() == 0 {
		return ""
	}
	return f.current.Filters()[0].Name
}

type transportFunc func(*http.Request) (*http.Response, error)

func (f transportFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func okResponse() *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Status:     "200 OK",
		Body:       io.NopCloser(strings.NewReader("<html>ok</html>")),
		Header:     make(http.Header),
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{Engine: &fakeTarget{}})
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))

	_, err = New(Config{Domain: "example.com"})
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
}

func TestLadderCompiles(t *testing.T) {
	list := filepath.Join(t.TempDir(), "probe.txt")
	require.NoError(t, os.WriteFile(list, []byte("example.com\n"), 0o644))

	seen := map[string]bool{}
	for _, cand := range Ladder(443, list) {
		require.False(t, seen[cand.Name], "duplicate candidate name %s", cand.Name)
		seen[cand.Name] = true

		cfg := &config.Config{Rules: []config.Rule{cand.Rule}}
		cfg.ApplyDefaults()
		require.NoError(t, cfg.Compile(), "candidate %s must compile", cand.Name)

		_, err := rules.Build(cfg, rules.BuildOptions{Logger: discardLogger()})
		require.NoError(t, err, "candidate %s must build", cand.Name)
	}
	assert.GreaterOrEqual(t, len(seen), 12, "the ladder covers the strategy families")
}

func TestRunFindsWorkingStrategy(t *testing.T) {
	target := &fakeTarget{}
	client := &http.Client{Transport: transportFunc(func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "https://rutracker.org/", req.URL.String())
		assert.Equal(t, brand.UserAgent(), req.Header.Get("User-Agent"))
		if target.currentRule() == "multisplit-midsld" {
			return okResponse(), nil
		}
		return nil, fmt.Errorf("read: connection reset by peer")
	})}

	store, err := state.Open(filepath.Join(t.TempDir(), "state.db"), discardLogger())
	require.NoError(t, err)
	defer store.Close()

	r, err := New(Config{
		Domain:   "rutracker.org",
		Engine:   target,
		Attempts: 2,
		Timeout:  2 * time.Second,
		Client:   client,
		State:    store,
		Logger:   discardLogger(),
	})
	require.NoError(t, err)
	r.pause = 0

	rep, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, rep.NotBlocked)
	assert.NotEmpty(t, rep.ID)
	assert.Equal(t, "rutracker.org", rep.Domain)

	assert.Equal(t, 0, rep.Baseline.Successes)
	require.Len(t, rep.Baseline.Attempts, 2)
	assert.Contains(t, rep.Baseline.Attempts[0].Error, "connection reset")

	wantCandidates := len(Ladder(443, "unused"))
	assert.Len(t, rep.Candidates, wantCandidates)

	require.NotNil(t, rep.Best)
	assert.Equal(t, "multisplit-midsld", rep.Best.Name)
	assert.Equal(t, 2, rep.Best.Successes)
	require.NotNil(t, rep.Best.Rule)
	assert.Equal(t, "midsld", rep.Best.Rule.SplitPos)

	// One swap for the baseline plus one per candidate, each with a
	// fresh generation.
	require.Len(t, target.swaps, 1+wantCandidates)
	for i := 1; i < len(target.swaps); i++ {
		assert.Greater(t, target.swaps[i].Generation, target.swaps[i-1].Generation)
	}

	hcl := string(rep.BestHCL())
	assert.Contains(t, hcl, `rule "rutracker-org"`)
	assert.Contains(t, hcl, `desync = "multisplit"`)
	assert.Contains(t, hcl, `split_pos = "midsld"`)
	assert.Contains(t, hcl, "list-custom.txt")
	assert.NotContains(t, hcl, "slipwire-probe", "the stanza must not leak the temp hostlist")

	history, err := store.ProbeHistory("rutracker.org", 100)
	require.NoError(t, err)
	require.Len(t, history, 1+wantCandidates)
	byStrategy := map[string]state.ProbeResult{}
	for _, h := range history {
		byStrategy[h.Strategy] = h
	}
	assert.True(t, byStrategy["multisplit-midsld"].Success)
	assert.False(t, byStrategy["baseline"].Success)
	assert.False(t, byStrategy["fake"].Success)
}

func TestRunNotBlocked(t *testing.T) {
	target := &fakeTarget{}
	client := &http.Client{Transport: transportFunc(func(*http.Request) (*http.Response, error) {
		return okResponse(), nil
	})}

	r, err := New(Config{
		Domain: "example.com",
		Engine: target,
		Client: client,
		Logger: discardLogger(),
	})
	require.NoError(t, err)
	r.pause = 0

	rep, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, rep.NotBlocked)
	assert.Empty(t, rep.Candidates)
	assert.Nil(t, rep.Best)
	assert.Nil(t, rep.BestHCL())
	assert.Nil(t, rep.Preset())
	assert.Len(t, target.swaps, 1, "only the baseline chain is swapped in")
}

func TestRunCancelled(t *testing.T) {
	target := &fakeTarget{}
	client := &http.Client{Transport: transportFunc(func(*http.Request) (*http.Response, error) {
		return okResponse(), nil
	})}

	r, err := New(Config{Domain: "example.com", Engine: target, Client: client, Logger: discardLogger()})
	require.NoError(t, err)
	r.pause = 0

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := r.Run(ctx)
	require.Error(t, err)
	assert.Nil(t, rep)
	assert.Equal(t, errors.KindTimeout, errors.GetKind(err))
}

func TestPickBest(t *testing.T) {
	rep := &Report{
		Baseline: Outcome{Name: "baseline", Successes: 1},
		Candidates: []Outcome{
			{Name: "slow", Successes: 2, Latency: 300 * time.Millisecond},
			{Name: "tied-slower", Successes: 3, Latency: 200 * time.Millisecond},
			{Name: "winner", Successes: 3, Latency: 100 * time.Millisecond},
			{Name: "no-better-than-baseline", Successes: 1, Latency: time.Millisecond},
		},
	}
	rep.pickBest()
	require.NotNil(t, rep.Best)
	assert.Equal(t, "winner", rep.Best.Name)
}

func TestPickBestNothingBeatsBaseline(t *testing.T) {
	rep := &Report{
		Baseline: Outcome{Name: "baseline", Successes: 2},
		Candidates: []Outcome{
			{Name: "a", Successes: 2},
			{Name: "b", Successes: 0},
		},
	}
	rep.pickBest()
	assert.Nil(t, rep.Best)
}

func TestPresetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presets.yaml")
	now := time.Now()

	presets := []Preset{
		{
			Name:      "fake-ts",
			Domain:    "example.org",
			RunID:     "run-1",
			CreatedAt: now,
			Rule: config.Rule{
				Name:     "example-org",
				Protocol: "tcp",
				Ports:    "443",
				Hostlist: []string{"list-custom.txt"},
				Desync:   "fake",
				Fooling:  "ts",
			},
		},
		{
			Name:      "multisplit-midsld",
			CreatedAt: now,
			Rule: config.Rule{
				Name:     "other",
				Protocol: "tcp",
				Ports:    "443",
				Desync:   "multisplit",
				SplitPos: "midsld",
			},
		},
	}
	require.NoError(t, SavePresets(path, presets))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "presets:")
	assert.Contains(t, string(raw), "split_pos: midsld")
	assert.Contains(t, string(raw), "fooling: ts")

	loaded, err := LoadPresets(path)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "fake-ts", loaded[0].Name)
	assert.Equal(t, presets[0].Rule, loaded[0].Rule)
	assert.Equal(t, presets[1].Rule, loaded[1].Rule)
	require.WithinDuration(t, now, loaded[0].CreatedAt, time.Second)
}

func TestLoadPresetsMissingFile(t *testing.T) {
	_, err := LoadPresets(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))
}

func TestAppendPreset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presets.yaml")

	p := Preset{Name: "fake", CreatedAt: time.Now(), Rule: config.Rule{
		Name: "a", Protocol: "tcp", Ports: "443", Desync: "fake",
	}}
	require.NoError(t, AppendPreset(path, p))

	p.Name = "fake-badsum"
	p.Rule.Fooling = "badsum"
	require.NoError(t, AppendPreset(path, p))

	loaded, err := LoadPresets(path)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "fake", loaded[0].Name)
	assert.Equal(t, "fake-badsum", loaded[1].Name)
}

func TestReportPreset(t *testing.T) {
	rule := config.Rule{
		Name:     "fake-multisplit",
		Protocol: "tcp",
		Ports:    "443",
		Hostlist: []string{"/tmp/slipwire-probe-x.txt"},
		Desync:   "fake,multisplit",
		SplitPos: "2",
	}
	rep := &Report{
		ID:     "run-9",
		Domain: "blocked.example",
		Best:   &Outcome{Name: "fake-multisplit", Rule: &rule, Successes: 3},
	}

	p := rep.Preset()
	require.NotNil(t, p)
	assert.Equal(t, "fake-multisplit", p.Name)
	assert.Equal(t, "blocked.example", p.Domain)
	assert.Equal(t, "run-9", p.RunID)
	assert.Equal(t, "blocked-example", p.Rule.Name)
	assert.Equal(t, []string{placeholderList}, p.Rule.Hostlist)
}
