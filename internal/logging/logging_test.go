// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, Level: LevelInfo, JSON: true})

	logger.WithComponent("nfq").Info("packet accepted", "verdict", "accept", "queue", 200)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if rec["component"] != "nfq" {
		t.Errorf("component = %v, want nfq", rec["component"])
	}
	if rec["verdict"] != "accept" {
		t.Errorf("verdict = %v, want accept", rec["verdict"])
	}
	if rec["msg"] != "packet accepted" {
		t.Errorf("msg = %v", rec["msg"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, Level: LevelWarn, JSON: false})

	logger.Debug("dropped")
	logger.Info("dropped too")
	logger.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("below-level records leaked: %s", out)
	}
	if !strings.Contains(out, "kept") {
		t.Errorf("warn record missing: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"bogus", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, Level: LevelInfo, JSON: true})

	logger.WithFields(map[string]any{"rule": "https-general", "port": 443}).Info("matched")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if rec["rule"] != "https-general" {
		t.Errorf("rule = %v", rec["rule"])
	}
	if rec["port"] != float64(443) {
		t.Errorf("port = %v", rec["port"])
	}
}

func TestSetDefault(t *testing.T) {
	old := Default()
	defer SetDefault(old)

	var buf bytes.Buffer
	SetDefault(New(Config{Output: &buf, Level: LevelInfo, JSON: false}))
	WithComponent("test").Info("via default")

	if !strings.Contains(buf.String(), "via default") {
		t.Errorf("default logger not replaced: %s", buf.String())
	}
}
