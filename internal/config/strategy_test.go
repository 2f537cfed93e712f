// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"testing"
)

func TestParseSplitPos(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []SplitPoint
		wantErr bool
	}{
		{
			name:  "single absolute",
			input: "2",
			want:  []SplitPoint{{Offset: 2}},
		},
		{
			name:  "absolute and anchor",
			input: "1,midsld",
			want:  []SplitPoint{{Offset: 1}, {Anchor: AnchorMidSLD}},
		},
		{
			name:  "anchor with positive adjustment",
			input: "sni+1",
			want:  []SplitPoint{{Anchor: AnchorSNI, Offset: 1}},
		},
		{
			name:  "anchor with negative adjustment",
			input: "sniext-2",
			want:  []SplitPoint{{Anchor: AnchorSNIExt, Offset: -2}},
		},
		{
			name:  "spaces tolerated",
			input: " 10 , sni ",
			want:  []SplitPoint{{Offset: 10}, {Anchor: AnchorSNI}},
		},
		{
			name:    "zero offset is a degenerate split",
			input:   "0",
			wantErr: true,
		},
		{
			name:    "zero in a list",
			input:   "2,0",
			wantErr: true,
		},
		{
			name:    "negative absolute",
			input:   "-1",
			wantErr: true,
		},
		{
			name:    "duplicate position",
			input:   "2,2",
			wantErr: true,
		},
		{
			name:    "duplicate anchor",
			input:   "midsld,midsld",
			wantErr: true,
		},
		{
			name:    "unknown token",
			input:   "banana",
			wantErr: true,
		},
		{
			name:    "anchor with garbage suffix",
			input:   "snixyz",
			wantErr: true,
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSplitPos(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSplitPos(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d points, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("point %d = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestParseFooling(t *testing.T) {
	tests := []struct {
		input   string
		want    Fooling
		wantErr bool
	}{
		{"ts", FoolTS, false},
		{"ttl,badsum", FoolTTL | FoolBadsum, false},
		{"badseq,md5sig,ts", FoolBadseq | FoolMD5Sig | FoolTS, false},
		{"none", FoolNone, false},
		{"", FoolNone, false},
		{"datanoack", 0, true},
		{"ts,bogus", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseFooling(tt.input)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseFooling(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseFooling(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestParseCutoff(t *testing.T) {
	tests := []struct {
		input   string
		want    Cutoff
		wantErr bool
	}{
		{"n2", Cutoff{Mode: 'n', N: 2}, false},
		{"d1", Cutoff{Mode: 'd', N: 1}, false},
		{"s10000", Cutoff{Mode: 's', N: 10000}, false},
		{"N2", Cutoff{Mode: 'n', N: 2}, false},
		{"", Cutoff{}, false},
		{"x5", Cutoff{}, true},
		{"n0", Cutoff{}, true},
		{"n", Cutoff{}, true},
		{"nfoo", Cutoff{}, true},
	}

	for _, tt := range tests {
		got, err := ParseCutoff(tt.input)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseCutoff(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseCutoff(%q) = %+v, want %+v", tt.input, got, tt.want)
		}
	}
}

func TestRuleCompile(t *testing.T) {
	rule := Rule{
		Name:     "tls",
		Protocol: "tcp",
		Ports:    "443,8443",
		Desync:   "fake,multisplit",
		SplitPos: "1,midsld",
		SeqOvl:   100,
		Fooling:  "ts",
		AutoTTL:  true,
		Repeats:  2,
		Cutoff:   "d3",
	}

	cr, err := rule.compile()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if cr.Protocol != 6 {
		t.Errorf("protocol = %d, want 6", cr.Protocol)
	}
	if !cr.Ports.Contains(443) || !cr.Ports.Contains(8443) || cr.Ports.Contains(80) {
		t.Error("port set does not match the expression")
	}
	if len(cr.Methods) != 2 || cr.Methods[0] != MethodFake || cr.Methods[1] != MethodMultisplit {
		t.Errorf("methods = %v, want [fake multisplit]", cr.Methods)
	}
	if len(cr.SplitPos) != 2 {
		t.Errorf("split points = %v", cr.SplitPos)
	}
	if cr.Fooling != FoolTS {
		t.Errorf("fooling = %v, want ts", cr.Fooling)
	}
	if cr.Cutoff != (Cutoff{Mode: 'd', N: 3}) {
		t.Errorf("cutoff = %+v", cr.Cutoff)
	}
}

func TestRuleCompileDefaultsSplitPos(t *testing.T) {
	rule := Rule{Name: "w", Protocol: "tcp", Ports: "80", Desync: "multisplit"}
	cr, err := rule.compile()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(cr.SplitPos) != 1 || cr.SplitPos[0] != (SplitPoint{Offset: 2}) {
		t.Errorf("default split = %v, want [2]", cr.SplitPos)
	}
}

func TestRuleCompileRejects(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
	}{
		{"unknown protocol", Rule{Protocol: "icmp", Ports: "443", Desync: "fake"}},
		{"empty desync", Rule{Protocol: "tcp", Ports: "443", Desync: ""}},
		{"unknown method", Rule{Protocol: "tcp", Ports: "443", Desync: "fake,teleport"}},
		{"split without multisplit", Rule{Protocol: "tcp", Ports: "443", Desync: "fake", SplitPos: "2"}},
		{"zero split", Rule{Protocol: "tcp", Ports: "443", Desync: "multisplit", SplitPos: "0"}},
		{"bad ports", Rule{Protocol: "tcp", Ports: "http", Desync: "fake"}},
		{"bad fooling", Rule{Protocol: "tcp", Ports: "443", Desync: "fake", Fooling: "nope"}},
		{"bad cutoff", Rule{Protocol: "tcp", Ports: "443", Desync: "fake", Cutoff: "q1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.rule.compile(); err == nil {
				t.Error("expected a compile error")
			}
		})
	}
}

func TestMethodString(t *testing.T) {
	if MethodFake.String() != "fake" || MethodMultisplit.String() != "multisplit" {
		t.Error("method names changed")
	}
	if got := (FoolTTL | FoolTS).String(); got != "ttl,ts" {
		t.Errorf("fooling string = %q", got)
	}
	if got := (SplitPoint{Anchor: AnchorSNI, Offset: -2}).String(); got != "sni-2" {
		t.Errorf("split point string = %q", got)
	}
	if got := (Cutoff{Mode: 'n', N: 2}).String(); got != "n2" {
		t.Errorf("cutoff string = %q", got)
	}
}
