// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"strconv"
	"strings"

	"grimm.is/slipwire/internal/errors"
)

// Method identifies one desync technique. A rule's desync attribute
// is an ordered comma list of these; the engine applies them in the
// order written.
type Method int

const (
	MethodFake Method = iota
	MethodMultisplit
	MethodFooling
	MethodCutoff
)

var methodNames = map[Method]string{
	MethodFake:       "fake",
	MethodMultisplit: "multisplit",
	MethodFooling:    "fooling",
	MethodCutoff:     "cutoff",
}

func (m Method) String() string {
	if s, ok := methodNames[m]; ok {
		return s
	}
	return "unknown"
}

// ParseMethod maps a desync token to its Method. The set is closed;
// anything else is a validation error.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fake":
		return MethodFake, nil
	case "multisplit":
		return MethodMultisplit, nil
	case "fooling":
		return MethodFooling, nil
	case "cutoff":
		return MethodCutoff, nil
	default:
		return 0, errors.Errorf(errors.KindValidation, "unknown desync method %q", s)
	}
}

// Fooling flags mangle decoy packets so middleboxes count them but
// endpoints discard them.
type Fooling uint8

const (
	FoolTTL    Fooling = 1 << iota // low TTL, dies before the server
	FoolBadsum                     // broken transport checksum
	FoolBadseq                     // sequence far outside the window
	FoolMD5Sig                     // TCP MD5 signature option
	FoolTS                         // stale TCP timestamp echo

	FoolNone Fooling = 0
)

var foolingNames = []struct {
	flag Fooling
	name string
}{
	{FoolTTL, "ttl"},
	{FoolBadsum, "badsum"},
	{FoolBadseq, "badseq"},
	{FoolMD5Sig, "md5sig"},
	{FoolTS, "ts"},
}

func (f Fooling) String() string {
	if f == FoolNone {
		return "none"
	}
	var parts []string
	for _, e := range foolingNames {
		if f&e.flag != 0 {
			parts = append(parts, e.name)
		}
	}
	return strings.Join(parts, ",")
}

// Has reports whether all bits in mask are set.
func (f Fooling) Has(mask Fooling) bool { return f&mask == mask }

// ParseFooling parses a comma list like "ts,badseq".
func ParseFooling(s string) (Fooling, error) {
	out := FoolNone
	for _, tok := range splitList(s) {
		switch strings.ToLower(tok) {
		case "ttl":
			out |= FoolTTL
		case "badsum":
			out |= FoolBadsum
		case "badseq":
			out |= FoolBadseq
		case "md5sig":
			out |= FoolMD5Sig
		case "ts":
			out |= FoolTS
		case "none":
		default:
			return 0, errors.Errorf(errors.KindValidation, "unknown fooling mode %q", tok)
		}
	}
	return out, nil
}

// Anchor names a payload-relative split position resolved once the
// protocol content is known.
type Anchor int

const (
	AnchorNone   Anchor = iota
	AnchorSNI           // first byte of the SNI hostname
	AnchorMidSLD        // middle of the second-level domain label
	AnchorSNIExt        // start of the server_name extension
)

func (a Anchor) String() string {
	switch a {
	case AnchorSNI:
		return "sni"
	case AnchorMidSLD:
		return "midsld"
	case AnchorSNIExt:
		return "sniext"
	default:
		return "none"
	}
}

// SplitPoint is one requested cut: either an absolute payload offset
// (Anchor == AnchorNone) or an anchor plus a signed adjustment.
// Offsets count bytes from the start of the payload; a cut at offset
// n separates payload[:n] from payload[n:].
type SplitPoint struct {
	Anchor Anchor
	Offset int
}

func (p SplitPoint) String() string {
	if p.Anchor == AnchorNone {
		return strconv.Itoa(p.Offset)
	}
	s := p.Anchor.String()
	if p.Offset > 0 {
		s += "+" + strconv.Itoa(p.Offset)
	} else if p.Offset < 0 {
		s += strconv.Itoa(p.Offset)
	}
	return s
}

// ParseSplitPos parses a comma list of split points: absolute
// offsets ("2", "10") and anchors with optional adjustment
// ("midsld", "sni+1", "sniext-2"). Absolute offsets must be
// positive: a cut at 0 produces an empty first segment, which is the
// degenerate no-split, so it is rejected here rather than silently
// ignored at apply time. Duplicates are rejected for the same
// reason.
func ParseSplitPos(s string) ([]SplitPoint, error) {
	toks := splitList(s)
	if len(toks) == 0 {
		return nil, errors.New(errors.KindValidation, "split_pos is empty")
	}
	points := make([]SplitPoint, 0, len(toks))
	seen := make(map[SplitPoint]struct{}, len(toks))
	for _, tok := range toks {
		p, err := parseSplitPoint(tok)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[p]; dup {
			return nil, errors.Errorf(errors.KindValidation, "duplicate split position %q", tok)
		}
		seen[p] = struct{}{}
		points = append(points, p)
	}
	return points, nil
}

var anchorPrefixes = []struct {
	prefix string
	anchor Anchor
}{
	{"sniext", AnchorSNIExt}, // longest prefix first
	{"sni", AnchorSNI},
	{"midsld", AnchorMidSLD},
}

func parseSplitPoint(tok string) (SplitPoint, error) {
	low := strings.ToLower(tok)
	for _, e := range anchorPrefixes {
		rest, ok := strings.CutPrefix(low, e.prefix)
		if !ok {
			continue
		}
		if rest == "" {
			return SplitPoint{Anchor: e.anchor}, nil
		}
		if rest[0] != '+' && rest[0] != '-' {
			continue
		}
		off, err := strconv.Atoi(rest)
		if err != nil {
			return SplitPoint{}, errors.Errorf(errors.KindValidation, "bad split position %q", tok)
		}
		return SplitPoint{Anchor: e.anchor, Offset: off}, nil
	}

	n, err := strconv.Atoi(low)
	if err != nil {
		return SplitPoint{}, errors.Errorf(errors.KindValidation, "bad split position %q", tok)
	}
	if n <= 0 {
		return SplitPoint{}, errors.Errorf(errors.KindValidation, "split position %d is not positive", n)
	}
	return SplitPoint{Offset: n}, nil
}

// Cutoff stops desync for a connection after a threshold. Mode "n"
// counts outbound data packets, "d" counts desynced packets, "s"
// counts relative sequence bytes.
type Cutoff struct {
	Mode byte // 'n', 'd' or 's'; 0 means no cutoff
	N    uint32
}

func (c Cutoff) String() string {
	if c.Mode == 0 {
		return ""
	}
	return string(c.Mode) + strconv.FormatUint(uint64(c.N), 10)
}

// Enabled reports whether a threshold is set.
func (c Cutoff) Enabled() bool { return c.Mode != 0 }

// ParseCutoff parses "n2", "d1", "s10000". Empty means no cutoff.
func ParseCutoff(s string) (Cutoff, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return Cutoff{}, nil
	}
	mode := s[0]
	if mode != 'n' && mode != 'd' && mode != 's' {
		return Cutoff{}, errors.Errorf(errors.KindValidation, "bad cutoff mode %q", s)
	}
	n, err := strconv.ParseUint(s[1:], 10, 32)
	if err != nil || n == 0 {
		return Cutoff{}, errors.Errorf(errors.KindValidation, "bad cutoff count %q", s)
	}
	return Cutoff{Mode: mode, N: uint32(n)}, nil
}

// CompiledRule holds the checked, parsed form of a rule stanza.
type CompiledRule struct {
	Protocol uint8 // netutil.ProtoTCP or ProtoUDP
	Ports    PortSet

	Methods  []Method
	SplitPos []SplitPoint
	SeqOvl   int
	Fooling  Fooling
	TTL      int
	AutoTTL  bool
	Repeats  int
	Cutoff   Cutoff
}

// HasMethod reports whether the desync chain includes m.
func (cr *CompiledRule) HasMethod(m Method) bool {
	for _, have := range cr.Methods {
		if have == m {
			return true
		}
	}
	return false
}

func (r *Rule) compile() (*CompiledRule, error) {
	cr := &CompiledRule{
		SeqOvl:  r.SeqOvl,
		TTL:     r.TTL,
		AutoTTL: r.AutoTTL,
		Repeats: r.Repeats,
	}

	switch strings.ToLower(strings.TrimSpace(r.Protocol)) {
	case "tcp":
		cr.Protocol = 6
	case "udp":
		cr.Protocol = 17
	default:
		return nil, errors.Errorf(errors.KindValidation, "unknown protocol %q", r.Protocol)
	}

	ports, err := ParsePorts(r.Ports)
	if err != nil {
		return nil, err
	}
	cr.Ports = ports

	for _, tok := range splitList(r.Desync) {
		m, err := ParseMethod(tok)
		if err != nil {
			return nil, err
		}
		cr.Methods = append(cr.Methods, m)
	}
	if len(cr.Methods) == 0 {
		return nil, errors.New(errors.KindValidation, "desync chain is empty")
	}

	if cr.HasMethod(MethodMultisplit) {
		pos := r.SplitPos
		if pos == "" {
			pos = "2"
		}
		points, err := ParseSplitPos(pos)
		if err != nil {
			return nil, err
		}
		cr.SplitPos = points
	} else if r.SplitPos != "" {
		return nil, errors.New(errors.KindValidation, "split_pos requires the multisplit method")
	}

	if r.Fooling != "" {
		f, err := ParseFooling(r.Fooling)
		if err != nil {
			return nil, err
		}
		cr.Fooling = f
	}

	if r.Cutoff != "" {
		c, err := ParseCutoff(r.Cutoff)
		if err != nil {
			return nil, err
		}
		cr.Cutoff = c
	}

	return cr, nil
}

// splitList splits a comma list, trimming space and dropping empty
// tokens.
func splitList(s string) []string {
	var out []string
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok != "" {
			out = append(out, tok)
		}
	}
	return out
}
