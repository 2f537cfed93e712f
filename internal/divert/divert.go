// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package divert steers traffic into the NFQUEUE and back out of the
// way. It owns exactly one nftables table (inet slipwire) so teardown
// never touches anyone else's ruleset, turns off the NIC offloads
// that would hand the queue coalesced superpackets, and watches
// conntrack destroy events so connection state dies with the flow.
package divert

import (
	"fmt"
	"strings"
	"sync"

	"grimm.is/slipwire/internal/config"
	"grimm.is/slipwire/internal/logging"
)

// TableName is the nftables table divert owns. Nothing outside it is
// ever created or deleted.
const TableName = "slipwire"

// Config describes the steering rules to install.
type Config struct {
	Queue uint16 // NFQUEUE number
	Mark  uint32 // packets carrying this mark skip the queue

	// Port set elements per protocol in nft syntax ("443",
	// "50000-50100"). Empty slice installs no rule for that protocol.
	TCPPorts []string
	UDPPorts []string

	// SYNACK queues inbound SYN+ACK segments from the TCP ports so
	// the engine can observe server TTLs. Off without autottl.
	SYNACK bool

	Interface    string // egress interface; empty resolves the default route
	KeepOffloads bool   // leave gro/gso/tso as found

	Logger *logging.Logger
}

// Diverter installs and removes the steering layer.
type Diverter struct {
	cfg Config
	log *logging.Logger

	mu       sync.Mutex
	applied  bool
	offloads *offloadState
}

// offloadState remembers which NIC features Apply turned off so
// Teardown can put them back.
type offloadState struct {
	iface string
	prev  map[string]bool
}

func New(cfg Config) *Diverter {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Diverter{cfg: cfg, log: logger.WithComponent("divert")}
}

// CollectPorts gathers the port set elements rules reference, split
// by protocol, deduplicated in rule order. Port strings were already
// validated by config compilation.
func CollectPorts(rules []config.Rule) (tcp, udp []string) {
	seenTCP := make(map[string]bool)
	seenUDP := make(map[string]bool)
	for i := range rules {
		r := &rules[i]
		for _, el := range strings.Split(r.Ports, ",") {
			el = strings.TrimSpace(el)
			if el == "" {
				continue
			}
			switch r.Protocol {
			case "tcp":
				if !seenTCP[el] {
					seenTCP[el] = true
					tcp = append(tcp, el)
				}
			case "udp":
				if !seenUDP[el] {
					seenUDP[el] = true
					udp = append(udp, el)
				}
			}
		}
	}
	return tcp, udp
}

// SetPorts replaces the diverted port sets. Takes effect on the next
// Apply; a reload that changes rule ports calls this and then Apply
// to converge the installed table.
func (d *Diverter) SetPorts(tcp, udp []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg.TCPPorts = tcp
	d.cfg.UDPPorts = udp
}

// Script renders the full nftables script for this configuration.
// Applying it twice is safe: chains are flushed before rules are
// re-added, so a reload converges instead of accumulating.
func (d *Diverter) Script() string {
	sb := newScriptBuilder("inet", TableName)
	sb.addTable("slipwire dpi desync")
	sb.addChain("postrouting", "filter", "postrouting", -150, "accept")
	if d.cfg.SYNACK {
		sb.addChain("prerouting", "filter", "prerouting", -150, "accept")
	}

	// Reinjected decoys and segments carry the mark; without this
	// guard they would loop straight back into the queue.
	if d.cfg.Mark != 0 {
		sb.addRule("postrouting",
			fmt.Sprintf("meta mark & 0x%x != 0 counter accept", d.cfg.Mark),
			"reinjected, leave alone")
	}
	if len(d.cfg.TCPPorts) > 0 {
		sb.addRule("postrouting",
			fmt.Sprintf("tcp dport { %s } counter queue num %d bypass",
				strings.Join(d.cfg.TCPPorts, ", "), d.cfg.Queue),
			"outbound tcp to engine")
	}
	if len(d.cfg.UDPPorts) > 0 {
		sb.addRule("postrouting",
			fmt.Sprintf("udp dport { %s } counter queue num %d bypass",
				strings.Join(d.cfg.UDPPorts, ", "), d.cfg.Queue),
			"outbound udp to engine")
	}
	if d.cfg.SYNACK && len(d.cfg.TCPPorts) > 0 {
		sb.addRule("prerouting",
			fmt.Sprintf("tcp sport { %s } tcp flags & (syn | ack) == syn | ack counter queue num %d bypass",
				strings.Join(d.cfg.TCPPorts, ", "), d.cfg.Queue),
			"server synack for ttl inference")
	}
	return sb.build()
}

// scriptBuilder assembles nft script lines in definition order:
// table, chains, chain flushes, rules. The flushes make repeated
// application idempotent; "add chain" is a no-op for existing chains
// but "add rule" appends.
type scriptBuilder struct {
	family string
	table  string

	tables     []string
	chains     []string
	chainOrder []string
	rules      map[string][]string
}

func newScriptBuilder(family, table string) *scriptBuilder {
	return &scriptBuilder{
		family: family,
		table:  table,
		rules:  make(map[string][]string),
	}
}

func (sb *scriptBuilder) addTable(comment string) {
	sb.tables = append(sb.tables,
		fmt.Sprintf("add table %s %s { comment %q; }", sb.family, sb.table, comment))
}

func (sb *scriptBuilder) addChain(name, typeName, hook string, priority int, policy string) {
	sb.chains = append(sb.chains,
		fmt.Sprintf("add chain %s %s %s { type %s hook %s priority %d; policy %s; }",
			sb.family, sb.table, name, typeName, hook, priority, policy))
	sb.chainOrder = append(sb.chainOrder, name)
}

func (sb *scriptBuilder) addRule(chain, rule, comment string) {
	if comment != "" {
		rule += fmt.Sprintf(" comment %q", comment)
	}
	sb.rules[chain] = append(sb.rules[chain],
		fmt.Sprintf("add rule %s %s %s %s", sb.family, sb.table, chain, rule))
}

func (sb *scriptBuilder) build() string {
	var lines []string
	lines = append(lines, sb.tables...)
	lines = append(lines, sb.chains...)
	for _, chain := range sb.chainOrder {
		lines = append(lines, fmt.Sprintf("flush chain %s %s %s", sb.family, sb.table, chain))
	}
	for _, chain := range sb.chainOrder {
		lines = append(lines, sb.rules[chain]...)
	}
	return strings.Join(lines, "\n") + "\n"
}
