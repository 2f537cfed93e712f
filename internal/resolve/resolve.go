// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package resolve materializes hostlists into ipset files. UDP desync
// rules cannot see a hostname on the wire before the first packet, so
// domain-keyed lists for those rules are resolved ahead of time and the
// addresses written to an ipset file the rule references instead.
// Wildcard list entries have no single resolvable form and are skipped.
package resolve

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"grimm.is/slipwire/internal/brand"
	"grimm.is/slipwire/internal/errors"
	"grimm.is/slipwire/internal/hostlist"
	"grimm.is/slipwire/internal/logging"
)

const (
	defaultTimeout = 3 * time.Second
	defaultWorkers = 8
)

// resolvConf is the system resolver list consulted when no servers are
// configured.
var resolvConf = "/etc/resolv.conf"

// fallbackServers are used when resolv.conf is unreadable or empty.
var fallbackServers = []string{"1.1.1.1:53", "8.8.8.8:53"}

// Config controls a Resolver.
type Config struct {
	// Servers are upstream resolvers as "ip" or "ip:port". Empty
	// reads the system resolv.conf.
	Servers []string

	// Timeout bounds a single exchange. Default 3s.
	Timeout time.Duration

	// Workers caps concurrent lookups in ResolveAll. Default 8.
	Workers int

	// Retries is the number of extra passes over the server list
	// after the first fails. Default 1.
	Retries int

	// IPv6 adds AAAA queries alongside A.
	IPv6 bool

	Logger *logging.Logger
}

// Resolver answers domain lookups against a fixed server list.
type Resolver struct {
	servers []string
	timeout time.Duration
	workers int
	retries int
	ipv6    bool
	log     *logging.Logger
}

// New builds a Resolver, reading resolv.conf when cfg.Servers is
// empty.
func New(cfg Config) *Resolver {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	log := logger.WithComponent("resolve")

	servers := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		servers = append(servers, normalizeServer(s))
	}
	if len(servers) == 0 {
		servers = systemServers(log)
	}

	r := &Resolver{
		servers: servers,
		timeout: cfg.Timeout,
		workers: cfg.Workers,
		retries: cfg.Retries,
		ipv6:    cfg.IPv6,
		log:     log,
	}
	if r.timeout <= 0 {
		r.timeout = defaultTimeout
	}
	if r.workers <= 0 {
		r.workers = defaultWorkers
	}
	if r.retries < 0 {
		r.retries = 0
	}
	return r
}

// normalizeServer appends :53 to bare addresses. IPv6 literals parse
// as addresses, so the naive "contains a colon" check is not enough.
func normalizeServer(s string) string {
	if addr, err := netip.ParseAddr(s); err == nil {
		return net.JoinHostPort(addr.String(), "53")
	}
	return s
}

func systemServers(log *logging.Logger) []string {
	cc, err := dns.ClientConfigFromFile(resolvConf)
	if err != nil || len(cc.Servers) == 0 {
		log.Warn("No system resolvers found, using public fallbacks", "path", resolvConf)
		return append([]string(nil), fallbackServers...)
	}
	out := make([]string, 0, len(cc.Servers))
	for _, s := range cc.Servers {
		out = append(out, net.JoinHostPort(s, cc.Port))
	}
	return out
}

// Servers returns the normalized upstream list.
func (r *Resolver) Servers() []string {
	return append([]string(nil), r.servers...)
}

// Lookup resolves one domain to its addresses. A and (when enabled)
// AAAA are queried separately; a name that exists without addresses
// returns an empty slice and no error.
func (r *Resolver) Lookup(ctx context.Context, domain string) ([]netip.Addr, error) {
	qtypes := []uint16{dns.TypeA}
	if r.ipv6 {
		qtypes = append(qtypes, dns.TypeAAAA)
	}

	var addrs []netip.Addr
	var lastErr error
	for _, qt := range qtypes {
		res, err := r.query(ctx, domain, qt)
		if err != nil {
			// NXDOMAIN applies to the name, not the record
			// type; no point asking again for AAAA.
			if errors.GetKind(err) == errors.KindNotFound {
				return nil, err
			}
			lastErr = err
			continue
		}
		addrs = append(addrs, res...)
	}
	if len(addrs) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return addrs, nil
}

func (r *Resolver) query(ctx context.Context, domain string, qtype uint16) ([]netip.Addr, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), qtype)

	var lastErr error
	for attempt := 0; attempt <= r.retries; attempt++ {
		for _, server := range r.servers {
			resp, err := r.exchange(ctx, m, server)
			if err != nil {
				lastErr = errors.Wrapf(err, errors.KindUnavailable, "querying %s via %s", domain, server)
				if ctx.Err() != nil {
					return nil, lastErr
				}
				continue
			}
			switch resp.Rcode {
			case dns.RcodeSuccess:
				return answers(resp), nil
			case dns.RcodeNameError:
				return nil, errors.Errorf(errors.KindNotFound, "%s does not exist (NXDOMAIN from %s)", domain, server)
			default:
				lastErr = errors.Errorf(errors.KindUnavailable, "%s: %s from %s", domain, dns.RcodeToString[resp.Rcode], server)
			}
		}
	}
	return nil, lastErr
}

// exchange sends one query over UDP, retrying over TCP when the
// response comes back truncated.
func (r *Resolver) exchange(ctx context.Context, m *dns.Msg, server string) (*dns.Msg, error) {
	c := new(dns.Client)
	c.Timeout = r.timeout

	c.Net = "udp"
	resp, _, err := c.ExchangeContext(ctx, m, server)
	if err == nil && resp != nil && resp.Truncated {
		c.Net = "tcp"
		resp, _, err = c.ExchangeContext(ctx, m, server)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func answers(resp *dns.Msg) []netip.Addr {
	var out []netip.Addr
	for _, rr := range resp.Answer {
		switch v := rr.(type) {
		case *dns.A:
			if ip := v.A.To4(); ip != nil {
				if a, ok := netip.AddrFromSlice(ip); ok {
					out = append(out, a)
				}
			}
		case *dns.AAAA:
			if a, ok := netip.AddrFromSlice(v.AAAA); ok {
				out = append(out, a.Unmap())
			}
		}
	}
	return out
}

// Result is the outcome of one domain lookup.
type Result struct {
	Domain string       `json:"domain"`
	Addrs  []netip.Addr `json:"addrs,omitempty"`
	Err    error        `json:"-"`
}

// ResolveAll looks up every domain through a bounded worker pool.
// Results keep the input order; per-domain failures land in the
// Result, not in an error return.
func (r *Resolver) ResolveAll(ctx context.Context, domains []string) []Result {
	results := make([]Result, len(domains))

	workers := r.workers
	if workers > len(domains) {
		workers = len(domains)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				addrs, err := r.Lookup(ctx, domains[i])
				results[i] = Result{Domain: domains[i], Addrs: addrs, Err: err}
			}
		}()
	}

feed:
	for i := range domains {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		for i := range results {
			if results[i].Domain == "" {
				results[i] = Result{Domain: domains[i], Err: errors.Wrap(err, errors.KindTimeout, "lookup cancelled")}
			}
		}
	}
	return results
}

// WriteIPSet writes the successfully resolved addresses to path in
// ipset file format (one address per line, # comments), atomically via
// temp file + rename so a watcher never reads a half-written list.
// Returns the number of addresses written.
func WriteIPSet(path string, results []Result) (int, error) {
	seen := make(map[netip.Addr]struct{})
	var addrs []netip.Addr
	resolved := 0
	for _, res := range results {
		if res.Err != nil || len(res.Addrs) == 0 {
			continue
		}
		resolved++
		for _, a := range res.Addrs {
			a = a.Unmap()
			if _, ok := seen[a]; ok {
				continue
			}
			seen[a] = struct{}{}
			addrs = append(addrs, a)
		}
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Compare(addrs[j]) < 0 })

	var b strings.Builder
	fmt.Fprintf(&b, "# generated by %s resolve, %d addresses from %d domains\n", brand.Name, len(addrs), resolved)
	for _, a := range addrs {
		b.WriteString(a.String())
		b.WriteByte('\n')
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return 0, errors.Wrapf(err, errors.KindInternal, "writing ipset %s", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, errors.Wrapf(err, errors.KindInternal, "writing ipset %s", path)
	}
	return len(addrs), nil
}

// Materialize loads a hostlist, resolves its exact entries, and writes
// the ipset file. Wildcard entries are skipped with a warning; domains
// that fail to resolve are logged and left out rather than failing the
// whole run.
func (r *Resolver) Materialize(ctx context.Context, listPath, outPath string) (int, error) {
	set, err := hostlist.Load(listPath)
	if err != nil {
		return 0, err
	}

	domains := set.Domains()
	if skipped := set.Len() - len(domains); skipped > 0 {
		r.log.Warn("Wildcard entries cannot be resolved", "list", listPath, "skipped", skipped)
	}
	if len(domains) == 0 {
		return 0, errors.Errorf(errors.KindValidation, "hostlist %s has no resolvable entries", listPath)
	}

	start := time.Now()
	results := r.ResolveAll(ctx, domains)

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			r.log.Debug("Lookup failed", "domain", res.Domain, "error", res.Err)
		}
	}
	if failed == len(results) {
		// Every single lookup failing is an upstream problem, not
		// a list problem; keep the old file instead of emptying it.
		return 0, errors.Errorf(errors.KindUnavailable, "all %d lookups failed, upstreams %s", failed, strings.Join(r.servers, ", "))
	}

	n, err := WriteIPSet(outPath, results)
	if err != nil {
		return 0, err
	}

	r.log.Info("Hostlist materialized",
		"list", listPath,
		"out", outPath,
		"domains", len(domains),
		"failed", failed,
		"addresses", n,
		"elapsed", time.Since(start).Round(time.Millisecond).String(),
	)
	return n, nil
}
