// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package autottl measures how many hops away a server sits and turns
// that into per-destination decoy TTLs: high enough to cross the
// inspector, one short of arriving.
//
// The primary source is passive. The divert rules queue inbound
// SYNACKs, whose TTL betrays the sender's distance; the queue intake
// feeds them here before worker dispatch. Active calibration is an
// explicit ICMP round used by the check and probe commands, or fired
// once in the background on a cache miss when enabled. Per-packet
// paths never probe inline.
package autottl

import (
	"context"
	"io"
	"net/netip"
	"sync"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"golang.org/x/time/rate"

	"grimm.is/slipwire/internal/errors"
	"grimm.is/slipwire/internal/logging"
	"grimm.is/slipwire/internal/metrics"
)

// NearestBaseTTL returns the likely initial TTL for an observed value.
// Stacks start at 64, 128 or 255; the wire value sits at or below its
// base, never fewer than zero hops under it.
func NearestBaseTTL(observed uint8) uint8 {
	switch {
	case observed <= 64:
		return 64
	case observed <= 128:
		return 128
	default:
		return 255
	}
}

// HopDistance converts an observed TTL into the hop count between here
// and the sender.
func HopDistance(observed uint8) uint8 {
	return NearestBaseTTL(observed) - observed
}

// Store persists hop distances across restarts. Implemented by the
// state database; both methods must be cheap, ObserveSYNACK runs on
// the queue intake.
type Store interface {
	HopDistance(server netip.Addr) (uint8, bool)
	SetHopDistance(server netip.Addr, hops uint8)
}

// Config tunes the estimator. Zero values take the defaults noted.
type Config struct {
	Delta     int  // hops subtracted for the decoy, default 1
	Min       int  // decoy TTL floor, default 2
	Max       int  // decoy TTL ceiling, default 24
	Calibrate bool // allow a background ICMP round on cache miss

	CacheSize int           // default 4096 destinations
	CacheTTL  time.Duration // default 1h; paths move, estimates expire
	Timeout   time.Duration // per calibration round, default 2s

	Store   Store
	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

type entry struct {
	hops    uint8
	expires time.Time
}

// Estimator caches hop distances per destination and answers decoy
// TTLs. Safe for concurrent use.
type Estimator struct {
	cfg Config
	log *logging.Logger
	met *metrics.Metrics

	mu          sync.Mutex
	cache       map[netip.Addr]entry
	calibrating map[netip.Addr]struct{}

	// probes caps background ICMP emission. Cache misses arrive at
	// packet rate; outbound echo requests must not.
	probes *rate.Limiter
}

func New(cfg Config) *Estimator {
	if cfg.Delta <= 0 {
		cfg.Delta = 1
	}
	if cfg.Min <= 0 {
		cfg.Min = 2
	}
	if cfg.Max <= 0 {
		cfg.Max = 24
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 4096
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New(logging.Config{Output: io.Discard})
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	return &Estimator{
		cfg:         cfg,
		log:         cfg.Logger.WithComponent("autottl"),
		met:         cfg.Metrics,
		cache:       make(map[netip.Addr]entry),
		calibrating: make(map[netip.Addr]struct{}),
		probes:      rate.NewLimiter(rate.Every(time.Second), 4),
	}
}

// ObserveSYNACK learns from an inbound handshake reply.
func (e *Estimator) ObserveSYNACK(server netip.Addr, ttl uint8) {
	e.remember(server, HopDistance(ttl), true)
}

func (e *Estimator) remember(server netip.Addr, hops uint8, persist bool) {
	server = server.Unmap()

	e.mu.Lock()
	prev, had := e.cache[server]
	if !had && len(e.cache) >= e.cfg.CacheSize {
		// Arbitrary eviction keeps the map bounded; hot entries are
		// re-learned from the very next SYNACK.
		for k := range e.cache {
			delete(e.cache, k)
			break
		}
	}
	e.cache[server] = entry{hops: hops, expires: time.Now().Add(e.cfg.CacheTTL)}
	e.mu.Unlock()

	if had && prev.hops == hops {
		return
	}
	if persist && e.cfg.Store != nil {
		e.cfg.Store.SetHopDistance(server, hops)
	}
	e.log.Debug("hop distance updated", "server", server, "hops", hops)
}

// DecoyTTL answers the TTL for a decoy aimed at server. ok is false
// when the path is unknown or no TTL inside [min,max] stays short of
// the server.
func (e *Estimator) DecoyTTL(server netip.Addr) (uint8, bool) {
	server = server.Unmap()

	e.mu.Lock()
	ent, ok := e.cache[server]
	if ok && time.Now().After(ent.expires) {
		delete(e.cache, server)
		ok = false
	}
	e.mu.Unlock()

	if !ok && e.cfg.Store != nil {
		if hops, hit := e.cfg.Store.HopDistance(server); hit {
			ent = entry{hops: hops}
			ok = true
			e.remember(server, hops, false)
		}
	}
	if !ok {
		if e.cfg.Calibrate {
			e.calibrateAsync(server)
		}
		return 0, false
	}
	return e.decoyFor(ent.hops)
}

// Hops returns the cached hop distance for server.
func (e *Estimator) Hops(server netip.Addr) (uint8, bool) {
	server = server.Unmap()
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.cache[server]
	if !ok || time.Now().After(ent.expires) {
		return 0, false
	}
	return ent.hops, true
}

func (e *Estimator) decoyFor(hops uint8) (uint8, bool) {
	if hops == 0 {
		return 0, false
	}
	ttl := int(hops) - e.cfg.Delta
	if ttl < e.cfg.Min {
		ttl = e.cfg.Min
	}
	if ttl > e.cfg.Max {
		ttl = e.cfg.Max
	}
	if ttl >= int(hops) {
		// The clamped decoy would arrive. Worse than no decoy: the
		// server would see the doctored bytes.
		return 0, false
	}
	return uint8(ttl), true
}

func (e *Estimator) calibrateAsync(server netip.Addr) {
	e.mu.Lock()
	if _, busy := e.calibrating[server]; busy {
		e.mu.Unlock()
		return
	}
	// A denied probe stays on the passive path until the next miss.
	if !e.probes.Allow() {
		e.mu.Unlock()
		return
	}
	e.calibrating[server] = struct{}{}
	e.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeout)
		defer cancel()
		if _, err := e.Calibrate(ctx, server); err != nil {
			e.log.Debug("calibration failed", "server", server, "err", err)
		}
		e.mu.Lock()
		delete(e.calibrating, server)
		e.mu.Unlock()
	}()
}

// Calibrate runs one ICMP round and learns the hop distance from the
// reply's TTL. Echo replies leave the same stack as SYNACKs, so the
// two sources agree.
func (e *Estimator) Calibrate(ctx context.Context, server netip.Addr) (uint8, error) {
	ttl, err := pingReplyTTL(ctx, server, e.cfg.Timeout)
	if err != nil {
		return 0, errors.Wrapf(err, errors.KindUnavailable, "icmp round to %s", server)
	}
	hops := HopDistance(ttl)
	e.remember(server, hops, true)
	e.met.TTLCalibrated.Inc()
	return hops, nil
}

// pingReplyTTL is a hook for tests; no CI runner grants raw ICMP.
var pingReplyTTL = func(ctx context.Context, server netip.Addr, timeout time.Duration) (uint8, error) {
	pinger, err := probing.NewPinger(server.String())
	if err != nil {
		return 0, err
	}
	pinger.Count = 1
	pinger.Timeout = timeout
	pinger.SetPrivileged(true)

	var ttl int
	pinger.OnRecv = func(p *probing.Packet) { ttl = p.TTL }
	if err := pinger.RunWithContext(ctx); err != nil {
		return 0, err
	}
	if pinger.Statistics().PacketsRecv == 0 {
		return 0, errors.New(errors.KindTimeout, "no echo reply")
	}
	return uint8(ttl), nil
}
