// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package nfq runs the packet pipeline: packets queued by the divert
// rules arrive here, get classified and matched against the rule
// chain, and leave with an accept or drop verdict plus any crafted
// replacements handed to the injector.
//
// One intake goroutine (the kernel queue callback) does the minimal
// parse and dispatches by flow hash to a fixed set of workers. Each
// worker owns its connections outright, so the hot path takes no
// locks. Verdicts fail open throughout: a packet the engine cannot
// decode, match, or desync is accepted unmodified, never dropped and
// never fatal.
package nfq

import (
	"context"
	"io"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/slipwire/internal/config"
	"grimm.is/slipwire/internal/desync"
	"grimm.is/slipwire/internal/errors"
	"grimm.is/slipwire/internal/logging"
	"grimm.is/slipwire/internal/metrics"
	"grimm.is/slipwire/internal/netutil"
	"grimm.is/slipwire/internal/rules"
)

// PacketSender delivers crafted packets back to the wire. Satisfied by
// *inject.Injector.
type PacketSender interface {
	Enqueue(dst netip.Addr, injs []desync.Injection) error
}

// TTLSource learns hop distances from inbound SYNACKs and answers
// per-destination decoy TTLs. Satisfied by *autottl.Estimator.
type TTLSource interface {
	ObserveSYNACK(server netip.Addr, ttl uint8)
	DecoyTTL(server netip.Addr) (uint8, bool)
}

// Event is one notable moment in a flow's life, streamed to API
// subscribers.
type Event struct {
	Time   time.Time `json:"time"`
	Type   string    `json:"type"`
	Conn   string    `json:"conn"`
	Host   string    `json:"host,omitempty"`
	Rule   string    `json:"rule,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// Event types.
const (
	EventMatch   = "match"
	EventDesync  = "desync"
	EventLearned = "learned"
)

// EventSink receives flow events. Emit must not block; the engine
// calls it from packet workers.
type EventSink interface {
	Emit(ev Event)
}

// device issues kernel verdicts. The linux attachment wraps the
// nfqueue handle; tests substitute a recorder.
type device interface {
	Accept(id uint32) error
	Drop(id uint32) error
}

// Config carries the queue parameters and the engine's collaborators.
// Rules and Sender are required; TTL and Events are optional.
type Config struct {
	Queue       uint16
	Mark        uint32
	Workers     int
	Buffer      int
	MaxLen      uint32
	ConnTimeout time.Duration

	Rules  *rules.RuleSet
	Sender PacketSender
	TTL    TTLSource
	Events EventSink

	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Engine owns the workers and the current rule snapshot.
type Engine struct {
	cfg Config
	log *logging.Logger
	met *metrics.Metrics

	rules  atomic.Pointer[rules.RuleSet]
	sender PacketSender
	ttl    TTLSource
	events EventSink

	dev   device
	queue io.Closer

	workers []*worker
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	packets    atomic.Uint64
	bytes      atomic.Uint64
	accepted   atomic.Uint64
	dropped    atomic.Uint64
	failOpen   atomic.Uint64
	decodeErrs atomic.Uint64
	desyncs    atomic.Uint64
	conns      atomic.Int64
}

// New builds an engine around a rule snapshot. Start launches the
// workers; on linux, Attach then opens the kernel queue.
func New(cfg Config) (*Engine, error) {
	if cfg.Rules == nil {
		return nil, errors.New(errors.KindValidation, "nfq: rule set is required")
	}
	if cfg.Sender == nil {
		return nil, errors.New(errors.KindValidation, "nfq: packet sender is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.ConnTimeout <= 0 {
		cfg.ConnTimeout = 90 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New(logging.Config{Output: io.Discard})
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}

	e := &Engine{
		cfg:    cfg,
		log:    cfg.Logger.WithComponent("nfq"),
		met:    cfg.Metrics,
		sender: cfg.Sender,
		ttl:    cfg.TTL,
		events: cfg.Events,
	}
	e.rules.Store(cfg.Rules)

	e.workers = make([]*worker, cfg.Workers)
	for i := range e.workers {
		e.workers[i] = &worker{
			e:     e,
			id:    i,
			jobs:  make(chan job, cfg.Buffer),
			ctl:   make(chan ctlOp, 4),
			conns: make(map[netutil.Tuple]*conn),
		}
	}
	return e, nil
}

// Start launches the worker goroutines. It does not touch the kernel;
// Attach does that on platforms that have the queue.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	for _, w := range e.workers {
		e.wg.Add(1)
		go w.run(e.ctx)
	}
	e.log.Debug("workers started", "workers", len(e.workers), "buffer", e.cfg.Buffer)
}

// Stop closes the kernel queue, stops the workers and abandons
// in-flight packets. Unverdicted packets are released by the kernel
// when the queue closes.
func (e *Engine) Stop() {
	_ = e.Detach()
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Swap installs a freshly built rule chain. In-flight connections
// re-match on their next packet; sniffer state and counters carry
// over, so a flow mid-hello keeps its partial classification.
func (e *Engine) Swap(rs *rules.RuleSet) {
	e.rules.Store(rs)
	e.log.Info("rule chain swapped", "generation", rs.Generation, "rules", rs.Len())
}

// Rules returns the current chain snapshot.
func (e *Engine) Rules() *rules.RuleSet {
	return e.rules.Load()
}

// SetEvents installs the event sink. The sink usually comes from the
// API server's hub, which is built after the engine; call before
// Start, the field is not synchronized.
func (e *Engine) SetEvents(sink EventSink) {
	e.events = sink
}

// HandlePacket is the intake path, called once per queued packet with
// the kernel packet id, the packet mark, and the raw frame starting at
// the IP header. It issues verdicts for everything it does not
// dispatch to a worker.
func (e *Engine) HandlePacket(id uint32, mark uint32, data []byte) {
	e.packets.Add(1)
	e.bytes.Add(uint64(len(data)))
	e.met.PacketsProcessed.Inc()
	e.met.BytesProcessed.Add(float64(len(data)))

	// The divert rules already skip marked packets; this guard keeps a
	// reinjection loop impossible even when they are edited live.
	if e.cfg.Mark != 0 && mark&e.cfg.Mark != 0 {
		e.accept(id)
		return
	}

	var pkt netutil.Packet
	if err := netutil.Decode(data, &pkt); err != nil {
		e.decodeErrs.Add(1)
		e.met.DecodeErrors.Inc()
		e.accept(id)
		return
	}

	if pkt.Proto == netutil.ProtoTCP {
		flags := pkt.TCPFlags()
		if flags&(netutil.FlagSYN|netutil.FlagACK) == netutil.FlagSYN|netutil.FlagACK {
			// Inbound handshake reply. Only queued when autottl wants
			// the server's TTL; never dispatched, the tuple is
			// reversed relative to the flows the workers track.
			if e.ttl != nil {
				e.ttl.ObserveSYNACK(pkt.Tuple.SrcIP, pkt.TTL())
			}
			e.accept(id)
			return
		}
		if len(pkt.Payload()) == 0 && flags&(netutil.FlagSYN|netutil.FlagFIN|netutil.FlagRST) == 0 {
			// Bare ACKs carry nothing a strategy can use.
			e.accept(id)
			return
		}
	}

	w := e.workers[pkt.Tuple.Hash()%uint32(len(e.workers))]
	select {
	case w.jobs <- job{id: id, pkt: pkt}:
	default:
		// Worker saturated. Desync is best effort, delivery is not.
		e.failOpenVerdict(id)
	}
}

// Forget drops the state for one flow, called by the divert layer when
// conntrack reports the flow destroyed. Idle GC is the fallback.
func (e *Engine) Forget(t netutil.Tuple) {
	if e.ctx == nil {
		return
	}
	w := e.workers[t.Hash()%uint32(len(e.workers))]
	select {
	case w.ctl <- ctlOp{forget: &t}:
	case <-e.ctx.Done():
	}
}

// Connections snapshots every tracked flow across all workers.
func (e *Engine) Connections() []ConnInfo {
	if e.ctx == nil {
		return nil
	}
	out := make([]ConnInfo, 0, e.conns.Load())
	for _, w := range e.workers {
		ch := make(chan []ConnInfo, 1)
		select {
		case w.ctl <- ctlOp{snap: ch}:
		case <-e.ctx.Done():
			return out
		}
		select {
		case infos := <-ch:
			out = append(out, infos...)
		case <-e.ctx.Done():
			return out
		}
	}
	return out
}

// Stats is the counter snapshot served by the API.
type Stats struct {
	Packets      uint64 `json:"packets"`
	Bytes        uint64 `json:"bytes"`
	Accepted     uint64 `json:"accepted"`
	Dropped      uint64 `json:"dropped"`
	FailOpen     uint64 `json:"fail_open"`
	DecodeErrors uint64 `json:"decode_errors"`
	Desyncs      uint64 `json:"desyncs"`
	Connections  int64  `json:"connections"`
}

func (e *Engine) Stats() Stats {
	return Stats{
		Packets:      e.packets.Load(),
		Bytes:        e.bytes.Load(),
		Accepted:     e.accepted.Load(),
		Dropped:      e.dropped.Load(),
		FailOpen:     e.failOpen.Load(),
		DecodeErrors: e.decodeErrs.Load(),
		Desyncs:      e.desyncs.Load(),
		Connections:  e.conns.Load(),
	}
}

func (e *Engine) accept(id uint32) {
	e.accepted.Add(1)
	e.met.Verdicts.WithLabelValues("accept").Inc()
	e.setVerdict(id, false)
}

func (e *Engine) drop(id uint32) {
	e.dropped.Add(1)
	e.met.Verdicts.WithLabelValues("drop").Inc()
	e.setVerdict(id, true)
}

// failOpenVerdict accepts a packet the engine wanted to transform but
// could not. Counted apart from plain accepts so saturation shows up.
func (e *Engine) failOpenVerdict(id uint32) {
	e.failOpen.Add(1)
	e.met.Verdicts.WithLabelValues("fail_open").Inc()
	e.setVerdict(id, false)
}

func (e *Engine) setVerdict(id uint32, drop bool) {
	if e.dev == nil {
		return
	}
	var err error
	if drop {
		err = e.dev.Drop(id)
	} else {
		err = e.dev.Accept(id)
	}
	if err != nil {
		e.log.Debug("verdict not delivered", "id", id, "err", err)
	}
}

func (e *Engine) event(ev Event) {
	if e.events == nil {
		return
	}
	ev.Time = time.Now()
	e.events.Emit(ev)
}

// job is one dispatched packet. The payload slice is owned by the
// netlink receive path, which allocates per message; holding it across
// the channel is safe.
type job struct {
	id  uint32
	pkt netutil.Packet
}

// ctlOp is a control-plane request served on the worker's own
// goroutine, keeping the conns map single-owner.
type ctlOp struct {
	forget *netutil.Tuple
	sweep  time.Time
	snap   chan<- []ConnInfo
}

type worker struct {
	e     *Engine
	id    int
	jobs  chan job
	ctl   chan ctlOp
	conns map[netutil.Tuple]*conn
}

func (w *worker) run(ctx context.Context) {
	defer w.e.wg.Done()
	gc := time.NewTicker(w.gcInterval())
	defer gc.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-w.jobs:
			w.process(&j)
		case op := <-w.ctl:
			w.control(op)
		case <-gc.C:
			w.sweep(time.Now())
		}
	}
}

func (w *worker) gcInterval() time.Duration {
	iv := w.e.cfg.ConnTimeout / 4
	if iv < time.Second {
		iv = time.Second
	}
	if iv > 30*time.Second {
		iv = 30 * time.Second
	}
	return iv
}

func (w *worker) control(op ctlOp) {
	if op.forget != nil {
		w.remove(*op.forget)
	}
	if !op.sweep.IsZero() {
		w.sweep(op.sweep)
	}
	if op.snap != nil {
		infos := make([]ConnInfo, 0, len(w.conns))
		for _, c := range w.conns {
			infos = append(infos, c.info())
		}
		op.snap <- infos
	}
}

func (w *worker) sweep(now time.Time) {
	cutoff := now.Add(-w.e.cfg.ConnTimeout)
	for t, c := range w.conns {
		if c.lastSeen.Before(cutoff) {
			w.remove(t)
		}
	}
}

func (w *worker) remove(t netutil.Tuple) {
	if _, ok := w.conns[t]; !ok {
		return
	}
	delete(w.conns, t)
	w.e.conns.Add(-1)
	w.e.met.Connections.Dec()
}

func (w *worker) process(j *job) {
	pkt := &j.pkt
	now := time.Now()

	c := w.conns[pkt.Tuple]
	if c == nil {
		c = newConn(pkt.Tuple, now)
		w.conns[pkt.Tuple] = c
		w.e.conns.Add(1)
		w.e.met.Connections.Inc()
	}
	c.lastSeen = now

	payl := pkt.Payload()
	if pkt.Proto == netutil.ProtoTCP {
		flags := pkt.TCPFlags()
		if flags&netutil.FlagRST != 0 || (flags&netutil.FlagFIN != 0 && len(payl) == 0) {
			w.e.accept(j.id)
			w.remove(pkt.Tuple)
			return
		}
		if flags&netutil.FlagSYN != 0 {
			c.baseSeq = pkt.Seq() + 1
			c.haveSeq = true
			w.e.accept(j.id)
			return
		}
	}
	if len(payl) == 0 {
		w.e.accept(j.id)
		return
	}

	rs := w.e.rules.Load()
	if c.gen != rs.Generation {
		// The chain changed under the flow. The old match no longer
		// binds; counters and sniffer state stay.
		c.gen = rs.Generation
		c.filter = nil
		c.observer = nil
		c.state = stateFresh
	}

	c.packets++
	off := c.streamOff
	if pkt.Proto == netutil.ProtoTCP && c.haveSeq {
		off = int(pkt.Seq() - c.baseSeq)
	}

	w.feed(c, pkt, payl)
	w.observe(c, pkt, payl)
	c.streamOff += len(payl)

	if c.state == stateFresh {
		q := rules.Query{
			Proto:     pkt.Proto,
			DstPort:   pkt.Tuple.DstPort,
			DstIP:     pkt.Tuple.DstIP,
			Host:      c.host(),
			HostFinal: c.sniffDone,
		}
		f, v := rs.Match(q)
		switch v {
		case rules.Matched:
			c.state = stateActive
			c.filter = f
			f.Hits.Add(1)
			w.e.event(Event{Type: EventMatch, Conn: c.tuple.String(), Host: c.host(), Rule: f.Name})
			w.e.log.Debug("flow matched", "conn", c.tuple.String(), "rule", f.Name, "host", c.host())
		case rules.NoMatch:
			c.state = stateBypass
			c.observer = rs.Observer(q)
		case rules.Tentative:
			// The hostname decides and is still in flight. This
			// packet passes; the match resolves on a later one.
			w.e.accept(j.id)
			return
		}
	}

	if c.state != stateActive {
		w.e.accept(j.id)
		return
	}

	spec := c.filter.Spec
	if spec.Cutoff.Enabled() && c.pastCutoff(spec.Cutoff, pkt) {
		w.e.accept(j.id)
		return
	}

	in := desync.Input{
		Packet:    pkt,
		Rule:      spec,
		Fake:      c.filter.Fake,
		Sniff:     c.sniffed,
		StreamOff: off,
	}
	if spec.AutoTTL && w.e.ttl != nil {
		if ttl, ok := w.e.ttl.DecoyTTL(pkt.Tuple.DstIP); ok {
			in.TTL = ttl
		}
	}

	plan := desync.Apply(in)
	if plan.Empty() {
		w.e.accept(j.id)
		return
	}

	if err := w.e.sender.Enqueue(pkt.Tuple.DstIP, plan.Injections); err != nil {
		// The original must go out exactly because its replacements
		// did not.
		w.e.log.Warn("inject enqueue failed, passing original",
			"conn", c.tuple.String(), "err", err)
		w.e.failOpenVerdict(j.id)
		return
	}

	c.desyncs++
	w.e.desyncs.Add(1)
	for _, m := range spec.Methods {
		if m == config.MethodCutoff {
			continue
		}
		w.e.met.DesyncApplied.WithLabelValues(m.String()).Inc()
	}
	if c.desyncs == 1 {
		w.e.event(Event{Type: EventDesync, Conn: c.tuple.String(), Host: c.host(), Rule: c.filter.Name})
	}

	if plan.DropOriginal {
		w.e.drop(j.id)
	} else {
		w.e.accept(j.id)
	}
}

// feed hands the payload to the connection's sniffer unless the bytes
// were already fed. Retransmits reaching the assembler twice would
// corrupt a multi-packet hello.
func (w *worker) feed(c *conn, pkt *netutil.Packet, payl []byte) {
	if c.sniffDone {
		return
	}
	if pkt.Proto == netutil.ProtoTCP {
		seq := pkt.Seq()
		if c.fedAny && int32(seq-c.fedEnd) < 0 {
			return
		}
		c.fedAny = true
		c.fedEnd = seq + uint32(len(payl))
	}
	res, done := c.sniffer.Feed(payl)
	if !done {
		return
	}
	c.sniffDone = true
	c.sniffed = res
	if res != nil {
		w.e.met.Classifications.WithLabelValues(res.Kind.String()).Inc()
	}
}

// observe watches the first outbound data segment for the learning
// list. A retransmission storm on it marks the host failed; progress
// past it marks success. Each flow reports at most once.
func (w *worker) observe(c *conn, pkt *netutil.Packet, payl []byte) {
	if pkt.Proto != netutil.ProtoTCP || c.learned {
		return
	}
	seq := pkt.Seq()
	if !c.haveFirst {
		c.firstSeq = seq
		c.firstEnd = seq + uint32(len(payl))
		c.haveFirst = true
		return
	}

	auto := c.auto()
	host := c.host()

	switch {
	case seq == c.firstSeq:
		c.retx++
		if c.retx < retransThreshold {
			return
		}
		c.learned = true
		if auto == nil || host == "" {
			return
		}
		if auto.RecordFailure(host) {
			w.e.met.AutoAdds.Inc()
			w.e.event(Event{Type: EventLearned, Conn: c.tuple.String(), Host: host,
				Detail: "added to " + auto.Name()})
			w.e.log.Info("domain learned as blocked", "host", host, "list", auto.Name())
		}
	case int32(seq-c.firstEnd) >= 0:
		c.learned = true
		if auto != nil && host != "" {
			auto.RecordSuccess(host)
		}
	}
}
