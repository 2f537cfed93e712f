// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package inject owns the raw-socket send path for crafted packets.
// Injected packets carry the engine's mark so the divert rules skip
// them and they never loop back through the queue.
package inject

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/slipwire/internal/desync"
	"grimm.is/slipwire/internal/errors"
	"grimm.is/slipwire/internal/logging"
	"grimm.is/slipwire/internal/metrics"
)

// rawConn is the platform send path. Packets include their IP header.
type rawConn interface {
	Send(pkt []byte, dst netip.Addr) error
	Close() error
}

// maxConsecutiveFailures turns repeated send errors into a fatal
// backend failure. A single EPERM or ENOBUFS can be transient; eight
// in a row means the socket is gone.
const maxConsecutiveFailures = 8

// Config controls injector construction.
type Config struct {
	// Mark is the fwmark set on the raw sockets. Zero leaves it unset.
	Mark uint32

	// QueueSize bounds the number of waiting injection batches.
	QueueSize int

	// EnqueueTimeout is how long Enqueue blocks on a full queue before
	// reporting failure.
	EnqueueTimeout time.Duration

	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

type batch struct {
	dst  netip.Addr
	injs []desync.Injection
}

// Injector sends crafted packets from a single goroutine, preserving
// per-batch order. Enqueue is safe for concurrent use.
type Injector struct {
	conn    rawConn
	ch      chan batch
	timeout time.Duration
	log     *logging.Logger
	met     *metrics.Metrics

	fatal     chan struct{}
	fatalOnce sync.Once
	fatalErr  error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	consecutive atomic.Uint32
	sent        atomic.Uint64
	sendErrs    atomic.Uint64
	timeouts    atomic.Uint64
}

// New opens the raw sockets and starts the sender.
func New(cfg Config) (*Injector, error) {
	conn, err := newRawConn(cfg.Mark)
	if err != nil {
		return nil, err
	}
	return newWithConn(cfg, conn), nil
}

func newWithConn(cfg Config, conn rawConn) *Injector {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 50 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.WithComponent("inject")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}

	q := &Injector{
		conn:    conn,
		ch:      make(chan batch, cfg.QueueSize),
		timeout: cfg.EnqueueTimeout,
		log:     cfg.Logger,
		met:     cfg.Metrics,
		fatal:   make(chan struct{}),
		closed:  make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Enqueue hands a batch of crafted packets to the sender. On a full
// queue it blocks up to the enqueue timeout, then returns an error and
// the caller keeps the original packet on its normal path.
func (q *Injector) Enqueue(dst netip.Addr, injs []desync.Injection) error {
	if len(injs) == 0 {
		return nil
	}
	select {
	case <-q.fatal:
		return q.fatalErr
	case <-q.closed:
		return errors.New(errors.KindUnavailable, "injector is closed")
	default:
	}

	b := batch{dst: dst, injs: injs}
	select {
	case q.ch <- b:
		q.met.QueueDepth.Inc()
		return nil
	default:
	}

	t := time.NewTimer(q.timeout)
	defer t.Stop()
	select {
	case q.ch <- b:
		q.met.QueueDepth.Inc()
		return nil
	case <-t.C:
		q.timeouts.Add(1)
		q.met.EnqueueTimeouts.Inc()
		return errors.New(errors.KindTimeout, "injector queue full")
	case <-q.closed:
		return errors.New(errors.KindUnavailable, "injector is closed")
	}
}

func (q *Injector) run() {
	defer q.wg.Done()
	for {
		select {
		case b := <-q.ch:
			q.met.QueueDepth.Dec()
			q.sendBatch(b)
		case <-q.closed:
			return
		}
	}
}

func (q *Injector) sendBatch(b batch) {
	for _, inj := range b.injs {
		if err := q.conn.Send(inj.Data, b.dst); err != nil {
			q.sendErrs.Add(1)
			q.met.InjectErrors.Inc()
			q.log.Error("raw send failed", "dst", b.dst.String(), "bytes", len(inj.Data), "error", err)
			if q.consecutive.Add(1) >= maxConsecutiveFailures {
				q.fail(errors.Wrap(err, errors.KindUnavailable, "injection backend failing persistently"))
				return
			}
			continue
		}
		q.consecutive.Store(0)
		q.sent.Add(1)
		q.met.InjectedPackets.Inc()
		if inj.Delay > 0 {
			time.Sleep(inj.Delay)
		}
	}
}

func (q *Injector) fail(err error) {
	q.fatalOnce.Do(func() {
		q.fatalErr = err
		close(q.fatal)
	})
}

// Fatal returns a channel closed when the backend has failed for good.
// The process should exit non-zero; desync silently not happening is
// worse than a visible crash.
func (q *Injector) Fatal() <-chan struct{} { return q.fatal }

// Err returns the fatal error, nil while the backend is healthy.
func (q *Injector) Err() error {
	select {
	case <-q.fatal:
		return q.fatalErr
	default:
		return nil
	}
}

// Close stops the sender and closes the sockets. In-flight batches
// that were not yet picked up are abandoned.
func (q *Injector) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	q.wg.Wait()
	return q.conn.Close()
}

// Stats is a snapshot for the status api.
type Stats struct {
	Sent     uint64 `json:"sent"`
	Errors   uint64 `json:"errors"`
	Timeouts uint64 `json:"timeouts"`
	Queued   int    `json:"queued"`
}

func (q *Injector) Stats() Stats {
	return Stats{
		Sent:     q.sent.Load(),
		Errors:   q.sendErrs.Load(),
		Timeouts: q.timeouts.Load(),
		Queued:   len(q.ch),
	}
}
