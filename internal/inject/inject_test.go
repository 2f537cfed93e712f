// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package inject

import (
	"bytes"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"testing"
	"time"

	"grimm.is/slipwire/internal/desync"
	"grimm.is/slipwire/internal/errors"
	"grimm.is/slipwire/internal/logging"
)

type sentRec struct {
	pkt []byte
	dst netip.Addr
}

type fakeConn struct {
	mu     sync.Mutex
	failN  int           // fail this many sends, then succeed
	always bool          // fail every send
	gate   chan struct{} // when non-nil, Send blocks until closed
	recs   chan sentRec
}

func (f *fakeConn) Send(pkt []byte, dst netip.Addr) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	fail := f.always || f.failN > 0
	if f.failN > 0 {
		f.failN--
	}
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("socket gone")
	}
	if f.recs != nil {
		f.recs <- sentRec{pkt: pkt, dst: dst}
	}
	return nil
}

func (f *fakeConn) Close() error { return nil }

func quietConfig() Config {
	return Config{
		QueueSize:      8,
		EnqueueTimeout: 20 * time.Millisecond,
		Logger:         logging.New(logging.Config{Output: io.Discard}),
	}
}

var dst = netip.MustParseAddr("93.184.216.34")

func TestEnqueueSendsInOrder(t *testing.T) {
	conn := &fakeConn{recs: make(chan sentRec, 8)}
	q := newWithConn(quietConfig(), conn)
	defer q.Close()

	injs := []desync.Injection{
		{Data: []byte("one")},
		{Data: []byte("two")},
	}
	if err := q.Enqueue(dst, injs); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	for _, want := range []string{"one", "two"} {
		select {
		case rec := <-conn.recs:
			if !bytes.Equal(rec.pkt, []byte(want)) {
				t.Errorf("sent %q, want %q", rec.pkt, want)
			}
			if rec.dst != dst {
				t.Errorf("dst = %v, want %v", rec.dst, dst)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("send did not happen")
		}
	}
	if st := q.Stats(); st.Sent != 2 || st.Errors != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestEnqueueEmptyIsNoop(t *testing.T) {
	conn := &fakeConn{recs: make(chan sentRec, 1)}
	q := newWithConn(quietConfig(), conn)
	defer q.Close()

	if err := q.Enqueue(dst, nil); err != nil {
		t.Fatalf("Enqueue(nil): %v", err)
	}
	select {
	case rec := <-conn.recs:
		t.Fatalf("unexpected send %q", rec.pkt)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestEnqueueTimesOutWhenFull(t *testing.T) {
	gate := make(chan struct{})
	conn := &fakeConn{gate: gate}
	cfg := quietConfig()
	cfg.QueueSize = 1
	cfg.EnqueueTimeout = 50 * time.Millisecond
	q := newWithConn(cfg, conn)

	one := []desync.Injection{{Data: []byte("x")}}
	// First batch is picked up by the sender and parks on the gate;
	// the second fills the queue slot.
	if err := q.Enqueue(dst, one); err != nil {
		t.Fatalf("Enqueue 1: %v", err)
	}
	if err := q.Enqueue(dst, one); err != nil {
		t.Fatalf("Enqueue 2: %v", err)
	}

	err := q.Enqueue(dst, one)
	if err == nil {
		t.Fatal("Enqueue on a full queue did not fail")
	}
	if errors.GetKind(err) != errors.KindTimeout {
		t.Errorf("kind = %v, want timeout", errors.GetKind(err))
	}
	if st := q.Stats(); st.Timeouts != 1 {
		t.Errorf("timeouts = %d, want 1", st.Timeouts)
	}

	close(gate)
	q.Close()
}

func TestPersistentFailureIsFatal(t *testing.T) {
	conn := &fakeConn{always: true}
	q := newWithConn(quietConfig(), conn)
	defer q.Close()

	injs := make([]desync.Injection, maxConsecutiveFailures)
	for i := range injs {
		injs[i] = desync.Injection{Data: []byte{byte(i)}}
	}
	if err := q.Enqueue(dst, injs); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case <-q.Fatal():
	case <-time.After(2 * time.Second):
		t.Fatal("backend never went fatal")
	}
	err := q.Err()
	if err == nil {
		t.Fatal("Err() = nil after fatal")
	}
	if !errors.IsFatal(err) {
		t.Errorf("error %v is not classified fatal", err)
	}
	if got := q.Enqueue(dst, injs[:1]); got == nil {
		t.Error("Enqueue after fatal did not fail")
	}
}

func TestTransientFailuresRecover(t *testing.T) {
	conn := &fakeConn{failN: maxConsecutiveFailures - 1, recs: make(chan sentRec, 1)}
	q := newWithConn(quietConfig(), conn)
	defer q.Close()

	injs := make([]desync.Injection, maxConsecutiveFailures)
	for i := range injs {
		injs[i] = desync.Injection{Data: []byte{byte(i)}}
	}
	if err := q.Enqueue(dst, injs); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case <-conn.recs:
	case <-time.After(2 * time.Second):
		t.Fatal("final send never succeeded")
	}
	if q.Err() != nil {
		t.Errorf("transient failures went fatal: %v", q.Err())
	}
	if st := q.Stats(); st.Errors != maxConsecutiveFailures-1 || st.Sent != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestEnqueueAfterClose(t *testing.T) {
	conn := &fakeConn{}
	q := newWithConn(quietConfig(), conn)
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	err := q.Enqueue(dst, []desync.Injection{{Data: []byte("x")}})
	if err == nil {
		t.Fatal("Enqueue after Close did not fail")
	}
	if errors.GetKind(err) != errors.KindUnavailable {
		t.Errorf("kind = %v, want unavailable", errors.GetKind(err))
	}
}
