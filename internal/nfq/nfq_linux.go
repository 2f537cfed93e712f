// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package nfq

import (
	"context"
	"net"
	"os"
	"strings"
	"time"

	"github.com/florianl/go-nfqueue/v2"
	"golang.org/x/sys/unix"

	"grimm.is/slipwire/internal/errors"
)

type nfqDevice struct {
	nf *nfqueue.Nfqueue
}

func (d *nfqDevice) Accept(id uint32) error { return d.nf.SetVerdict(id, nfqueue.NfAccept) }
func (d *nfqDevice) Drop(id uint32) error   { return d.nf.SetVerdict(id, nfqueue.NfDrop) }

// Attach opens the kernel queue and wires its callback to
// HandlePacket. Call after Start; packets flow until Stop or ctx
// cancellation.
func (e *Engine) Attach(ctx context.Context) error {
	nf, err := nfqueue.Open(&nfqueue.Config{
		NfQueue:      e.cfg.Queue,
		MaxPacketLen: 0xFFFF,
		MaxQueueLen:  e.cfg.MaxLen,
		Copymode:     nfqueue.NfQnlCopyPacket,
		WriteTimeout: 15 * time.Millisecond,
	})
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "open nfqueue %d", e.cfg.Queue)
	}

	fn := func(a nfqueue.Attribute) int {
		if a.PacketID == nil || a.Payload == nil {
			return 0
		}
		var mark uint32
		if a.Mark != nil {
			mark = *a.Mark
		}
		e.HandlePacket(*a.PacketID, mark, *a.Payload)
		return 0
	}
	errFn := func(err error) int {
		if ignorableNetlinkError(err) {
			return 0
		}
		e.log.Error("nfqueue receive", "err", err)
		return 0
	}
	if err := nf.RegisterWithErrorFunc(ctx, fn, errFn); err != nil {
		nf.Close()
		return errors.Wrap(err, errors.KindUnavailable, "register nfqueue handler")
	}

	e.dev = &nfqDevice{nf: nf}
	e.queue = nf
	e.log.Info("nfqueue attached", "queue", e.cfg.Queue, "maxlen", e.cfg.MaxLen)
	return nil
}

// Detach closes the kernel queue. Verdicts issued afterwards are
// dropped on the floor, which is fine: the kernel releases every
// pending packet when the queue goes away.
func (e *Engine) Detach() error {
	if e.queue == nil {
		return nil
	}
	err := e.queue.Close()
	e.queue = nil
	return err
}

// ignorableNetlinkError filters the receive-loop errors that show up
// during normal shutdown or as benign timeouts.
func ignorableNetlinkError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, os.ErrClosed) || errors.Is(err, net.ErrClosed) || errors.Is(err, unix.EBADF) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "use of closed file") || strings.Contains(s, "file descriptor")
}
