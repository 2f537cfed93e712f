// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"grimm.is/slipwire/internal/logging"
	"grimm.is/slipwire/internal/nfq"
)

const (
	// subBuffer is the per-subscriber event backlog. A subscriber that
	// falls further behind loses events rather than stalling the
	// packet workers.
	subBuffer = 64

	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// Hub fans engine events out to websocket subscribers. It satisfies
// nfq.EventSink; Emit never blocks.
type Hub struct {
	log *logging.Logger

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool

	dropped uint64
}

type subscriber struct {
	ch   chan nfq.Event
	quit chan struct{}
}

// NewHub returns an empty hub.
func NewHub(logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{
		log:  logger.WithComponent("events"),
		subs: make(map[*subscriber]struct{}),
	}
}

// Emit delivers an event to every subscriber, dropping it for any
// subscriber whose buffer is full.
func (h *Hub) Emit(ev nfq.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			h.dropped++
		}
	}
}

// Subscribers returns the number of connected event streams.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber. Emit afterwards is a no-op.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		close(sub.quit)
		delete(h.subs, sub)
	}
}

func (h *Hub) subscribe() *subscriber {
	sub := &subscriber{
		ch:   make(chan nfq.Event, subBuffer),
		quit: make(chan struct{}),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.quit)
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
	}
}

// The API binds loopback; browser origin checks do not apply to a
// local control socket.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleEvents upgrades to a websocket and streams engine events as
// JSON until the client goes away or the server shuts down.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.Close()

	sub := s.hub.subscribe()
	defer s.hub.unsubscribe(sub)

	s.log.Debug("event subscriber connected", "remote", r.RemoteAddr)

	// Reads are discarded; the pump exists to notice the peer closing.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev := <-sub.ch:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-sub.quit:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(wsWriteWait))
			return
		case <-readDone:
			return
		}
	}
}
