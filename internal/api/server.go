// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api serves the local control plane: status, the rule chain
// with hit counters, tracked connections, engine counters, reload, a
// websocket event stream, and Prometheus metrics. It binds loopback
// by default and carries no authentication; anything that can reach
// the socket already runs on the box.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/slipwire/internal/brand"
	"grimm.is/slipwire/internal/errors"
	"grimm.is/slipwire/internal/geo"
	"grimm.is/slipwire/internal/inject"
	"grimm.is/slipwire/internal/logging"
	"grimm.is/slipwire/internal/metrics"
	"grimm.is/slipwire/internal/nfq"
	"grimm.is/slipwire/internal/rules"
	"grimm.is/slipwire/internal/state"
)

const shutdownTimeout = 5 * time.Second

// Engine is the pipeline view the API serves. Satisfied by
// *nfq.Engine.
type Engine interface {
	Stats() nfq.Stats
	Connections() []nfq.ConnInfo
	Rules() *rules.RuleSet
}

// InjectorInfo exposes the injector counters. Satisfied by
// *inject.Injector.
type InjectorInfo interface {
	Stats() inject.Stats
}

// Config carries the server address and the surfaces it reads.
// Engine is required; everything else degrades to absent fields or
// erroring endpoints.
type Config struct {
	Listen string

	Engine   Engine
	Injector InjectorInfo
	Reload   func() error
	Metrics  *metrics.Metrics
	Geo      *geo.DB
	State    *state.Store

	Logger *logging.Logger
}

// Server is the control-plane HTTP server.
type Server struct {
	cfg     Config
	log     *logging.Logger
	router  *mux.Router
	httpSrv *http.Server
	ln      net.Listener
	hub     *Hub
	reg     *prometheus.Registry
	started time.Time
}

// NewServer wires the routes. Start binds the listener.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New(errors.KindValidation, "api: engine is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	reg := prometheus.NewRegistry()
	if cfg.Metrics != nil {
		if err := cfg.Metrics.Register(reg); err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "api: registering metrics")
		}
	}

	s := &Server{
		cfg:     cfg,
		log:     logger.WithComponent("api"),
		router:  mux.NewRouter(),
		hub:     NewHub(logger),
		reg:     reg,
		started: time.Now(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/rules", s.handleRules).Methods("GET")
	api.HandleFunc("/connections", s.handleConnections).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/reload", s.handleReload).Methods("POST")
	api.HandleFunc("/events", s.handleEvents).Methods("GET")
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	api.HandleFunc("/hops", s.handleHops).Methods("GET")
	api.HandleFunc("/probes", s.handleProbes).Methods("GET")

	s.router.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})).Methods("GET")
}

// Router returns the handler, used directly by tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Events returns the hub; the run layer hands it to the engine as its
// event sink.
func (s *Server) Events() *Hub {
	return s.hub
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	addr := s.cfg.Listen
	if addr == "" {
		addr = "127.0.0.1:9083"
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "api: binding %s", addr)
	}
	s.ln = ln

	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := s.httpSrv.Serve(ln); err != http.ErrServerClosed {
			s.log.Error("API server stopped", "err", err)
		}
	}()

	s.log.Info("Control API listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, empty before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop disconnects event subscribers and shuts the server down.
func (s *Server) Stop() error {
	s.hub.Close()
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

// StatusResponse is the GET /status payload.
type StatusResponse struct {
	Name             string        `json:"name"`
	Version          string        `json:"version"`
	StartedAt        time.Time     `json:"started_at"`
	Uptime           string        `json:"uptime"`
	RulesGeneration  uint64        `json:"rules_generation"`
	RulesLoadedAt    time.Time     `json:"rules_loaded_at"`
	RuleCount        int           `json:"rule_count"`
	Engine           nfq.Stats     `json:"engine"`
	Injector         *inject.Stats `json:"injector,omitempty"`
	GeoIP            *geo.Stats    `json:"geoip,omitempty"`
	EventSubscribers int           `json:"event_subscribers"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rs := s.cfg.Engine.Rules()
	resp := StatusResponse{
		Name:             brand.Name,
		Version:          brand.Version,
		StartedAt:        s.started,
		Uptime:           time.Since(s.started).Round(time.Second).String(),
		RulesGeneration:  rs.Generation,
		RulesLoadedAt:    rs.LoadedAt,
		RuleCount:        rs.Len(),
		Engine:           s.cfg.Engine.Stats(),
		EventSubscribers: s.hub.Subscribers(),
	}
	if s.cfg.Injector != nil {
		st := s.cfg.Injector.Stats()
		resp.Injector = &st
	}
	if s.cfg.Geo != nil {
		st := s.cfg.Geo.Stats()
		resp.GeoIP = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	rs := s.cfg.Engine.Rules()
	out := make([]rules.FilterStats, 0, rs.Len())
	for _, f := range rs.Filters() {
		out = append(out, f.Stats())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"generation": rs.Generation,
		"loaded_at":  rs.LoadedAt,
		"rules":      out,
	})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	conns := s.cfg.Engine.Connections()
	sort.Slice(conns, func(i, j int) bool { return conns[i].LastSeen.After(conns[j].LastSeen) })
	writeJSON(w, http.StatusOK, map[string]any{
		"count":       len(conns),
		"connections": conns,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"engine": s.cfg.Engine.Stats(),
	}
	if s.cfg.Injector != nil {
		resp["injector"] = s.cfg.Injector.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Reload == nil {
		writeError(w, http.StatusServiceUnavailable, "reload is not available")
		return
	}
	if err := s.cfg.Reload(); err != nil {
		s.log.Warn("Reload rejected", "err", err)
		status := http.StatusInternalServerError
		if errors.GetKind(err) == errors.KindValidation {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "reloaded",
		"generation": s.cfg.Engine.Rules().Generation,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"healthy": true,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleHops(w http.ResponseWriter, r *http.Request) {
	if s.cfg.State == nil {
		writeError(w, http.StatusNotFound, "state store is not configured")
		return
	}
	entries, err := s.cfg.State.HopDistances()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(entries),
		"entries": entries,
	})
}

func (s *Server) handleProbes(w http.ResponseWriter, r *http.Request) {
	if s.cfg.State == nil {
		writeError(w, http.StatusNotFound, "state store is not configured")
		return
	}
	domain := r.URL.Query().Get("domain")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	probes, err := s.cfg.State.ProbeHistory(domain, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(probes),
		"probes": probes,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
