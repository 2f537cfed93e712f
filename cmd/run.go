// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"grimm.is/slipwire/internal/api"
	"grimm.is/slipwire/internal/autottl"
	"grimm.is/slipwire/internal/brand"
	"grimm.is/slipwire/internal/config"
	"grimm.is/slipwire/internal/divert"
	"grimm.is/slipwire/internal/geo"
	"grimm.is/slipwire/internal/hostlist"
	"grimm.is/slipwire/internal/inject"
	"grimm.is/slipwire/internal/install"
	"grimm.is/slipwire/internal/logging"
	"grimm.is/slipwire/internal/metrics"
	"grimm.is/slipwire/internal/nfq"
	"grimm.is/slipwire/internal/rules"
	"grimm.is/slipwire/internal/state"
	"grimm.is/slipwire/internal/supervisor"
)

// stateRetention bounds how long hop distances, learned hosts, and
// probe history survive without being refreshed.
const stateRetention = 30 * 24 * time.Hour

// RunDaemon runs the engine in the foreground until a signal stops
// it. The start command forks this as a child; systemd units invoke
// it directly. SIGHUP reloads rules and lists in place; queue, api,
// and state settings need a restart.
func RunDaemon(configFile string) error {
	if configFile == "" {
		configFile = install.ConfigFile()
	}

	cfg, findings, err := config.LoadAndValidate(configFile)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logCfg := logging.Config{
		Level: logging.ParseLevel(cfg.Log.Level),
		JSON:  cfg.Log.JSON,
	}
	if cfg.Log.Syslog != nil {
		logCfg.Syslog = *cfg.Log.Syslog
	}
	log := logging.New(logCfg)
	logging.SetDefault(log)
	for _, f := range findings {
		log.Warn("Config warning", "field", f.Field, "detail", f.Message)
	}

	if err := SetProcessName(brand.Name); err != nil {
		log.WithError(err).Debug("Process rename failed")
	}

	if pid, err := readPID(); err == nil && pid != os.Getpid() && processAlive(pid) {
		return fmt.Errorf("%s is already running (PID %d)", brand.Name, pid)
	}
	removePID, err := writePIDFile()
	if err != nil {
		return err
	}
	defer removePID()

	// Crash-loop protection: repeated abnormal exits flip the next
	// boot into safe mode, which skips the divert rules so a broken
	// engine cannot blackhole the host's traffic.
	sup := supervisor.New(filepath.Dir(cfg.State.Path), supervisor.Config{})
	safeMode := sup.SafeMode() && !supervisor.Interactive()
	defer func() {
		if r := recover(); r != nil {
			_ = sup.Record(2, 0, true)
			panic(r)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	met := metrics.New()

	store, err := state.Open(cfg.State.Path, log)
	if err != nil {
		log.WithError(err).Warn("State store unavailable, persistence disabled", "path", cfg.State.Path)
		store = nil
	} else {
		defer store.Close()
		if n, err := store.Cleanup(stateRetention); err != nil {
			log.WithError(err).Debug("State cleanup failed")
		} else if n > 0 {
			log.Debug("State store cleaned", "rows", n)
		}
	}

	var geoDB *geo.DB
	if cfg.GeoIP != nil && cfg.GeoIP.Database != "" {
		geoDB, err = geo.Open(cfg.GeoIP.Database, log)
		if err != nil {
			return fmt.Errorf("geoip: %w", err)
		}
		defer geoDB.Close()
	}

	var auto *hostlist.AutoList
	if cfg.AutoHostlist.Enabled {
		auto, err = hostlist.NewAuto(cfg.AutoHostlist.Path, cfg.AutoHostlist.Threshold, cfg.AutoHostlist.WindowDuration(), log)
		if err != nil {
			return fmt.Errorf("autohostlist: %w", err)
		}
		auto.OnAdd(func(domain string) {
			met.AutoAdds.Inc()
			if store != nil {
				store.RecordLearnedHost(auto.Name(), domain)
			}
		})
	}

	var generation atomic.Uint64
	buildRules := func(c *config.Config) (*rules.RuleSet, error) {
		var lookup rules.CountryLookup
		if geoDB != nil {
			lookup = geoDB
		}
		rs, err := rules.Build(c, rules.BuildOptions{
			Geo:        lookup,
			Auto:       auto,
			Generation: generation.Add(1),
			Logger:     log,
		})
		if err != nil {
			return nil, err
		}
		publishListSizes(met, rs)
		return rs, nil
	}

	rs, err := buildRules(cfg)
	if err != nil {
		return fmt.Errorf("rules: %w", err)
	}

	injector, err := inject.New(inject.Config{
		Mark:    cfg.Queue.Mark,
		Logger:  log,
		Metrics: met,
	})
	if err != nil {
		return fmt.Errorf("injector: %w", err)
	}
	defer injector.Close()

	needTTL := cfg.AutoTTL.Enabled
	for i := range cfg.Rules {
		if cfg.Rules[i].AutoTTL {
			needTTL = true
		}
	}
	var estimator *autottl.Estimator
	if needTTL {
		acfg := autottl.Config{
			Delta:     cfg.AutoTTL.Delta,
			Min:       cfg.AutoTTL.Min,
			Max:       cfg.AutoTTL.Max,
			Calibrate: cfg.AutoTTL.Calibrate,
			Logger:    log,
			Metrics:   met,
		}
		if store != nil {
			acfg.Store = store
		}
		estimator = autottl.New(acfg)
	}

	ecfg := nfq.Config{
		Queue:       cfg.Queue.Number,
		Mark:        cfg.Queue.Mark,
		Workers:     cfg.Queue.Workers,
		Buffer:      cfg.Queue.Buffer,
		MaxLen:      cfg.Queue.MaxLen,
		ConnTimeout: cfg.Queue.ConnTimeoutDuration(),
		Rules:       rs,
		Sender:      injector,
		Logger:      log,
		Metrics:     met,
	}
	if estimator != nil {
		ecfg.TTL = estimator
	}
	engine, err := nfq.New(ecfg)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	// Reload plumbing. The diverter and list watcher are created
	// below but the reload closure needs to reach them, and the API
	// server needs the closure before the diverter exists.
	var (
		reloadMu    sync.Mutex
		div         *divert.Diverter
		watchCancel context.CancelFunc
		watched     = sortedCopy(rs.ListPaths())
		curTCP      []string
		curUDP      []string
	)

	var reload func() error

	armWatcher := func(paths []string) error {
		if watchCancel != nil {
			watchCancel()
			watchCancel = nil
		}
		if len(paths) == 0 {
			return nil
		}
		w, err := hostlist.NewWatcher(paths, func(path string) {
			log.Info("List changed on disk, reloading", "path", path)
			if err := reload(); err != nil {
				log.WithError(err).Error("Reload failed, previous rules stay active")
			}
		}, log)
		if err != nil {
			return err
		}
		wctx, wcancel := context.WithCancel(ctx)
		watchCancel = wcancel
		w.Start(wctx)
		return nil
	}

	reload = func() error {
		reloadMu.Lock()
		defer reloadMu.Unlock()

		next, findings, err := config.LoadAndValidate(configFile)
		if err != nil {
			met.ReloadErrors.Inc()
			return fmt.Errorf("config: %w", err)
		}
		for _, f := range findings {
			log.Warn("Config warning", "field", f.Field, "detail", f.Message)
		}

		nrs, err := buildRules(next)
		if err != nil {
			met.ReloadErrors.Inc()
			return fmt.Errorf("rules: %w", err)
		}
		engine.Swap(nrs)

		if div != nil && !safeMode {
			tcp, udp := divert.CollectPorts(next.Rules)
			if !slices.Equal(tcp, curTCP) || !slices.Equal(udp, curUDP) {
				div.SetPorts(tcp, udp)
				if err := div.Apply(); err != nil {
					met.ReloadErrors.Inc()
					return fmt.Errorf("divert: %w", err)
				}
				curTCP, curUDP = tcp, udp
			}
		}

		if npaths := sortedCopy(nrs.ListPaths()); !slices.Equal(npaths, watched) {
			if err := armWatcher(npaths); err != nil {
				log.WithError(err).Warn("List watcher unavailable after reload")
			} else {
				watched = npaths
			}
		}

		met.Reloads.Inc()
		log.Info("Rules reloaded", "rules", nrs.Len(), "generation", nrs.Generation)
		return nil
	}

	var srv *api.Server
	if cfg.API.Enabled {
		srv = api.NewServer(api.Config{
			Listen:   cfg.API.Listen,
			Engine:   engine,
			Injector: injector,
			Reload:   reload,
			Metrics:  met,
			Geo:      geoDB,
			State:    store,
			Logger:   log,
		})
		engine.SetEvents(srv.Events())
	}

	engine.Start(ctx)
	if err := engine.Attach(ctx); err != nil {
		engine.Stop()
		return fmt.Errorf("nfqueue attach: %w", err)
	}
	defer engine.Stop()

	curTCP, curUDP = divert.CollectPorts(cfg.Rules)
	div = divert.New(divert.Config{
		Queue:        cfg.Queue.Number,
		Mark:         cfg.Queue.Mark,
		TCPPorts:     curTCP,
		UDPPorts:     curUDP,
		SYNACK:       estimator != nil,
		Interface:    cfg.Queue.Interface,
		KeepOffloads: cfg.Queue.KeepOffloads,
		Logger:       log,
	})
	if safeMode {
		log.Warn("Safe mode after repeated crashes: divert rules not installed, traffic passes untouched",
			"hint", "fix the config and restart to leave safe mode")
	} else {
		if err := div.Apply(); err != nil {
			return fmt.Errorf("divert: %w", err)
		}
		defer div.Teardown()
		go func() {
			if err := div.WatchConntrack(ctx, engine.Forget); err != nil {
				log.WithError(err).Debug("Conntrack watcher unavailable, idle GC covers cleanup")
			}
		}()
	}

	if err := armWatcher(watched); err != nil {
		log.WithError(err).Warn("List watcher unavailable, SIGHUP still reloads")
	}

	if srv != nil {
		if err := srv.Start(); err != nil {
			return fmt.Errorf("api: %w", err)
		}
		defer srv.Stop()
	}

	clearTimer := sup.ClearAfter(supervisor.DefaultWindow)
	defer clearTimer.Stop()

	log.Info("Engine running",
		"version", brand.Version,
		"queue", cfg.Queue.Number,
		"workers", cfg.Queue.Workers,
		"rules", rs.Len(),
		"safe_mode", safeMode)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				log.Info("Reload requested")
				if err := reload(); err != nil {
					log.WithError(err).Error("Reload failed, previous rules stay active")
				}
				continue
			}
			log.Info("Shutting down", "signal", sig)
			s, _ := sig.(syscall.Signal)
			_ = sup.Record(0, s, false)
			return nil

		case <-injector.Fatal():
			err := injector.Err()
			log.WithError(err).Error("Injection backend failed")
			_ = sup.Record(1, 0, false)
			return fmt.Errorf("injection backend failed: %w", err)
		}
	}
}

// publishListSizes refreshes the per-list entry gauges after a chain
// build. Stale labels from removed lists keep their last value until
// restart; the gauge is advisory.
func publishListSizes(met *metrics.Metrics, rs *rules.RuleSet) {
	for _, f := range rs.Filters() {
		st := f.Stats()
		for _, l := range st.Hostlists {
			met.HostlistEntries.WithLabelValues(l.Name).Set(float64(l.Entries))
		}
		for _, l := range st.Ipsets {
			met.HostlistEntries.WithLabelValues(l.Name).Set(float64(l.Entries))
		}
	}
}

func sortedCopy(in []string) []string {
	out := slices.Clone(in)
	slices.Sort(out)
	return out
}
