// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package state persists what should survive a restart: learned hop
// distances for autottl, domains the autohostlist picked up, and probe
// run history. One SQLite file, small tables, no migrations beyond
// CREATE IF NOT EXISTS.
package state

import (
	"database/sql"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/slipwire/internal/errors"
	"grimm.is/slipwire/internal/logging"
)

// Store is the persistence handle. Safe for concurrent use; SQLite
// serializes writers and busy_timeout absorbs the contention.
type Store struct {
	db   *sql.DB
	path string
	log  *logging.Logger
}

// Open opens or creates the database at path, creating parent
// directories as needed.
func Open(path string, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, errors.KindPermission, "creating state directory %s", dir)
		}
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "opening state db %s", path)
	}

	s := &Store{db: db, path: path, log: logger.WithComponent("state")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, errors.KindInternal, "initializing state schema in %s", path)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS hop_distance (
		server TEXT PRIMARY KEY,
		hops INTEGER NOT NULL,
		updated_at INTEGER NOT NULL -- Unix timestamp
	);
	CREATE TABLE IF NOT EXISTS learned_hosts (
		host TEXT NOT NULL,
		list TEXT NOT NULL,
		added_at INTEGER NOT NULL,
		PRIMARY KEY (host, list)
	);
	CREATE TABLE IF NOT EXISTS probe_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		domain TEXT NOT NULL,
		strategy TEXT NOT NULL,
		success BOOLEAN NOT NULL,
		latency_ms INTEGER DEFAULT 0,
		ran_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_probe_domain ON probe_history(domain, ran_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// HopDistance returns the persisted hop estimate for server. The
// second return is false when no row exists.
func (s *Store) HopDistance(server netip.Addr) (uint8, bool) {
	var hops int
	err := s.db.QueryRow(
		"SELECT hops FROM hop_distance WHERE server = ?",
		server.Unmap().String(),
	).Scan(&hops)
	if err != nil {
		if err != sql.ErrNoRows {
			s.log.WithError(err).Warn("Hop distance read failed", "server", server)
		}
		return 0, false
	}
	if hops <= 0 || hops > 255 {
		return 0, false
	}
	return uint8(hops), true
}

// SetHopDistance upserts the hop estimate for server. Errors are
// logged, not returned: the caller is the packet path and an estimate
// that fails to persist is still served from memory.
func (s *Store) SetHopDistance(server netip.Addr, hops uint8) {
	_, err := s.db.Exec(`
		INSERT INTO hop_distance (server, hops, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(server) DO UPDATE SET hops = excluded.hops, updated_at = excluded.updated_at
	`, server.Unmap().String(), hops, time.Now().Unix())
	if err != nil {
		s.log.WithError(err).Warn("Hop distance write failed", "server", server)
	}
}

// HopDistances returns every persisted estimate, newest first.
func (s *Store) HopDistances() ([]HopEntry, error) {
	rows, err := s.db.Query("SELECT server, hops, updated_at FROM hop_distance ORDER BY updated_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HopEntry
	for rows.Next() {
		var e HopEntry
		var server string
		var ts int64
		if err := rows.Scan(&server, &e.Hops, &ts); err != nil {
			return nil, err
		}
		addr, err := netip.ParseAddr(server)
		if err != nil {
			continue
		}
		e.Server = addr
		e.UpdatedAt = time.Unix(ts, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// HopEntry is one persisted hop-distance estimate.
type HopEntry struct {
	Server    netip.Addr `json:"server"`
	Hops      uint8      `json:"hops"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// RecordLearnedHost mirrors an autohostlist addition. Wired as the
// list's OnAdd hook; the file append already happened, so failures
// here only cost history and are logged.
func (s *Store) RecordLearnedHost(list, host string) {
	_, err := s.db.Exec(`
		INSERT INTO learned_hosts (host, list, added_at) VALUES (?, ?, ?)
		ON CONFLICT(host, list) DO NOTHING
	`, host, list, time.Now().Unix())
	if err != nil {
		s.log.WithError(err).Warn("Learned host write failed", "host", host)
	}
}

// LearnedHost is one autohostlist addition with its origin list.
type LearnedHost struct {
	Host    string    `json:"host"`
	List    string    `json:"list"`
	AddedAt time.Time `json:"added_at"`
}

// LearnedHosts returns mirrored additions, newest first.
func (s *Store) LearnedHosts(limit int) ([]LearnedHost, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		"SELECT host, list, added_at FROM learned_hosts ORDER BY added_at DESC, host LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LearnedHost
	for rows.Next() {
		var h LearnedHost
		var ts int64
		if err := rows.Scan(&h.Host, &h.List, &ts); err != nil {
			return nil, err
		}
		h.AddedAt = time.Unix(ts, 0)
		out = append(out, h)
	}
	return out, rows.Err()
}

// ProbeResult is one strategy candidate run against one domain.
type ProbeResult struct {
	Domain   string        `json:"domain"`
	Strategy string        `json:"strategy"`
	Success  bool          `json:"success"`
	Latency  time.Duration `json:"latency"`
	RanAt    time.Time     `json:"ran_at"`
}

// RecordProbe appends a probe outcome. A zero RanAt means now.
func (s *Store) RecordProbe(p ProbeResult) error {
	ranAt := p.RanAt
	if ranAt.IsZero() {
		ranAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO probe_history (domain, strategy, success, latency_ms, ran_at)
		VALUES (?, ?, ?, ?, ?)
	`, p.Domain, p.Strategy, p.Success, p.Latency.Milliseconds(), ranAt.Unix())
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "recording probe result")
	}
	return nil
}

// ProbeHistory returns past runs for domain, newest first. Empty
// domain returns runs across all domains.
func (s *Store) ProbeHistory(domain string, limit int) ([]ProbeResult, error) {
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT domain, strategy, success, latency_ms, ran_at FROM probe_history"
	var args []interface{}
	if domain != "" {
		query += " WHERE domain = ?"
		args = append(args, domain)
	}
	query += " ORDER BY ran_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProbeResult
	for rows.Next() {
		var p ProbeResult
		var ms, ts int64
		if err := rows.Scan(&p.Domain, &p.Strategy, &p.Success, &ms, &ts); err != nil {
			return nil, err
		}
		p.Latency = time.Duration(ms) * time.Millisecond
		p.RanAt = time.Unix(ts, 0)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Cleanup drops hop estimates and probe runs older than retention.
// Learned hosts are kept; the hostlist file is their source of truth
// and pruning history behind it would only confuse.
func (s *Store) Cleanup(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()

	var total int64
	res, err := s.db.Exec("DELETE FROM hop_distance WHERE updated_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	res, err = s.db.Exec("DELETE FROM probe_history WHERE ran_at < ?", cutoff)
	if err != nil {
		return total, err
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}
	return total, nil
}
