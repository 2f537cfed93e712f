// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package geo resolves destination addresses to ISO 3166 country codes
// from a MaxMind mmdb database. Rules carrying a countries list consult
// it through the match path; without a database those rules simply
// never match.
package geo

import (
	"net"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"github.com/oschwald/geoip2-golang"

	"grimm.is/slipwire/internal/errors"
	"grimm.is/slipwire/internal/logging"
)

// DB wraps an open country database. The underlying reader is
// mmap-backed and safe for concurrent lookups, so one DB serves every
// worker without locking.
type DB struct {
	reader *geoip2.Reader
	path   string
	dbType string
	built  time.Time
	log    *logging.Logger

	lookups atomic.Uint64
	misses  atomic.Uint64
}

// Open maps the database at path. GeoLite2-Country and the paid
// Country and City editions all work; anything answering a country
// record does.
func Open(path string, logger *logging.Logger) (*DB, error) {
	if logger == nil {
		logger = logging.Default()
	}

	reader, err := geoip2.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(err, errors.KindNotFound, "geoip database %s not found", path)
		}
		return nil, errors.Wrapf(err, errors.KindValidation, "opening geoip database %s", path)
	}

	md := reader.Metadata()
	db := &DB{
		reader: reader,
		path:   path,
		dbType: md.DatabaseType,
		built:  time.Unix(int64(md.BuildEpoch), 0),
		log:    logger.WithComponent("geo"),
	}
	db.log.Info("GeoIP database loaded",
		"path", path,
		"type", db.dbType,
		"built", db.built.Format(time.DateOnly))
	return db, nil
}

// Country returns the two-letter code for addr. ok is false for
// addresses the database does not cover, which includes private
// ranges. A nil receiver answers false, so an unconfigured geoip
// block degrades to country rules that never match.
func (db *DB) Country(addr netip.Addr) (string, bool) {
	if db == nil || !addr.IsValid() {
		return "", false
	}
	db.lookups.Add(1)

	rec, err := db.reader.Country(net.IP(addr.Unmap().AsSlice()))
	if err != nil || rec.Country.IsoCode == "" {
		db.misses.Add(1)
		return "", false
	}
	return rec.Country.IsoCode, true
}

// Stats is a point-in-time snapshot for the status API.
type Stats struct {
	Path    string    `json:"path"`
	Type    string    `json:"type"`
	Built   time.Time `json:"built"`
	Lookups uint64    `json:"lookups"`
	Misses  uint64    `json:"misses"`
}

func (db *DB) Stats() Stats {
	if db == nil {
		return Stats{}
	}
	return Stats{
		Path:    db.path,
		Type:    db.dbType,
		Built:   db.built,
		Lookups: db.lookups.Load(),
		Misses:  db.misses.Load(),
	}
}

// Close unmaps the database. Lookups in flight on other goroutines
// must have finished.
func (db *DB) Close() error {
	if db == nil {
		return nil
	}
	return db.reader.Close()
}
