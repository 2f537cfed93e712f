// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

// SyslogConfig describes an optional remote syslog mirror.
type SyslogConfig struct {
	Enabled  bool   `hcl:"enabled,optional" json:"enabled"`
	Host     string `hcl:"host,optional" json:"host"`
	Port     int    `hcl:"port,optional" json:"port"`     // @default: 514
	Protocol string `hcl:"protocol,optional" json:"protocol"` // @default: udp
	Tag      string `hcl:"tag,optional" json:"tag"`       // @default: slipwire
	Facility int    `hcl:"facility,optional" json:"facility"` // @default: 1 (user)
}

// DefaultSyslogConfig returns the disabled default.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "slipwire",
		Facility: 1,
	}
}

// SyslogWriter forwards each written line as an RFC 3164 message.
// Writes never block logging: a failed dial is retried lazily and
// failed sends are dropped.
type SyslogWriter struct {
	cfg  SyslogConfig
	mu   sync.Mutex
	conn net.Conn
}

// NewSyslogWriter validates cfg, applies defaults, and returns a writer.
// The connection is established lazily on first write.
func NewSyslogWriter(cfg SyslogConfig) (*SyslogWriter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("syslog: host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Protocol != "udp" && cfg.Protocol != "tcp" {
		return nil, fmt.Errorf("syslog: unsupported protocol %q", cfg.Protocol)
	}
	if cfg.Tag == "" {
		cfg.Tag = "slipwire"
	}
	if cfg.Facility == 0 {
		cfg.Facility = 1
	}
	return &SyslogWriter{cfg: cfg}, nil
}

func (w *SyslogWriter) dial() error {
	if w.conn != nil {
		return nil
	}
	addr := net.JoinHostPort(w.cfg.Host, fmt.Sprintf("%d", w.cfg.Port))
	conn, err := net.DialTimeout(w.cfg.Protocol, addr, 3*time.Second)
	if err != nil {
		return err
	}
	w.conn = conn
	return nil
}

// Write implements io.Writer. p is treated as one log line.
func (w *SyslogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.dial(); err != nil {
		return len(p), nil
	}

	// severity 6 (informational); slog already encodes the level in the line
	pri := w.cfg.Facility*8 + 6
	hostname, _ := os.Hostname()
	msg := fmt.Sprintf("<%d>%s %s %s[%d]: %s",
		pri,
		time.Now().Format(time.Stamp),
		hostname,
		w.cfg.Tag,
		os.Getpid(),
		strings.TrimRight(string(p), "\n"))

	if _, err := w.conn.Write([]byte(msg)); err != nil {
		w.conn.Close()
		w.conn = nil
	}
	return len(p), nil
}

// Close closes the underlying connection, if any.
func (w *SyslogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		err := w.conn.Close()
		w.conn = nil
		return err
	}
	return nil
}
