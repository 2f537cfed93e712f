// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides structured, leveled logging for all slipwire
// components. It wraps log/slog with component scoping and an optional
// syslog mirror. Text output goes to terminals, JSON everywhere else.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"golang.org/x/term"
)

// Level controls the minimum severity that gets emitted.
type Level int

const (
	LevelDebug Level = iota - 1
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) slog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel maps a config string to a Level. Unknown strings mean info.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Config controls logger construction.
type Config struct {
	Output io.Writer
	Level  Level
	JSON   bool
	Syslog SyslogConfig
}

// DefaultConfig returns stderr logging at info level. JSON is chosen
// automatically when stderr is not a terminal.
func DefaultConfig() Config {
	return Config{
		Output: os.Stderr,
		Level:  LevelInfo,
		JSON:   !term.IsTerminal(int(os.Stderr.Fd())),
	}
}

// Logger is a leveled, component-scoped logger. The zero value is not
// usable; obtain one from New, Default, or WithComponent.
type Logger struct {
	s *slog.Logger
}

// New creates a Logger from cfg. A nil Output falls back to stderr.
// If syslog is enabled and reachable, records are mirrored there.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	if cfg.Syslog.Enabled {
		if w, err := NewSyslogWriter(cfg.Syslog); err == nil {
			out = io.MultiWriter(out, w)
		}
		// A dead syslog target must not take local logging down with it.
	}

	opts := &slog.HandlerOptions{Level: cfg.Level.slog()}
	var h slog.Handler
	if cfg.JSON {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	return &Logger{s: slog.New(h)}
}

// WithComponent returns a logger tagged with a component name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{s: l.s.With("component", name)}
}

// WithError returns a logger with the error attached to every record.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{s: l.s.With("error", err)}
}

// WithFields returns a logger with the given fields attached.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{s: l.s.With(args...)}
}

func (l *Logger) Debug(msg string, args ...any) { l.s.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.s.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.s.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.s.Error(msg, args...) }

// Enabled reports whether records at the given level would be emitted.
func (l *Logger) Enabled(level Level) bool {
	return l.s.Enabled(context.Background(), level.slog())
}

var defaultLogger atomic.Pointer[Logger]

func init() {
	defaultLogger.Store(New(DefaultConfig()))
}

// Default returns the process-wide logger.
func Default() *Logger {
	return defaultLogger.Load()
}

// SetDefault replaces the process-wide logger.
func SetDefault(l *Logger) {
	if l != nil {
		defaultLogger.Store(l)
	}
}

// WithComponent returns the default logger scoped to a component.
func WithComponent(name string) *Logger {
	return Default().WithComponent(name)
}

func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
