// Copyright 2026 The Synapse Authors
// SPDX-License-Identifier: Apache-2.0

// Package synlog is the daemon's file logging sink. It wraps a slog
// TextHandler over an append-opened log file in the host log directory.
//
// The sink initializes lazily: the log file is only opened once session
// identity is known, so the file carries the profile it belongs to from
// its first line. Records logged before initialization are buffered in
// memory (bounded) and flushed on Init.
package synlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// maxBufferedRecords bounds the pre-initialization buffer. A daemon
// whose identity never resolves must not grow memory without bound;
// beyond the cap the oldest records are discarded.
const maxBufferedRecords = 256

// logFileName is the log file within the configured directory.
const logFileName = "host_client.log"

// record is one buffered log entry awaiting initialization.
type record struct {
	browser   bool
	level     slog.Level
	message   string
	timestamp string
	when      time.Time
}

// Sink is the file logging collaborator. Safe for concurrent use.
type Sink struct {
	mu        sync.Mutex
	directory string
	file      *os.File
	logger    *slog.Logger
	buffered  []record
}

// New creates an uninitialized Sink writing under directory.
func New(directory string) *Sink {
	return &Sink{directory: directory}
}

// Ready reports whether the log file is open.
func (s *Sink) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logger != nil
}

// Init opens the log file and flushes buffered records. Idempotent:
// subsequent calls are no-ops. profileID tags every record; pass
// "unknown_worker" when identity never resolved.
func (s *Sink) Init(profileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logger != nil {
		return nil
	}

	if err := os.MkdirAll(s.directory, 0755); err != nil {
		return fmt.Errorf("synlog: creating log directory: %w", err)
	}
	path := filepath.Join(s.directory, logFileName)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("synlog: opening log file: %w", err)
	}

	s.file = file
	s.logger = slog.New(slog.NewTextHandler(file, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})).With("profile_id", profileID)

	for _, buffered := range s.buffered {
		s.emitLocked(buffered)
	}
	s.buffered = nil
	return nil
}

// Native logs a record produced by the host itself.
func (s *Sink) Native(level slog.Level, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatchLocked(record{level: level, message: message, when: time.Now()})
}

// Browser logs a record forwarded by the extension (a LOG message).
// level is the extension's textual level; timestamp is the extension's
// own clock reading, preserved as an attribute because browser and host
// clocks drift.
func (s *Sink) Browser(level, message, timestamp string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatchLocked(record{
		browser:   true,
		level:     ParseLevel(level),
		message:   message,
		timestamp: timestamp,
		when:      time.Now(),
	})
}

// Close closes the log file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = nil
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// dispatchLocked emits or buffers one record. Caller holds s.mu.
func (s *Sink) dispatchLocked(r record) {
	if s.logger != nil {
		s.emitLocked(r)
		return
	}
	if len(s.buffered) >= maxBufferedRecords {
		s.buffered = s.buffered[1:]
	}
	s.buffered = append(s.buffered, r)
}

// emitLocked writes one record to the slog logger. Caller holds s.mu.
func (s *Sink) emitLocked(r record) {
	attrs := []any{"logged_at", r.when.Format(time.RFC3339Nano)}
	if r.browser {
		attrs = append(attrs, "source", "browser")
		if r.timestamp != "" {
			attrs = append(attrs, "browser_time", r.timestamp)
		}
	} else {
		attrs = append(attrs, "source", "host")
	}
	s.logger.Log(context.Background(), r.level, r.message, attrs...)
}

// ParseLevel maps the extension's textual log levels onto slog levels.
// Unrecognized levels map to Info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
