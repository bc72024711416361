// Copyright 2026 The Synapse Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// SyncWriter serializes frame writes to a shared stream. The extension's
// standard output is written by several sources concurrently (forwarded
// backend traffic, handshake replies, error replies), and interleaved
// writes would corrupt the framing, so every write goes through one
// mutex.
type SyncWriter struct {
	mu    sync.Mutex
	w     io.Writer
	codec Codec
}

// NewSyncWriter wraps w with the given codec.
func NewSyncWriter(w io.Writer, codec Codec) *SyncWriter {
	return &SyncWriter{w: w, codec: codec}
}

// Write frames and writes one payload.
func (s *SyncWriter) Write(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.codec.WriteFrame(s.w, payload); err != nil {
		return err
	}
	if flusher, ok := s.w.(interface{ Flush() error }); ok {
		if err := flusher.Flush(); err != nil {
			return fmt.Errorf("wire: flush frame: %w", err)
		}
	}
	return nil
}

// WriteJSON marshals v and writes it as one frame.
func (s *SyncWriter) WriteJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: marshal frame payload: %w", err)
	}
	return s.Write(payload)
}
