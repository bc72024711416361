// Copyright 2026 The Synapse Authors
// SPDX-License-Identifier: Apache-2.0

// Package chunk reassembles oversized payloads that the extension splits
// into header, data, and footer pieces to stay under the frame size
// limit. Pieces are keyed by a sender-chosen message ID; the footer
// carries a SHA-256 checksum of the whole payload.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bloom-foundation/synapse/lib/clock"
)

// DefaultMaxActiveBuffers bounds the number of in-flight chunked
// transfers. A misbehaving sender cannot grow the table without bound.
const DefaultMaxActiveBuffers = 15

// Chunk type discriminators carried in the envelope's "type" field.
const (
	TypeHeader = "header"
	TypeData   = "data"
	TypeFooter = "footer"
)

// Envelope is the inner object of a bloom_chunk message.
type Envelope struct {
	// Type is "header", "data", or "footer".
	Type string `json:"type"`

	// MessageID keys the in-flight transfer this piece belongs to.
	MessageID string `json:"message_id"`

	// TotalChunks is the number of data pieces announced by the header.
	TotalChunks int `json:"total_chunks,omitempty"`

	// TotalSizeBytes is the decoded payload size announced by the
	// header, used as a buffer pre-sizing hint.
	TotalSizeBytes int `json:"total_size_bytes,omitempty"`

	// Data is the base64-encoded payload slice of a data piece.
	Data string `json:"data,omitempty"`

	// ChecksumVerify is the hex SHA-256 of the full payload, carried by
	// the footer.
	ChecksumVerify string `json:"checksum_verify,omitempty"`
}

// Result classifies the outcome of processing one chunk.
type Result int

const (
	// Incomplete means the chunk was accepted and the transfer is
	// still in flight.
	Incomplete Result = iota

	// CompleteValid means the footer arrived and the checksum matched;
	// the reassembled payload accompanies this result.
	CompleteValid

	// CompleteInvalidChecksum means the footer arrived but the
	// checksum did not match; the buffered transfer was discarded.
	CompleteInvalidChecksum

	// ChunkError means the chunk was rejected: unknown message ID,
	// duplicate header, buffer table at capacity, chunk-count
	// mismatch, or unrecognized type.
	ChunkError
)

// String returns the result name for logging.
func (r Result) String() string {
	switch r {
	case Incomplete:
		return "incomplete"
	case CompleteValid:
		return "complete_valid"
	case CompleteInvalidChecksum:
		return "complete_invalid_checksum"
	default:
		return "chunk_error"
	}
}

// partialMessage is one in-flight chunked transfer.
type partialMessage struct {
	buffer         []byte
	totalChunks    int
	receivedChunks int
	expectedSize   int
	created        time.Time
}

// Reassembler buffers in-flight chunked transfers. All operations are
// mutually exclusive: chunk arrival interleaves across messages, so the
// whole table sits behind one mutex.
type Reassembler struct {
	mu        sync.Mutex
	active    map[string]*partialMessage
	maxActive int
	clock     clock.Clock
	logger    *slog.Logger
}

// NewReassembler creates a Reassembler bounded at maxActive concurrent
// transfers. maxActive <= 0 selects DefaultMaxActiveBuffers. A nil
// clk selects the real clock.
func NewReassembler(maxActive int, clk clock.Clock, logger *slog.Logger) *Reassembler {
	if maxActive <= 0 {
		maxActive = DefaultMaxActiveBuffers
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reassembler{
		active:    make(map[string]*partialMessage),
		maxActive: maxActive,
		clock:     clk,
		logger:    logger,
	}
}

// ProcessChunk consumes one chunk envelope. On CompleteValid the second
// return value is the reassembled payload; it is nil for every other
// result.
func (r *Reassembler) ProcessChunk(envelope Envelope) (Result, []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch envelope.Type {
	case TypeHeader:
		if _, exists := r.active[envelope.MessageID]; exists {
			r.logger.Warn("duplicate chunk header",
				"message_id", envelope.MessageID,
			)
			return ChunkError, nil
		}
		if len(r.active) >= r.maxActive {
			r.logger.Warn("chunk buffer table at capacity",
				"message_id", envelope.MessageID,
				"active_buffers", len(r.active),
			)
			return ChunkError, nil
		}
		size := envelope.TotalSizeBytes
		if size < 0 {
			size = 0
		}
		r.active[envelope.MessageID] = &partialMessage{
			buffer:       make([]byte, 0, size),
			totalChunks:  envelope.TotalChunks,
			expectedSize: size,
			created:      r.clock.Now(),
		}
		return Incomplete, nil

	case TypeData:
		partial, exists := r.active[envelope.MessageID]
		if !exists {
			return ChunkError, nil
		}
		partial.buffer = append(partial.buffer, decodeBase64Lenient(envelope.Data)...)
		partial.receivedChunks++
		return Incomplete, nil

	case TypeFooter:
		partial, exists := r.active[envelope.MessageID]
		if !exists {
			return ChunkError, nil
		}
		// The entry is consumed whatever the outcome below.
		delete(r.active, envelope.MessageID)

		if partial.receivedChunks != partial.totalChunks {
			r.logger.Warn("chunk count mismatch",
				"message_id", envelope.MessageID,
				"received", partial.receivedChunks,
				"expected", partial.totalChunks,
			)
			return ChunkError, nil
		}

		digest := sha256.Sum256(partial.buffer)
		computed := hex.EncodeToString(digest[:])
		if !strings.EqualFold(computed, envelope.ChecksumVerify) {
			r.logger.Warn("chunk checksum mismatch",
				"message_id", envelope.MessageID,
				"size", len(partial.buffer),
			)
			return CompleteInvalidChecksum, nil
		}
		return CompleteValid, partial.buffer

	default:
		return ChunkError, nil
	}
}

// ActiveBuffers returns the number of in-flight transfers.
func (r *Reassembler) ActiveBuffers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// SweepExpired removes transfers older than maxAge and returns how many
// were dropped. Abandoned transfers (a sender that never delivers its
// footer) would otherwise pin buffer space until process exit.
func (r *Reassembler) SweepExpired(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.clock.Now().Add(-maxAge)
	removed := 0
	for messageID, partial := range r.active {
		if partial.created.Before(cutoff) {
			delete(r.active, messageID)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Warn("expired abandoned chunk transfers",
			"removed", removed,
			"max_age", maxAge,
		)
	}
	return removed
}

// decodeBase64Lenient decodes base64 the way the extension's historical
// senders require: '=' ends the data, and bytes outside the alphabet
// are skipped rather than treated as errors.
func decodeBase64Lenient(encoded string) []byte {
	decoded := make([]byte, 0, len(encoded)/4*3)
	value := 0
	bits := -8
	for i := 0; i < len(encoded); i++ {
		c := encoded[i]
		if c == '=' {
			break
		}
		index := base64Index(c)
		if index < 0 {
			continue
		}
		value = value<<6 | index
		bits += 6
		if bits >= 0 {
			decoded = append(decoded, byte(value>>bits))
			bits -= 8
		}
	}
	return decoded
}

// base64Index maps a standard-alphabet base64 byte to its 6-bit value,
// or -1 for bytes outside the alphabet.
func base64Index(c byte) int {
	switch {
	case c >= 'A' && c <= 'Z':
		return int(c - 'A')
	case c >= 'a' && c <= 'z':
		return int(c-'a') + 26
	case c >= '0' && c <= '9':
		return int(c-'0') + 52
	case c == '+':
		return 62
	case c == '/':
		return 63
	default:
		return -1
	}
}
