// Copyright 2026 The Synapse Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bloom-foundation/synapse/backend"
	"github.com/bloom-foundation/synapse/chunk"
	"github.com/bloom-foundation/synapse/handshake"
	"github.com/bloom-foundation/synapse/lib/version"
	"github.com/bloom-foundation/synapse/wire"
)

// Error codes reported to the backend in EXTENSION_ERROR messages.
const (
	errorCodeMessageTooLarge  = "MESSAGE_TOO_LARGE"
	errorCodeChecksumMismatch = "CHUNK_CHECKSUM_MISMATCH"
)

// chunkWrapper is the outer shape of a chunked extension message: the
// envelope nests under the "bloom_chunk" key.
type chunkWrapper struct {
	BloomChunk *chunk.Envelope `json:"bloom_chunk"`
}

// systemAckMessage is the reply to SYSTEM_HELLO.
type systemAckMessage struct {
	Type    string           `json:"type"`
	Command string           `json:"command"`
	Payload systemAckPayload `json:"payload"`
}

type systemAckPayload struct {
	Status         string `json:"status"`
	HostVersion    string `json:"host_version"`
	ProfileID      string `json:"profile_id"`
	IdentityMethod string `json:"identity_method"`
}

// extensionErrorMessage reports an extension-side protocol failure to
// the backend.
type extensionErrorMessage struct {
	Type      string `json:"type"`
	ErrorCode string `json:"error_code"`
	ProfileID string `json:"profile_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Size      uint32 `json:"size,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// heartbeatMessage is the periodic status report to the backend.
type heartbeatMessage struct {
	Type               string `json:"type"`
	ProfileID          string `json:"profile_id"`
	Timestamp          int64  `json:"timestamp"`
	MessagesSent       uint64 `json:"messages_sent"`
	MessagesReceived   uint64 `json:"messages_received"`
	QueueDepth         int    `json:"queue_depth"`
	QueueDrops         uint64 `json:"queue_drops"`
	HandshakeState     string `json:"handshake_state"`
	ActiveChunkBuffers int    `json:"active_chunk_buffers"`
	UptimeSeconds      int64  `json:"uptime_seconds"`
}

// handleExtensionPayload routes one frame from the extension. A
// reassembled chunked payload is itself a complete message, so it goes
// back onto a worklist and through the same routing rather than
// recursing.
func (b *Bridge) handleExtensionPayload(ctx context.Context, payload []byte) {
	work := [][]byte{payload}
	for len(work) > 0 {
		current := work[0]
		work = work[1:]

		var message map[string]any
		if err := json.Unmarshal(current, &message); err != nil {
			b.logger().Warn("dropping malformed extension JSON", "error", err)
			continue
		}

		if _, isChunk := message["bloom_chunk"]; isChunk {
			if reassembled, complete := b.processChunk(current); complete {
				work = append(work, reassembled)
			}
			continue
		}

		switch messageType(message) {
		case "extension_ready":
			if b.coordinator.HandleExtensionReady(message) {
				// Confirmation waits on the backend connection; it
				// must not stall the read loop.
				go b.coordinator.ConfirmWhenConnected(ctx)
			}
			continue
		case "SYSTEM_HELLO":
			b.replySystemAck()
			b.sendToBackend(current)
			continue
		case "LOG":
			b.routeBrowserLog(message)
			continue
		}

		// Ordinary traffic still carries identity until it is pinned.
		if _, resolved := b.resolver.Snapshot(); !resolved {
			if !b.resolver.TryExtractStructured(message) {
				b.resolver.TryExtractRaw(current)
			}
		}
		b.sendToBackend(current)
	}
}

// processChunk feeds one chunked message to the reassembler. The second
// return value reports whether a complete, checksum-valid payload came
// back.
func (b *Bridge) processChunk(payload []byte) ([]byte, bool) {
	var wrapper chunkWrapper
	if err := json.Unmarshal(payload, &wrapper); err != nil || wrapper.BloomChunk == nil {
		b.logger().Warn("malformed chunk envelope", "error", err)
		return nil, false
	}
	envelope := *wrapper.BloomChunk

	result, reassembled := b.reassembler.ProcessChunk(envelope)
	switch result {
	case chunk.CompleteValid:
		if len(reassembled) > wire.BackendMaxFrameSize {
			// The backend codec would reject this frame; nothing
			// downstream can carry it.
			b.logger().Warn("reassembled payload exceeds backend frame limit",
				"message_id", envelope.MessageID,
				"size", len(reassembled),
			)
			b.reportExtensionError(errorCodeMessageTooLarge, envelope.MessageID, uint32(len(reassembled)))
			return nil, false
		}
		b.logger().Debug("chunked message reassembled",
			"message_id", envelope.MessageID,
			"size", len(reassembled),
		)
		return reassembled, true
	case chunk.CompleteInvalidChecksum:
		b.reportExtensionError(errorCodeChecksumMismatch, envelope.MessageID, 0)
	case chunk.ChunkError:
		b.logger().Warn("chunk rejected",
			"message_id", envelope.MessageID,
			"chunk_type", envelope.Type,
		)
	}
	return nil, false
}

// sendToBackend delivers one frame to the backend. The link queues on
// its own while disconnected or mid-drain, so the bridge only has
// outcomes to log.
func (b *Bridge) sendToBackend(payload []byte) {
	switch err := b.link.Send(payload); {
	case err == nil:
	case errors.Is(err, backend.ErrNotConnected):
		// Queued; the next connection drains it.
	case errors.Is(err, backend.ErrQueueFull):
		b.logger().Warn("pending queue full, message dropped",
			"depth", b.pending.Depth(),
			"drops", b.pending.Drops(),
		)
	case errors.Is(err, wire.ErrFrameTooLarge):
		b.logger().Warn("message over the backend frame limit dropped",
			"size", len(payload),
		)
	default:
		b.logger().Warn("backend send failed, message requeued", "error", err)
	}
}

// forwardBackendFrame relays one backend frame to the extension. Frames
// arriving before handshake confirmation are dropped: the extension has
// not finished its own setup and replaying stale traffic at it causes
// more harm than the loss.
func (b *Bridge) forwardBackendFrame(payload []byte) {
	if !b.coordinator.Gate() {
		b.logger().Warn("dropping backend frame before handshake confirmation",
			"state", b.coordinator.State(),
		)
		return
	}
	if err := b.writer.Write(payload); err != nil {
		b.logger().Error("writing to extension", "error", err)
	}
}

// replySystemAck answers SYSTEM_HELLO with the host's view of the
// session.
func (b *Bridge) replySystemAck() {
	resolved, ok := b.resolver.Snapshot()
	profileID := resolved.ProfileID
	identityMethod := "late_binding"
	if !ok || profileID == "" {
		profileID = handshake.FallbackProfileID
		identityMethod = "fallback"
	}
	ack := systemAckMessage{
		Type:    "SYSTEM_ACK",
		Command: "system_ready",
		Payload: systemAckPayload{
			Status:         "connected",
			HostVersion:    version.Version,
			ProfileID:      profileID,
			IdentityMethod: identityMethod,
		},
	}
	if err := b.writer.WriteJSON(ack); err != nil {
		b.logger().Error("writing SYSTEM_ACK", "error", err)
	}
}

// routeBrowserLog hands a LOG message to the file sink. LOG traffic
// never reaches the backend.
func (b *Bridge) routeBrowserLog(message map[string]any) {
	level, _ := message["level"].(string)
	text, _ := message["message"].(string)
	timestamp := scalarString(message["timestamp"])
	b.logSink.Browser(level, text, timestamp)
}

// reportExtensionError notifies the backend of an extension-side
// failure. Queued like ordinary traffic when no connection exists.
func (b *Bridge) reportExtensionError(errorCode, messageID string, size uint32) {
	resolved, _ := b.resolver.Snapshot()
	report := extensionErrorMessage{
		Type:      "EXTENSION_ERROR",
		ErrorCode: errorCode,
		ProfileID: resolved.ProfileID,
		MessageID: messageID,
		Size:      size,
		Timestamp: b.Clock.Now().UnixMilli(),
	}
	payload, err := json.Marshal(report)
	if err != nil {
		b.logger().Error("encoding EXTENSION_ERROR", "error", err)
		return
	}
	b.sendToBackend(payload)
}

// sendHeartbeat emits one status message. Only called with a live
// backend connection; a failed send is the link's problem to notice.
func (b *Bridge) sendHeartbeat() {
	resolved, _ := b.resolver.Snapshot()
	profileID := resolved.ProfileID
	if profileID == "" {
		profileID = handshake.FallbackProfileID
	}
	heartbeat := heartbeatMessage{
		Type:               "HEARTBEAT",
		ProfileID:          profileID,
		Timestamp:          b.Clock.Now().UnixMilli(),
		MessagesSent:       b.link.Delivered(),
		MessagesReceived:   b.messagesReceived.Load(),
		QueueDepth:         b.pending.Depth(),
		QueueDrops:         b.pending.Drops(),
		HandshakeState:     b.coordinator.State().String(),
		ActiveChunkBuffers: b.reassembler.ActiveBuffers(),
		UptimeSeconds:      int64(b.Clock.Now().Sub(b.startedAt).Seconds()),
	}
	payload, err := json.Marshal(heartbeat)
	if err != nil {
		b.logger().Error("encoding HEARTBEAT", "error", err)
		return
	}
	if err := b.link.Send(payload); err != nil {
		b.logger().Debug("heartbeat send failed", "error", err)
	}
}

// messageType extracts the routing discriminator: "type" first, then
// "command" for senders that use the older field.
func messageType(message map[string]any) string {
	if value, ok := message["type"].(string); ok {
		return value
	}
	if value, ok := message["command"].(string); ok {
		return value
	}
	return ""
}

// scalarString renders a JSON scalar as a string for log fields.
func scalarString(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case float64:
		if typed == float64(int64(typed)) {
			return fmt.Sprintf("%d", int64(typed))
		}
		return fmt.Sprintf("%g", typed)
	case bool:
		return fmt.Sprintf("%t", typed)
	default:
		return fmt.Sprint(typed)
	}
}
