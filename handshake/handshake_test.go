// Copyright 2026 The Synapse Authors
// SPDX-License-Identifier: Apache-2.0

package handshake

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/bloom-foundation/synapse/identity"
	"github.com/bloom-foundation/synapse/lib/clock"
	"github.com/bloom-foundation/synapse/wire"
)

// fakeBackend is a scriptable BackendSender.
type fakeBackend struct {
	mu        sync.Mutex
	connected bool
	sent      [][]byte
	sendError error
}

func (b *fakeBackend) Send(payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendError != nil {
		return b.sendError
	}
	b.sent = append(b.sent, append([]byte(nil), payload...))
	return nil
}

func (b *fakeBackend) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBackend) setConnected(connected bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = connected
}

func (b *fakeBackend) sentMessages() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.sent...)
}

// testCoordinator builds a Coordinator over in-memory peers.
func testCoordinator(t *testing.T, backend *fakeBackend) (*Coordinator, *identity.Resolver, *bytes.Buffer) {
	t.Helper()
	resolver := identity.NewResolver(nil)
	var extensionOut bytes.Buffer
	writer := wire.NewSyncWriter(&extensionOut, wire.ExtensionCodec())
	coordinator := NewCoordinator(resolver, writer, backend, clock.Real(), 500*time.Millisecond, nil)
	return coordinator, resolver, &extensionOut
}

func readExtensionFrame(t *testing.T, buffer *bytes.Buffer) map[string]any {
	t.Helper()
	payload, err := wire.ExtensionCodec().ReadFrame(buffer)
	if err != nil {
		t.Fatalf("reading extension frame: %v", err)
	}
	var message map[string]any
	if err := json.Unmarshal(payload, &message); err != nil {
		t.Fatalf("parsing extension frame: %v", err)
	}
	return message
}

func TestExtensionReadyAdvancesAndReplies(t *testing.T) {
	backend := &fakeBackend{}
	coordinator, resolver, extensionOut := testCoordinator(t, backend)

	advanced := coordinator.HandleExtensionReady(map[string]any{
		"type":       "extension_ready",
		"profile_id": "11111111-2222-3333-4444-555555555555",
		"launch_id":  "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee",
	})
	if !advanced {
		t.Fatal("extension_ready did not advance the handshake")
	}
	if got := coordinator.State(); got != StateHostReady {
		t.Fatalf("state = %v, want host_ready", got)
	}

	// Identity rode along in the handshake message.
	if _, resolved := resolver.Snapshot(); !resolved {
		t.Error("identity not extracted from extension_ready")
	}

	reply := readExtensionFrame(t, extensionOut)
	if reply["type"] != "host_ready" {
		t.Errorf("reply type = %v, want host_ready", reply["type"])
	}
	if reply["max_message_size"] != float64(wire.ExtensionMaxFrameSize) {
		t.Errorf("max_message_size = %v", reply["max_message_size"])
	}
	if _, ok := reply["capabilities"].([]any); !ok {
		t.Errorf("capabilities missing from host_ready: %v", reply)
	}
}

func TestDuplicateExtensionReadyIgnored(t *testing.T) {
	backend := &fakeBackend{}
	coordinator, _, extensionOut := testCoordinator(t, backend)

	coordinator.HandleExtensionReady(map[string]any{"type": "extension_ready"})
	extensionOut.Reset()

	if coordinator.HandleExtensionReady(map[string]any{"type": "extension_ready"}) {
		t.Fatal("duplicate extension_ready advanced the handshake")
	}
	if extensionOut.Len() != 0 {
		t.Error("duplicate extension_ready produced a reply")
	}
	if got := coordinator.State(); got != StateHostReady {
		t.Errorf("state = %v, want host_ready", got)
	}
}

func TestConfirmRequiresHostReady(t *testing.T) {
	backend := &fakeBackend{connected: true}
	coordinator, _, _ := testCoordinator(t, backend)

	if coordinator.ConfirmWhenConnected(context.Background()) {
		t.Fatal("confirmation succeeded from state none")
	}
	if got := coordinator.State(); got != StateNone {
		t.Errorf("state = %v, want none", got)
	}
}

func TestConfirmWithLiveBackend(t *testing.T) {
	backend := &fakeBackend{connected: true}
	coordinator, resolver, _ := testCoordinator(t, backend)
	resolver.Seed("11111111-2222-3333-4444-555555555555", "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee")

	coordinator.HandleExtensionReady(map[string]any{"type": "extension_ready"})
	if !coordinator.ConfirmWhenConnected(context.Background()) {
		t.Fatal("confirmation failed with a live backend")
	}
	if !coordinator.Gate() {
		t.Fatal("gate still closed after confirmation")
	}

	sent := backend.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("backend received %d messages, want 1", len(sent))
	}
	var notification map[string]any
	if err := json.Unmarshal(sent[0], &notification); err != nil {
		t.Fatalf("parsing PROFILE_CONNECTED: %v", err)
	}
	if notification["type"] != "PROFILE_CONNECTED" {
		t.Errorf("type = %v", notification["type"])
	}
	if notification["handshake_confirmed"] != true {
		t.Errorf("handshake_confirmed = %v", notification["handshake_confirmed"])
	}
	if notification["profile_id"] != "11111111-2222-3333-4444-555555555555" {
		t.Errorf("profile_id = %v", notification["profile_id"])
	}
}

func TestConfirmTimesOutThenRetrySucceeds(t *testing.T) {
	backend := &fakeBackend{}
	coordinator, _, _ := testCoordinator(t, backend)
	coordinator.HandleExtensionReady(map[string]any{"type": "extension_ready"})

	// No backend listening: host_ready goes out immediately, the
	// bounded wait expires, and the state holds at host_ready.
	if coordinator.ConfirmWhenConnected(context.Background()) {
		t.Fatal("confirmation succeeded without a backend")
	}
	if got := coordinator.State(); got != StateHostReady {
		t.Fatalf("state after timeout = %v, want host_ready", got)
	}

	// A later connection triggers confirmation through the same check.
	backend.setConnected(true)
	if !coordinator.ConfirmWhenConnected(context.Background()) {
		t.Fatal("retry after connect failed")
	}
	if got := coordinator.State(); got != StateConfirmed {
		t.Fatalf("state = %v, want confirmed", got)
	}
}

func TestConfirmFallbackIdentity(t *testing.T) {
	backend := &fakeBackend{connected: true}
	coordinator, _, _ := testCoordinator(t, backend)
	coordinator.HandleExtensionReady(map[string]any{"type": "extension_ready"})

	if !coordinator.ConfirmWhenConnected(context.Background()) {
		t.Fatal("confirmation failed")
	}
	var notification map[string]any
	json.Unmarshal(backend.sentMessages()[0], &notification)
	if notification["profile_id"] != FallbackProfileID {
		t.Errorf("profile_id = %v, want fallback", notification["profile_id"])
	}
}

func TestConfirmedIsTerminal(t *testing.T) {
	backend := &fakeBackend{connected: true}
	coordinator, _, _ := testCoordinator(t, backend)
	coordinator.HandleExtensionReady(map[string]any{"type": "extension_ready"})
	coordinator.ConfirmWhenConnected(context.Background())

	// No input moves the state backward.
	coordinator.HandleExtensionReady(map[string]any{"type": "extension_ready"})
	coordinator.ConfirmWhenConnected(context.Background())
	if got := coordinator.State(); got != StateConfirmed {
		t.Fatalf("state = %v, want confirmed", got)
	}
	if len(backend.sentMessages()) != 1 {
		t.Errorf("PROFILE_CONNECTED sent %d times, want once", len(backend.sentMessages()))
	}
}

func TestConfirmSendFailureHoldsState(t *testing.T) {
	backend := &fakeBackend{connected: true, sendError: context.DeadlineExceeded}
	coordinator, _, _ := testCoordinator(t, backend)
	coordinator.HandleExtensionReady(map[string]any{"type": "extension_ready"})

	if coordinator.ConfirmWhenConnected(context.Background()) {
		t.Fatal("confirmation succeeded despite send failure")
	}
	if got := coordinator.State(); got != StateHostReady {
		t.Fatalf("state = %v, want host_ready", got)
	}
}
