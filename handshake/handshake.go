// Copyright 2026 The Synapse Authors
// SPDX-License-Identifier: Apache-2.0

// Package handshake drives the three-phase readiness protocol that
// gates traffic through the bridge:
//
//	NONE → extension sends extension_ready
//	     → host replies host_ready (EXTENSION_READY, then HOST_READY)
//	     → backend connection established, PROFILE_CONNECTED sent
//	     → CONFIRMED
//
// The state machine is strictly monotonic. Backend-to-extension
// forwarding is blocked until CONFIRMED; once confirmed it is
// unconditional until shutdown.
package handshake

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/bloom-foundation/synapse/identity"
	"github.com/bloom-foundation/synapse/lib/clock"
	"github.com/bloom-foundation/synapse/lib/version"
	"github.com/bloom-foundation/synapse/wire"
)

// State is the handshake phase. States only ever advance.
type State int32

const (
	// StateNone is the initial state: nothing heard from the extension.
	StateNone State = iota

	// StateExtensionReady means extension_ready arrived and is being
	// processed. Transient: the coordinator moves straight on to
	// StateHostReady after replying.
	StateExtensionReady

	// StateHostReady means the host_ready reply went out and the
	// handshake is waiting on a backend connection.
	StateHostReady

	// StateConfirmed is terminal: PROFILE_CONNECTED was delivered and
	// traffic flows freely.
	StateConfirmed
)

// String returns the state name used in logs and heartbeats.
func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateExtensionReady:
		return "extension_ready"
	case StateHostReady:
		return "host_ready"
	case StateConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// FallbackProfileID identifies the session when identity never
// resolves. The handshake completes with it so the extension is not
// left hanging; backend registration, by contrast, refuses to proceed
// without real identity.
const FallbackProfileID = "unknown_worker"

// Capabilities advertised to the extension in host_ready.
var Capabilities = []string{"chunked_messages", "late_binding", "heartbeat"}

// confirmPollInterval is how often ConfirmWhenConnected re-checks for a
// live backend connection.
const confirmPollInterval = 100 * time.Millisecond

// BackendSender is the view of the backend link the coordinator needs:
// a liveness check and a way to deliver PROFILE_CONNECTED.
type BackendSender interface {
	Send(payload []byte) error
	Connected() bool
}

// Coordinator owns the handshake state machine.
type Coordinator struct {
	mu         sync.Mutex
	state      State
	confirming bool

	resolver       *identity.Resolver
	extension      *wire.SyncWriter
	backend        BackendSender
	clock          clock.Clock
	logger         *slog.Logger
	confirmTimeout time.Duration
}

// NewCoordinator creates a Coordinator in StateNone.
func NewCoordinator(resolver *identity.Resolver, extension *wire.SyncWriter, backend BackendSender, clk clock.Clock, confirmTimeout time.Duration, logger *slog.Logger) *Coordinator {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		resolver:       resolver,
		extension:      extension,
		backend:        backend,
		clock:          clk,
		logger:         logger,
		confirmTimeout: confirmTimeout,
	}
}

// State returns the current handshake phase.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Gate reports whether backend-to-extension forwarding is allowed.
func (c *Coordinator) Gate() bool { return c.State() == StateConfirmed }

// hostReadyMessage is the reply to extension_ready.
type hostReadyMessage struct {
	Type           string   `json:"type"`
	Version        string   `json:"version"`
	Build          string   `json:"build"`
	Capabilities   []string `json:"capabilities"`
	MaxMessageSize int      `json:"max_message_size"`
}

// profileConnectedMessage notifies the backend that the handshake is
// complete.
type profileConnectedMessage struct {
	Type               string `json:"type"`
	ProfileID          string `json:"profile_id"`
	LaunchID           string `json:"launch_id,omitempty"`
	ExtensionID        string `json:"extension_id,omitempty"`
	HandshakeConfirmed bool   `json:"handshake_confirmed"`
}

// HandleExtensionReady processes an extension_ready message. From
// StateNone it attempts identity extraction from the same message,
// replies host_ready, and advances to StateHostReady. In any other
// state the message is a protocol violation — extension restarts replay
// the handshake without a host restart — so it is logged and ignored.
//
// Returns true when the message advanced the handshake.
func (c *Coordinator) HandleExtensionReady(message map[string]any) bool {
	c.mu.Lock()
	if c.state != StateNone {
		state := c.state
		c.mu.Unlock()
		c.logger.Warn("duplicate extension_ready ignored", "state", state)
		return false
	}
	c.state = StateExtensionReady
	c.mu.Unlock()

	c.resolver.TryExtractStructured(message)

	reply := hostReadyMessage{
		Type:           "host_ready",
		Version:        version.Version,
		Build:          version.Build,
		Capabilities:   Capabilities,
		MaxMessageSize: wire.ExtensionMaxFrameSize,
	}
	if err := c.extension.WriteJSON(reply); err != nil {
		// The reply failed but the extension did signal readiness;
		// the handshake still waits on the backend rather than
		// resetting (states never move backward).
		c.logger.Error("host_ready reply failed", "error", err)
	}

	c.mu.Lock()
	c.state = StateHostReady
	c.mu.Unlock()
	c.logger.Info("handshake advanced", "state", StateHostReady)
	return true
}

// ConfirmWhenConnected waits (bounded by the confirm timeout) for a
// live backend connection, then sends PROFILE_CONNECTED and advances to
// StateConfirmed. On timeout the state stays at StateHostReady and the
// method returns false — a later call, typically after the next
// successful backend registration, retries the same check.
//
// Safe to call from multiple goroutines; only one confirmation attempt
// runs at a time and the terminal transition happens exactly once.
func (c *Coordinator) ConfirmWhenConnected(ctx context.Context) bool {
	c.mu.Lock()
	if c.state != StateHostReady || c.confirming {
		c.mu.Unlock()
		return false
	}
	c.confirming = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.confirming = false
		c.mu.Unlock()
	}()

	var waited time.Duration
	for {
		if c.backend.Connected() {
			return c.confirm()
		}
		if waited >= c.confirmTimeout {
			c.logger.Warn("handshake confirmation timed out waiting for backend",
				"timeout", c.confirmTimeout,
			)
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-c.clock.After(confirmPollInterval):
			waited += confirmPollInterval
		}
	}
}

// confirm sends PROFILE_CONNECTED and performs the terminal transition.
func (c *Coordinator) confirm() bool {
	resolved, ok := c.resolver.Snapshot()
	profileID := resolved.ProfileID
	if !ok && profileID == "" {
		profileID = FallbackProfileID
	}

	notification := profileConnectedMessage{
		Type:               "PROFILE_CONNECTED",
		ProfileID:          profileID,
		LaunchID:           resolved.LaunchID,
		ExtensionID:        resolved.ExtensionID,
		HandshakeConfirmed: true,
	}
	payload, err := json.Marshal(notification)
	if err != nil {
		c.logger.Error("encoding PROFILE_CONNECTED", "error", err)
		return false
	}
	if err := c.backend.Send(payload); err != nil {
		c.logger.Warn("PROFILE_CONNECTED delivery failed, staying in host_ready",
			"error", err,
		)
		return false
	}

	c.mu.Lock()
	c.state = StateConfirmed
	c.mu.Unlock()
	c.logger.Info("handshake confirmed", "profile_id", profileID)
	return true
}
