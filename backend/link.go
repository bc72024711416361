// Copyright 2026 The Synapse Authors
// SPDX-License-Identifier: Apache-2.0

// Package backend maintains the TCP link to the local backend service.
//
// The link is the only component that dials out. It waits for session
// identity, registers the host process with the backend, drains any
// messages queued while disconnected, and then relays frames in both
// directions until the connection drops, at which point it reconnects
// with a fixed delay.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/bloom-foundation/synapse/identity"
	"github.com/bloom-foundation/synapse/lib/clock"
	"github.com/bloom-foundation/synapse/lib/config"
	"github.com/bloom-foundation/synapse/lib/netutil"
	"github.com/bloom-foundation/synapse/lib/version"
	"github.com/bloom-foundation/synapse/queue"
	"github.com/bloom-foundation/synapse/wire"
)

// ErrNotConnected is returned by Send when the message could not be
// written directly and joined the pending queue instead.
var ErrNotConnected = errors.New("backend: not connected")

// ErrQueueFull is returned by Send when the message could neither be
// written nor queued; it has been dropped.
var ErrQueueFull = errors.New("backend: pending queue full")

// registerHostMessage announces the host process to the backend. It is
// always the first frame on a fresh connection.
type registerHostMessage struct {
	Type      string `json:"type"`
	PID       int    `json:"pid"`
	ProfileID string `json:"profile_id"`
	LaunchID  string `json:"launch_id"`
	Version   string `json:"version"`
	Build     string `json:"build"`
}

// Link owns the backend TCP connection, the pending queue, and the
// reconnect loop.
//
// The zero value is not usable; construct with NewLink. Send and
// Connected are safe to call from any goroutine; Run must be called
// exactly once.
type Link struct {
	config   config.BackendConfig
	resolver *identity.Resolver
	pending  *queue.Queue
	clock    clock.Clock
	logger   *slog.Logger
	codec    wire.Codec

	// OnConnected runs after registration and queue drain complete on
	// a fresh connection, before the receive loop starts. The bridge
	// uses it to drive handshake confirmation.
	OnConnected func(ctx context.Context)

	// Forward receives each frame read from the backend. It must not
	// block indefinitely; the receive loop is single-threaded.
	Forward func(payload []byte)

	// delivered counts messages written to the backend socket, direct
	// and drained alike. REGISTER_HOST is a control frame and is not
	// counted.
	delivered atomic.Uint64

	mu   sync.Mutex
	conn net.Conn

	// draining gates direct sends on a fresh connection: until the
	// pending queue has been observed empty under mu, Send keeps
	// queueing so nothing overtakes messages enqueued before or during
	// the drain.
	draining bool
}

// NewLink creates a Link. Hooks are optional and set by the caller
// before Run.
func NewLink(cfg config.BackendConfig, resolver *identity.Resolver, pending *queue.Queue, clk clock.Clock, logger *slog.Logger) *Link {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Link{
		config:   cfg,
		resolver: resolver,
		pending:  pending,
		clock:    clk,
		logger:   logger,
		codec:    wire.BackendCodec(),
	}
}

// Connected reports whether a live, fully drained backend connection
// exists, meaning Send will write directly.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil && !l.draining
}

// Delivered returns the number of messages delivered to the backend so
// far, across all connections.
func (l *Link) Delivered() uint64 { return l.delivered.Load() }

// Send delivers one message to the backend. When a fully drained
// connection is live the frame is written immediately; otherwise the
// message joins the pending queue and Send returns ErrNotConnected
// (delivery happens on the next drain). ErrQueueFull means the message
// was dropped outright.
//
// Enqueueing happens under the same lock that closes the drain, so a
// message can never slip past the queue while older queued messages are
// still in flight.
func (l *Link) Send(payload []byte) error {
	l.mu.Lock()
	if l.conn == nil || l.draining {
		queued := l.pending.Enqueue(payload)
		l.mu.Unlock()
		if !queued {
			return ErrQueueFull
		}
		return ErrNotConnected
	}
	// Frame writes hold the lock so concurrent sends cannot interleave
	// header and payload bytes on the socket.
	err := l.codec.WriteFrame(l.conn, payload)
	l.mu.Unlock()
	if err == nil {
		l.delivered.Add(1)
		return nil
	}
	if errors.Is(err, wire.ErrFrameTooLarge) {
		// Permanent per-message failure; requeueing it would wedge
		// every later message behind it.
		return fmt.Errorf("backend: send: %w", err)
	}
	// The connection is about to be torn down; requeue so the message
	// rides the next drain.
	if !l.pending.Enqueue(payload) {
		return ErrQueueFull
	}
	return fmt.Errorf("backend: send: %w", err)
}

// Run drives the connection lifecycle until ctx is cancelled.
//
// Registration requires session identity, so Run first waits (bounded)
// for the resolver. If identity never arrives the link gives up without
// ever dialing: an unidentified host must not register and claim a
// profile it cannot name.
func (l *Link) Run(ctx context.Context) error {
	resolved, err := l.resolver.Wait(ctx, l.clock, l.config.IdentityWaitTimeout.Std())
	if err != nil {
		if errors.Is(err, identity.ErrWaitTimeout) {
			l.logger.Error("session identity never resolved, backend link disabled",
				"timeout", l.config.IdentityWaitTimeout.Std(),
			)
		}
		return fmt.Errorf("backend: waiting for identity: %w", err)
	}
	l.logger.Info("backend link starting",
		"address", l.config.Address,
		"profile_id", resolved.ProfileID,
	)

	for {
		if err := l.runConnection(ctx, resolved); err != nil && ctx.Err() == nil {
			l.logger.Warn("backend connection lost", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(l.config.ReconnectDelay.Std()):
		}
	}
}

// runConnection performs one dial/register/drain/relay cycle.
func (l *Link) runConnection(ctx context.Context, resolved identity.Identity) error {
	dialer := net.Dialer{Timeout: l.config.DialTimeout.Std()}
	conn, err := dialer.DialContext(ctx, "tcp", l.config.Address)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", l.config.Address, err)
	}

	// A watcher closes the socket on cancellation so the blocking read
	// below unblocks promptly.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	if err := l.register(conn, resolved); err != nil {
		conn.Close()
		return err
	}

	l.mu.Lock()
	l.conn = conn
	l.draining = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.conn = nil
		l.draining = false
		l.mu.Unlock()
		conn.Close()
	}()

	if err := l.drain(conn); err != nil {
		return err
	}

	if l.OnConnected != nil {
		l.OnConnected(ctx)
	}

	return l.receiveLoop(ctx, conn)
}

// drain empties the pending queue onto conn. Direct sends stay gated
// (they keep enqueueing) until the queue is observed empty under mu, so
// everything queued before or during the drain goes out in enqueue
// order with nothing overtaking it.
func (l *Link) drain(conn net.Conn) error {
	sink := func(message []byte) error {
		err := l.codec.WriteFrame(conn, message)
		if err == nil {
			l.delivered.Add(1)
			return nil
		}
		if errors.Is(err, wire.ErrFrameTooLarge) {
			// Nothing was written; the stream is intact. Dropping the
			// message keeps the queue behind it deliverable.
			l.logger.Warn("dropping queued message over the backend frame limit",
				"size", len(message),
			)
			return nil
		}
		return err
	}

	totalDrained := 0
	for {
		drained, err := l.pending.DrainTo(sink)
		totalDrained += drained
		if err != nil {
			return fmt.Errorf("draining pending queue: %w", err)
		}
		l.mu.Lock()
		if l.pending.Depth() == 0 {
			l.draining = false
			l.mu.Unlock()
			break
		}
		// A send raced the drain and enqueued; sweep again before
		// opening direct sends.
		l.mu.Unlock()
	}
	if totalDrained > 0 {
		l.logger.Info("drained pending messages to backend", "count", totalDrained)
	}
	return nil
}

// register sends REGISTER_HOST as the first frame on the connection.
func (l *Link) register(conn net.Conn, resolved identity.Identity) error {
	registration := registerHostMessage{
		Type:      "REGISTER_HOST",
		PID:       os.Getpid(),
		ProfileID: resolved.ProfileID,
		LaunchID:  resolved.LaunchID,
		Version:   version.Version,
		Build:     version.Build,
	}
	payload, err := json.Marshal(registration)
	if err != nil {
		return fmt.Errorf("encoding REGISTER_HOST: %w", err)
	}
	if err := l.codec.WriteFrame(conn, payload); err != nil {
		return fmt.Errorf("sending REGISTER_HOST: %w", err)
	}
	l.logger.Info("registered with backend",
		"pid", registration.PID,
		"profile_id", resolved.ProfileID,
	)
	return nil
}

// receiveLoop reads backend frames until the connection dies. Malformed
// zero-length frames are skipped; the length field is all that was
// consumed, so the stream stays aligned.
func (l *Link) receiveLoop(ctx context.Context, conn net.Conn) error {
	for {
		payload, err := l.codec.ReadFrame(conn)
		if err != nil {
			if errors.Is(err, wire.ErrEmptyFrame) {
				l.logger.Warn("zero-length backend frame ignored")
				continue
			}
			if ctx.Err() != nil || netutil.IsExpectedCloseError(err) {
				return nil
			}
			return fmt.Errorf("reading backend frame: %w", err)
		}
		if l.Forward != nil {
			l.Forward(payload)
		}
	}
}
