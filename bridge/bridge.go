// Copyright 2026 The Synapse Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bloom-foundation/synapse/backend"
	"github.com/bloom-foundation/synapse/chunk"
	"github.com/bloom-foundation/synapse/handshake"
	"github.com/bloom-foundation/synapse/identity"
	"github.com/bloom-foundation/synapse/lib/clock"
	"github.com/bloom-foundation/synapse/lib/config"
	"github.com/bloom-foundation/synapse/lib/netutil"
	"github.com/bloom-foundation/synapse/lib/synlog"
	"github.com/bloom-foundation/synapse/queue"
	"github.com/bloom-foundation/synapse/wire"
)

// Bridge is the host daemon's orchestrator.
type Bridge struct {
	// Config is the daemon configuration. If nil, config.Default() is
	// used.
	Config *config.Config

	// Logger receives structured log output. If nil, slog.Default() is
	// used. Per-message events are logged at Debug level; errors and
	// lifecycle events at Info/Warn/Error.
	Logger *slog.Logger

	// Clock is the time source. If nil, the real clock is used.
	Clock clock.Clock

	// Input carries extension frames into the daemon, normally
	// standard input. If it implements io.Closer it is closed on Stop
	// to unblock the read loop.
	Input io.Reader

	// Output carries extension frames out of the daemon, normally
	// standard output.
	Output io.Writer

	writer      *wire.SyncWriter
	resolver    *identity.Resolver
	reassembler *chunk.Reassembler
	pending     *queue.Queue
	coordinator *handshake.Coordinator
	link        *backend.Link
	logSink     *synlog.Sink

	// messagesReceived counts frames read from the extension; the
	// backend-bound counterpart lives on the link, which sees both
	// direct sends and queue drains. Both ride along on the heartbeat.
	messagesReceived atomic.Uint64
	startedAt        time.Time

	initOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
	tasks    sync.WaitGroup
}

// logger returns the configured logger or the default.
func (b *Bridge) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// initComponents builds the internal component graph. Called from both
// Start and Resolver so a command can seed identity before starting.
func (b *Bridge) initComponents() {
	b.initOnce.Do(func() {
		if b.Config == nil {
			b.Config = config.Default()
		}
		if b.Clock == nil {
			b.Clock = clock.Real()
		}
		logger := b.logger()

		b.writer = wire.NewSyncWriter(b.Output, wire.ExtensionCodec())
		b.resolver = identity.NewResolver(logger)
		b.reassembler = chunk.NewReassembler(b.Config.Chunks.MaxActiveBuffers, b.Clock, logger)
		b.pending = queue.New(b.Config.Queue.Capacity)
		b.logSink = synlog.New(b.Config.Log.Directory)

		b.link = backend.NewLink(b.Config.Backend, b.resolver, b.pending, b.Clock, logger)
		b.coordinator = handshake.NewCoordinator(
			b.resolver, b.writer, b.link, b.Clock,
			b.Config.Handshake.ConfirmTimeout.Std(), logger,
		)
		b.link.Forward = b.forwardBackendFrame
		b.link.OnConnected = func(ctx context.Context) {
			b.coordinator.ConfirmWhenConnected(ctx)
		}
	})
}

// Resolver returns the identity resolver so the command layer can seed
// identity from command-line arguments before Start.
func (b *Bridge) Resolver() *identity.Resolver {
	b.initComponents()
	return b.resolver
}

// Start launches the daemon's background tasks: the extension read
// loop, the backend link, the heartbeat, and the identity watcher. It
// returns immediately; the daemon runs until the extension closes the
// pipe, the context is cancelled, or Stop is called.
func (b *Bridge) Start(ctx context.Context) error {
	if b.Input == nil {
		return fmt.Errorf("bridge: Input is required")
	}
	if b.Output == nil {
		return fmt.Errorf("bridge: Output is required")
	}
	b.initComponents()
	b.startedAt = b.Clock.Now()

	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})

	b.tasks.Add(4)
	go func() {
		defer b.tasks.Done()
		b.readLoop(ctx)
		// The extension hanging up ends the daemon's useful life.
		b.cancel()
	}()
	go func() {
		defer b.tasks.Done()
		if err := b.link.Run(ctx); err != nil && ctx.Err() == nil {
			b.logger().Error("backend link stopped", "error", err)
		}
	}()
	go func() {
		defer b.tasks.Done()
		b.heartbeatLoop(ctx)
	}()
	go func() {
		defer b.tasks.Done()
		b.watchIdentity(ctx)
	}()

	go func() {
		b.tasks.Wait()
		if !b.logSink.Ready() {
			// Identity never resolved; open the sink under the
			// fallback profile so buffered records are written rather
			// than discarded.
			if err := b.logSink.Init(handshake.FallbackProfileID); err != nil {
				b.logger().Warn("file log sink unavailable", "error", err)
			}
		}
		b.logSink.Close()
		close(b.done)
	}()

	b.logger().Info("bridge started",
		"backend_address", b.Config.Backend.Address,
		"queue_capacity", b.Config.Queue.Capacity,
	)
	b.logSink.Native(slog.LevelInfo, "host starting")
	return nil
}

// Stop shuts the daemon down and waits for all tasks to finish.
func (b *Bridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if closer, ok := b.Input.(io.Closer); ok {
		closer.Close()
	}
	if b.done != nil {
		<-b.done
	}
}

// Wait blocks until the daemon has stopped.
func (b *Bridge) Wait() {
	if b.done != nil {
		<-b.done
	}
}

// readLoop reads extension frames until the pipe closes. It owns the
// Input stream; no other goroutine reads from it.
func (b *Bridge) readLoop(ctx context.Context) {
	codec := wire.ExtensionCodec()
	for {
		payload, err := codec.ReadFrame(b.Input)
		if err != nil {
			var sizeError *wire.SizeError
			switch {
			case errors.Is(err, io.EOF) || netutil.IsExpectedCloseError(err):
				b.logger().Info("extension stream closed")
				return
			case errors.Is(err, wire.ErrEmptyFrame):
				continue
			case errors.As(err, &sizeError):
				b.logger().Warn("oversized extension frame rejected",
					"size", sizeError.Size,
					"max", sizeError.Max,
				)
				b.reportExtensionError(errorCodeMessageTooLarge, "", sizeError.Size)
				// The payload bytes are still on the pipe; discard
				// them so the next length prefix lines up.
				if _, err := io.CopyN(io.Discard, b.Input, int64(sizeError.Size)); err != nil {
					b.logger().Info("extension stream closed mid-discard")
					return
				}
				continue
			default:
				if ctx.Err() != nil {
					return
				}
				b.logger().Error("reading extension frame", "error", err)
				return
			}
		}
		b.messagesReceived.Add(1)
		b.handleExtensionPayload(ctx, payload)
	}
}

// watchIdentity initializes the file log sink once identity resolves.
// Every record the sink writes is tagged with the profile, so it stays
// buffered until the profile is known.
func (b *Bridge) watchIdentity(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-b.resolver.Resolved():
		resolved, _ := b.resolver.Snapshot()
		if err := b.logSink.Init(resolved.ProfileID); err != nil {
			b.logger().Warn("file log sink unavailable", "error", err)
		}
	}
}

// heartbeatLoop emits a periodic status message to the backend and
// sweeps abandoned chunk transfers on the same cadence.
func (b *Bridge) heartbeatLoop(ctx context.Context) {
	ticker := b.Clock.NewTicker(b.Config.Heartbeat.Interval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.reassembler.SweepExpired(b.Config.Chunks.ExpiryAge.Std())
			if !b.link.Connected() {
				continue
			}
			b.sendHeartbeat()
		}
	}
}
