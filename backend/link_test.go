// Copyright 2026 The Synapse Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bloom-foundation/synapse/identity"
	"github.com/bloom-foundation/synapse/lib/clock"
	"github.com/bloom-foundation/synapse/lib/config"
	"github.com/bloom-foundation/synapse/queue"
	"github.com/bloom-foundation/synapse/wire"
)

const (
	testProfileID = "11111111-2222-3333-4444-555555555555"
	testLaunchID  = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"
)

// testServer is a scripted stand-in for the backend service.
type testServer struct {
	listener net.Listener
	conns    chan net.Conn
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server := &testServer{listener: listener, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				close(server.conns)
				return
			}
			server.conns <- conn
		}
	}()
	t.Cleanup(func() { listener.Close() })
	return server
}

func (s *testServer) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn, ok := <-s.conns:
		if !ok {
			t.Fatal("listener closed before connection arrived")
		}
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for backend connection")
	}
	return nil
}

func readBackendJSON(t *testing.T, conn net.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	payload, err := wire.BackendCodec().ReadFrame(conn)
	if err != nil {
		t.Fatalf("reading backend frame: %v", err)
	}
	var message map[string]any
	if err := json.Unmarshal(payload, &message); err != nil {
		t.Fatalf("parsing backend frame %q: %v", payload, err)
	}
	return message
}

func testBackendConfig(address string) config.BackendConfig {
	return config.BackendConfig{
		Address:             address,
		DialTimeout:         config.Duration(time.Second),
		ReconnectDelay:      config.Duration(20 * time.Millisecond),
		IdentityWaitTimeout: config.Duration(time.Second),
	}
}

func TestRegisterDrainConfirmOrdering(t *testing.T) {
	server := newTestServer(t)
	resolver := identity.NewResolver(nil)
	resolver.Seed(testProfileID, testLaunchID)

	pending := queue.New(10)
	pending.Enqueue([]byte(`{"seq":1}`))
	pending.Enqueue([]byte(`{"seq":2}`))

	link := NewLink(testBackendConfig(server.listener.Addr().String()), resolver, pending, clock.Real(), nil)

	var mu sync.Mutex
	var events []string
	link.OnConnected = func(context.Context) {
		mu.Lock()
		events = append(events, "connected")
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Run(ctx)

	conn := server.accept(t)

	registration := readBackendJSON(t, conn)
	if registration["type"] != "REGISTER_HOST" {
		t.Fatalf("first frame type = %v, want REGISTER_HOST", registration["type"])
	}
	if registration["profile_id"] != testProfileID {
		t.Errorf("profile_id = %v", registration["profile_id"])
	}
	if registration["launch_id"] != testLaunchID {
		t.Errorf("launch_id = %v", registration["launch_id"])
	}
	if pid, ok := registration["pid"].(float64); !ok || pid <= 0 {
		t.Errorf("pid = %v", registration["pid"])
	}

	// Queued messages follow registration in enqueue order.
	first := readBackendJSON(t, conn)
	if first["seq"] != float64(1) {
		t.Fatalf("first drained message = %v", first)
	}
	second := readBackendJSON(t, conn)
	if second["seq"] != float64(2) {
		t.Fatalf("second drained message = %v", second)
	}
	if pending.Depth() != 0 {
		t.Errorf("queue depth after drain = %d", pending.Depth())
	}

	// The connected hook fired once registration and drain completed.
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		fired := len(events) == 1
		mu.Unlock()
		if fired {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("OnConnected never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Live sends reach the socket directly once connected.
	if err := link.Send([]byte(`{"seq":3}`)); err != nil {
		t.Fatalf("live send: %v", err)
	}
	live := readBackendJSON(t, conn)
	if live["seq"] != float64(3) {
		t.Fatalf("live message = %v", live)
	}
	if !link.Connected() {
		t.Error("Connected() = false with a live socket")
	}

	// Drained and direct deliveries both count; REGISTER_HOST does not.
	if delivered := link.Delivered(); delivered != 3 {
		t.Errorf("Delivered() = %d, want 3", delivered)
	}
}

// Messages sent while the connection drains its backlog must line up
// behind everything queued before them, never between or ahead of it.
func TestQueuedMessagesNotOvertakenByLiveSends(t *testing.T) {
	server := newTestServer(t)
	resolver := identity.NewResolver(nil)
	resolver.Seed(testProfileID, testLaunchID)

	// Large payloads keep the drain blocked on socket buffers while the
	// test reads slowly, so the mid-drain send happens mid-drain.
	padding := strings.Repeat("a", 512*1024)
	pending := queue.New(64)
	const backlog = 8
	for i := 1; i <= backlog; i++ {
		pending.Enqueue([]byte(fmt.Sprintf(`{"seq":%d,"pad":%q}`, i, padding)))
	}

	link := NewLink(testBackendConfig(server.listener.Addr().String()), resolver, pending, clock.Real(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Run(ctx)

	conn := server.accept(t)
	readBackendJSON(t, conn) // REGISTER_HOST

	var sequence []float64
	sent := false
	for len(sequence) < backlog+1 {
		message := readBackendJSON(t, conn)
		seq, ok := message["seq"].(float64)
		if !ok {
			t.Fatalf("message without seq: %v", message)
		}
		sequence = append(sequence, seq)
		if !sent {
			sent = true
			err := link.Send([]byte(`{"seq":100}`))
			if err != nil && !errors.Is(err, ErrNotConnected) {
				t.Fatalf("mid-drain send: %v", err)
			}
		}
		time.Sleep(10 * time.Millisecond)
	}

	for i := 0; i < backlog; i++ {
		if sequence[i] != float64(i+1) {
			t.Fatalf("delivery order = %v, want 1..%d then 100", sequence, backlog)
		}
	}
	if sequence[backlog] != 100 {
		t.Fatalf("delivery order = %v, want the fresh message last", sequence)
	}
}

// A queued payload over the backend frame limit is dropped during the
// drain; it must not stall the messages behind it or cost the
// connection.
func TestOversizedQueuedMessageSkipped(t *testing.T) {
	server := newTestServer(t)
	resolver := identity.NewResolver(nil)
	resolver.Seed(testProfileID, testLaunchID)

	pending := queue.New(10)
	pending.Enqueue(make([]byte, wire.BackendMaxFrameSize+1))
	pending.Enqueue([]byte(`{"seq":1}`))

	link := NewLink(testBackendConfig(server.listener.Addr().String()), resolver, pending, clock.Real(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Run(ctx)

	conn := server.accept(t)
	readBackendJSON(t, conn) // REGISTER_HOST

	message := readBackendJSON(t, conn)
	if message["seq"] != float64(1) {
		t.Fatalf("message after drop = %v", message)
	}
	if pending.Depth() != 0 {
		t.Errorf("queue depth = %d, want 0", pending.Depth())
	}
	if delivered := link.Delivered(); delivered != 1 {
		t.Errorf("Delivered() = %d, want 1", delivered)
	}

	// The connection survived the drop; no reconnect cycle started.
	select {
	case extra := <-server.conns:
		t.Fatalf("unexpected reconnect from %v", extra.RemoteAddr())
	case <-time.After(100 * time.Millisecond):
	}
}

// A zero-length backend frame is malformed but recoverable: only its
// length field was consumed, so the link skips it and keeps reading.
func TestEmptyBackendFrameSkipped(t *testing.T) {
	server := newTestServer(t)
	resolver := identity.NewResolver(nil)
	resolver.Seed(testProfileID, testLaunchID)

	link := NewLink(testBackendConfig(server.listener.Addr().String()), resolver, queue.New(10), clock.Real(), nil)
	received := make(chan []byte, 1)
	link.Forward = func(payload []byte) { received <- payload }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Run(ctx)

	conn := server.accept(t)
	readBackendJSON(t, conn) // REGISTER_HOST

	if _, err := conn.Write([]byte{0, 0, 0, 0}); err != nil {
		t.Fatalf("server write: %v", err)
	}
	if err := wire.BackendCodec().WriteFrame(conn, []byte(`{"type":"TASK"}`)); err != nil {
		t.Fatalf("server write: %v", err)
	}

	select {
	case payload := <-received:
		if string(payload) != `{"type":"TASK"}` {
			t.Errorf("forwarded payload = %q", payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("frame after the empty one never forwarded")
	}

	select {
	case extra := <-server.conns:
		t.Fatalf("unexpected reconnect from %v", extra.RemoteAddr())
	case <-time.After(100 * time.Millisecond):
	}
}

func TestForwardDeliversBackendFrames(t *testing.T) {
	server := newTestServer(t)
	resolver := identity.NewResolver(nil)
	resolver.Seed(testProfileID, testLaunchID)

	link := NewLink(testBackendConfig(server.listener.Addr().String()), resolver, queue.New(10), clock.Real(), nil)
	received := make(chan []byte, 1)
	link.Forward = func(payload []byte) { received <- payload }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Run(ctx)

	conn := server.accept(t)
	readBackendJSON(t, conn) // REGISTER_HOST

	if err := wire.BackendCodec().WriteFrame(conn, []byte(`{"type":"TASK"}`)); err != nil {
		t.Fatalf("server write: %v", err)
	}
	select {
	case payload := <-received:
		if string(payload) != `{"type":"TASK"}` {
			t.Errorf("forwarded payload = %q", payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("backend frame never forwarded")
	}
}

func TestReconnectAfterConnectionDrop(t *testing.T) {
	server := newTestServer(t)
	resolver := identity.NewResolver(nil)
	resolver.Seed(testProfileID, testLaunchID)

	link := NewLink(testBackendConfig(server.listener.Addr().String()), resolver, queue.New(10), clock.Real(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Run(ctx)

	first := server.accept(t)
	readBackendJSON(t, first) // REGISTER_HOST
	first.Close()

	// The link notices the drop, waits out the reconnect delay, and
	// registers again on a fresh connection.
	second := server.accept(t)
	registration := readBackendJSON(t, second)
	if registration["type"] != "REGISTER_HOST" {
		t.Fatalf("reconnect frame type = %v, want REGISTER_HOST", registration["type"])
	}
}

func TestIdentityTimeoutDisablesLink(t *testing.T) {
	server := newTestServer(t)
	resolver := identity.NewResolver(nil) // never resolved

	cfg := testBackendConfig(server.listener.Addr().String())
	cfg.IdentityWaitTimeout = config.Duration(30 * time.Millisecond)
	link := NewLink(cfg, resolver, queue.New(10), clock.Real(), nil)

	err := link.Run(context.Background())
	if !errors.Is(err, identity.ErrWaitTimeout) {
		t.Fatalf("Run error = %v, want identity wait timeout", err)
	}

	// No dial happened without identity.
	select {
	case conn := <-server.conns:
		t.Fatalf("unexpected backend connection %v", conn.RemoteAddr())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendWithoutConnection(t *testing.T) {
	resolver := identity.NewResolver(nil)
	pending := queue.New(1)
	link := NewLink(testBackendConfig("127.0.0.1:1"), resolver, pending, clock.Real(), nil)

	if err := link.Send([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send error = %v, want ErrNotConnected", err)
	}
	if pending.Depth() != 1 {
		t.Errorf("queue depth = %d, want the message queued", pending.Depth())
	}
	if err := link.Send([]byte("y")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Send error over capacity = %v, want ErrQueueFull", err)
	}
	if link.Connected() {
		t.Error("Connected() = true with no socket")
	}
}
