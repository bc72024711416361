// Copyright 2026 The Synapse Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge wires the host daemon together.
//
// The bridge owns the extension-facing pipe: it reads length-prefixed
// JSON frames from standard input, routes them through chunk
// reassembly, identity extraction, and the readiness handshake, and
// relays ordinary traffic to the backend link. Frames arriving from the
// backend flow the other way, gated on handshake confirmation. A
// periodic heartbeat reports the daemon's counters to the backend and
// sweeps abandoned chunk transfers.
//
// [Bridge] is the single type. Start launches the extension read loop,
// the backend link, and the heartbeat in background goroutines; the
// daemon runs until the extension closes its end of the pipe or Stop is
// called. Wait blocks until everything has wound down.
package bridge
