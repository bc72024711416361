// Copyright 2026 The Synapse Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity resolves the session identity (profile ID, launch ID,
// extension ID) from in-band extension traffic. Identity arrives late:
// the extension sends it somewhere in its early messages rather than on
// the command line, so the resolver accumulates candidates and commits
// exactly once, then notifies waiters over a closed channel.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bloom-foundation/synapse/lib/clock"
)

// Identity is the resolved session identity. All fields are opaque
// strings; ProfileID and LaunchID are hyphenated UUIDs when they come
// from the raw-text scan.
type Identity struct {
	ProfileID   string
	LaunchID    string
	ExtensionID string
}

// ErrWaitTimeout reports that identity did not resolve within the
// bounded wait.
var ErrWaitTimeout = fmt.Errorf("identity: resolution wait timed out")

// profileIDPattern matches a "profile_id" key followed by a quoted
// 36-character hyphenated value, for the raw-text fallback scan. The
// captured value is re-validated with uuid.Parse before use, so a
// UUID-shaped but invalid value never commits.
var profileIDPattern = regexp.MustCompile(`"profile_id"\s*:\s*"([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})"`)

// Resolver accumulates identity candidates and commits at most once.
type Resolver struct {
	mu sync.Mutex

	// pending holds fields seen so far. Commit requires both ProfileID
	// and LaunchID; a lone ProfileID is held but does not resolve.
	pending Identity

	resolved   bool
	identity   Identity
	resolvedCh chan struct{}

	logger *slog.Logger
}

// NewResolver creates an unresolved Resolver.
func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		resolvedCh: make(chan struct{}),
		logger:     logger,
	}
}

// Resolved returns a channel that is closed when identity commits.
func (r *Resolver) Resolved() <-chan struct{} { return r.resolvedCh }

// Snapshot returns the committed identity and whether resolution has
// happened. Before commit, the returned Identity carries any fields
// held so far (used by the SYSTEM_ACK fallback path).
func (r *Resolver) Snapshot() (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved {
		return r.identity, true
	}
	return r.pending, false
}

// Seed commits identity supplied on the command line. Both IDs must be
// non-empty for the commit to take; a lone profile ID is held the same
// way an extracted one would be. Returns true when this call resolved
// identity.
func (r *Resolver) Seed(profileID, launchID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved {
		return false
	}
	if profileID != "" && r.pending.ProfileID == "" {
		r.pending.ProfileID = profileID
	}
	if launchID != "" && r.pending.LaunchID == "" {
		r.pending.LaunchID = launchID
	}
	return r.commitLocked("argv")
}

// TryExtractStructured looks for identity fields in a parsed message, at
// the top level and nested under "payload". Any scalar value is accepted
// and stringified — message producers historically disagree on types and
// nesting depth. Returns true when this call resolved identity.
func (r *Resolver) TryExtractStructured(message map[string]any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved {
		return false
	}

	candidates := []map[string]any{message}
	if payload, ok := message["payload"].(map[string]any); ok {
		candidates = append(candidates, payload)
	}

	for _, candidate := range candidates {
		if r.pending.ProfileID == "" {
			r.pending.ProfileID = scalarString(candidate["profile_id"])
		}
		if r.pending.LaunchID == "" {
			r.pending.LaunchID = scalarString(candidate["launch_id"])
		}
		if r.pending.ExtensionID == "" {
			r.pending.ExtensionID = scalarString(candidate["extension_id"])
		}
	}

	return r.commitLocked("structured")
}

// TryExtractRaw scans raw bytes for a profile_id key with a UUID-shaped
// value. It is strictly a fallback for messages whose JSON is malformed
// or not yet syntactically complete; callers invoke it only when
// structured extraction has not resolved identity within the same
// message. A profile ID found here is held — raw scanning never supplies
// a launch ID, so it cannot resolve on its own. Returns true when this
// call resolved identity (a launch ID was already held).
func (r *Resolver) TryExtractRaw(raw []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved || r.pending.ProfileID != "" {
		return false
	}

	match := profileIDPattern.FindSubmatch(raw)
	if match == nil {
		return false
	}
	value := string(match[1])
	if _, err := uuid.Parse(value); err != nil {
		return false
	}

	r.pending.ProfileID = value
	return r.commitLocked("raw_scan")
}

// commitLocked commits the pending identity when both required fields
// are present. First writer wins; the resolved channel closes exactly
// once. Caller holds r.mu.
func (r *Resolver) commitLocked(method string) bool {
	if r.pending.ProfileID == "" || r.pending.LaunchID == "" {
		return false
	}
	r.resolved = true
	r.identity = r.pending
	close(r.resolvedCh)
	r.logger.Info("session identity resolved",
		"profile_id", r.identity.ProfileID,
		"launch_id", r.identity.LaunchID,
		"extension_id", r.identity.ExtensionID,
		"method", method,
	)
	return true
}

// Wait blocks until identity resolves, the timeout elapses, or ctx is
// cancelled. On timeout it returns ErrWaitTimeout; on cancellation, the
// context's error.
func (r *Resolver) Wait(ctx context.Context, clk clock.Clock, timeout time.Duration) (Identity, error) {
	select {
	case <-r.resolvedCh:
		identity, _ := r.Snapshot()
		return identity, nil
	case <-clk.After(timeout):
		return Identity{}, ErrWaitTimeout
	case <-ctx.Done():
		return Identity{}, ctx.Err()
	}
}

// scalarString stringifies a JSON scalar. Objects, arrays, and nil
// return "".
func scalarString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		// JSON numbers decode as float64; identities are integral
		// when numeric at all.
		return fmt.Sprintf("%.0f", v)
	case bool:
		return fmt.Sprintf("%t", v)
	default:
		return ""
	}
}
