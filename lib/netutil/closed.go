// Copyright 2026 The Synapse Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil carries small networking helpers shared by the
// transport loops.
package netutil

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// IsExpectedCloseError reports whether err is a normal connection
// termination: EOF, closed connection, broken pipe, or connection
// reset. The backend link tears its connection down on shutdown and the
// backend process restarts freely, so the receive loop's in-flight read
// routinely fails with one of these; they schedule a reconnect rather
// than an error log.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
