// Copyright 2026 The Synapse Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the length-prefixed frame format used on both
// sides of the bridge. Each frame is a 4-byte payload length followed by
// the raw payload bytes (UTF-8 JSON at the protocol level, opaque here).
//
// The two transports disagree on byte order: the extension pipe uses
// little-endian lengths (Chrome native messaging), the backend TCP
// socket uses big-endian lengths (network order). A Codec carries the
// byte order and the size cap for one transport.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ExtensionMaxFrameSize is the largest payload accepted on the extension
// pipe. Chrome enforces a 1 MB native-messaging limit; 1,020,000 bytes
// leaves a safety margin under it.
const ExtensionMaxFrameSize = 1_020_000

// BackendMaxFrameSize is the largest payload accepted on the backend
// socket. Backend traffic carries reassembled chunked transfers, so the
// cap is far larger than the extension-facing one.
const BackendMaxFrameSize = 50 * 1024 * 1024

// ErrFrameTooLarge reports a frame whose declared length exceeds the
// codec's cap. The length field has been consumed; the payload has not.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// ErrEmptyFrame reports a frame with a declared length of zero. As with
// ErrFrameTooLarge, only the length field has been consumed, so the
// caller can log and continue reading the next frame.
var ErrEmptyFrame = errors.New("wire: zero-length frame")

// SizeError wraps ErrFrameTooLarge with the offending and maximum sizes,
// so the caller can report the rejected size upstream (the bridge sends
// it to the backend in an EXTENSION_ERROR message).
type SizeError struct {
	Size uint32
	Max  uint32
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("wire: frame of %d bytes exceeds maximum %d", e.Size, e.Max)
}

// Unwrap lets errors.Is(err, ErrFrameTooLarge) match a SizeError.
func (e *SizeError) Unwrap() error { return ErrFrameTooLarge }

// Codec reads and writes frames for one transport.
type Codec struct {
	order binary.ByteOrder
	max   uint32
}

// ExtensionCodec returns the codec for the extension pipe:
// little-endian lengths, capped at ExtensionMaxFrameSize.
func ExtensionCodec() Codec {
	return Codec{order: binary.LittleEndian, max: ExtensionMaxFrameSize}
}

// BackendCodec returns the codec for the backend socket: big-endian
// lengths, capped at BackendMaxFrameSize.
func BackendCodec() Codec {
	return Codec{order: binary.BigEndian, max: BackendMaxFrameSize}
}

// MaxFrameSize returns the codec's payload size cap.
func (c Codec) MaxFrameSize() uint32 { return c.max }

// WriteFrame writes one frame: the 4-byte length in the codec's byte
// order, then the payload. Payloads over the cap are rejected before
// anything is written, keeping the stream well-formed.
func (c Codec) WriteFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > uint64(c.max) {
		return &SizeError{Size: uint32(len(payload)), Max: c.max}
	}
	var header [4]byte
	c.order.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("wire: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one frame and returns its payload. It blocks until the
// length field and the full payload arrive, or the stream ends.
//
// io.EOF on the first length byte is returned unchanged: end-of-stream
// between frames is the peer's clean shutdown signal, not an error. A
// stream ending mid-frame returns io.ErrUnexpectedEOF.
//
// A declared length of zero returns ErrEmptyFrame; a length over the cap
// returns a SizeError (errors.Is ErrFrameTooLarge). In both cases only
// the 4 length bytes have been consumed and the caller may keep reading
// frames from the same stream.
func (c Codec) ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("wire: read frame header: %w", err)
	}

	length := c.order.Uint32(header[:])
	if length == 0 {
		return nil, ErrEmptyFrame
	}
	if length > c.max {
		return nil, &SizeError{Size: length, Max: c.max}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wire: read frame payload: %w", err)
	}
	return payload, nil
}
