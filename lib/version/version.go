// Copyright 2026 The Synapse Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build version information for the host
// binary.
//
// Values are injected at build time via -ldflags, for example:
//
//	go build -ldflags "-X github.com/bloom-foundation/synapse/lib/version.Build=$(git rev-list --count HEAD)"
package version

import (
	"fmt"
	"runtime"
)

// These variables are set via -ldflags at build time.
var (
	// Version is the semantic protocol/host version advertised in the
	// handshake. Set manually for releases.
	Version = "2.1.0"

	// Build is the monotonically increasing build number.
	Build = "14"

	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"
)

// Info returns a formatted version string suitable for --version output.
func Info() string {
	return fmt.Sprintf("%s build %s", Version, Build)
}

// Full returns detailed version information including the Go runtime.
func Full() string {
	return fmt.Sprintf("%s (%s)\n  Go: %s\n  Platform: %s/%s",
		Info(), BuildTime, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
