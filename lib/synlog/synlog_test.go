// Copyright 2026 The Synapse Authors
// SPDX-License-Identifier: Apache-2.0

package synlog

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readLogFile(t *testing.T, directory string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(directory, logFileName))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	return string(data)
}

func TestBufferedRecordsFlushOnInit(t *testing.T) {
	directory := t.TempDir()
	sink := New(directory)

	sink.Native(slog.LevelInfo, "starting up")
	sink.Browser("error", "content script failed", "2026-08-30T10:00:00Z")
	if sink.Ready() {
		t.Fatal("sink ready before Init")
	}

	if err := sink.Init("profile-1"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer sink.Close()
	if !sink.Ready() {
		t.Fatal("sink not ready after Init")
	}

	content := readLogFile(t, directory)
	if !strings.Contains(content, "starting up") {
		t.Errorf("buffered native record missing:\n%s", content)
	}
	if !strings.Contains(content, "content script failed") {
		t.Errorf("buffered browser record missing:\n%s", content)
	}
	if !strings.Contains(content, "profile_id=profile-1") {
		t.Errorf("profile tag missing:\n%s", content)
	}
	if !strings.Contains(content, "source=browser") {
		t.Errorf("browser source tag missing:\n%s", content)
	}
}

func TestInitIdempotent(t *testing.T) {
	directory := t.TempDir()
	sink := New(directory)
	if err := sink.Init("p"); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	defer sink.Close()
	if err := sink.Init("q"); err != nil {
		t.Fatalf("second Init: %v", err)
	}

	sink.Native(slog.LevelInfo, "after double init")
	content := readLogFile(t, directory)
	if strings.Contains(content, "profile_id=q") {
		t.Error("second Init replaced the profile tag")
	}
}

func TestBufferBounded(t *testing.T) {
	sink := New(t.TempDir())
	for i := 0; i < maxBufferedRecords+50; i++ {
		sink.Native(slog.LevelDebug, "message")
	}
	sink.mu.Lock()
	depth := len(sink.buffered)
	sink.mu.Unlock()
	if depth != maxBufferedRecords {
		t.Errorf("buffered %d records, want cap %d", depth, maxBufferedRecords)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"Error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for input, want := range cases {
		if got := ParseLevel(input); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}
