// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestNew_DefaultConfig(t *testing.T) {
	logger := New(Config{})
	if logger == nil {
		t.Fatal("New returned nil")
	}
	defer logger.Close()

	if logger.slog == nil {
		t.Error("underlying slog logger is nil")
	}
}

func TestNew_WithLogDir(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Level:   LevelDebug,
		LogDir:  dir,
		Service: "healthd-test",
		Quiet:   true,
	})
	logger.Info("file log entry", "key", "value")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	pattern := filepath.Join(dir, "healthd-test_*.log")
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one log file matching %s, got %v (err %v)", pattern, matches, err)
	}

	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "file log entry") {
		t.Errorf("log file missing entry: %s", data)
	}
	if !strings.Contains(string(data), `"service":"healthd-test"`) {
		t.Errorf("log file missing service attribute: %s", data)
	}
}

func TestNew_WithLogDir_InvalidPath(t *testing.T) {
	// Unwritable directory: file logging is skipped, logger still works.
	logger := New(Config{
		LogDir:  "/proc/nonexistent/logs",
		Service: "healthd-test",
	})
	defer logger.Close()

	logger.Info("still logs to stderr")
	if logger.file != nil {
		t.Error("expected nil file handle for invalid LogDir")
	}
}

func TestLogger_Exporter(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{
		Level:    LevelInfo,
		Service:  "healthd-test",
		Quiet:    true,
		Exporter: exporter,
	})
	defer logger.Close()

	logger.Info("exported entry", "processing_id", "p-123")
	logger.Debug("filtered entry") // below level, must not export

	// Export is async; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	var entries []LogEntry
	for time.Now().Before(deadline) {
		entries = exporter.Entries()
		if len(entries) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if len(entries) != 1 {
		t.Fatalf("expected 1 exported entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Message != "exported entry" {
		t.Errorf("Message = %q", e.Message)
	}
	if e.Service != "healthd-test" {
		t.Errorf("Service = %q", e.Service)
	}
	if e.Attrs["processing_id"] != "p-123" {
		t.Errorf("Attrs = %v", e.Attrs)
	}
}

func TestLogger_With(t *testing.T) {
	exporter := NewBufferedExporter()
	parent := New(Config{Quiet: true, Exporter: exporter})
	defer parent.Close()

	child := parent.With("user_id", "u-1")
	if child == parent {
		t.Error("With should return a new logger")
	}
	if child.file != nil {
		t.Error("child must not own the parent's file handle")
	}
	child.Info("child message")
}

func TestLogger_CloseIdempotent(t *testing.T) {
	logger := New(Config{Quiet: true})
	if err := logger.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	tests := []struct {
		in   string
		want string
	}{
		{"~/.aleutian/logs", filepath.Join(home, ".aleutian/logs")},
		{"/var/log", "/var/log"},
		{"relative/path", "relative/path"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := expandPath(tt.in); got != tt.want {
			t.Errorf("expandPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestArgsToMap(t *testing.T) {
	m := argsToMap([]any{"a", 1, "b", "two", 3, "dangling-key-not-string"})
	if len(m) != 2 {
		t.Fatalf("expected 2 entries, got %v", m)
	}
	if m["a"] != 1 || m["b"] != "two" {
		t.Errorf("unexpected map: %v", m)
	}
}

func TestWriterExporter(t *testing.T) {
	var buf bytes.Buffer
	e := NewWriterExporter(&buf)
	err := e.Export(context.Background(), LogEntry{
		Timestamp: time.Now(),
		Level:     LevelInfo,
		Message:   "hello",
		Attrs:     map[string]any{"k": "v"},
	})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if !strings.Contains(buf.String(), "hello") {
		t.Errorf("missing message: %s", buf.String())
	}
}
