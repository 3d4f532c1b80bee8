package logx

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("flow", "weekly"))

	log.Info("registered", Int("attempt", 2), Err(errors.New("boom")))

	out := buf.String()
	for _, want := range []string{"registered", "flow=weekly", "attempt=2", "boom", "logging_test.go:"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %q", out, want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")

	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
	if log.Enabled(LevelDebug) {
		t.Fatal("debug should not be enabled at warn level")
	}
	if !log.Enabled(LevelError) {
		t.Fatal("error should be enabled at warn level")
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var log Logger
	if !log.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	// Must not panic.
	log.With(String("k", "v")).Error("nothing")
}

func TestServiceFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runner.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	log.Info("to file", String("name", "weekly"))
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(b), `"message":"to file"`) || !strings.Contains(string(b), `"name":"weekly"`) {
		t.Fatalf("unexpected file content %q", b)
	}
}

func TestApplyKeepsFileWhenNewPathFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runner.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	t.Cleanup(func() { _ = svc.Close() })

	bad := Config{Level: "info", File: FileConfig{Enabled: true, Path: filepath.Join(dir, "missing", "runner.log")}}
	if err := svc.Apply(bad); err == nil {
		t.Fatal("expected an error for an unopenable log file")
	}
	log.Info("after failed reload")

	// Same path again: the open file is reused.
	if err := svc.Apply(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	log.Info("filtered")
	log.Warn("still here")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(b)
	if !strings.Contains(out, "after failed reload") || !strings.Contains(out, "still here") {
		t.Fatalf("file sink lost output: %q", out)
	}
	if strings.Contains(out, "filtered") {
		t.Fatalf("level change not applied: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{
		"":         LevelInfo,
		"DEBUG":    LevelDebug,
		" warning": LevelWarn,
		"trace":    LevelTrace,
		"loud":     LevelInfo,
	} {
		if got := parseLevel(in, LevelInfo); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
