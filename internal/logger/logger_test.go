package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewWritesToFile(t *testing.T) {
	dir := t.TempDir()
	log := Config{Dir: dir, Level: "debug"}.New("worker-abc123")
	log.Info("worker ready", "server", "abc123")

	data, err := os.ReadFile(filepath.Join(dir, "worker-abc123.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "worker ready") || !strings.Contains(string(data), "abc123") {
		t.Fatalf("log entry missing: %q", data)
	}
}

func TestConsoleWriter(t *testing.T) {
	dir := t.TempDir()
	w := Config{Dir: dir}.Console("worker-abc123")
	if _, err := w.Write([]byte("[INFO] Done\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "worker-abc123.console.log"))
	if err != nil {
		t.Fatalf("read console log: %v", err)
	}
	if string(data) != "[INFO] Done\n" {
		t.Fatalf("console output = %q", data)
	}
}

func TestConsoleWithoutDirFallsBack(t *testing.T) {
	w := Config{}.Console("worker-abc123")
	if w != os.Stderr {
		t.Fatalf("expected stderr fallback")
	}
}
