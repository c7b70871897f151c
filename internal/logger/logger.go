package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters, lumberjack semantics.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Config describes log destinations for a worker or the control plane.
type Config struct {
	// Level is debug, info, warn or error. Empty means info.
	Level string `mapstructure:"level"`
	// Dir is the base directory for log files. Empty keeps everything on
	// stderr.
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// New builds the slog logger: text on stderr, plus a rotating JSON file
// under Dir when configured.
func (c Config) New(name string) *slog.Logger {
	level := parseLevel(c.Level)
	var w io.Writer = os.Stderr
	if c.Dir != "" {
		_ = os.MkdirAll(c.Dir, 0o750)
		w = io.MultiWriter(os.Stderr, c.rotating(fmt.Sprintf("%s.log", name)))
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Console returns the rotating writer that captures a game server's
// combined console output. Falls back to stderr when no Dir is set so
// dispatcher job logs still show the server console.
func (c Config) Console(name string) io.Writer {
	if c.Dir == "" {
		return os.Stderr
	}
	_ = os.MkdirAll(c.Dir, 0o750)
	return c.rotating(fmt.Sprintf("%s.console.log", name))
}

func (c Config) rotating(file string) io.WriteCloser {
	return &lj.Logger{
		Filename:   filepath.Join(c.Dir, file),
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
