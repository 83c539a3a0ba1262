package app

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/DarlingtonDeveloper/swarm-recoverability/internal/config"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewLogger builds the process logger. Console output goes through tint;
// with a log file configured, records are written as JSON to a rotating
// file. The returned closer releases the file.
func NewLogger(cfg config.LoggingConfig, debug bool) (*slog.Logger, io.Closer) {
	return newLogger(cfg, debug, os.Stderr)
}

func newLogger(cfg config.LoggingConfig, debug bool, console io.Writer) (*slog.Logger, io.Closer) {
	level := parseLevel(cfg.Level)
	if debug {
		level = slog.LevelDebug
	}

	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		opts := &slog.HandlerOptions{Level: level}
		var h slog.Handler = slog.NewJSONHandler(rotator, opts)
		if cfg.Format == "text" {
			h = slog.NewTextHandler(rotator, opts)
		}
		return slog.New(h), rotator
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(console, &slog.HandlerOptions{Level: level})), nopCloser{}
	}
	return slog.New(tint.NewHandler(console, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	})), nopCloser{}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
