// Package log builds the process logger: colored console output plus an
// optional rotated JSON file.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/encodeous/tint"
	slogmulti "github.com/samber/slog-multi"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/xbeemesh/internal/config"
)

// Logger owns the handlers built from a LogConfig. Close flushes the log
// file when one is configured.
type Logger struct {
	*slog.Logger
	file io.Closer
}

// New builds a logger whose console lines carry prefix, usually the node
// address.
func New(cfg config.LogConfig, prefix string, console io.Writer) (*Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	handlers := []slog.Handler{
		tint.NewHandler(console, &tint.Options{
			Level:        level,
			TimeFormat:   "15:04:05",
			CustomPrefix: prefix,
		}),
	}

	l := &Logger{}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		w := createFileWriter(cfg)
		handlers = append(handlers, slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
		l.file = w
	}

	l.Logger = slog.New(slogmulti.Fanout(handlers...))
	return l, nil
}

// Init builds a stderr logger and installs it as the slog default.
func Init(cfg config.LogConfig, prefix string) (*Logger, error) {
	l, err := New(cfg, prefix, os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(l.Logger)
	return l, nil
}

func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

func createFileWriter(cfg config.LogConfig) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown level: %s", s)
	}
}
