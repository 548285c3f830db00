// Package logger sets up structured logging for the engine: a colorized
// console handler for interactive runs and a rotated, line-delimited
// session log file for diagnostics (spec.md §6, "Persisted state").
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// SessionFileConfig controls the rotated session log file. Rotation
// parameters follow lumberjack semantics, as in the teacher's per-process
// log writers.
type SessionFileConfig struct {
	Dir        string // defaults to os.UserCacheDir()/micromux when empty
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

const (
	defaultMaxSizeMB  = 10
	defaultMaxBackups = 5
	defaultMaxAgeDays = 14
)

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// OpenSessionFile opens (creating directories as needed) the rotated
// session log file that backs the engine's diagnostic trail. The caller
// must Close() the returned writer on shutdown.
func OpenSessionFile(cfg SessionFileConfig) (io.WriteCloser, string, error) {
	dir := cfg.Dir
	if dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			base = os.TempDir()
		}
		dir = filepath.Join(base, "micromux")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, "", err
	}
	path := filepath.Join(dir, "session.log")
	w := &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(cfg.MaxSizeMB, defaultMaxSizeMB),
		MaxBackups: valOr(cfg.MaxBackups, defaultMaxBackups),
		MaxAge:     valOr(cfg.MaxAgeDays, defaultMaxAgeDays),
	}
	return w, path, nil
}

// New builds the engine's root slog.Logger: colorized text to the console,
// and (when fileW is non-nil) a plain line-delimited text stream to the
// session log file. Both share the given level.
func New(level slog.Level, fileW io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	console := NewColorTextHandler(os.Stderr, opts, true)
	if fileW == nil {
		return slog.New(console)
	}
	file := slog.NewTextHandler(fileW, opts)
	return slog.New(fanoutHandler{console, file})
}

// fanoutHandler duplicates every record to two slog.Handlers; used to
// write colorized text to the console and plain text to the session file
// from a single logger.
type fanoutHandler struct {
	console slog.Handler
	file    slog.Handler
}

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return f.console.Enabled(ctx, level) || f.file.Enabled(ctx, level)
}

func (f fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	if f.console.Enabled(ctx, r.Level) {
		if err := f.console.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	if f.file.Enabled(ctx, r.Level) {
		return f.file.Handle(ctx, r.Clone())
	}
	return nil
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return fanoutHandler{f.console.WithAttrs(attrs), f.file.WithAttrs(attrs)}
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	return fanoutHandler{f.console.WithGroup(name), f.file.WithGroup(name)}
}
