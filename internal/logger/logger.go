package logger

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings for spawned process logs.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes the log destination for a spawned process.
// Rotation parameters follow lumberjack semantics.
type Config struct {
	Dir        string // base directory for process logs
	MaxSizeMB  int    // megabytes before rotation (default 10)
	MaxBackups int    // number of backups to keep (default 3)
	MaxAgeDays int    // days to keep (default 7)
	Compress   bool   // gzip rotated files
}

// Path returns the log file path for the given process name.
func (c Config) Path(name string) string {
	return filepath.Join(c.Dir, name+".log")
}

// Writer returns a rotating writer capturing both stdout and stderr of
// the named process.
func (c Config) Writer(name string) (io.WriteCloser, error) {
	if c.Dir == "" {
		return nil, errors.New("log dir not configured")
	}
	if err := os.MkdirAll(c.Dir, 0o750); err != nil {
		return nil, err
	}
	return &lj.Logger{
		Filename:   c.Path(name),
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}, nil
}

// New returns a slog.Logger writing colorized text to w.
func New(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(NewColorTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
