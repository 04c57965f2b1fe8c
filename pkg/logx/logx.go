// Package logx configures structured logging for the whole program.
package logx

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls where and how logs are written.
type Config struct {
	Level      string `yaml:"level"`      // trace, debug, info, warn, error
	File       string `yaml:"file"`       // optional log file, size-rotated
	MaxSizeMB  int    `yaml:"maxSizeMb"`  // rotate threshold, default 10
	MaxBackups int    `yaml:"maxBackups"` // rotated files kept, default 5
	Pretty     bool   `yaml:"pretty"`     // human console output instead of JSON
}

// New builds the root logger. Console output goes to stderr; when a
// file is configured it receives a JSON copy of everything.
func New(cfg Config) zerolog.Logger {
	var console io.Writer = os.Stderr
	if cfg.Pretty {
		console = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	writers := []io.Writer{console}
	if cfg.File != "" {
		maxSize := int64(cfg.MaxSizeMB)
		if maxSize <= 0 {
			maxSize = 10
		}
		backups := cfg.MaxBackups
		if backups <= 0 {
			backups = 5
		}
		os.MkdirAll(filepath.Dir(cfg.File), 0o755)
		writers = append(writers, newRotatingWriter(cfg.File, maxSize*1024*1024, backups))
	}

	out := io.MultiWriter(writers...)
	return zerolog.New(out).Level(parseLevel(cfg.Level)).With().Timestamp().Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "", "info":
		return zerolog.InfoLevel
	default:
		return zerolog.InfoLevel
	}
}
