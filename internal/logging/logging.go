// Package logging wraps the standard log.Logger with level-tagged methods
// and file rotation, following the pattern the teacher's
// internal/logging/logging.go established, generalized for Conduit's own
// components instead of a single client config.
package logging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where and how a Logger writes.
type Config struct {
	Level      string // debug, info, warn, error
	File       string // path to log file; empty means stderr only
	MaxSize    int    // megabytes before rotation
	MaxBackups int    // rotated files retained
	MaxAge     int    // days rotated files are retained
}

// DefaultConfig matches the teacher's defaults, retargeted at Conduit's own
// state directory.
var DefaultConfig = Config{
	Level:      LevelInfo,
	File:       "~/.conduit/conduit.log",
	MaxSize:    100,
	MaxBackups: 3,
	MaxAge:     7,
}

// Validate reports whether c can be passed to InitGlobalLogger/NewLogger.
// InitGlobalLogger itself is lenient (an empty or unknown Level just ranks
// as info); this exists for callers, like config file validation, that
// want to reject a bad value before it's ever used.
func (c *Config) Validate() error {
	switch c.Level {
	case "", LevelDebug, LevelInfo, LevelWarn, LevelError:
	default:
		return fmt.Errorf("invalid log level: %s", c.Level)
	}
	if c.MaxSize <= 0 {
		return fmt.Errorf("max_size must be positive")
	}
	if c.MaxBackups < 0 {
		return fmt.Errorf("max_backups must be non-negative")
	}
	if c.MaxAge < 0 {
		return fmt.Errorf("max_age must be non-negative")
	}
	return nil
}

// Logger is a leveled logger backed by a rotating file writer.
type Logger struct {
	*standardLogger
	writer *lumberjack.Logger
	level  int
}

// NewLogger builds a Logger per cfg. An empty cfg.File logs to stderr only.
func NewLogger(cfg Config) (*Logger, error) {
	logFile := cfg.File
	if strings.HasPrefix(logFile, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		logFile = filepath.Join(homeDir, logFile[2:])
	}

	var out *lumberjack.Logger
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		out = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   true,
		}
	}

	logger := newStandardLogger(out)

	return &Logger{
		standardLogger: logger,
		writer:         out,
		level:          levelRank(cfg.Level),
	}, nil
}

func (l *Logger) Close() error {
	if l.writer == nil {
		return nil
	}
	return l.writer.Close()
}

// Log levels, ordered least to most severe.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

func levelRank(level string) int {
	switch level {
	case LevelDebug:
		return 0
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	default:
		return 1 // info
	}
}

func (l *Logger) Debug(format string, v ...interface{}) {
	if l.level <= 0 {
		l.printf("[DEBUG] "+format, v...)
	}
}

func (l *Logger) Info(format string, v ...interface{}) {
	if l.level <= 1 {
		l.printf("[INFO] "+format, v...)
	}
}

func (l *Logger) Warn(format string, v ...interface{}) {
	if l.level <= 2 {
		l.printf("[WARN] "+format, v...)
	}
}

func (l *Logger) Error(format string, v ...interface{}) {
	l.printf("[ERROR] "+format, v...)
}

// ErrorWithContext annotates an error with a short human-readable context
// string while preserving Unwrap for errors.Is/As.
type ErrorWithContext struct {
	Err     error
	Context string
}

func (e *ErrorWithContext) Error() string {
	return fmt.Sprintf("%s: %v", e.Context, e.Err)
}

func (e *ErrorWithContext) Unwrap() error {
	return e.Err
}

func WrapError(err error, context string) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{Err: err, Context: context}
}

// Common sentinel errors shared by components that don't need a typed Kind
// from internal/errs.
var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrConnection    = errors.New("connection error")
	ErrProtocol      = errors.New("protocol error")
	ErrSecurity      = errors.New("security error")
)
