// Package logx owns the harness's structured logging: one process-wide
// charmbracelet logger, swapped by the CLI once flags and config are known,
// plus derived loggers for components and per-run log files.
package logx

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// LoggerOptions configures a logger instance.
type LoggerOptions struct {
	// Level is the minimum level (debug, info, warn, error, fatal).
	Level string
	// Output receives formatted records (default os.Stderr).
	Output io.Writer
	// Prefix labels every record with a component name.
	Prefix string
	// TimeFormat renders the record timestamp.
	TimeFormat string
	// ReportCaller adds file:line to records.
	ReportCaller bool
	// ReportTimestamp adds the timestamp to records.
	ReportTimestamp bool
}

// DefaultLoggerOptions returns the harness defaults: info level to stderr
// with wall-clock timestamps. Suite output parsing keys on Pass:/Fail:
// lines, so log records deliberately never resemble them.
func DefaultLoggerOptions() LoggerOptions {
	return LoggerOptions{
		Level:           "info",
		Output:          os.Stderr,
		TimeFormat:      time.TimeOnly,
		ReportTimestamp: true,
	}
}

func parseLevel(s string) log.Level {
	lvl, err := log.ParseLevel(strings.ToLower(s))
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}

// InitLogger builds a logger from options.
func InitLogger(opts LoggerOptions) *log.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	return log.NewWithOptions(out, log.Options{
		Level:           parseLevel(opts.Level),
		Prefix:          opts.Prefix,
		TimeFormat:      opts.TimeFormat,
		ReportCaller:    opts.ReportCaller,
		ReportTimestamp: opts.ReportTimestamp,
	})
}

// InitFileLogger builds a logger that appends to the file at path in
// addition to the options' writer, creating parent directories as needed.
// The run command uses it to keep a runner.log beside the artifacts while
// records stay visible on stderr.
func InitFileLogger(path string, opts LoggerOptions) (*log.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, err
	}
	if opts.Output == nil {
		opts.Output = f
	} else {
		opts.Output = io.MultiWriter(opts.Output, f)
	}
	return InitLogger(opts), nil
}

// defaultLogger starts from env so early package-init logging honors the
// level even before the CLI installs the configured logger.
var defaultLogger = func() *log.Logger {
	opts := DefaultLoggerOptions()
	if level := os.Getenv("AM_HARNESS_LOG_LEVEL"); level != "" {
		opts.Level = level
	}
	return InitLogger(opts)
}()

// SetDefaultLogger replaces the process-wide logger.
func SetDefaultLogger(logger *log.Logger) {
	defaultLogger = logger
}

// GetDefaultLogger returns the process-wide logger, for callers that need
// its settings (level, writer) when deriving their own.
func GetDefaultLogger() *log.Logger {
	return defaultLogger
}

// WithPrefix derives a component-labelled logger from the current default.
func WithPrefix(prefix string) *log.Logger {
	return defaultLogger.WithPrefix(prefix)
}

// Debug logs a debug record through the default logger.
func Debug(msg interface{}, keyvals ...interface{}) {
	defaultLogger.Debug(msg, keyvals...)
}

// Info logs an info record through the default logger.
func Info(msg interface{}, keyvals ...interface{}) {
	defaultLogger.Info(msg, keyvals...)
}

// Warn logs a warning record through the default logger.
func Warn(msg interface{}, keyvals ...interface{}) {
	defaultLogger.Warn(msg, keyvals...)
}

// Error logs an error record through the default logger.
func Error(msg interface{}, keyvals ...interface{}) {
	defaultLogger.Error(msg, keyvals...)
}
