package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// Logger is our contract for the logger.
type Logger interface {
	Error(msg string, fields ...slog.Attr)
	ErrorWithContext(ctx context.Context, msg string, fields ...slog.Attr)

	Warn(msg string, fields ...slog.Attr)
	WarnWithContext(ctx context.Context, msg string, fields ...slog.Attr)

	Info(msg string, fields ...slog.Attr)
	InfoWithContext(ctx context.Context, msg string, fields ...slog.Attr)

	Debug(msg string, fields ...slog.Attr)
	DebugWithContext(ctx context.Context, msg string, fields ...slog.Attr)

	// Closer is the interface that wraps the basic Close method.
	io.Closer
}

const (
	// ERROR_LEVEL - error level
	ERROR_LEVEL = iota //nolint:revive,stylecheck // keep upper case for env compatibility
	// WARN_LEVEL - warn level
	WARN_LEVEL //nolint:revive,stylecheck // keep upper case for env compatibility
	// INFO_LEVEL - info level
	INFO_LEVEL //nolint:revive,stylecheck // keep upper case for env compatibility
	// DEBUG_LEVEL - debug level
	DEBUG_LEVEL //nolint:revive,stylecheck // keep upper case for env compatibility
)

// Configuration - options for logger
type Configuration struct {
	Writer     io.Writer
	TimeFormat string
	Level      int
}

// Default returns configuration with stdout writer and INFO level.
func Default() Configuration {
	return Configuration{
		Level:      INFO_LEVEL,
		Writer:     os.Stdout,
		TimeFormat: time.RFC3339Nano,
	}
}

// Validate - validate configuration and set defaults
func (c *Configuration) Validate() error {
	if c.Level < ERROR_LEVEL || c.Level > DEBUG_LEVEL {
		return ErrInvalidLogLevel
	}

	if c.Writer == nil {
		c.Writer = os.Stdout
	}

	if c.TimeFormat == "" {
		c.TimeFormat = time.RFC3339Nano
	}

	return nil
}
