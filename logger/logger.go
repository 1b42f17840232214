package logger

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/shortlink-org/eventcore/logger/tracer"
)

type SlogLogger struct {
	logger *slog.Logger
}

func New(cfg Configuration) (*SlogLogger, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	handler := slog.NewJSONHandler(cfg.Writer, &slog.HandlerOptions{
		Level:     convertLevel(cfg.Level),
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.String(slog.TimeKey, a.Value.Time().Format(cfg.TimeFormat))
			}
			return a
		},
	})

	return &SlogLogger{logger: slog.New(handler)}, nil
}

// NewNoop returns a logger that drops every record. Handy for tests and optional dependencies.
func NewNoop() *SlogLogger {
	log, _ := New(Configuration{Level: ERROR_LEVEL, Writer: io.Discard, TimeFormat: time.RFC3339})
	return log
}

func (log *SlogLogger) Close() error {
	// slog.Logger doesn't have a Close method, so we just return nil
	return nil
}

// convertLevel converts our log level to slog level
func convertLevel(level int) slog.Level {
	switch level {
	case ERROR_LEVEL:
		return slog.LevelError
	case WARN_LEVEL:
		return slog.LevelWarn
	case INFO_LEVEL:
		return slog.LevelInfo
	case DEBUG_LEVEL:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

func (log *SlogLogger) logWithContext(ctx context.Context, level slog.Level, msg string, fields ...slog.Attr) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !log.logger.Enabled(ctx, level) {
		return
	}

	// Add tracing only when the caller is inside a span
	if tracer.HasSpan(ctx) {
		fields = tracer.NewTraceFromContext(ctx, msg, nil, fields...)
	}

	log.logger.LogAttrs(ctx, level, msg, fields...)
}
