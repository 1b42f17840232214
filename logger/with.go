package logger

import "log/slog"

// WithFields creates a new logger with pre-set fields
func (log *SlogLogger) WithFields(fields ...slog.Attr) *SlogLogger {
	if len(fields) == 0 {
		return log
	}

	args := make([]any, 0, len(fields))
	for _, field := range fields {
		args = append(args, field)
	}

	return &SlogLogger{logger: log.logger.With(args...)}
}

// WithError creates a new logger with error field
func (log *SlogLogger) WithError(err error) *SlogLogger {
	if err == nil {
		return log
	}

	return log.WithFields(slog.String("error", err.Error()))
}

// WithTags creates a new logger with multiple tags
func (log *SlogLogger) WithTags(tags map[string]string) *SlogLogger {
	if len(tags) == 0 {
		return log
	}

	fields := make([]slog.Attr, 0, len(tags))
	for k, v := range tags {
		if k != "" && v != "" {
			fields = append(fields, slog.String(k, v))
		}
	}

	return log.WithFields(fields...)
}
