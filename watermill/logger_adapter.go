/*
Package watermill adapts Watermill to the logger and trace propagation used by the
in-process broker.
*/
package watermill

import (
	"log/slog"
	"sort"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/shortlink-org/eventcore/logger"
)

type loggerAdapter struct {
	log    logger.Logger
	fields watermill.LogFields
}

// NewWatermillLogger routes Watermill's internal logs into our logger.
func NewWatermillLogger(log logger.Logger) watermill.LoggerAdapter {
	return &loggerAdapter{
		log:    log,
		fields: watermill.LogFields{"component": "watermill"},
	}
}

func (l *loggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &loggerAdapter{
		log:    l.log,
		fields: l.fields.Add(fields),
	}
}

// attrs merges base and call fields, call fields win. Keys are sorted so output is stable.
func (l *loggerAdapter) attrs(fields watermill.LogFields, err error) []slog.Attr {
	merged := l.fields.Add(fields)

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]slog.Attr, 0, len(keys)+1)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, merged[k]))
	}

	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
	}

	return attrs
}

func (l *loggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	l.log.Error(msg, l.attrs(fields, err)...)
}

func (l *loggerAdapter) Info(msg string, fields watermill.LogFields) {
	l.log.Info(msg, l.attrs(fields, nil)...)
}

func (l *loggerAdapter) Debug(msg string, fields watermill.LogFields) {
	l.log.Debug(msg, l.attrs(fields, nil)...)
}

func (l *loggerAdapter) Trace(msg string, fields watermill.LogFields) {
	l.Debug(msg, fields)
}
