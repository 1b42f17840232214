package logger

import (
	"context"
	"time"

	"github.com/shortlink-org/eventcore/config"
)

// NewDefault creates a new logger instance using values from config.
//
//nolint:ireturn // It's made by design
func NewDefault(_ context.Context, cfg *config.Config) (Logger, func(), error) {
	cfg.SetDefault("LOG_LEVEL", INFO_LEVEL)
	cfg.SetDefault("LOG_TIME_FORMAT", time.RFC3339Nano)

	conf := Configuration{
		Level:      cfg.GetInt("LOG_LEVEL"),
		TimeFormat: cfg.GetString("LOG_TIME_FORMAT"),
	}

	log, err := New(conf)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		_ = log.Close() //nolint:errcheck // ignore
	}

	return log, cleanup, nil
}
