package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/trace"

	"github.com/shortlink-org/eventcore/logger"
)

// Config - config
type Config struct {
	URI             string
	MaxConns        int32
	IncludeQueryArg bool
}

// Store implementation of db interface
type Store struct {
	client *pgxpool.Pool
	config Config

	tracer trace.TracerProvider
	log    logger.Logger
}
