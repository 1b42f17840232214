package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/trace"

	"github.com/shortlink-org/eventcore/config"
	"github.com/shortlink-org/eventcore/db"
	"github.com/shortlink-org/eventcore/logger"
)

// New return new instance of Store
func New(cfg Config, tracer trace.TracerProvider, log logger.Logger) *Store {
	if log == nil {
		log = logger.NewNoop()
	}

	return &Store{
		config: cfg,
		tracer: tracer,
		log:    log,
	}
}

// LoadConfig reads the connection settings.
func LoadConfig(cfg *config.Config) Config {
	dbinfo := fmt.Sprintf("postgres://%s:%s@localhost:5432/%s?sslmode=disable", "postgres", "eventcore", "eventcore")

	cfg.SetDefault("STORE_POSTGRES_URI", dbinfo) // Postgres URI
	cfg.SetDefault("STORE_POSTGRES_MAX_CONNS", 0) // 0 - pgxpool default
	cfg.SetDefault("STORE_POSTGRES_TRACE_QUERY_ARGS", true)

	return Config{
		URI:             cfg.GetString("STORE_POSTGRES_URI"),
		MaxConns:        int32(cfg.GetInt("STORE_POSTGRES_MAX_CONNS")), //nolint:gosec // pool size fits int32
		IncludeQueryArg: cfg.GetBool("STORE_POSTGRES_TRACE_QUERY_ARGS"),
	}
}

// Init - initialize
func (s *Store) Init(ctx context.Context) error {
	poolConfig, err := s.poolConfig()
	if err != nil {
		return err
	}

	// Connect to Postgres
	s.client, err = pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return &StoreError{
			Op:      "init",
			Err:     err,
			Details: "failed to open the database",
		}
	}

	// Check connecting
	err = s.client.Ping(ctx)
	if err != nil {
		s.client.Close()
		s.client = nil

		return &PingConnectionError{err}
	}

	s.log.Info("db/postgres: connected", slog.Int("max_conns", int(poolConfig.MaxConns)))

	return nil
}

// GetConn - get connect
func (s *Store) GetConn() any {
	return s.client
}

// Pool returns the pool, nil before Init.
func (s *Store) Pool() *pgxpool.Pool {
	return s.client
}

// Close releases the pool.
func (s *Store) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

func (s *Store) poolConfig() (*pgxpool.Config, error) {
	cnfPool, err := pgxpool.ParseConfig(s.config.URI)
	if err != nil {
		return nil, &StoreError{
			Op:      "ParseConfig",
			Err:     err,
			Details: "failed to parse postgres connection config",
		}
	}

	if s.config.MaxConns > 0 {
		cnfPool.MaxConns = s.config.MaxConns
	}

	// Instrument the pgxpool config with OpenTelemetry.
	var params []otelpgx.Option
	if s.config.IncludeQueryArg {
		params = append(params, otelpgx.WithIncludeQueryParameters())
	}
	if s.tracer != nil {
		params = append(params, otelpgx.WithTracerProvider(s.tracer))
	}

	cnfPool.ConnConfig.Tracer = otelpgx.NewTracer(params...)

	return cnfPool, nil
}

var _ db.DB = (*Store)(nil)
