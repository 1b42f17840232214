/*
Package bootstrap wires every component of the process from configuration.
Handlers, subscriptions and saga definitions are added by the RegisterFunc
values passed to New, there is no global registry.
*/
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/trace"

	"github.com/shortlink-org/eventcore/cache"
	"github.com/shortlink-org/eventcore/config"
	"github.com/shortlink-org/eventcore/cqrs/bus"
	"github.com/shortlink-org/eventcore/cqrs/handlers"
	"github.com/shortlink-org/eventcore/cqrs/message"
	pgdriver "github.com/shortlink-org/eventcore/db/drivers/postgres"
	dbredis "github.com/shortlink-org/eventcore/db/drivers/redis"
	"github.com/shortlink-org/eventcore/eventsourcing"
	esstore "github.com/shortlink-org/eventcore/eventsourcing/store"
	"github.com/shortlink-org/eventcore/logger"
	"github.com/shortlink-org/eventcore/mq"
	"github.com/shortlink-org/eventcore/mq/memory"
	mqredis "github.com/shortlink-org/eventcore/mq/redis"
	"github.com/shortlink-org/eventcore/observability/metrics"
	"github.com/shortlink-org/eventcore/observability/profiling"
	"github.com/shortlink-org/eventcore/observability/tracing"
	"github.com/shortlink-org/eventcore/outbox"
	outboxpg "github.com/shortlink-org/eventcore/outbox/store/postgres"
	outboxram "github.com/shortlink-org/eventcore/outbox/store/ram"
	"github.com/shortlink-org/eventcore/saga"
	sagapg "github.com/shortlink-org/eventcore/saga/store/postgres"
	sagaram "github.com/shortlink-org/eventcore/saga/store/ram"
)

// RegisterFunc adds handlers, subscriptions and sagas to a built App.
type RegisterFunc func(ctx context.Context, app *App) error

// App holds the wired components.
type App struct {
	Config     *config.Config
	Log        logger.Logger
	Tracer     trace.TracerProvider
	Monitoring *metrics.Monitoring

	Redis    *dbredis.Store
	Postgres *pgdriver.Store

	Store    eventsourcing.EventStore
	Events   *bus.EventBus
	Commands *bus.CommandBus
	Queries  *bus.QueryBus
	Sagas    *saga.Orchestrator
	Outbox   *outbox.Outbox

	// cleanup runs in reverse order
	cleanup []func() error
}

// New builds the App. On error everything built so far is released.
func New(ctx context.Context, cfg *config.Config, register ...RegisterFunc) (app *App, err error) {
	cfg.SetDefault("SERVICE_NAME", "eventcore")
	cfg.SetDefault("MONITORING_ENABLED", true)
	cfg.SetDefault("EVENT_BUS_REMOTE_TYPE", "redis") // Select: redis, memory
	cfg.SetDefault("SAGA_STORE_TYPE", "ram")         // Select: ram, postgres
	cfg.SetDefault("OUTBOX_STORE_TYPE", "ram")       // Select: ram, postgres

	app = &App{Config: cfg}

	defer func() {
		if err != nil {
			_ = app.close() //nolint:errcheck // the build error wins
		}
	}()

	steps := []func(ctx context.Context) error{
		app.initLogger,
		app.initObservability,
		app.initStorage,
		app.initBuses,
		app.initSagas,
		app.initOutbox,
	}
	for _, step := range steps {
		if err = step(ctx); err != nil {
			return nil, err
		}
	}

	for _, fn := range register {
		if err = fn(ctx, app); err != nil {
			return nil, fmt.Errorf("bootstrap: register: %w", err)
		}
	}

	if err = app.Events.Connect(ctx); err != nil {
		return nil, err
	}

	app.Log.Info("eventcore: ready",
		slog.String("service", cfg.GetString("SERVICE_NAME")),
		slog.String("remote_broker", cfg.GetString("EVENT_BUS_REMOTE_TYPE")),
	)

	return app, nil
}

// Run starts the outbox poller and blocks until ctx is done, then shuts down.
func (a *App) Run(ctx context.Context) error {
	if err := a.Outbox.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	return a.Shutdown(context.WithoutCancel(ctx))
}

// Shutdown stops background work and releases connections.
func (a *App) Shutdown(ctx context.Context) error {
	var result *multierror.Error

	if err := a.Outbox.Stop(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("bootstrap: stop outbox: %w", err))
	}

	if err := a.Sagas.Close(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("bootstrap: close sagas: %w", err))
	}

	if err := a.close(); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

func (a *App) close() error {
	var result *multierror.Error

	for i := len(a.cleanup) - 1; i >= 0; i-- {
		if err := a.cleanup[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	a.cleanup = nil

	return result.ErrorOrNil()
}

func (a *App) onClose(fn func() error) {
	a.cleanup = append(a.cleanup, fn)
}

func (a *App) initLogger(ctx context.Context) error {
	log, cleanup, err := logger.NewDefault(ctx, a.Config)
	if err != nil {
		return err
	}

	a.Log = log
	a.onClose(func() error {
		cleanup()
		return nil
	})

	return nil
}

func (a *App) initObservability(ctx context.Context) error {
	tracer, cleanup, err := tracing.New(ctx, a.Log, a.Config)
	if err != nil {
		return err
	}

	a.Tracer = tracer
	a.onClose(func() error {
		cleanup()
		return nil
	})

	if !a.Config.GetBool("MONITORING_ENABLED") {
		a.Monitoring, err = metrics.NewMonitoring(ctx, a.Config)
		if err != nil {
			return err
		}
		a.onClose(func() error { return a.Monitoring.Shutdown(context.Background()) })

		return nil
	}

	monitoring, stop, err := metrics.New(ctx, a.Log, a.Config)
	if err != nil {
		return err
	}

	a.Monitoring = monitoring
	a.onClose(func() error {
		stop()
		return nil
	})

	profiling.Register(monitoring.Handler, a.Log, a.Config)

	return nil
}

func (a *App) initStorage(ctx context.Context) error {
	a.Redis = dbredis.New(dbredis.LoadConfig(a.Config), a.Log)
	a.onClose(a.Redis.Close)

	if err := a.Redis.Init(ctx); err != nil {
		return err
	}

	cfg := dbredis.LoadConfig(a.Config)
	a.Monitoring.AddReadinessCheck("redis", metrics.PingCheck(cfg.PingTimeout, func(ctx context.Context) error {
		return a.Redis.Health(ctx).Err
	}))

	if a.Config.GetString("SAGA_STORE_TYPE") == "postgres" || a.Config.GetString("OUTBOX_STORE_TYPE") == "postgres" {
		a.Postgres = pgdriver.New(pgdriver.LoadConfig(a.Config), a.Tracer, a.Log)
		if err := a.Postgres.Init(ctx); err != nil {
			return err
		}
		a.onClose(func() error {
			a.Postgres.Close()
			return nil
		})

		a.Monitoring.AddReadinessCheck("postgres", metrics.PingCheck(cfg.PingTimeout, func(ctx context.Context) error {
			return a.Postgres.Pool().Ping(ctx)
		}))
	}

	store, err := esstore.New(ctx, a.Log, a.Redis, a.Config)
	if err != nil {
		return err
	}
	a.Store = store

	return nil
}

func (a *App) initBuses(ctx context.Context) error {
	brokerOpts := []mq.Option{
		mq.WithLogger(a.Log),
		mq.WithMeterProvider(a.Monitoring.Metrics),
	}

	local, err := memory.New(brokerOpts...)
	if err != nil {
		return err
	}

	var remote mq.Broker
	switch kind := a.Config.GetString("EVENT_BUS_REMOTE_TYPE"); kind {
	case "redis":
		remote, err = mqredis.New(a.Redis, mqredis.ChannelPrefix(a.Config), brokerOpts...)
	case "memory":
		remote, err = memory.New(brokerOpts...)
	default:
		err = fmt.Errorf("bootstrap: unknown remote broker %q", kind)
	}
	if err != nil {
		return err
	}

	busOpts := []bus.Option{
		bus.WithLogger(a.Log),
		bus.WithMeterProvider(a.Monitoring.Metrics),
		bus.WithServiceName(a.Config.GetString("SERVICE_NAME")),
	}

	a.Events, err = bus.NewEventBus(bus.EventBusConfig{
		Local:      local,
		Remote:     remote,
		Routing:    bus.LoadRoutingPolicy(a.Config),
		Serializer: message.NewJSONSerializer(),
		Store:      a.Store,
		Registry:   handlers.NewRegistry(),
	}, append(busOpts,
		bus.WithHandlerMiddleware(handlers.AsMiddleware(handlers.LoadDecoratorConfig(a.Config))),
	)...)
	if err != nil {
		return err
	}
	a.onClose(func() error { return a.Events.Disconnect(context.Background()) })

	a.Commands, err = bus.NewCommandBus(append(busOpts, bus.WithEventPublisher(a.Events))...)
	if err != nil {
		return err
	}

	c, err := cache.New(ctx, a.Redis, a.Config)
	if err != nil {
		return err
	}

	a.Queries, err = bus.NewQueryBus(append(busOpts,
		bus.WithQueryCache(bus.NewQueryCache(c, bus.LoadQueryCacheTTL(a.Config), a.Log)),
	)...)

	return err
}

func (a *App) initSagas(ctx context.Context) error {
	var repo saga.Repository = sagaram.New()

	if a.Config.GetString("SAGA_STORE_TYPE") == "postgres" {
		pg, err := sagapg.New(ctx, a.Postgres)
		if err != nil {
			return err
		}
		repo = pg
	}

	orchestrator, err := saga.New(
		saga.WithRepository(repo),
		saga.WithPublisher(a.Events),
		saga.WithLogger(a.Log),
		saga.WithTracerProvider(a.Tracer),
		saga.WithMeterProvider(a.Monitoring.Metrics),
		saga.WithEscalation(func(ctx context.Context, inst *saga.Instance, err *saga.CompensationError) {
			a.Log.ErrorWithContext(ctx, "saga: manual remediation required",
				slog.String("saga_id", inst.ID),
				slog.String("saga", inst.DefinitionName),
				slog.Any("error", err),
			)
		}),
	)
	if err != nil {
		return err
	}

	a.Sagas = orchestrator

	return nil
}

func (a *App) initOutbox(ctx context.Context) error {
	var repo outbox.Repository = outboxram.New()

	if a.Config.GetString("OUTBOX_STORE_TYPE") == "postgres" {
		pg, err := outboxpg.New(ctx, a.Postgres)
		if err != nil {
			return err
		}
		repo = pg
	}

	box, err := outbox.New(repo, outbox.ToEventBus(a.Events), outbox.LoadConfig(a.Config),
		outbox.WithLogger(a.Log),
		outbox.WithMeterProvider(a.Monitoring.Metrics),
	)
	if err != nil {
		return err
	}

	a.Outbox = box

	return nil
}
