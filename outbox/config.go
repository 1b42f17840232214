package outbox

import (
	"time"

	"github.com/shortlink-org/eventcore/config"
)

// Config of the poller. Zero durations and sizes take the DefaultConfig value.
type Config struct {
	PollInterval    time.Duration
	BatchSize       int
	DeliveryTimeout time.Duration
	// MaxRetries is the number of retries after the first attempt. Zero
	// means a single attempt, only a negative value takes the default.
	MaxRetries      int
	Retention       time.Duration
	CleanupInterval time.Duration
	StopTimeout     time.Duration
}

// LoadConfig reads OUTBOX_* keys.
func LoadConfig(cfg *config.Config) Config {
	cfg.SetDefault("OUTBOX_POLL_INTERVAL", "5s")
	cfg.SetDefault("OUTBOX_BATCH_SIZE", 10)
	cfg.SetDefault("OUTBOX_DELIVERY_TIMEOUT", "30s")
	cfg.SetDefault("OUTBOX_MAX_RETRIES", 3)
	cfg.SetDefault("OUTBOX_RETENTION", "720h") // 30 days
	cfg.SetDefault("OUTBOX_CLEANUP_INTERVAL", "1h")
	cfg.SetDefault("OUTBOX_STOP_TIMEOUT", "10s")

	return Config{
		PollInterval:    cfg.GetDuration("OUTBOX_POLL_INTERVAL"),
		BatchSize:       cfg.GetInt("OUTBOX_BATCH_SIZE"),
		DeliveryTimeout: cfg.GetDuration("OUTBOX_DELIVERY_TIMEOUT"),
		MaxRetries:      cfg.GetInt("OUTBOX_MAX_RETRIES"),
		Retention:       cfg.GetDuration("OUTBOX_RETENTION"),
		CleanupInterval: cfg.GetDuration("OUTBOX_CLEANUP_INTERVAL"),
		StopTimeout:     cfg.GetDuration("OUTBOX_STOP_TIMEOUT"),
	}
}

// DefaultConfig is LoadConfig without overrides.
func DefaultConfig() Config {
	return Config{
		PollInterval:    5 * time.Second,
		BatchSize:       10, //nolint:mnd // default batch
		DeliveryTimeout: 30 * time.Second,
		MaxRetries:      3, //nolint:mnd // default retries
		Retention:       30 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		StopTimeout:     10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()

	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = def.DeliveryTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.Retention <= 0 {
		c.Retention = def.Retention
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = def.CleanupInterval
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = def.StopTimeout
	}

	return c
}
