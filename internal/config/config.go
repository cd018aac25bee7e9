package config

import (
	"fmt"
	"time"

	"InvoiceLedger/internal/ledger"
	"InvoiceLedger/internal/observability"
	"InvoiceLedger/internal/reconcile"

	"github.com/caarlos0/env/v11"
)

// Prefix is prepended to every environment variable name.
const Prefix = "INVOICE_"

// Config holds all application configuration, loaded from the environment.
type Config struct {
	Log LogConfig `envPrefix:"LOG_"`

	// Database
	DBDriver string `env:"DB_DRIVER" envDefault:"sqlite"`
	DBDSN    string `env:"DB_DSN" envDefault:"file:invoiceledger.db"`

	// NATS; ingestion from the stream is disabled when empty
	NATSURL string `env:"NATS_URL"`

	Chain ChainConfig `envPrefix:"CHAIN_"`

	// Lifecycle
	RepaymentPolicy string        `env:"REPAYMENT_POLICY" envDefault:"immediate"`
	GracePeriod     time.Duration `env:"GRACE_PERIOD" envDefault:"72h"`

	Hold HoldConfig `envPrefix:"HOLD_"`

	// Reconciliation
	ReorderWindow          time.Duration `env:"REORDER_WINDOW" envDefault:"2s"`
	Shards                 int           `env:"SHARDS" envDefault:"8"`
	ShardQueueSize         int           `env:"SHARD_QUEUE_SIZE" envDefault:"1024"`
	IdempotencyLRUCapacity int           `env:"IDEMPOTENCY_LRU_CAPACITY" envDefault:"100000"`
	IdempotencyWarmSize    int           `env:"IDEMPOTENCY_WARM_SIZE" envDefault:"10000"`

	// Audit worker
	AuditQueueSize    int           `env:"AUDIT_QUEUE_SIZE" envDefault:"4096"`
	AuditBatchSize    int           `env:"AUDIT_BATCH_SIZE" envDefault:"100"`
	AuditFlushTimeout time.Duration `env:"AUDIT_FLUSH_TIMEOUT" envDefault:"250ms"`

	// Scheduler
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL" envDefault:"5s"`
	WindowInterval  time.Duration `env:"WINDOW_INTERVAL" envDefault:"1m"`
	OverdueInterval time.Duration `env:"OVERDUE_INTERVAL" envDefault:"5m"`

	// gRPC/HTTP
	GRPCAddr string `env:"GRPC_ADDR" envDefault:":9090"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	// Tracing is off when empty
	OTLPEndpoint string `env:"OTLP_ENDPOINT"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

type LogConfig struct {
	Level      string `env:"LEVEL" envDefault:"info"`
	File       string `env:"FILE"`
	MaxSizeMB  int    `env:"MAX_SIZE_MB" envDefault:"100"`
	MaxBackups int    `env:"MAX_BACKUPS" envDefault:"5"`
	MaxAgeDays int    `env:"MAX_AGE_DAYS" envDefault:"28"`
}

// ChainConfig drives the log watcher. Empty RPCURL disables it.
type ChainConfig struct {
	RPCURL        string        `env:"RPC_URL"`
	Contract      string        `env:"CONTRACT"`
	StartBlock    uint64        `env:"START_BLOCK"`
	Confirmations uint64        `env:"CONFIRMATIONS" envDefault:"12"`
	BatchSize     uint64        `env:"BATCH_SIZE" envDefault:"500"`
	PollInterval  time.Duration `env:"POLL_INTERVAL" envDefault:"12s"`
}

type HoldConfig struct {
	MaxAttempts     int           `env:"MAX_ATTEMPTS" envDefault:"8"`
	InitialInterval time.Duration `env:"INITIAL_INTERVAL" envDefault:"2s"`
	MaxInterval     time.Duration `env:"MAX_INTERVAL" envDefault:"5m"`
	Multiplier      float64       `env:"MULTIPLIER" envDefault:"2"`
	Jitter          float64       `env:"JITTER" envDefault:"0.2"`
}

// Load parses the process environment.
func Load() (Config, error) {
	return parse(env.Options{Prefix: Prefix})
}

// LoadFrom parses an explicit variable set; used by tests.
func LoadFrom(vars map[string]string) (Config, error) {
	return parse(env.Options{Prefix: Prefix, Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values the env tags cannot express.
func (c Config) Validate() error {
	if c.DBDriver != "postgres" && c.DBDriver != "sqlite" {
		return fmt.Errorf("%sDB_DRIVER: unsupported driver %q", Prefix, c.DBDriver)
	}
	if _, err := ledger.ParseRepaymentPolicy(c.RepaymentPolicy); err != nil {
		return fmt.Errorf("%sREPAYMENT_POLICY: %w", Prefix, err)
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("%sGRACE_PERIOD must not be negative", Prefix)
	}
	if c.Shards <= 0 {
		return fmt.Errorf("%sSHARDS must be positive, got %d", Prefix, c.Shards)
	}
	if c.ReorderWindow < 0 {
		return fmt.Errorf("%sREORDER_WINDOW must not be negative", Prefix)
	}
	if c.Hold.MaxAttempts <= 0 {
		return fmt.Errorf("%sHOLD_MAX_ATTEMPTS must be positive, got %d", Prefix, c.Hold.MaxAttempts)
	}
	if c.Chain.RPCURL != "" && c.Chain.Contract == "" {
		return fmt.Errorf("%sCHAIN_CONTRACT is required when %sCHAIN_RPC_URL is set", Prefix, Prefix)
	}
	return nil
}

func (c Config) Policy() ledger.RepaymentPolicy {
	p, _ := ledger.ParseRepaymentPolicy(c.RepaymentPolicy)
	return p
}

func (c Config) HoldPolicy() reconcile.HoldPolicy {
	return reconcile.HoldPolicy{
		MaxAttempts:     c.Hold.MaxAttempts,
		InitialInterval: c.Hold.InitialInterval,
		MaxInterval:     c.Hold.MaxInterval,
		Multiplier:      c.Hold.Multiplier,
		Jitter:          c.Hold.Jitter,
	}
}

func (c Config) LogSink() observability.LogConfig {
	return observability.LogConfig{
		Level:      c.Log.Level,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}
