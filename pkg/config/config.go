package config

import "time"

// Store types accepted by store.type.
const (
	StoreTypeRedis    = "redis"
	StoreTypePostgres = "postgres"
	StoreTypeDynamoDB = "dynamodb"
	StoreTypeMemory   = "memory"
)

// Config holds the service configuration.
type Config struct {
	Service ServiceConfig `mapstructure:"service"`
	Log     LogConfig     `mapstructure:"log"`
	Store   StoreConfig   `mapstructure:"store"`
	Jobs    JobsConfig    `mapstructure:"jobs"`
	Locks   LocksConfig   `mapstructure:"locks"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// ServiceConfig identifies the running process.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Version     string `mapstructure:"version"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// StoreConfig selects and configures the lock store.
type StoreConfig struct {
	Type             string              `mapstructure:"type"`
	OperationTimeout time.Duration       `mapstructure:"operation_timeout"`
	Redis            RedisStoreConfig    `mapstructure:"redis"`
	Postgres         PostgresStoreConfig `mapstructure:"postgres"`
	DynamoDB         DynamoDBStoreConfig `mapstructure:"dynamodb"`
}

// RedisStoreConfig configures the Redis lock store.
type RedisStoreConfig struct {
	URL       string `mapstructure:"url" secret:"true"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// PostgresStoreConfig configures the Postgres lock store.
type PostgresStoreConfig struct {
	URL   string `mapstructure:"url" secret:"true"`
	Table string `mapstructure:"table"`
	// PurgeInterval controls how often the worker deletes expired rows. Zero disables the purge.
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
}

// DynamoDBStoreConfig configures the DynamoDB lock store. Static credentials are optional; the
// default AWS chain is used without them.
type DynamoDBStoreConfig struct {
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Table           string `mapstructure:"table"`
	AccessKeyID     string `mapstructure:"access_key_id" secret:"true"`
	SecretAccessKey string `mapstructure:"secret_access_key" secret:"true"`
	SessionToken    string `mapstructure:"session_token" secret:"true"`
}

// JobsConfig configures the Redis queue and the worker pool.
type JobsConfig struct {
	RedisURL       string        `mapstructure:"redis_url" secret:"true"`
	Prefix         string        `mapstructure:"prefix"`
	Queues         []string      `mapstructure:"queues"`
	Concurrency    int           `mapstructure:"concurrency"`
	LeaseTTL       time.Duration `mapstructure:"lease_ttl"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout"`
}

// LocksConfig holds lock defaults and the job options file.
type LocksConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	Timeout         time.Duration `mapstructure:"timeout"`
	Prefix          string        `mapstructure:"prefix"`
	RescheduleDelay time.Duration `mapstructure:"reschedule_delay"`
	// OptionsFile is a YAML document mapping job names to their lock options.
	OptionsFile string `mapstructure:"options_file"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// TracingConfig configures the OTLP exporter.
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "uniquejobs",
			Environment: "production",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Type:             StoreTypeRedis,
			OperationTimeout: 3 * time.Second,
			Redis: RedisStoreConfig{
				URL: "redis://localhost:6379/0",
			},
			Postgres: PostgresStoreConfig{
				Table:         "uniquejobs_locks",
				PurgeInterval: time.Minute,
			},
			DynamoDB: DynamoDBStoreConfig{
				Table: "uniquejobs_locks",
			},
		},
		Jobs: JobsConfig{
			RedisURL:       "redis://localhost:6379/0",
			Prefix:         "uniquejobs:jobs",
			Queues:         []string{"default"},
			Concurrency:    5,
			LeaseTTL:       30 * time.Second,
			PollInterval:   100 * time.Millisecond,
			MaxAttempts:    5,
			InitialBackoff: time.Second,
			MaxBackoff:     time.Minute,
			AttemptTimeout: 30 * time.Second,
			StopTimeout:    10 * time.Second,
		},
		Locks: LocksConfig{
			TTL:             0,
			Timeout:         0,
			Prefix:          "uniquejobs",
			RescheduleDelay: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9090",
		},
		Tracing: TracingConfig{
			Enabled:    false,
			SampleRate: 1.0,
		},
	}
}
