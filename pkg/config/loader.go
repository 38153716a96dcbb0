package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader using Viper.
// Precedence: flags > ENV > secrets file > config file > defaults.
type ViperLoader struct {
	configFile string
	envPrefix  string
	flags      *pflag.FlagSet
}

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (e.g., "UNIQUEJOBS")
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// WithFlags binds the override flags registered by RegisterFlags.
func (l *ViperLoader) WithFlags(flags *pflag.FlagSet) *ViperLoader {
	l.flags = flags
	return l
}

// ConfigFile returns the path of the config file, or empty string if none.
func (l *ViperLoader) ConfigFile() string {
	return l.configFile
}

// Load reads and validates the configuration.
func (l *ViperLoader) Load() (*Config, error) {
	v := viper.New()

	l.setDefaults(v, DefaultConfig())

	// Read config file if provided
	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	if err := l.mergeSecrets(v); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(l.envPrefix)
	l.bindEnvVars(v)

	if err := l.bindFlags(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// flagBindings maps override flags to config keys.
var flagBindings = map[string]string{
	"log-level":    "log.level",
	"log-format":   "log.format",
	"store":        "store.type",
	"store-url":    "store.redis.url",
	"jobs-url":     "jobs.redis_url",
	"queues":       "jobs.queues",
	"concurrency":  "jobs.concurrency",
	"options-file": "locks.options_file",
	"metrics-addr": "metrics.address",
}

// RegisterFlags adds the override flags bound by WithFlags.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("log-level", "", "log level override (debug, info, warn, error)")
	flags.String("log-format", "", "log format override (json, text)")
	flags.String("store", "", "lock store override (redis, postgres, dynamodb, memory)")
	flags.String("store-url", "", "redis lock store url override")
	flags.String("jobs-url", "", "redis queue url override")
	flags.StringSlice("queues", nil, "queues to work, comma separated")
	flags.Int("concurrency", 0, "worker concurrency override")
	flags.String("options-file", "", "job lock options file")
	flags.String("metrics-addr", "", "metrics listen address override")
}

func (l *ViperLoader) bindFlags(v *viper.Viper) error {
	if l.flags == nil {
		return nil
	}
	for name, key := range flagBindings {
		flag := l.flags.Lookup(name)
		if flag == nil || !flag.Changed {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag --%s: %w", name, err)
		}
	}
	return nil
}

// bindEnvVars binds every key to <PREFIX>_<SECTION>_<KEY>.
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	// Service
	_ = v.BindEnv("service.name", l.prefixedEnv("SERVICE_NAME"))
	_ = v.BindEnv("service.environment", l.prefixedEnv("SERVICE_ENVIRONMENT"))
	_ = v.BindEnv("service.version", l.prefixedEnv("SERVICE_VERSION"))

	// Log
	_ = v.BindEnv("log.level", l.prefixedEnv("LOG_LEVEL"))
	_ = v.BindEnv("log.format", l.prefixedEnv("LOG_FORMAT"))

	// Store
	_ = v.BindEnv("store.type", l.prefixedEnv("STORE_TYPE"))
	_ = v.BindEnv("store.operation_timeout", l.prefixedEnv("STORE_OPERATION_TIMEOUT"))
	_ = v.BindEnv("store.redis.url", l.prefixedEnv("STORE_REDIS_URL"))
	_ = v.BindEnv("store.redis.key_prefix", l.prefixedEnv("STORE_REDIS_KEY_PREFIX"))
	_ = v.BindEnv("store.postgres.url", l.prefixedEnv("STORE_POSTGRES_URL"))
	_ = v.BindEnv("store.postgres.table", l.prefixedEnv("STORE_POSTGRES_TABLE"))
	_ = v.BindEnv("store.postgres.purge_interval", l.prefixedEnv("STORE_POSTGRES_PURGE_INTERVAL"))
	_ = v.BindEnv("store.dynamodb.region", l.prefixedEnv("STORE_DYNAMODB_REGION"), "AWS_REGION")
	_ = v.BindEnv("store.dynamodb.endpoint", l.prefixedEnv("STORE_DYNAMODB_ENDPOINT"))
	_ = v.BindEnv("store.dynamodb.table", l.prefixedEnv("STORE_DYNAMODB_TABLE"))
	_ = v.BindEnv("store.dynamodb.access_key_id", l.prefixedEnv("STORE_DYNAMODB_ACCESS_KEY_ID"))
	_ = v.BindEnv("store.dynamodb.secret_access_key", l.prefixedEnv("STORE_DYNAMODB_SECRET_ACCESS_KEY"))
	_ = v.BindEnv("store.dynamodb.session_token", l.prefixedEnv("STORE_DYNAMODB_SESSION_TOKEN"))

	// Jobs
	_ = v.BindEnv("jobs.redis_url", l.prefixedEnv("JOBS_REDIS_URL"))
	_ = v.BindEnv("jobs.prefix", l.prefixedEnv("JOBS_PREFIX"))
	_ = v.BindEnv("jobs.queues", l.prefixedEnv("JOBS_QUEUES"))
	_ = v.BindEnv("jobs.concurrency", l.prefixedEnv("JOBS_CONCURRENCY"))
	_ = v.BindEnv("jobs.lease_ttl", l.prefixedEnv("JOBS_LEASE_TTL"))
	_ = v.BindEnv("jobs.poll_interval", l.prefixedEnv("JOBS_POLL_INTERVAL"))
	_ = v.BindEnv("jobs.max_attempts", l.prefixedEnv("JOBS_MAX_ATTEMPTS"))
	_ = v.BindEnv("jobs.initial_backoff", l.prefixedEnv("JOBS_INITIAL_BACKOFF"))
	_ = v.BindEnv("jobs.max_backoff", l.prefixedEnv("JOBS_MAX_BACKOFF"))
	_ = v.BindEnv("jobs.attempt_timeout", l.prefixedEnv("JOBS_ATTEMPT_TIMEOUT"))
	_ = v.BindEnv("jobs.stop_timeout", l.prefixedEnv("JOBS_STOP_TIMEOUT"))

	// Locks
	_ = v.BindEnv("locks.ttl", l.prefixedEnv("LOCKS_TTL"))
	_ = v.BindEnv("locks.timeout", l.prefixedEnv("LOCKS_TIMEOUT"))
	_ = v.BindEnv("locks.prefix", l.prefixedEnv("LOCKS_PREFIX"))
	_ = v.BindEnv("locks.reschedule_delay", l.prefixedEnv("LOCKS_RESCHEDULE_DELAY"))
	_ = v.BindEnv("locks.options_file", l.prefixedEnv("LOCKS_OPTIONS_FILE"))

	// Metrics
	_ = v.BindEnv("metrics.enabled", l.prefixedEnv("METRICS_ENABLED"))
	_ = v.BindEnv("metrics.address", l.prefixedEnv("METRICS_ADDRESS"))

	// Tracing
	_ = v.BindEnv("tracing.enabled", l.prefixedEnv("TRACING_ENABLED"))
	_ = v.BindEnv("tracing.endpoint", l.prefixedEnv("TRACING_ENDPOINT"), "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = v.BindEnv("tracing.sample_rate", l.prefixedEnv("TRACING_SAMPLE_RATE"))
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = "UNIQUEJOBS"
	}
	return fmt.Sprintf("%s_%s", strings.ToUpper(prefix), suffix)
}

// setDefaults sets default values in Viper from the default config
func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.environment", cfg.Service.Environment)
	v.SetDefault("service.version", cfg.Service.Version)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)

	v.SetDefault("store.type", cfg.Store.Type)
	v.SetDefault("store.operation_timeout", cfg.Store.OperationTimeout)
	v.SetDefault("store.redis.url", cfg.Store.Redis.URL)
	v.SetDefault("store.redis.key_prefix", cfg.Store.Redis.KeyPrefix)
	v.SetDefault("store.postgres.url", cfg.Store.Postgres.URL)
	v.SetDefault("store.postgres.table", cfg.Store.Postgres.Table)
	v.SetDefault("store.postgres.purge_interval", cfg.Store.Postgres.PurgeInterval)
	v.SetDefault("store.dynamodb.region", cfg.Store.DynamoDB.Region)
	v.SetDefault("store.dynamodb.endpoint", cfg.Store.DynamoDB.Endpoint)
	v.SetDefault("store.dynamodb.table", cfg.Store.DynamoDB.Table)
	v.SetDefault("store.dynamodb.access_key_id", cfg.Store.DynamoDB.AccessKeyID)
	v.SetDefault("store.dynamodb.secret_access_key", cfg.Store.DynamoDB.SecretAccessKey)
	v.SetDefault("store.dynamodb.session_token", cfg.Store.DynamoDB.SessionToken)

	v.SetDefault("jobs.redis_url", cfg.Jobs.RedisURL)
	v.SetDefault("jobs.prefix", cfg.Jobs.Prefix)
	v.SetDefault("jobs.queues", cfg.Jobs.Queues)
	v.SetDefault("jobs.concurrency", cfg.Jobs.Concurrency)
	v.SetDefault("jobs.lease_ttl", cfg.Jobs.LeaseTTL)
	v.SetDefault("jobs.poll_interval", cfg.Jobs.PollInterval)
	v.SetDefault("jobs.max_attempts", cfg.Jobs.MaxAttempts)
	v.SetDefault("jobs.initial_backoff", cfg.Jobs.InitialBackoff)
	v.SetDefault("jobs.max_backoff", cfg.Jobs.MaxBackoff)
	v.SetDefault("jobs.attempt_timeout", cfg.Jobs.AttemptTimeout)
	v.SetDefault("jobs.stop_timeout", cfg.Jobs.StopTimeout)

	v.SetDefault("locks.ttl", cfg.Locks.TTL)
	v.SetDefault("locks.timeout", cfg.Locks.Timeout)
	v.SetDefault("locks.prefix", cfg.Locks.Prefix)
	v.SetDefault("locks.reschedule_delay", cfg.Locks.RescheduleDelay)
	v.SetDefault("locks.options_file", cfg.Locks.OptionsFile)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.address", cfg.Metrics.Address)

	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.endpoint", cfg.Tracing.Endpoint)
	v.SetDefault("tracing.sample_rate", cfg.Tracing.SampleRate)
}

// Validate normalizes list values and reports every invalid setting at once.
func (l *ViperLoader) Validate(cfg *Config) error {
	var errs []error

	cfg.Jobs.Queues = normalizeStringSlice(cfg.Jobs.Queues)
	cfg.Store.Type = strings.ToLower(strings.TrimSpace(cfg.Store.Type))
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))

	if strings.TrimSpace(cfg.Service.Name) == "" {
		errs = append(errs, errors.New("service.name is required"))
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, cfg.Log.Level) {
		errs = append(errs, fmt.Errorf("invalid log.level: %s (must be one of: %v)", cfg.Log.Level, validLogLevels))
	}
	validLogFormats := []string{"json", "text"}
	if !contains(validLogFormats, cfg.Log.Format) {
		errs = append(errs, fmt.Errorf("invalid log.format: %s (must be one of: %v)", cfg.Log.Format, validLogFormats))
	}

	errs = append(errs, validateStore(&cfg.Store)...)
	errs = append(errs, validateJobs(&cfg.Jobs)...)

	if cfg.Locks.TTL < 0 {
		errs = append(errs, errors.New("locks.ttl cannot be negative"))
	}
	if cfg.Locks.Timeout < 0 {
		errs = append(errs, errors.New("locks.timeout cannot be negative"))
	}
	if cfg.Locks.RescheduleDelay < 0 {
		errs = append(errs, errors.New("locks.reschedule_delay cannot be negative"))
	}

	if cfg.Metrics.Enabled && strings.TrimSpace(cfg.Metrics.Address) == "" {
		errs = append(errs, errors.New("metrics.address is required when metrics are enabled"))
	}
	if cfg.Tracing.Enabled && strings.TrimSpace(cfg.Tracing.Endpoint) == "" {
		errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("invalid tracing.sample_rate: %v (must be between 0 and 1)", cfg.Tracing.SampleRate))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

func validateStore(cfg *StoreConfig) []error {
	var errs []error
	validTypes := []string{StoreTypeRedis, StoreTypePostgres, StoreTypeDynamoDB, StoreTypeMemory}
	if !contains(validTypes, cfg.Type) {
		errs = append(errs, fmt.Errorf("invalid store.type: %s (must be one of: %v)", cfg.Type, validTypes))
	}
	if cfg.OperationTimeout <= 0 {
		errs = append(errs, errors.New("store.operation_timeout must be positive"))
	}

	switch cfg.Type {
	case StoreTypeRedis:
		if strings.TrimSpace(cfg.Redis.URL) == "" {
			errs = append(errs, errors.New("store.redis.url is required for the redis store"))
		}
	case StoreTypePostgres:
		if strings.TrimSpace(cfg.Postgres.URL) == "" {
			errs = append(errs, errors.New("store.postgres.url is required for the postgres store"))
		}
		if cfg.Postgres.PurgeInterval < 0 {
			errs = append(errs, errors.New("store.postgres.purge_interval cannot be negative"))
		}
	case StoreTypeDynamoDB:
		if strings.TrimSpace(cfg.DynamoDB.Region) == "" {
			errs = append(errs, errors.New("store.dynamodb.region is required for the dynamodb store"))
		}
		if (cfg.DynamoDB.AccessKeyID == "") != (cfg.DynamoDB.SecretAccessKey == "") {
			errs = append(errs, errors.New("store.dynamodb.access_key_id and store.dynamodb.secret_access_key must be set together"))
		}
	}
	return errs
}

func validateJobs(cfg *JobsConfig) []error {
	var errs []error
	if strings.TrimSpace(cfg.RedisURL) == "" {
		errs = append(errs, errors.New("jobs.redis_url is required"))
	}
	if len(cfg.Queues) == 0 {
		errs = append(errs, errors.New("jobs.queues must contain at least one queue"))
	}
	if cfg.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("invalid jobs.concurrency: %d (must be positive)", cfg.Concurrency))
	}
	if cfg.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("invalid jobs.max_attempts: %d (must be positive)", cfg.MaxAttempts))
	}
	if cfg.InitialBackoff > cfg.MaxBackoff {
		errs = append(errs, errors.New("jobs.initial_backoff cannot exceed jobs.max_backoff"))
	}
	return errs
}

// contains checks if a string slice contains a specific string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// normalizeStringSlice removes empty strings and trims whitespace. A single comma separated
// entry, as read from an environment variable, is split.
func normalizeStringSlice(values []string) []string {
	if len(values) == 1 && strings.Contains(values[0], ",") {
		values = strings.Split(values[0], ",")
	}
	result := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
