package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimburion/uniquejobs/pkg/config"
	"github.com/nimburion/uniquejobs/pkg/health"
	"github.com/nimburion/uniquejobs/pkg/jobs"
	"github.com/nimburion/uniquejobs/pkg/observability/logger"
	"github.com/nimburion/uniquejobs/pkg/observability/metrics"
	"github.com/nimburion/uniquejobs/pkg/observability/tracing"
	"github.com/nimburion/uniquejobs/pkg/uniquejobs"
)

// StoreFactory creates the lock store from configuration.
type StoreFactory func(cfg *config.Config, log logger.Logger) (uniquejobs.ManagedStore, error)

// BackendFactory creates the queue backend from configuration.
type BackendFactory func(cfg *config.Config, log logger.Logger) (jobs.Backend, error)

// NewStore creates the store selected by store.type.
func NewStore(cfg *config.Config, log logger.Logger) (uniquejobs.ManagedStore, error) {
	store := cfg.Store
	switch store.Type {
	case config.StoreTypeRedis:
		return uniquejobs.NewRedisStore(uniquejobs.RedisStoreConfig{
			URL:              store.Redis.URL,
			KeyPrefix:        store.Redis.KeyPrefix,
			OperationTimeout: store.OperationTimeout,
		}, log)
	case config.StoreTypePostgres:
		return uniquejobs.NewPostgresStore(uniquejobs.PostgresStoreConfig{
			URL:              store.Postgres.URL,
			Table:            store.Postgres.Table,
			OperationTimeout: store.OperationTimeout,
		}, log)
	case config.StoreTypeDynamoDB:
		return uniquejobs.NewDynamoDBStore(uniquejobs.DynamoDBStoreConfig{
			Region:           store.DynamoDB.Region,
			Endpoint:         store.DynamoDB.Endpoint,
			AccessKeyID:      store.DynamoDB.AccessKeyID,
			SecretAccessKey:  store.DynamoDB.SecretAccessKey,
			SessionToken:     store.DynamoDB.SessionToken,
			Table:            store.DynamoDB.Table,
			OperationTimeout: store.OperationTimeout,
		}, log)
	case config.StoreTypeMemory:
		return uniquejobs.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store type %q", store.Type)
	}
}

// NewBackend creates the Redis queue backend.
func NewBackend(cfg *config.Config, log logger.Logger) (jobs.Backend, error) {
	return jobs.NewRedisBackend(jobs.RedisBackendConfig{
		URL:          cfg.Jobs.RedisURL,
		Prefix:       cfg.Jobs.Prefix,
		PollInterval: cfg.Jobs.PollInterval,
	}, log)
}

// runtime holds what every command talking to the store or the queue needs.
type runtime struct {
	cfg      *config.Config
	log      logger.Logger
	store    uniquejobs.ManagedStore
	backend  jobs.Backend
	registry *uniquejobs.Registry
	metrics  *metrics.Registry
	tracer   *tracing.TracerProvider
	deps     uniquejobs.Dependencies
}

func (o *Options) newRuntime(ctx context.Context, cfg *config.Config, log logger.Logger) (*runtime, error) {
	registry, err := NewRegistry(cfg.Locks, o.lockArgsMethods())
	if err != nil {
		return nil, fmt.Errorf("load job options: %w", err)
	}

	tracer, err := tracing.NewTracerProvider(ctx, tracing.TracerConfig{
		ServiceName:    cfg.Service.Name,
		ServiceVersion: o.Build.Version,
		Environment:    cfg.Service.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SampleRate:     cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("create tracer provider: %w", err)
	}

	rt := &runtime{cfg: cfg, log: log, registry: registry, metrics: metrics.NewRegistry(), tracer: tracer}
	metricsReflector, err := uniquejobs.NewMetricsReflector(rt.metrics.Registerer())
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("register lock metrics: %w", err)
	}

	if rt.store, err = o.storeFactory()(cfg, log); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("create lock store: %w", err)
	}
	if rt.backend, err = o.backendFactory()(cfg, log); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("create jobs backend: %w", err)
	}

	rt.deps = uniquejobs.Dependencies{
		Store: rt.store,
		Reflector: uniquejobs.MultiReflector{
			uniquejobs.NewLogReflector(log),
			metricsReflector,
			uniquejobs.TraceReflector{},
		},
		Logger:          log,
		RescheduleDelay: cfg.Locks.RescheduleDelay,
	}
	return rt, nil
}

// healthRegistry checks the store and the queue.
func (r *runtime) healthRegistry() *health.Registry {
	registry := health.NewRegistry(r.cfg.Store.OperationTimeout)
	registry.Register("lock_store", r.store)
	registry.Register("jobs_backend", r.backend)
	return registry
}

// purgeExpired deletes expired Postgres lock rows every interval until ctx is done. Other
// stores expire records on their own.
func (r *runtime) purgeExpired(ctx context.Context, interval time.Duration) {
	purger, ok := r.store.(interface {
		PurgeExpired(ctx context.Context) (int64, error)
	})
	if !ok || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := purger.PurgeExpired(ctx)
			if err != nil {
				r.log.Warn("purge expired locks failed", "error", err)
				continue
			}
			if purged > 0 {
				r.log.Debug("purged expired locks", "count", purged)
			}
		}
	}
}

// Close releases the backend, the store and the tracer, joining their errors.
func (r *runtime) Close(ctx context.Context) error {
	var errs []error
	if r.backend != nil {
		if err := r.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close jobs backend: %w", err))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close lock store: %w", err))
		}
	}
	if err := r.tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
