package uniquejobs

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nimburion/uniquejobs/pkg/observability/logger"
	"github.com/redis/go-redis/v9"
)

const defaultRedisOperationTimeout = 3 * time.Second

var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStoreConfig configures lock records kept in Redis.
type RedisStoreConfig struct {
	URL string
	// KeyPrefix is prepended to digests. Digests already carry the lock prefix, so it is empty
	// by default.
	KeyPrefix        string
	OperationTimeout time.Duration
}

func (c *RedisStoreConfig) normalize() {
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultRedisOperationTimeout
	}
}

// RedisStore keeps lock records as Redis strings written with SET NX PX and removed with a
// compare-and-delete script.
type RedisStore struct {
	client *redis.Client
	log    logger.Logger
	config RedisStoreConfig
}

// NewRedisStore connects to Redis and verifies connectivity.
func NewRedisStore(cfg RedisStoreConfig, log logger.Logger) (*RedisStore, error) {
	if log == nil {
		return nil, uniqueError(ErrInvalidArgument, "logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, uniqueError(ErrInvalidArgument, "redis url is required")
	}
	cfg.normalize()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Join(uniqueError(ErrValidation, "parse redis url failed"), err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Join(uniqueError(ErrRetryable, "ping redis failed"), err)
	}
	return &RedisStore{client: client, log: log, config: cfg}, nil
}

// NewRedisStoreWithClient wraps an existing client. The store takes ownership of the client.
func NewRedisStoreWithClient(client *redis.Client, cfg RedisStoreConfig, log logger.Logger) (*RedisStore, error) {
	if client == nil {
		return nil, uniqueError(ErrInvalidArgument, "redis client is required")
	}
	if log == nil {
		return nil, uniqueError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()
	return &RedisStore{client: client, log: log, config: cfg}, nil
}

// CreateIfAbsent runs SET key value NX PX ttl.
func (s *RedisStore) CreateIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	key = strings.TrimSpace(key)
	if key == "" || value == "" {
		return false, uniqueError(ErrInvalidArgument, "lock key and value are required")
	}
	if ttl < 0 {
		ttl = 0
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	created, err := s.client.SetNX(opCtx, s.fullKey(key), value, ttl).Result()
	if err != nil {
		return false, errors.Join(uniqueError(ErrRetryable, "create lock record failed"), err)
	}
	return created, nil
}

// DeleteIfEquals removes key when it still holds expected.
func (s *RedisStore) DeleteIfEquals(ctx context.Context, key, expected string) (bool, error) {
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	key = strings.TrimSpace(key)
	if key == "" || expected == "" {
		return false, uniqueError(ErrInvalidArgument, "lock key and expected value are required")
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	deleted, err := compareAndDeleteScript.Run(opCtx, s.client, []string{s.fullKey(key)}, expected).Int64()
	if err != nil {
		return false, errors.Join(uniqueError(ErrRetryable, "delete lock record failed"), err)
	}
	return deleted > 0, nil
}

// Get reads the current holder of key.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := s.ensureReady(); err != nil {
		return "", false, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false, uniqueError(ErrInvalidArgument, "lock key is required")
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	value, err := s.client.Get(opCtx, s.fullKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Join(uniqueError(ErrRetryable, "read lock record failed"), err)
	}
	return value, true, nil
}

// HealthCheck verifies Redis connectivity.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if err := s.client.Ping(opCtx).Err(); err != nil {
		return errors.Join(uniqueError(ErrRetryable, "redis healthcheck failed"), err)
	}
	return nil
}

// Close closes Redis client connections.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) ensureReady() error {
	if s == nil || s.client == nil {
		return uniqueError(ErrNotInitialized, "redis store is not initialized")
	}
	return nil
}

func (s *RedisStore) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}

func (s *RedisStore) fullKey(key string) string {
	prefix := strings.TrimRight(strings.TrimSpace(s.config.KeyPrefix), ":")
	if prefix == "" {
		return key
	}
	return prefix + ":" + key
}
