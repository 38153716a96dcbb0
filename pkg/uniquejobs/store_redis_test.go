package uniquejobs

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T, cfg RedisStoreConfig) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	store, err := NewRedisStoreWithClient(client, cfg, &lockTestLogger{})
	if err != nil {
		t.Fatalf("new redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, server
}

func TestRedisStore_Contract(t *testing.T) {
	store, server := newTestRedisStore(t, RedisStoreConfig{})
	runStoreContract(t, store, server.FastForward)
}

func TestRedisStore_WritesTTLAndPrefix(t *testing.T) {
	store, server := newTestRedisStore(t, RedisStoreConfig{KeyPrefix: "locks:"})
	ctx := context.Background()

	if _, err := store.CreateIfAbsent(ctx, "uniquejobs:abc", "jid-1", 30*time.Second); err != nil {
		t.Fatalf("create: %v", err)
	}
	value, err := server.Get("locks:uniquejobs:abc")
	if err != nil || value != "jid-1" {
		t.Fatalf("expected prefixed record, got %q (%v)", value, err)
	}
	if ttl := server.TTL("locks:uniquejobs:abc"); ttl != 30*time.Second {
		t.Fatalf("expected 30s ttl, got %v", ttl)
	}
}

func TestRedisStore_HealthCheckAndErrors(t *testing.T) {
	store, server := newTestRedisStore(t, RedisStoreConfig{OperationTimeout: 200 * time.Millisecond})
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Fatalf("healthcheck: %v", err)
	}

	server.Close()
	if _, err := store.CreateIfAbsent(context.Background(), "uniquejobs:abc", "jid-1", time.Second); !errors.Is(err, ErrRetryable) {
		t.Fatalf("expected ErrRetryable with redis down, got %v", err)
	}
	if err := store.HealthCheck(context.Background()); !errors.Is(err, ErrRetryable) {
		t.Fatalf("expected ErrRetryable healthcheck, got %v", err)
	}
}

func TestNewRedisStore_ValidationErrors(t *testing.T) {
	if _, err := NewRedisStore(RedisStoreConfig{URL: "redis://localhost:6379"}, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected logger validation error, got %v", err)
	}
	_, err := NewRedisStore(RedisStoreConfig{}, &lockTestLogger{})
	if err == nil || !strings.Contains(err.Error(), "redis url is required") {
		t.Fatalf("expected missing redis url error, got %v", err)
	}
	if _, err := NewRedisStore(RedisStoreConfig{URL: "://bad-url"}, &lockTestLogger{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected invalid url error, got %v", err)
	}
	if _, err := NewRedisStoreWithClient(nil, RedisStoreConfig{}, &lockTestLogger{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected nil client error, got %v", err)
	}
	var store *RedisStore
	if _, _, err := store.Get(context.Background(), "key"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}
