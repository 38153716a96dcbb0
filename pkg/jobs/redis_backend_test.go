package jobs

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisBackend(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	backend, err := NewRedisBackendWithClient(client, RedisBackendConfig{
		Prefix:       "test:jobs",
		PollInterval: 5 * time.Millisecond,
	}, &workerTestLogger{})
	if err != nil {
		t.Fatalf("new redis backend: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	return backend, server
}

func TestRedisBackendConfigNormalize(t *testing.T) {
	cfg := RedisBackendConfig{}
	cfg.normalize()

	if cfg.Prefix != defaultRedisPrefix {
		t.Fatalf("expected default redis prefix, got %q", cfg.Prefix)
	}
	if cfg.OperationTimeout <= 0 {
		t.Fatal("expected positive operation timeout")
	}
	if cfg.PollInterval <= 0 {
		t.Fatal("expected positive poll interval")
	}
	if cfg.TransferBatch <= 0 {
		t.Fatal("expected positive transfer batch")
	}
}

func TestNewRedisBackend_ValidationErrors(t *testing.T) {
	if _, err := NewRedisBackend(RedisBackendConfig{
		URL: "redis://localhost:6379",
	}, nil); err == nil {
		t.Fatal("expected logger validation error")
	}

	_, err := NewRedisBackend(RedisBackendConfig{}, &workerTestLogger{})
	if err == nil || !strings.Contains(err.Error(), "redis url is required") {
		t.Fatalf("expected missing redis url error, got %v", err)
	}

	_, err = NewRedisBackend(RedisBackendConfig{
		URL: "://bad-url",
	}, &workerTestLogger{})
	if err == nil {
		t.Fatal("expected invalid redis url error")
	}

	if _, err := NewRedisBackendWithClient(nil, RedisBackendConfig{}, &workerTestLogger{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for nil client, got %v", err)
	}
}

func TestRedisBackendKeyBuilders(t *testing.T) {
	backend := &RedisBackend{
		config: RedisBackendConfig{
			Prefix:           "uniquejobs:jobs:",
			OperationTimeout: time.Second,
		},
	}

	if got := backend.readyKey("payments"); got != "uniquejobs:jobs:queue:payments:ready" {
		t.Fatalf("unexpected ready key: %s", got)
	}
	if got := backend.delayedKey("payments"); got != "uniquejobs:jobs:queue:payments:delayed" {
		t.Fatalf("unexpected delayed key: %s", got)
	}
	if got := backend.leaseKey("token-1"); got != "uniquejobs:jobs:lease:token-1" {
		t.Fatalf("unexpected lease key: %s", got)
	}
}

func TestRedisBackend_EnqueueReserveAck(t *testing.T) {
	backend, server := newTestRedisBackend(t)
	ctx := context.Background()

	job, err := NewJob("ReportWorker", "default", 1)
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	job.SetLockDigest("uniquejobs:abc")
	if err := backend.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	reserveCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	reserved, lease, err := backend.Reserve(reserveCtx, "default", time.Minute)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if reserved.ID != job.ID {
		t.Fatalf("expected job %s, got %s", job.ID, reserved.ID)
	}
	if reserved.LockDigest() != "uniquejobs:abc" {
		t.Fatalf("expected digest header to survive the queue, got %q", reserved.LockDigest())
	}
	if !server.Exists(backend.leaseKey(lease.Token)) {
		t.Fatal("expected lease key while job is reserved")
	}

	if err := backend.Ack(ctx, lease); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if server.Exists(backend.leaseKey(lease.Token)) {
		t.Fatal("expected lease key removed after ack")
	}
}

func TestRedisBackend_NackRequeuesWithAttempt(t *testing.T) {
	backend, _ := newTestRedisBackend(t)
	ctx := context.Background()

	job, err := NewJob("ReportWorker", "default", 1)
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if err := backend.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	reserveCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, lease, err := backend.Reserve(reserveCtx, "default", time.Minute)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if err := backend.Nack(ctx, lease, time.Time{}, errors.New("boom")); err != nil {
		t.Fatalf("nack: %v", err)
	}
	retried, _, err := backend.Reserve(reserveCtx, "default", time.Minute)
	if err != nil {
		t.Fatalf("reserve retried job: %v", err)
	}
	if retried.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", retried.Attempt)
	}
	if retried.Headers[HeaderJobFailureReason] != "boom" {
		t.Fatalf("expected failure reason header, got %v", retried.Headers)
	}

	if err := backend.Nack(ctx, lease, time.Time{}, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for consumed lease, got %v", err)
	}
}

func TestRedisBackend_RescheduleDelaysJob(t *testing.T) {
	backend, server := newTestRedisBackend(t)
	ctx := context.Background()

	job, err := NewJob("ReportWorker", "default", 1)
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if err := backend.Reschedule(ctx, job, time.Hour); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if members, err := server.ZMembers(backend.delayedKey("default")); err != nil || len(members) != 1 {
		t.Fatalf("expected one delayed job, got %v (%v)", members, err)
	}

	if server.Exists(backend.readyKey("default")) {
		t.Fatal("expected delayed job to stay off the ready list")
	}

	if err := backend.Reschedule(ctx, job, 0); err != nil {
		t.Fatalf("reschedule now: %v", err)
	}
	reserveCtx, cancelReserve := context.WithTimeout(ctx, time.Second)
	defer cancelReserve()
	reserved, _, err := backend.Reserve(reserveCtx, "default", time.Minute)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if reserved.Headers[HeaderJobRescheduled] != "true" {
		t.Fatalf("expected rescheduled header, got %v", reserved.Headers)
	}
}

func TestRedisBackend_ClosedRejectsOperations(t *testing.T) {
	backend, _ := newTestRedisBackend(t)
	if err := backend.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := backend.HealthCheck(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
}
