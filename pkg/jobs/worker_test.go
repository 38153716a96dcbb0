package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nimburion/uniquejobs/pkg/observability/logger"
)

type workerTestLogger struct{}

func (l *workerTestLogger) Debug(string, ...any) {}
func (l *workerTestLogger) Info(string, ...any)  {}
func (l *workerTestLogger) Warn(string, ...any)  {}
func (l *workerTestLogger) Error(string, ...any) {}
func (l *workerTestLogger) With(...any) logger.Logger {
	return l
}
func (l *workerTestLogger) WithContext(context.Context) logger.Logger {
	return l
}

type fakeDelivery struct {
	job   *Job
	lease *Lease
}

type fakeBackend struct {
	deliveries chan fakeDelivery

	mu         sync.Mutex
	acks       []*Lease
	nacks      []*Lease
	closeCalls int
}

func newFakeBackend(buffer int) *fakeBackend {
	return &fakeBackend{deliveries: make(chan fakeDelivery, buffer)}
}

func (b *fakeBackend) Enqueue(context.Context, *Job) error { return nil }

func (b *fakeBackend) Reserve(ctx context.Context, _ string, _ time.Duration) (*Job, *Lease, error) {
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case delivery := <-b.deliveries:
		return cloneJob(delivery.job), cloneLease(delivery.lease), nil
	}
}

func (b *fakeBackend) Ack(_ context.Context, lease *Lease) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acks = append(b.acks, cloneLease(lease))
	return nil
}

func (b *fakeBackend) Nack(_ context.Context, lease *Lease, _ time.Time, _ error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nacks = append(b.nacks, cloneLease(lease))
	return nil
}

func (b *fakeBackend) HealthCheck(context.Context) error { return nil }

func (b *fakeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeCalls++
	return nil
}

func (b *fakeBackend) push(job *Job) {
	lease := &Lease{
		JobID:    job.ID,
		Token:    job.ID + "-lease",
		Queue:    job.Queue,
		ExpireAt: time.Now().UTC().Add(time.Minute),
		Attempt:  job.Attempt,
	}
	b.deliveries <- fakeDelivery{job: cloneJob(job), lease: lease}
}

func (b *fakeBackend) snapshot() (acks int, nacks int, closeCalls int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.acks), len(b.nacks), b.closeCalls
}

func startWorker(t *testing.T, worker *RuntimeWorker) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- worker.Start(ctx)
	}()
	return cancel, done
}

func stopWorker(t *testing.T, cancel context.CancelFunc, done <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("worker start returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorker_AckOnSuccess(t *testing.T) {
	backend := newFakeBackend(4)
	worker, err := NewWorker(backend, &workerTestLogger{}, WorkerConfig{
		Queues:      []string{"payments"},
		Concurrency: 1,
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	processed := make(chan struct{}, 1)
	if err := worker.Register("invoice.generate", func(context.Context, *Job) error {
		processed <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("register handler: %v", err)
	}

	cancel, done := startWorker(t, worker)
	backend.push(&Job{ID: "job-1", Name: "invoice.generate", Queue: "payments", Payload: []byte(`[1]`)})

	select {
	case <-processed:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected job to be processed")
	}

	deadline := time.After(time.Second)
	for {
		acks, _, _ := backend.snapshot()
		if acks > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected at least one ack")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	stopWorker(t, cancel, done)

	_, nacks, closeCalls := backend.snapshot()
	if nacks != 0 {
		t.Fatalf("expected zero nacks, got %d", nacks)
	}
	if closeCalls != 1 {
		t.Fatalf("expected backend closed once, got %d", closeCalls)
	}
}

func TestWorker_RetryThenDrop(t *testing.T) {
	backend := newFakeBackend(8)
	worker, err := NewWorker(backend, &workerTestLogger{}, WorkerConfig{
		Queues:      []string{"payments"},
		Concurrency: 1,
		Retry: RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
			AttemptTimeout: time.Second,
		},
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	if err := worker.Register("invoice.generate", func(context.Context, *Job) error {
		return errors.New("boom")
	}); err != nil {
		t.Fatalf("register handler: %v", err)
	}

	cancel, done := startWorker(t, worker)
	backend.push(&Job{ID: "job-retry", Name: "invoice.generate", Queue: "payments", Payload: []byte(`[]`), MaxAttempts: 3})
	backend.push(&Job{ID: "job-drop", Name: "invoice.generate", Queue: "payments", Payload: []byte(`[]`), Attempt: 2, MaxAttempts: 3})

	deadline := time.After(2 * time.Second)
	for {
		acks, nacks, _ := backend.snapshot()
		if nacks >= 1 && acks >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected retry and drop, got nacks=%d acks=%d", nacks, acks)
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	stopWorker(t, cancel, done)
}

func TestWorker_MiddlewaresWrapHandlersInOrder(t *testing.T) {
	backend := newFakeBackend(4)
	worker, err := NewWorker(backend, &workerTestLogger{}, WorkerConfig{Queues: []string{"payments"}})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	var mu sync.Mutex
	var trace []string
	record := func(entry string) {
		mu.Lock()
		defer mu.Unlock()
		trace = append(trace, entry)
	}
	tag := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, job *Job) error {
				record(name + ":before")
				err := next(ctx, job)
				record(name + ":after")
				return err
			}
		}
	}
	worker.Use(tag("outer"), tag("inner"))

	processed := make(chan struct{}, 1)
	if err := worker.Register("invoice.generate", func(context.Context, *Job) error {
		record("handler")
		processed <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("register handler: %v", err)
	}

	cancel, done := startWorker(t, worker)
	backend.push(&Job{ID: "job-mw", Name: "invoice.generate", Queue: "payments", Payload: []byte(`[]`)})
	select {
	case <-processed:
	case <-time.After(time.Second):
		t.Fatal("expected job to be processed")
	}
	stopWorker(t, cancel, done)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"outer:before", "inner:before", "handler", "inner:after", "outer:after"}
	if fmt.Sprint(trace) != fmt.Sprint(want) {
		t.Fatalf("unexpected middleware order: %v", trace)
	}
}

func TestWorker_Concurrency(t *testing.T) {
	backend := newFakeBackend(16)
	worker, err := NewWorker(backend, &workerTestLogger{}, WorkerConfig{
		Queues:      []string{"payments"},
		Concurrency: 3,
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	var current int32
	var maxConcurrent int32
	var processed int32
	if err := worker.Register("invoice.generate", func(context.Context, *Job) error {
		active := atomic.AddInt32(&current, 1)
		for {
			existing := atomic.LoadInt32(&maxConcurrent)
			if active <= existing || atomic.CompareAndSwapInt32(&maxConcurrent, existing, active) {
				break
			}
		}
		time.Sleep(40 * time.Millisecond)
		atomic.AddInt32(&processed, 1)
		atomic.AddInt32(&current, -1)
		return nil
	}); err != nil {
		t.Fatalf("register handler: %v", err)
	}

	cancel, done := startWorker(t, worker)
	for idx := 0; idx < 6; idx++ {
		backend.push(&Job{
			ID:      fmt.Sprintf("job-conc-%d", idx),
			Name:    "invoice.generate",
			Queue:   "payments",
			Payload: []byte(`[]`),
		})
	}

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&processed) < 6 {
		select {
		case <-deadline:
			t.Fatalf("expected 6 processed jobs, got %d", atomic.LoadInt32(&processed))
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	stopWorker(t, cancel, done)

	if atomic.LoadInt32(&maxConcurrent) < 2 {
		t.Fatalf("expected concurrent processing >=2, got %d", atomic.LoadInt32(&maxConcurrent))
	}
}

func TestNewWorker_RequiresQueue(t *testing.T) {
	_, err := NewWorker(newFakeBackend(1), &workerTestLogger{}, WorkerConfig{Queues: []string{" "}})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestExponentialBackoff(t *testing.T) {
	if got := exponentialBackoff(1, time.Second, time.Minute); got != time.Second {
		t.Fatalf("expected 1s, got %v", got)
	}
	if got := exponentialBackoff(3, time.Second, time.Minute); got != 4*time.Second {
		t.Fatalf("expected 4s, got %v", got)
	}
	if got := exponentialBackoff(20, time.Second, time.Minute); got != time.Minute {
		t.Fatalf("expected cap at 1m, got %v", got)
	}
}
