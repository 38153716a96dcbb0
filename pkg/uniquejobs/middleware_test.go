package uniquejobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nimburion/uniquejobs/pkg/jobs"
	"github.com/redis/go-redis/v9"
)

type fakeQueue struct {
	mu         sync.Mutex
	enqueued   []*jobs.Job
	enqueueErr error
}

func (q *fakeQueue) Enqueue(_ context.Context, job *jobs.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.enqueued = append(q.enqueued, job.Clone())
	return nil
}

func (q *fakeQueue) Reserve(ctx context.Context, _ string, _ time.Duration) (*jobs.Job, *jobs.Lease, error) {
	<-ctx.Done()
	return nil, nil, ctx.Err()
}

func (q *fakeQueue) Ack(context.Context, *jobs.Lease) error                    { return nil }
func (q *fakeQueue) Nack(context.Context, *jobs.Lease, time.Time, error) error { return nil }
func (q *fakeQueue) HealthCheck(context.Context) error                         { return nil }
func (q *fakeQueue) Close() error                                              { return nil }

func (q *fakeQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.enqueued)
}

type reschedulingQueue struct {
	fakeQueue
	fakeRescheduler
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry(Defaults{LockTTL: time.Hour, LockTimeout: time.Second, LockPrefix: "billing"})
	if err := registry.Register(" ", Options{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if err := registry.Register("ReportWorker", Options{Lock: LockUntilExecuted, LockTTL: time.Minute}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register("ExportWorker", Options{Lock: LockWhileExecuting}); err != nil {
		t.Fatalf("register: %v", err)
	}

	opts, ok := registry.Lookup(" ReportWorker ")
	if !ok {
		t.Fatal("expected registered options")
	}
	if opts.LockTTL != time.Minute || opts.LockTimeout != time.Second || opts.LockPrefix != "billing" {
		t.Fatalf("expected explicit ttl and defaulted timeout and prefix, got %+v", opts)
	}
	if _, ok := registry.Lookup("MissingWorker"); ok {
		t.Fatal("expected no options for unknown job")
	}
	if names := registry.Names(); len(names) != 2 || names[0] != "ExportWorker" {
		t.Fatalf("unexpected names %v", names)
	}
}

func TestClient_Enqueue(t *testing.T) {
	queue := &fakeQueue{}
	registry := NewRegistry(Defaults{LockTTL: time.Minute})
	if err := registry.Register("ReportWorker", Options{Lock: LockUntilExecuted, OnClientConflict: ConflictReject}); err != nil {
		t.Fatalf("register: %v", err)
	}
	store := NewMemoryStore()
	client, err := NewClient(Dependencies{Store: store}, registry, queue)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	first, _ := jobs.NewJob("ReportWorker", "default", 1)
	jid, err := client.Enqueue(ctx, first)
	if err != nil || jid != first.ID {
		t.Fatalf("expected first job enqueued, got %q (%v)", jid, err)
	}
	if queue.enqueued[0].LockDigest() == "" {
		t.Fatal("expected digest header on the enqueued job")
	}

	duplicate, _ := jobs.NewJob("ReportWorker", "default", 1)
	jid, err = client.Enqueue(ctx, duplicate)
	if err != nil || jid != "" {
		t.Fatalf("expected duplicate rejected, got %q (%v)", jid, err)
	}

	other, _ := jobs.NewJob("ReportWorker", "default", 2)
	if jid, err := client.Enqueue(ctx, other); err != nil || jid != other.ID {
		t.Fatalf("expected different args enqueued, got %q (%v)", jid, err)
	}

	plain, _ := jobs.NewJob("PlainWorker", "default", 1)
	for idx := 0; idx < 2; idx++ {
		if jid, err := client.Enqueue(ctx, plain); err != nil || jid != plain.ID {
			t.Fatalf("expected unregistered job enqueued as is, got %q (%v)", jid, err)
		}
	}
	if queue.size() != 4 {
		t.Fatalf("expected 4 enqueued jobs, got %d", queue.size())
	}
}

func TestClient_PushRejectsInvalidOptions(t *testing.T) {
	client, err := NewClient(Dependencies{Store: NewMemoryStore()}, nil, &fakeQueue{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	job, _ := jobs.NewJob("ReportWorker", "default")
	_, err = client.Push(context.Background(), job, Options{Lock: LockUntilExecuted, OnClientConflict: ConflictReschedule}, noopPush)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	if _, err := NewClient(Dependencies{}, nil, &fakeQueue{}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if _, err := NewClient(Dependencies{Store: NewMemoryStore()}, nil, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestClient_PushLogsDeprecations(t *testing.T) {
	log := &lockTestLogger{}
	client, err := NewClient(Dependencies{Store: NewMemoryStore(), Logger: log}, nil, &fakeQueue{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	opts, err := ParseOptions(map[string]any{"unique": "until_executed"}, nil)
	if err != nil {
		t.Fatalf("parse options: %v", err)
	}
	job, _ := jobs.NewJob("ReportWorker", "default")
	if _, err := client.Push(context.Background(), job, opts, noopPush); err != nil {
		t.Fatalf("push: %v", err)
	}
	lines := log.lines()
	if len(lines) != 1 || !containsAll(lines[0], "warn", "deprecated", "unique") {
		t.Fatalf("expected deprecation warning, got %v", lines)
	}
}

func TestNewClient_UsesBackendAsRescheduler(t *testing.T) {
	queue := &reschedulingQueue{}
	client, err := NewClient(Dependencies{Store: NewMemoryStore()}, nil, queue)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if client.deps.Rescheduler != Rescheduler(queue) {
		t.Fatal("expected backend to be used as rescheduler")
	}
}

func TestServer_Middleware(t *testing.T) {
	store := NewMemoryStore()
	registry := NewRegistry(Defaults{LockTTL: time.Minute})
	if err := registry.Register("ExportWorker", Options{Lock: LockWhileExecuting, OnServerConflict: ConflictReject}); err != nil {
		t.Fatalf("register: %v", err)
	}
	server, err := NewServer(Dependencies{Store: store}, registry)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	calls := 0
	var runtimeHeld bool
	handler := server.Middleware()(func(ctx context.Context, job *jobs.Job) error {
		calls++
		_, runtimeHeld, _ = store.Get(ctx, RuntimeDigest(job.LockDigest()))
		return nil
	})
	ctx := context.Background()

	job, _ := jobs.NewJob("ExportWorker", "default", 1)
	if err := handler(ctx, job); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if calls != 1 || !runtimeHeld {
		t.Fatalf("expected handler run under the runtime lock, calls=%d held=%v", calls, runtimeHeld)
	}
	if _, found, _ := store.Get(ctx, RuntimeDigest(job.LockDigest())); found {
		t.Fatal("expected runtime lock released")
	}

	busy, _ := jobs.NewJob("ExportWorker", "default", 1)
	busy.SetLockDigest(job.LockDigest())
	if _, err := store.CreateIfAbsent(ctx, RuntimeDigest(job.LockDigest()), "someone-else", time.Minute); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := handler(ctx, busy); err != nil {
		t.Fatalf("expected rejected job to complete, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected handler skipped for busy job, calls=%d", calls)
	}

	handlerErr := errors.New("handler failed")
	failing := server.Middleware()(func(context.Context, *jobs.Job) error { return handlerErr })
	if err := failing(ctx, &jobs.Job{ID: "jid-x", Name: "PlainWorker", Queue: "default", Payload: []byte(`[]`)}); !errors.Is(err, handlerErr) {
		t.Fatalf("expected unregistered job to pass through, got %v", err)
	}

	if _, err := NewServer(Dependencies{Store: store}, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestServer_MiddlewareRejectsInvalidServerOptions(t *testing.T) {
	registry := NewRegistry(Defaults{})
	if err := registry.Register("ReportWorker", Options{Lock: LockUntilExecuted, OnServerConflict: ConflictReplace}); err != nil {
		t.Fatalf("register: %v", err)
	}
	server, err := NewServer(Dependencies{Store: NewMemoryStore()}, registry)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	handler := server.Middleware()(func(context.Context, *jobs.Job) error { return nil })
	job, _ := jobs.NewJob("ReportWorker", "default")
	if err := handler(context.Background(), job); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestSingleSidedPolicies_ValidatedOnlyWhereTheyLock(t *testing.T) {
	cases := map[string]struct {
		opts    Options
		origin  Origin
		invalid bool
	}{
		"while_executing reschedule on client": {
			opts:   Options{Lock: LockWhileExecuting, OnClientConflict: ConflictReschedule, OnServerConflict: ConflictReschedule},
			origin: OriginClient,
		},
		"until_executing replace on server": {
			opts:   Options{Lock: LockUntilExecuting, OnClientConflict: ConflictReplace, OnServerConflict: ConflictReplace},
			origin: OriginServer,
		},
		"until_executing reschedule on client": {
			opts:    Options{Lock: LockUntilExecuting, OnClientConflict: ConflictReschedule},
			origin:  OriginClient,
			invalid: true,
		},
		"until_executed replace on server": {
			opts:    Options{Lock: LockUntilExecuted, OnServerConflict: ConflictReplace},
			origin:  OriginServer,
			invalid: true,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			registry := NewRegistry(Defaults{LockTTL: time.Minute})
			if err := registry.Register("ReportWorker", tc.opts); err != nil {
				t.Fatalf("register: %v", err)
			}
			store := NewMemoryStore()
			ctx := context.Background()
			job, _ := jobs.NewJob("ReportWorker", "default", 1)

			var err error
			ran := false
			if tc.origin == OriginClient {
				queue := &fakeQueue{}
				client, newErr := NewClient(Dependencies{Store: store}, registry, queue)
				if newErr != nil {
					t.Fatalf("new client: %v", newErr)
				}
				_, err = client.Enqueue(ctx, job)
				ran = queue.size() == 1
			} else {
				server, newErr := NewServer(Dependencies{Store: store}, registry)
				if newErr != nil {
					t.Fatalf("new server: %v", newErr)
				}
				err = server.Middleware()(func(context.Context, *jobs.Job) error {
					ran = true
					return nil
				})(ctx, job)
			}

			if tc.invalid {
				if !errors.Is(err, ErrValidation) || ran {
					t.Fatalf("expected ErrValidation without running, got ran=%v err=%v", ran, err)
				}
				return
			}
			if err != nil || !ran {
				t.Fatalf("expected job to go through, got ran=%v err=%v", ran, err)
			}
		})
	}
}

func TestClientAndServer_WithRedisQueue(t *testing.T) {
	redisServer := miniredis.RunT(t)
	backend, err := jobs.NewRedisBackendWithClient(
		redis.NewClient(&redis.Options{Addr: redisServer.Addr()}),
		jobs.RedisBackendConfig{Prefix: "test:jobs", PollInterval: 5 * time.Millisecond},
		&lockTestLogger{},
	)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	store := NewMemoryStore()
	registry := NewRegistry(Defaults{LockTTL: time.Minute})
	if err := registry.Register("ReportWorker", Options{Lock: LockUntilExecuted}); err != nil {
		t.Fatalf("register: %v", err)
	}
	client, err := NewClient(Dependencies{Store: store}, registry, backend)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	server, err := NewServer(Dependencies{Store: store}, registry)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ctx := context.Background()
	first, _ := jobs.NewJob("ReportWorker", "default", "tenant-a")
	if jid, err := client.Enqueue(ctx, first); err != nil || jid == "" {
		t.Fatalf("enqueue: %q (%v)", jid, err)
	}
	duplicate, _ := jobs.NewJob("ReportWorker", "default", "tenant-a")
	if jid, err := client.Enqueue(ctx, duplicate); err != nil || jid != "" {
		t.Fatalf("expected duplicate dropped, got %q (%v)", jid, err)
	}

	worker, err := jobs.NewWorker(backend, &lockTestLogger{}, jobs.WorkerConfig{Queues: []string{"default"}})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	worker.Use(server.Middleware())
	processed := make(chan string, 4)
	if err := worker.Register("ReportWorker", func(_ context.Context, job *jobs.Job) error {
		processed <- job.ID
		return nil
	}); err != nil {
		t.Fatalf("register handler: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- worker.Start(runCtx) }()

	select {
	case id := <-processed:
		if id != first.ID {
			t.Fatalf("expected first job processed, got %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected job to be processed")
	}

	deadline := time.Now().Add(time.Second)
	for {
		if _, found, _ := store.Get(ctx, first.LockDigest()); !found {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected lock released after the job ran")
		}
		time.Sleep(5 * time.Millisecond)
	}

	again, _ := jobs.NewJob("ReportWorker", "default", "tenant-a")
	if jid, err := client.Enqueue(ctx, again); err != nil || jid != again.ID {
		t.Fatalf("expected enqueue after release, got %q (%v)", jid, err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("worker stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func containsAll(s string, fragments ...string) bool {
	for _, fragment := range fragments {
		if !strings.Contains(s, fragment) {
			return false
		}
	}
	return true
}
