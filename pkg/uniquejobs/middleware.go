package uniquejobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/uniquejobs/pkg/jobs"
	"github.com/nimburion/uniquejobs/pkg/observability/logger"
)

// Defaults fill options a job leaves unset.
type Defaults struct {
	LockTTL     time.Duration
	LockTimeout time.Duration
	LockPrefix  string
}

// Registry maps job names to their locking options. Client and server share one.
type Registry struct {
	mu       sync.RWMutex
	defaults Defaults
	options  map[string]Options
}

// NewRegistry returns an empty registry applying defaults on lookup.
func NewRegistry(defaults Defaults) *Registry {
	return &Registry{defaults: defaults, options: map[string]Options{}}
}

// Register declares the options of jobName, replacing earlier ones.
func (r *Registry) Register(jobName string, opts Options) error {
	if r == nil {
		return uniqueError(ErrNotInitialized, "registry is not initialized")
	}
	jobName = strings.TrimSpace(jobName)
	if jobName == "" {
		return uniqueError(ErrInvalidArgument, "job name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.options[jobName] = opts
	return nil
}

// Lookup returns the options of jobName with defaults applied.
func (r *Registry) Lookup(jobName string) (Options, bool) {
	if r == nil {
		return Options{}, false
	}
	r.mu.RLock()
	opts, ok := r.options[strings.TrimSpace(jobName)]
	r.mu.RUnlock()
	if !ok {
		return Options{}, false
	}
	return r.applyDefaults(opts), true
}

// Names lists registered job names in order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.options))
	for name := range r.options {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) applyDefaults(opts Options) Options {
	if opts.LockTTL == 0 {
		opts.LockTTL = r.defaults.LockTTL
	}
	if opts.LockTimeout == 0 {
		opts.LockTimeout = r.defaults.LockTimeout
	}
	if strings.TrimSpace(opts.LockPrefix) == "" {
		opts.LockPrefix = r.defaults.LockPrefix
	}
	return opts
}

// Client takes queue-time locks before jobs reach the backend.
type Client struct {
	deps     Dependencies
	registry *Registry
	backend  jobs.Backend
	log      logger.Logger
}

// NewClient wires a client. When deps has no Rescheduler and backend can reschedule, the
// backend is used.
func NewClient(deps Dependencies, registry *Registry, backend jobs.Backend) (*Client, error) {
	if deps.Store == nil {
		return nil, uniqueError(ErrNotInitialized, "lock store is required")
	}
	if backend == nil {
		return nil, uniqueError(ErrInvalidArgument, "jobs backend is required")
	}
	if registry == nil {
		registry = NewRegistry(Defaults{})
	}
	if deps.Rescheduler == nil {
		if rescheduler, ok := backend.(Rescheduler); ok {
			deps.Rescheduler = rescheduler
		}
	}
	deps.normalize()
	return &Client{deps: deps, registry: registry, backend: backend, log: deps.Logger}, nil
}

// Enqueue pushes job through its registered lock. Jobs without options are enqueued as is.
// The returned id is empty when a conflict strategy dropped the job.
func (c *Client) Enqueue(ctx context.Context, job *jobs.Job) (string, error) {
	if job == nil {
		return "", uniqueError(ErrInvalidArgument, "job is required")
	}
	push := func(ctx context.Context) error {
		return c.backend.Enqueue(ctx, job)
	}
	opts, ok := c.registry.Lookup(job.Name)
	if !ok {
		if err := push(ctx); err != nil {
			return "", err
		}
		return job.ID, nil
	}
	return c.Push(ctx, job, opts, push)
}

// Push validates opts for the client process, stores the digest on job and runs push once the
// lock is held.
func (c *Client) Push(ctx context.Context, job *jobs.Job, opts Options, push func(ctx context.Context) error) (string, error) {
	if job == nil {
		return "", uniqueError(ErrInvalidArgument, "job is required")
	}
	config := ValidateOrigin(opts, OriginClient)
	if err := config.Err(); err != nil {
		return "", errors.Join(uniqueError(ErrValidation, fmt.Sprintf("invalid lock options for job %s", job.Name)), err)
	}
	logWarnings(ctx, c.log, job, config)

	lock, err := NewLock(job, config, c.deps)
	if err != nil {
		return "", err
	}
	return lock.Lock(logger.ContextWithJob(ctx, job.ID, job.LockDigest()), push)
}

// Server runs jobs under their execution-time locks.
type Server struct {
	deps     Dependencies
	registry *Registry
	log      logger.Logger
}

// NewServer wires a server.
func NewServer(deps Dependencies, registry *Registry) (*Server, error) {
	if deps.Store == nil {
		return nil, uniqueError(ErrNotInitialized, "lock store is required")
	}
	if registry == nil {
		return nil, uniqueError(ErrInvalidArgument, "registry is required")
	}
	deps.normalize()
	return &Server{deps: deps, registry: registry, log: deps.Logger}, nil
}

// Middleware wraps worker handlers. Jobs without registered options pass straight through.
// A job the conflict strategy dropped completes without error so the worker acks it.
func (s *Server) Middleware() jobs.Middleware {
	return func(next jobs.Handler) jobs.Handler {
		return func(ctx context.Context, job *jobs.Job) error {
			opts, ok := s.registry.Lookup(job.Name)
			if !ok {
				return next(ctx, job)
			}
			config := ValidateOrigin(opts, OriginServer)
			if err := config.Err(); err != nil {
				return errors.Join(uniqueError(ErrValidation, fmt.Sprintf("invalid lock options for job %s", job.Name)), err)
			}
			logWarnings(ctx, s.log, job, config)

			lock, err := NewLock(job, config, s.deps)
			if err != nil {
				return err
			}
			ctx = logger.ContextWithJob(ctx, job.ID, job.LockDigest())
			_, err = lock.Execute(ctx, func(ctx context.Context) (any, error) {
				return nil, next(ctx, job)
			})
			return err
		}
	}
}

func logWarnings(ctx context.Context, log logger.Logger, job *jobs.Job, config *LockConfig) {
	warnings := config.Warnings()
	if len(warnings) == 0 {
		return
	}
	keys := make([]string, 0, len(warnings))
	for key := range warnings {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fields := append(jobFields(job), "option", key, "warning", warnings[key])
		log.WithContext(ctx).Warn("deprecated unique job option", fields...)
	}
}
