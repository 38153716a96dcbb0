package uniquejobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/nimburion/uniquejobs/pkg/jobs"
	"github.com/nimburion/uniquejobs/pkg/observability/logger"
)

// Lock is a locking policy bound to one job.
type Lock interface {
	// Lock runs at enqueue time. onLocked is called once the lock is held; the job id is
	// returned when the job may be pushed and "" when a conflict strategy dropped it.
	Lock(ctx context.Context, onLocked func(ctx context.Context) error) (string, error)
	// Execute runs body at execution time. Body errors are returned unchanged.
	Execute(ctx context.Context, body Body) (Execution, error)
}

// Dependencies are injected into every lock.
type Dependencies struct {
	Store           Store
	Reflector       Reflector
	Logger          logger.Logger
	Rescheduler     Rescheduler
	RescheduleDelay time.Duration
	// AfterUnlock runs after a successful unlock. Its error is reflected and returned.
	AfterUnlock func(ctx context.Context, job *jobs.Job) error
}

func (d *Dependencies) normalize() {
	if d.Reflector == nil {
		d.Reflector = NopReflector{}
	}
	if d.Logger == nil {
		d.Logger = logger.Nop()
	}
	if d.RescheduleDelay <= 0 {
		d.RescheduleDelay = DefaultRescheduleDelay
	}
}

// NewLock builds the lock for config.Type. The digest is computed, or reused, and stored on
// the job.
func NewLock(job *jobs.Job, config *LockConfig, deps Dependencies) (Lock, error) {
	if job == nil || strings.TrimSpace(job.ID) == "" {
		return nil, uniqueError(ErrInvalidArgument, "job with an id is required")
	}
	if config == nil {
		return nil, uniqueError(ErrInvalidArgument, "lock config is required")
	}
	if err := config.Err(); err != nil {
		return nil, err
	}
	if deps.Store == nil {
		return nil, uniqueError(ErrNotInitialized, "lock store is required")
	}
	deps.normalize()

	digest, err := Digest(job, config)
	if err != nil {
		return nil, err
	}
	job.SetLockDigest(digest)

	switch config.Type {
	case LockUntilExecuting:
		base, err := newBaseLock(job, config, deps, digest, config.ConflictFor(OriginServer))
		if err != nil {
			return nil, err
		}
		return &UntilExecuting{baseLock: base}, nil
	case LockUntilExecuted:
		base, err := newBaseLock(job, config, deps, digest, config.ConflictFor(OriginServer))
		if err != nil {
			return nil, err
		}
		return &UntilExecuted{baseLock: base}, nil
	case LockWhileExecuting:
		return newWhileExecuting(job, config, deps, digest, config.ConflictFor(OriginServer))
	case LockWhileExecutingReject:
		runtime, err := newWhileExecuting(job, config, deps, digest, ConflictReject)
		if err != nil {
			return nil, err
		}
		return &WhileExecutingReject{WhileExecuting: runtime}, nil
	case LockUntilAndWhileExecuting:
		base, err := newBaseLock(job, config, deps, digest, config.ConflictFor(OriginServer))
		if err != nil {
			return nil, err
		}
		runtime, err := newWhileExecuting(job, config, deps, digest, config.ConflictFor(OriginServer))
		if err != nil {
			return nil, err
		}
		return &UntilAndWhileExecuting{baseLock: base, runtime: runtime}, nil
	case LockUntilExpired:
		base, err := newBaseLock(job, config, deps, digest, config.ConflictFor(OriginServer))
		if err != nil {
			return nil, err
		}
		return &UntilExpired{baseLock: base}, nil
	default:
		return nil, uniqueError(ErrValidation, fmt.Sprintf("unknown lock type %q", config.Type))
	}
}

// baseLock holds what every policy shares. A baseLock serves a single call and is not safe
// for concurrent use.
type baseLock struct {
	job        *jobs.Job
	config     *LockConfig
	deps       Dependencies
	locksmith  *Locksmith
	strategies map[Origin]ConflictStrategy
	attempt    int
}

func newBaseLock(job *jobs.Job, config *LockConfig, deps Dependencies, key string, serverConflict ConflictKind) (*baseLock, error) {
	base := &baseLock{
		job:       job,
		config:    config,
		deps:      deps,
		locksmith: NewLocksmith(deps.Store, job, config, key),
	}
	strategyDeps := StrategyDeps{
		Reflector:       deps.Reflector,
		Logger:          deps.Logger,
		Rescheduler:     deps.Rescheduler,
		Locksmith:       base.locksmith,
		RescheduleDelay: deps.RescheduleDelay,
	}
	client, err := NewConflictStrategy(config.ConflictFor(OriginClient), strategyDeps)
	if err != nil {
		return nil, err
	}
	server, err := NewConflictStrategy(serverConflict, strategyDeps)
	if err != nil {
		return nil, err
	}
	base.strategies = map[Origin]ConflictStrategy{OriginClient: client, OriginServer: server}
	return base, nil
}

func (b *baseLock) reflect(ctx context.Context, event Event, err error) {
	b.deps.Reflector.Reflect(ctx, event, b.job, err)
}

// lock takes the queue-time lock, waiting up to config.Timeout.
func (b *baseLock) lock(ctx context.Context, onLocked func(ctx context.Context) error) (string, error) {
	outcome := b.locksmith.Lock(ctx, b.config.Timeout)
	switch outcome.Kind {
	case OutcomeLocked:
		b.reflect(ctx, EventLocked, nil)
		if err := b.afterLocked(ctx, onLocked); err != nil {
			return "", err
		}
		return b.job.ID, nil
	case OutcomeError:
		b.reflect(ctx, EventLockFailed, outcome.Err)
		return "", outcome.Err
	default:
		b.reflect(ctx, EventLockFailed, nil)
		return b.callStrategy(ctx, OriginClient, outcome, onLocked)
	}
}

// afterLocked runs onLocked and gives the lock back when it fails, so a job that never reached
// the queue does not hold its digest until the TTL.
func (b *baseLock) afterLocked(ctx context.Context, onLocked func(ctx context.Context) error) error {
	if onLocked == nil {
		return nil
	}
	if err := onLocked(ctx); err != nil {
		b.unlock(context.WithoutCancel(ctx), b.locksmith)
		return err
	}
	return nil
}

// callStrategy hands a conflict to the strategy for origin. A replacing strategy gets at most
// one extra acquisition attempt per lock instance.
func (b *baseLock) callStrategy(ctx context.Context, origin Origin, outcome Outcome, onLocked func(ctx context.Context) error) (string, error) {
	b.attempt++
	strategy := b.strategies[origin]

	var jobID string
	retry := func(ctx context.Context) (string, error) {
		if !strategy.Replace() || b.attempt >= 2 {
			return "", nil
		}
		b.attempt++
		again := b.locksmith.Lock(ctx, 0)
		switch again.Kind {
		case OutcomeLocked:
			b.reflect(ctx, EventLocked, nil)
			jobID = b.job.ID
			return jobID, nil
		case OutcomeError:
			b.reflect(ctx, EventLockFailed, again.Err)
			return "", again.Err
		default:
			b.reflect(ctx, EventLockFailed, nil)
			return "", nil
		}
	}

	conflict := &Conflict{
		Origin:  origin,
		Job:     b.job,
		Digest:  b.locksmith.Digest(),
		Outcome: outcome,
	}
	if err := strategy.Call(ctx, conflict, retry); err != nil {
		return "", err
	}
	if jobID == "" {
		return "", nil
	}
	if err := b.afterLocked(ctx, onLocked); err != nil {
		return "", err
	}
	return jobID, nil
}

// unlock releases the record held through locksmith. Failures are reflected, never returned.
func (b *baseLock) unlock(ctx context.Context, locksmith *Locksmith) bool {
	released, err := locksmith.Unlock(ctx)
	if err != nil || !released {
		b.reflect(ctx, EventUnlockFailed, err)
		return false
	}
	b.reflect(ctx, EventUnlocked, nil)
	return true
}

// unlockAndCallback releases the lock and, when that succeeded, runs the after-unlock callback.
func (b *baseLock) unlockAndCallback(ctx context.Context, locksmith *Locksmith) error {
	if !b.unlock(ctx, locksmith) {
		return nil
	}
	return b.callback(ctx)
}

func (b *baseLock) callback(ctx context.Context) (err error) {
	if b.deps.AfterUnlock == nil {
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in after unlock callback: %v", rec)
		}
		if err != nil {
			b.reflect(ctx, EventAfterUnlockCallbackFailed, err)
		}
	}()
	return b.deps.AfterUnlock(ctx, b.job)
}

// relock restores the lock after a failed body so the queue's retry finds it held again.
// It is best effort.
func (b *baseLock) relock(ctx context.Context, locksmith *Locksmith, wait time.Duration) {
	outcome := locksmith.Lock(ctx, wait)
	if !outcome.Locked() {
		b.reflect(ctx, EventLockFailed, outcome.Err)
		return
	}
	b.reflect(ctx, EventLocked, nil)
}

// executeThenUnlock runs body under locksmith and always releases afterwards. The callback runs
// only after a successful body.
func (b *baseLock) executeThenUnlock(ctx context.Context, locksmith *Locksmith, body Body) (Execution, error) {
	execution, outcome, err := locksmith.execute(ctx, body)
	if !execution.Ran {
		return b.notExecuted(ctx, outcome, err)
	}

	cleanup := context.WithoutCancel(ctx)
	if err != nil {
		b.reflect(ctx, EventExecutionFailed, err)
		b.unlock(cleanup, locksmith)
		return execution, err
	}
	if cbErr := b.unlockAndCallback(cleanup, locksmith); cbErr != nil {
		return execution, cbErr
	}
	return execution, nil
}

// notExecuted handles a lock that could not be confirmed before the body.
func (b *baseLock) notExecuted(ctx context.Context, outcome Outcome, err error) (Execution, error) {
	if err != nil {
		b.reflect(ctx, EventExecutionFailed, err)
		return Execution{}, err
	}
	b.reflect(ctx, EventExecutionFailed, nil)
	if _, err := b.callStrategy(ctx, OriginServer, outcome, nil); err != nil {
		return Execution{}, err
	}
	return Execution{}, nil
}

// runBody converts a panicking body into an error.
func runBody(ctx context.Context, body Body) (value any, err error) {
	if body == nil {
		return nil, nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic while executing job: %v; stack=%s", rec, string(debug.Stack()))
		}
	}()
	return body(ctx)
}
