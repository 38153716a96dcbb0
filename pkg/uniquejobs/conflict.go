package uniquejobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nimburion/uniquejobs/pkg/jobs"
	"github.com/nimburion/uniquejobs/pkg/observability/logger"
)

// DefaultRescheduleDelay is how long a rescheduled job waits before it is retried.
const DefaultRescheduleDelay = 5 * time.Second

// Origin is the process a lock runs in.
type Origin string

const (
	OriginClient Origin = "client"
	OriginServer Origin = "server"
)

// Rescheduler puts a job back on its queue. jobs.RedisBackend implements it.
type Rescheduler interface {
	Reschedule(ctx context.Context, job *jobs.Job, delay time.Duration) error
}

// Conflict describes a failed lock attempt handed to a ConflictStrategy.
type Conflict struct {
	Origin  Origin
	Job     *jobs.Job
	Digest  string
	Outcome Outcome
}

// RetryFunc makes one more acquisition attempt and returns the job id on success.
type RetryFunc func(ctx context.Context) (string, error)

// ConflictStrategy decides what happens to a job whose lock is taken.
type ConflictStrategy interface {
	Kind() ConflictKind
	// Replace reports whether the strategy takes over the lock and retries.
	Replace() bool
	Call(ctx context.Context, conflict *Conflict, retry RetryFunc) error
}

// StrategyDeps are the collaborators a conflict strategy may need.
type StrategyDeps struct {
	Reflector       Reflector
	Logger          logger.Logger
	Rescheduler     Rescheduler
	Locksmith       *Locksmith
	RescheduleDelay time.Duration
}

var conflictStrategies = map[ConflictKind]func(StrategyDeps) ConflictStrategy{
	ConflictNone:       func(StrategyDeps) ConflictStrategy { return nullStrategy{} },
	ConflictRaise:      func(StrategyDeps) ConflictStrategy { return raiseStrategy{} },
	ConflictReject:     func(deps StrategyDeps) ConflictStrategy { return rejectStrategy{deps: deps} },
	ConflictReschedule: func(deps StrategyDeps) ConflictStrategy { return rescheduleStrategy{deps: deps} },
	ConflictReplace:    func(deps StrategyDeps) ConflictStrategy { return replaceStrategy{deps: deps} },
	ConflictLog:        func(deps StrategyDeps) ConflictStrategy { return logStrategy{deps: deps} },
}

// KnownConflictKind reports whether kind has a registered strategy.
func KnownConflictKind(kind ConflictKind) bool {
	_, ok := conflictStrategies[kind]
	return ok
}

// ConflictKinds lists the named strategies in a stable order.
func ConflictKinds() []ConflictKind {
	out := make([]ConflictKind, 0, len(conflictStrategies))
	for kind := range conflictStrategies {
		if kind != ConflictNone {
			out = append(out, kind)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NewConflictStrategy resolves kind through the registry.
func NewConflictStrategy(kind ConflictKind, deps StrategyDeps) (ConflictStrategy, error) {
	factory, ok := conflictStrategies[kind]
	if !ok {
		return nil, uniqueError(ErrValidation, fmt.Sprintf("unknown conflict strategy %q", kind))
	}
	if deps.Reflector == nil {
		deps.Reflector = NopReflector{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if deps.RescheduleDelay <= 0 {
		deps.RescheduleDelay = DefaultRescheduleDelay
	}
	return factory(deps), nil
}

type nullStrategy struct{}

func (nullStrategy) Kind() ConflictKind                               { return ConflictNone }
func (nullStrategy) Replace() bool                                    { return false }
func (nullStrategy) Call(context.Context, *Conflict, RetryFunc) error { return nil }

type raiseStrategy struct{}

func (raiseStrategy) Kind() ConflictKind { return ConflictRaise }
func (raiseStrategy) Replace() bool      { return false }

func (raiseStrategy) Call(_ context.Context, conflict *Conflict, _ RetryFunc) error {
	err := &LockConflictError{Origin: conflict.Origin, Digest: conflict.Digest, Reason: conflict.Outcome.Reason}
	if conflict.Job != nil {
		err.JobID = conflict.Job.ID
		err.JobName = conflict.Job.Name
		err.Queue = conflict.Job.Queue
	}
	return err
}

type rejectStrategy struct {
	deps StrategyDeps
}

func (rejectStrategy) Kind() ConflictKind { return ConflictReject }
func (rejectStrategy) Replace() bool      { return false }

func (s rejectStrategy) Call(ctx context.Context, conflict *Conflict, _ RetryFunc) error {
	s.deps.Reflector.Reflect(ctx, EventRejected, conflict.Job, nil)
	return nil
}

type rescheduleStrategy struct {
	deps StrategyDeps
}

func (rescheduleStrategy) Kind() ConflictKind { return ConflictReschedule }
func (rescheduleStrategy) Replace() bool      { return false }

func (s rescheduleStrategy) Call(ctx context.Context, conflict *Conflict, _ RetryFunc) error {
	if s.deps.Rescheduler == nil {
		err := uniqueError(ErrNotInitialized, "rescheduler is not configured")
		s.deps.Reflector.Reflect(ctx, EventRescheduleFailed, conflict.Job, err)
		return err
	}
	if err := s.deps.Rescheduler.Reschedule(ctx, conflict.Job, s.deps.RescheduleDelay); err != nil {
		err = errors.Join(uniqueError(ErrRetryable, "reschedule job failed"), err)
		s.deps.Reflector.Reflect(ctx, EventRescheduleFailed, conflict.Job, err)
		return err
	}
	s.deps.Reflector.Reflect(ctx, EventRescheduled, conflict.Job, nil)
	return nil
}

type replaceStrategy struct {
	deps StrategyDeps
}

func (replaceStrategy) Kind() ConflictKind { return ConflictReplace }
func (replaceStrategy) Replace() bool      { return true }

func (s replaceStrategy) Call(ctx context.Context, conflict *Conflict, retry RetryFunc) error {
	if s.deps.Locksmith == nil {
		return uniqueError(ErrNotInitialized, "locksmith is not configured")
	}
	if _, err := s.deps.Locksmith.Delete(ctx); err != nil {
		return err
	}
	s.deps.Reflector.Reflect(ctx, EventReplaced, conflict.Job, nil)
	if retry == nil {
		return nil
	}
	_, err := retry(ctx)
	return err
}

type logStrategy struct {
	deps StrategyDeps
}

func (logStrategy) Kind() ConflictKind { return ConflictLog }
func (logStrategy) Replace() bool      { return false }

func (s logStrategy) Call(ctx context.Context, conflict *Conflict, _ RetryFunc) error {
	fields := append(jobFields(conflict.Job), "origin", string(conflict.Origin), "reason", conflict.Outcome.Reason)
	s.deps.Logger.WithContext(ctx).Warn("skipping unique job, lock not acquired", fields...)
	return nil
}
