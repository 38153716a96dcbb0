package uniquejobs

import (
	"context"
	"fmt"
	"time"

	"github.com/nimburion/uniquejobs/pkg/jobs"
	"github.com/nimburion/uniquejobs/pkg/observability/tracing"
	"go.opentelemetry.io/otel/trace"
)

const defaultPollInterval = 50 * time.Millisecond

// OutcomeKind classifies the result of a lock attempt.
type OutcomeKind int

const (
	OutcomeLocked OutcomeKind = iota
	OutcomeConflict
	OutcomeError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeLocked:
		return "locked"
	case OutcomeConflict:
		return "conflict"
	default:
		return "error"
	}
}

// Outcome is the result of Locksmith.Lock: Locked carries the token, Conflict the reason and
// Error the store failure.
type Outcome struct {
	Kind   OutcomeKind
	Token  string
	Reason string
	Err    error
}

// Locked reports whether the lock is held.
func (o Outcome) Locked() bool {
	return o.Kind == OutcomeLocked
}

// Body is the job work run under a lock.
type Body func(ctx context.Context) (any, error)

// Execution reports whether a body ran and what it returned.
type Execution struct {
	Ran   bool
	Value any
}

// Locksmith acquires and releases one digest on behalf of one job. The job id is the token, so
// the server process can release a lock taken by the client process for the same job.
type Locksmith struct {
	store        Store
	job          *jobs.Job
	config       *LockConfig
	digest       string
	token        string
	pollInterval time.Duration
}

// NewLocksmith binds store, job and digest.
func NewLocksmith(store Store, job *jobs.Job, config *LockConfig, digest string) *Locksmith {
	token := ""
	if job != nil {
		token = job.ID
	}
	return &Locksmith{
		store:        store,
		job:          job,
		config:       config,
		digest:       digest,
		token:        token,
		pollInterval: defaultPollInterval,
	}
}

// Digest returns the key the locksmith works on.
func (l *Locksmith) Digest() string {
	return l.digest
}

// Token returns the value written to the lock record.
func (l *Locksmith) Token() string {
	return l.token
}

// Lock tries to create the record. It is re-entrant for the same token. With wait > 0 it polls
// until the record frees up or wait elapses.
func (l *Locksmith) Lock(ctx context.Context, wait time.Duration) Outcome {
	if err := l.ensureReady(); err != nil {
		return Outcome{Kind: OutcomeError, Err: err}
	}
	ctx, span := l.startSpan(ctx, tracing.SpanOperationLockAcquire)
	defer span.End()

	deadline := time.Now().Add(wait)
	retriedVanished := false
	for {
		created, err := l.store.CreateIfAbsent(ctx, l.digest, l.token, l.config.TTL)
		if err != nil {
			tracing.RecordError(span, err)
			return Outcome{Kind: OutcomeError, Err: err}
		}
		if created {
			tracing.RecordSuccess(span)
			return Outcome{Kind: OutcomeLocked, Token: l.token}
		}

		holder, found, err := l.store.Get(ctx, l.digest)
		if err != nil {
			tracing.RecordError(span, err)
			return Outcome{Kind: OutcomeError, Err: err}
		}
		if found && holder == l.token {
			tracing.RecordSuccess(span)
			return Outcome{Kind: OutcomeLocked, Token: l.token}
		}
		if !found && !retriedVanished {
			// The holder expired or unlocked between the two calls.
			retriedVanished = true
			continue
		}

		remaining := time.Until(deadline)
		if wait <= 0 || remaining <= 0 {
			reason := "lock record is busy"
			if found {
				reason = fmt.Sprintf("held by %s", holder)
			}
			return Outcome{Kind: OutcomeConflict, Reason: reason}
		}

		pause := l.pollInterval
		if remaining < pause {
			pause = remaining
		}
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			tracing.RecordError(span, ctx.Err())
			return Outcome{Kind: OutcomeError, Err: ctx.Err()}
		case <-timer.C:
		}
		retriedVanished = false
	}
}

// Unlock removes the record only while this token holds it.
func (l *Locksmith) Unlock(ctx context.Context) (bool, error) {
	if err := l.ensureReady(); err != nil {
		return false, err
	}
	ctx, span := l.startSpan(ctx, tracing.SpanOperationLockRelease)
	defer span.End()

	released, err := l.store.DeleteIfEquals(ctx, l.digest, l.token)
	if err != nil {
		tracing.RecordError(span, err)
		return false, err
	}
	return released, nil
}

// Delete removes the record whoever holds it. It reads the holder and deletes with that value,
// so a record replaced in between is left alone.
func (l *Locksmith) Delete(ctx context.Context) (bool, error) {
	if err := l.ensureReady(); err != nil {
		return false, err
	}
	ctx, span := l.startSpan(ctx, tracing.SpanOperationLockDelete)
	defer span.End()

	holder, found, err := l.store.Get(ctx, l.digest)
	if err != nil {
		tracing.RecordError(span, err)
		return false, err
	}
	if !found {
		return false, nil
	}
	deleted, err := l.store.DeleteIfEquals(ctx, l.digest, holder)
	if err != nil {
		tracing.RecordError(span, err)
		return false, err
	}
	return deleted, nil
}

// Locked reports whether this token currently holds the record.
func (l *Locksmith) Locked(ctx context.Context) (bool, error) {
	if err := l.ensureReady(); err != nil {
		return false, err
	}
	holder, found, err := l.store.Get(ctx, l.digest)
	if err != nil {
		return false, err
	}
	return found && holder == l.token, nil
}

// Execute confirms the lock is still held, taking it again within config.Timeout if it lapsed,
// and runs body. Execution.Ran is false when the lock could not be confirmed.
func (l *Locksmith) Execute(ctx context.Context, body Body) (Execution, error) {
	execution, _, err := l.execute(ctx, body)
	return execution, err
}

func (l *Locksmith) execute(ctx context.Context, body Body) (Execution, Outcome, error) {
	outcome := l.Lock(ctx, l.config.Timeout)
	switch outcome.Kind {
	case OutcomeError:
		return Execution{}, outcome, outcome.Err
	case OutcomeConflict:
		return Execution{}, outcome, nil
	}

	ctx, span := l.startSpan(ctx, tracing.SpanOperationLockExecute)
	defer span.End()
	value, err := runBody(ctx, body)
	if err != nil {
		tracing.RecordError(span, err)
	} else {
		tracing.RecordSuccess(span)
	}
	return Execution{Ran: true, Value: value}, outcome, err
}

func (l *Locksmith) ensureReady() error {
	if l == nil || l.store == nil {
		return uniqueError(ErrNotInitialized, "lock store is not initialized")
	}
	if l.config == nil {
		return uniqueError(ErrNotInitialized, "lock config is not initialized")
	}
	if l.digest == "" || l.token == "" {
		return uniqueError(ErrInvalidArgument, "lock digest and job id are required")
	}
	return nil
}

func (l *Locksmith) startSpan(ctx context.Context, operation tracing.SpanOperation) (context.Context, trace.Span) {
	return tracing.StartLockSpan(
		ctx,
		operation,
		tracing.WithLockPolicy(string(l.config.Type)),
		tracing.WithLockDigest(l.digest),
		tracing.WithLockJobID(l.token),
	)
}
