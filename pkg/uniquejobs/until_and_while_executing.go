package uniquejobs

import (
	"context"
	"time"
)

const untilAndWhileExecutingRelockWait = 2 * time.Second

// UntilAndWhileExecuting holds the queue-time lock until the job starts and the runtime lock
// while it runs.
type UntilAndWhileExecuting struct {
	*baseLock
	runtime *WhileExecuting
}

func (l *UntilAndWhileExecuting) Lock(ctx context.Context, onLocked func(ctx context.Context) error) (string, error) {
	return l.lock(ctx, onLocked)
}

// Execute releases the queue-time lock and runs body under the runtime lock. When the
// queue-time lock is no longer held by this job the body is skipped and the failure reflected.
// A failed body takes the queue-time lock again before the error is returned.
func (l *UntilAndWhileExecuting) Execute(ctx context.Context, body Body) (Execution, error) {
	if !l.unlock(ctx, l.locksmith) {
		return Execution{}, nil
	}

	execution, err := l.runtime.Execute(ctx, body)
	if err != nil && execution.Ran {
		l.relock(context.WithoutCancel(ctx), l.locksmith, untilAndWhileExecutingRelockWait)
	}
	return execution, err
}
