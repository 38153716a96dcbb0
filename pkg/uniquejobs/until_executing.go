package uniquejobs

import (
	"context"
	"time"
)

const untilExecutingRelockWait = time.Second

// UntilExecuting holds the lock from enqueue until the job starts.
type UntilExecuting struct {
	*baseLock
}

func (l *UntilExecuting) Lock(ctx context.Context, onLocked func(ctx context.Context) error) (string, error) {
	return l.lock(ctx, onLocked)
}

// Execute releases the lock, then runs body. A failed body takes the lock again before the
// error is returned.
func (l *UntilExecuting) Execute(ctx context.Context, body Body) (Execution, error) {
	if err := l.unlockAndCallback(ctx, l.locksmith); err != nil {
		return Execution{}, err
	}
	value, err := runBody(ctx, body)
	if err != nil {
		l.reflect(ctx, EventExecutionFailed, err)
		l.relock(context.WithoutCancel(ctx), l.locksmith, untilExecutingRelockWait)
	}
	return Execution{Ran: true, Value: value}, err
}
