package uniquejobs

import "context"

// UntilExecuted holds the lock from enqueue until the job finished.
type UntilExecuted struct {
	*baseLock
}

func (l *UntilExecuted) Lock(ctx context.Context, onLocked func(ctx context.Context) error) (string, error) {
	return l.lock(ctx, onLocked)
}

// Execute runs body under the queue-time lock and releases it afterwards, also when body fails.
func (l *UntilExecuted) Execute(ctx context.Context, body Body) (Execution, error) {
	return l.executeThenUnlock(ctx, l.locksmith, body)
}
