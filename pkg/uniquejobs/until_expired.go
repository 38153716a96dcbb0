package uniquejobs

import "context"

// UntilExpired holds the lock until its TTL elapses. Nothing ever unlocks it.
type UntilExpired struct {
	*baseLock
}

func (l *UntilExpired) Lock(ctx context.Context, onLocked func(ctx context.Context) error) (string, error) {
	return l.lock(ctx, onLocked)
}

// Execute runs body while the lock is held and leaves the record in place.
func (l *UntilExpired) Execute(ctx context.Context, body Body) (Execution, error) {
	execution, outcome, err := l.locksmith.execute(ctx, body)
	if !execution.Ran {
		return l.notExecuted(ctx, outcome, err)
	}
	if err != nil {
		l.reflect(ctx, EventExecutionFailed, err)
	}
	return execution, err
}
