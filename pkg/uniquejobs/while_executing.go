package uniquejobs

import (
	"context"

	"github.com/nimburion/uniquejobs/pkg/jobs"
)

// WhileExecuting locks only while the job runs, on the runtime digest.
type WhileExecuting struct {
	*baseLock
}

func newWhileExecuting(job *jobs.Job, config *LockConfig, deps Dependencies, digest string, serverConflict ConflictKind) (*WhileExecuting, error) {
	base, err := newBaseLock(job, config, deps, RuntimeDigest(digest), serverConflict)
	if err != nil {
		return nil, err
	}
	return &WhileExecuting{baseLock: base}, nil
}

// Lock never touches the store; every job may be enqueued.
func (l *WhileExecuting) Lock(ctx context.Context, onLocked func(ctx context.Context) error) (string, error) {
	if onLocked != nil {
		if err := onLocked(ctx); err != nil {
			return "", err
		}
	}
	return l.job.ID, nil
}

// Execute takes the runtime lock, waiting up to config.Timeout, runs body and releases it. When
// the lock stays taken the server conflict strategy decides what happens to the job.
func (l *WhileExecuting) Execute(ctx context.Context, body Body) (Execution, error) {
	return l.executeThenUnlock(ctx, l.locksmith, body)
}

// WhileExecutingReject is WhileExecuting whose server conflict strategy is always reject.
type WhileExecutingReject struct {
	*WhileExecuting
}
