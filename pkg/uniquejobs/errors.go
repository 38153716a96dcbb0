package uniquejobs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies invalid lock options or lock configurations.
	ErrValidation = errors.New("uniquejobs validation error")
	// ErrLockConflict classifies a lock that could not be acquired.
	ErrLockConflict = errors.New("uniquejobs lock conflict")
	// ErrRetryable classifies transient store failures safe to retry.
	ErrRetryable = errors.New("uniquejobs retryable error")
	// ErrInvalidArgument classifies invalid caller arguments.
	ErrInvalidArgument = errors.New("uniquejobs invalid argument")
	// ErrNotInitialized classifies missing store or dependency initialization.
	ErrNotInitialized = errors.New("uniquejobs not initialized")
	// ErrClosed classifies operations performed on closed stores.
	ErrClosed = errors.New("uniquejobs closed")
)

func uniqueError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}

// LockConflictError is returned by the raise conflict strategy.
type LockConflictError struct {
	Origin  Origin
	Digest  string
	JobID   string
	JobName string
	Queue   string
	Reason  string
}

func (e *LockConflictError) Error() string {
	msg := fmt.Sprintf("%s: %s lock not acquired for job %s (%s) on queue %q, digest %s",
		ErrLockConflict, e.Origin, e.JobID, e.JobName, e.Queue, e.Digest)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Unwrap makes errors.Is(err, ErrLockConflict) hold.
func (e *LockConflictError) Unwrap() error {
	return ErrLockConflict
}
