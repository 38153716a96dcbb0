package jobs

import (
	"context"
	"time"
)

// DefaultLeaseTTL is the default lease duration when reserve does not provide one.
const DefaultLeaseTTL = 30 * time.Second

// Lease tracks temporary ownership over a reserved job.
type Lease struct {
	JobID    string
	Token    string
	Queue    string
	ExpireAt time.Time
	Attempt  int
}

// Handler processes consumed jobs.
type Handler func(ctx context.Context, job *Job) error

// Middleware wraps a handler with cross-cutting behavior such as unique-job locking.
type Middleware func(next Handler) Handler

// Backend defines a jobs queue with reserve/ack/nack semantics.
type Backend interface {
	Enqueue(ctx context.Context, job *Job) error
	Reserve(ctx context.Context, queue string, leaseFor time.Duration) (*Job, *Lease, error)
	Ack(ctx context.Context, lease *Lease) error
	Nack(ctx context.Context, lease *Lease, nextRunAt time.Time, reason error) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// Chain composes middlewares so that the first one is the outermost.
func Chain(handler Handler, middlewares ...Middleware) Handler {
	for idx := len(middlewares) - 1; idx >= 0; idx-- {
		if middlewares[idx] == nil {
			continue
		}
		handler = middlewares[idx](handler)
	}
	return handler
}

func cloneLease(lease *Lease) *Lease {
	if lease == nil {
		return nil
	}
	copyLease := *lease
	return &copyLease
}
