package uniquejobs

import (
	"context"
	"time"
)

// Store is the external key/value store holding lock records. Each method must be atomic in
// the backing store; a plain read followed by a write is not acceptable.
type Store interface {
	// CreateIfAbsent writes key=value with ttl when key has no live record. A ttl <= 0 keeps the
	// record until it is deleted.
	CreateIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// DeleteIfEquals removes key only while its live value equals expected.
	DeleteIfEquals(ctx context.Context, key, expected string) (bool, error)
	// Get returns the live value of key.
	Get(ctx context.Context, key string) (string, bool, error)
}

// ManagedStore is a Store owning connections.
type ManagedStore interface {
	Store
	HealthCheck(ctx context.Context) error
	Close() error
}
