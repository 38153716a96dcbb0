package uniquejobs

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryRecord struct {
	value     string
	expiresAt time.Time
}

func (r memoryRecord) live(now time.Time) bool {
	return r.expiresAt.IsZero() || now.Before(r.expiresAt)
}

// MemoryStore keeps lock records in process memory with lazy expiry. It only coordinates
// goroutines of one process.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]memoryRecord
	closed  bool
	now     func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]memoryRecord{}, now: time.Now}
}

// CreateIfAbsent stores key=value unless a live record exists.
func (s *MemoryStore) CreateIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" || value == "" {
		return false, uniqueError(ErrInvalidArgument, "lock key and value are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, uniqueError(ErrClosed, "memory store is closed")
	}

	now := s.now()
	if record, ok := s.records[key]; ok && record.live(now) {
		return false, nil
	}
	record := memoryRecord{value: value}
	if ttl > 0 {
		record.expiresAt = now.Add(ttl)
	}
	s.records[key] = record
	return true, nil
}

// DeleteIfEquals removes key when its live value equals expected.
func (s *MemoryStore) DeleteIfEquals(_ context.Context, key, expected string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" || expected == "" {
		return false, uniqueError(ErrInvalidArgument, "lock key and expected value are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, uniqueError(ErrClosed, "memory store is closed")
	}

	record, ok := s.records[key]
	if !ok {
		return false, nil
	}
	if !record.live(s.now()) {
		delete(s.records, key)
		return false, nil
	}
	if record.value != expected {
		return false, nil
	}
	delete(s.records, key)
	return true, nil
}

// Get returns the live value of key.
func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, uniqueError(ErrClosed, "memory store is closed")
	}

	record, ok := s.records[strings.TrimSpace(key)]
	if !ok || !record.live(s.now()) {
		return "", false, nil
	}
	return record.value, true, nil
}

// HealthCheck fails once the store is closed.
func (s *MemoryStore) HealthCheck(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return uniqueError(ErrClosed, "memory store is closed")
	}
	return nil
}

// Close drops every record. Later operations fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = map[string]memoryRecord{}
	s.closed = true
	return nil
}
