// Package lock provides per-contract mutual exclusion with expiry.
//
// Acquire never blocks: a held key reports false and the caller skips its
// work. Every lock carries a TTL so a crashed holder cannot wedge a contract.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultTTL is how long a lock survives without release.
const DefaultTTL = 60 * time.Second

// ErrNotHeld is returned by Release when the key is not held by this locker.
var ErrNotHeld = errors.New("lock: not held")

// Locker is a try-lock keyed by string.
type Locker interface {
	// Acquire takes key for ttl. It returns false without error when the key
	// is already held.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release frees key.
	Release(ctx context.Context, key string) error
	// IsLocked reports whether key is currently held.
	IsLocked(ctx context.Context, key string) (bool, error)
}

// ContractKey returns the lock key of one contract.
func ContractKey(id string) string {
	return "insurance-lock:" + id
}

// MemoryLocker is an in-process Locker backed by a map of expiry times.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]time.Time
	clock func() time.Time
}

// NewMemoryLocker creates an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]time.Time), clock: time.Now}
}

// WithClock replaces the clock used for TTL expiry.
func (l *MemoryLocker) WithClock(now func() time.Time) *MemoryLocker {
	l.clock = now
	return l
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if exp, ok := l.held[key]; ok && now.Before(exp) {
		return false, nil
	}
	l.held[key] = now.Add(ttl)
	return true, nil
}

func (l *MemoryLocker) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; !ok {
		return ErrNotHeld
	}
	delete(l.held, key)
	return nil
}

func (l *MemoryLocker) IsLocked(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	exp, ok := l.held[key]
	if !ok {
		return false, nil
	}
	if !l.clock().Before(exp) {
		delete(l.held, key)
		return false, nil
	}
	return true, nil
}
