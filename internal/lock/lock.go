// Package lock provides short-lived mutual exclusion keyed by string, used
// to serialise bookings of the same slot.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotOwner is returned by Unlock when the lock is held under another token.
var ErrNotOwner = errors.New("lock not owned by this client")

// Locker acquires and releases named locks.
type Locker interface {
	// TryLock attempts to take key for ttl without blocking. ok is false when
	// the key is already held. The returned token must be passed to Unlock.
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)

	// Unlock releases key if it is still held under token. Releasing an
	// expired or missing lock is not an error.
	Unlock(ctx context.Context, key, token string) error
}

// SlotKey is the lock key for a slot id.
func SlotKey(slotID string) string {
	return "slot:" + slotID
}

type memoryEntry struct {
	token   string
	expires time.Time
}

// MemoryLocker is a process-local Locker. Locks expire after their ttl.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryEntry
	now   func() time.Time
}

var _ Locker = (*MemoryLocker)(nil)

// NewMemoryLocker returns an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		locks: make(map[string]memoryEntry),
		now:   time.Now,
	}
}

// TryLock implements Locker.
func (m *MemoryLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, held := m.locks[key]; held && now.Before(e.expires) {
		return "", false, nil
	}

	token := uuid.NewString()
	m.locks[key] = memoryEntry{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

// Unlock implements Locker.
func (m *MemoryLocker) Unlock(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, held := m.locks[key]
	if !held {
		return nil
	}
	if !m.now().Before(e.expires) {
		delete(m.locks, key)
		return nil
	}
	if e.token != token {
		return ErrNotOwner
	}
	delete(m.locks, key)
	return nil
}

// NoopLocker always grants the lock. Used when locking is disabled.
type NoopLocker struct{}

var _ Locker = NoopLocker{}

// TryLock implements Locker.
func (NoopLocker) TryLock(context.Context, string, time.Duration) (string, bool, error) {
	return "noop", true, nil
}

// Unlock implements Locker.
func (NoopLocker) Unlock(context.Context, string, string) error {
	return nil
}
