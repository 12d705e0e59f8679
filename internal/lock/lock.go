// Package lock provides per-batch leases. A lease is held across HTTP
// requests (from OTP issue to transfer completion), so it is token based and
// expires on its own when a holder disappears.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrHeld = errors.New("lock is held")
	ErrLost = errors.New("lease no longer held")
)

type Lease struct {
	Key       string
	Token     string
	ExpiresAt time.Time
}

type Locker interface {
	// Acquire returns ErrHeld when another unexpired lease exists for key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
	// Extend pushes the expiry of a still-held lease; ErrLost otherwise.
	Extend(ctx context.Context, lease Lease, ttl time.Duration) (Lease, error)
	// Release is a no-op for leases that already expired or moved on.
	Release(ctx context.Context, lease Lease) error
}

type localEntry struct {
	token     string
	expiresAt time.Time
}

// Local is an in-process Locker for single-instance deployments.
type Local struct {
	mu      sync.Mutex
	entries map[string]localEntry
	now     func() time.Time
}

func NewLocal() *Local {
	return &Local{entries: map[string]localEntry{}, now: time.Now}
}

// WithClock replaces the time source; tests use it to expire leases.
func (l *Local) WithClock(now func() time.Time) *Local {
	l.now = now
	return l
}

func (l *Local) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if e, ok := l.entries[key]; ok && now.Before(e.expiresAt) {
		return Lease{}, ErrHeld
	}
	lease := Lease{Key: key, Token: uuid.NewString(), ExpiresAt: now.Add(ttl)}
	l.entries[key] = localEntry{token: lease.Token, expiresAt: lease.ExpiresAt}
	return lease, nil
}

func (l *Local) Extend(_ context.Context, lease Lease, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	e, ok := l.entries[lease.Key]
	if !ok || e.token != lease.Token || !now.Before(e.expiresAt) {
		return Lease{}, ErrLost
	}
	lease.ExpiresAt = now.Add(ttl)
	l.entries[lease.Key] = localEntry{token: lease.Token, expiresAt: lease.ExpiresAt}
	return lease, nil
}

func (l *Local) Release(_ context.Context, lease Lease) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[lease.Key]; ok && e.token == lease.Token {
		delete(l.entries, lease.Key)
	}
	return nil
}
