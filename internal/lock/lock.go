// Package lock serializes subscription changes per (user, series) pair.
// A held lock is never waited on: the second request fails fast.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrHeld is returned by TryAcquire when another request holds the key.
var ErrHeld = errors.New("lock held")

// Locker hands out short-lived exclusive locks.
type Locker interface {
	// TryAcquire takes key for at most ttl. It returns ErrHeld without waiting
	// when the key is taken. The returned release func is safe to call once.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// PairKey names the lock for one user/series pair.
func PairKey(userID, seriesID string) string {
	return "edu:lock:sub:" + userID + ":" + seriesID
}

// Local is an in-process Locker for single-instance deployments and tests.
type Local struct {
	mu   sync.Mutex
	held map[string]time.Time // key -> expiry
}

// NewLocal creates an empty in-process locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]time.Time)}
}

func (l *Local) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if exp, ok := l.held[key]; ok && now.Before(exp) {
		return nil, ErrHeld
	}
	exp := now.Add(ttl)
	l.held[key] = exp

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			// Only drop our own entry; an expired lock may have been re-taken.
			if cur, ok := l.held[key]; ok && cur.Equal(exp) {
				delete(l.held, key)
			}
		})
	}, nil
}
