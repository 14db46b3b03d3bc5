// Package lock provides the single-flight guard used by flash-save passes.
// The Redis locker holds across service instances; the local locker covers
// single-instance deployments and tests.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrLocked is returned when the key is already held.
var ErrLocked = errors.New("lock already held")

// Locker acquires an exclusive lock on a key. The returned release func must
// be called exactly once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Local is an in-process locker backed by a key set.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocal creates an in-process locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

// Acquire takes the key or fails immediately with ErrLocked.
func (l *Local) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, ErrLocked
	}
	l.held[key] = struct{}{}
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, nil
}
