// Package runlock provides mutual exclusion for recompute passes, either
// within one process or across replicas sharing a Redis instance.
package runlock

import (
	"context"
	"errors"
	"sync"
)

// ErrLocked is returned by TryAcquire when another holder owns the lock
var ErrLocked = errors.New("run lock is held")

// ReleaseFunc releases an acquired lock
type ReleaseFunc func(ctx context.Context) error

// Locker hands out a single non-blocking lock
type Locker interface {
	// TryAcquire returns ErrLocked immediately if the lock is held
	TryAcquire(ctx context.Context) (ReleaseFunc, error)
}

// Local is an in-process Locker
type Local struct {
	mu sync.Mutex
}

// NewLocal creates an in-process locker
func NewLocal() *Local {
	return &Local{}
}

func (l *Local) TryAcquire(ctx context.Context) (ReleaseFunc, error) {
	if !l.mu.TryLock() {
		return nil, ErrLocked
	}

	var once sync.Once
	return func(context.Context) error {
		once.Do(l.mu.Unlock)
		return nil
	}, nil
}
