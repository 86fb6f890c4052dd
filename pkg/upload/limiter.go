package upload

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds concurrent part writes per user with one weighted semaphore
// each. A user hammering the part endpoint queues behind their own limit
// instead of starving other tenants' I/O.
type Limiter struct {
	mu      sync.Mutex
	perUser int64
	handles map[string]*semaphore.Weighted
}

// NewLimiter returns a limiter allowing perUser concurrent part writes for
// each user. perUser < 1 disables limiting.
func NewLimiter(perUser int64) *Limiter {
	return &Limiter{
		perUser: perUser,
		handles: make(map[string]*semaphore.Weighted),
	}
}

func (l *Limiter) sem(userID string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.handles[userID]
	if !ok {
		s = semaphore.NewWeighted(l.perUser)
		l.handles[userID] = s
	}
	return s
}

// Acquire blocks until the user has a free part-write slot or ctx is done.
func (l *Limiter) Acquire(ctx context.Context, userID string) error {
	if l == nil || l.perUser < 1 {
		return ctx.Err()
	}
	return l.sem(userID).Acquire(ctx, 1)
}

// Release returns a part-write slot.
func (l *Limiter) Release(userID string) {
	if l == nil || l.perUser < 1 {
		return
	}
	l.sem(userID).Release(1)
}
