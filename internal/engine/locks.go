package engine

import (
	"context"
	"sync"
)

// ProjectLocks hands out one token per project ID so that state-changing
// operations on the same project serialize while distinct projects proceed
// independently.
type ProjectLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewProjectLocks() *ProjectLocks {
	return &ProjectLocks{locks: make(map[string]chan struct{})}
}

func (l *ProjectLocks) lock(projectID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[projectID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[projectID] = ch
	}
	return ch
}

// Acquire blocks until the project token is free or ctx expires. On success
// the returned release func must be called exactly once.
func (l *ProjectLocks) Acquire(ctx context.Context, projectID string) (func(), error) {
	ch := l.lock(projectID)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ErrBusy
	}
}
