package rounds

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// taskLocks hands out one lock per task. Entries are dropped once nobody holds
// or waits on them.
type taskLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*taskLock
}

type taskLock struct {
	sem  chan struct{}
	refs int
}

func newTaskLocks() *taskLocks {
	return &taskLocks{locks: map[uuid.UUID]*taskLock{}}
}

// acquire blocks until the task's lock is free or ctx is done.
func (l *taskLocks) acquire(ctx context.Context, id uuid.UUID) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &taskLock{sem: make(chan struct{}, 1)}
		l.locks[id] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.sem <- struct{}{}:
	case <-ctx.Done():
		l.unref(id, lk)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lk.sem
			l.unref(id, lk)
		})
	}, nil
}

func (l *taskLocks) unref(id uuid.UUID, lk *taskLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, id)
	}
}
