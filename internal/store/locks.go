package store

import (
	"context"
	"log/slog"
	"sync"
)

// threadLocks is a keyed mutex. Entries are reference counted and dropped
// once no goroutine holds or waits on them.
type threadLocks struct {
	mu    sync.Mutex
	locks map[string]*threadLock
}

type threadLock struct {
	ch   chan struct{}
	refs int
}

// LockThread acquires the lock for threadID. The returned unlock func is safe to call once.
func (l *threadLocks) LockThread(ctx context.Context, threadID string) (func(), error) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*threadLock)
	}
	tl, ok := l.locks[threadID]
	if !ok {
		tl = &threadLock{ch: make(chan struct{}, 1)}
		l.locks[threadID] = tl
	}
	tl.refs++
	l.mu.Unlock()

	select {
	case tl.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(threadID, tl)
		slog.Debug("threadLocks.LockThread: gave up waiting", "threadID", threadID, "error", ctx.Err())
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-tl.ch
			l.release(threadID, tl)
		})
	}, nil
}

func (l *threadLocks) release(threadID string, tl *threadLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl.refs--
	if tl.refs == 0 {
		delete(l.locks, threadID)
	}
}
