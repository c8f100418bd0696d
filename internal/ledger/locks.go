package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// lockTable hands out one exclusive lock per key. Entries are dropped once nobody holds
// or waits for them.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*keyLock)}
}

// acquire blocks until key is free, timeout elapses or ctx is done. A non-positive
// timeout waits on ctx alone.
func (t *lockTable) acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	t.mu.Lock()
	l, ok := t.locks[key]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		t.locks[key] = l
	}
	l.refs++
	t.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case l.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.sem
				t.unref(key, l)
			})
		}, nil
	case <-expired:
		t.unref(key, l)
		return nil, fmt.Errorf("%w: lock wait on %q exceeded %s", ErrConflict, key, timeout)
	case <-ctx.Done():
		t.unref(key, l)
		return nil, fmt.Errorf("%w: lock wait on %q: %w", ErrConflict, key, ctx.Err())
	}
}

func (t *lockTable) unref(key string, l *keyLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, key)
	}
}

func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
