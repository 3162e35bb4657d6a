package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/antoniostano/sessionvault/internal/observability"
)

// writerWeight is the full semaphore capacity. A writer holds all of it;
// readers hold one unit each.
const writerWeight int64 = 1 << 16

const readerWeight int64 = 1

type sessionLock struct {
	sem  *semaphore.Weighted
	refs int
}

// lockTable hands out per-session reader/writer locks. Entries exist only
// while someone holds or waits on them.
type lockTable struct {
	mu      sync.Mutex
	locks   map[string]*sessionLock
	timeout time.Duration
	metrics *observability.Metrics
}

func newLockTable(timeout time.Duration, metrics *observability.Metrics) *lockTable {
	return &lockTable{locks: make(map[string]*sessionLock), timeout: timeout, metrics: metrics}
}

func (t *lockTable) ref(id string) *sessionLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[id]
	if !ok {
		l = &sessionLock{sem: semaphore.NewWeighted(writerWeight)}
		t.locks[id] = l
	}
	l.refs++
	return l
}

func (t *lockTable) unref(id string, l *sessionLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, id)
	}
}

// acquire waits at most the table timeout. A timeout yields ErrSessionBusy;
// cancellation of ctx itself is returned unchanged.
func (t *lockTable) acquire(ctx context.Context, id string, weight int64) (func(), error) {
	l := t.ref(id)
	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, t.timeout)
	err := l.sem.Acquire(waitCtx, weight)
	cancel()
	t.metrics.ObserveLockWait(time.Since(start))
	if err != nil {
		t.unref(id, l)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, id)
	}
	return t.releaser(id, l, weight), nil
}

func (t *lockTable) tryAcquire(id string, weight int64) (func(), bool) {
	l := t.ref(id)
	if !l.sem.TryAcquire(weight) {
		t.unref(id, l)
		return nil, false
	}
	return t.releaser(id, l, weight), true
}

func (t *lockTable) releaser(id string, l *sessionLock, weight int64) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.sem.Release(weight)
			t.unref(id, l)
		})
	}
}

func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
