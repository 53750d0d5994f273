// Package orglock serializes ingest work per org. Waits are bounded; a
// timeout surfaces as *apperr.BusyError so agents back off and retry.
package orglock

import (
	"context"
	"sync"
	"time"

	"github.com/ComUnity/insight-service/internal/apperr"
)

// Unlock releases a held lock. Calling it more than once is safe.
type Unlock func()

type Locker interface {
	Acquire(ctx context.Context, orgID string, wait time.Duration) (Unlock, error)
}

type sem struct {
	ch   chan struct{}
	refs int
}

// MemoryLocker holds one semaphore per org while anyone holds or waits on it.
type MemoryLocker struct {
	mu   sync.Mutex
	sems map[string]*sem
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{sems: make(map[string]*sem)}
}

func (l *MemoryLocker) ref(orgID string) *sem {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sems[orgID]
	if !ok {
		s = &sem{ch: make(chan struct{}, 1)}
		l.sems[orgID] = s
	}
	s.refs++
	return s
}

func (l *MemoryLocker) unref(orgID string, s *sem) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.sems, orgID)
	}
}

func (l *MemoryLocker) Acquire(ctx context.Context, orgID string, wait time.Duration) (Unlock, error) {
	s := l.ref(orgID)
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
	case <-timer.C:
		l.unref(orgID, s)
		return nil, &apperr.BusyError{OrgID: orgID, Waited: wait}
	case <-ctx.Done():
		l.unref(orgID, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.unref(orgID, s)
		})
	}, nil
}

// Len reports how many orgs currently have holders or waiters.
func (l *MemoryLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sems)
}
