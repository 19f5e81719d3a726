package pipeline

import (
	"context"
	"sync"
)

// Locks hands out one exclusive slot per job id. Entries are dropped once no
// caller holds or waits on them.
type Locks struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocks() *Locks {
	return &Locks{slots: make(map[string]*slot)}
}

func (l *Locks) acquire(id string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[id]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[id] = s
	}
	s.refs++
	return s
}

func (l *Locks) release(id string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, id)
	}
}

// Lock blocks until id is free or ctx ends. The returned func releases it.
func (l *Locks) Lock(ctx context.Context, id string) (func(), error) {
	s := l.acquire(id)
	select {
	case s.ch <- struct{}{}:
		return l.unlocker(id, s), nil
	case <-ctx.Done():
		l.release(id, s)
		return nil, ctx.Err()
	}
}

// TryLock takes id only if nobody holds it.
func (l *Locks) TryLock(id string) (func(), bool) {
	s := l.acquire(id)
	select {
	case s.ch <- struct{}{}:
		return l.unlocker(id, s), true
	default:
		l.release(id, s)
		return nil, false
	}
}

// Held reports whether id is currently locked.
func (l *Locks) Held(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[id]
	return ok && len(s.ch) > 0
}

func (l *Locks) unlocker(id string, s *slot) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.release(id, s)
		})
	}
}
