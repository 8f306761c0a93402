// Package lock provides keyed mutual exclusion for renewal ticks and for
// per-subscription work while a gateway call is in flight. InMemoryLock
// covers a single process; RedisLock spans instances.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Locker hands out keyed locks. A ttl of zero means the lock lives until
// release; backends that need an expiry apply their own default.
type Locker interface {
	// Acquire blocks until the lock is held or ctx ends.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
	// TryAcquire returns acquired=false without waiting when the key is held.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}

// InMemoryLock implements Locker with one buffered channel per key. A key's
// slot is dropped once no holder or waiter references it.
type InMemoryLock struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewInMemoryLock creates a new in-memory lock.
func NewInMemoryLock() *InMemoryLock {
	return &InMemoryLock{slots: make(map[string]*slot)}
}

func (l *InMemoryLock) ref(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *InMemoryLock) unref(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 && l.slots[key] == s {
		delete(l.slots, key)
	}
}

// Acquire obtains the lock for key, blocking until acquired or ctx ends.
func (l *InMemoryLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("acquire lock for %s: %w", key, err)
	}
	s := l.ref(key)
	select {
	case s.ch <- struct{}{}:
		return l.releaser(key, s, ttl), nil
	case <-ctx.Done():
		l.unref(key, s)
		return nil, fmt.Errorf("acquire lock for %s: %w", key, ctx.Err())
	}
}

// TryAcquire attempts to acquire the lock without blocking.
func (l *InMemoryLock) TryAcquire(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	s := l.ref(key)
	select {
	case s.ch <- struct{}{}:
		return l.releaser(key, s, ttl), true, nil
	default:
		l.unref(key, s)
		return nil, false, nil
	}
}

// releaser frees the slot once, either on call or when ttl elapses.
func (l *InMemoryLock) releaser(key string, s *slot, ttl time.Duration) func() {
	var once sync.Once
	release := func() {
		once.Do(func() {
			<-s.ch
			l.unref(key, s)
		})
	}
	if ttl > 0 {
		time.AfterFunc(ttl, release)
	}
	return release
}

// held reports how many keys currently have a slot.
func (l *InMemoryLock) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
