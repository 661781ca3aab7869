// Package lock provides keyed single-writer locks. Holding the lock for a key
// (an agent ID, a session ID) serializes read-modify-write sequences on that
// key only; different keys never contend.
package lock

import (
	"context"
	"sync"
)

// Locker acquires an exclusive lock for a key. The returned release function
// must be called exactly once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// MutexMap is an in-process Locker with one lock per key. A key's entry
// lives only while some caller holds or waits for it.
type MutexMap struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewMutexMap() *MutexMap {
	return &MutexMap{
		slots: make(map[string]*slot),
	}
}

// Acquire blocks until the key is free or ctx is done.
func (m *MutexMap) Acquire(ctx context.Context, key string) (func(), error) {
	s := m.ref(key)
	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				m.unref(key)
			})
		}, nil
	case <-ctx.Done():
		m.unref(key)
		return nil, ctx.Err()
	}
}

// Len reports how many keys are currently held or awaited.
func (m *MutexMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

func (m *MutexMap) ref(key string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		m.slots[key] = s
	}
	s.refs++
	return s
}

func (m *MutexMap) unref(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.slots[key]
	s.refs--
	if s.refs == 0 {
		delete(m.slots, key)
	}
}
