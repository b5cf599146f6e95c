package lock

import (
	"context"
	"sync"
)

// Locker serialises work per key. The returned func releases the lock and is
// safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type keyed struct {
	ch   chan struct{}
	refs int
}

// KeyedMutex is an in-process Locker holding one mutex per key.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyed
}

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyed)}
}

// Lock blocks until key is free or ctx is done.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	k, ok := m.locks[key]
	if !ok {
		k = &keyed{ch: make(chan struct{}, 1)}
		m.locks[key] = k
	}
	k.refs++
	m.mu.Unlock()

	select {
	case k.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, k)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-k.ch
			m.release(key, k)
		})
	}, nil
}

func (m *KeyedMutex) release(key string, k *keyed) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k.refs--
	if k.refs == 0 {
		delete(m.locks, key)
	}
}

// Len reports how many keys are held or awaited.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
