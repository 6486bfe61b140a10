package utils

import "sync"

// KeyedMutex hands out one lock per name. Entries are dropped once nobody
// holds or waits for them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock blocks until the lock named key is acquired and returns the func that
// releases it.
func (m *KeyedMutex) Lock(key string) func() {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyedLock{}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()

			m.mu.Lock()
			defer m.mu.Unlock()
			l.refs--
			if l.refs <= 0 {
				delete(m.locks, key)
			}
		})
	}
}

func (m *KeyedMutex) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
