package queue

import "sync"

// KeyedMutex serializes work per key. Entries are refcounted so the map
// shrinks back as cards go quiet.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	refs int
	mu   sync.Mutex
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*lockEntry)}
}

// Lock acquires the mutex for key, blocking while another holder has it.
func (k *KeyedMutex) Lock(key string) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &lockEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the mutex for key.
func (k *KeyedMutex) Unlock(key string) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		k.mu.Unlock()
		panic("queue: unlock of unheld key " + key)
	}
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()

	e.mu.Unlock()
}
