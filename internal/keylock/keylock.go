// Package keylock provides mutual exclusion scoped to a string key, so
// operations on the same case (or same identity) serialize while unrelated
// keys proceed in parallel.
package keylock

import "sync"

// KeyLock hands out one mutex per key on demand. Locks are never removed;
// the key space (case IDs, submitter identities) is small and bounded by
// retention.
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an empty KeyLock.
func New() *KeyLock {
	return &KeyLock{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key, creating it on first use.
func (k *KeyLock) Lock(key string) {
	k.get(key).Lock()
}

// Unlock releases the mutex for key.
func (k *KeyLock) Unlock(key string) {
	k.get(key).Unlock()
}

func (k *KeyLock) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	return m
}
