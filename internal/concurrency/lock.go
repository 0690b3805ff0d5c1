package concurrency

import "sync"

// KeyedLock hands out one mutex per key. TryLock lets a caller skip work that
// is already running under the same key.
type KeyedLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewKeyedLock() *KeyedLock {
	return &KeyedLock{
		locks: make(map[string]*sync.Mutex),
	}
}

func (k *KeyedLock) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	lock, ok := k.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		k.locks[key] = lock
	}
	return lock
}

func (k *KeyedLock) Lock(key string) {
	k.get(key).Lock()
}

// TryLock reports whether the lock for key was acquired.
func (k *KeyedLock) TryLock(key string) bool {
	return k.get(key).TryLock()
}

func (k *KeyedLock) Unlock(key string) {
	k.mu.Lock()
	lock, ok := k.locks[key]
	k.mu.Unlock()
	if ok {
		lock.Unlock()
	}
}
