package chunkstore

import "sync"

// keyedMutex serializes writers per chunk hash. Entries are reference counted
// and dropped once no goroutine holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[Hash]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[Hash]*refLock)}
}

func (k *keyedMutex) lock(h Hash) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[h]
	if !ok {
		l = &refLock{}
		k.locks[h] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, h)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
