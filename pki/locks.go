package pki

import "sync"

// Lock keys. Client identities use ClientLockKey.
const (
	LockCA     = "ca"
	LockBroker = "broker"
)

// ClientLockKey returns the lock key for a client namespace.
func ClientLockKey(username string) string { return "client/" + username }

// Locker hands out one reader/writer mutex per identity key. Entries are
// reference counted and dropped once no goroutine holds or waits on them.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	rw   sync.RWMutex
	refs int
}

// NewLocker returns an empty Locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*lockEntry)}
}

func (l *Locker) acquire(key string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[key]
	if !ok {
		e = &lockEntry{}
		l.locks[key] = e
	}
	e.refs++
	return e
}

func (l *Locker) release(key string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

// Lock takes key exclusively and returns the matching unlock function.
func (l *Locker) Lock(key string) (unlock func()) {
	e := l.acquire(key)
	e.rw.Lock()
	return func() {
		e.rw.Unlock()
		l.release(key, e)
	}
}

// RLock takes key in shared mode and returns the matching unlock function.
func (l *Locker) RLock(key string) (unlock func()) {
	e := l.acquire(key)
	e.rw.RLock()
	return func() {
		e.rw.RUnlock()
		l.release(key, e)
	}
}
