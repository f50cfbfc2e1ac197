package engine

import "sync"

// userLocks hands out one RWMutex per user. Entries are reference counted
// and dropped when the last holder releases, so idle users cost nothing.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	sync.RWMutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*userLock)}
}

func (l *userLocks) acquire(userID string) *userLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	ul, ok := l.locks[userID]
	if !ok {
		ul = &userLock{}
		l.locks[userID] = ul
	}
	ul.refs++
	return ul
}

func (l *userLocks) release(userID string, ul *userLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ul.refs--
	if ul.refs == 0 {
		delete(l.locks, userID)
	}
}

// Lock takes the user's write lock and returns its release func.
func (l *userLocks) Lock(userID string) func() {
	ul := l.acquire(userID)
	ul.Lock()
	return func() {
		ul.Unlock()
		l.release(userID, ul)
	}
}

// RLock takes the user's read lock and returns its release func.
func (l *userLocks) RLock(userID string) func() {
	ul := l.acquire(userID)
	ul.RLock()
	return func() {
		ul.RUnlock()
		l.release(userID, ul)
	}
}

func (l *userLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
