package session

import "sync"

// LockRegistry hands out one mutex per session id so append requests for the
// same session serialize while different sessions proceed in parallel. Locks
// are never nested (single-key acquisition), so cross-session deadlock is
// impossible. Entries are refcounted and evicted once the last holder
// releases, so the map size tracks concurrent callers, not every id ever
// locked.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[string]*sessionLock)}
}

// Lock acquires the session's exclusive lock and returns its unlock function.
func (r *LockRegistry) Lock(sessionID string) func() {
	r.mu.Lock()
	l, ok := r.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		r.locks[sessionID] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, sessionID)
		}
		r.mu.Unlock()
	}
}

// Len reports how many sessions currently hold or await a lock.
func (r *LockRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
