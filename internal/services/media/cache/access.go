package cache

import (
	"sync"
	"time"
)

// DefaultGracePeriod protects recently served entries from eviction.
const DefaultGracePeriod = 60 * time.Second

// AccessTracker remembers when each key was last served. Records live in
// memory only.
type AccessTracker struct {
	mu   sync.RWMutex
	last map[string]time.Time
	now  func() time.Time
}

func NewAccessTracker(now func() time.Time) *AccessTracker {
	if now == nil {
		now = time.Now
	}
	return &AccessTracker{
		last: make(map[string]time.Time),
		now:  now,
	}
}

func (a *AccessTracker) RecordAccess(key string) {
	a.mu.Lock()
	a.last[key] = a.now()
	a.mu.Unlock()
}

func (a *AccessTracker) LastAccess(key string) (time.Time, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.last[key]
	return t, ok
}

// IsSafeToDelete is true when key was never accessed or its last access is
// older than grace.
func (a *AccessTracker) IsSafeToDelete(key string, grace time.Duration) bool {
	last, ok := a.LastAccess(key)
	if !ok {
		return true
	}
	return a.now().Sub(last) > grace
}

func (a *AccessTracker) Forget(key string) {
	a.mu.Lock()
	delete(a.last, key)
	a.mu.Unlock()
}
