package cache

import (
	"sync"
	"time"
)

// ActiveTracker remembers which assets were recently served so the disk
// cache sweep can grant actively watched content a longer TTL.
type ActiveTracker struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
}

func NewActiveTracker(window time.Duration) *ActiveTracker {
	return &ActiveTracker{
		window: window,
		seen:   make(map[string]time.Time),
	}
}

func (t *ActiveTracker) Mark(urlHash string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen[urlHash] = time.Now()
}

func (t *ActiveTracker) IsActive(urlHash string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.seen[urlHash]

	return ok && time.Since(at) < t.window
}

// Sweep drops entries outside the activity window.
func (t *ActiveTracker) Sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for hash, at := range t.seen {
		if now.Sub(at) > t.window {
			delete(t.seen, hash)
		}
	}
}
