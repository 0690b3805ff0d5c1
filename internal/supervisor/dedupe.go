package supervisor

import "sync"

// DefaultDedupeWindow is how many recent inbound IDs are remembered per instance.
const DefaultDedupeWindow = 1024

// recentIDs remembers the last n message IDs delivered so that platforms that
// replay events after a reconnect do not produce duplicates.
type recentIDs struct {
	mu   sync.Mutex
	seen map[string]struct{}
	ring []string
	next int
}

func newRecentIDs(n int) *recentIDs {
	if n <= 0 {
		n = DefaultDedupeWindow
	}
	return &recentIDs{seen: make(map[string]struct{}, n), ring: make([]string, n)}
}

// Contains reports whether id was delivered recently. Empty IDs are never
// considered duplicates.
func (r *recentIDs) Contains(id string) bool {
	if id == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.seen[id]
	return ok
}

// Add records a delivered id, evicting the oldest once the window is full.
func (r *recentIDs) Add(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.seen[id]; ok {
		return
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.seen, old)
	}
	r.ring[r.next] = id
	r.seen[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ring)
}
