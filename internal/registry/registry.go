// Package registry tracks which adapter instances are registered for which
// tenant and the connection state each one is in.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/harunnryd/chatgate/internal/message"
)

// Key identifies one adapter instance.
type Key struct {
	Platform message.Platform `json:"platform"`
	TenantID string           `json:"tenant_id"`
}

func (k Key) String() string {
	return string(k.Platform) + "/" + k.TenantID
}

// Entry is a registry record. Handle is opaque to the registry.
type Entry struct {
	Key       Key       `json:"key"`
	Handle    any       `json:"-"`
	State     State     `json:"state"`
	Since     time.Time `json:"since"`
	LastError string    `json:"last_error,omitempty"`
}

// Registry is a concurrent-safe keyed store. Writers take the exclusive lock for
// the duration of a map update only.
type Registry struct {
	mu      sync.RWMutex
	entries map[Key]*Entry
}

func New() *Registry {
	return &Registry{entries: make(map[Key]*Entry)}
}

// Insert adds an entry for key unless one exists. It returns the stored entry and
// whether it was created by this call.
func (r *Registry) Insert(key Key, handle any) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		return *e, false
	}
	e := &Entry{Key: key, Handle: handle, State: Disconnected, Since: time.Now()}
	r.entries[key] = e
	return *e, true
}

func (r *Registry) Get(key Key) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Resolve finds the entry for platform and tenant. An empty tenant matches when
// the platform has exactly one registered tenant.
func (r *Registry) Resolve(platform message.Platform, tenantID string) (Entry, bool) {
	if tenantID != "" {
		return r.Get(Key{Platform: platform, TenantID: tenantID})
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var found *Entry
	for k, e := range r.entries {
		if k.Platform != platform {
			continue
		}
		if found != nil {
			return Entry{}, false
		}
		found = e
	}
	if found == nil {
		return Entry{}, false
	}
	return *found, true
}

// SetState records a state transition. It is a no-op for unknown keys.
func (r *Registry) SetState(key Key, state State, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		e.apply(state, cause)
	}
}

// SetStateIf records a state transition only when the entry for key still
// carries handle, so a replaced instance cannot overwrite its successor.
func (r *Registry) SetStateIf(key Key, handle any, state State, cause error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok || e.Handle != handle {
		return false
	}
	e.apply(state, cause)
	return true
}

func (e *Entry) apply(state State, cause error) {
	if e.State != state {
		e.Since = time.Now()
	}
	e.State = state
	if cause != nil {
		e.LastError = cause.Error()
	} else if state == Live {
		e.LastError = ""
	}
}

// Remove deletes the entry for key, returning it if it existed.
func (r *Registry) Remove(key Key) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return Entry{}, false
	}
	delete(r.entries, key)
	return *e, true
}

// RemoveIf deletes the entry for key only when it still carries handle.
func (r *Registry) RemoveIf(key Key, handle any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok || e.Handle != handle {
		return false
	}
	delete(r.entries, key)
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns copies of all entries ordered by platform then tenant.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Platform != out[j].Key.Platform {
			return out[i].Key.Platform < out[j].Key.Platform
		}
		return out[i].Key.TenantID < out[j].Key.TenantID
	})
	return out
}
