package daemon

import (
	"log/slog"
	"sync"

	"github.com/harunnryd/chatgate/internal/registry"
)

// AdapterSource reports the current registry entries. The gateway component
// implements it.
type AdapterSource interface {
	Snapshot() []registry.Entry
}

// AdapterChange is one difference between two consecutive snapshots. From is
// meaningless when Added is set; To is meaningless when Removed is set.
type AdapterChange struct {
	Key       registry.Key
	From      registry.State
	To        registry.State
	Added     bool
	Removed   bool
	LastError string
}

// AdapterReport is the outcome of one observation.
type AdapterReport struct {
	Changes []AdapterChange
	// Failed lists the adapters in FailedTerminal right now.
	Failed []registry.Key
	// NewlyFailed lists the adapters reported as FailedTerminal for the first
	// time. An adapter is listed once per failure.
	NewlyFailed []registry.Key
}

type adapterWatch struct {
	src AdapterSource

	mu       sync.Mutex
	last     map[registry.Key]registry.Entry
	reported map[registry.Key]bool
}

func newAdapterWatch(src AdapterSource) *adapterWatch {
	return &adapterWatch{
		src:      src,
		last:     make(map[registry.Key]registry.Entry),
		reported: make(map[registry.Key]bool),
	}
}

// observe diffs the current snapshot against the previous one and logs what
// moved.
func (w *adapterWatch) observe() AdapterReport {
	entries := w.src.Snapshot()

	w.mu.Lock()
	defer w.mu.Unlock()

	var rep AdapterReport
	seen := make(map[registry.Key]bool, len(entries))
	for _, e := range entries {
		seen[e.Key] = true
		prev, known := w.last[e.Key]
		w.last[e.Key] = e

		switch {
		case !known:
			rep.Changes = append(rep.Changes, AdapterChange{Key: e.Key, To: e.State, Added: true, LastError: e.LastError})
			slog.Info("Adapter registered", "adapter", e.Key.String(), "state", e.State.String())
		case prev.State != e.State:
			rep.Changes = append(rep.Changes, AdapterChange{Key: e.Key, From: prev.State, To: e.State, LastError: e.LastError})
			slog.Info("Adapter state changed", "adapter", e.Key.String(), "from", prev.State.String(), "to", e.State.String())
		}

		if e.State != registry.FailedTerminal {
			delete(w.reported, e.Key)
			continue
		}
		rep.Failed = append(rep.Failed, e.Key)
		if !w.reported[e.Key] {
			w.reported[e.Key] = true
			rep.NewlyFailed = append(rep.NewlyFailed, e.Key)
			slog.Error("Adapter failed permanently", "adapter", e.Key.String(), "error", e.LastError)
		}
	}

	for key, prev := range w.last {
		if seen[key] {
			continue
		}
		delete(w.last, key)
		delete(w.reported, key)
		rep.Changes = append(rep.Changes, AdapterChange{Key: key, From: prev.State, Removed: true, LastError: prev.LastError})
		if prev.LastError != "" {
			slog.Error("Adapter deregistered", "adapter", key.String(), "last_state", prev.State.String(), "error", prev.LastError)
		} else {
			slog.Info("Adapter deregistered", "adapter", key.String(), "last_state", prev.State.String())
		}
	}
	return rep
}
