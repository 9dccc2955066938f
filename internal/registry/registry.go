// Package registry maps a user identity to the set of currently open
// live connections. It is the sole source of truth for whether a user
// is reachable; the per-user command queue lifecycle keys off its
// connection count.
package registry

import (
	"encoding/json"
	"log/slog"
	"sync"

	"pigeon/internal/models"
)

// Sink is the outbound end of one live connection. Enqueue must not
// block; it reports whether the data was accepted.
type Sink interface {
	Enqueue(data []byte) bool
}

type Registry struct {
	mu    sync.RWMutex
	conns map[string]map[Sink]struct{}
}

func New() *Registry {
	return &Registry{conns: make(map[string]map[Sink]struct{})}
}

func (r *Registry) Register(userID string, s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[userID]
	if !ok {
		set = make(map[Sink]struct{})
		r.conns[userID] = set
	}
	set[s] = struct{}{}
}

// Unregister removes the connection and returns the user's remaining
// live connection count.
func (r *Registry) Unregister(userID string, s Sink) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[userID]
	if !ok {
		return 0
	}
	delete(set, s)
	if len(set) == 0 {
		delete(r.conns, userID)
		return 0
	}
	return len(set)
}

func (r *Registry) Count(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[userID])
}

// Emit delivers a named event to every live connection of userID. A
// user with no connections is a no-op, not an error. Slow connections
// whose buffers are full miss the event rather than stall the rest.
func (r *Registry) Emit(userID, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("Failed to marshal event payload", "event", event, "user_id", userID, "error", err)
		return
	}
	frame, err := json.Marshal(models.Event{Name: event, Data: data})
	if err != nil {
		slog.Warn("Failed to marshal event frame", "event", event, "user_id", userID, "error", err)
		return
	}

	r.mu.RLock()
	sinks := make([]Sink, 0, len(r.conns[userID]))
	for s := range r.conns[userID] {
		sinks = append(sinks, s)
	}
	r.mu.RUnlock()

	for _, s := range sinks {
		if !s.Enqueue(frame) {
			slog.Warn("Dropped event on full connection buffer", "event", event, "user_id", userID)
		}
	}
}
