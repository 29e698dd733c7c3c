package transport

import (
	"context"
	"sync"
)

// InFlightRegistry tracks running analyses per session so that clearing a
// session cancels the analyses still working on it.
//
// All methods are safe for concurrent access.
type InFlightRegistry struct {
	mu      sync.Mutex
	next    uint64
	entries map[string]map[uint64]context.CancelFunc
}

// NewInFlightRegistry creates a new empty registry.
func NewInFlightRegistry() *InFlightRegistry {
	return &InFlightRegistry{
		entries: make(map[string]map[uint64]context.CancelFunc),
	}
}

// Track derives a cancellable context for an analysis of sessionID and
// registers it. The returned done function must be called when the analysis
// finishes; it releases the context and removes the entry.
func (r *InFlightRegistry) Track(ctx context.Context, sessionID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.next++
	key := r.next
	if r.entries[sessionID] == nil {
		r.entries[sessionID] = make(map[uint64]context.CancelFunc)
	}
	r.entries[sessionID][key] = cancel
	r.mu.Unlock()

	return ctx, func() {
		r.mu.Lock()
		if m := r.entries[sessionID]; m != nil {
			delete(m, key)
			if len(m) == 0 {
				delete(r.entries, sessionID)
			}
		}
		r.mu.Unlock()
		cancel()
	}
}

// Cancel cancels every running analysis of sessionID and returns how many
// were cancelled.
func (r *InFlightRegistry) Cancel(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.entries[sessionID]
	for _, cancel := range m {
		cancel()
	}
	delete(r.entries, sessionID)
	return len(m)
}

// Len returns the number of running analyses of sessionID.
func (r *InFlightRegistry) Len(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries[sessionID])
}
