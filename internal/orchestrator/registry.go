package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTurnActive is returned when a connection already has a turn in flight.
var ErrTurnActive = errors.New("turn already active")

// StopReasonDisconnect is recorded when the driving peer goes away.
const StopReasonDisconnect = "peer disconnected"

// turnEntry tracks one in-flight turn. The stop flag is polled by the
// turn loop; cancel unblocks any provider or broker wait.
type turnEntry struct {
	conversationID string
	streamID       string
	startedAt      time.Time
	cancel         context.CancelFunc

	mu      sync.Mutex
	stopped bool
	reason  string
}

func (e *turnEntry) requestStop(reason string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return false
	}
	e.stopped = true
	e.reason = reason
	e.cancel()
	return true
}

func (e *turnEntry) stopRequested() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reason, e.stopped
}

// Registry maps connection ids to their single in-flight turn. One turn
// per connection; a second registration fails with ErrTurnActive.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*turnEntry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*turnEntry)}
}

func (r *Registry) register(connID string, entry *turnEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[connID]; exists {
		return ErrTurnActive
	}
	r.entries[connID] = entry
	return nil
}

func (r *Registry) remove(connID string) {
	r.mu.Lock()
	delete(r.entries, connID)
	r.mu.Unlock()
}

func (r *Registry) lookup(connID string) (*turnEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[connID]
	return entry, ok
}

// RequestStop flags the connection's in-flight turn for cooperative
// cancellation. Idempotent: repeat calls and calls with no active turn
// return false. The turn loop persists the partial message and removes
// the entry on its way out.
func (r *Registry) RequestStop(connID, reason string) bool {
	entry, ok := r.lookup(connID)
	if !ok {
		return false
	}
	return entry.requestStop(reason)
}

// OnDisconnect stops the turn of a departing connection. Called from the
// gateway's close path.
func (r *Registry) OnDisconnect(connID string) {
	r.RequestStop(connID, StopReasonDisconnect)
}

// Active reports whether the connection has a turn in flight.
func (r *Registry) Active(connID string) bool {
	_, ok := r.lookup(connID)
	return ok
}

// ActiveCount returns the number of in-flight turns.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
