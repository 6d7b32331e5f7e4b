package notify

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/kmcai/portfolio-status/internal/domain"
)

// Handler receives the payload of an event frame.
type Handler func(payload json.RawMessage)

// StatusHandler receives connection status transitions.
type StatusHandler func(domain.StatusChange)

// HandlerID identifies a registration so it can be removed again.
type HandlerID uint64

type eventEntry struct {
	id HandlerID
	fn Handler
}

type statusEntry struct {
	id HandlerID
	fn StatusHandler
}

// Registry maps event targets to handlers. Handlers for the same target run
// in registration order.
type Registry struct {
	mu     sync.RWMutex
	nextID HandlerID
	events map[string][]eventEntry
	status []statusEntry
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		events: make(map[string][]eventEntry),
		logger: logger.With("component", "handler_registry"),
	}
}

// On registers h for target.
func (r *Registry) On(target string, h Handler) HandlerID {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.events[target] = append(r.events[target], eventEntry{id: id, fn: h})

	r.logger.Debug("Handler registered", "target", target, "handler_id", id)
	return id
}

// OnStatus registers h for connection status changes.
func (r *Registry) OnStatus(h StatusHandler) HandlerID {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.status = append(r.status, statusEntry{id: id, fn: h})
	return id
}

// Off removes the registration with id and reports whether it existed.
func (r *Registry) Off(id HandlerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for target, entries := range r.events {
		for i, e := range entries {
			if e.id != id {
				continue
			}
			entries = append(entries[:i:i], entries[i+1:]...)
			if len(entries) == 0 {
				delete(r.events, target)
			} else {
				r.events[target] = entries
			}
			r.logger.Debug("Handler removed", "target", target, "handler_id", id)
			return true
		}
	}

	for i, e := range r.status {
		if e.id == id {
			r.status = append(r.status[:i:i], r.status[i+1:]...)
			return true
		}
	}
	return false
}

// Handlers returns the handlers registered for target.
func (r *Registry) Handlers(target string) ([]Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.events[target]
	if len(entries) == 0 {
		return nil, false
	}
	out := make([]Handler, len(entries))
	for i, e := range entries {
		out[i] = e.fn
	}
	return out, true
}

// StatusHandlers returns the registered status handlers.
func (r *Registry) StatusHandlers() []StatusHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]StatusHandler, len(r.status))
	for i, e := range r.status {
		out[i] = e.fn
	}
	return out
}

// Count returns the number of live registrations of either kind.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.status)
	for _, entries := range r.events {
		n += len(entries)
	}
	return n
}
