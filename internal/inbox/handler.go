package inbox

import (
	"context"
	"fmt"
	"sync"
)

// Handler processes a single envelope. The payload arrives as raw bytes;
// typed handlers are built with NewTypedHandler.
type Handler func(ctx context.Context, env *Envelope) HandlerResult

// BatchHandler processes a whole lease at once (Batched mode). Envelopes
// missing from the returned slice are treated as Retry.
type BatchHandler func(ctx context.Context, envs []*Envelope) []BatchResult

// GroupHandler processes the in-order slice of one group's messages
// (FIFO-Batched mode).
type GroupHandler func(ctx context.Context, groupID string, envs []*Envelope) []BatchResult

// Registry maps message type names to handlers for the per-message modes.
// Registration is explicit; there is no reflection-driven discovery.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a message type. Registering the same type
// twice is an error: silent replacement hides wiring bugs.
func (r *Registry) Register(messageType string, h Handler) error {
	if messageType == "" {
		return fmt.Errorf("message type must not be empty")
	}
	if h == nil {
		return fmt.Errorf("handler for %q must not be nil", messageType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[messageType]; exists {
		return fmt.Errorf("handler already registered for message type %q", messageType)
	}
	r.handlers[messageType] = h
	return nil
}

// SetFallback installs a handler for message types with no explicit
// registration. Without one, unroutable messages are dead-lettered.
func (r *Registry) SetFallback(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = h
}

// Lookup returns the handler for a message type, the fallback, or nil.
func (r *Registry) Lookup(messageType string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[messageType]; ok {
		return h
	}
	return r.fallback
}

// Types returns the registered message type names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

// NewTypedHandler wraps a typed handler function with payload deserialization.
// A payload that fails to deserialize is moved to the dead-letter queue:
// retrying a malformed payload cannot succeed.
func NewTypedHandler[T any](ser Serializer, messageType string, fn func(ctx context.Context, msg T, env *Envelope) HandlerResult) Handler {
	return func(ctx context.Context, env *Envelope) HandlerResult {
		var msg T
		if err := ser.Deserialize(env.Payload, messageType, &msg); err != nil {
			return MoveToDeadLetter(fmt.Sprintf("deserialize %s: %v", messageType, err))
		}
		return fn(ctx, msg, env)
	}
}
