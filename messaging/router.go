package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Router dispatches envelopes to handlers registered by envelope type. It
// implements both EventHandler and Responder, so one router can back a
// subscription and an RPC server.
type Router struct {
	mu       sync.RWMutex
	events   map[string]EventHandler
	requests map[string]Responder
	logger   *slog.Logger
}

// RouterOption configures a Router
type RouterOption func(*Router)

// WithRouterLogger sets the logger
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// NewRouter creates an empty router
func NewRouter(options ...RouterOption) *Router {
	r := &Router{
		events:   make(map[string]EventHandler),
		requests: make(map[string]Responder),
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// HandleEventType registers h for events of msgType
func (r *Router) HandleEventType(msgType string, h EventHandler) error {
	if msgType == "" {
		return ErrMissingType
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.events[msgType]; exists {
		return fmt.Errorf("event handler for %q already registered", msgType)
	}
	r.events[msgType] = h
	return nil
}

// HandleRequestType registers resp for requests of msgType
func (r *Router) HandleRequestType(msgType string, resp Responder) error {
	if msgType == "" {
		return ErrMissingType
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.requests[msgType]; exists {
		return fmt.Errorf("request handler for %q already registered", msgType)
	}
	r.requests[msgType] = resp
	return nil
}

// EventTypes returns the registered event types, sorted
func (r *Router) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.events)
}

// RequestTypes returns the registered request types, sorted
func (r *Router) RequestTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.requests)
}

// HandleEvent implements EventHandler. Events without a handler are logged
// and acknowledged.
func (r *Router) HandleEvent(ctx context.Context, env Envelope) error {
	r.mu.RLock()
	h, ok := r.events[env.Type]
	r.mu.RUnlock()

	if !ok {
		r.logger.Warn("no handler for event type", "type", env.Type)
		return nil
	}
	return h.HandleEvent(ctx, env)
}

// RespondRPC implements Responder. Requests without a handler fail with
// ErrUnknownMessageType.
func (r *Router) RespondRPC(ctx context.Context, env Envelope) (any, error) {
	r.mu.RLock()
	resp, ok := r.requests[env.Type]
	r.mu.RUnlock()

	if !ok {
		return nil, &HandlerError{Type: env.Type, Code: "unknown_type", Err: ErrUnknownMessageType}
	}
	return resp.RespondRPC(ctx, env)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
