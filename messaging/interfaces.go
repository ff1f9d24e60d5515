package messaging

import (
	"context"
	"time"

	"github.com/glimte/resumebus/internal/rabbitmq"
)

// Connector hands out channels on the shared broker connection.
// *rabbitmq.ConnectionManager implements it.
type Connector interface {
	// OpenChannel opens a fresh channel for one logical operation
	OpenChannel() (rabbitmq.Channel, error)
	// WaitConnected blocks until the connection is live
	WaitConnected(ctx context.Context) error
}

// EventHandler processes events delivered to a subscription. Returning an
// error requeues the event.
type EventHandler interface {
	HandleEvent(ctx context.Context, env Envelope) error
}

// EventHandlerFunc is a function adapter for EventHandler
type EventHandlerFunc func(ctx context.Context, env Envelope) error

// HandleEvent implements EventHandler
func (f EventHandlerFunc) HandleEvent(ctx context.Context, env Envelope) error {
	return f(ctx, env)
}

// Responder answers RPC requests. The returned value is encoded as the JSON
// reply body.
type Responder interface {
	RespondRPC(ctx context.Context, env Envelope) (any, error)
}

// ResponderFunc is a function adapter for Responder
type ResponderFunc func(ctx context.Context, env Envelope) (any, error)

// RespondRPC implements Responder
func (f ResponderFunc) RespondRPC(ctx context.Context, env Envelope) (any, error) {
	return f(ctx, env)
}

// EventOutcome is how a delivered event was settled
type EventOutcome string

const (
	EventAcked    EventOutcome = "acked"
	EventRequeued EventOutcome = "requeued"
	EventRejected EventOutcome = "rejected"
)

// ServeOutcome is how an RPC request was answered
type ServeOutcome string

const (
	ServeReplied      ServeOutcome = "replied"
	ServeErrorReplied ServeOutcome = "error_replied"
	ServeRejected     ServeOutcome = "rejected"
	ServeRequeued     ServeOutcome = "requeued"
)

// MetricsCollector collects messaging metrics
type MetricsCollector interface {
	// RecordPublish records an event publish attempt
	RecordPublish(target string, success bool)
	// RecordEvent records the settlement of a delivered event
	RecordEvent(eventType string, outcome EventOutcome, duration time.Duration)
	// RecordRequest records the terminal state of an outgoing RPC call
	RecordRequest(target string, outcome CallState, duration time.Duration)
	// RequestInFlight adjusts the number of outstanding RPC calls
	RequestInFlight(target string, delta int)
	// RecordServed records an answered incoming RPC request
	RecordServed(requestType string, outcome ServeOutcome, duration time.Duration)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordPublish does nothing
func (NoOpMetricsCollector) RecordPublish(string, bool) {}

// RecordEvent does nothing
func (NoOpMetricsCollector) RecordEvent(string, EventOutcome, time.Duration) {}

// RecordRequest does nothing
func (NoOpMetricsCollector) RecordRequest(string, CallState, time.Duration) {}

// RequestInFlight does nothing
func (NoOpMetricsCollector) RequestInFlight(string, int) {}

// RecordServed does nothing
func (NoOpMetricsCollector) RecordServed(string, ServeOutcome, time.Duration) {}
