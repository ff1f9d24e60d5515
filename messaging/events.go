package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/resumebus/internal/rabbitmq"
	"github.com/glimte/resumebus/internal/reliability"
)

// RedeliveryPolicy bounds how often a failing event is requeued.
// MaxRedeliveries of zero requeues forever. With a DeadLetterExchange the
// service queue is declared to dead-letter exhausted events into
// "<queue>.dead-letter" instead of dropping them.
type RedeliveryPolicy struct {
	MaxRedeliveries    int
	DeadLetterExchange string
}

func (p RedeliveryPolicy) exhausted(d amqp.Delivery) bool {
	return p.MaxRedeliveries > 0 && rabbitmq.DeliveryCount(d) >= int64(p.MaxRedeliveries)
}

// EventChannel publishes events to other services through a durable direct
// exchange and consumes the events addressed to this service from its
// durable quorum queue.
type EventChannel struct {
	conn           Connector
	exchange       string
	queue          string
	prefetch       int
	redelivery     RedeliveryPolicy
	resubscribe    reliability.RetryPolicy
	handlerTimeout time.Duration
	logger         *slog.Logger
	metrics        MetricsCollector
}

// EventOption configures an EventChannel
type EventOption func(*EventChannel)

// WithExchange sets the exchange events are routed through
func WithExchange(name string) EventOption {
	return func(e *EventChannel) {
		e.exchange = name
	}
}

// WithServiceQueue sets the queue this service consumes its events from
func WithServiceQueue(name string) EventOption {
	return func(e *EventChannel) {
		e.queue = name
	}
}

// WithPrefetch sets how many unacked events the broker may hand out at
// once
func WithPrefetch(n int) EventOption {
	return func(e *EventChannel) {
		e.prefetch = n
	}
}

// WithRedeliveryPolicy bounds requeueing of failing events
func WithRedeliveryPolicy(policy RedeliveryPolicy) EventOption {
	return func(e *EventChannel) {
		e.redelivery = policy
	}
}

// WithResubscribePolicy sets the retry policy used after a lost consumer
func WithResubscribePolicy(policy reliability.RetryPolicy) EventOption {
	return func(e *EventChannel) {
		e.resubscribe = policy
	}
}

// WithEventHandlerTimeout bounds each HandleEvent call
func WithEventHandlerTimeout(timeout time.Duration) EventOption {
	return func(e *EventChannel) {
		e.handlerTimeout = timeout
	}
}

// WithEventLogger sets the logger
func WithEventLogger(logger *slog.Logger) EventOption {
	return func(e *EventChannel) {
		e.logger = logger
	}
}

// WithEventMetrics sets the metrics collector
func WithEventMetrics(metrics MetricsCollector) EventOption {
	return func(e *EventChannel) {
		e.metrics = metrics
	}
}

// NewEventChannel creates an event channel on conn
func NewEventChannel(conn Connector, options ...EventOption) (*EventChannel, error) {
	e := &EventChannel{
		conn:        conn,
		prefetch:    1,
		resubscribe: DefaultResubscribePolicy(),
		logger:      slog.Default(),
		metrics:     NoOpMetricsCollector{},
	}

	for _, opt := range options {
		opt(e)
	}

	if e.exchange == "" {
		return nil, ErrMissingExchange
	}
	if e.prefetch < 1 {
		e.prefetch = 1
	}

	return e, nil
}

// Publish sends env to the service bound under target. The broker drops
// the event if no queue is bound for target.
func (e *EventChannel) Publish(ctx context.Context, target string, env Envelope) error {
	err := e.publish(ctx, target, env)
	e.metrics.RecordPublish(target, err == nil)
	if err != nil {
		e.logger.Error("failed to publish event",
			"target", target,
			"type", env.Type,
			"exchange", e.exchange,
			"error", err,
		)
		return &PublishFailure{Target: target, Exchange: e.exchange, Err: err}
	}

	e.logger.Info("published event", "target", target, "type", env.Type)
	return nil
}

// PublishAndForget publishes env and only logs a failure
func (e *EventChannel) PublishAndForget(ctx context.Context, target string, env Envelope) {
	_ = e.Publish(ctx, target, env)
}

func (e *EventChannel) publish(ctx context.Context, target string, env Envelope) error {
	body, err := env.Marshal()
	if err != nil {
		return err
	}

	ch, err := e.conn.OpenChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := rabbitmq.DeclareExchange(ch, rabbitmq.EventExchange(e.exchange)); err != nil {
		return err
	}

	msg := rabbitmq.PersistentJSON(body)
	msg.MessageId = uuid.NewString()
	msg.Type = env.Type

	return rabbitmq.Publish(ctx, ch, e.exchange, target, msg)
}

// Subscribe consumes the events routed to this service under target and
// passes each to h. An event is acked when h succeeds and requeued when it
// fails. Subscribe blocks until ctx is cancelled, resubscribing after
// connection losses, and returns nil on cancellation.
func (e *EventChannel) Subscribe(ctx context.Context, target string, h EventHandler) error {
	if e.queue == "" {
		return ErrMissingServiceQueue
	}

	return supervise(ctx, e.conn, e.resubscribe, e.logger, "subscribe "+target,
		func(ctx context.Context, ready func()) error {
			return e.consume(ctx, target, h, ready)
		})
}

func (e *EventChannel) consume(ctx context.Context, target string, h EventHandler, ready func()) error {
	ch, err := e.conn.OpenChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	topology := rabbitmq.SubscriberTopology(e.exchange, e.queue, target, e.redelivery.DeadLetterExchange)
	if err := rabbitmq.DeclareTopology(ch, topology); err != nil {
		return err
	}

	e.logger.Info("subscribed to service",
		"target", target,
		"queue", e.queue,
		"prefetch", e.prefetch,
	)
	ready()

	return rabbitmq.Consume(ctx, ch, rabbitmq.ConsumeOptions{
		Queue:    e.queue,
		Prefetch: e.prefetch,
		Logger:   e.logger,
	}, e.deliveryHandler(h))
}

func (e *EventChannel) deliveryHandler(h EventHandler) rabbitmq.DeliveryHandler {
	return func(ctx context.Context, d amqp.Delivery) rabbitmq.AckDecision {
		start := time.Now()

		env, err := ParseEnvelope(d.Body)
		if err != nil {
			e.logger.Error("rejecting malformed event",
				"queue", e.queue,
				"messageId", d.MessageId,
				"error", err,
			)
			e.metrics.RecordEvent("", EventRejected, time.Since(start))
			return rabbitmq.NackDiscard
		}

		if e.handlerTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, e.handlerTimeout)
			defer cancel()
		}

		if err := handleEvent(ctx, h, env); err != nil {
			if e.redelivery.exhausted(d) {
				e.logger.Error("discarding event after max redeliveries",
					"type", env.Type,
					"deliveries", rabbitmq.DeliveryCount(d)+1,
					"error", err,
				)
				e.metrics.RecordEvent(env.Type, EventRejected, time.Since(start))
				return rabbitmq.NackDiscard
			}

			e.logger.Error("error processing event",
				"type", env.Type,
				"redelivered", d.Redelivered,
				"error", err,
			)
			e.metrics.RecordEvent(env.Type, EventRequeued, time.Since(start))
			return rabbitmq.NackRequeue
		}

		e.metrics.RecordEvent(env.Type, EventAcked, time.Since(start))
		return rabbitmq.Ack
	}
}

func handleEvent(ctx context.Context, h EventHandler, env Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Type: env.Type, Code: "panic", Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	return asHandlerError(env.Type, h.HandleEvent(ctx, env))
}
