package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AckDecision tells Consume how to settle a delivery
type AckDecision int

const (
	// Ack removes the message from the queue
	Ack AckDecision = iota
	// NackRequeue returns the message to the queue for redelivery
	NackRequeue
	// NackDiscard drops the message, or dead-letters it when the queue has
	// a dead-letter exchange
	NackDiscard
)

func (d AckDecision) String() string {
	switch d {
	case Ack:
		return "ack"
	case NackRequeue:
		return "nack-requeue"
	case NackDiscard:
		return "nack-discard"
	default:
		return fmt.Sprintf("AckDecision(%d)", int(d))
	}
}

// DeliveryHandler processes one delivery and decides how it is settled.
// The decision is ignored for auto-ack consumers.
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery) AckDecision

// ConsumeOptions describes a consumer on an already-declared queue
type ConsumeOptions struct {
	Queue       string
	ConsumerTag string // generated when empty
	Prefetch    int    // 0 leaves the channel's QoS untouched
	AutoAck     bool
	Exclusive   bool
	Logger      *slog.Logger
}

// Consume registers a consumer on ch and dispatches deliveries to handler
// one at a time until ctx is done or the broker stops delivering.
//
// It returns nil after ctx is cancelled and the consumer is cancelled, and a
// *ConsumerError wrapping ErrConsumerCancelled when the delivery stream ends
// on its own, which happens when the channel or connection is lost.
func Consume(ctx context.Context, ch Channel, opts ConsumeOptions, handler DeliveryHandler) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tag := opts.ConsumerTag
	if tag == "" {
		tag = "ctag-" + uuid.NewString()
	}

	if opts.Prefetch > 0 {
		if err := ch.Qos(opts.Prefetch, 0, false); err != nil {
			return &ConsumerError{
				Queue:       opts.Queue,
				ConsumerTag: tag,
				Op:          "qos",
				Err:         err,
				Timestamp:   time.Now(),
			}
		}
	}

	deliveries, err := ch.Consume(
		opts.Queue,
		tag,
		opts.AutoAck,
		opts.Exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return &ConsumerError{
			Queue:       opts.Queue,
			ConsumerTag: tag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	logger.Debug("consumer started",
		"queue", opts.Queue,
		"consumerTag", tag,
		"prefetch", opts.Prefetch,
	)

	for {
		select {
		case <-ctx.Done():
			if err := ch.Cancel(tag, false); err != nil && !ch.IsClosed() {
				logger.Warn("failed to cancel consumer",
					"queue", opts.Queue,
					"consumerTag", tag,
					"error", err,
				)
			}
			logger.Debug("consumer stopped", "queue", opts.Queue, "consumerTag", tag)
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return &ConsumerError{
					Queue:       opts.Queue,
					ConsumerTag: tag,
					Op:          "receive",
					Err:         ErrConsumerCancelled,
					Timestamp:   time.Now(),
				}
			}

			decision := handler(ctx, delivery)
			if opts.AutoAck {
				continue
			}
			if err := settle(delivery, decision); err != nil {
				logger.Error("failed to settle delivery",
					"queue", opts.Queue,
					"decision", decision.String(),
					"deliveryTag", delivery.DeliveryTag,
					"error", err,
				)
			}
		}
	}
}

func settle(delivery amqp.Delivery, decision AckDecision) error {
	switch decision {
	case Ack:
		return delivery.Ack(false)
	case NackRequeue:
		return delivery.Nack(false, true)
	case NackDiscard:
		return delivery.Nack(false, false)
	default:
		return fmt.Errorf("unknown ack decision %d", int(decision))
	}
}

// DeliveryCount returns how many times the broker has delivered a message
// before, as reported by quorum queues. Zero means first delivery.
func DeliveryCount(delivery amqp.Delivery) int64 {
	v, ok := delivery.Headers[HeaderDeliveryCount]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case int16:
		return int64(n)
	case int8:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	default:
		return 0
	}
}
