package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/resumebus/internal/rabbitmq"
	"github.com/glimte/resumebus/internal/reliability"
)

// DefaultResubscribePolicy retries a lost consumer forever with backoff
// capped at 30 seconds
func DefaultResubscribePolicy() reliability.RetryPolicy {
	return reliability.NewExponentialBackoff(500*time.Millisecond, 30*time.Second, 2.0, -1)
}

// consumeFunc runs one consumer session. It calls ready once the consumer is
// registered and returns when ctx is done or the session is lost.
type consumeFunc func(ctx context.Context, ready func()) error

// supervise keeps a consumer alive until ctx is done. When a session ends
// on its own it waits for the connection to come back and starts a new
// session, which re-declares the topology. Errors the policy rejects, such
// as a topology mismatch or a closed manager, end supervision.
func supervise(ctx context.Context, conn Connector, policy reliability.RetryPolicy, logger *slog.Logger, op string, consume consumeFunc) error {
	attempt := 0
	for {
		err := consume(ctx, func() { attempt = 0 })
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = rabbitmq.ErrConsumerCancelled
		}

		retry, delay := policy.ShouldRetry(attempt, err)
		if !retry {
			logger.Error("giving up consumer", "op", op, "error", err, "attempts", attempt+1)
			return err
		}

		logger.Warn("consumer interrupted, resubscribing",
			"op", op,
			"error", err,
			"attempt", attempt+1,
			"delay", delay,
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil
		}

		if err := conn.WaitConnected(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		attempt++
	}
}
