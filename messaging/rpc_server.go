package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/resumebus/internal/rabbitmq"
	"github.com/glimte/resumebus/internal/reliability"
)

// RPCServer answers requests arriving on a service's shared request queue,
// one at a time
type RPCServer struct {
	conn           Connector
	queue          string
	prefetch       int
	silent         bool
	handlerTimeout time.Duration
	resubscribe    reliability.RetryPolicy
	logger         *slog.Logger
	metrics        MetricsCollector
}

// RPCServerOption configures an RPCServer
type RPCServerOption func(*RPCServer)

// WithServerPrefetch sets how many requests may be in flight at once
func WithServerPrefetch(n int) RPCServerOption {
	return func(s *RPCServer) {
		s.prefetch = n
	}
}

// WithSilentFailures rejects requests whose handler fails instead of
// replying with an error, leaving the caller to time out
func WithSilentFailures() RPCServerOption {
	return func(s *RPCServer) {
		s.silent = true
	}
}

// WithServerHandlerTimeout bounds each RespondRPC call
func WithServerHandlerTimeout(timeout time.Duration) RPCServerOption {
	return func(s *RPCServer) {
		s.handlerTimeout = timeout
	}
}

// WithServerResubscribePolicy sets the retry policy used after a lost
// consumer
func WithServerResubscribePolicy(policy reliability.RetryPolicy) RPCServerOption {
	return func(s *RPCServer) {
		s.resubscribe = policy
	}
}

// WithServerLogger sets the logger
func WithServerLogger(logger *slog.Logger) RPCServerOption {
	return func(s *RPCServer) {
		s.logger = logger
	}
}

// WithServerMetrics sets the metrics collector
func WithServerMetrics(metrics MetricsCollector) RPCServerOption {
	return func(s *RPCServer) {
		s.metrics = metrics
	}
}

// NewRPCServer creates a server for the request queue named queue
func NewRPCServer(conn Connector, queue string, options ...RPCServerOption) (*RPCServer, error) {
	s := &RPCServer{
		conn:        conn,
		queue:       queue,
		prefetch:    1,
		resubscribe: DefaultResubscribePolicy(),
		logger:      slog.Default(),
		metrics:     NoOpMetricsCollector{},
	}

	for _, opt := range options {
		opt(s)
	}

	if s.queue == "" {
		return nil, ErrMissingRequestQueue
	}
	if s.prefetch < 1 {
		s.prefetch = 1
	}

	return s, nil
}

// Serve consumes requests and publishes r's response to each request's
// reply_to queue with the request's correlation id. It blocks until ctx is
// cancelled, re-declaring the request queue after connection losses.
func (s *RPCServer) Serve(ctx context.Context, r Responder) error {
	return supervise(ctx, s.conn, s.resubscribe, s.logger, "serve "+s.queue,
		func(ctx context.Context, ready func()) error {
			return s.serve(ctx, r, ready)
		})
}

func (s *RPCServer) serve(ctx context.Context, r Responder, ready func()) error {
	ch, err := s.conn.OpenChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if _, err := rabbitmq.DeclareQueue(ch, rabbitmq.RequestQueue(s.queue)); err != nil {
		return err
	}

	s.logger.Info("responding to RPC requests", "queue", s.queue)
	ready()

	return rabbitmq.Consume(ctx, ch, rabbitmq.ConsumeOptions{
		Queue:    s.queue,
		Prefetch: s.prefetch,
		Logger:   s.logger,
	}, func(ctx context.Context, d amqp.Delivery) rabbitmq.AckDecision {
		return s.handle(ctx, ch, r, d)
	})
}

func (s *RPCServer) handle(ctx context.Context, ch rabbitmq.Channel, r Responder, d amqp.Delivery) rabbitmq.AckDecision {
	start := time.Now()

	if d.ReplyTo == "" {
		s.logger.Warn("dropping request without reply_to",
			"queue", s.queue,
			"correlationId", d.CorrelationId,
		)
		s.metrics.RecordServed("", ServeRejected, time.Since(start))
		return rabbitmq.NackDiscard
	}

	env, err := ParseEnvelope(d.Body)
	var response any
	if err == nil {
		response, err = s.invoke(ctx, r, env)
	}

	var (
		body    []byte
		headers amqp.Table
		outcome = ServeReplied
	)
	if err == nil {
		body, err = json.Marshal(response)
		if err != nil {
			err = &HandlerError{Type: env.Type, Code: "encode_error", Err: err}
		}
	}
	if err != nil {
		s.logger.Error("failed to respond to request",
			"queue", s.queue,
			"type", env.Type,
			"correlationId", d.CorrelationId,
			"error", err,
		)
		if s.silent {
			s.metrics.RecordServed(env.Type, ServeRejected, time.Since(start))
			return rabbitmq.NackDiscard
		}
		body = encodeErrorReply(err)
		headers = amqp.Table{HeaderRPCError: true}
		outcome = ServeErrorReplied
	}

	reply := amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: d.CorrelationId,
		Headers:       headers,
		Body:          body,
	}
	if err := rabbitmq.Publish(ctx, ch, rabbitmq.DefaultExchange, d.ReplyTo, reply); err != nil {
		s.logger.Error("failed to publish reply",
			"replyTo", d.ReplyTo,
			"correlationId", d.CorrelationId,
			"error", err,
		)
		s.metrics.RecordServed(env.Type, ServeRequeued, time.Since(start))
		return rabbitmq.NackRequeue
	}

	s.metrics.RecordServed(env.Type, outcome, time.Since(start))
	return rabbitmq.Ack
}

func (s *RPCServer) invoke(ctx context.Context, r Responder, env Envelope) (response any, err error) {
	if s.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.handlerTimeout)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = &HandlerError{Type: env.Type, Code: "panic", Err: fmt.Errorf("panic: %v", rec)}
		}
	}()

	response, err = r.RespondRPC(ctx, env)
	return response, asHandlerError(env.Type, err)
}
