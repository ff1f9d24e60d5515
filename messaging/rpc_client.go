package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/resumebus/internal/rabbitmq"
)

// HeaderRPCError marks a reply whose body is an error rather than a result
const HeaderRPCError = "x-rpc-error"

// DefaultRequestTimeout is used when a request is made without a timeout
const DefaultRequestTimeout = 10 * time.Second

// CallState is the lifecycle state of one outgoing RPC call
type CallState int

const (
	CallCreated CallState = iota
	CallAwaitingReply
	CallResolved
	CallTimedOut
	CallFailed
	CallCleanedUp
)

func (s CallState) String() string {
	switch s {
	case CallCreated:
		return "created"
	case CallAwaitingReply:
		return "awaiting_reply"
	case CallResolved:
		return "resolved"
	case CallTimedOut:
		return "timed_out"
	case CallFailed:
		return "failed"
	case CallCleanedUp:
		return "cleaned_up"
	default:
		return "unknown"
	}
}

// CallObserver is notified of every call state transition
type CallObserver func(correlationID string, state CallState)

// RPCClient sends requests to other services and waits for their replies.
// Every call gets its own channel and exclusive reply queue, so calls are
// independent and a client is safe for concurrent use.
type RPCClient struct {
	conn           Connector
	defaultTimeout time.Duration
	logger         *slog.Logger
	metrics        MetricsCollector
	observer       CallObserver

	mu      sync.Mutex
	pending map[string]*call
}

// RPCClientOption configures an RPCClient
type RPCClientOption func(*RPCClient)

// WithDefaultTimeout sets the timeout used when Request gets none
func WithDefaultTimeout(timeout time.Duration) RPCClientOption {
	return func(c *RPCClient) {
		c.defaultTimeout = timeout
	}
}

// WithClientLogger sets the logger
func WithClientLogger(logger *slog.Logger) RPCClientOption {
	return func(c *RPCClient) {
		c.logger = logger
	}
}

// WithClientMetrics sets the metrics collector
func WithClientMetrics(metrics MetricsCollector) RPCClientOption {
	return func(c *RPCClient) {
		c.metrics = metrics
	}
}

// WithCallObserver registers an observer of call state transitions
func WithCallObserver(observer CallObserver) RPCClientOption {
	return func(c *RPCClient) {
		c.observer = observer
	}
}

// NewRPCClient creates an RPC client on conn
func NewRPCClient(conn Connector, options ...RPCClientOption) *RPCClient {
	c := &RPCClient{
		conn:           conn,
		defaultTimeout: DefaultRequestTimeout,
		logger:         slog.Default(),
		metrics:        NoOpMetricsCollector{},
		pending:        make(map[string]*call),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// call holds the broker resources of one request. release runs once.
type call struct {
	id      string
	target  string
	ch      rabbitmq.Channel
	queue   string
	tag     string
	replies chan amqp.Delivery
	lost    chan struct{}
	once    sync.Once
}

// Pending returns the number of calls awaiting a reply
func (c *RPCClient) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Request sends env to the RPC queue named target and returns the raw JSON
// reply. A timeout of zero or less uses the client's default. Without a
// reply in time it returns a *RequestTimeoutError; an error reply from the
// responder is returned as a *RemoteError.
func (c *RPCClient) Request(ctx context.Context, target string, env Envelope, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	body, err := env.Marshal()
	if err != nil {
		return nil, err
	}

	cl := &call{
		id:      uuid.NewString(),
		target:  target,
		replies: make(chan amqp.Delivery, 1),
		lost:    make(chan struct{}),
	}
	c.observe(cl.id, CallCreated)

	start := time.Now()
	c.metrics.RequestInFlight(target, 1)
	defer c.metrics.RequestInFlight(target, -1)

	reply, state, err := c.roundTrip(ctx, cl, env.Type, body, timeout)
	c.observe(cl.id, state)
	c.release(cl)
	c.metrics.RecordRequest(target, state, time.Since(start))

	return reply, err
}

// RequestInto sends env and decodes the reply into out
func (c *RPCClient) RequestInto(ctx context.Context, target string, env Envelope, timeout time.Duration, out any) error {
	reply, err := c.Request(ctx, target, env, timeout)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(reply, out); err != nil {
		return &DecodeError{What: target + " reply", Body: truncate(reply), Err: err}
	}
	return nil
}

func (c *RPCClient) roundTrip(ctx context.Context, cl *call, msgType string, body []byte, timeout time.Duration) (json.RawMessage, CallState, error) {
	ch, err := c.conn.OpenChannel()
	if err != nil {
		return nil, CallFailed, fmt.Errorf("rpc request to %s: %w", cl.target, err)
	}
	cl.ch = ch

	q, err := rabbitmq.DeclareQueue(ch, rabbitmq.ReplyQueue())
	if err != nil {
		return nil, CallFailed, fmt.Errorf("rpc request to %s: %w", cl.target, err)
	}
	cl.queue = q.Name

	c.mu.Lock()
	c.pending[cl.id] = cl
	c.mu.Unlock()

	cl.tag = "rpc-" + cl.id
	deliveries, err := ch.Consume(q.Name, cl.tag, true, true, false, false, nil)
	if err != nil {
		cl.tag = ""
		return nil, CallFailed, fmt.Errorf("rpc request to %s: %w", cl.target, &rabbitmq.ConsumerError{
			Queue:       q.Name,
			ConsumerTag: "rpc-" + cl.id,
			Op:          "consume replies",
			Err:         err,
			Timestamp:   time.Now(),
		})
	}
	go c.awaitReply(cl, deliveries)

	msg := amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: cl.id,
		ReplyTo:       q.Name,
		MessageId:     uuid.NewString(),
		Type:          msgType,
		Expiration:    expiration(timeout),
		Body:          body,
	}
	if err := rabbitmq.Publish(ctx, ch, rabbitmq.DefaultExchange, cl.target, msg); err != nil {
		c.logger.Error("failed to send request", "target", cl.target, "error", err)
		return nil, CallFailed, &PublishFailure{Target: cl.target, Err: err}
	}
	c.observe(cl.id, CallAwaitingReply)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-cl.replies:
		return settleReply(cl, d)

	case <-timer.C:
		c.logger.Warn("request timed out",
			"target", cl.target,
			"correlationId", cl.id,
			"timeout", timeout,
		)
		return nil, CallTimedOut, &RequestTimeoutError{Target: cl.target, CorrelationID: cl.id, Timeout: timeout}

	case <-cl.lost:
		select {
		case d := <-cl.replies:
			return settleReply(cl, d)
		default:
		}
		return nil, CallFailed, fmt.Errorf("rpc request to %s: %w", cl.target, &rabbitmq.ChannelError{
			Op:        "await reply",
			Err:       ErrReplyChannelLost,
			Timestamp: time.Now(),
		})

	case <-ctx.Done():
		return nil, CallFailed, ctx.Err()
	}
}

// awaitReply forwards the reply matching the call's correlation id. It
// returns when the consumer is cancelled or the channel is lost.
func (c *RPCClient) awaitReply(cl *call, deliveries <-chan amqp.Delivery) {
	defer close(cl.lost)

	for d := range deliveries {
		if d.CorrelationId != cl.id {
			c.logger.Warn("discarding reply with unknown correlation id",
				"target", cl.target,
				"correlationId", d.CorrelationId,
			)
			continue
		}
		select {
		case cl.replies <- d:
		default:
		}
	}
}

// release gives back the call's broker resources. Failures are logged, not
// returned, since the call's outcome is already decided.
func (c *RPCClient) release(cl *call) {
	cl.once.Do(func() {
		c.mu.Lock()
		delete(c.pending, cl.id)
		c.mu.Unlock()

		if cl.ch != nil && !cl.ch.IsClosed() {
			if cl.tag != "" {
				if err := cl.ch.Cancel(cl.tag, false); err != nil {
					c.logger.Error("failed to cancel reply consumer", "correlationId", cl.id, "error", err)
				}
			}
			if cl.queue != "" {
				if err := rabbitmq.DeleteQueue(cl.ch, cl.queue); err != nil {
					c.logger.Error("failed to delete reply queue", "queue", cl.queue, "error", err)
				}
			}
			if err := cl.ch.Close(); err != nil {
				c.logger.Error("failed to close channel", "correlationId", cl.id, "error", err)
			}
		}

		c.observe(cl.id, CallCleanedUp)
	})
}

func (c *RPCClient) observe(id string, state CallState) {
	if c.observer != nil {
		c.observer(id, state)
	}
}

func settleReply(cl *call, d amqp.Delivery) (json.RawMessage, CallState, error) {
	if isErrorReply(d) {
		return nil, CallFailed, decodeRemoteError(cl, d.Body)
	}
	return json.RawMessage(d.Body), CallResolved, nil
}

func isErrorReply(d amqp.Delivery) bool {
	v, ok := d.Headers[HeaderRPCError].(bool)
	return ok && v
}

type errorReply struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeRemoteError(cl *call, body []byte) error {
	var reply errorReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return &DecodeError{What: cl.target + " error reply", Body: truncate(body), Err: err}
	}
	return &RemoteError{
		Target:        cl.target,
		CorrelationID: cl.id,
		Code:          reply.Error.Code,
		Message:       reply.Error.Message,
	}
}

func encodeErrorReply(err error) []byte {
	var reply errorReply
	reply.Error.Code = errorCode(err)
	reply.Error.Message = err.Error()
	body, _ := json.Marshal(reply)
	return body
}

// expiration is the per-message TTL of a request. The broker expires a
// message with TTL 0 immediately, so sub-millisecond timeouts round up.
func expiration(timeout time.Duration) string {
	return strconv.FormatInt(max(timeout.Milliseconds(), 1), 10)
}
