// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package resumebus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/resumebus/internal/rabbitmq"
	"github.com/glimte/resumebus/messaging"
)

// Client provides the main entry point for resumebus: one broker
// connection shared by an event channel and an RPC client
type Client struct {
	conn         *rabbitmq.ConnectionManager
	events       *messaging.EventChannel
	rpc          *messaging.RPCClient
	serviceName  string
	serviceQueue string
	logger       *slog.Logger
}

// NewClient connects to the broker at connectionString and routes events
// through exchange
func NewClient(connectionString, exchange string) (*Client, error) {
	return NewClientWithOptions(connectionString, WithExchange(exchange))
}

// NewClientWithOptions connects to the broker with options
func NewClientWithOptions(connectionString string, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger:         slog.Default(),
		dial:           rabbitmq.DialAMQP,
		requestTimeout: messaging.DefaultRequestTimeout,
		connectTimeout: 30 * time.Second,
		metrics:        messaging.NoOpMetricsCollector{},
	}

	for _, opt := range options {
		opt(cfg)
	}

	conn := rabbitmq.NewConnectionManager(connectionString,
		rabbitmq.WithLogger(cfg.logger),
		rabbitmq.WithDialer(cfg.dial),
		rabbitmq.WithConnectionName(cfg.serviceName),
	)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.connectTimeout)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	events, err := messaging.NewEventChannel(conn,
		messaging.WithExchange(cfg.exchange),
		messaging.WithServiceQueue(cfg.serviceQueue),
		messaging.WithRedeliveryPolicy(cfg.redelivery),
		messaging.WithEventLogger(cfg.logger),
		messaging.WithEventMetrics(cfg.metrics),
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create event channel: %w", err)
	}

	rpc := messaging.NewRPCClient(conn,
		messaging.WithDefaultTimeout(cfg.requestTimeout),
		messaging.WithClientLogger(cfg.logger),
		messaging.WithClientMetrics(cfg.metrics),
	)

	return &Client{
		conn:         conn,
		events:       events,
		rpc:          rpc,
		serviceName:  cfg.serviceName,
		serviceQueue: cfg.serviceQueue,
		logger:       cfg.logger,
	}, nil
}

// Events returns the event channel
func (c *Client) Events() *messaging.EventChannel {
	return c.events
}

// RPC returns the RPC client
func (c *Client) RPC() *messaging.RPCClient {
	return c.rpc
}

// Connection returns the shared connection manager
func (c *Client) Connection() *rabbitmq.ConnectionManager {
	return c.conn
}

// ServiceName returns the routing key this client subscribes under
func (c *Client) ServiceName() string {
	return c.serviceName
}

// Publish sends an event of msgType carrying data to the service bound
// under target
func (c *Client) Publish(ctx context.Context, target, msgType string, data any) error {
	env, err := messaging.NewEnvelope(msgType, data)
	if err != nil {
		return err
	}
	return c.events.Publish(ctx, target, env)
}

// Subscribe consumes events addressed to this client's service until ctx
// is cancelled
func (c *Client) Subscribe(ctx context.Context, h messaging.EventHandler) error {
	if c.serviceName == "" {
		return fmt.Errorf("%w: service name is required to subscribe", rabbitmq.ErrInvalidConfiguration)
	}
	return c.events.Subscribe(ctx, c.serviceName, h)
}

// Request sends a request of msgType to the RPC queue named target and
// returns the raw reply. A timeout of zero uses the client's default.
func (c *Client) Request(ctx context.Context, target, msgType string, data any, timeout time.Duration) (json.RawMessage, error) {
	env, err := messaging.NewEnvelope(msgType, data)
	if err != nil {
		return nil, err
	}
	return c.rpc.Request(ctx, target, env, timeout)
}

// Serve answers requests arriving on queue with r until ctx is cancelled
func (c *Client) Serve(ctx context.Context, queue string, r messaging.Responder, options ...messaging.RPCServerOption) error {
	options = append([]messaging.RPCServerOption{messaging.WithServerLogger(c.logger)}, options...)
	server, err := messaging.NewRPCServer(c.conn, queue, options...)
	if err != nil {
		return err
	}
	return server.Serve(ctx, r)
}

// Close closes the connection. Running subscriptions and servers end with
// an error once the connection is gone.
func (c *Client) Close() error {
	return c.conn.Close()
}

// clientConfig holds client configuration
type clientConfig struct {
	logger         *slog.Logger
	dial           rabbitmq.Dialer
	exchange       string
	serviceName    string
	serviceQueue   string
	redelivery     messaging.RedeliveryPolicy
	requestTimeout time.Duration
	connectTimeout time.Duration
	metrics        messaging.MetricsCollector
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithExchange sets the exchange events are routed through
func WithExchange(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.exchange = name
	}
}

// WithService sets the routing key and queue this client subscribes with
func WithService(name, queue string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.serviceName = name
		cfg.serviceQueue = queue
	}
}

// WithRedeliveryPolicy bounds requeueing of failing events
func WithRedeliveryPolicy(policy messaging.RedeliveryPolicy) ClientOption {
	return func(cfg *clientConfig) {
		cfg.redelivery = policy
	}
}

// WithRequestTimeout sets the default RPC reply timeout
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.requestTimeout = timeout
	}
}

// WithConnectTimeout bounds the initial connection attempt
func WithConnectTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connectTimeout = timeout
	}
}

// WithMetrics sets the metrics collector for all components
func WithMetrics(metrics messaging.MetricsCollector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = metrics
	}
}

// withDialer replaces the AMQP dialer
func withDialer(dial rabbitmq.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dial = dial
	}
}
