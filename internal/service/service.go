// Package service runs the resume service process: one event subscriber
// and one RPC responder on a shared broker connection.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/resumebus/health"
	"github.com/glimte/resumebus/interceptors"
	"github.com/glimte/resumebus/internal/config"
	"github.com/glimte/resumebus/internal/metrics"
	"github.com/glimte/resumebus/internal/rabbitmq"
	"github.com/glimte/resumebus/internal/reliability"
	"github.com/glimte/resumebus/internal/resume"
	"github.com/glimte/resumebus/internal/status"
	"github.com/glimte/resumebus/messaging"
)

const shutdownTimeout = 5 * time.Second

// Service wires the messaging core to the resume handlers
type Service struct {
	cfg           *config.Config
	logger        *slog.Logger
	dial          rabbitmq.Dialer
	registry      *prometheus.Registry
	statusClient  status.Client
	connectPolicy reliability.RetryPolicy
	resubscribe   reliability.RetryPolicy
	ready         func()
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithDialer replaces the AMQP dialer
func WithDialer(dial rabbitmq.Dialer) Option {
	return func(s *Service) {
		s.dial = dial
	}
}

// WithRegistry sets the Prometheus registry metrics are registered on
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Service) {
		s.registry = reg
	}
}

// WithStatusClient uses client for the status store instead of the
// configured Redis server
func WithStatusClient(client status.Client) Option {
	return func(s *Service) {
		s.statusClient = client
	}
}

// WithConnectPolicy sets the retry policy of the initial broker connection
func WithConnectPolicy(policy reliability.RetryPolicy) Option {
	return func(s *Service) {
		s.connectPolicy = policy
	}
}

// WithResubscribePolicy sets the retry policy used after a lost consumer
func WithResubscribePolicy(policy reliability.RetryPolicy) Option {
	return func(s *Service) {
		s.resubscribe = policy
	}
}

// WithReadyHook registers fn to run once the service is connected and its
// consumers are starting
func WithReadyHook(fn func()) Option {
	return func(s *Service) {
		s.ready = fn
	}
}

// New creates a service process for cfg
func New(cfg *config.Config, options ...Option) *Service {
	s := &Service{
		cfg:           cfg,
		logger:        slog.Default(),
		dial:          rabbitmq.DialAMQP,
		registry:      prometheus.NewRegistry(),
		connectPolicy: reliability.NewExponentialBackoff(time.Second, 30*time.Second, 2.0, cfg.RabbitMQ.MaxReconnects),
		resubscribe:   messaging.DefaultResubscribePolicy(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Run connects to the broker and serves events and requests until ctx is
// cancelled or one of them fails for good. The connection is closed on
// return.
func (s *Service) Run(ctx context.Context) error {
	cfg := s.cfg
	collector := metrics.New(s.registry)

	manager := rabbitmq.NewConnectionManager(cfg.RabbitMQ.ConnectionURL(),
		rabbitmq.WithLogger(s.logger),
		rabbitmq.WithDialer(s.dial),
		rabbitmq.WithReconnectDelay(cfg.RabbitMQ.ReconnectDelay),
		rabbitmq.WithMaxRetries(cfg.RabbitMQ.MaxReconnects),
		rabbitmq.WithConnectionName(cfg.Service.Name),
	)
	manager.AddStateListener(collector)
	defer manager.Close()

	err := reliability.Retry(ctx, "connect to broker", s.connectPolicy, func(ctx context.Context) error {
		return manager.Connect(ctx)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("connect to broker: %w", err)
	}

	store, closeStore, err := s.openStatusStore()
	if err != nil {
		return err
	}
	defer closeStore()

	router := messaging.NewRouter(messaging.WithRouterLogger(s.logger))
	if err := resume.NewService(store, cfg.Service.Name, resume.WithLogger(s.logger)).Register(router); err != nil {
		return fmt.Errorf("register handlers: %w", err)
	}

	handler := interceptors.NewInterceptorChain(s.logger).
		Add(interceptors.NewLoggingInterceptor(s.logger)).
		Add(interceptors.NewFilteringInterceptor(
			interceptors.TypeFilter(router.EventTypes()...), interceptors.SkipWithLog, s.logger)).
		Wrap(router)

	events, err := messaging.NewEventChannel(manager,
		messaging.WithExchange(cfg.RabbitMQ.Exchange),
		messaging.WithServiceQueue(cfg.Service.Queue),
		messaging.WithPrefetch(cfg.RabbitMQ.Prefetch),
		messaging.WithRedeliveryPolicy(messaging.RedeliveryPolicy{
			MaxRedeliveries:    cfg.RabbitMQ.MaxRedeliveries,
			DeadLetterExchange: cfg.RabbitMQ.DeadLetter,
		}),
		messaging.WithResubscribePolicy(s.resubscribe),
		messaging.WithEventHandlerTimeout(cfg.RabbitMQ.HandlerTimeout),
		messaging.WithEventLogger(s.logger),
		messaging.WithEventMetrics(collector),
	)
	if err != nil {
		return err
	}

	serverOpts := []messaging.RPCServerOption{
		messaging.WithServerPrefetch(cfg.RabbitMQ.Prefetch),
		messaging.WithServerResubscribePolicy(s.resubscribe),
		messaging.WithServerHandlerTimeout(cfg.RabbitMQ.HandlerTimeout),
		messaging.WithServerLogger(s.logger),
		messaging.WithServerMetrics(collector),
	}
	if cfg.RabbitMQ.SilentFailures {
		serverOpts = append(serverOpts, messaging.WithSilentFailures())
	}
	server, err := messaging.NewRPCServer(manager, cfg.Service.RPCQueue, serverOpts...)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return events.Subscribe(gctx, cfg.Service.Name, handler)
	})
	g.Go(func() error {
		return server.Serve(gctx, router)
	})

	if cfg.HTTP.Addr != "" {
		checks := health.NewRegistry(cfg.Service.Name)
		checks.Register(health.NewBrokerChecker(manager))
		checks.Register(health.NewRedisChecker(store))
		checks.Register(health.NewRuntimeChecker(5000, 20000))
		live := health.NewRegistry(cfg.Service.Name)
		live.Register(health.NewBrokerLiveness(manager))

		srv := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           health.NewRouter(checks, live, s.registry, 5*time.Second, s.logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			s.logger.Info("serving health and metrics", "addr", cfg.HTTP.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	s.logger.Info("service started",
		"service", cfg.Service.Name,
		"queue", cfg.Service.Queue,
		"rpcQueue", cfg.Service.RPCQueue,
		"exchange", cfg.RabbitMQ.Exchange,
	)
	if s.ready != nil {
		s.ready()
	}

	err = g.Wait()
	s.logger.Info("service stopped", "service", cfg.Service.Name)
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// openStatusStore connects to Redis, or keeps statuses in memory when no
// server is configured
func (s *Service) openStatusStore() (*status.Store, func(), error) {
	ttl := s.cfg.Redis.TTL
	switch {
	case s.statusClient != nil:
		return status.NewStore(s.statusClient, ttl), func() {}, nil

	case s.cfg.Redis.Enabled():
		rc, err := status.Open(s.cfg.Redis.ConnectionURL())
		if err != nil {
			return nil, nil, err
		}
		closeClient := func() {
			if err := rc.Close(); err != nil {
				s.logger.Error("failed to close redis client", "error", err)
			}
		}
		return status.NewStore(rc, ttl), closeClient, nil

	default:
		s.logger.Warn("no redis configured, keeping resume status in memory")
		return status.NewStore(status.NewMemoryClient(), ttl), func() {}, nil
	}
}
