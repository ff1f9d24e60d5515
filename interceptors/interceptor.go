package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/resumebus/messaging"
)

// Interceptor processes events before they reach the final handler
type Interceptor interface {
	// Intercept processes an event and calls the next handler in the chain
	Intercept(ctx context.Context, env messaging.Envelope, next messaging.EventHandler) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, env messaging.Envelope, next messaging.EventHandler) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, env messaging.Envelope, next messaging.EventHandler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, env messaging.Envelope, next messaging.EventHandler) error {
	return i.fn(ctx, env, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain manages a chain of interceptors
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(logger *slog.Logger) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}

	return &InterceptorChain{logger: logger}
}

// Add adds an interceptor to the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Names returns the interceptor names in execution order
func (c *InterceptorChain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Execute runs env through the chain and then final
func (c *InterceptorChain) Execute(ctx context.Context, env messaging.Envelope, final messaging.EventHandler) error {
	return c.Wrap(final).HandleEvent(ctx, env)
}

// Wrap returns an EventHandler that runs every event through the chain
// before handing it to final
func (c *InterceptorChain) Wrap(final messaging.EventHandler) messaging.EventHandler {
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = messaging.EventHandlerFunc(func(ctx context.Context, env messaging.Envelope) error {
			return interceptor.Intercept(ctx, env, next)
		})
	}
	return handler
}

// LoggingInterceptor logs event processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, env messaging.Envelope, next messaging.EventHandler) error {
	start := time.Now()
	i.logger.Debug("processing event", "type", env.Type)

	err := next.HandleEvent(ctx, env)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("event processing failed",
			"type", env.Type,
			"duration", duration,
			"error", err,
		)
		return err
	}

	i.logger.Debug("event processed", "type", env.Type, "duration", duration)
	return nil
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// EnvelopeValidator checks an event before it is handled
type EnvelopeValidator interface {
	Validate(ctx context.Context, env messaging.Envelope) error
}

// ValidatorFunc is a function adapter for EnvelopeValidator
type ValidatorFunc func(ctx context.Context, env messaging.Envelope) error

// Validate implements EnvelopeValidator
func (f ValidatorFunc) Validate(ctx context.Context, env messaging.Envelope) error {
	return f(ctx, env)
}

// ValidationInterceptor drops events that fail validation. Invalid events
// never become valid, so they are acknowledged rather than requeued.
type ValidationInterceptor struct {
	validator EnvelopeValidator
	logger    *slog.Logger
}

// NewValidationInterceptor creates a new validation interceptor
func NewValidationInterceptor(validator EnvelopeValidator, logger *slog.Logger) *ValidationInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &ValidationInterceptor{validator: validator, logger: logger}
}

// Intercept implements Interceptor
func (i *ValidationInterceptor) Intercept(ctx context.Context, env messaging.Envelope, next messaging.EventHandler) error {
	if err := i.validator.Validate(ctx, env); err != nil {
		i.logger.Warn("dropping invalid event",
			"type", env.Type,
			"error", fmt.Errorf("event validation failed: %w", err),
		)
		return nil
	}

	return next.HandleEvent(ctx, env)
}

// Name implements Interceptor
func (i *ValidationInterceptor) Name() string {
	return "ValidationInterceptor"
}
