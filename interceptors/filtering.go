package interceptors

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/resumebus/messaging"
)

// EventFilter decides which events reach the handler
type EventFilter interface {
	// ShouldProcess returns true if the event should be processed
	ShouldProcess(ctx context.Context, env messaging.Envelope) (bool, error)
}

// EventFilterFunc is a function adapter for EventFilter
type EventFilterFunc func(ctx context.Context, env messaging.Envelope) (bool, error)

// ShouldProcess implements EventFilter
func (f EventFilterFunc) ShouldProcess(ctx context.Context, env messaging.Envelope) (bool, error) {
	return f(ctx, env)
}

// TypeFilter passes only events of the given types
func TypeFilter(types ...string) EventFilter {
	allowed := make(map[string]struct{}, len(types))
	for _, t := range types {
		allowed[t] = struct{}{}
	}
	return EventFilterFunc(func(_ context.Context, env messaging.Envelope) (bool, error) {
		_, ok := allowed[env.Type]
		return ok, nil
	})
}

// SkipBehavior defines what happens when an event is filtered out
type SkipBehavior int

const (
	// SkipSilently acknowledges the event without a trace
	SkipSilently SkipBehavior = iota
	// SkipWithError fails the event so the broker requeues it
	SkipWithError
	// SkipWithLog acknowledges the event and logs that it was skipped
	SkipWithLog
)

// FilteringInterceptor filters events based on conditions
type FilteringInterceptor struct {
	filter       EventFilter
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter EventFilter, skipBehavior SkipBehavior, logger *slog.Logger) *FilteringInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &FilteringInterceptor{
		filter:       filter,
		skipBehavior: skipBehavior,
		logger:       logger,
	}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, env messaging.Envelope, next messaging.EventHandler) error {
	shouldProcess, err := i.filter.ShouldProcess(ctx, env)
	if err != nil {
		return fmt.Errorf("filter error: %w", err)
	}

	if !shouldProcess {
		switch i.skipBehavior {
		case SkipWithError:
			return fmt.Errorf("event filtered: type=%s", env.Type)
		case SkipWithLog:
			i.logger.Info("skipping filtered event", "type", env.Type)
			return nil
		default:
			return nil
		}
	}

	return next.HandleEvent(ctx, env)
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}
