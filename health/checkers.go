package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/resumebus/internal/rabbitmq"
)

// Broker is the part of *rabbitmq.ConnectionManager the broker check needs
type Broker interface {
	State() rabbitmq.State
	OpenChannel() (rabbitmq.Channel, error)
}

// BrokerChecker checks the broker connection
type BrokerChecker struct {
	broker Broker
}

// NewBrokerChecker creates a checker of broker's connection
func NewBrokerChecker(broker Broker) *BrokerChecker {
	return &BrokerChecker{broker: broker}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

// Check reports unhealthy while the connection is down and degraded while
// it is being re-established
func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.broker.State()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"state": state.String()},
	}

	switch state {
	case rabbitmq.StateConnected:
	case rabbitmq.StateReconnecting:
		result.Status = StatusDegraded
		result.Message = "reconnecting to broker"
		result.Duration = time.Since(start)
		return result
	default:
		result.Status = StatusUnhealthy
		result.Message = "not connected to broker"
		result.Duration = time.Since(start)
		return result
	}

	ch, err := c.broker.OpenChannel()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "failed to open channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	ch.Close()

	result.Status = StatusHealthy
	result.Message = "connection is healthy"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// NewBrokerLiveness reports unhealthy only once the connection manager has
// given up reconnecting or was closed. A broker that is merely down does not
// warrant a process restart.
func NewBrokerLiveness(broker Broker) Checker {
	return NewCheckerFunc("rabbitmq", func(ctx context.Context) CheckResult {
		state := broker.State()
		result := CheckResult{
			Status:    StatusHealthy,
			Timestamp: time.Now(),
			Details:   map[string]any{"state": state.String()},
		}
		switch state {
		case rabbitmq.StateFailed:
			result.Status = StatusUnhealthy
			result.Message = "gave up reconnecting to broker"
		case rabbitmq.StateClosed:
			result.Status = StatusUnhealthy
			result.Message = "broker connection closed"
		}
		return result
	})
}

// Pinger is satisfied by *status.Store
type Pinger interface {
	Ping(ctx context.Context) error
}

// RedisChecker checks the status store. The service keeps consuming while
// the store is down, so a failed ping only degrades it.
type RedisChecker struct {
	store Pinger
}

// NewRedisChecker creates a checker pinging store
func NewRedisChecker(store Pinger) *RedisChecker {
	return &RedisChecker{store: store}
}

func (c *RedisChecker) Name() string {
	return "redis"
}

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	if err := c.store.Ping(ctx); err != nil {
		result.Status = StatusDegraded
		result.Message = "ping failed"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = "store is reachable"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// RuntimeChecker flags goroutine leaks, the usual symptom of RPC calls or
// consumers that are never cleaned up
type RuntimeChecker struct {
	warning  int
	critical int
}

// NewRuntimeChecker creates a checker with goroutine thresholds
func NewRuntimeChecker(warning, critical int) *RuntimeChecker {
	return &RuntimeChecker{warning: warning, critical: critical}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"goroutines":     goroutines,
			"memory_used_mb": float64(m.Sys) / 1024 / 1024,
			"gc_runs":        m.NumGC,
		},
	}

	switch {
	case goroutines > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case goroutines > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}
