package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/resumebus/internal/rabbitmq"
	"github.com/glimte/resumebus/internal/rabbitmq/rabbitmqtest"
	"github.com/glimte/resumebus/internal/status"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixed(name string, s Status) Checker {
	return NewCheckerFunc(name, func(context.Context) CheckResult {
		return CheckResult{Status: s}
	})
}

func TestRegistry_Aggregation(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"no checks", nil, StatusHealthy},
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"unhealthy wins", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry("RESUME_SERVICE")
			for i, s := range tt.statuses {
				registry.Register(fixed(string(rune('a'+i)), s))
			}

			report := registry.Check(context.Background())
			assert.Equal(t, tt.want, report.Status)
			assert.Equal(t, "RESUME_SERVICE", report.Service)
			assert.Len(t, report.Checks, len(tt.statuses))
		})
	}
}

func TestRegistry_NamesResultsAfterChecker(t *testing.T) {
	registry := NewRegistry("svc")
	registry.Register(fixed("redis", StatusHealthy))
	registry.Register(fixed("rabbitmq", StatusHealthy))

	assert.Equal(t, []string{"rabbitmq", "redis"}, registry.Names())

	report := registry.Check(context.Background())
	assert.Equal(t, "redis", report.Checks["redis"].Name)
}

func TestRegistry_Timeout(t *testing.T) {
	registry := NewRegistry("svc")
	registry.Register(fixed("fast", StatusHealthy))
	registry.Register(NewCheckerFunc("slow", func(ctx context.Context) CheckResult {
		time.Sleep(200 * time.Millisecond)
		return CheckResult{Status: StatusHealthy}
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	report := registry.Check(ctx)
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, "check timed out", report.Checks["slow"].Message)
}

func TestBrokerChecker(t *testing.T) {
	t.Run("connected", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		manager := rabbitmq.NewConnectionManager("amqp://localhost", rabbitmq.WithDialer(broker.Dial), rabbitmq.WithLogger(discardLogger()))
		require.NoError(t, manager.Connect(context.Background()))
		defer manager.Close()

		result := NewBrokerChecker(manager).Check(context.Background())
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, "connected", result.Details["state"])
		assert.Equal(t, 0, broker.OpenChannels(), "check channel must be closed")
	})

	t.Run("never connected", func(t *testing.T) {
		manager := rabbitmq.NewConnectionManager("amqp://localhost", rabbitmq.WithLogger(discardLogger()))

		result := NewBrokerChecker(manager).Check(context.Background())
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "init", result.Details["state"])
	})

	t.Run("channel refused", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		manager := rabbitmq.NewConnectionManager("amqp://localhost", rabbitmq.WithDialer(broker.Dial), rabbitmq.WithLogger(discardLogger()))
		require.NoError(t, manager.Connect(context.Background()))
		defer manager.Close()
		broker.SetChannelError(errors.New("channel_max reached"))

		result := NewBrokerChecker(manager).Check(context.Background())
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Contains(t, result.Error, "channel_max reached")
	})

	t.Run("reconnecting", func(t *testing.T) {
		result := NewBrokerChecker(stateOnly(rabbitmq.StateReconnecting)).Check(context.Background())
		assert.Equal(t, StatusDegraded, result.Status)
	})
}

func TestBrokerLiveness(t *testing.T) {
	tests := []struct {
		state rabbitmq.State
		want  Status
	}{
		{rabbitmq.StateInit, StatusHealthy},
		{rabbitmq.StateConnected, StatusHealthy},
		{rabbitmq.StateReconnecting, StatusHealthy},
		{rabbitmq.StateFailed, StatusUnhealthy},
		{rabbitmq.StateClosed, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			result := NewBrokerLiveness(stateOnly(tt.state)).Check(context.Background())
			assert.Equal(t, tt.want, result.Status)
		})
	}
}

type stateOnly rabbitmq.State

func (s stateOnly) State() rabbitmq.State { return rabbitmq.State(s) }

func (s stateOnly) OpenChannel() (rabbitmq.Channel, error) {
	return nil, rabbitmq.ErrConnectionNotReady
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestRedisChecker(t *testing.T) {
	store := status.NewStore(status.NewMemoryClient(), 0)
	assert.Equal(t, StatusHealthy, NewRedisChecker(store).Check(context.Background()).Status)

	down := pingerFunc(func(context.Context) error { return errors.New("dial tcp 127.0.0.1:6379: connection refused") })
	result := NewRedisChecker(down).Check(context.Background())
	assert.Equal(t, StatusDegraded, result.Status)
	assert.Contains(t, result.Error, "connection refused")
}

func TestRuntimeChecker(t *testing.T) {
	assert.Equal(t, StatusHealthy, NewRuntimeChecker(100000, 200000).Check(context.Background()).Status)
	assert.Equal(t, StatusDegraded, NewRuntimeChecker(0, 100000).Check(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, NewRuntimeChecker(0, 0).Check(context.Background()).Status)
}

func TestRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	requests := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_requests_total", Help: "test"})
	reg.MustRegister(requests)
	requests.Inc()

	registry := NewRegistry("RESUME_SERVICE")
	registry.Register(fixed("rabbitmq", StatusHealthy))
	registry.Register(fixed("redis", StatusDegraded))
	live := NewRegistry("RESUME_SERVICE")
	live.Register(NewBrokerLiveness(stateOnly(rabbitmq.StateConnected)))
	router := NewRouter(registry, live, reg, time.Second, discardLogger())

	t.Run("healthz", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, w.Header().Get(correlationIDHeader))

		var report Report
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
		assert.Equal(t, StatusDegraded, report.Status)
		assert.Len(t, report.Checks, 2)
	})

	t.Run("correlation id echoed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/livez", nil)
		req.Header.Set(correlationIDHeader, "abc-123")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, "alive", w.Body.String())
		assert.Equal(t, "abc-123", w.Header().Get(correlationIDHeader))
	})

	t.Run("metrics", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.True(t, strings.Contains(w.Body.String(), "test_requests_total 1"))
	})

	t.Run("unhealthy", func(t *testing.T) {
		registry.Register(fixed("rabbitmq", StatusUnhealthy))

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)

		w = httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "not ready", w.Body.String())
	})

	t.Run("livez fails once reconnection gave up", func(t *testing.T) {
		live.Register(NewBrokerLiveness(stateOnly(rabbitmq.StateFailed)))

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/livez", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "not alive", w.Body.String())
	})
}
