// Package metrics exports messaging metrics to Prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/resumebus/internal/rabbitmq"
	"github.com/glimte/resumebus/messaging"
)

const namespace = "resumebus"

// Collector implements messaging.MetricsCollector on a Prometheus registry
type Collector struct {
	published        *prometheus.CounterVec
	events           *prometheus.CounterVec
	eventDuration    *prometheus.HistogramVec
	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec
	served           *prometheus.CounterVec
	serveDuration    *prometheus.HistogramVec
	connectionUp     prometheus.Gauge
	reconnects       prometheus.Counter
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events published, by target and success.",
		}, []string{"target", "success"}),

		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "handled_total",
			Help:      "Delivered events, by type and how they were settled.",
		}, []string{"type", "outcome"}),

		eventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "handle_duration_seconds",
			Help:      "Time spent handling delivered events.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),

		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Outgoing RPC calls, by target and final state.",
		}, []string{"target", "outcome"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Round trip time of outgoing RPC calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"target"}),

		requestsInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "requests_in_flight",
			Help:      "Outgoing RPC calls awaiting a reply.",
		}, []string{"target"}),

		served: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "served_total",
			Help:      "Incoming RPC requests, by type and outcome.",
		}, []string{"type", "outcome"}),

		serveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "serve_duration_seconds",
			Help:      "Time spent answering incoming RPC requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),

		connectionUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "connection_up",
			Help:      "1 while the broker connection is live.",
		}),

		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "reconnect_attempts_total",
			Help:      "Broker reconnection attempts.",
		}),
	}

	reg.MustRegister(
		c.published,
		c.events,
		c.eventDuration,
		c.requests,
		c.requestDuration,
		c.requestsInFlight,
		c.served,
		c.serveDuration,
		c.connectionUp,
		c.reconnects,
	)

	return c
}

// RecordPublish implements messaging.MetricsCollector
func (c *Collector) RecordPublish(target string, success bool) {
	c.published.WithLabelValues(target, strconv.FormatBool(success)).Inc()
}

// RecordEvent implements messaging.MetricsCollector
func (c *Collector) RecordEvent(eventType string, outcome messaging.EventOutcome, duration time.Duration) {
	eventType = typeLabel(eventType)
	c.events.WithLabelValues(eventType, string(outcome)).Inc()
	c.eventDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

// RecordRequest implements messaging.MetricsCollector
func (c *Collector) RecordRequest(target string, outcome messaging.CallState, duration time.Duration) {
	c.requests.WithLabelValues(target, outcome.String()).Inc()
	c.requestDuration.WithLabelValues(target).Observe(duration.Seconds())
}

// RequestInFlight implements messaging.MetricsCollector
func (c *Collector) RequestInFlight(target string, delta int) {
	c.requestsInFlight.WithLabelValues(target).Add(float64(delta))
}

// RecordServed implements messaging.MetricsCollector
func (c *Collector) RecordServed(requestType string, outcome messaging.ServeOutcome, duration time.Duration) {
	requestType = typeLabel(requestType)
	c.served.WithLabelValues(requestType, string(outcome)).Inc()
	c.serveDuration.WithLabelValues(requestType).Observe(duration.Seconds())
}

// OnConnected implements rabbitmq.ConnectionStateListener
func (c *Collector) OnConnected() {
	c.connectionUp.Set(1)
}

// OnDisconnected implements rabbitmq.ConnectionStateListener
func (c *Collector) OnDisconnected(err error) {
	c.connectionUp.Set(0)
}

// OnReconnecting implements rabbitmq.ConnectionStateListener
func (c *Collector) OnReconnecting(attempt int) {
	c.reconnects.Inc()
}

// typeLabel keeps malformed messages, which have no type, on one series
func typeLabel(t string) string {
	if t == "" {
		return "malformed"
	}
	return t
}

var (
	_ messaging.MetricsCollector       = (*Collector)(nil)
	_ rabbitmq.ConnectionStateListener = (*Collector)(nil)
)
