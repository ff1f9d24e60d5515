package health

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const correlationIDHeader = "X-Correlation-ID"

// NewRouter builds the ops HTTP engine: /healthz with the full report,
// /readyz and /livez for orchestrators, and /metrics from gatherer. /livez
// fails when a check in live is unhealthy; live may be nil.
func NewRouter(registry, live *Registry, gatherer prometheus.Gatherer, timeout time.Duration, logger *slog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(correlationID(), requestLogger(logger), gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		report := registry.Check(ctx)
		c.JSON(statusCode(report.Status), report)
	})

	router.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		if registry.Check(ctx).Status == StatusUnhealthy {
			c.String(http.StatusServiceUnavailable, "not ready")
			return
		}
		c.String(http.StatusOK, "ready")
	})

	router.GET("/livez", func(c *gin.Context) {
		if live != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
			defer cancel()

			if live.Check(ctx).Status == StatusUnhealthy {
				c.String(http.StatusServiceUnavailable, "not alive")
				return
			}
		}
		c.String(http.StatusOK, "alive")
	})

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return router
}

// statusCode keeps degraded services in rotation
func statusCode(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func correlationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(correlationIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(correlationIDHeader, id)
		c.Set(correlationIDHeader, id)
		c.Next()
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Debug("request completed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"correlationId", c.GetString(correlationIDHeader),
		)
	}
}
