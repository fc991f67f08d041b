// Package metrics provides Prometheus metrics and gin middleware for the gateway.
package metrics

import (
	"strconv"
	"time"

	"github.com/cameragenai/vlmgate/pkg/imageio"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// InferenceBuckets covers VLM latencies from 100ms to 2 minutes.
var InferenceBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlmgate_requests_total",
			Help: "HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vlmgate_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: InferenceBuckets,
		},
		[]string{"method", "route"},
	)

	StreamingConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vlmgate_streaming_connections_active",
			Help: "Active SSE streams",
		},
	)

	GenerationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlmgate_generations_total",
			Help: "Generator invocations",
		},
		[]string{"model", "status"},
	)

	GenerationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vlmgate_generation_latency_seconds",
			Help:    "Generator latency",
			Buckets: InferenceBuckets,
		},
		[]string{"model"},
	)

	TokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlmgate_tokens_total",
			Help: "Token count",
		},
		[]string{"model", "direction"},
	)

	ImagesLoadedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vlmgate_images_loaded_total",
			Help: "Decoded request images",
		},
		[]string{"source", "format"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		StreamingConnections,
		GenerationsTotal,
		GenerationLatency,
		TokensTotal,
		ImagesLoadedTotal,
	)
}

// Middleware records request count and duration per matched route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status()/100) + "xx"
		RequestsTotal.WithLabelValues(c.Request.Method, route, status).Inc()
		RequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// ObserveImage is an imageio.LoadedHook.
func ObserveImage(img *imageio.Image) {
	ImagesLoadedTotal.WithLabelValues(string(img.Source), img.Format).Inc()
}

// ObserveGeneration records one generator call.
func ObserveGeneration(model string, d time.Duration, promptTokens, completionTokens int, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	GenerationsTotal.WithLabelValues(model, status).Inc()
	GenerationLatency.WithLabelValues(model).Observe(d.Seconds())
	if err == nil {
		TokensTotal.WithLabelValues(model, "input").Add(float64(promptTokens))
		TokensTotal.WithLabelValues(model, "output").Add(float64(completionTokens))
	}
}

// StreamStarted increments the active stream gauge and returns the matching decrement.
func StreamStarted() func() {
	StreamingConnections.Inc()
	return StreamingConnections.Dec
}
