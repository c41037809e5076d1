// Package middleware provides HTTP middleware for the TrustVector risk service
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustvector",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"service", "method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trustvector",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"service", "method", "path"},
	)

	httpRequestsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "trustvector",
			Name:      "http_requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
		[]string{"service"},
	)

	httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trustvector",
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 7), // 100B to 100MB
		},
		[]string{"service", "method", "path"},
	)

	// Assessment pipeline metrics

	RiskAssessmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustvector",
			Name:      "risk_assessments_total",
			Help:      "Total number of completed risk assessments",
		},
		[]string{"risk_level", "recommendation"},
	)

	RiskAssessmentDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "trustvector",
			Name:      "risk_assessment_duration_seconds",
			Help:      "End-to-end risk assessment latency in seconds",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	PipelineStageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustvector",
			Name:      "risk_pipeline_stage_failures_total",
			Help:      "Pipeline stages that fell back to their conservative default",
		},
		[]string{"stage"},
	)

	EncoderRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustvector",
			Name:      "encoder_requests_total",
			Help:      "Total number of embedding requests to the encoding service",
		},
		[]string{"modality", "status"},
	)

	EncoderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trustvector",
			Name:      "encoder_request_duration_seconds",
			Help:      "Embedding request latency in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"modality"},
	)

	SimilarityQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustvector",
			Name:      "similarity_queries_total",
			Help:      "Total number of similarity index queries",
		},
		[]string{"modality", "status"},
	)

	SimilarityQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trustvector",
			Name:      "similarity_query_duration_seconds",
			Help:      "Similarity index query latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"modality"},
	)

	ProfileCacheOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustvector",
			Name:      "profile_cache_operations_total",
			Help:      "Behavior profile cache lookups by result",
		},
		[]string{"result"},
	)

	WebhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustvector",
			Name:      "webhook_deliveries_total",
			Help:      "Webhook delivery attempts by result",
		},
		[]string{"result"},
	)
)

// PrometheusMetrics returns a Gin middleware that records HTTP metrics.
// serviceName is used as the "service" label on all metrics.
func PrometheusMetrics(serviceName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}

		// Skip metrics endpoint itself to avoid recursion
		if path == "/metrics" {
			c.Next()
			return
		}

		httpRequestsInFlight.WithLabelValues(serviceName).Inc()
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		size := float64(c.Writer.Size())

		httpRequestsTotal.WithLabelValues(serviceName, method, path, status).Inc()
		httpRequestDuration.WithLabelValues(serviceName, method, path).Observe(duration)
		httpResponseSize.WithLabelValues(serviceName, method, path).Observe(size)
		httpRequestsInFlight.WithLabelValues(serviceName).Dec()
	}
}

// MetricsHandler returns an http.Handler that serves Prometheus metrics.
// Register this on the "/metrics" route.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
