// Package health reports whether the risk service and its dependencies can
// take traffic. It serves the liveness and readiness probes plus a detailed
// /health endpoint that grades Postgres, Redis, Elasticsearch and the
// outbound circuit breakers.
package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/trustvector/trustvector/internal/common/database"
	"github.com/trustvector/trustvector/internal/common/resilience"
)

// Dependency grades as they appear on the wire.
const (
	StatusUp       = "up"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

// probeTimeout bounds each individual dependency check.
const probeTimeout = 5 * time.Second

// HealthStatus is the aggregated picture served by /health.
type HealthStatus struct {
	Status       string                     `json:"status"` // healthy, degraded, unhealthy
	Version      string                     `json:"version,omitempty"`
	Uptime       string                     `json:"uptime"`
	Dependencies map[string]DependencyCheck `json:"dependencies"`
	CheckedAt    time.Time                  `json:"checked_at"`
}

// DependencyCheck is the outcome of probing a single dependency.
type DependencyCheck struct {
	Status    string    `json:"status"`
	Latency   string    `json:"latency"`
	Details   string    `json:"details,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// HealthChecker probes one dependency.
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) DependencyCheck
}

// HealthService fans probes out to every registered checker and folds the
// results into one grade.
type HealthService struct {
	logger    *zap.Logger
	startTime time.Time

	mu       sync.RWMutex
	checkers []HealthChecker
	version  string
}

// NewHealthService creates an empty health service; register checkers on it
// during startup.
func NewHealthService(logger *zap.Logger) *HealthService {
	return &HealthService{
		logger:    logger.With(zap.String("component", "health")),
		startTime: time.Now(),
	}
}

// SetVersion sets the build version reported in health responses.
func (h *HealthService) SetVersion(version string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.version = version
}

// RegisterCheck adds a dependency probe.
func (h *HealthService) RegisterCheck(checker HealthChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers = append(h.checkers, checker)
	h.logger.Info("Registered health checker", zap.String("name", checker.Name()))
}

// Check probes every dependency concurrently and grades the service: any
// dependency down means unhealthy, any degraded means degraded.
func (h *HealthService) Check(ctx context.Context) *HealthStatus {
	h.mu.RLock()
	checkers := append([]HealthChecker(nil), h.checkers...)
	version := h.version
	h.mu.RUnlock()

	var (
		mu           sync.Mutex
		wg           sync.WaitGroup
		dependencies = make(map[string]DependencyCheck, len(checkers))
	)
	for _, checker := range checkers {
		wg.Add(1)
		go func(hc HealthChecker) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()
			check := hc.Check(probeCtx)
			mu.Lock()
			dependencies[hc.Name()] = check
			mu.Unlock()
		}(checker)
	}
	wg.Wait()

	overall := "healthy"
	for name, dep := range dependencies {
		if dep.Status == StatusUp {
			continue
		}
		h.logger.Warn("Dependency not healthy",
			zap.String("dependency", name),
			zap.String("status", dep.Status),
			zap.String("details", dep.Details),
		)
		if dep.Status == StatusDown {
			overall = "unhealthy"
		} else if overall != "unhealthy" {
			overall = "degraded"
		}
	}

	return &HealthStatus{
		Status:       overall,
		Version:      version,
		Uptime:       formatDuration(time.Since(h.startTime)),
		Dependencies: dependencies,
		CheckedAt:    time.Now(),
	}
}

// Handler serves the detailed health report: 200 while healthy or degraded,
// 503 once unhealthy.
func (h *HealthService) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := h.Check(c.Request.Context())

		code := http.StatusOK
		if status.Status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	}
}

// ReadyHandler serves the readiness probe: 503 when any dependency is down,
// so the instance is pulled from rotation before it starts failing
// assessments.
func (h *HealthService) ReadyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := h.Check(c.Request.Context())

		for _, dep := range status.Dependencies {
			if dep.Status == StatusDown {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "not ready",
					"reason":  "one or more dependencies are down",
					"details": status.Dependencies,
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

// LiveHandler serves the liveness probe; it answers 200 while the process
// runs.
func (h *HealthService) LiveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "alive",
			"uptime": formatDuration(time.Since(h.startTime)),
		})
	}
}

// RegisterStandardRoutes mounts the probes: /health/live, /health/ready and
// the detailed report at /health.
func (h *HealthService) RegisterStandardRoutes(router *gin.Engine) {
	router.GET("/health/live", h.LiveHandler())
	router.GET("/health/ready", h.ReadyHandler())
	router.GET("/health", h.Handler())
}

// measure runs op, grades the latency against threshold, and fills the
// standard check fields. An error grades down; a slow success grades
// degraded.
func measure(ctx context.Context, threshold time.Duration, op func(context.Context) error) DependencyCheck {
	start := time.Now()
	err := op(ctx)
	latency := time.Since(start)

	check := DependencyCheck{
		Status:    StatusUp,
		Latency:   latency.String(),
		CheckedAt: time.Now(),
	}
	switch {
	case err != nil:
		check.Status = StatusDown
		check.Details = err.Error()
	case latency > threshold:
		check.Status = StatusDegraded
		check.Details = "high latency: " + latency.String()
	}
	return check
}

// PostgresChecker probes the profile and score store.
type PostgresChecker struct {
	db *database.PostgresDB
}

func NewPostgresChecker(db *database.PostgresDB) *PostgresChecker {
	return &PostgresChecker{db: db}
}

func (p *PostgresChecker) Name() string { return "postgres" }

// Check runs SELECT 1 against the pool.
func (p *PostgresChecker) Check(ctx context.Context) DependencyCheck {
	return measure(ctx, 500*time.Millisecond, func(ctx context.Context) error {
		var one int
		if err := p.db.Pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
			return fmt.Errorf("query failed: %w", err)
		}
		return nil
	})
}

// RedisChecker probes the cache and rate-limit store.
type RedisChecker struct {
	redis *database.RedisClient
}

func NewRedisChecker(redis *database.RedisClient) *RedisChecker {
	return &RedisChecker{redis: redis}
}

func (r *RedisChecker) Name() string { return "redis" }

// Check sends PING.
func (r *RedisChecker) Check(ctx context.Context) DependencyCheck {
	return measure(ctx, 200*time.Millisecond, func(ctx context.Context) error {
		if err := r.redis.Client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping failed: %w", err)
		}
		return nil
	})
}

// ElasticsearchChecker probes the cluster that backs embedding similarity
// search.
type ElasticsearchChecker struct {
	es *database.ElasticsearchClient
}

func NewElasticsearchChecker(es *database.ElasticsearchClient) *ElasticsearchChecker {
	return &ElasticsearchChecker{es: es}
}

func (e *ElasticsearchChecker) Name() string { return "elasticsearch" }

// Check pings the cluster.
func (e *ElasticsearchChecker) Check(ctx context.Context) DependencyCheck {
	return measure(ctx, 500*time.Millisecond, func(ctx context.Context) error {
		res, err := e.es.Client.Ping(e.es.Client.Ping.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("ping failed: %w", err)
		}
		defer res.Body.Close()
		if res.IsError() {
			return fmt.Errorf("ping returned %s", res.Status())
		}
		return nil
	})
}

// CircuitBreakerChecker reports the state of registered circuit breakers.
// An open breaker marks the service degraded rather than down: the failing
// collaborator is external, so taking this instance out of rotation would
// not help.
type CircuitBreakerChecker struct {
	registry *resilience.Registry
}

func NewCircuitBreakerChecker(registry *resilience.Registry) *CircuitBreakerChecker {
	return &CircuitBreakerChecker{registry: registry}
}

func (c *CircuitBreakerChecker) Name() string { return "circuit_breakers" }

// Check reports degraded with the open breakers named, or up when all are
// closed.
func (c *CircuitBreakerChecker) Check(ctx context.Context) DependencyCheck {
	start := time.Now()
	stats := c.registry.AllStats()
	latency := time.Since(start)

	var open []string
	for _, s := range stats {
		if s.State == resilience.StateOpen {
			open = append(open, s.Name)
		}
	}

	check := DependencyCheck{
		Status:    StatusUp,
		Latency:   latency.String(),
		CheckedAt: time.Now(),
	}
	if len(open) > 0 {
		check.Status = StatusDegraded
		check.Details = "open circuit breakers: " + strings.Join(open, ", ")
	}
	return check
}

// formatDuration renders an uptime like "3d 4h 12m 9s", dropping leading
// zero units.
func formatDuration(d time.Duration) string {
	total := int(d.Seconds())
	days := total / 86400
	hours := total % 86400 / 3600
	minutes := total % 3600 / 60
	seconds := total % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
