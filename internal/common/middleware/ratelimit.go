package middleware

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/trustvector/trustvector/internal/common/errors"
)

// RateLimitConfig configures the distributed rate limiter.
type RateLimitConfig struct {
	// Requests allowed per Window on ordinary paths
	Requests int
	Window   time.Duration
	// AssessRequests and AssessWindow form the stricter tier for scoring
	// paths, which fan out to the encoder and vector searches downstream
	AssessRequests int
	AssessWindow   time.Duration
	// PerUser keys the counter on caller_id when the auth middleware set one
	PerUser bool
}

// assessPaths get the stricter tier.
var assessPaths = []string{
	"/api/v1/risk/assess",
	"/api/v1/behavior/enroll",
}

// skipPaths are exempt from rate limiting.
var skipPaths = []string{
	"/health",
	"/metrics",
	"/ready",
}

// DistributedRateLimit enforces a fixed-window counter in Redis, shared by
// every replica. When Redis is unreachable it fails open: losing a risk
// decision is worse than losing enforcement for a window.
func DistributedRateLimit(redisClient *redis.Client, cfg RateLimitConfig, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		for _, sp := range skipPaths {
			if path == sp {
				c.Next()
				return
			}
		}

		limit, window := cfg.tierFor(path)
		scope, subject := limitSubject(c, cfg.PerUser)

		if redisClient == nil {
			rlFailOpenTotal.WithLabelValues(scope).Inc()
			c.Next()
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 200*time.Millisecond)
		defer cancel()

		// The bucket number is derived from the epoch so every replica
		// agrees on it without coordination.
		bucket := time.Now().Unix() / int64(window.Seconds())
		key := "ratelimit:" + scope + ":" + subject + ":" + strconv.FormatInt(bucket, 10)

		count, err := redisClient.Incr(ctx, key).Result()
		if err != nil {
			rlFailOpenTotal.WithLabelValues(scope).Inc()
			logger.Warn("Rate limit Redis error, failing open",
				zap.Error(err), zap.String("key", key))
			c.Next()
			return
		}
		if count == 1 {
			redisClient.Expire(ctx, key, window+time.Second)
		}

		remaining := int64(limit) - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if count > int64(limit) {
			untilReset := int64(window.Seconds()) - time.Now().Unix()%int64(window.Seconds())
			c.Header("Retry-After", strconv.FormatInt(untilReset, 10))
			rlHitsTotal.WithLabelValues(scope).Inc()
			errors.HandleError(c, errors.RateLimit("rate limit exceeded"))
			c.Abort()
			return
		}

		c.Next()
	}
}

// tierFor picks the limit and window for the request path.
func (cfg RateLimitConfig) tierFor(path string) (int, time.Duration) {
	if cfg.AssessRequests > 0 {
		for _, ap := range assessPaths {
			if strings.HasPrefix(path, ap) {
				return cfg.AssessRequests, cfg.AssessWindow
			}
		}
	}
	return cfg.Requests, cfg.Window
}

// limitSubject picks what the counter is keyed on: the authenticated caller
// when available and enabled, the client IP otherwise.
func limitSubject(c *gin.Context, perUser bool) (scope, subject string) {
	if perUser {
		if v, ok := c.Get("caller_id"); ok {
			if id, _ := v.(string); id != "" {
				return "caller", id
			}
		}
	}
	return "ip", c.ClientIP()
}
