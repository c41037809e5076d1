package config

import (
	"strings"

	"go.uber.org/zap"
)

// ProductionWarnings returns the list of insecure settings detected in the
// current configuration. Empty in a correctly hardened deployment.
func (c *Config) ProductionWarnings() []string {
	var warnings []string

	if strings.Contains(c.DatabaseURL, "trustvector_secret") {
		warnings = append(warnings, "database_url uses the default password")
	}
	if strings.Contains(c.RedisURL, "redis_secret") {
		warnings = append(warnings, "redis_url uses the default password")
	}
	if c.AuthEnabled && len(c.JWTSecret) < 32 {
		warnings = append(warnings, "jwt_secret is shorter than 32 bytes")
	}
	if !c.AuthEnabled {
		warnings = append(warnings, "service auth is disabled; assessment API is unauthenticated")
	}
	if c.CORSAllowedOrigins == "*" {
		warnings = append(warnings, "cors_allowed_origins allows all origins")
	}
	if !c.EnableRateLimit {
		warnings = append(warnings, "rate limiting is disabled")
	}

	return warnings
}

// LogSecurityWarnings logs actionable security warnings when running in
// production with insecure defaults. Call this at service startup after
// configuration is loaded.
func (c *Config) LogSecurityWarnings(log *zap.Logger) {
	if !c.IsProduction() {
		return
	}

	warnings := c.ProductionWarnings()

	for _, w := range warnings {
		log.Warn("SECURITY", zap.String("warning", w))
	}

	if len(warnings) > 0 {
		log.Warn("SECURITY: production deployment has insecure configuration",
			zap.Int("warning_count", len(warnings)))
	}
}
