// Package logger builds the zap loggers used across the risk service and
// carries the request-log middleware. The audit trail for assessment
// decisions lives in audit.go.
package logger

import (
	"context"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger from APP_ENV and LOG_LEVEL: JSON output at
// info level in production, colored console output at debug level elsewhere.
func New() *zap.Logger {
	env := os.Getenv("APP_ENV")

	config := newConfig(env)
	config.Level = zap.NewAtomicLevelAt(parseLevel(os.Getenv("LOG_LEVEL"), env))

	logger, err := config.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	return logger
}

func newConfig(env string) zap.Config {
	if env == "production" || env == "prod" {
		config := zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		return config
	}
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return config
}

func parseLevel(level, env string) zapcore.Level {
	switch level {
	case "debug":
		return zap.DebugLevel
	case "info":
		return zap.InfoLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	}
	if env == "production" || env == "prod" {
		return zap.InfoLevel
	}
	return zap.DebugLevel
}

// GinMiddleware logs one line per request after the handler chain finishes,
// graded by status class.
func GinMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		status := c.Writer.Status()
		fields := requestFields(c, status, path, query, time.Since(start))

		switch {
		case status >= 500:
			logger.Error("Server error", fields...)
		case status >= 400:
			logger.Warn("Client error", fields...)
		default:
			logger.Info("Request completed", fields...)
		}
	}
}

func requestFields(c *gin.Context, status int, path, query string, latency time.Duration) []zap.Field {
	fields := []zap.Field{
		zap.Int("status", status),
		zap.String("method", c.Request.Method),
		zap.String("path", path),
		zap.String("query", query),
		zap.String("ip", c.ClientIP()),
		zap.Duration("latency", latency),
		zap.Int("body_size", c.Writer.Size()),
	}

	if requestID := c.GetString("request_id"); requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}

	// Trace correlation so a log line can be joined with its span
	if sc := trace.SpanFromContext(c.Request.Context()).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	return fields
}

// WithTraceContext annotates a logger with the trace and span IDs from ctx,
// when one is recording.
func WithTraceContext(logger *zap.Logger, ctx context.Context) *zap.Logger {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return logger
	}
	return logger.With(
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	)
}
