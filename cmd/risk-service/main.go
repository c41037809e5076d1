// Package main is the entry point for the TrustVector Risk Service
// Risk Service scores mobile banking sessions from behavioral telemetry
package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/trustvector/trustvector/internal/api"
	"github.com/trustvector/trustvector/internal/appversion"
	"github.com/trustvector/trustvector/internal/behavior"
	"github.com/trustvector/trustvector/internal/common/config"
	"github.com/trustvector/trustvector/internal/common/database"
	"github.com/trustvector/trustvector/internal/common/events"
	"github.com/trustvector/trustvector/internal/common/health"
	"github.com/trustvector/trustvector/internal/common/logger"
	"github.com/trustvector/trustvector/internal/common/middleware"
	"github.com/trustvector/trustvector/internal/common/resilience"
	"github.com/trustvector/trustvector/internal/common/shutdown"
	"github.com/trustvector/trustvector/internal/common/tlsutil"
	"github.com/trustvector/trustvector/internal/common/tracing"
	"github.com/trustvector/trustvector/internal/geofence"
	"github.com/trustvector/trustvector/internal/journal"
	"github.com/trustvector/trustvector/internal/profile"
	"github.com/trustvector/trustvector/internal/risk"
	"github.com/trustvector/trustvector/internal/webhooks"
	"github.com/trustvector/trustvector/pkg/storage"
)

var (
	Version    = "dev"
	BuildTime  = "unknown"
	CommitHash = "unknown"
)

func main() {
	log := logger.New()
	defer log.Sync()

	log.Info("Starting TrustVector Risk Service",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("commit", CommitHash),
	)

	cfg, err := config.Load("risk-service")
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}

	cfg.LogSecurityWarnings(log)

	// Initialize tracing
	tracingCfg := tracing.ConfigFromEnv("risk-service", Version, cfg.Environment)
	shutdownTracer, err := tracing.Init(context.Background(), tracingCfg, log)
	if err != nil {
		log.Warn("Failed to initialize tracing", zap.Error(err))
		shutdownTracer = func(context.Context) error { return nil }
	}

	sm := shutdown.NewShutdownManager(log, 30*time.Second)
	sm.RegisterHook("tracing", shutdownTracer)

	// Initialize database connection
	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// Initialize Redis connection
	redis, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redis.Close()

	// Initialize Elasticsearch client for the vector index
	es, err := database.NewElasticsearchFromConfig(database.ElasticsearchConfig{
		URL:      cfg.ElasticsearchURL,
		Username: cfg.Elasticsearch.Username,
		Password: cfg.Elasticsearch.Password,
		TLS:      cfg.Elasticsearch.CACert != "",
		CACert:   cfg.Elasticsearch.CACert,
	})
	if err != nil {
		log.Fatal("Failed to connect to Elasticsearch", zap.Error(err))
	}

	// Bootstrap schemas and embedding indices
	embeddings := behavior.NewEmbeddingIndex(es, log)

	initCtx, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
	if err := profile.InitializeSchema(initCtx, db); err != nil {
		log.Fatal("Failed to initialize profile schema", zap.Error(err))
	}
	if err := appversion.InitializeSchema(initCtx, db); err != nil {
		log.Fatal("Failed to initialize app version schema", zap.Error(err))
	}
	if err := risk.InitializeSchema(initCtx, db); err != nil {
		log.Fatal("Failed to initialize risk schema", zap.Error(err))
	}
	if err := webhooks.InitializeSchema(initCtx, db); err != nil {
		log.Fatal("Failed to initialize webhook schema", zap.Error(err))
	}
	if err := embeddings.EnsureIndices(initCtx); err != nil {
		log.Fatal("Failed to ensure embedding indices", zap.Error(err))
	}
	cancelInit()

	// Event bus: pipeline stages publish, journal and webhooks consume
	bus := events.NewMemoryBus()
	bus.SetErrorHandler(func(err error) {
		log.Warn("Event handler failed", zap.Error(err))
	})
	events.SetGlobalBus(bus)

	// Set Gin mode
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize router
	router := gin.New()
	router.Use(middleware.Recovery(log))
	router.Use(otelgin.Middleware("risk-service"))
	router.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	router.Use(middleware.RequestID())
	router.Use(logger.GinMiddleware(log))
	if cfg.EnableRateLimit {
		router.Use(middleware.DistributedRateLimit(redis.Client, middleware.RateLimitConfig{
			Requests:       cfg.RateLimitRequests,
			Window:         time.Duration(cfg.RateLimitWindow) * time.Second,
			AssessRequests: cfg.RateLimitAssessRequests,
			AssessWindow:   time.Duration(cfg.RateLimitWindow) * time.Second,
		}, log))
	}
	router.Use(middleware.CORS(cfg.GetCORSOrigins()...))
	router.Use(api.StandardVersionMiddleware())
	router.Use(middleware.PrometheusMetrics("risk-service"))

	// Metrics endpoint
	router.GET("/metrics", middleware.MetricsHandler())

	// Health service with dependency checks
	breakers := resilience.NewRegistry()
	healthService := health.NewHealthService(log)
	healthService.SetVersion(Version)
	healthService.RegisterCheck(health.NewPostgresChecker(db))
	healthService.RegisterCheck(health.NewRedisChecker(redis))
	healthService.RegisterCheck(health.NewElasticsearchChecker(es))
	healthService.RegisterCheck(health.NewCircuitBreakerChecker(breakers))
	healthService.RegisterStandardRoutes(router)

	// Assessment pipeline wiring
	profiles := profile.NewStore(db, redis, log)
	versions := appversion.NewRegistry(db, redis, log)
	scores := risk.NewStore(db, log)
	locations := geofence.NewValidator(log)

	encoder := behavior.NewEncoderClient(cfg.Encoder, log)
	breakers.Register(encoder.Breaker())
	analyzer := behavior.NewAnalyzer(encoder, embeddings, log)
	enroller := behavior.NewEnroller(encoder, embeddings, profiles, log)

	orchestrator := risk.NewOrchestrator(locations, analyzer, profiles, versions, scores, log)
	riskHandler := risk.NewHandler(orchestrator, enroller, profiles, scores, log)

	var authMW []gin.HandlerFunc
	if cfg.AuthEnabled {
		authMW = append(authMW, middleware.ServiceAuth(cfg.JWTSecret))
	}
	risk.RegisterRoutes(router, riskHandler, authMW...)

	// Alert webhook dispatch
	if cfg.Webhooks.Enabled {
		webhookService := webhooks.NewService(db, redis, cfg.Webhooks, log)
		breakers.Register(webhookService.Breaker())
		if cfg.IsDevelopment() {
			webhookService.AllowPrivateEndpoints()
		}
		webhookService.BindEventBus(bus)
		webhooks.RegisterRoutes(router, webhooks.NewHandler(webhookService, log), authMW...)

		workerCtx, cancelWorkers := context.WithCancel(context.Background())
		go webhookService.ProcessDeliveries(workerCtx)
		go webhookService.ProcessRetries(workerCtx)
		sm.RegisterHook("webhook-workers", func(context.Context) error {
			cancelWorkers()
			return nil
		})
	}

	// Tamper-evident decision journal
	if cfg.EnableAuditLogging && cfg.AuditLogPath != "" {
		if cfg.JWTSecret == "" {
			log.Warn("Decision journal disabled: entry checksums need jwt_secret")
		} else {
			decisionLog, err := storage.NewFileLog(cfg.AuditLogPath)
			if err != nil {
				log.Fatal("Failed to open decision journal", zap.Error(err))
			}
			decisionJournal, err := journal.Open(decisionLog, cfg.JWTSecret, log)
			if err != nil {
				log.Fatal("Failed to open decision journal", zap.Error(err))
			}
			decisionJournal.BindEventBus(bus)
			log.Info("Decision journal enabled", zap.String("path", cfg.AuditLogPath))
		}
	}

	sm.RegisterHook("event-bus", func(ctx context.Context) error {
		events.Publish(ctx, events.NewEvent(events.EventSystemShutdown, "risk_service", nil))
		return bus.Close()
	})

	events.PublishAsync(context.Background(), events.NewEvent(events.EventSystemStartup, "risk_service", map[string]interface{}{
		"version": Version,
	}))

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	sm.RegisterServer("risk-service", server)

	// Start server in goroutine
	go func() {
		log.Info("Server listening", zap.Int("port", cfg.Port))
		if err := tlsutil.Serve(server, cfg.TLS, log); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Drain HTTP, close the bus, stop workers, flush traces
	sm.WaitForShutdown()
}
