// Package appversion maintains the registry of app versions the risk
// pipeline accepts. A session reporting a version outside the active set is
// forced to HIGH/BLOCK, and an unreachable or empty registry is treated the
// same way (fail closed).
package appversion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/trustvector/trustvector/internal/common/database"
)

const (
	cacheKey = "appversions:active"
	cacheTTL = 10 * time.Minute
)

// InitializeSchema creates the app version table if it does not exist
func InitializeSchema(ctx context.Context, db *database.PostgresDB) error {
	_, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS app_versions (
			id SERIAL PRIMARY KEY,
			version TEXT NOT NULL UNIQUE,
			active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create app_versions table: %w", err)
	}
	return nil
}

// Registry reads and writes the accepted app version set
type Registry struct {
	db     *database.PostgresDB
	redis  *database.RedisClient
	logger *zap.Logger
}

// NewRegistry creates a new app version registry
func NewRegistry(db *database.PostgresDB, redisClient *database.RedisClient, logger *zap.Logger) *Registry {
	return &Registry{
		db:     db,
		redis:  redisClient,
		logger: logger.With(zap.String("component", "appversion_registry")),
	}
}

// Active returns the currently accepted versions, most recent first.
// Reads go through the Redis cache; cache failures fall back to PostgreSQL.
func (r *Registry) Active(ctx context.Context) ([]string, error) {
	cached, err := r.redis.Client.Get(ctx, cacheKey).Result()
	if err == nil {
		var versions []string
		if json.Unmarshal([]byte(cached), &versions) == nil {
			return versions, nil
		}
		r.redis.Client.Del(ctx, cacheKey)
	} else if !errors.Is(err, redis.Nil) {
		r.logger.Warn("Version cache read failed, falling back to database", zap.Error(err))
	}

	rows, err := r.db.Pool.Query(ctx,
		`SELECT version FROM app_versions WHERE active = true ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query app versions: %w", err)
	}
	defer rows.Close()

	versions := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan app version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating app versions: %w", err)
	}

	// Best-effort cache fill
	if data, err := json.Marshal(versions); err == nil {
		if err := r.redis.Client.Set(ctx, cacheKey, data, cacheTTL).Err(); err != nil {
			r.logger.Debug("Version cache fill failed", zap.Error(err))
		}
	}

	return versions, nil
}

// IsValid reports whether the submitted version is in the active set.
// A registry error or an empty active set both yield false: an unknown
// version of record is mismatch, never a pass.
func (r *Registry) IsValid(ctx context.Context, version string) bool {
	if version == "" {
		return false
	}

	versions, err := r.Active(ctx)
	if err != nil {
		r.logger.Warn("Version registry unreachable, treating version as mismatch",
			zap.String("version", version),
			zap.Error(err),
		)
		return false
	}
	if len(versions) == 0 {
		r.logger.Warn("Version registry is empty, treating version as mismatch",
			zap.String("version", version))
		return false
	}

	for _, v := range versions {
		if v == version {
			return true
		}
	}
	return false
}

// Add registers a version, activating it if it already exists
func (r *Registry) Add(ctx context.Context, version string) error {
	if version == "" {
		return fmt.Errorf("version is required")
	}

	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO app_versions (version, active)
		VALUES ($1, true)
		ON CONFLICT (version) DO UPDATE SET active = true
	`, version)
	if err != nil {
		return fmt.Errorf("failed to add app version: %w", err)
	}

	r.invalidate(ctx)
	r.logger.Info("App version registered", zap.String("version", version))
	return nil
}

// Deactivate retires a version from the active set
func (r *Registry) Deactivate(ctx context.Context, version string) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE app_versions SET active = false WHERE version = $1`, version)
	if err != nil {
		return fmt.Errorf("failed to deactivate app version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("app version %q not found", version)
	}

	r.invalidate(ctx)
	r.logger.Info("App version deactivated", zap.String("version", version))
	return nil
}

func (r *Registry) invalidate(ctx context.Context) {
	if err := r.redis.Client.Del(ctx, cacheKey).Err(); err != nil {
		r.logger.Warn("Version cache invalidation failed", zap.Error(err))
	}
}
