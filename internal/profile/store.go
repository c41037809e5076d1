// Package profile persists per-user behavior profiles: device fingerprint,
// SIM operator, and the capped location history the geofence validates
// against. Reads go through a Redis cache; writes go straight to PostgreSQL
// and invalidate the cache.
package profile

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/trustvector/trustvector/internal/common/database"
	"github.com/trustvector/trustvector/internal/common/middleware"
	"github.com/trustvector/trustvector/internal/geofence"
)

const (
	// A profile keeps at most this many location points; the oldest are
	// evicted on insert
	historyCap = 50

	cacheKeyPrefix = "profile:"
	cacheTTL       = 5 * time.Minute
)

// Profile is the per-user behavioral aggregate. Created on first submission,
// updated by merge-and-cap, never deleted.
type Profile struct {
	UserID            string                   `json:"user_id"`
	DeviceFingerprint map[string]string        `json:"device_fingerprint"`
	SimOperator       string                   `json:"sim_operator"`
	Locations         []geofence.LocationPoint `json:"locations"`
	UpdatedAt         time.Time                `json:"updated_at"`
}

// Summary is the operator-facing view of a profile
type Summary struct {
	UserID          string    `json:"user_id"`
	LocationCount   int       `json:"location_count"`
	LastSeen        time.Time `json:"last_seen"`
	SimOperator     string    `json:"sim_operator"`
	FingerprintHash string    `json:"fingerprint_hash"`
}

// InitializeSchema creates the behavior profile table if it does not exist
func InitializeSchema(ctx context.Context, db *database.PostgresDB) error {
	_, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS behavior_profiles (
			user_id TEXT PRIMARY KEY,
			device_fingerprint JSONB NOT NULL DEFAULT '{}',
			sim_operator TEXT NOT NULL DEFAULT '',
			locations JSONB NOT NULL DEFAULT '[]',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create behavior_profiles table: %w", err)
	}
	return nil
}

// Store reads and writes behavior profiles
type Store struct {
	db     *database.PostgresDB
	redis  *database.RedisClient
	logger *zap.Logger
}

// NewStore creates a new profile store
func NewStore(db *database.PostgresDB, redisClient *database.RedisClient, logger *zap.Logger) *Store {
	return &Store{
		db:     db,
		redis:  redisClient,
		logger: logger.With(zap.String("component", "profile_store")),
	}
}

// Get returns the user's profile, or nil when the user has never enrolled.
// Reads go through the Redis cache; cache failures fall back to PostgreSQL.
func (s *Store) Get(ctx context.Context, userID string) (*Profile, error) {
	cacheKey := cacheKeyPrefix + userID

	cached, err := s.redis.Client.Get(ctx, cacheKey).Result()
	if err == nil {
		var p Profile
		if json.Unmarshal([]byte(cached), &p) == nil {
			middleware.ProfileCacheOps.WithLabelValues("hit").Inc()
			return &p, nil
		}
		// Corrupt cache entry; fall through to the database
		s.redis.Client.Del(ctx, cacheKey)
	} else if !errors.Is(err, redis.Nil) {
		middleware.ProfileCacheOps.WithLabelValues("bypass").Inc()
		s.logger.Warn("Profile cache read failed, falling back to database",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	} else {
		middleware.ProfileCacheOps.WithLabelValues("miss").Inc()
	}

	p, err := s.fetch(ctx, userID)
	if err != nil || p == nil {
		return p, err
	}

	// Best-effort cache fill
	if data, err := json.Marshal(p); err == nil {
		if err := s.redis.Client.Set(ctx, cacheKey, data, cacheTTL).Err(); err != nil {
			s.logger.Debug("Profile cache fill failed", zap.Error(err))
		}
	}

	return p, nil
}

// fetch loads a profile row from PostgreSQL
func (s *Store) fetch(ctx context.Context, userID string) (*Profile, error) {
	query := `SELECT user_id, device_fingerprint, sim_operator, locations, updated_at
		FROM behavior_profiles
		WHERE user_id = $1`

	var (
		p               Profile
		fingerprintJSON string
		locationsJSON   string
	)

	err := s.db.Pool.QueryRow(ctx, query, userID).Scan(
		&p.UserID, &fingerprintJSON, &p.SimOperator, &locationsJSON, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch behavior profile: %w", err)
	}

	if err := json.Unmarshal([]byte(fingerprintJSON), &p.DeviceFingerprint); err != nil {
		return nil, fmt.Errorf("failed to decode device fingerprint: %w", err)
	}
	if err := json.Unmarshal([]byte(locationsJSON), &p.Locations); err != nil {
		return nil, fmt.Errorf("failed to decode location history: %w", err)
	}

	return &p, nil
}

// Merge appends a location point and updates the fingerprint and SIM operator,
// creating the profile on first submission. The returned flag reports whether
// this call created the profile. The location history is capped at the most
// recent entries; concurrent writers are last-write-wins.
func (s *Store) Merge(ctx context.Context, userID string, loc *geofence.LocationPoint, fingerprint map[string]string, simOperator string) (*Profile, bool, error) {
	current, err := s.fetch(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	created := current == nil

	merged := Profile{UserID: userID}
	if current != nil {
		merged = *current
	}

	if loc != nil {
		merged.Locations = append(merged.Locations, *loc)
		if len(merged.Locations) > historyCap {
			merged.Locations = merged.Locations[len(merged.Locations)-historyCap:]
		}
	}
	if len(fingerprint) > 0 {
		merged.DeviceFingerprint = fingerprint
	}
	if simOperator != "" {
		merged.SimOperator = simOperator
	}
	merged.UpdatedAt = time.Now().UTC()

	if merged.DeviceFingerprint == nil {
		merged.DeviceFingerprint = map[string]string{}
	}
	if merged.Locations == nil {
		merged.Locations = []geofence.LocationPoint{}
	}

	fingerprintJSON, err := json.Marshal(merged.DeviceFingerprint)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal device fingerprint: %w", err)
	}
	locationsJSON, err := json.Marshal(merged.Locations)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal location history: %w", err)
	}

	query := `INSERT INTO behavior_profiles (user_id, device_fingerprint, sim_operator, locations, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			device_fingerprint = EXCLUDED.device_fingerprint,
			sim_operator = EXCLUDED.sim_operator,
			locations = EXCLUDED.locations,
			updated_at = EXCLUDED.updated_at`

	_, err = s.db.Pool.Exec(ctx, query,
		merged.UserID, string(fingerprintJSON), merged.SimOperator, string(locationsJSON), merged.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert behavior profile: %w", err)
	}

	// Invalidate so the next read picks up the merged row
	if err := s.redis.Client.Del(ctx, cacheKeyPrefix+userID).Err(); err != nil {
		s.logger.Warn("Profile cache invalidation failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}

	s.logger.Debug("Behavior profile merged",
		zap.String("user_id", userID),
		zap.Int("location_count", len(merged.Locations)),
		zap.Bool("fingerprint_updated", len(fingerprint) > 0),
	)

	return &merged, created, nil
}

// Summarize produces the operator-facing view of a profile
func (p *Profile) Summarize() Summary {
	sum := Summary{
		UserID:          p.UserID,
		LocationCount:   len(p.Locations),
		LastSeen:        p.UpdatedAt,
		SimOperator:     p.SimOperator,
		FingerprintHash: FingerprintHash(p.DeviceFingerprint),
	}
	return sum
}

// FingerprintHash computes a stable SHA-256 over the fingerprint map,
// serialized as sorted key=value lines. Empty maps hash to "".
func FingerprintHash(fingerprint map[string]string) string {
	if len(fingerprint) == 0 {
		return ""
	}

	keys := make([]string, 0, len(fingerprint))
	for k := range fingerprint {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(fingerprint[k])
		b.WriteString("\n")
	}

	hash := sha256.Sum256([]byte(b.String()))
	return fmt.Sprintf("%x", hash)
}
