package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trustvector/trustvector/internal/common/database"
)

const (
	defaultScoreLimit = 20
	maxScoreLimit     = 100
)

// Record is one persisted assessment. Records are append-only; re-submitting
// a session produces a new, independent record.
type Record struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	SessionID      string         `json:"session_id"`
	TotalScore     int            `json:"total_score"`
	RiskLevel      RiskLevel      `json:"risk_level"`
	Recommendation Recommendation `json:"recommendation"`
	Breakdown      Breakdown      `json:"breakdown"`
	Alerts         []string       `json:"alerts"`
	Factors        Factors        `json:"factors"`
	CreatedAt      time.Time      `json:"created_at"`
}

// InitializeSchema creates the risk score table if it does not exist
func InitializeSchema(ctx context.Context, db *database.PostgresDB) error {
	_, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS risk_scores (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			total_score INT NOT NULL,
			risk_level TEXT NOT NULL,
			recommendation TEXT NOT NULL,
			breakdown JSONB NOT NULL DEFAULT '{}',
			alerts JSONB NOT NULL DEFAULT '[]',
			factors JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create risk_scores table: %w", err)
	}

	_, err = db.Pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_risk_scores_user_recent
		ON risk_scores (user_id, created_at DESC)
	`)
	if err != nil {
		return fmt.Errorf("failed to create risk_scores index: %w", err)
	}

	return nil
}

// Store persists assessment records
type Store struct {
	db     *database.PostgresDB
	logger *zap.Logger
}

// NewStore creates a new score store
func NewStore(db *database.PostgresDB, logger *zap.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With(zap.String("component", "score_store")),
	}
}

// Append inserts an assessment record, assigning an ID and timestamp when
// absent. The caller decides whether a failure matters; the pipeline
// swallows it.
func (s *Store) Append(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	breakdownJSON, err := json.Marshal(rec.Breakdown)
	if err != nil {
		return fmt.Errorf("failed to encode breakdown: %w", err)
	}
	alerts := rec.Alerts
	if alerts == nil {
		alerts = []string{}
	}
	alertsJSON, err := json.Marshal(alerts)
	if err != nil {
		return fmt.Errorf("failed to encode alerts: %w", err)
	}
	factorsJSON, err := json.Marshal(rec.Factors)
	if err != nil {
		return fmt.Errorf("failed to encode factors: %w", err)
	}

	_, err = s.db.Pool.Exec(ctx, `
		INSERT INTO risk_scores
			(id, user_id, session_id, total_score, risk_level, recommendation,
			 breakdown, alerts, factors, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.UserID, rec.SessionID, rec.TotalScore,
		string(rec.RiskLevel), string(rec.Recommendation),
		string(breakdownJSON), string(alertsJSON), string(factorsJSON),
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append risk score: %w", err)
	}

	s.logger.Debug("Risk score persisted",
		zap.String("record_id", rec.ID),
		zap.String("user_id", rec.UserID),
		zap.String("session_id", rec.SessionID),
		zap.Int("total_score", rec.TotalScore),
	)

	return nil
}

// GetRecent returns a user's most recent assessment records, newest first.
// Limit defaults to 20 and is capped at 100.
func (s *Store) GetRecent(ctx context.Context, userID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultScoreLimit
	}
	if limit > maxScoreLimit {
		limit = maxScoreLimit
	}

	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, user_id, session_id, total_score, risk_level, recommendation,
		       breakdown, alerts, factors, created_at
		FROM risk_scores
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query risk scores: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var (
			rec           Record
			level, rcmd   string
			breakdownJSON string
			alertsJSON    string
			factorsJSON   string
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.SessionID, &rec.TotalScore,
			&level, &rcmd, &breakdownJSON, &alertsJSON, &factorsJSON, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan risk score row: %w", err)
		}
		rec.RiskLevel = RiskLevel(level)
		rec.Recommendation = Recommendation(rcmd)
		if err := json.Unmarshal([]byte(breakdownJSON), &rec.Breakdown); err != nil {
			return nil, fmt.Errorf("failed to decode breakdown: %w", err)
		}
		if err := json.Unmarshal([]byte(alertsJSON), &rec.Alerts); err != nil {
			return nil, fmt.Errorf("failed to decode alerts: %w", err)
		}
		if err := json.Unmarshal([]byte(factorsJSON), &rec.Factors); err != nil {
			return nil, fmt.Errorf("failed to decode factors: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read risk score rows: %w", err)
	}

	return records, nil
}
