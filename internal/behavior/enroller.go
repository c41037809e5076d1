package behavior

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/trustvector/trustvector/internal/common/events"
	"github.com/trustvector/trustvector/internal/geofence"
	"github.com/trustvector/trustvector/internal/profile"
)

// Modality enrollment outcomes
const (
	OutcomeIndexed = "indexed"
	OutcomeFailed  = "failed"
	OutcomeNoData  = "no_data"
)

// Indexer is the embedding writer the enroller depends on
type Indexer interface {
	Index(ctx context.Context, modality Modality, userID, sessionID string, capturedAt time.Time, embedding []float64) error
}

// ProfileStore is the profile writer the enroller depends on
type ProfileStore interface {
	Merge(ctx context.Context, userID string, loc *geofence.LocationPoint, fingerprint map[string]string, simOperator string) (*profile.Profile, bool, error)
}

// ModalityOutcome reports the enrollment result for one modality
type ModalityOutcome struct {
	Modality Modality `json:"modality"`
	Status   string   `json:"status"`
	Error    string   `json:"error,omitempty"`
}

// EnrollmentResult reports per-modality indexing outcomes and the profile
// update status for one enrolled session.
type EnrollmentResult struct {
	UserID         string            `json:"user_id"`
	SessionID      string            `json:"session_id"`
	Modalities     []ModalityOutcome `json:"modalities"`
	ProfileUpdated bool              `json:"profile_updated"`
	LocationCount  int               `json:"location_count"`
}

// Enroller is the ingestion path: it extracts canonical features, indexes
// their embeddings, and merges the session's snapshot into the user's
// behavior profile. The assessment pipeline only ever reads what the
// enroller writes.
type Enroller struct {
	encoder  Encoder
	index    Indexer
	profiles ProfileStore
	logger   *zap.Logger
}

// NewEnroller creates a new enroller
func NewEnroller(encoder Encoder, index Indexer, profiles ProfileStore, logger *zap.Logger) *Enroller {
	return &Enroller{
		encoder:  encoder,
		index:    index,
		profiles: profiles,
		logger:   logger.With(zap.String("component", "enroller")),
	}
}

// Enroll processes one behavioral session. Modality failures are reported in
// the result, never escalated: the profile merge runs regardless so location
// history is not starved by encoder outages. The returned error is non-nil
// only when the profile merge itself fails.
func (e *Enroller) Enroll(ctx context.Context, session *Session) (*EnrollmentResult, error) {
	log := e.logger.With(
		zap.String("user_id", session.UserID),
		zap.String("session_id", session.SessionID),
	)
	capturedAt := session.CapturedAt()

	result := &EnrollmentResult{
		UserID:    session.UserID,
		SessionID: session.SessionID,
	}

	if feats := ExtractMotionFeatures(session.MotionData); feats == nil {
		result.Modalities = append(result.Modalities, ModalityOutcome{Modality: ModalityMotion, Status: OutcomeNoData})
	} else {
		result.Modalities = append(result.Modalities, e.enrollModality(ctx, log, ModalityMotion, session, capturedAt,
			func(ctx context.Context) (*Embedding, error) { return e.encoder.EncodeMotion(ctx, feats) }))
	}

	if strokes := ExtractTouchFeatures(session.TouchData); strokes == nil {
		result.Modalities = append(result.Modalities, ModalityOutcome{Modality: ModalityGesture, Status: OutcomeNoData})
	} else {
		result.Modalities = append(result.Modalities, e.enrollModality(ctx, log, ModalityGesture, session, capturedAt,
			func(ctx context.Context) (*Embedding, error) { return e.encoder.EncodeGesture(ctx, strokes) }))
	}

	if keystrokes := ExtractTypingFeatures(session.TypingData); keystrokes == nil {
		result.Modalities = append(result.Modalities, ModalityOutcome{Modality: ModalityTyping, Status: OutcomeNoData})
	} else {
		result.Modalities = append(result.Modalities, e.enrollModality(ctx, log, ModalityTyping, session, capturedAt,
			func(ctx context.Context) (*Embedding, error) { return e.encoder.EncodeTyping(ctx, keystrokes) }))
	}

	var fingerprint map[string]string
	if session.Device != nil {
		fingerprint = session.Device.Fingerprint
	}
	var simOperator string
	if session.Network != nil {
		simOperator = session.Network.SimOperator
	}

	merged, created, err := e.profiles.Merge(ctx, session.UserID, session.LocationPoint(), fingerprint, simOperator)
	if err != nil {
		log.Error("Profile merge failed", zap.Error(err))
		return result, fmt.Errorf("failed to merge behavior profile: %w", err)
	}
	result.ProfileUpdated = true
	result.LocationCount = len(merged.Locations)

	profileEvent := events.EventProfileUpdated
	if created {
		profileEvent = events.EventProfileEnrolled
	}
	events.PublishAsync(ctx, events.NewEvent(profileEvent, "enroller", map[string]interface{}{
		"session_id":     session.SessionID,
		"location_count": len(merged.Locations),
	}).WithUserID(session.UserID).WithTraceFromContext(ctx))

	log.Info("Session enrolled",
		zap.Int("location_count", len(merged.Locations)),
		zap.Any("modalities", result.Modalities),
	)
	return result, nil
}

func (e *Enroller) enrollModality(ctx context.Context, log *zap.Logger, modality Modality, session *Session, capturedAt time.Time, encode func(context.Context) (*Embedding, error)) ModalityOutcome {
	emb, err := encode(ctx)
	if err != nil {
		log.Warn("Embedding request failed during enrollment",
			zap.String("modality", string(modality)), zap.Error(err))
		return ModalityOutcome{Modality: modality, Status: OutcomeFailed, Error: err.Error()}
	}

	// Models can emit non-finite values; never let them reach the index
	vector := SanitizeEmbedding(emb.Vector)

	if err := e.index.Index(ctx, modality, session.UserID, session.SessionID, capturedAt, vector); err != nil {
		log.Warn("Embedding indexing failed",
			zap.String("modality", string(modality)), zap.Error(err))
		return ModalityOutcome{Modality: modality, Status: OutcomeFailed, Error: err.Error()}
	}

	return ModalityOutcome{Modality: modality, Status: OutcomeIndexed}
}
