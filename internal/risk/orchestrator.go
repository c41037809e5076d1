package risk

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/trustvector/trustvector/internal/behavior"
	"github.com/trustvector/trustvector/internal/common/events"
	"github.com/trustvector/trustvector/internal/common/logger"
	"github.com/trustvector/trustvector/internal/common/middleware"
	"github.com/trustvector/trustvector/internal/geofence"
	"github.com/trustvector/trustvector/internal/profile"
)

// Pipeline stage names, used in logs and the stage-failure metric.
const (
	stageLocationCheck    = "LOCATION_CHECK"
	stageSimilarityCheck  = "SIMILARITY_CHECK"
	stageFactorCollection = "FACTOR_COLLECTION"
	stageScore            = "SCORE"
	stagePersist          = "PERSIST"
	stagePipeline         = "PIPELINE"
)

const eventSource = "risk_orchestrator"

var errNoLocation = errors.New("session carries no location snapshot")

// LocationValidator checks a session location against the user's history.
type LocationValidator interface {
	Validate(history []geofence.LocationPoint, incoming geofence.LocationPoint) geofence.Result
}

// SimilarityAnalyzer scores the session's behavioral traces against the
// user's enrolled embeddings.
type SimilarityAnalyzer interface {
	Analyze(ctx context.Context, userID, sessionID string, session *behavior.Session) *behavior.AnalysisResult
}

// ProfileReader loads the per-user behavioral profile. A (nil, nil) return
// means the user was never enrolled.
type ProfileReader interface {
	Get(ctx context.Context, userID string) (*profile.Profile, error)
}

// VersionValidator reports whether an app version is an accepted release.
type VersionValidator interface {
	IsValid(ctx context.Context, version string) bool
}

// ScoreAppender persists assessment records.
type ScoreAppender interface {
	Append(ctx context.Context, rec *Record) error
}

// Orchestrator runs the assessment pipeline: location check, similarity
// analysis, factor collection, scoring and persistence. A stage that fails
// is replaced by its conservative default; the pipeline itself never
// surfaces an error to the caller.
type Orchestrator struct {
	locations LocationValidator
	analyzer  SimilarityAnalyzer
	profiles  ProfileReader
	versions  VersionValidator
	scores    ScoreAppender
	logger    *zap.Logger
}

// NewOrchestrator creates the assessment pipeline
func NewOrchestrator(
	locations LocationValidator,
	analyzer SimilarityAnalyzer,
	profiles ProfileReader,
	versions VersionValidator,
	scores ScoreAppender,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		locations: locations,
		analyzer:  analyzer,
		profiles:  profiles,
		versions:  versions,
		scores:    scores,
		logger:    logger.With(zap.String("component", "risk_orchestrator")),
	}
}

// Assess runs the full pipeline for one session and always returns a
// complete assessment. A panic anywhere in the pipeline is converted into
// the fail-safe outcome: maximum score, HIGH risk, BLOCK.
func (o *Orchestrator) Assess(ctx context.Context, session *behavior.Session) (result *Assessment) {
	start := time.Now()
	log := logger.WithTraceContext(o.logger, ctx).With(
		zap.String("user_id", session.UserID),
		zap.String("session_id", session.SessionID),
	)

	defer func() {
		if r := recover(); r != nil {
			middleware.PipelineStageFailures.WithLabelValues(stagePipeline).Inc()
			log.Error("Assessment pipeline panicked, applying fail-safe",
				zap.Any("panic_value", r))
			result = o.failSafe(ctx, log, session, start)
		}
	}()

	prof, location := o.checkLocation(ctx, log, session)
	biometric := o.checkSimilarity(ctx, log, session)
	factors := o.collectFactors(ctx, log, session, prof, location, biometric)

	score := Score(*factors)
	log.Debug("Stage completed",
		zap.String("stage", stageScore),
		zap.Int("total_score", score.TotalScore),
		zap.String("risk_level", string(score.RiskLevel)),
	)

	o.persist(ctx, log, session, score, factors)

	result = &Assessment{Success: true, RiskScore: score, Factors: factors}
	o.complete(ctx, log, session, result, start, outcomeEvent(score.Recommendation))
	return result
}

// checkLocation loads the profile and validates the session location against
// its history. A profile fetch error or a session without a location snapshot
// degrades to the conservative default: not within radius, no VPN assertion,
// zero confidence. A user with no profile is not a failure; an empty history
// produces the same default naturally.
func (o *Orchestrator) checkLocation(ctx context.Context, log *zap.Logger, session *behavior.Session) (*profile.Profile, geofence.Result) {
	prof, err := o.profiles.Get(ctx, session.UserID)
	if err != nil {
		o.stageFailed(log, stageLocationCheck, err)
		return nil, geofence.Result{}
	}

	point := session.LocationPoint()
	if point == nil {
		o.stageFailed(log, stageLocationCheck, errNoLocation)
		return prof, geofence.Result{}
	}

	var history []geofence.LocationPoint
	if prof != nil {
		history = prof.Locations
	}
	result := o.locations.Validate(history, *point)

	log.Debug("Stage completed",
		zap.String("stage", stageLocationCheck),
		zap.Bool("is_valid", result.IsValid),
		zap.Bool("vpn_detected", result.VPNDetected),
		zap.Float64("confidence", result.Confidence),
		zap.Int("history_points", len(history)),
	)
	return prof, result
}

// checkSimilarity runs the three-modality analysis. The analyzer isolates
// per-modality failures itself; a modality that was not processed carries
// zero similarity, which the scorer treats as maximum risk.
func (o *Orchestrator) checkSimilarity(ctx context.Context, log *zap.Logger, session *behavior.Session) BiometricFactors {
	analysis := o.analyzer.Analyze(ctx, session.UserID, session.SessionID, session)
	if analysis == nil {
		o.stageFailed(log, stageSimilarityCheck, errors.New("analyzer returned no result"))
		return BiometricFactors{}
	}

	log.Debug("Stage completed",
		zap.String("stage", stageSimilarityCheck),
		zap.Int("processed", analysis.Summary.Processed),
		zap.Int("failed", analysis.Summary.Failed),
		zap.Float64("avg_similarity", analysis.Summary.AvgSimilarity),
	)
	return BiometricFactors{
		MotionSimilarity: modalitySimilarity(analysis.Motion),
		TypingSimilarity: modalitySimilarity(analysis.Typing),
		TouchSimilarity:  modalitySimilarity(analysis.Touch),
	}
}

// collectFactors assembles the scorer's input from the session snapshots,
// the profile and the earlier stage results. Missing snapshots resolve to
// their risk-bearing values: an absent device snapshot reads as an
// unattested device on an unaccepted release.
func (o *Orchestrator) collectFactors(
	ctx context.Context,
	log *zap.Logger,
	session *behavior.Session,
	prof *profile.Profile,
	location geofence.Result,
	biometric BiometricFactors,
) *Factors {
	factors := &Factors{
		Biometric: biometric,
		Location:  locationFactors(session, prof, location),
		Device:    o.deviceFactors(ctx, session),
		Network:   networkFactors(session, prof),
	}

	log.Debug("Stage completed",
		zap.String("stage", stageFactorCollection),
		zap.Bool("app_version_mismatch", factors.Device.AppVersionMismatch),
		zap.Bool("sim_operator_changed", factors.Network.SimOperatorChanged),
		zap.Bool("fingerprint_changed", factors.Network.DeviceFingerprintChanged),
		zap.Int("history_point_count", factors.Location.HistoryPointCount),
	)

	o.publishSignals(ctx, session, factors)
	return factors
}

func locationFactors(session *behavior.Session, prof *profile.Profile, location geofence.Result) LocationFactors {
	var history []geofence.LocationPoint
	if prof != nil {
		history = prof.Locations
	}
	return LocationFactors{
		IsWithinRadius:    location.IsValid,
		VPNDetected:       location.VPNDetected,
		HistoryPointCount: nonVPNCount(history),
		TimeConsistency:   timeConsistent(session.CapturedAt(), history),
	}
}

func (o *Orchestrator) deviceFactors(ctx context.Context, session *behavior.Session) DeviceFactors {
	var snapshot behavior.DeviceSnapshot
	if session.Device != nil {
		snapshot = *session.Device
	}
	return DeviceFactors{
		IsRooted:            snapshot.Rooted,
		DebuggingEnabled:    snapshot.DebuggingEnabled,
		AppVersionMismatch:  !o.versions.IsValid(ctx, snapshot.AppVersion),
		UnknownApps:         snapshot.UnknownApps,
		HardwareAttestation: snapshot.HardwareAttestation,
		OverlayPermission:   snapshot.OverlayPermission,
	}
}

// networkFactors detects drift between the session's SIM operator and device
// fingerprint and the enrolled values. Drift requires an enrolled value: a
// first-ever submission has nothing to drift from.
func networkFactors(session *behavior.Session, prof *profile.Profile) NetworkFactors {
	factors := NetworkFactors{NetworkTypeConsistent: session.NetworkTypeConsistent()}
	if prof == nil {
		return factors
	}

	if prof.SimOperator != "" {
		var current string
		if session.Network != nil {
			current = session.Network.SimOperator
		}
		factors.SimOperatorChanged = current != prof.SimOperator
	}

	if len(prof.DeviceFingerprint) > 0 {
		var current map[string]string
		if session.Device != nil {
			current = session.Device.Fingerprint
		}
		factors.DeviceFingerprintChanged = profile.FingerprintHash(current) != profile.FingerprintHash(prof.DeviceFingerprint)
	}
	return factors
}

func nonVPNCount(history []geofence.LocationPoint) int {
	n := 0
	for _, p := range history {
		if !p.VPN {
			n++
		}
	}
	return n
}

// timeConsistent reports whether the session's hour of day matches any hour
// the user has been seen at, within a two-hour circular window. Fewer than
// three recorded timestamps is not enough evidence to call an inconsistency.
func timeConsistent(capturedAt time.Time, history []geofence.LocationPoint) bool {
	if len(history) < 3 {
		return true
	}
	hour := capturedAt.UTC().Hour()
	for _, p := range history {
		if hourDistance(hour, p.Timestamp.UTC().Hour()) <= 2 {
			return true
		}
	}
	return false
}

// hourDistance is the circular distance between two hours of day
func hourDistance(a, b int) int {
	d := a - b
	if d < 0 {
		d = -d
	}
	if d > 12 {
		d = 24 - d
	}
	return d
}

func modalitySimilarity(r *behavior.ModalityResult) float64 {
	if r == nil || !r.Success {
		return 0
	}
	return r.Similarity
}

// persist appends the assessment record. A persistence failure is logged and
// swallowed: the decision returned to the caller is already final.
func (o *Orchestrator) persist(ctx context.Context, log *zap.Logger, session *behavior.Session, score *RiskScore, factors *Factors) {
	rec := &Record{
		UserID:         session.UserID,
		SessionID:      session.SessionID,
		TotalScore:     score.TotalScore,
		RiskLevel:      score.RiskLevel,
		Recommendation: score.Recommendation,
		Breakdown:      score.Breakdown,
		Alerts:         score.Alerts,
		Factors:        *factors,
	}
	if err := o.scores.Append(ctx, rec); err != nil {
		o.stageFailed(log, stagePersist, err)
		return
	}
	log.Debug("Stage completed",
		zap.String("stage", stagePersist),
		zap.String("record_id", rec.ID),
	)
}

// failSafe builds the maximum-risk outcome used when the pipeline cannot
// complete. The breakdown is pinned to 100 across the board; factors are the
// zero values since nothing trustworthy was collected. Persistence is still
// attempted so the blocked session leaves a record.
func (o *Orchestrator) failSafe(ctx context.Context, log *zap.Logger, session *behavior.Session, start time.Time) *Assessment {
	score := &RiskScore{
		TotalScore:     100,
		RiskLevel:      RiskLevelHigh,
		Recommendation: RecommendationBlock,
		Breakdown: Breakdown{
			Motion:         100,
			Typing:         100,
			Touch:          100,
			Location:       100,
			DeviceSecurity: 100,
			NetworkSim:     100,
		},
		Alerts: []string{"Risk assessment failed, session blocked by fail-safe"},
	}
	factors := &Factors{}

	o.persist(ctx, log, session, score, factors)

	result := &Assessment{Success: true, RiskScore: score, Factors: factors}
	o.complete(ctx, log, session, result, start, events.EventAssessmentFailSafe)
	return result
}

// complete records the outcome metrics, publishes the outcome event and
// writes the one-line assessment log.
func (o *Orchestrator) complete(ctx context.Context, log *zap.Logger, session *behavior.Session, a *Assessment, start time.Time, eventType string) {
	duration := time.Since(start)
	score := a.RiskScore

	middleware.RiskAssessmentsTotal.WithLabelValues(string(score.RiskLevel), string(score.Recommendation)).Inc()
	middleware.RiskAssessmentDuration.Observe(duration.Seconds())

	emit(ctx, eventType, session, map[string]interface{}{
		"session_id":     session.SessionID,
		"total_score":    score.TotalScore,
		"risk_level":     string(score.RiskLevel),
		"recommendation": string(score.Recommendation),
		"alerts":         score.Alerts,
	})

	log.Info("Risk assessment completed",
		zap.Int("total_score", score.TotalScore),
		zap.String("risk_level", string(score.RiskLevel)),
		zap.String("recommendation", string(score.Recommendation)),
		zap.Int("alert_count", len(score.Alerts)),
		zap.Duration("duration", duration),
	)
}

func outcomeEvent(r Recommendation) string {
	switch r {
	case RecommendationBlock:
		return events.EventAssessmentBlocked
	case RecommendationReview:
		return events.EventAssessmentReview
	default:
		return events.EventAssessmentCompleted
	}
}

// emit publishes a session-scoped event stamped with the user and the
// active trace.
func emit(ctx context.Context, eventType string, session *behavior.Session, payload map[string]interface{}) {
	events.PublishAsync(ctx, events.NewEvent(eventType, eventSource, payload).
		WithUserID(session.UserID).
		WithTraceFromContext(ctx))
}

// publishSignals emits the factor-level events downstream consumers alert
// on. These fire at collection time: the signal is real even if a later
// stage degrades.
func (o *Orchestrator) publishSignals(ctx context.Context, session *behavior.Session, f *Factors) {
	base := map[string]interface{}{"session_id": session.SessionID}

	if f.Device.AppVersionMismatch {
		emit(ctx, events.EventVersionMismatch, session, base)
	}
	if f.Device.IsRooted || !f.Device.HardwareAttestation {
		emit(ctx, events.EventDeviceCompromised, session, map[string]interface{}{
			"session_id":           session.SessionID,
			"rooted":               f.Device.IsRooted,
			"hardware_attestation": f.Device.HardwareAttestation,
		})
	}
	if f.Network.SimOperatorChanged {
		emit(ctx, events.EventSimChanged, session, map[string]interface{}{
			"session_id":          session.SessionID,
			"fingerprint_changed": f.Network.DeviceFingerprintChanged,
		})
	}
	if f.Location.VPNDetected {
		emit(ctx, events.EventVPNDetected, session, base)
	} else if !f.Location.IsWithinRadius && f.Location.HistoryPointCount >= 3 {
		emit(ctx, events.EventLocationAnomaly, session, map[string]interface{}{
			"session_id":          session.SessionID,
			"history_point_count": f.Location.HistoryPointCount,
		})
	}
}

// stageFailed counts and logs a degraded stage; the caller substitutes the
// stage's conservative default.
func (o *Orchestrator) stageFailed(log *zap.Logger, stage string, err error) {
	middleware.PipelineStageFailures.WithLabelValues(stage).Inc()
	log.Warn("Pipeline stage failed, substituting conservative default",
		zap.String("stage", stage),
		zap.Error(err),
	)
}
