package risk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/trustvector/trustvector/internal/behavior"
	"github.com/trustvector/trustvector/internal/common/events"
	"github.com/trustvector/trustvector/internal/geofence"
	"github.com/trustvector/trustvector/internal/profile"
)

type fakeLocations struct {
	result     geofence.Result
	called     bool
	gotHistory []geofence.LocationPoint
}

func (f *fakeLocations) Validate(history []geofence.LocationPoint, incoming geofence.LocationPoint) geofence.Result {
	f.called = true
	f.gotHistory = history
	return f.result
}

type fakeAnalyzer struct {
	result *behavior.AnalysisResult
	panics bool
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, userID, sessionID string, session *behavior.Session) *behavior.AnalysisResult {
	if f.panics {
		panic("analyzer exploded")
	}
	return f.result
}

type fakeProfileReader struct {
	prof *profile.Profile
	err  error
}

func (f *fakeProfileReader) Get(ctx context.Context, userID string) (*profile.Profile, error) {
	return f.prof, f.err
}

type fakeVersions struct {
	valid      bool
	gotVersion string
}

func (f *fakeVersions) IsValid(ctx context.Context, version string) bool {
	f.gotVersion = version
	return f.valid
}

type fakeScores struct {
	mu      sync.Mutex
	records []*Record
	err     error
}

func (f *fakeScores) Append(ctx context.Context, rec *Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeScores) appended() []*Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records
}

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) record(ctx context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *eventRecorder) has(eventType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == eventType {
			return true
		}
	}
	return false
}

// captureEvents swaps the global bus for one this test can observe
func captureEvents(t *testing.T) *eventRecorder {
	t.Helper()
	rec := &eventRecorder{}
	bus := events.NewMemoryBus()
	bus.SubscribeAll(rec.record)
	events.SetGlobalBus(bus)
	t.Cleanup(func() {
		events.SetGlobalBus(events.NewMemoryBus())
	})
	return rec
}

func waitForEvent(t *testing.T, rec *eventRecorder, eventType string) {
	t.Helper()
	require.Eventually(t, func() bool { return rec.has(eventType) },
		time.Second, 10*time.Millisecond, "expected event %s", eventType)
}

// assessSession is a fully populated session captured at 14:30 UTC
func assessSession() *behavior.Session {
	return &behavior.Session{
		SessionID: "sess-1",
		UserID:    "user-1",
		Timestamp: time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC).UnixMilli(),
		Location: &behavior.LocationSnapshot{
			Latitude:  41.0082,
			Longitude: 28.9784,
			Timezone:  "Europe/Istanbul",
		},
		Device: &behavior.DeviceSnapshot{
			AppVersion:          "3.2.1",
			HardwareAttestation: true,
			Fingerprint:         map[string]string{"model": "Pixel 8", "os": "android-15"},
		},
		Network: &behavior.NetworkSnapshot{
			SimOperator: "Turkcell",
			NetworkType: "wifi",
		},
	}
}

// enrolledProfile matches assessSession: same operator and fingerprint,
// history clustered around early afternoon UTC.
func enrolledProfile(points int) *profile.Profile {
	base := time.Date(2026, 8, 20, 14, 0, 0, 0, time.UTC)
	locs := make([]geofence.LocationPoint, 0, points)
	for i := 0; i < points; i++ {
		locs = append(locs, geofence.LocationPoint{
			Latitude:  41.0 + float64(i)*0.01,
			Longitude: 29.0,
			Timestamp: base.Add(time.Duration(i) * time.Hour),
		})
	}
	return &profile.Profile{
		UserID:            "user-1",
		SimOperator:       "Turkcell",
		DeviceFingerprint: map[string]string{"model": "Pixel 8", "os": "android-15"},
		Locations:         locs,
		UpdatedAt:         base,
	}
}

func analysisWith(motion, typing, touch float64) *behavior.AnalysisResult {
	return &behavior.AnalysisResult{
		Motion:  &behavior.ModalityResult{Success: true, Similarity: motion, MatchCount: 10},
		Typing:  &behavior.ModalityResult{Success: true, Similarity: typing, MatchCount: 10},
		Touch:   &behavior.ModalityResult{Success: true, Similarity: touch, MatchCount: 10},
		Summary: behavior.AnalysisSummary{Processed: 3, Total: 3},
	}
}

type orchestratorFixture struct {
	locations *fakeLocations
	analyzer  *fakeAnalyzer
	profiles  *fakeProfileReader
	versions  *fakeVersions
	scores    *fakeScores
	orch      *Orchestrator
}

func newFixture(t *testing.T) *orchestratorFixture {
	t.Helper()
	f := &orchestratorFixture{
		locations: &fakeLocations{result: geofence.Result{IsValid: true, Confidence: 0.9}},
		analyzer:  &fakeAnalyzer{result: analysisWith(0.9, 0.85, 0.88)},
		profiles:  &fakeProfileReader{prof: enrolledProfile(5)},
		versions:  &fakeVersions{valid: true},
		scores:    &fakeScores{},
	}
	f.orch = NewOrchestrator(f.locations, f.analyzer, f.profiles, f.versions, f.scores, zaptest.NewLogger(t))
	return f
}

func TestAssessHealthySession(t *testing.T) {
	rec := captureEvents(t)
	f := newFixture(t)

	got := f.orch.Assess(context.Background(), assessSession())

	require.NotNil(t, got)
	assert.True(t, got.Success)
	assert.Equal(t, 9, got.RiskScore.TotalScore)
	assert.Equal(t, RiskLevelLow, got.RiskScore.RiskLevel)
	assert.Equal(t, RecommendationAllow, got.RiskScore.Recommendation)
	assert.Empty(t, got.RiskScore.Alerts)

	require.NotNil(t, got.Factors)
	assert.True(t, got.Factors.Location.IsWithinRadius)
	assert.Equal(t, 5, got.Factors.Location.HistoryPointCount)
	assert.True(t, got.Factors.Location.TimeConsistency)
	assert.False(t, got.Factors.Device.AppVersionMismatch)
	assert.False(t, got.Factors.Network.SimOperatorChanged)
	assert.False(t, got.Factors.Network.DeviceFingerprintChanged)
	assert.True(t, got.Factors.Network.NetworkTypeConsistent)

	assert.Equal(t, "3.2.1", f.versions.gotVersion)

	records := f.scores.appended()
	require.Len(t, records, 1)
	assert.Equal(t, "user-1", records[0].UserID)
	assert.Equal(t, "sess-1", records[0].SessionID)
	assert.Equal(t, 9, records[0].TotalScore)

	waitForEvent(t, rec, events.EventAssessmentCompleted)
}

func TestAssessProfileFetchFailure(t *testing.T) {
	captureEvents(t)
	f := newFixture(t)
	f.profiles.err = errors.New("connection refused")
	f.profiles.prof = nil

	got := f.orch.Assess(context.Background(), assessSession())

	// Degraded location: outside radius plus insufficient history.
	assert.False(t, f.locations.called, "boundary check must be skipped when the profile is unavailable")
	assert.False(t, got.Factors.Location.IsWithinRadius)
	assert.False(t, got.Factors.Location.VPNDetected)
	assert.Equal(t, 0, got.Factors.Location.HistoryPointCount)
	assert.Equal(t, 60, got.RiskScore.Breakdown.Location)
	assert.Equal(t, 18, got.RiskScore.TotalScore)
	assert.Equal(t, RecommendationAllow, got.RiskScore.Recommendation,
		"a storage outage alone must not lock users out")
}

func TestAssessNeverEnrolledUser(t *testing.T) {
	captureEvents(t)
	f := newFixture(t)
	f.profiles.prof = nil
	f.locations.result = geofence.Result{}

	got := f.orch.Assess(context.Background(), assessSession())

	assert.True(t, f.locations.called)
	assert.Empty(t, f.locations.gotHistory)
	assert.Equal(t, 0, got.Factors.Location.HistoryPointCount)
	assert.True(t, got.Factors.Location.TimeConsistency)
	assert.False(t, got.Factors.Network.SimOperatorChanged, "nothing enrolled means nothing to drift from")
	assert.False(t, got.Factors.Network.DeviceFingerprintChanged)
}

func TestAssessMissingLocationSnapshot(t *testing.T) {
	captureEvents(t)
	f := newFixture(t)
	session := assessSession()
	session.Location = nil

	got := f.orch.Assess(context.Background(), session)

	assert.False(t, f.locations.called)
	assert.False(t, got.Factors.Location.IsWithinRadius)
	// Profile-derived factors survive the degraded boundary check.
	assert.Equal(t, 5, got.Factors.Location.HistoryPointCount)
	assert.Equal(t, 40, got.RiskScore.Breakdown.Location)
	assert.Equal(t, 15, got.RiskScore.TotalScore)
}

func TestAssessVersionMismatchBlocks(t *testing.T) {
	rec := captureEvents(t)
	f := newFixture(t)
	f.versions.valid = false

	got := f.orch.Assess(context.Background(), assessSession())

	assert.True(t, got.Factors.Device.AppVersionMismatch)
	assert.Equal(t, RiskLevelHigh, got.RiskScore.RiskLevel)
	assert.Equal(t, RecommendationBlock, got.RiskScore.Recommendation)
	assert.Contains(t, got.RiskScore.Alerts, "App version is not an accepted release")

	waitForEvent(t, rec, events.EventVersionMismatch)
	waitForEvent(t, rec, events.EventAssessmentBlocked)
}

func TestAssessPartialModalities(t *testing.T) {
	rec := captureEvents(t)
	f := newFixture(t)
	f.analyzer.result = &behavior.AnalysisResult{
		Motion:  &behavior.ModalityResult{Success: true, Similarity: 0.95, MatchCount: 10},
		Summary: behavior.AnalysisSummary{Processed: 1, Total: 1},
	}

	got := f.orch.Assess(context.Background(), assessSession())

	assert.Equal(t, 0.95, got.Factors.Biometric.MotionSimilarity)
	assert.Zero(t, got.Factors.Biometric.TypingSimilarity)
	assert.Zero(t, got.Factors.Biometric.TouchSimilarity)
	assert.Equal(t, 46, got.RiskScore.TotalScore)
	assert.Equal(t, RecommendationReview, got.RiskScore.Recommendation)

	waitForEvent(t, rec, events.EventAssessmentReview)
}

func TestAssessSimOperatorDrift(t *testing.T) {
	rec := captureEvents(t)
	f := newFixture(t)
	session := assessSession()
	session.Network.SimOperator = "Vodafone"

	got := f.orch.Assess(context.Background(), session)

	assert.True(t, got.Factors.Network.SimOperatorChanged)
	assert.False(t, got.Factors.Network.DeviceFingerprintChanged)
	assert.Equal(t, 20, got.RiskScore.Breakdown.NetworkSim)

	waitForEvent(t, rec, events.EventSimChanged)
}

func TestAssessVPNDetected(t *testing.T) {
	rec := captureEvents(t)
	f := newFixture(t)
	f.locations.result = geofence.Result{IsValid: false, VPNDetected: true}

	got := f.orch.Assess(context.Background(), assessSession())

	assert.True(t, got.Factors.Location.VPNDetected)
	assert.Equal(t, 60, got.RiskScore.Breakdown.Location)

	waitForEvent(t, rec, events.EventVPNDetected)
	assert.False(t, rec.has(events.EventLocationAnomaly),
		"VPN takes precedence over the boundary anomaly signal")
}

func TestAssessTimeInconsistency(t *testing.T) {
	captureEvents(t)
	f := newFixture(t)
	prof := enrolledProfile(4)
	for i := range prof.Locations {
		prof.Locations[i].Timestamp = time.Date(2026, 8, 20, 3, 0, 0, 0, time.UTC)
	}
	f.profiles.prof = prof

	got := f.orch.Assess(context.Background(), assessSession())

	assert.False(t, got.Factors.Location.TimeConsistency,
		"14:30 session against a 03:00-only history must read as inconsistent")
	assert.Equal(t, 15, got.RiskScore.Breakdown.Location)
}

func TestAssessAnalyzerPanicFailSafe(t *testing.T) {
	rec := captureEvents(t)
	f := newFixture(t)
	f.analyzer.panics = true

	got := f.orch.Assess(context.Background(), assessSession())

	require.NotNil(t, got)
	assert.True(t, got.Success)
	assert.Equal(t, 100, got.RiskScore.TotalScore)
	assert.Equal(t, RiskLevelHigh, got.RiskScore.RiskLevel)
	assert.Equal(t, RecommendationBlock, got.RiskScore.Recommendation)
	assert.Equal(t, Breakdown{
		Motion: 100, Typing: 100, Touch: 100,
		Location: 100, DeviceSecurity: 100, NetworkSim: 100,
	}, got.RiskScore.Breakdown)
	assert.Equal(t, []string{"Risk assessment failed, session blocked by fail-safe"}, got.RiskScore.Alerts)

	records := f.scores.appended()
	require.Len(t, records, 1, "fail-safe outcome must still be persisted")
	assert.Equal(t, 100, records[0].TotalScore)

	waitForEvent(t, rec, events.EventAssessmentFailSafe)
}

func TestAssessPersistFailureSwallowed(t *testing.T) {
	captureEvents(t)
	f := newFixture(t)
	f.scores.err = errors.New("insert timeout")

	got := f.orch.Assess(context.Background(), assessSession())

	require.NotNil(t, got)
	assert.True(t, got.Success)
	assert.Equal(t, RecommendationAllow, got.RiskScore.Recommendation)
}

func TestHourDistance(t *testing.T) {
	tests := []struct {
		a, b, want int
	}{
		{14, 14, 0},
		{14, 16, 2},
		{23, 1, 2},
		{0, 12, 12},
		{3, 14, 11},
	}
	for _, tt := range tests {
		if got := hourDistance(tt.a, tt.b); got != tt.want {
			t.Errorf("hourDistance(%d, %d) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}
