package journal

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/trustvector/trustvector/internal/common/events"
	"github.com/trustvector/trustvector/pkg/storage"
)

const testSecret = "journal-test-secret"

func newMemoryJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(storage.NewMemoryLog(), testSecret, zaptest.NewLogger(t))
	require.NoError(t, err)
	return j
}

func newFileJournal(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "decisions.log")
	log, err := storage.NewFileLog(path)
	require.NoError(t, err)
	j, err := Open(log, testSecret, zaptest.NewLogger(t))
	require.NoError(t, err)
	return j, path
}

func reopen(t *testing.T, path, secret string) *Journal {
	t.Helper()
	log, err := storage.NewFileLog(path)
	require.NoError(t, err)
	j, err := Open(log, secret, zaptest.NewLogger(t))
	require.NoError(t, err)
	return j
}

// recordThree journals an allowed, a reviewed and a blocked decision
func recordThree(t *testing.T, j *Journal) {
	t.Helper()
	decisions := []Decision{
		{UserID: "user-1", SessionID: "sess-1", TotalScore: 9, RiskLevel: "LOW", Recommendation: "ALLOW"},
		{UserID: "user-1", SessionID: "sess-2", TotalScore: 45, RiskLevel: "MEDIUM", Recommendation: "REVIEW"},
		{UserID: "user-1", SessionID: "sess-3", TotalScore: 80, RiskLevel: "HIGH", Recommendation: "BLOCK",
			Alerts: []string{"Device fingerprint mismatch detected"}},
	}
	for _, dec := range decisions {
		_, err := j.Record(dec)
		require.NoError(t, err)
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func writeLines(t *testing.T, path string, lines []string) {
	t.Helper()
	content := strings.Join(lines, "\n") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// editLine re-marshals one journal line with a field replaced
func editLine(t *testing.T, line, field string, value interface{}) string {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(line), &m))
	m[field] = value
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	return string(raw)
}

func TestJournalRecordChains(t *testing.T) {
	j := newMemoryJournal(t)
	recordThree(t, j)

	entries, err := j.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Empty(t, entries[0].PreviousChecksum, "first entry anchors the chain")
	assert.Equal(t, entries[0].Checksum, entries[1].PreviousChecksum)
	assert.Equal(t, entries[1].Checksum, entries[2].PreviousChecksum)
	for _, entry := range entries {
		assert.Len(t, entry.Checksum, 64)
		assert.NotEmpty(t, entry.ID)
		assert.False(t, entry.Timestamp.IsZero())
	}

	n, err := j.Verify()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestJournalOpenRequiresSecret(t *testing.T) {
	_, err := Open(storage.NewMemoryLog(), "", zaptest.NewLogger(t))
	require.ErrorContains(t, err, "secret")
}

func TestJournalVerifyEmpty(t *testing.T) {
	j := newMemoryJournal(t)

	n, err := j.Verify()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestJournalTamperScenarios(t *testing.T) {
	tests := []struct {
		name       string
		tamper     func(t *testing.T, lines []string) []string
		wantIndex  int
		wantReason string
	}{
		{
			name: "edited score",
			tamper: func(t *testing.T, lines []string) []string {
				lines[1] = editLine(t, lines[1], "total_score", 5)
				return lines
			},
			wantIndex:  1,
			wantReason: "checksum mismatch",
		},
		{
			name: "edited recommendation",
			tamper: func(t *testing.T, lines []string) []string {
				lines[2] = editLine(t, lines[2], "recommendation", "ALLOW")
				return lines
			},
			wantIndex:  2,
			wantReason: "checksum mismatch",
		},
		{
			name: "deleted entry",
			tamper: func(t *testing.T, lines []string) []string {
				return append(lines[:1], lines[2:]...)
			},
			wantIndex:  1,
			wantReason: "chain linkage broken",
		},
		{
			name: "reordered entries",
			tamper: func(t *testing.T, lines []string) []string {
				lines[1], lines[2] = lines[2], lines[1]
				return lines
			},
			wantIndex:  1,
			wantReason: "chain linkage broken",
		},
		{
			name: "garbage line",
			tamper: func(t *testing.T, lines []string) []string {
				lines[1] = "not json at all"
				return lines
			},
			wantIndex:  1,
			wantReason: "not valid JSON",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j, path := newFileJournal(t)
			recordThree(t, j)

			writeLines(t, path, tt.tamper(t, readLines(t, path)))

			// A fresh process inspecting the tampered file
			n, err := reopen(t, path, testSecret).Verify()
			require.Error(t, err)

			var tamperErr *TamperError
			require.ErrorAs(t, err, &tamperErr)
			assert.Equal(t, tt.wantIndex, tamperErr.Index)
			assert.Contains(t, tamperErr.Reason, tt.wantReason)
			assert.Equal(t, tt.wantIndex, n, "entries before the tampered one still verify")
		})
	}
}

func TestJournalDetectsTrimmedTailWhileOpen(t *testing.T) {
	j, path := newFileJournal(t)
	recordThree(t, j)

	lines := readLines(t, path)
	writeLines(t, path, lines[:2])

	n, err := j.Verify()
	require.Error(t, err)

	var tamperErr *TamperError
	require.ErrorAs(t, err, &tamperErr)
	assert.Contains(t, tamperErr.Reason, "chain tip")
	assert.Equal(t, 2, n)
}

func TestJournalSurvivesRestart(t *testing.T) {
	j, path := newFileJournal(t)
	recordThree(t, j)

	restarted := reopen(t, path, testSecret)
	_, err := restarted.Record(Decision{
		UserID: "user-2", SessionID: "sess-4", TotalScore: 100, RiskLevel: "HIGH", Recommendation: "BLOCK",
		Alerts: []string{"Risk assessment failed, session blocked by fail-safe"},
	})
	require.NoError(t, err)

	entries, err := restarted.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, entries[2].Checksum, entries[3].PreviousChecksum, "chain continues across restarts")

	n, err := restarted.Verify()
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestJournalWrongSecretFailsVerification(t *testing.T) {
	j, path := newFileJournal(t)
	recordThree(t, j)

	n, err := reopen(t, path, "some-other-secret").Verify()
	require.Error(t, err)

	var tamperErr *TamperError
	require.ErrorAs(t, err, &tamperErr)
	assert.Equal(t, 0, tamperErr.Index)
	assert.Zero(t, n)
}

func TestJournalBindEventBus(t *testing.T) {
	j := newMemoryJournal(t)
	bus := events.NewMemoryBus()
	j.BindEventBus(bus)

	ctx := context.Background()

	// In-process event: payload carries native Go types
	blocked := events.NewEvent(events.EventAssessmentBlocked, "risk_orchestrator", map[string]interface{}{
		"session_id":     "sess-1",
		"total_score":    82,
		"risk_level":     "HIGH",
		"recommendation": "BLOCK",
		"alerts":         []string{"VPN or proxy connection detected"},
	}).WithUserID("user-1")
	require.NoError(t, bus.Publish(ctx, blocked))

	// An event that crossed JSON carries float64 scores
	completed := events.NewEvent(events.EventAssessmentCompleted, "risk_orchestrator", map[string]interface{}{
		"session_id":     "sess-2",
		"total_score":    float64(12),
		"risk_level":     "LOW",
		"recommendation": "ALLOW",
	}).WithUserID("user-2")
	require.NoError(t, bus.Publish(ctx, completed))

	// Lifecycle events are not journaled
	require.NoError(t, bus.Publish(ctx, events.NewEvent(events.EventSystemStartup, "main", nil)))

	entries, err := j.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "user-1", entries[0].UserID)
	assert.Equal(t, "sess-1", entries[0].SessionID)
	assert.Equal(t, 82, entries[0].TotalScore)
	assert.Equal(t, "HIGH", entries[0].RiskLevel)
	assert.Equal(t, "BLOCK", entries[0].Recommendation)
	assert.Equal(t, []string{"VPN or proxy connection detected"}, entries[0].Alerts)

	assert.Equal(t, 12, entries[1].TotalScore)
	assert.Equal(t, "ALLOW", entries[1].Recommendation)

	n, err := j.Verify()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
