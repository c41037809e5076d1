// Package journal keeps a tamper-evident record of assessment outcomes.
//
// Entries form a hash chain: each carries an HMAC-SHA256 checksum over its
// own canonical bytes, which include the previous entry's checksum. Editing,
// deleting or reordering journaled decisions breaks verification from that
// point on.
package journal

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trustvector/trustvector/internal/common/events"
	"github.com/trustvector/trustvector/pkg/storage"
)

// Decision is the outcome of one risk assessment
type Decision struct {
	UserID         string
	SessionID      string
	TotalScore     int
	RiskLevel      string
	Recommendation string
	Alerts         []string
}

// Entry is one journaled decision. PreviousChecksum chains it to its
// predecessor; Checksum authenticates every other field.
type Entry struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	UserID           string    `json:"user_id"`
	SessionID        string    `json:"session_id"`
	TotalScore       int       `json:"total_score"`
	RiskLevel        string    `json:"risk_level"`
	Recommendation   string    `json:"recommendation"`
	Alerts           []string  `json:"alerts,omitempty"`
	PreviousChecksum string    `json:"previous_checksum"`
	Checksum         string    `json:"checksum"`
}

// TamperError identifies the first entry that fails verification
type TamperError struct {
	Index  int
	ID     string
	Reason string
}

func (e *TamperError) Error() string {
	return fmt.Sprintf("journal entry %d (%s) failed verification: %s", e.Index, e.ID, e.Reason)
}

// Journal appends decisions to a hash-chained log
type Journal struct {
	mu      sync.Mutex
	log     storage.AppendLog
	secret  []byte
	lastSum string
	logger  *zap.Logger
}

// Open creates a journal over the given log, recovering the chain tip from
// the last stored entry. The secret keys every checksum; a journal opened
// with a different secret fails verification.
func Open(log storage.AppendLog, secret string, logger *zap.Logger) (*Journal, error) {
	if secret == "" {
		return nil, fmt.Errorf("journal secret must not be empty")
	}

	j := &Journal{
		log:    log,
		secret: []byte(secret),
		logger: logger.With(zap.String("component", "decision_journal")),
	}

	records, err := log.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	if len(records) > 0 {
		var last Entry
		if err := json.Unmarshal(records[len(records)-1], &last); err != nil {
			return nil, fmt.Errorf("failed to decode last journal entry: %w", err)
		}
		j.lastSum = last.Checksum
	}

	return j, nil
}

// Record appends a decision to the chain
func (j *Journal) Record(dec Decision) (*Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry := Entry{
		ID:               uuid.New().String(),
		Timestamp:        time.Now().UTC(),
		UserID:           dec.UserID,
		SessionID:        dec.SessionID,
		TotalScore:       dec.TotalScore,
		RiskLevel:        dec.RiskLevel,
		Recommendation:   dec.Recommendation,
		Alerts:           dec.Alerts,
		PreviousChecksum: j.lastSum,
	}
	entry.Checksum = j.checksum(&entry)

	record, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to encode journal entry: %w", err)
	}
	if err := j.log.Append(record); err != nil {
		return nil, fmt.Errorf("failed to append journal entry: %w", err)
	}

	j.lastSum = entry.Checksum

	j.logger.Debug("Decision journaled",
		zap.String("entry_id", entry.ID),
		zap.String("session_id", entry.SessionID),
		zap.String("recommendation", entry.Recommendation),
	)

	return &entry, nil
}

// Entries returns every journaled decision in order
func (j *Journal) Entries() ([]Entry, error) {
	records, err := j.log.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}

	entries := make([]Entry, 0, len(records))
	for i, record := range records {
		var entry Entry
		if err := json.Unmarshal(record, &entry); err != nil {
			return nil, fmt.Errorf("failed to decode journal entry %d: %w", i, err)
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// Verify walks the whole chain and returns the number of valid entries. A
// *TamperError identifies the first entry whose checksum or linkage is
// wrong. Within a running process it also catches a trimmed tail, because
// the stored chain tip must match the one in memory.
func (j *Journal) Verify() (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	records, err := j.log.ReadAll()
	if err != nil {
		return 0, fmt.Errorf("failed to read journal: %w", err)
	}

	prev := ""
	for i, record := range records {
		var entry Entry
		if err := json.Unmarshal(record, &entry); err != nil {
			return i, &TamperError{Index: i, Reason: "entry is not valid JSON"}
		}
		if entry.PreviousChecksum != prev {
			return i, &TamperError{Index: i, ID: entry.ID, Reason: "chain linkage broken"}
		}
		expected := j.checksum(&entry)
		if !hmac.Equal([]byte(expected), []byte(entry.Checksum)) {
			return i, &TamperError{Index: i, ID: entry.ID, Reason: "checksum mismatch"}
		}
		prev = entry.Checksum
	}

	if prev != j.lastSum {
		return len(records), &TamperError{Index: len(records), Reason: "stored chain tip does not match memory"}
	}

	return len(records), nil
}

// BindEventBus journals every assessment outcome published on the bus
func (j *Journal) BindEventBus(bus events.Bus) {
	for _, eventType := range []string{
		events.EventAssessmentCompleted,
		events.EventAssessmentReview,
		events.EventAssessmentBlocked,
		events.EventAssessmentFailSafe,
	} {
		bus.Subscribe(eventType, j.handleOutcome)
	}
}

func (j *Journal) handleOutcome(_ context.Context, event events.Event) error {
	dec := Decision{UserID: event.UserID}
	if v, ok := event.Payload["session_id"].(string); ok {
		dec.SessionID = v
	}
	// In-process events carry ints; events that crossed JSON carry float64
	switch v := event.Payload["total_score"].(type) {
	case int:
		dec.TotalScore = v
	case float64:
		dec.TotalScore = int(v)
	}
	if v, ok := event.Payload["risk_level"].(string); ok {
		dec.RiskLevel = v
	}
	if v, ok := event.Payload["recommendation"].(string); ok {
		dec.Recommendation = v
	}
	if v, ok := event.Payload["alerts"].([]string); ok {
		dec.Alerts = v
	}

	if _, err := j.Record(dec); err != nil {
		j.logger.Error("Failed to journal assessment outcome",
			zap.String("session_id", dec.SessionID),
			zap.Error(err),
		)
		return err
	}

	return nil
}

// checksum computes the HMAC over the entry's canonical bytes: NUL-joined
// fields in declaration order. Alerts are joined with a separator that does
// not occur in alert text.
func (j *Journal) checksum(entry *Entry) string {
	canonical := strings.Join([]string{
		entry.ID,
		entry.Timestamp.UTC().Format(time.RFC3339Nano),
		entry.UserID,
		entry.SessionID,
		strconv.Itoa(entry.TotalScore),
		entry.RiskLevel,
		entry.Recommendation,
		strings.Join(entry.Alerts, "\x1f"),
		entry.PreviousChecksum,
	}, "\x00")

	mac := hmac.New(sha256.New, j.secret)
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}
