// Package logger provides structured logging utilities for the TrustVector risk service
package logger

import (
	"time"

	"go.uber.org/zap"
)

// AuditEvent represents an audit log event for a risk decision or profile change
type AuditEvent struct {
	EventType string                 `json:"event_type"`
	UserID    string                 `json:"user_id"`
	SessionID string                 `json:"session_id,omitempty"`
	Action    string                 `json:"action"`
	Status    string                 `json:"status"` // success, failure, blocked
	Reason    string                 `json:"reason,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// AuditLogger provides audit logging functionality
type AuditLogger struct {
	logger *zap.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *zap.Logger) *AuditLogger {
	return &AuditLogger{
		logger: logger.With(zap.String("log_type", "audit")),
	}
}

// Log logs an audit event
func (a *AuditLogger) Log(event *AuditEvent) {
	fields := []zap.Field{
		zap.String("event_type", event.EventType),
		zap.String("user_id", event.UserID),
		zap.String("action", event.Action),
		zap.String("status", event.Status),
		zap.Time("timestamp", event.Timestamp),
	}

	if event.SessionID != "" {
		fields = append(fields, zap.String("session_id", event.SessionID))
	}

	if event.Reason != "" {
		fields = append(fields, zap.String("reason", event.Reason))
	}

	if len(event.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", event.Metadata))
	}

	switch event.Status {
	case "failure", "error":
		a.logger.Error("Audit event", fields...)
	case "blocked", "denied":
		a.logger.Warn("Audit event", fields...)
	default:
		a.logger.Info("Audit event", fields...)
	}
}

// LogAssessment logs a completed risk assessment
func (a *AuditLogger) LogAssessment(userID, sessionID, riskLevel, recommendation string, totalScore int) {
	status := "success"
	if recommendation == "BLOCK" {
		status = "blocked"
	}
	a.Log(&AuditEvent{
		EventType: "risk.assessment",
		UserID:    userID,
		SessionID: sessionID,
		Action:    "assess",
		Status:    status,
		Metadata: map[string]interface{}{
			"risk_level":     riskLevel,
			"recommendation": recommendation,
			"total_score":    totalScore,
		},
		Timestamp: time.Now(),
	})
}

// LogEnrollment logs a behavioral enrollment submission
func (a *AuditLogger) LogEnrollment(userID, sessionID string, indexed, failed int) {
	status := "success"
	if indexed == 0 && failed > 0 {
		status = "failure"
	}
	a.Log(&AuditEvent{
		EventType: "behavior.enrollment",
		UserID:    userID,
		SessionID: sessionID,
		Action:    "enroll",
		Status:    status,
		Metadata: map[string]interface{}{
			"modalities_indexed": indexed,
			"modalities_failed":  failed,
		},
		Timestamp: time.Now(),
	})
}

// LogVersionRejected logs a session blocked by the app-version override
func (a *AuditLogger) LogVersionRejected(userID, sessionID, appVersion string) {
	a.Log(&AuditEvent{
		EventType: "risk.version_rejected",
		UserID:    userID,
		SessionID: sessionID,
		Action:    "assess",
		Status:    "blocked",
		Reason:    "app version not in registry",
		Metadata: map[string]interface{}{
			"app_version": appVersion,
		},
		Timestamp: time.Now(),
	})
}
