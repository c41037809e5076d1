package risk

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/trustvector/trustvector/internal/behavior"
	"github.com/trustvector/trustvector/internal/common/errors"
	"github.com/trustvector/trustvector/internal/common/logger"
	"github.com/trustvector/trustvector/internal/common/validation"
)

// ScoreHistory reads persisted assessments for a user, newest first.
type ScoreHistory interface {
	GetRecent(ctx context.Context, userID string, limit int) ([]Record, error)
}

// Handler is the HTTP surface of the risk service: assessment, enrollment,
// score history and profile lookups.
type Handler struct {
	orchestrator *Orchestrator
	enroller     *behavior.Enroller
	profiles     ProfileReader
	scores       ScoreHistory
	audit        *logger.AuditLogger
}

// NewHandler creates the HTTP handler
func NewHandler(orchestrator *Orchestrator, enroller *behavior.Enroller, profiles ProfileReader, scores ScoreHistory, log *zap.Logger) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		enroller:     enroller,
		profiles:     profiles,
		scores:       scores,
		audit:        logger.NewAuditLogger(log),
	}
}

// RegisterRoutes mounts the API under /api/v1. Auth middleware applies to
// every route here; health, readiness and metrics are registered by the
// entry point outside this group.
func RegisterRoutes(router *gin.Engine, h *Handler, authMiddleware ...gin.HandlerFunc) {
	api := router.Group("/api/v1")
	if len(authMiddleware) > 0 {
		api.Use(authMiddleware...)
	}

	riskGroup := api.Group("/risk")
	{
		riskGroup.POST("/assess", h.handleAssess)
		riskGroup.GET("/scores/:userId", h.handleScores)
		riskGroup.GET("/profile/:userId", h.handleProfile)
	}

	behaviorGroup := api.Group("/behavior")
	{
		behaviorGroup.POST("/enroll", h.handleEnroll)
	}
}

// handleAssess scores one session. The response is always a complete
// assessment: a request that parses and identifies the user and session
// never gets an error status, whatever happens downstream.
func (h *Handler) handleAssess(c *gin.Context) {
	session, ok := h.bindSession(c)
	if !ok {
		return
	}

	assessment := h.orchestrator.Assess(c.Request.Context(), session)

	score := assessment.RiskScore
	h.audit.LogAssessment(session.UserID, session.SessionID,
		score.RiskLevel.String(), score.Recommendation.String(), score.TotalScore)
	if assessment.Factors.Device.AppVersionMismatch {
		appVersion := ""
		if session.Device != nil {
			appVersion = session.Device.AppVersion
		}
		h.audit.LogVersionRejected(session.UserID, session.SessionID, appVersion)
	}

	c.JSON(http.StatusOK, assessment)
}

// handleEnroll ingests one session as ground truth. Per-modality failures
// are reported inside the result; only a failed profile merge is an error.
func (h *Handler) handleEnroll(c *gin.Context) {
	session, ok := h.bindSession(c)
	if !ok {
		return
	}

	result, err := h.enroller.Enroll(c.Request.Context(), session)
	if err != nil {
		errors.HandleError(c, errors.DatabaseError("merge behavior profile", err))
		return
	}

	indexed, failed := 0, 0
	for _, m := range result.Modalities {
		switch m.Status {
		case behavior.OutcomeIndexed:
			indexed++
		case behavior.OutcomeFailed:
			failed++
		}
	}
	h.audit.LogEnrollment(result.UserID, result.SessionID, indexed, failed)

	c.JSON(http.StatusOK, result)
}

// handleScores returns the user's most recent assessments, newest first.
func (h *Handler) handleScores(c *gin.Context) {
	userID := c.Param("userId")
	if err := validation.ValidateIdentifier("user_id", userID); err != nil {
		errors.HandleError(c, errors.ValidationError(err.Error()))
		return
	}

	limit := defaultScoreLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			errors.HandleError(c, errors.ValidationError("limit must be an integer"))
			return
		}
		if err := validation.ValidateRange("limit", n, 1, maxScoreLimit); err != nil {
			errors.HandleError(c, errors.ValidationError(err.Error()))
			return
		}
		limit = n
	}

	records, err := h.scores.GetRecent(c.Request.Context(), userID, limit)
	if err != nil {
		errors.HandleError(c, errors.DatabaseError("load risk scores", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id": userID,
		"count":   len(records),
		"scores":  records,
	})
}

// handleProfile returns the operator-facing summary of a user's behavioral
// profile.
func (h *Handler) handleProfile(c *gin.Context) {
	userID := c.Param("userId")
	if err := validation.ValidateIdentifier("user_id", userID); err != nil {
		errors.HandleError(c, errors.ValidationError(err.Error()))
		return
	}

	prof, err := h.profiles.Get(c.Request.Context(), userID)
	if err != nil {
		errors.HandleError(c, errors.DatabaseError("load behavior profile", err))
		return
	}
	if prof == nil {
		errors.HandleError(c, errors.ProfileNotFound(userID))
		return
	}
	c.JSON(http.StatusOK, prof.Summarize())
}

// bindSession parses and validates the session payload shared by assess and
// enroll. On failure it writes the 400 response and returns ok=false.
func (h *Handler) bindSession(c *gin.Context) (*behavior.Session, bool) {
	var session behavior.Session
	if err := c.ShouldBindJSON(&session); err != nil {
		errors.HandleError(c, errors.BadRequest("invalid session payload: "+err.Error()))
		return nil, false
	}

	checks := []func() error{
		func() error { return validation.ValidateIdentifier("user_id", session.UserID) },
		func() error { return validation.ValidateIdentifier("session_id", session.SessionID) },
	}
	// Zero means the client did not stamp the session; CapturedAt falls back
	// to the server clock.
	if session.Timestamp != 0 {
		checks = append(checks, func() error {
			return validation.ValidateEpochMillis("timestamp", session.Timestamp)
		})
	}
	if session.Location != nil {
		checks = append(checks,
			func() error { return validation.ValidateLatitude("location.latitude", session.Location.Latitude) },
			func() error { return validation.ValidateLongitude("location.longitude", session.Location.Longitude) },
		)
	}
	if err := validation.ValidateAll(checks...); err != nil {
		errors.HandleError(c, errors.ValidationError(err.Error()))
		return nil, false
	}
	return &session, true
}
