package webhooks

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/trustvector/trustvector/internal/common/errors"
	"github.com/trustvector/trustvector/internal/common/validation"
)

// Handler exposes webhook subscription management over HTTP
type Handler struct {
	service *Service
	logger  *zap.Logger
}

// NewHandler creates a webhook management handler
func NewHandler(service *Service, logger *zap.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger.With(zap.String("component", "webhook_handler")),
	}
}

// RegisterRoutes registers webhook management endpoints on the router
func RegisterRoutes(router *gin.Engine, h *Handler, authMiddleware ...gin.HandlerFunc) {
	api := router.Group("/api/v1")
	api.Use(authMiddleware...)

	hooks := api.Group("/webhooks")
	{
		hooks.POST("", h.handleCreate)
		hooks.GET("", h.handleList)
		hooks.GET("/:id", h.handleGet)
		hooks.PUT("/:id", h.handleUpdate)
		hooks.DELETE("/:id", h.handleDelete)
		hooks.GET("/:id/deliveries", h.handleDeliveries)
		hooks.POST("/deliveries/:id/retry", h.handleRetryDelivery)
	}
}

type subscriptionRequest struct {
	Name   string   `json:"name"`
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Events []string `json:"events"`
	Status string   `json:"status"`
}

func (h *Handler) handleCreate(c *gin.Context) {
	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.HandleError(c, errors.BadRequest("invalid subscription payload: "+err.Error()))
		return
	}

	callerID, _ := c.Get("caller_id")
	createdBy, _ := callerID.(string)

	sub, err := h.service.CreateSubscription(c.Request.Context(), req.Name, req.URL, req.Secret, req.Events, createdBy)
	if err != nil {
		errors.HandleError(c, mapServiceError(err))
		return
	}

	// The signing secret appears only in this response
	c.JSON(http.StatusCreated, gin.H{
		"subscription": sub,
		"secret":       sub.Secret,
	})
}

func (h *Handler) handleList(c *gin.Context) {
	subs, err := h.service.ListSubscriptions(c.Request.Context())
	if err != nil {
		errors.HandleError(c, errors.DatabaseError("list webhook subscriptions", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"count":    len(subs),
		"webhooks": subs,
	})
}

// pathUUID validates the :id route parameter before it reaches a query.
// Subscription and delivery ids are always UUIDs, so anything else is caller
// input worth a 400 rather than a database round trip.
func pathUUID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if err := validation.ValidateUUID("id", id); err != nil {
		errors.HandleError(c, errors.ValidationError(err.Error()))
		return "", false
	}
	return id, true
}

func (h *Handler) handleGet(c *gin.Context) {
	id, ok := pathUUID(c)
	if !ok {
		return
	}

	sub, err := h.service.GetSubscription(c.Request.Context(), id)
	if err != nil {
		errors.HandleError(c, mapServiceError(err))
		return
	}

	c.JSON(http.StatusOK, sub)
}

func (h *Handler) handleUpdate(c *gin.Context) {
	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.HandleError(c, errors.BadRequest("invalid subscription payload: "+err.Error()))
		return
	}
	if req.Status == "" {
		req.Status = "active"
	}

	id, ok := pathUUID(c)
	if !ok {
		return
	}

	if err := h.service.UpdateSubscription(c.Request.Context(), id, req.Name, req.URL, req.Events, req.Status); err != nil {
		errors.HandleError(c, mapServiceError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "webhook subscription updated"})
}

func (h *Handler) handleDelete(c *gin.Context) {
	id, ok := pathUUID(c)
	if !ok {
		return
	}

	if err := h.service.DeleteSubscription(c.Request.Context(), id); err != nil {
		errors.HandleError(c, mapServiceError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "webhook subscription deleted"})
}

func (h *Handler) handleDeliveries(c *gin.Context) {
	id, ok := pathUUID(c)
	if !ok {
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			errors.HandleError(c, errors.ValidationError("limit must be an integer"))
			return
		}
		limit = parsed
	}

	deliveries, err := h.service.GetDeliveryHistory(c.Request.Context(), id, limit)
	if err != nil {
		errors.HandleError(c, errors.DatabaseError("load delivery history", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"count":      len(deliveries),
		"deliveries": deliveries,
	})
}

func (h *Handler) handleRetryDelivery(c *gin.Context) {
	id, ok := pathUUID(c)
	if !ok {
		return
	}

	if err := h.service.RetryDelivery(c.Request.Context(), id); err != nil {
		errors.HandleError(c, mapServiceError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "delivery re-queued"})
}

// mapServiceError sorts service failures into API errors: lookups that found
// nothing are 404s, storage failures are 500s, everything else was caller
// input rejected before touching the database.
func mapServiceError(err error) *errors.AppError {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "not found"):
		return errors.NotFound("webhook subscription")
	case strings.HasPrefix(msg, "failed to"):
		return errors.DatabaseError("manage webhook subscription", err)
	default:
		return errors.ValidationError(msg)
	}
}
