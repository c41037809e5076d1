// Package webhooks delivers risk alerts to external consumers over HTTP.
//
// Fraud and operations teams register subscriptions for the event types
// they care about (blocked assessments, compromised devices, SIM swaps).
// Matching bus events are fanned out as signed POST requests with
// at-least-once semantics: deliveries are journaled in Postgres, queued
// through Redis, and retried on an escalating schedule.
package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/trustvector/trustvector/internal/common/config"
	"github.com/trustvector/trustvector/internal/common/database"
	"github.com/trustvector/trustvector/internal/common/events"
	"github.com/trustvector/trustvector/internal/common/middleware"
	"github.com/trustvector/trustvector/internal/common/netutil"
	"github.com/trustvector/trustvector/internal/common/resilience"
)

const deliveryQueue = "webhook:deliveries"

// DeliverableEvents lists the bus event types a subscription may select.
// Internal lifecycle events (system.*) are not deliverable.
var DeliverableEvents = []string{
	events.EventAssessmentCompleted,
	events.EventAssessmentReview,
	events.EventAssessmentBlocked,
	events.EventAssessmentFailSafe,
	events.EventProfileEnrolled,
	events.EventProfileUpdated,
	events.EventVersionMismatch,
	events.EventDeviceCompromised,
	events.EventSimChanged,
	events.EventLocationAnomaly,
	events.EventVPNDetected,
}

// Subscription is a registered webhook endpoint and the event types it
// receives. The signing secret never leaves the server after creation.
type Subscription struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	Events    []string  `json:"events"`
	Status    string    `json:"status"`
	CreatedBy *string   `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Delivery is one attempt journal entry for an event sent to a subscription
type Delivery struct {
	ID             string     `json:"id"`
	SubscriptionID string     `json:"subscription_id"`
	EventType      string     `json:"event_type"`
	Payload        string     `json:"payload"`
	ResponseStatus *int       `json:"response_status,omitempty"`
	ResponseBody   *string    `json:"response_body,omitempty"`
	Attempt        int        `json:"attempt"`
	Status         string     `json:"status"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
}

// InitializeSchema creates the webhook tables if they do not exist
func InitializeSchema(ctx context.Context, db *database.PostgresDB) error {
	_, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS webhook_subscriptions (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			url TEXT NOT NULL,
			secret TEXT NOT NULL,
			events TEXT[] NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			created_by TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create webhook_subscriptions table: %w", err)
	}

	_, err = db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS webhook_deliveries (
			id UUID PRIMARY KEY,
			subscription_id UUID NOT NULL REFERENCES webhook_subscriptions(id) ON DELETE CASCADE,
			event_type TEXT NOT NULL,
			payload JSONB NOT NULL,
			response_status INT,
			response_body TEXT,
			attempt INT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			next_retry_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			delivered_at TIMESTAMPTZ
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create webhook_deliveries table: %w", err)
	}

	_, err = db.Pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_subscription
		ON webhook_deliveries (subscription_id, created_at DESC)
	`)
	if err != nil {
		return fmt.Errorf("failed to create webhook_deliveries index: %w", err)
	}

	_, err = db.Pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_retry
		ON webhook_deliveries (status, next_retry_at)
		WHERE next_retry_at IS NOT NULL
	`)
	if err != nil {
		return fmt.Errorf("failed to create webhook_deliveries retry index: %w", err)
	}

	return nil
}

// Service dispatches risk alerts to subscribed endpoints
type Service struct {
	db         *database.PostgresDB
	redis      *database.RedisClient
	logger     *zap.Logger
	client     *resilience.BreakerClient
	breaker    *resilience.CircuitBreaker
	urlGuard   *netutil.EndpointGuard
	maxRetries int
	retryDelay time.Duration
}

// NewService creates a webhook dispatch service. Timeout, max retries and
// the base retry delay come from cfg; zero values fall back to 10s, 3 and
// one minute.
func NewService(db *database.PostgresDB, redis *database.RedisClient, cfg config.WebhookConfig, logger *zap.Logger) *Service {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Minute
	}

	rawClient := &http.Client{Timeout: timeout}
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "webhook-delivery",
		Threshold:    10,
		ResetTimeout: 30 * time.Second,
		Logger:       logger,
	})

	return &Service{
		db:         db,
		redis:      redis,
		logger:     logger.With(zap.String("component", "webhook_dispatcher")),
		client:     resilience.NewBreakerClient(rawClient, cb),
		breaker:    cb,
		urlGuard:   netutil.DefaultEndpointGuard(),
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

// Breaker exposes the delivery circuit breaker for readiness reporting
func (s *Service) Breaker() *resilience.CircuitBreaker {
	return s.breaker
}

// AllowPrivateEndpoints disables SSRF protection on subscription URLs so
// endpoints on private networks can be registered. Production deployments
// keep the default guard.
func (s *Service) AllowPrivateEndpoints() {
	s.urlGuard = &netutil.EndpointGuard{}
}

// BindEventBus forwards every deliverable bus event to matching
// subscriptions. Call once at startup, after SetGlobalBus.
func (s *Service) BindEventBus(bus events.Bus) {
	for _, eventType := range DeliverableEvents {
		bus.Subscribe(eventType, func(ctx context.Context, event events.Event) error {
			return s.Publish(ctx, event.Type, event)
		})
	}
}

// CreateSubscription registers a webhook endpoint. An empty secret is
// replaced with a generated one; the caller must surface it to the operator
// because it is never returned again.
func (s *Service) CreateSubscription(ctx context.Context, name, url, secret string, eventTypes []string, createdBy string) (*Subscription, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("subscription name is required")
	}
	if err := s.validateEvents(eventTypes); err != nil {
		return nil, err
	}
	if err := s.urlGuard.ValidateURL(url); err != nil {
		return nil, fmt.Errorf("subscription URL rejected: %w", err)
	}
	if secret == "" {
		generated, err := generateSecret()
		if err != nil {
			return nil, fmt.Errorf("failed to generate webhook secret: %w", err)
		}
		secret = generated
	}

	var createdByPtr *string
	if createdBy != "" {
		createdByPtr = &createdBy
	}

	sub := &Subscription{
		ID:        uuid.New().String(),
		Name:      name,
		URL:       url,
		Secret:    secret,
		Events:    eventTypes,
		Status:    "active",
		CreatedBy: createdByPtr,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	query := `INSERT INTO webhook_subscriptions (id, name, url, secret, events, status, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::TEXT[], $6, $7, $8, $9)`

	_, err := s.db.Pool.Exec(ctx, query,
		sub.ID, sub.Name, sub.URL, sub.Secret, sub.Events,
		sub.Status, sub.CreatedBy, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook subscription: %w", err)
	}

	s.logger.Info("webhook subscription created",
		zap.String("id", sub.ID),
		zap.String("name", sub.Name),
		zap.String("url", sub.URL),
		zap.Strings("events", sub.Events),
	)

	return sub, nil
}

// ListSubscriptions returns all subscriptions, newest first
func (s *Service) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	query := `SELECT id, name, url, secret, events, status, created_by, created_at, updated_at
		FROM webhook_subscriptions ORDER BY created_at DESC`

	rows, err := s.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook subscriptions: %w", err)
	}
	defer rows.Close()

	subscriptions := []Subscription{}
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(
			&sub.ID, &sub.Name, &sub.URL, &sub.Secret, &sub.Events,
			&sub.Status, &sub.CreatedBy, &sub.CreatedAt, &sub.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan webhook subscription: %w", err)
		}
		subscriptions = append(subscriptions, sub)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating webhook subscriptions: %w", err)
	}

	return subscriptions, nil
}

// GetSubscription returns a webhook subscription by ID
func (s *Service) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	query := `SELECT id, name, url, secret, events, status, created_by, created_at, updated_at
		FROM webhook_subscriptions WHERE id = $1`

	var sub Subscription
	err := s.db.Pool.QueryRow(ctx, query, id).Scan(
		&sub.ID, &sub.Name, &sub.URL, &sub.Secret, &sub.Events,
		&sub.Status, &sub.CreatedBy, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("webhook subscription not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get webhook subscription: %w", err)
	}

	return &sub, nil
}

// UpdateSubscription updates a subscription's endpoint, event selection and
// status. Status must be "active" or "disabled"; disabled subscriptions stop
// receiving new deliveries but keep their history.
func (s *Service) UpdateSubscription(ctx context.Context, id, name, url string, eventTypes []string, status string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("subscription name is required")
	}
	if err := s.validateEvents(eventTypes); err != nil {
		return err
	}
	if err := s.urlGuard.ValidateURL(url); err != nil {
		return fmt.Errorf("subscription URL rejected: %w", err)
	}
	if status != "active" && status != "disabled" {
		return fmt.Errorf("invalid subscription status: %s", status)
	}

	query := `UPDATE webhook_subscriptions SET name = $2, url = $3, events = $4::TEXT[], status = $5, updated_at = $6
		WHERE id = $1`

	result, err := s.db.Pool.Exec(ctx, query, id, name, url, eventTypes, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update webhook subscription: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("webhook subscription not found: %s", id)
	}

	s.logger.Info("webhook subscription updated",
		zap.String("id", id),
		zap.String("name", name),
		zap.String("status", status),
	)

	return nil
}

// DeleteSubscription deletes a subscription and its delivery history
func (s *Service) DeleteSubscription(ctx context.Context, id string) error {
	query := `DELETE FROM webhook_subscriptions WHERE id = $1`

	result, err := s.db.Pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete webhook subscription: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("webhook subscription not found: %s", id)
	}

	s.logger.Info("webhook subscription deleted", zap.String("id", id))

	return nil
}

// Publish journals the event for every active subscription that selected its
// type and queues the deliveries for the worker.
func (s *Service) Publish(ctx context.Context, eventType string, payload interface{}) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	query := `SELECT id FROM webhook_subscriptions
		WHERE status = 'active' AND $1 = ANY(events)`

	rows, err := s.db.Pool.Query(ctx, query, eventType)
	if err != nil {
		return fmt.Errorf("failed to query matching subscriptions: %w", err)
	}
	defer rows.Close()

	var deliveryIDs []string
	for rows.Next() {
		var subID string
		if err := rows.Scan(&subID); err != nil {
			return fmt.Errorf("failed to scan subscription: %w", err)
		}

		deliveryID := uuid.New().String()
		insertQuery := `INSERT INTO webhook_deliveries (id, subscription_id, event_type, payload, attempt, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`

		_, err := s.db.Pool.Exec(ctx, insertQuery,
			deliveryID, subID, eventType, string(payloadJSON), 0, "pending", time.Now().UTC(),
		)
		if err != nil {
			s.logger.Error("failed to create webhook delivery",
				zap.String("subscription_id", subID),
				zap.Error(err),
			)
			continue
		}

		deliveryIDs = append(deliveryIDs, deliveryID)
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating subscriptions: %w", err)
	}

	for _, id := range deliveryIDs {
		if err := s.redis.Client.LPush(ctx, deliveryQueue, id).Err(); err != nil {
			s.logger.Error("failed to push delivery to Redis",
				zap.String("delivery_id", id),
				zap.Error(err),
			)
		}
	}

	if len(deliveryIDs) > 0 {
		s.logger.Info("webhook event published",
			zap.String("event_type", eventType),
			zap.Int("delivery_count", len(deliveryIDs)),
		)
	}

	return nil
}

// ProcessDeliveries continuously drains the delivery queue. Run in a
// goroutine; cancel the context to stop.
func (s *Service) ProcessDeliveries(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stopping webhook delivery processor")
			return
		default:
		}

		result, err := s.redis.Client.BRPop(ctx, 5*time.Second, deliveryQueue).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Timeout is expected when no deliveries are pending
			continue
		}

		if len(result) < 2 {
			continue
		}

		deliveryID := result[1]
		if err := s.deliverWebhook(ctx, deliveryID); err != nil {
			s.logger.Error("failed to deliver webhook",
				zap.String("delivery_id", deliveryID),
				zap.Error(err),
			)
		}
	}
}

// deliverWebhook sends a single delivery attempt. The receiver authenticates
// the payload with the X-TrustVector-Signature header, an HMAC-SHA256 of the
// body keyed with the subscription secret.
func (s *Service) deliverWebhook(ctx context.Context, deliveryID string) error {
	query := `SELECT d.id, d.subscription_id, d.event_type, d.payload, d.attempt, d.status,
			sub.url, sub.secret
		FROM webhook_deliveries d
		JOIN webhook_subscriptions sub ON d.subscription_id = sub.id
		WHERE d.id = $1`

	var (
		id, subscriptionID, eventType, payload, status string
		attempt                                        int
		subURL, subSecret                              string
	)

	err := s.db.Pool.QueryRow(ctx, query, deliveryID).Scan(
		&id, &subscriptionID, &eventType, &payload, &attempt, &status,
		&subURL, &subSecret,
	)
	if err != nil {
		return fmt.Errorf("failed to query delivery: %w", err)
	}

	// A queue entry can outlive its delivery when an operator retries by hand
	if status == "delivered" {
		return nil
	}

	body := []byte(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, subURL, strings.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	signature := computeSignature(subSecret, body)

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-TrustVector-Delivery", deliveryID)
	req.Header.Set("X-TrustVector-Event", eventType)
	req.Header.Set("X-TrustVector-Timestamp", timestamp)
	req.Header.Set("X-TrustVector-Signature", signature)

	resp, err := s.client.Do(req)
	if err != nil {
		s.scheduleRetry(ctx, deliveryID, attempt, nil, err.Error())
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	respBodyBytes, _ := io.ReadAll(resp.Body)
	respBodyStr := string(respBodyBytes)
	if len(respBodyStr) > 1000 {
		respBodyStr = respBodyStr[:1000]
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		updateQuery := `UPDATE webhook_deliveries
			SET status = 'delivered', response_status = $2, response_body = $3, delivered_at = $4, attempt = attempt + 1
			WHERE id = $1`
		now := time.Now().UTC()
		_, err := s.db.Pool.Exec(ctx, updateQuery, deliveryID, resp.StatusCode, respBodyStr, now)
		if err != nil {
			return fmt.Errorf("failed to update delivery status: %w", err)
		}

		middleware.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
		s.logger.Info("webhook delivered",
			zap.String("delivery_id", deliveryID),
			zap.Int("status_code", resp.StatusCode),
		)
	} else {
		s.scheduleRetry(ctx, deliveryID, attempt, &resp.StatusCode, respBodyStr)
	}

	return nil
}

// scheduleRetry records a failed attempt. The delivery stays pending with a
// next_retry_at in the future; ProcessRetries re-queues it when due. After
// maxRetries attempts it is marked failed for good.
func (s *Service) scheduleRetry(ctx context.Context, deliveryID string, attempt int, responseStatus *int, responseBody string) {
	nextAttempt := attempt + 1

	if len(responseBody) > 1000 {
		responseBody = responseBody[:1000]
	}

	if nextAttempt > s.maxRetries {
		updateQuery := `UPDATE webhook_deliveries
			SET status = 'failed', response_status = $2, response_body = $3, attempt = $4
			WHERE id = $1`
		_, err := s.db.Pool.Exec(ctx, updateQuery, deliveryID, responseStatus, responseBody, nextAttempt)
		if err != nil {
			s.logger.Error("failed to mark delivery as failed",
				zap.String("delivery_id", deliveryID),
				zap.Error(err),
			)
		}
		middleware.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		s.logger.Warn("webhook delivery failed after max retries",
			zap.String("delivery_id", deliveryID),
			zap.Int("attempts", nextAttempt),
		)
		return
	}

	nextRetryAt := time.Now().UTC().Add(s.retryBackoff(nextAttempt))

	updateQuery := `UPDATE webhook_deliveries
		SET status = 'pending', response_status = $2, response_body = $3, attempt = $4, next_retry_at = $5
		WHERE id = $1`

	_, err := s.db.Pool.Exec(ctx, updateQuery, deliveryID, responseStatus, responseBody, nextAttempt, nextRetryAt)
	if err != nil {
		s.logger.Error("failed to schedule webhook retry",
			zap.String("delivery_id", deliveryID),
			zap.Error(err),
		)
		return
	}

	middleware.WebhookDeliveriesTotal.WithLabelValues("retried").Inc()
	s.logger.Info("webhook delivery retry scheduled",
		zap.String("delivery_id", deliveryID),
		zap.Int("attempt", nextAttempt),
		zap.Time("next_retry_at", nextRetryAt),
	)
}

// retryBackoff escalates from the base delay: 1x, then 5x, then 30x for
// every attempt after that. The default base of one minute gives 1m/5m/30m.
func (s *Service) retryBackoff(attempt int) time.Duration {
	switch {
	case attempt <= 1:
		return s.retryDelay
	case attempt == 2:
		return 5 * s.retryDelay
	default:
		return 30 * s.retryDelay
	}
}

// computeSignature computes an HMAC-SHA256 signature for the webhook payload
func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// generateSecret returns a 64 character hex signing secret
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func (s *Service) validateEvents(eventTypes []string) error {
	if len(eventTypes) == 0 {
		return fmt.Errorf("at least one event type is required")
	}
	for _, eventType := range eventTypes {
		known := false
		for _, deliverable := range DeliverableEvents {
			if eventType == deliverable {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("unknown event type: %s", eventType)
		}
	}
	return nil
}

// GetDeliveryHistory returns a subscription's recent deliveries, newest
// first. Limit defaults to 20 and is capped at 100.
func (s *Service) GetDeliveryHistory(ctx context.Context, subscriptionID string, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	query := `SELECT id, subscription_id, event_type, payload, response_status, response_body,
			attempt, status, next_retry_at, created_at, delivered_at
		FROM webhook_deliveries
		WHERE subscription_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.db.Pool.Query(ctx, query, subscriptionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery history: %w", err)
	}
	defer rows.Close()

	deliveries := []Delivery{}
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(
			&d.ID, &d.SubscriptionID, &d.EventType, &d.Payload, &d.ResponseStatus, &d.ResponseBody,
			&d.Attempt, &d.Status, &d.NextRetryAt, &d.CreatedAt, &d.DeliveredAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		deliveries = append(deliveries, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deliveries: %w", err)
	}

	return deliveries, nil
}

// RetryDelivery re-queues a delivery immediately, resetting its retry
// schedule. Used by operators to replay a failed delivery.
func (s *Service) RetryDelivery(ctx context.Context, deliveryID string) error {
	query := `UPDATE webhook_deliveries SET status = 'pending', next_retry_at = NULL WHERE id = $1`

	result, err := s.db.Pool.Exec(ctx, query, deliveryID)
	if err != nil {
		return fmt.Errorf("failed to reset delivery: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("webhook delivery not found: %s", deliveryID)
	}

	if err := s.redis.Client.LPush(ctx, deliveryQueue, deliveryID).Err(); err != nil {
		return fmt.Errorf("failed to queue delivery: %w", err)
	}

	s.logger.Info("webhook delivery re-queued", zap.String("delivery_id", deliveryID))

	return nil
}

// ProcessRetries re-queues pending deliveries whose retry time has passed.
// Run in a goroutine; cancel the context to stop.
func (s *Service) ProcessRetries(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stopping webhook retry processor")
			return
		case <-ticker.C:
			if err := s.processRetryBatch(ctx); err != nil {
				s.logger.Error("failed to process webhook retries", zap.Error(err))
			}
		}
	}
}

// processRetryBatch claims due deliveries by clearing next_retry_at, so a
// slow queue does not collect duplicate entries on every tick.
func (s *Service) processRetryBatch(ctx context.Context) error {
	query := `UPDATE webhook_deliveries
		SET next_retry_at = NULL
		WHERE status = 'pending' AND next_retry_at IS NOT NULL AND next_retry_at <= NOW()
		RETURNING id`

	rows, err := s.db.Pool.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to claim due retries: %w", err)
	}
	defer rows.Close()

	var deliveryIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("failed to scan due retry: %w", err)
		}
		deliveryIDs = append(deliveryIDs, id)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating due retries: %w", err)
	}

	for _, id := range deliveryIDs {
		if err := s.redis.Client.LPush(ctx, deliveryQueue, id).Err(); err != nil {
			s.logger.Error("failed to re-queue delivery",
				zap.String("delivery_id", id),
				zap.Error(err),
			)
		}
	}

	if len(deliveryIDs) > 0 {
		s.logger.Debug("re-queued due webhook retries", zap.Int("count", len(deliveryIDs)))
	}

	return nil
}
