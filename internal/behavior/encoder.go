package behavior

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/trustvector/trustvector/internal/common/config"
	"github.com/trustvector/trustvector/internal/common/middleware"
	"github.com/trustvector/trustvector/internal/common/resilience"
)

// Embedding is one encoded behavioral vector
type Embedding struct {
	Vector    []float64
	Size      int
	ModelType string
}

// Encoder produces embeddings for canonical behavioral features
type Encoder interface {
	EncodeMotion(ctx context.Context, samples [][]float64) (*Embedding, error)
	EncodeGesture(ctx context.Context, points [][]float64) (*Embedding, error)
	EncodeTyping(ctx context.Context, keystrokes []Keystroke) (*Embedding, error)
}

// EncoderClient calls the external encoding service. Requests run through a
// circuit breaker so a struggling model server degrades assessments instead
// of stalling them.
type EncoderClient struct {
	baseURL string
	http    *resilience.BreakerClient
	breaker *resilience.CircuitBreaker
	logger  *zap.Logger
}

// NewEncoderClient creates a client for the encoding service
func NewEncoderClient(cfg config.EncoderConfig, logger *zap.Logger) *EncoderClient {
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "encoder",
		Threshold:    cfg.BreakerThreshold,
		ResetTimeout: cfg.BreakerReset,
		Logger:       logger,
	})

	return &EncoderClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    resilience.NewBreakerClient(&http.Client{Timeout: cfg.Timeout}, cb),
		breaker: cb,
		logger:  logger.With(zap.String("component", "encoder_client")),
	}
}

// Breaker exposes the client's circuit breaker for readiness reporting
func (c *EncoderClient) Breaker() *resilience.CircuitBreaker {
	return c.breaker
}

// EncodeMotion requests an embedding for canonical motion samples
func (c *EncoderClient) EncodeMotion(ctx context.Context, samples [][]float64) (*Embedding, error) {
	return c.encode(ctx, ModalityMotion, map[string]any{"samples": samples})
}

// EncodeGesture requests an embedding for canonical touch strokes
func (c *EncoderClient) EncodeGesture(ctx context.Context, points [][]float64) (*Embedding, error) {
	return c.encode(ctx, ModalityGesture, map[string]any{"points": points})
}

// EncodeTyping requests an embedding for canonical keystrokes
func (c *EncoderClient) EncodeTyping(ctx context.Context, keystrokes []Keystroke) (*Embedding, error) {
	return c.encode(ctx, ModalityTyping, map[string]any{"keystrokes": keystrokes})
}

type encodeResponse struct {
	Embedding []float64 `json:"embedding"`
	Size      int       `json:"embedding_size"`
	ModelType string    `json:"model_type"`
	Timestamp string    `json:"timestamp"`
}

func (c *EncoderClient) encode(ctx context.Context, modality Modality, payload any) (*Embedding, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", modality, err)
	}

	timer := prometheus.NewTimer(middleware.EncoderRequestDuration.WithLabelValues(string(modality)))
	defer timer.ObserveDuration()

	url := c.baseURL + "/encode/" + string(modality)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		middleware.EncoderRequestsTotal.WithLabelValues(string(modality), "error").Inc()
		return nil, fmt.Errorf("failed to build encoder request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		middleware.EncoderRequestsTotal.WithLabelValues(string(modality), "error").Inc()
		return nil, fmt.Errorf("encoder request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		middleware.EncoderRequestsTotal.WithLabelValues(string(modality), "error").Inc()
		return nil, fmt.Errorf("encoder returned %d for %s: %s", resp.StatusCode, modality, string(snippet))
	}

	var out encodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		middleware.EncoderRequestsTotal.WithLabelValues(string(modality), "error").Inc()
		return nil, fmt.Errorf("failed to decode encoder response: %w", err)
	}
	if len(out.Embedding) == 0 {
		middleware.EncoderRequestsTotal.WithLabelValues(string(modality), "error").Inc()
		return nil, fmt.Errorf("encoder returned empty embedding for %s", modality)
	}

	size := out.Size
	if size == 0 {
		size = len(out.Embedding)
	}

	middleware.EncoderRequestsTotal.WithLabelValues(string(modality), "success").Inc()
	c.logger.Debug("Embedding received",
		zap.String("modality", string(modality)),
		zap.Int("size", size),
		zap.String("model_type", out.ModelType),
	)

	return &Embedding{
		Vector:    SanitizeEmbedding(out.Embedding),
		Size:      size,
		ModelType: out.ModelType,
	}, nil
}

// SanitizeEmbedding replaces non-finite values a model can emit with bounded
// stand-ins: NaN becomes 0, +Inf becomes 1, -Inf becomes -1.
func SanitizeEmbedding(vec []float64) []float64 {
	out := make([]float64, len(vec))
	for i, v := range vec {
		switch {
		case math.IsNaN(v):
			out[i] = 0
		case math.IsInf(v, 1):
			out[i] = 1
		case math.IsInf(v, -1):
			out[i] = -1
		default:
			out[i] = v
		}
	}
	return out
}
