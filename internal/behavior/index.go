package behavior

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/trustvector/trustvector/internal/common/database"
	"github.com/trustvector/trustvector/internal/common/middleware"
)

const (
	embeddingDims = 256
	topK          = 10
	numCandidates = 100
)

// Index mapping shared by the three modality indices. Scores from cosine
// similarity land in [0,1] already; Search clamps regardless.
var embeddingMapping = fmt.Sprintf(`{
	"mappings": {
		"properties": {
			"embedding": {"type": "dense_vector", "dims": %d, "index": true, "similarity": "cosine"},
			"user_id": {"type": "keyword"},
			"session_id": {"type": "keyword"},
			"timestamp": {"type": "date"},
			"modality": {"type": "keyword"}
		}
	}
}`, embeddingDims)

// Match is one similarity hit from the vector index
type Match struct {
	Score     float64   `json:"score"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// EmbeddingIndex stores and queries behavioral embeddings in Elasticsearch,
// one index per modality.
type EmbeddingIndex struct {
	es     *database.ElasticsearchClient
	logger *zap.Logger
}

// NewEmbeddingIndex creates a new embedding index adapter
func NewEmbeddingIndex(es *database.ElasticsearchClient, logger *zap.Logger) *EmbeddingIndex {
	return &EmbeddingIndex{
		es:     es,
		logger: logger.With(zap.String("component", "embedding_index")),
	}
}

// EnsureIndices creates the per-modality indices if they do not exist
func (x *EmbeddingIndex) EnsureIndices(ctx context.Context) error {
	for _, m := range []Modality{ModalityMotion, ModalityGesture, ModalityTyping} {
		if err := x.es.EnsureIndex(ctx, m.IndexName(), embeddingMapping); err != nil {
			return fmt.Errorf("failed to ensure index %s: %w", m.IndexName(), err)
		}
	}
	return nil
}

type embeddingDoc struct {
	Embedding []float64 `json:"embedding"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Modality  Modality  `json:"modality"`
}

// knnResponse is the slice of the search response the index consumes.
type knnResponse struct {
	Hits struct {
		Hits []struct {
			Score  float64         `json:"_score"`
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Index writes one embedding with its metadata. The document ID is derived
// from (user, session, modality) so re-enrolling a session overwrites rather
// than duplicates.
func (x *EmbeddingIndex) Index(ctx context.Context, modality Modality, userID, sessionID string, capturedAt time.Time, embedding []float64) error {
	body, err := json.Marshal(embeddingDoc{
		Embedding: embedding,
		UserID:    userID,
		SessionID: sessionID,
		Timestamp: capturedAt.UTC(),
		Modality:  modality,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal embedding document: %w", err)
	}

	docID := fmt.Sprintf("%s:%s:%s", userID, sessionID, modality)
	if err := x.es.Index(ctx, modality.IndexName(), docID, body); err != nil {
		return fmt.Errorf("failed to index %s embedding: %w", modality, err)
	}

	x.logger.Debug("Embedding indexed",
		zap.String("modality", string(modality)),
		zap.String("user_id", userID),
		zap.String("session_id", sessionID),
	)
	return nil
}

// Search returns the nearest stored embeddings for the same user, best first
func (x *EmbeddingIndex) Search(ctx context.Context, modality Modality, userID string, vector []float64) ([]Match, error) {
	query := map[string]any{
		"knn": map[string]any{
			"field":          "embedding",
			"query_vector":   vector,
			"k":              topK,
			"num_candidates": numCandidates,
			"filter": map[string]any{
				"term": map[string]any{"user_id": userID},
			},
		},
		"size":    topK,
		"_source": []string{"session_id", "timestamp"},
	}
	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal similarity query: %w", err)
	}

	timer := prometheus.NewTimer(middleware.SimilarityQueryDuration.WithLabelValues(string(modality)))
	defer timer.ObserveDuration()

	raw, err := x.es.Search(ctx, modality.IndexName(), bytes.NewReader(body))
	if err != nil {
		middleware.SimilarityQueriesTotal.WithLabelValues(string(modality), "error").Inc()
		return nil, fmt.Errorf("similarity query failed: %w", err)
	}

	var resp knnResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		middleware.SimilarityQueriesTotal.WithLabelValues(string(modality), "error").Inc()
		return nil, fmt.Errorf("failed to parse similarity response: %w", err)
	}

	matches := make([]Match, 0, len(resp.Hits.Hits))
	for _, hit := range resp.Hits.Hits {
		var src struct {
			SessionID string    `json:"session_id"`
			Timestamp time.Time `json:"timestamp"`
		}
		if err := json.Unmarshal(hit.Source, &src); err != nil {
			x.logger.Warn("Skipping malformed similarity hit", zap.Error(err))
			continue
		}
		matches = append(matches, Match{
			Score:     clamp01(hit.Score),
			SessionID: src.SessionID,
			Timestamp: src.Timestamp,
		})
	}

	middleware.SimilarityQueriesTotal.WithLabelValues(string(modality), "success").Inc()
	return matches, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
