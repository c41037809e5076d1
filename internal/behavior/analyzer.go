package behavior

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Searcher is the similarity lookup the analyzer depends on
type Searcher interface {
	Search(ctx context.Context, modality Modality, userID string, vector []float64) ([]Match, error)
}

const topMatchLimit = 3

// ModalityResult is the similarity outcome for one modality
type ModalityResult struct {
	Success    bool    `json:"success"`
	Similarity float64 `json:"similarity"`
	MatchCount int     `json:"match_count"`
	TopMatches []Match `json:"top_matches,omitempty"`
}

// AnalysisSummary aggregates the per-modality outcomes. Total counts the
// modalities that carried raw data; min/max default to 1/0 when nothing was
// processed, the "no evidence of mismatch" convention.
type AnalysisSummary struct {
	Processed     int     `json:"processed"`
	Failed        int     `json:"failed"`
	Total         int     `json:"total"`
	AvgSimilarity float64 `json:"avg_similarity"`
	MaxSimilarity float64 `json:"max_similarity"`
	MinSimilarity float64 `json:"min_similarity"`
}

// AnalysisResult carries the similarity outcome per modality. A nil modality
// means the session had no data for it.
type AnalysisResult struct {
	Motion  *ModalityResult `json:"motion,omitempty"`
	Typing  *ModalityResult `json:"typing,omitempty"`
	Touch   *ModalityResult `json:"touch,omitempty"`
	Summary AnalysisSummary `json:"summary"`
}

// Analyzer scores a session's behavioral traces against the user's stored
// embeddings
type Analyzer struct {
	encoder Encoder
	index   Searcher
	logger  *zap.Logger
}

// NewAnalyzer creates a new similarity analyzer
func NewAnalyzer(encoder Encoder, index Searcher, logger *zap.Logger) *Analyzer {
	return &Analyzer{
		encoder: encoder,
		index:   index,
		logger:  logger.With(zap.String("component", "similarity_analyzer")),
	}
}

// Analyze runs the three modalities concurrently and independently: a failure
// in one never cancels or fails the others, and the result always comes back
// complete.
func (a *Analyzer) Analyze(ctx context.Context, userID, sessionID string, session *Session) *AnalysisResult {
	log := a.logger.With(
		zap.String("user_id", userID),
		zap.String("session_id", sessionID),
	)

	result := &AnalysisResult{}

	// Each goroutine writes only its own result slot
	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		if feats := ExtractMotionFeatures(session.MotionData); feats != nil {
			result.Motion = a.analyzeModality(ctx, log, ModalityMotion, userID, func(ctx context.Context) (*Embedding, error) {
				return a.encoder.EncodeMotion(ctx, feats)
			})
		}
	}()

	go func() {
		defer wg.Done()
		if keystrokes := ExtractTypingFeatures(session.TypingData); keystrokes != nil {
			result.Typing = a.analyzeModality(ctx, log, ModalityTyping, userID, func(ctx context.Context) (*Embedding, error) {
				return a.encoder.EncodeTyping(ctx, keystrokes)
			})
		}
	}()

	go func() {
		defer wg.Done()
		if strokes := ExtractTouchFeatures(session.TouchData); strokes != nil {
			result.Touch = a.analyzeModality(ctx, log, ModalityGesture, userID, func(ctx context.Context) (*Embedding, error) {
				return a.encoder.EncodeGesture(ctx, strokes)
			})
		}
	}()

	wg.Wait()

	result.Summary = summarize(result)

	log.Debug("Similarity analysis complete",
		zap.Int("total", result.Summary.Total),
		zap.Int("processed", result.Summary.Processed),
		zap.Int("failed", result.Summary.Failed),
		zap.Float64("avg_similarity", result.Summary.AvgSimilarity),
	)
	return result
}

func (a *Analyzer) analyzeModality(ctx context.Context, log *zap.Logger, modality Modality, userID string, encode func(context.Context) (*Embedding, error)) *ModalityResult {
	emb, err := encode(ctx)
	if err != nil {
		log.Warn("Embedding request failed",
			zap.String("modality", string(modality)), zap.Error(err))
		return &ModalityResult{Success: false}
	}

	matches, err := a.index.Search(ctx, modality, userID, emb.Vector)
	if err != nil {
		log.Warn("Similarity lookup failed",
			zap.String("modality", string(modality)), zap.Error(err))
		return &ModalityResult{Success: false}
	}
	if len(matches) == 0 {
		log.Debug("No stored embeddings to compare against",
			zap.String("modality", string(modality)))
		return &ModalityResult{Success: false}
	}

	top := matches
	if len(top) > topMatchLimit {
		top = top[:topMatchLimit]
	}

	return &ModalityResult{
		Success:    true,
		Similarity: matches[0].Score,
		MatchCount: len(matches),
		TopMatches: top,
	}
}

func summarize(r *AnalysisResult) AnalysisSummary {
	s := AnalysisSummary{MinSimilarity: 1}

	var sum float64
	for _, m := range []*ModalityResult{r.Motion, r.Typing, r.Touch} {
		if m == nil {
			continue
		}
		s.Total++
		if !m.Success {
			continue
		}
		s.Processed++
		sum += m.Similarity
		if m.Similarity > s.MaxSimilarity {
			s.MaxSimilarity = m.Similarity
		}
		if m.Similarity < s.MinSimilarity {
			s.MinSimilarity = m.Similarity
		}
	}

	s.Failed = s.Total - s.Processed
	if s.Processed > 0 {
		s.AvgSimilarity = sum / float64(s.Processed)
	}
	return s
}
