// Package feedback implements the Feedback/Learning component (SPEC_FULL.md
// §4.8): it keeps a bounded execution history, mints and updates
// LearningPatterns from recurring outcomes, and serves recommendations for a
// given context. The moving-average success-rate update, the confidence
// nudge thresholds (0.8/0.3), and the eviction/cap rule are ported directly
// from original_source's feedback.py (`update_patterns`,
// `_update_existing_patterns`, `get_recommendations`), adapted from its flat
// Python list to a mutex-guarded Go slice per SPEC_FULL.md §9's "indexing
// would be premature at ≤100 patterns" design note.
package feedback

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentorch/engine/internal/clock"
	"github.com/agentorch/engine/internal/domain"
)

const (
	defaultMinConfidence    = 0.3
	defaultMatchThreshold   = 0.7
	defaultMaxPatterns      = 100
	defaultLearningRate     = 0.1
	defaultHistoryCap       = 1000
	minSimilarForNewPattern = 2
)

// Config tunes the Store's thresholds; zero values fall back to the defaults
// above.
type Config struct {
	MinConfidenceThreshold float64
	PatternMatchThreshold  float64
	MaxPatterns            int
	LearningRate           float64
	HistoryCap             int
	Clock                  *clock.Clock
}

// historyEntry pairs an outcome with when it was recorded, for the rolling
// 7-day recompute window.
type historyEntry struct {
	outcome    domain.ExecutionRecord
	recordedAt time.Time
}

// Store holds execution history and derived LearningPatterns.
type Store struct {
	mu       sync.Mutex
	history  []historyEntry
	patterns []domain.LearningPattern
	cfg      Config
	clock    *clock.Clock
}

func New(cfg Config) *Store {
	if cfg.MinConfidenceThreshold == 0 {
		cfg.MinConfidenceThreshold = defaultMinConfidence
	}
	if cfg.PatternMatchThreshold == 0 {
		cfg.PatternMatchThreshold = defaultMatchThreshold
	}
	if cfg.MaxPatterns == 0 {
		cfg.MaxPatterns = defaultMaxPatterns
	}
	if cfg.LearningRate == 0 {
		cfg.LearningRate = defaultLearningRate
	}
	if cfg.HistoryCap == 0 {
		cfg.HistoryCap = defaultHistoryCap
	}
	ck := cfg.Clock
	if ck == nil {
		ck = clock.New()
	}
	return &Store{cfg: cfg, clock: ck}
}

// Record appends outcome to history (bounded FIFO), updates a matching
// pattern's usage/success-rate moving average, or mints a new pattern once
// at least two similar outcomes exist in the window (SPEC_FULL.md §4.8).
func (s *Store) Record(ctx context.Context, outcome domain.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, historyEntry{outcome: outcome, recordedAt: s.clock.Now()})
	if len(s.history) > s.cfg.HistoryCap {
		s.history = s.history[len(s.history)-s.cfg.HistoryCap:]
	}

	key := patternKey(outcome)
	if p := s.findPatternLocked(key); p != nil {
		n := float64(p.UsageCount)
		success := 0.0
		if outcome.Success {
			success = 1.0
		}
		p.SuccessRate = (p.SuccessRate*n + success) / (n + 1)
		p.UsageCount++
		return nil
	}

	similar := s.countSimilarLocked(key)
	if similar >= minSimilarForNewPattern {
		successRate := 0.0
		if outcome.Success {
			successRate = 1.0
		}
		s.patterns = append(s.patterns, domain.LearningPattern{
			ID:          uuid.NewString(),
			Kind:        patternKindFor(outcome),
			Confidence:  0.6,
			Description: fmt.Sprintf("%s subtasks tend to %s", outcome.Role, outcomeWord(outcome)),
			Conditions:  map[string]string{"role": string(outcome.Role)},
			Outcomes:    map[string]string{"success": fmt.Sprint(outcome.Success)},
			UsageCount:  similar,
			SuccessRate: successRate,
		})
	}
	return nil
}

// UpdatePatterns recomputes success_rate over the last rolling 7 days,
// adjusts confidence, evicts low-confidence patterns, and caps the set by
// confidence*success_rate (SPEC_FULL.md §4.8).
func (s *Store) UpdatePatterns(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clock.Now().Add(-7 * 24 * time.Hour)
	recent := make([]historyEntry, 0, len(s.history))
	for _, h := range s.history {
		if h.recordedAt.After(cutoff) {
			recent = append(recent, h)
		}
	}

	for i := range s.patterns {
		p := &s.patterns[i]
		successes, total := 0, 0
		for _, h := range recent {
			if patternKey(h.outcome) != patternKeyForPattern(p) {
				continue
			}
			total++
			if h.outcome.Success {
				successes++
			}
		}
		if total > 0 {
			p.SuccessRate = float64(successes) / float64(total)
		}
		switch {
		case p.SuccessRate > 0.8:
			p.Confidence = minFloat(1.0, p.Confidence+s.cfg.LearningRate)
		case p.SuccessRate < 0.3:
			p.Confidence = maxFloat(0.1, p.Confidence-s.cfg.LearningRate)
		}
	}

	kept := s.patterns[:0]
	for _, p := range s.patterns {
		if p.Confidence >= s.cfg.MinConfidenceThreshold {
			kept = append(kept, p)
		}
	}
	s.patterns = kept

	sort.Slice(s.patterns, func(i, j int) bool {
		return s.patterns[i].Confidence*s.patterns[i].SuccessRate > s.patterns[j].Confidence*s.patterns[j].SuccessRate
	})
	if len(s.patterns) > s.cfg.MaxPatterns {
		s.patterns = s.patterns[:s.cfg.MaxPatterns]
	}
	return nil
}

// GetRecommendations matches ctxValues against each pattern's Conditions by
// exact key equality and returns up to three patterns scoring above
// PatternMatchThreshold, sorted by confidence*success_rate (SPEC_FULL.md §4.8).
func (s *Store) GetRecommendations(ctx context.Context, ctxValues map[string]string) ([]domain.LearningPattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type scored struct {
		pattern domain.LearningPattern
		score   float64
	}
	var candidates []scored
	for _, p := range s.patterns {
		if len(p.Conditions) == 0 {
			continue
		}
		matched := 0
		for k, v := range p.Conditions {
			if ctxValues[k] == v {
				matched++
			}
		}
		score := float64(matched) / float64(len(p.Conditions))
		if score >= s.cfg.PatternMatchThreshold {
			candidates = append(candidates, scored{pattern: p, score: score})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].pattern.Confidence*candidates[i].pattern.SuccessRate > candidates[j].pattern.Confidence*candidates[j].pattern.SuccessRate
	})

	limit := 3
	if len(candidates) < limit {
		limit = len(candidates)
	}
	out := make([]domain.LearningPattern, limit)
	for i := 0; i < limit; i++ {
		out[i] = candidates[i].pattern
	}
	return out, nil
}

func (s *Store) findPatternLocked(key string) *domain.LearningPattern {
	for i := range s.patterns {
		if patternKeyForPattern(&s.patterns[i]) == key {
			return &s.patterns[i]
		}
	}
	return nil
}

func (s *Store) countSimilarLocked(key string) int {
	n := 0
	for _, h := range s.history {
		if patternKey(h.outcome) == key {
			n++
		}
	}
	return n
}

func patternKey(outcome domain.ExecutionRecord) string {
	return string(outcome.Role)
}

func patternKeyForPattern(p *domain.LearningPattern) string {
	return p.Conditions["role"]
}

func patternKindFor(outcome domain.ExecutionRecord) domain.PatternKind {
	if outcome.Success {
		return domain.PatternSuccess
	}
	return domain.PatternFailure
}

func outcomeWord(outcome domain.ExecutionRecord) string {
	if outcome.Success {
		return "succeed"
	}
	return "fail"
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
