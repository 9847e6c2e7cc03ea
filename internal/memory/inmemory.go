// Package memory: InMemoryStore is a process-lifetime-only Store backend,
// adapted from the teacher's InMemoryStore. It keeps the teacher's
// cosineSimilarity/hasAnyTag helpers, keys records by domain.MemoryRecord's
// monotonic IDs, and degrades gracefully (keyword-overlap scoring) when no
// EmbeddingProvider is configured. It keeps no access-time bookkeeping and no
// per-type or per-keyword index; queries scan every record.
package memory

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/agentorch/engine/internal/clock"
	"github.com/agentorch/engine/internal/domain"
)

// InMemoryStore is an in-memory implementation of Store. All data is lost
// when the process exits; it is the backend used when storage.persist_memory
// is false.
type InMemoryStore struct {
	mu       sync.RWMutex
	records  map[uint64]*domain.MemoryRecord
	vectors  map[uint64][]float32
	order    []uint64 // insertion order until evictLocked re-sorts it by (importance, age)
	embedder EmbeddingProvider
	clock    *clock.Clock
	maxSize  int
}

// NewInMemoryStore creates a new in-memory store. embedder may be nil, in
// which case Recall scores purely by keyword/tag overlap. maxSize <= 0 means
// unbounded.
func NewInMemoryStore(embedder EmbeddingProvider, ck *clock.Clock, maxSize int) *InMemoryStore {
	return &InMemoryStore{
		records:  make(map[uint64]*domain.MemoryRecord),
		vectors:  make(map[uint64][]float32),
		embedder: embedder,
		clock:    ck,
		maxSize:  maxSize,
	}
}

func (s *InMemoryStore) Remember(ctx context.Context, content string, typ domain.MemoryType, tags, keywords []string, importance float64, metadata map[string]string) (domain.MemoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := domain.MemoryRecord{
		ID:         s.clock.Next(),
		Content:    content,
		Tags:       tags,
		Type:       typ,
		Keywords:   keywords,
		Importance: importance,
		CreatedAt:  s.clock.Now(),
		Metadata:   metadata,
	}

	if s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, content)
		if err != nil {
			return domain.MemoryRecord{}, err
		}
		s.vectors[rec.ID] = vec
	}

	s.records[rec.ID] = &rec
	s.order = append(s.order, rec.ID)
	s.evictLocked()

	return rec, nil
}

// evictLocked drops the lowest (importance, age) records once maxSize is
// exceeded (SPEC_FULL.md §3 lifecycle note). Caller must hold s.mu.
func (s *InMemoryStore) evictLocked() {
	if s.maxSize <= 0 || len(s.records) <= s.maxSize {
		return
	}
	sort.Slice(s.order, func(i, j int) bool {
		a, b := s.records[s.order[i]], s.records[s.order[j]]
		if a == nil || b == nil {
			return false
		}
		if a.Importance != b.Importance {
			return a.Importance < b.Importance
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	for len(s.records) > s.maxSize {
		id := s.order[0]
		s.order = s.order[1:]
		delete(s.records, id)
		delete(s.vectors, id)
	}
}

func (s *InMemoryStore) Recall(ctx context.Context, query string, opts RecallOpts) ([]Result, error) {
	s.mu.RLock()

	if len(s.records) == 0 {
		s.mu.RUnlock()
		return nil, nil
	}

	var queryVec []float32
	if s.embedder != nil {
		var err error
		queryVec, err = s.embedder.Embed(ctx, query)
		if err != nil {
			s.mu.RUnlock()
			return nil, err
		}
	}
	queryKeywords := tokenize(query)

	var results []Result
	for id, rec := range s.records {
		if opts.Type != "" && rec.Type != opts.Type {
			continue
		}
		if len(opts.Tags) > 0 && !hasAnyTag(rec.Tags, opts.Tags) {
			continue
		}
		if opts.TimeRange != nil && (rec.CreatedAt.Before(opts.TimeRange.Start) || rec.CreatedAt.After(opts.TimeRange.End)) {
			continue
		}

		var score float64
		if queryVec != nil {
			if vec, ok := s.vectors[id]; ok {
				score = cosineSimilarity(queryVec, vec)
			}
		} else {
			score = keywordOverlap(queryKeywords, append(rec.Keywords, tokenize(rec.Content)...))
		}
		if score < opts.MinScore {
			continue
		}

		results = append(results, Result{Record: *rec, Score: score})
	}
	s.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	limit := opts.Limit
	if limit == 0 {
		limit = 10
	}
	if len(results) > limit {
		results = results[:limit]
	}

	return results, nil
}

func (s *InMemoryStore) GetByID(ctx context.Context, id uint64) (domain.MemoryRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return domain.MemoryRecord{}, false
	}
	return *rec, true
}

func (s *InMemoryStore) Forget(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	delete(s.vectors, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *InMemoryStore) Close() error { return nil }

// cosineSimilarity is unchanged from the teacher's implementation.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func hasAnyTag(recTags, filterTags []string) bool {
	set := make(map[string]bool, len(recTags))
	for _, t := range recTags {
		set[t] = true
	}
	for _, t := range filterTags {
		if set[t] {
			return true
		}
	}
	return false
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	return fields
}

func keywordOverlap(query, candidate []string) float64 {
	if len(query) == 0 || len(candidate) == 0 {
		return 0
	}
	set := make(map[string]bool, len(candidate))
	for _, w := range candidate {
		set[w] = true
	}
	matched := 0
	for _, w := range query {
		if set[w] {
			matched++
		}
	}
	return float64(matched) / float64(len(query))
}
