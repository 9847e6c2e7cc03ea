// Package memory implements the Memory store (SPEC_FULL.md §3, §6.5): an
// append-only, monotonically-ID'd journal of MemoryRecords, queryable by tag
// intersection, keyword overlap, type, and (when an embedding provider is
// configured) vector similarity. The Store interface and RecallOpts shape
// are grounded directly on the teacher's own memory.Store / RecallOpts,
// generalized from the teacher's free-form Memory struct to the spec's
// typed, keyword/tag-indexed MemoryRecord.
package memory

import (
	"context"
	"time"

	"github.com/agentorch/engine/internal/domain"
)

// TimeRange bounds a Recall query by CreatedAt.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// RecallOpts narrows a Recall query beyond similarity alone.
type RecallOpts struct {
	Limit     int
	MinScore  float64
	Tags      []string
	Type      domain.MemoryType
	Keywords  []string
	TimeRange *TimeRange
}

// Result pairs a MemoryRecord with the query-relative score that ranked it.
type Result struct {
	Record domain.MemoryRecord
	Score  float64
}

// EmbeddingProvider turns text into a fixed-dimension vector, for backends
// that support similarity recall. A nil EmbeddingProvider degrades Recall to
// keyword/tag overlap scoring only.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Store is the Memory store contract every backend (in-memory, bleve,
// sqlite-vec) implements identically, so the Worker pool and Feedback module
// never need to know which backend is active.
type Store interface {
	// Remember appends a new MemoryRecord and returns it with its assigned
	// monotonic ID.
	Remember(ctx context.Context, content string, typ domain.MemoryType, tags, keywords []string, importance float64, metadata map[string]string) (domain.MemoryRecord, error)

	// Recall returns records ranked by relevance to query, most relevant
	// first, subject to opts.
	Recall(ctx context.Context, query string, opts RecallOpts) ([]Result, error)

	// GetByID returns the record with the given ID, or ok=false if absent.
	GetByID(ctx context.Context, id uint64) (domain.MemoryRecord, bool)

	// Forget removes a record by ID.
	Forget(ctx context.Context, id uint64) error

	// Close releases any backend resources (file handles, index segments).
	Close() error
}
