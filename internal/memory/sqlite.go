// Package memory: SQLiteStore is the persistent vector-similarity Memory
// store backend, adapted from the teacher's SQLiteStore. It keeps the
// teacher's sqlite-vec wiring (schema, vec0 virtual table, L2-distance to
// similarity normalization) and drops the teacher's key-value table and
// ConsolidateSession, which have no analog in the Store interface.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/agentorch/engine/internal/clock"
	"github.com/agentorch/engine/internal/domain"
)

func init() {
	sqlite_vec.Auto()
}

// SQLiteStore implements Store using SQLite with sqlite-vec for vector
// similarity search. It requires a non-nil EmbeddingProvider.
type SQLiteStore struct {
	db        *sql.DB
	embedder  EmbeddingProvider
	clock     *clock.Clock
	dimension int
}

// SQLiteConfig configures the SQLite memory store.
type SQLiteConfig struct {
	Path     string
	Embedder EmbeddingProvider
	Clock    *clock.Clock
}

// NewSQLiteStore opens (or creates) a sqlite-vec backed memory store.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("sqlite memory store requires an embedding provider")
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ck := cfg.Clock
	if ck == nil {
		ck = clock.New()
	}

	store := &SQLiteStore{
		db:        db,
		embedder:  cfg.Embedder,
		clock:     ck,
		dimension: cfg.Embedder.Dimension(),
	}

	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	var vecVersion string
	if err := s.db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		return fmt.Errorf("sqlite-vec not loaded: %w", err)
	}

	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS memories (
		id INTEGER PRIMARY KEY,
		content TEXT NOT NULL,
		type TEXT NOT NULL,
		importance REAL DEFAULT 0.5,
		tags TEXT,
		keywords TEXT,
		metadata TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE VIRTUAL TABLE IF NOT EXISTS memory_vectors USING vec0(
		id INTEGER PRIMARY KEY,
		embedding FLOAT[%d]
	);

	CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(type);
	CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at);
	`, s.dimension)

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Remember(ctx context.Context, content string, typ domain.MemoryType, tags, keywords []string, importance float64, metadata map[string]string) (domain.MemoryRecord, error) {
	embedding, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return domain.MemoryRecord{}, fmt.Errorf("generate embedding: %w", err)
	}
	if len(embedding) == 0 {
		return domain.MemoryRecord{}, fmt.Errorf("empty embedding returned")
	}

	rec := domain.MemoryRecord{
		ID:         s.clock.Next(),
		Content:    content,
		Type:       typ,
		Tags:       tags,
		Keywords:   keywords,
		Importance: importance,
		CreatedAt:  s.clock.Now(),
		Metadata:   metadata,
	}

	tagsJSON, _ := json.Marshal(tags)
	keywordsJSON, _ := json.Marshal(keywords)
	metadataJSON, _ := json.Marshal(metadata)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.MemoryRecord{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memories (id, content, type, importance, tags, keywords, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, content, string(typ), importance, string(tagsJSON), string(keywordsJSON), string(metadataJSON), rec.CreatedAt)
	if err != nil {
		return domain.MemoryRecord{}, fmt.Errorf("insert memory: %w", err)
	}

	blob, err := sqlite_vec.SerializeFloat32(embedding)
	if err != nil {
		return domain.MemoryRecord{}, fmt.Errorf("serialize embedding: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO memory_vectors (id, embedding) VALUES (?, ?)`, rec.ID, blob)
	if err != nil {
		return domain.MemoryRecord{}, fmt.Errorf("insert embedding: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.MemoryRecord{}, err
	}
	return rec, nil
}

func (s *SQLiteStore) Recall(ctx context.Context, query string, opts RecallOpts) ([]Result, error) {
	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("generate query embedding: %w", err)
	}
	if len(embedding) == 0 {
		return nil, fmt.Errorf("empty query embedding")
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	blob, err := sqlite_vec.SerializeFloat32(embedding)
	if err != nil {
		return nil, fmt.Errorf("serialize query embedding: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.content, m.type, m.importance, m.tags, m.keywords, m.metadata, m.created_at, v.distance
		FROM memory_vectors v
		JOIN memories m ON v.id = m.id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, blob, limit*3)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var rec domain.MemoryRecord
		var typ string
		var tagsJSON, keywordsJSON, metadataJSON sql.NullString
		var distance float64

		if err := rows.Scan(&rec.ID, &rec.Content, &typ, &rec.Importance, &tagsJSON, &keywordsJSON, &metadataJSON, &rec.CreatedAt, &distance); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		rec.Type = domain.MemoryType(typ)
		if tagsJSON.Valid {
			json.Unmarshal([]byte(tagsJSON.String), &rec.Tags)
		}
		if keywordsJSON.Valid {
			json.Unmarshal([]byte(keywordsJSON.String), &rec.Keywords)
		}
		if metadataJSON.Valid {
			json.Unmarshal([]byte(metadataJSON.String), &rec.Metadata)
		}

		if distance < 0 {
			distance = 0
		}
		score := 1.0 / (1.0 + distance)

		if opts.MinScore > 0 && score < opts.MinScore {
			continue
		}
		if opts.Type != "" && rec.Type != opts.Type {
			continue
		}
		if len(opts.Tags) > 0 && !hasAnyTag(rec.Tags, opts.Tags) {
			continue
		}
		if opts.TimeRange != nil && (rec.CreatedAt.Before(opts.TimeRange.Start) || rec.CreatedAt.After(opts.TimeRange.End)) {
			continue
		}

		results = append(results, Result{Record: rec, Score: score})
		if len(results) >= limit {
			break
		}
	}

	return results, nil
}

func (s *SQLiteStore) GetByID(ctx context.Context, id uint64) (domain.MemoryRecord, bool) {
	var rec domain.MemoryRecord
	var typ string
	var tagsJSON, keywordsJSON, metadataJSON sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, content, type, importance, tags, keywords, metadata, created_at FROM memories WHERE id = ?
	`, id).Scan(&rec.ID, &rec.Content, &typ, &rec.Importance, &tagsJSON, &keywordsJSON, &metadataJSON, &rec.CreatedAt)
	if err != nil {
		return domain.MemoryRecord{}, false
	}
	rec.Type = domain.MemoryType(typ)
	if tagsJSON.Valid {
		json.Unmarshal([]byte(tagsJSON.String), &rec.Tags)
	}
	if keywordsJSON.Valid {
		json.Unmarshal([]byte(keywordsJSON.String), &rec.Keywords)
	}
	if metadataJSON.Valid {
		json.Unmarshal([]byte(metadataJSON.String), &rec.Metadata)
	}
	return rec, true
}

func (s *SQLiteStore) Forget(ctx context.Context, id uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM memory_vectors WHERE id = ?", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM memories WHERE id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
