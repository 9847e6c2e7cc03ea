package memory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentorch/engine/internal/clock"
	"github.com/agentorch/engine/internal/domain"
)

func TestSQLiteStore_RememberRecall(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "memory.db")
	store, err := NewSQLiteStore(SQLiteConfig{Path: dbPath, Embedder: stubEmbedder{dim: 8}, Clock: clock.New()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	rec, err := store.Remember(ctx, "rotate the deploy keys every quarter", domain.MemoryKnowledge, []string{"security"}, []string{"deploy", "keys"}, 0.6, nil)
	require.NoError(t, err)
	require.NotZero(t, rec.ID)

	results, err := store.Recall(ctx, "rotate the deploy keys every quarter", RecallOpts{Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, rec.ID, results[0].Record.ID)
}

func TestSQLiteStore_ForgetRemovesRow(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "memory.db")
	store, err := NewSQLiteStore(SQLiteConfig{Path: dbPath, Embedder: stubEmbedder{dim: 8}, Clock: clock.New()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	rec, err := store.Remember(ctx, "ephemeral note", domain.MemoryContext, nil, nil, 0.1, nil)
	require.NoError(t, err)

	require.NoError(t, store.Forget(ctx, rec.ID))

	_, ok := store.GetByID(ctx, rec.ID)
	require.False(t, ok)
}

func TestNewSQLiteStore_RequiresEmbedder(t *testing.T) {
	_, err := NewSQLiteStore(SQLiteConfig{Path: filepath.Join(t.TempDir(), "memory.db")})
	require.Error(t, err)
}
