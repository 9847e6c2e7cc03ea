package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentorch/engine/internal/clock"
	"github.com/agentorch/engine/internal/domain"
)

func TestBleveStore_RememberAndRecall(t *testing.T) {
	store, err := NewBleveStore(BleveStoreConfig{BasePath: t.TempDir(), Clock: clock.New()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	_, err = store.Remember(ctx, "the deploy pipeline retries three times before paging oncall", domain.MemoryKnowledge, []string{"deploy"}, []string{"pipeline", "retry"}, 0.7, nil)
	require.NoError(t, err)

	results, err := store.Recall(ctx, "deploy pipeline retry", RecallOpts{Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, results)
}

func TestBleveStore_ForgetRemovesFromIndex(t *testing.T) {
	store, err := NewBleveStore(BleveStoreConfig{BasePath: t.TempDir(), Clock: clock.New()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	rec, err := store.Remember(ctx, "a note worth forgetting", domain.MemoryContext, nil, nil, 0.2, nil)
	require.NoError(t, err)

	require.NoError(t, store.Forget(ctx, rec.ID))

	_, ok := store.GetByID(ctx, rec.ID)
	require.False(t, ok)
}

func TestBleveStore_GetByIDRoundTrips(t *testing.T) {
	store, err := NewBleveStore(BleveStoreConfig{BasePath: t.TempDir(), Clock: clock.New()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	rec, err := store.Remember(ctx, "roundtrip content", domain.MemoryGoal, []string{"roundtrip"}, nil, 0.4, nil)
	require.NoError(t, err)

	got, ok := store.GetByID(ctx, rec.ID)
	require.True(t, ok)
	require.Equal(t, "roundtrip content", got.Content)
}
