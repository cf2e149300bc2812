package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/syncforge/syncforge/internal/storage"
	"github.com/syncforge/syncforge/internal/types"
)

func makeEntry(entityType, entityID string) *types.CacheEntry {
	now := time.Now().UTC()
	return &types.CacheEntry{
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    map[string]any{"status": "draft", "amount": 100.0},
		CreatedAt:  now,
		UpdatedAt:  now,
		AccessedAt: now,
	}
}

func TestCacheEntryRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := makeEntry("invoice", "inv-1")
	entry.Metadata = map[string]any{"source": "import"}
	entry.ServerVersion = "v42"
	synced := time.Now().UTC().Truncate(time.Second)
	entry.LastSynced = &synced
	entry.SyncRequired = true
	entry.AccessCount = 7
	require.NoError(t, store.PutCacheEntry(ctx, entry))

	got, err := store.GetCacheEntry(ctx, "invoice", "inv-1")
	require.NoError(t, err)
	require.Equal(t, entry.Payload, got.Payload)
	require.Equal(t, entry.Metadata, got.Metadata)
	require.Equal(t, "v42", got.ServerVersion)
	require.True(t, got.SyncRequired)
	require.Equal(t, int64(7), got.AccessCount)
	require.NotNil(t, got.LastSynced)
	require.WithinDuration(t, synced, *got.LastSynced, time.Second)
}

func TestGetCacheEntryNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetCacheEntry(context.Background(), "invoice", "nope")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetCacheEntryReturnsTombstone(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := makeEntry("invoice", "inv-1")
	entry.Payload[types.DeletedMarker] = true
	require.NoError(t, store.PutCacheEntry(ctx, entry))

	got, err := store.GetCacheEntry(ctx, "invoice", "inv-1")
	require.NoError(t, err)
	require.True(t, got.IsTombstone())
}

func TestDeleteCacheEntry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.PutCacheEntry(ctx, makeEntry("invoice", "inv-1")))

	require.NoError(t, store.DeleteCacheEntry(ctx, "invoice", "inv-1"))
	_, err := store.GetCacheEntry(ctx, "invoice", "inv-1")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTouchCacheEntry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.PutCacheEntry(ctx, makeEntry("invoice", "inv-1")))

	later := time.Now().UTC().Add(time.Minute)
	require.NoError(t, store.TouchCacheEntry(ctx, "invoice", "inv-1", later))
	require.NoError(t, store.TouchCacheEntry(ctx, "invoice", "inv-1", later))

	got, err := store.GetCacheEntry(ctx, "invoice", "inv-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), got.AccessCount)
	require.WithinDuration(t, later, got.AccessedAt, time.Second)
}

func TestQueryCache(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	draft := makeEntry("invoice", "inv-1")
	approved := makeEntry("invoice", "inv-2")
	approved.Payload["status"] = "approved"
	urgent := makeEntry("invoice", "inv-3")
	urgent.Payload["urgent"] = true
	deleted := makeEntry("invoice", "inv-4")
	deleted.Payload[types.DeletedMarker] = true
	otherType := makeEntry("order", "ord-1")
	for _, e := range []*types.CacheEntry{draft, approved, urgent, deleted, otherType} {
		require.NoError(t, store.PutCacheEntry(ctx, e))
	}

	entries, err := store.QueryCache(ctx, "invoice", map[string]any{"status": "draft"}, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2) // inv-1 and inv-3; tombstoned inv-4 excluded
	require.Equal(t, "inv-1", entries[0].EntityID)
	require.Equal(t, "inv-3", entries[1].EntityID)

	entries, err = store.QueryCache(ctx, "invoice", map[string]any{"status": "draft", "urgent": true}, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "inv-3", entries[0].EntityID)

	entries, err = store.QueryCache(ctx, "invoice", nil, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
}

func TestQueryCacheRejectsHostileFilterKey(t *testing.T) {
	store := newTestStore(t)
	_, err := store.QueryCache(context.Background(), "invoice", map[string]any{"a') OR ('1'='1": 1}, 10)
	require.Error(t, err)
}

func TestCountCacheExcludesTombstones(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	live := makeEntry("invoice", "inv-1")
	dead := makeEntry("invoice", "inv-2")
	dead.Payload[types.DeletedMarker] = true
	require.NoError(t, store.PutCacheEntry(ctx, live))
	require.NoError(t, store.PutCacheEntry(ctx, dead))

	n, err := store.CountCache(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestCountSyncRequired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	dirty := makeEntry("invoice", "inv-1")
	dirty.SyncRequired = true
	clean := makeEntry("invoice", "inv-2")
	require.NoError(t, store.PutCacheEntry(ctx, dirty))
	require.NoError(t, store.PutCacheEntry(ctx, clean))

	n, err := store.CountSyncRequired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestCompactExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	expired := makeEntry("invoice", "inv-1")
	past := now.Add(-time.Hour)
	expired.ExpiresAt = &past
	fresh := makeEntry("invoice", "inv-2")
	future := now.Add(time.Hour)
	fresh.ExpiresAt = &future
	forever := makeEntry("invoice", "inv-3")
	for _, e := range []*types.CacheEntry{expired, fresh, forever} {
		require.NoError(t, store.PutCacheEntry(ctx, e))
	}

	removed, err := store.CompactExpired(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = store.GetCacheEntry(ctx, "invoice", "inv-1")
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetCacheEntry(ctx, "invoice", "inv-2")
	require.NoError(t, err)
}
