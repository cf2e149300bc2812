package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/syncforge/syncforge/internal/storage"
	"github.com/syncforge/syncforge/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(context.Background(), filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func makeOp(id string, status types.OpStatus) *types.Operation {
	return &types.Operation{
		ID:         id,
		EntityType: "invoice",
		EntityID:   "inv-1",
		Kind:       types.KindCreate,
		Payload:    map[string]any{"amount": 100.5, "customer": "acme"},
		CreatedAt:  time.Now().UTC(),
		Status:     status,
		Priority:   types.PriorityNormal,
		MaxRetries: 3,
	}
}

func TestOperationRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	executedAt := time.Now().UTC().Truncate(time.Second)
	op := makeOp("op-1", types.StatusCompleted)
	op.UserID = "user-7"
	op.SessionID = "sess-1"
	op.DeviceID = "dev-1"
	op.ExecutedAt = &executedAt
	op.Strategy = types.StrategyMerge
	op.DependsOn = []string{"op-a", "op-b"}
	op.RulesEvaluated = []string{"rule-1"}
	op.PreviousPayload = map[string]any{"amount": 50.0}
	op.RequiresSync = true
	require.NoError(t, store.PutOperation(ctx, op))

	got, err := store.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	require.Equal(t, op.EntityType, got.EntityType)
	require.Equal(t, op.EntityID, got.EntityID)
	require.Equal(t, types.KindCreate, got.Kind)
	require.Equal(t, types.StatusCompleted, got.Status)
	require.Equal(t, "user-7", got.UserID)
	require.Equal(t, types.StrategyMerge, got.Strategy)
	require.Equal(t, []string{"op-a", "op-b"}, got.DependsOn)
	require.Equal(t, []string{"rule-1"}, got.RulesEvaluated)
	require.Equal(t, map[string]any{"amount": 100.5, "customer": "acme"}, got.Payload)
	require.Equal(t, map[string]any{"amount": 50.0}, got.PreviousPayload)
	require.True(t, got.RequiresSync)
	require.NotNil(t, got.ExecutedAt)
	require.WithinDuration(t, executedAt, *got.ExecutedAt, time.Second)
}

func TestGetOperationNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetOperation(context.Background(), "nope")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPutOperationReplacesDependencyEdges(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	op := makeOp("op-1", types.StatusPending)
	op.DependsOn = []string{"dep-1", "dep-2"}
	require.NoError(t, store.PutOperation(ctx, op))

	op.DependsOn = []string{"dep-3"}
	require.NoError(t, store.PutOperation(ctx, op))

	got, err := store.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	require.Equal(t, []string{"dep-3"}, got.DependsOn)
}

func TestUpdateOperation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.PutOperation(ctx, makeOp("op-1", types.StatusPending)))

	now := time.Now().UTC()
	err := store.UpdateOperation(ctx, "op-1", map[string]any{
		"status":        types.StatusCompleted,
		"executed_at":   now,
		"retry_count":   2,
		"error_message": "transient",
	})
	require.NoError(t, err)

	got, err := store.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, got.Status)
	require.Equal(t, 2, got.RetryCount)
	require.Equal(t, "transient", got.ErrorMessage)
	require.NotNil(t, got.ExecutedAt)
}

func TestUpdateOperationRejectsUnknownColumn(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.PutOperation(ctx, makeOp("op-1", types.StatusPending)))

	err := store.UpdateOperation(ctx, "op-1", map[string]any{"created_at": time.Now()})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown operation column")
}

func TestUpdateOperationNotFound(t *testing.T) {
	store := newTestStore(t)
	err := store.UpdateOperation(context.Background(), "nope", map[string]any{"status": types.StatusFailed})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestClaimOperation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.PutOperation(ctx, makeOp("op-1", types.StatusPending)))

	require.NoError(t, store.ClaimOperation(ctx, "op-1", "worker-1", now))

	got, err := store.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	require.Equal(t, types.StatusExecuting, got.Status)
	require.Equal(t, "worker-1", got.ClaimedBy)

	// Second claim loses.
	err = store.ClaimOperation(ctx, "op-1", "worker-2", now)
	require.ErrorIs(t, err, storage.ErrIllegalState)

	err = store.ClaimOperation(ctx, "missing", "worker-1", now)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestClaimOperationHonorsNotBefore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	op := makeOp("op-1", types.StatusPending)
	deferred := now.Add(time.Hour)
	op.NotBefore = &deferred
	require.NoError(t, store.PutOperation(ctx, op))

	err := store.ClaimOperation(ctx, "op-1", "worker-1", now)
	require.ErrorIs(t, err, storage.ErrIllegalState)

	require.NoError(t, store.ClaimOperation(ctx, "op-1", "worker-1", now.Add(2*time.Hour)))
}

func TestRecoverExecuting(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.PutOperation(ctx, makeOp("op-1", types.StatusPending)))
	require.NoError(t, store.PutOperation(ctx, makeOp("op-2", types.StatusCompleted)))
	require.NoError(t, store.ClaimOperation(ctx, "op-1", "worker-1", now))

	recovered, err := store.RecoverExecuting(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, recovered)

	got, err := store.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	require.Equal(t, types.StatusPending, got.Status)
	require.Empty(t, got.ClaimedBy)

	// Other statuses are untouched and a clean queue recovers nothing.
	got, err = store.GetOperation(ctx, "op-2")
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, got.Status)

	recovered, err = store.RecoverExecuting(ctx)
	require.NoError(t, err)
	require.Zero(t, recovered)

	// The recovered operation is claimable again.
	require.NoError(t, store.ClaimOperation(ctx, "op-1", "worker-2", now))
}

func TestCancelOperation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.PutOperation(ctx, makeOp("op-1", types.StatusPending)))

	require.NoError(t, store.CancelOperation(ctx, "op-1"))
	got, err := store.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	require.Equal(t, types.StatusCancelled, got.Status)

	// Cancelling again is an illegal transition, not a no-op.
	require.ErrorIs(t, store.CancelOperation(ctx, "op-1"), storage.ErrIllegalState)

	require.NoError(t, store.PutOperation(ctx, makeOp("op-2", types.StatusExecuting)))
	require.ErrorIs(t, store.CancelOperation(ctx, "op-2"), storage.ErrIllegalState)

	require.ErrorIs(t, store.CancelOperation(ctx, "missing"), storage.ErrNotFound)
}

func TestListPendingOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	low := makeOp("op-low", types.StatusPending)
	low.Priority = types.PriorityLow
	low.CreatedAt = base

	critical := makeOp("op-critical", types.StatusPending)
	critical.Priority = types.PriorityCritical
	critical.CreatedAt = base.Add(2 * time.Second)

	normalOld := makeOp("op-normal-old", types.StatusPending)
	normalOld.CreatedAt = base.Add(time.Second)

	normalNew := makeOp("op-normal-new", types.StatusPending)
	normalNew.CreatedAt = base.Add(3 * time.Second)

	invalid := makeOp("op-invalid", types.StatusPending)
	invalid.ValidationErrors = []string{"missing required field: amount"}

	for _, op := range []*types.Operation{low, critical, normalOld, normalNew, invalid} {
		require.NoError(t, store.PutOperation(ctx, op))
	}

	ops, err := store.ListPending(ctx, types.PendingFilter{})
	require.NoError(t, err)
	ids := make([]string, 0, len(ops))
	for _, op := range ops {
		ids = append(ids, op.ID)
	}
	require.Equal(t, []string{"op-critical", "op-normal-old", "op-normal-new", "op-low"}, ids)
}

func TestListPendingFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := makeOp("op-a", types.StatusPending)
	a.EntityType = "invoice"
	a.UserID = "alice"
	b := makeOp("op-b", types.StatusPending)
	b.EntityType = "order"
	b.UserID = "bob"
	b.CreatedAt = a.CreatedAt.Add(time.Second)
	for _, op := range []*types.Operation{a, b} {
		require.NoError(t, store.PutOperation(ctx, op))
	}

	ops, err := store.ListPending(ctx, types.PendingFilter{EntityType: "order"})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, "op-b", ops[0].ID)

	ops, err = store.ListPending(ctx, types.PendingFilter{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, "op-a", ops[0].ID)
}

func TestListReadyDependencyGating(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	parent := makeOp("op-parent", types.StatusPending)
	child := makeOp("op-child", types.StatusPending)
	child.CreatedAt = parent.CreatedAt.Add(time.Second)
	child.DependsOn = []string{"op-parent"}
	require.NoError(t, store.PutOperation(ctx, parent))
	require.NoError(t, store.PutOperation(ctx, child))

	ready, err := store.ListReady(ctx, now.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, "op-parent", ready[0].ID)

	require.NoError(t, store.UpdateOperation(ctx, "op-parent", map[string]any{"status": types.StatusCompleted}))

	ready, err = store.ListReady(ctx, now.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, "op-child", ready[0].ID)
}

func TestListReadySyncedDependencySatisfies(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	dep := makeOp("op-dep", types.StatusSynced)
	child := makeOp("op-child", types.StatusPending)
	child.DependsOn = []string{"op-dep"}
	require.NoError(t, store.PutOperation(ctx, dep))
	require.NoError(t, store.PutOperation(ctx, child))

	ready, err := store.ListReady(ctx, time.Now().UTC().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, "op-child", ready[0].ID)
}

func TestListReadyMissingDependencyBlocks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	orphan := makeOp("op-orphan", types.StatusPending)
	orphan.DependsOn = []string{"never-created"}
	require.NoError(t, store.PutOperation(ctx, orphan))

	ready, err := store.ListReady(ctx, time.Now().UTC().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, ready)
}

func TestListReadyNotBeforeDeferral(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	op := makeOp("op-1", types.StatusPending)
	deferred := now.Add(time.Minute)
	op.NotBefore = &deferred
	require.NoError(t, store.PutOperation(ctx, op))

	ready, err := store.ListReady(ctx, now, 10)
	require.NoError(t, err)
	require.Empty(t, ready)

	ready, err = store.ListReady(ctx, now.Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
}

func TestListCompletedUnsynced(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	second := makeOp("op-second", types.StatusCompleted)
	t2 := base.Add(2 * time.Second)
	second.ExecutedAt = &t2

	first := makeOp("op-first", types.StatusCompleted)
	t1 := base.Add(time.Second)
	first.ExecutedAt = &t1

	dead := makeOp("op-dead", types.StatusCompleted)
	dead.ExecutedAt = &base
	dead.DeadLetter = true

	pending := makeOp("op-pending", types.StatusPending)

	for _, op := range []*types.Operation{second, first, dead, pending} {
		require.NoError(t, store.PutOperation(ctx, op))
	}

	ops, err := store.ListCompletedUnsynced(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	require.Equal(t, "op-first", ops[0].ID)
	require.Equal(t, "op-second", ops[1].ID)
}

func TestListByEntity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	a := makeOp("op-a", types.StatusPending)
	a.CreatedAt = base
	b := makeOp("op-b", types.StatusCompleted)
	b.CreatedAt = base.Add(time.Second)
	other := makeOp("op-other", types.StatusPending)
	other.EntityID = "inv-2"
	for _, op := range []*types.Operation{a, b, other} {
		require.NoError(t, store.PutOperation(ctx, op))
	}

	ops, err := store.ListByEntity(ctx, "invoice", "inv-1", types.StatusPending, types.StatusCompleted)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	require.Equal(t, "op-a", ops[0].ID)
	require.Equal(t, "op-b", ops[1].ID)

	ops, err = store.ListByEntity(ctx, "invoice", "inv-1", types.StatusCompleted)
	require.NoError(t, err)
	require.Len(t, ops, 1)
}

func TestCountByStatusAndUnsynced(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutOperation(ctx, makeOp("op-1", types.StatusPending)))
	require.NoError(t, store.PutOperation(ctx, makeOp("op-2", types.StatusCompleted)))
	require.NoError(t, store.PutOperation(ctx, makeOp("op-3", types.StatusCompleted)))

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[types.StatusPending])
	require.Equal(t, 2, counts[types.StatusCompleted])

	n, err := store.CountUnsynced(ctx, "invoice")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = store.CountUnsynced(ctx, "order")
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestCompactOperations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)

	synced := makeOp("op-synced", types.StatusSynced)
	synced.CreatedAt = old
	failed := makeOp("op-failed", types.StatusFailed)
	failed.CreatedAt = old
	completed := makeOp("op-completed", types.StatusCompleted)
	completed.CreatedAt = old
	recent := makeOp("op-recent", types.StatusSynced)
	for _, op := range []*types.Operation{synced, failed, completed, recent} {
		require.NoError(t, store.PutOperation(ctx, op))
	}

	removed, err := store.CompactOperations(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	// Completed-but-unsynced survives regardless of age.
	_, err = store.GetOperation(ctx, "op-completed")
	require.NoError(t, err)
	_, err = store.GetOperation(ctx, "op-recent")
	require.NoError(t, err)
	_, err = store.GetOperation(ctx, "op-synced")
	require.ErrorIs(t, err, storage.ErrNotFound)
}
