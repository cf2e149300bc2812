package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/syncforge/syncforge/internal/storage"
	"github.com/syncforge/syncforge/internal/storage/sqlite"
	"github.com/syncforge/syncforge/internal/types"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now().UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestScheduler(t *testing.T, store storage.Storage, clk *fakeClock) *Scheduler {
	t.Helper()
	return New(store, Config{Concurrency: 2, SelectBatch: 10}, nil, clk.Now)
}

func pendingOp(id string, kind types.OpKind, payload map[string]any) *types.Operation {
	return &types.Operation{
		ID:         id,
		EntityType: "invoice",
		EntityID:   "inv-1",
		Kind:       kind,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
		Status:     types.StatusPending,
		Priority:   types.PriorityNormal,
		MaxRetries: 3,
	}
}

func TestRunOnceExecutesCreate(t *testing.T) {
	store := newTestStore(t)
	clk := newFakeClock()
	sched := newTestScheduler(t, store, clk)
	ctx := context.Background()

	require.NoError(t, store.PutOperation(ctx, pendingOp("op-1", types.KindCreate, map[string]any{"amount": 100.0})))

	n, err := sched.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	op, err := store.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, op.Status)
	require.NotNil(t, op.ExecutedAt)
	require.Equal(t, "", op.ClaimedBy)

	entry, err := store.GetCacheEntry(ctx, "invoice", "inv-1")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"amount": 100.0}, entry.Payload)
	require.True(t, entry.SyncRequired)
	require.Equal(t, "", entry.ServerVersion)
}

func TestRunOnceIdlesOnEmptyQueue(t *testing.T) {
	store := newTestStore(t)
	sched := newTestScheduler(t, store, newFakeClock())
	n, err := sched.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestUpdateMergesAndRecordsPreImage(t *testing.T) {
	store := newTestStore(t)
	clk := newFakeClock()
	sched := newTestScheduler(t, store, clk)
	ctx := context.Background()

	require.NoError(t, store.PutCacheEntry(ctx, &types.CacheEntry{
		EntityType: "invoice",
		EntityID:   "inv-1",
		Payload:    map[string]any{"amount": 100.0, "status": "draft"},
		CreatedAt:  clk.Now(),
		UpdatedAt:  clk.Now(),
		AccessedAt: clk.Now(),
	}))
	require.NoError(t, store.PutOperation(ctx, pendingOp("op-1", types.KindUpdate, map[string]any{"status": "sent"})))

	_, err := sched.RunOnce(ctx)
	require.NoError(t, err)

	entry, err := store.GetCacheEntry(ctx, "invoice", "inv-1")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"amount": 100.0, "status": "sent"}, entry.Payload)
	require.True(t, entry.SyncRequired)

	op, err := store.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"amount": 100.0, "status": "draft"}, op.PreviousPayload)
}

func TestDeleteTombstones(t *testing.T) {
	store := newTestStore(t)
	clk := newFakeClock()
	sched := newTestScheduler(t, store, clk)
	ctx := context.Background()

	require.NoError(t, store.PutCacheEntry(ctx, &types.CacheEntry{
		EntityType: "invoice",
		EntityID:   "inv-1",
		Payload:    map[string]any{"amount": 100.0},
		CreatedAt:  clk.Now(),
		UpdatedAt:  clk.Now(),
		AccessedAt: clk.Now(),
	}))
	require.NoError(t, store.PutOperation(ctx, pendingOp("op-1", types.KindDelete, nil)))

	_, err := sched.RunOnce(ctx)
	require.NoError(t, err)

	entry, err := store.GetCacheEntry(ctx, "invoice", "inv-1")
	require.NoError(t, err)
	require.True(t, entry.IsTombstone())
	require.True(t, entry.SyncRequired)
}

func TestDeleteWithoutCacheEntryStillShipsTombstone(t *testing.T) {
	store := newTestStore(t)
	sched := newTestScheduler(t, store, newFakeClock())
	ctx := context.Background()

	require.NoError(t, store.PutOperation(ctx, pendingOp("op-1", types.KindDelete, nil)))
	_, err := sched.RunOnce(ctx)
	require.NoError(t, err)

	entry, err := store.GetCacheEntry(ctx, "invoice", "inv-1")
	require.NoError(t, err)
	require.True(t, entry.IsTombstone())
}

func TestApproveDecision(t *testing.T) {
	store := newTestStore(t)
	clk := newFakeClock()
	sched := newTestScheduler(t, store, clk)
	ctx := context.Background()

	require.NoError(t, store.PutCacheEntry(ctx, &types.CacheEntry{
		EntityType: "invoice",
		EntityID:   "inv-1",
		Payload:    map[string]any{"status": "submitted"},
		CreatedAt:  clk.Now(),
		UpdatedAt:  clk.Now(),
		AccessedAt: clk.Now(),
	}))
	op := pendingOp("op-1", types.KindApprove, map[string]any{"comment": "looks good"})
	op.UserID = "manager-3"
	require.NoError(t, store.PutOperation(ctx, op))

	_, err := sched.RunOnce(ctx)
	require.NoError(t, err)

	entry, err := store.GetCacheEntry(ctx, "invoice", "inv-1")
	require.NoError(t, err)
	require.Equal(t, "approved", entry.Payload["status"])
	require.Equal(t, "manager-3", entry.Payload["approved_by"])
	require.Equal(t, "looks good", entry.Payload["comment"])
	require.NotEmpty(t, entry.Payload["approved_at"])
}

func TestApproveWithoutEntityFails(t *testing.T) {
	store := newTestStore(t)
	clk := newFakeClock()
	sched := newTestScheduler(t, store, clk)
	ctx := context.Background()

	op := pendingOp("op-1", types.KindApprove, nil)
	op.MaxRetries = 0
	require.NoError(t, store.PutOperation(ctx, op))

	_, err := sched.RunOnce(ctx)
	require.NoError(t, err)

	got, err := store.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	require.Equal(t, types.StatusFailed, got.Status)
	require.Contains(t, got.ErrorMessage, "not in cache")
}

func TestDependencyChainExecutesInOrder(t *testing.T) {
	store := newTestStore(t)
	clk := newFakeClock()
	sched := newTestScheduler(t, store, clk)
	ctx := context.Background()

	parent := pendingOp("op-parent", types.KindCreate, map[string]any{"amount": 1.0})
	child := pendingOp("op-child", types.KindUpdate, map[string]any{"status": "sent"})
	child.CreatedAt = parent.CreatedAt.Add(time.Second)
	child.DependsOn = []string{"op-parent"}
	require.NoError(t, store.PutOperation(ctx, parent))
	require.NoError(t, store.PutOperation(ctx, child))

	n, err := sched.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := store.GetOperation(ctx, "op-child")
	require.NoError(t, err)
	require.Equal(t, types.StatusPending, got.Status)

	n, err = sched.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	entry, err := store.GetCacheEntry(ctx, "invoice", "inv-1")
	require.NoError(t, err)
	require.Equal(t, "sent", entry.Payload["status"])
}

// failingStore forces cache writes to fail a set number of times so the
// retry path can be exercised.
type failingStore struct {
	storage.Storage

	mu    sync.Mutex
	fails int
}

func (f *failingStore) PutCacheEntry(ctx context.Context, entry *types.CacheEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails != 0 {
		f.fails--
		return fmt.Errorf("simulated cache write failure")
	}
	return f.Storage.PutCacheEntry(ctx, entry)
}

func TestRetryBackoffThenSuccess(t *testing.T) {
	base := newTestStore(t)
	store := &failingStore{Storage: base, fails: 1}
	clk := newFakeClock()
	sched := New(store, Config{Concurrency: 1, SelectBatch: 10, InitialBackoff: time.Second}, nil, clk.Now)
	ctx := context.Background()

	require.NoError(t, store.PutOperation(ctx, pendingOp("op-1", types.KindCreate, map[string]any{"amount": 1.0})))

	// First pass fails and requeues with a deferral.
	_, err := sched.RunOnce(ctx)
	require.NoError(t, err)
	op, err := store.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	require.Equal(t, types.StatusPending, op.Status)
	require.Equal(t, 1, op.RetryCount)
	require.NotNil(t, op.NotBefore)
	require.Contains(t, op.ErrorMessage, "simulated")

	// Still deferred: nothing runs.
	n, err := sched.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	// Past the deferral the retry succeeds.
	clk.Advance(2 * time.Second)
	n, err = sched.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	op, err = store.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, op.Status)
}

func TestRetriesExhaustToFailed(t *testing.T) {
	base := newTestStore(t)
	store := &failingStore{Storage: base, fails: -1} // never recovers
	clk := newFakeClock()
	sched := New(store, Config{Concurrency: 1, SelectBatch: 10, InitialBackoff: time.Second}, nil, clk.Now)
	ctx := context.Background()

	op := pendingOp("op-1", types.KindCreate, map[string]any{"amount": 1.0})
	op.MaxRetries = 2
	require.NoError(t, store.PutOperation(ctx, op))

	for i := 0; i < 3; i++ {
		_, err := sched.RunOnce(ctx)
		require.NoError(t, err)
		clk.Advance(time.Minute)
	}

	got, err := store.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	require.Equal(t, types.StatusFailed, got.Status)
	// The final attempt does not increment past the cap.
	require.Equal(t, 2, got.RetryCount)
	require.Contains(t, got.ErrorMessage, "simulated")
}

func TestRetryDelayDoubles(t *testing.T) {
	sched := New(nil, Config{InitialBackoff: time.Second, MaxBackoff: 5 * time.Second}, nil, nil)
	require.Equal(t, time.Second, sched.retryDelay(1))
	require.Equal(t, 2*time.Second, sched.retryDelay(2))
	require.Equal(t, 4*time.Second, sched.retryDelay(3))
	// Capped at MaxBackoff.
	require.Equal(t, 5*time.Second, sched.retryDelay(4))
	require.Equal(t, 5*time.Second, sched.retryDelay(10))
}

func TestRequiresSyncGatedOnHandshake(t *testing.T) {
	store := newTestStore(t)
	clk := newFakeClock()
	sched := newTestScheduler(t, store, clk)
	ctx := context.Background()

	op := pendingOp("op-1", types.KindCreate, map[string]any{"amount": 50000.0})
	op.RequiresSync = true
	require.NoError(t, store.PutOperation(ctx, op))

	n, err := sched.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	require.NoError(t, store.SetMeta(ctx, "sync.last_handshake", clk.Now().Format(time.RFC3339)))

	n, err = sched.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestInvalidOperationsNeverRun(t *testing.T) {
	store := newTestStore(t)
	sched := newTestScheduler(t, store, newFakeClock())
	ctx := context.Background()

	op := pendingOp("op-1", types.KindCreate, map[string]any{})
	op.ValidationErrors = []string{"missing required field: amount"}
	require.NoError(t, store.PutOperation(ctx, op))

	n, err := sched.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	got, err := store.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	require.Equal(t, types.StatusPending, got.Status)
}

func TestCancelledOperationSkippedAtClaim(t *testing.T) {
	store := newTestStore(t)
	clk := newFakeClock()
	sched := newTestScheduler(t, store, clk)
	ctx := context.Background()

	require.NoError(t, store.PutOperation(ctx, pendingOp("op-1", types.KindCreate, map[string]any{"amount": 1.0})))

	ready, err := store.ListReady(ctx, clk.Now(), 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)

	// Cancel between selection and claim; the pass must skip it quietly.
	require.NoError(t, store.CancelOperation(ctx, "op-1"))

	claimed, err := sched.claimAndExecute(ctx, ready[0], "worker-test")
	require.NoError(t, err)
	require.False(t, claimed)
}
