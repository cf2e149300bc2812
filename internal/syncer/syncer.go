// Package syncer bridges local state to the remote server: it uploads
// completed operations, downloads authoritative changes, and reconciles
// conflicts through the resolver registry.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/syncforge/syncforge/internal/resolve"
	"github.com/syncforge/syncforge/internal/schema"
	"github.com/syncforge/syncforge/internal/storage"
	"github.com/syncforge/syncforge/internal/telemetry"
	"github.com/syncforge/syncforge/internal/types"
)

const (
	// handshakeKey marks the first successful transport exchange.
	handshakeKey = "sync.last_handshake"
	// watermarkPrefix keys the per-entity-type download cursor.
	watermarkPrefix = "sync.watermark."
	// conflictPrefix keys parked manual conflicts.
	conflictPrefix = "sync.conflict."
)

// Config bounds one sync coordinator.
type Config struct {
	// Tick is the interval between sync passes; much slower than the
	// scheduler tick.
	Tick time.Duration
	// UploadBatch caps completed operations fetched per pass.
	UploadBatch int
	// DeadLetterAfter is the number of failed sync attempts before an
	// operation stops being retried automatically.
	DeadLetterAfter int
	// Timeout applies to each transport call.
	Timeout time.Duration
	// DefaultStrategy resolves conflicts for entities with no local
	// operation carrying a strategy tag.
	DefaultStrategy types.ResolutionStrategy
}

func (c *Config) applyDefaults() {
	if c.Tick <= 0 {
		c.Tick = 30 * time.Second
	}
	if c.UploadBatch <= 0 {
		c.UploadBatch = 100
	}
	if c.DeadLetterAfter <= 0 {
		c.DeadLetterAfter = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.DefaultStrategy == "" {
		c.DefaultStrategy = types.StrategyServerWins
	}
}

// ParkedConflict is a manual conflict awaiting external resolution.
type ParkedConflict struct {
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	Local         map[string]any `json:"local"`
	Server        map[string]any `json:"server"`
	ServerVersion string         `json:"server_version,omitempty"`
	ParkedAt      time.Time      `json:"parked_at"`
}

// Syncer is the sync coordinator.
type Syncer struct {
	store     storage.Storage
	registry  *schema.Registry
	resolvers *resolve.Registry
	transport Transport
	auth      AuthProvider
	cfg       Config
	log       *zap.Logger
	now       func() time.Time
	breaker   *gobreaker.CircuitBreaker

	// onConflict, when set, receives a report for every conflict the
	// download path resolves or parks.
	onConflict func(ConflictReport)
}

// New creates a sync coordinator. transport may be nil for deployments
// that only ever run locally; every pass is then a no-op.
func New(store storage.Storage, registry *schema.Registry, resolvers *resolve.Registry,
	transport Transport, auth AuthProvider, cfg Config, log *zap.Logger,
	now func() time.Time, onConflict func(ConflictReport)) *Syncer {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Syncer{
		store:     store,
		registry:  registry,
		resolvers: resolvers,
		transport: transport,
		auth:      auth,
		cfg:       cfg,
		log:       log,
		now:       now,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "sync-transport",
			Timeout: cfg.Tick,
		}),
		onConflict: onConflict,
	}
}

// Run loops until the context is cancelled.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("sync pass failed", zap.Error(err))
		}
	}
}

// RunOnce performs one upload pass followed by one download pass.
// Transport failures are non-fatal: the pass is retried on the next
// tick.
func (s *Syncer) RunOnce(ctx context.Context) error {
	if s.transport == nil {
		return nil
	}
	tctx := ctx
	if s.auth != nil {
		token, err := s.auth.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to obtain sync token: %w", err)
		}
		tctx = WithToken(ctx, token)
	}
	if err := s.uploadOnce(tctx); err != nil {
		return err
	}
	return s.downloadOnce(tctx)
}

// call routes one transport invocation through the circuit breaker with
// the configured timeout.
func (s *Syncer) call(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	return s.breaker.Execute(func() (any, error) {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
		return fn(cctx)
	})
}

func (s *Syncer) recordHandshake(ctx context.Context) {
	if err := s.store.SetMeta(ctx, handshakeKey, s.now().UTC().Format(time.RFC3339)); err != nil {
		s.log.Warn("failed to record sync handshake", zap.Error(err))
	}
}

// uploadOnce ships completed-and-unsynced operations grouped by entity
// type. Per-(type, id) completion order is preserved; entities with a
// dead-lettered operation are held back entirely so later operations
// cannot overtake it.
func (s *Syncer) uploadOnce(ctx context.Context) error {
	ops, err := s.store.ListCompletedUnsynced(ctx, s.cfg.UploadBatch)
	if err != nil {
		return fmt.Errorf("failed to list operations for upload: %w", err)
	}
	if len(ops) == 0 {
		return nil
	}

	blocked, err := s.deadLetteredEntities(ctx)
	if err != nil {
		return err
	}

	groups := make(map[string][]*types.Operation)
	var typeOrder []string
	for _, op := range ops {
		if blocked[op.EntityType+"/"+op.EntityID] {
			continue
		}
		if _, seen := groups[op.EntityType]; !seen {
			typeOrder = append(typeOrder, op.EntityType)
		}
		groups[op.EntityType] = append(groups[op.EntityType], op)
	}

	for _, entityType := range typeOrder {
		batch := groups[entityType]
		res, err := s.call(ctx, func(cctx context.Context) (any, error) {
			return s.transport.UploadBatch(cctx, entityType, batch)
		})
		if err != nil {
			// Batch-level failure (timeout, network, open breaker):
			// leave every operation completed and retry next tick.
			s.log.Warn("upload batch failed",
				zap.String("entity_type", entityType),
				zap.Int("ops", len(batch)),
				zap.Error(err))
			continue
		}
		s.recordHandshake(ctx)
		results, ok := res.([]UploadResult)
		if !ok {
			return fmt.Errorf("transport returned unexpected upload result type %T", res)
		}
		if err := s.applyUploadResults(ctx, entityType, batch, results); err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) deadLetteredEntities(ctx context.Context) (map[string]bool, error) {
	dead, err := s.store.ListDeadLetters(ctx, 1000)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	blocked := make(map[string]bool, len(dead))
	for _, op := range dead {
		blocked[op.EntityType+"/"+op.EntityID] = true
	}
	return blocked, nil
}

func (s *Syncer) applyUploadResults(ctx context.Context, entityType string, batch []*types.Operation, results []UploadResult) error {
	byID := make(map[string]*types.Operation, len(batch))
	for _, op := range batch {
		byID[op.ID] = op
	}
	acked := 0
	touched := make(map[string]*types.Operation)

	for _, r := range results {
		op, ok := byID[r.OperationID]
		if !ok {
			s.log.Warn("transport acknowledged unknown operation", zap.String("op", r.OperationID))
			continue
		}
		if !r.Ack {
			if err := s.recordSyncFailure(ctx, op, r.Error); err != nil {
				return err
			}
			continue
		}
		now := s.now()
		err := s.store.UpdateOperation(ctx, op.ID, map[string]any{
			"status":    types.StatusSynced,
			"synced_at": now,
		})
		if err != nil {
			return fmt.Errorf("failed to mark operation %s synced: %w", op.ID, err)
		}
		acked++
		if err := s.acknowledgeCache(ctx, op, r.ServerVersion); err != nil {
			return err
		}
		touched[op.EntityType+"/"+op.EntityID] = op
	}

	// An entry's sync_required clears only once every completed
	// operation for it has been acknowledged.
	for _, op := range touched {
		if err := s.clearIfQuiescent(ctx, op.EntityType, op.EntityID); err != nil {
			return err
		}
	}
	if acked > 0 {
		telemetry.RecordSynced(ctx, entityType, acked)
	}
	return nil
}

func (s *Syncer) recordSyncFailure(ctx context.Context, op *types.Operation, msg string) error {
	attempts := op.SyncAttempts + 1
	updates := map[string]any{
		"sync_attempts": attempts,
		"error_message": msg,
	}
	if attempts >= s.cfg.DeadLetterAfter {
		updates["dead_letter"] = true
		s.log.Warn("operation dead-lettered after repeated sync failures",
			zap.String("op", op.ID), zap.Int("attempts", attempts), zap.String("error", msg))
	}
	if err := s.store.UpdateOperation(ctx, op.ID, updates); err != nil {
		return fmt.Errorf("failed to record sync failure for %s: %w", op.ID, err)
	}
	return nil
}

// acknowledgeCache applies an upload acknowledgment to the entity's
// cache entry. Acknowledged deletes compact the tombstone outright.
func (s *Syncer) acknowledgeCache(ctx context.Context, op *types.Operation, serverVersion string) error {
	entry, err := s.store.GetCacheEntry(ctx, op.EntityType, op.EntityID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read cache entry: %w", err)
	}
	if op.Kind == types.KindDelete && entry.IsTombstone() {
		return s.store.DeleteCacheEntry(ctx, op.EntityType, op.EntityID)
	}
	now := s.now()
	entry.LastSynced = &now
	if serverVersion != "" {
		entry.ServerVersion = serverVersion
	}
	return s.store.PutCacheEntry(ctx, entry)
}

func (s *Syncer) clearIfQuiescent(ctx context.Context, entityType, entityID string) error {
	remaining, err := s.store.ListByEntity(ctx, entityType, entityID, types.StatusCompleted)
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		return nil
	}
	entry, err := s.store.GetCacheEntry(ctx, entityType, entityID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !entry.SyncRequired {
		return nil
	}
	entry.SyncRequired = false
	return s.store.PutCacheEntry(ctx, entry)
}

// downloadOnce pulls server-originated changes for every registered
// entity type and reconciles them with local state.
func (s *Syncer) downloadOnce(ctx context.Context) error {
	for _, entityType := range s.registry.Types() {
		since, err := s.store.GetMeta(ctx, watermarkPrefix+entityType)
		if err != nil {
			return err
		}
		res, err := s.call(ctx, func(cctx context.Context) (any, error) {
			changes, newWatermark, err := s.transport.DownloadChanges(cctx, entityType, since)
			if err != nil {
				return nil, err
			}
			return downloadPage{changes: changes, watermark: newWatermark}, nil
		})
		if err != nil {
			s.log.Warn("download failed",
				zap.String("entity_type", entityType), zap.Error(err))
			continue
		}
		s.recordHandshake(ctx)
		page, ok := res.(downloadPage)
		if !ok {
			return fmt.Errorf("transport returned unexpected download result type %T", res)
		}
		for i := range page.changes {
			if err := s.applyChange(ctx, entityType, &page.changes[i]); err != nil {
				return err
			}
		}
		if page.watermark != "" && page.watermark != since {
			if err := s.store.SetMeta(ctx, watermarkPrefix+entityType, page.watermark); err != nil {
				return err
			}
		}
	}
	return nil
}

type downloadPage struct {
	changes   []Change
	watermark string
}

// applyChange reconciles one server change with the local cache.
func (s *Syncer) applyChange(ctx context.Context, entityType string, change *Change) error {
	entry, err := s.store.GetCacheEntry(ctx, entityType, change.EntityID)
	if errors.Is(err, storage.ErrNotFound) {
		if change.Deleted {
			return nil
		}
		return s.installServerPayload(ctx, entityType, change)
	}
	if err != nil {
		return fmt.Errorf("failed to read cache entry: %w", err)
	}

	if !entry.SyncRequired {
		// The client has no pending local intent; the server is
		// authoritative.
		if change.Deleted {
			return s.store.DeleteCacheEntry(ctx, entityType, change.EntityID)
		}
		now := s.now()
		entry.Payload = change.Payload
		entry.ServerVersion = change.ServerVersion
		entry.UpdatedAt = now
		entry.LastSynced = &now
		return s.store.PutCacheEntry(ctx, entry)
	}

	return s.resolveConflict(ctx, entityType, entry, change)
}

func (s *Syncer) installServerPayload(ctx context.Context, entityType string, change *Change) error {
	now := s.now()
	return s.store.PutCacheEntry(ctx, &types.CacheEntry{
		EntityType:    entityType,
		EntityID:      change.EntityID,
		Payload:       change.Payload,
		CreatedAt:     now,
		UpdatedAt:     now,
		AccessedAt:    now,
		ServerVersion: change.ServerVersion,
		LastSynced:    &now,
	})
}

func (s *Syncer) resolveConflict(ctx context.Context, entityType string, entry *types.CacheEntry, change *Change) error {
	strategy, previous, err := s.localIntent(ctx, entityType, entry.EntityID)
	if err != nil {
		return err
	}

	conflict := &resolve.Conflict{
		EntityType:    entityType,
		EntityID:      entry.EntityID,
		Local:         entry.Payload,
		Server:        change.Payload,
		Previous:      previous,
		LocalUpdated:  entry.UpdatedAt,
		ServerUpdated: change.UpdatedAt,
		ServerVersion: change.ServerVersion,
		Strategy:      strategy,
	}
	resolution, err := s.resolvers.Resolve(conflict)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict for %s/%s: %w", entityType, entry.EntityID, err)
	}
	telemetry.RecordConflict(ctx, entityType)

	report := ConflictReport{
		EntityType: entityType,
		EntityID:   entry.EntityID,
		Strategy:   strategy,
	}

	if resolution.Manual {
		report.Manual = true
		if err := s.parkConflict(ctx, entityType, entry, change); err != nil {
			return err
		}
		s.emit(report)
		return nil
	}

	now := s.now()
	entry.Payload = resolution.Payload
	entry.ServerVersion = change.ServerVersion
	entry.UpdatedAt = now
	if resolution.ClearSyncRequired {
		entry.SyncRequired = false
		entry.LastSynced = &now
	}
	if err := s.store.PutCacheEntry(ctx, entry); err != nil {
		return err
	}

	if resolution.CancelPending {
		cancelled, err := s.cancelPendingFor(ctx, entityType, entry.EntityID)
		if err != nil {
			return err
		}
		report.CancelledOps = cancelled
	}
	s.emit(report)
	return nil
}

// localIntent finds the strategy tag and recorded pre-image from the
// most recent local operation targeting the entity.
func (s *Syncer) localIntent(ctx context.Context, entityType, entityID string) (types.ResolutionStrategy, map[string]any, error) {
	ops, err := s.store.ListByEntity(ctx, entityType, entityID,
		types.StatusPending, types.StatusExecuting, types.StatusCompleted)
	if err != nil {
		return "", nil, err
	}
	strategy := s.cfg.DefaultStrategy
	var previous map[string]any
	for _, op := range ops { // created_at ascending; last one wins
		if op.Strategy != "" {
			strategy = op.Strategy
		}
		if op.PreviousPayload != nil {
			previous = op.PreviousPayload
		}
	}
	return strategy, previous, nil
}

func (s *Syncer) cancelPendingFor(ctx context.Context, entityType, entityID string) ([]string, error) {
	pending, err := s.store.ListByEntity(ctx, entityType, entityID, types.StatusPending)
	if err != nil {
		return nil, err
	}
	var cancelled []string
	for _, op := range pending {
		err := s.store.CancelOperation(ctx, op.ID)
		if errors.Is(err, storage.ErrIllegalState) {
			// Raced with a scheduler claim; the worker finishes it.
			continue
		}
		if err != nil {
			return cancelled, err
		}
		cancelled = append(cancelled, op.ID)
	}
	return cancelled, nil
}

func (s *Syncer) parkConflict(ctx context.Context, entityType string, entry *types.CacheEntry, change *Change) error {
	parked := ParkedConflict{
		EntityType:    entityType,
		EntityID:      entry.EntityID,
		Local:         entry.Payload,
		Server:        change.Payload,
		ServerVersion: change.ServerVersion,
		ParkedAt:      s.now(),
	}
	blob, err := json.Marshal(parked)
	if err != nil {
		return fmt.Errorf("failed to marshal parked conflict: %w", err)
	}
	return s.store.SetMeta(ctx, conflictPrefix+entityType+"/"+entry.EntityID, string(blob))
}

// ListManualConflicts returns every parked conflict awaiting external
// resolution.
func (s *Syncer) ListManualConflicts(ctx context.Context) ([]*ParkedConflict, error) {
	entries, err := s.store.ListMeta(ctx, conflictPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]*ParkedConflict, 0, len(entries))
	for _, blob := range entries {
		var parked ParkedConflict
		if err := json.Unmarshal([]byte(blob), &parked); err != nil {
			return nil, fmt.Errorf("%w: parked conflict: %v", storage.ErrCorrupt, err)
		}
		out = append(out, &parked)
	}
	return out, nil
}

// ResolveManual applies an externally chosen payload for a parked
// conflict and unparks it. The reconciled payload uploads on a later
// tick if it still differs from the server.
func (s *Syncer) ResolveManual(ctx context.Context, entityType, entityID string, payload map[string]any, keepLocal bool) error {
	key := conflictPrefix + entityType + "/" + entityID
	blob, err := s.store.GetMeta(ctx, key)
	if err != nil {
		return err
	}
	if blob == "" {
		return storage.ErrNotFound
	}
	var parked ParkedConflict
	if err := json.Unmarshal([]byte(blob), &parked); err != nil {
		return fmt.Errorf("%w: parked conflict: %v", storage.ErrCorrupt, err)
	}
	entry, err := s.store.GetCacheEntry(ctx, entityType, entityID)
	if err != nil {
		return err
	}
	now := s.now()
	entry.Payload = payload
	entry.ServerVersion = parked.ServerVersion
	entry.UpdatedAt = now
	entry.SyncRequired = keepLocal
	if !keepLocal {
		entry.LastSynced = &now
	}
	if err := s.store.PutCacheEntry(ctx, entry); err != nil {
		return err
	}
	return s.store.DeleteMeta(ctx, key)
}

func (s *Syncer) emit(report ConflictReport) {
	if s.onConflict != nil {
		s.onConflict(report)
	}
}
