package syncforge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/syncforge/syncforge/internal/config"
	"github.com/syncforge/syncforge/internal/resolve"
	"github.com/syncforge/syncforge/internal/rules"
	"github.com/syncforge/syncforge/internal/scheduler"
	"github.com/syncforge/syncforge/internal/schema"
	"github.com/syncforge/syncforge/internal/storage"
	"github.com/syncforge/syncforge/internal/storage/sqlite"
	"github.com/syncforge/syncforge/internal/syncer"
	"github.com/syncforge/syncforge/internal/types"
	"github.com/syncforge/syncforge/internal/validate"
)

// Clock supplies wall-clock time for stored timestamps. The engine
// never consults it for ordering decisions on dependency edges.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Options carries the collaborators the embedding application provides.
// Every field is optional: a nil Transport disables sync, a nil Logger
// logs nothing.
type Options struct {
	Transport  Transport
	Auth       AuthProvider
	Logger     *zap.Logger
	Clock      Clock
	// OnConflict receives a report for every conflict the download path
	// resolves or parks.
	OnConflict func(ConflictReport)
}

// Engine is the offline-first operation engine.
type Engine struct {
	cfg       *config.Config
	store     storage.Storage
	registry  *schema.Registry
	rules     *rules.Engine
	validator *validate.Validator
	resolvers *resolve.Registry
	sched     *scheduler.Scheduler
	syncer    *syncer.Syncer
	log       *zap.Logger
	clock     Clock

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New opens the durable store at cfg.DBPath and wires the engine.
// A restart with the same storage reproduces the pre-restart state,
// including pending dependency edges.
func New(ctx context.Context, cfg *Config, opts Options) (*Engine, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	cfg.ApplyDefaults()

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = systemClock{}
	}

	store, err := sqlite.New(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	// A crash or cancelled shutdown can strand claimed operations in
	// executing; sweep them back so the queue reconstructs fully.
	recovered, err := store.RecoverExecuting(ctx)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if recovered > 0 {
		log.Info("recovered interrupted operations", zap.Int("count", recovered))
	}

	registry, err := schema.NewRegistry(ctx, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	ruleEngine := rules.NewEngine(store)
	validator := validate.New(registry, ruleEngine, store, cfg.HighWater, cfg.LowWater)
	resolvers := resolve.NewRegistry()

	sched := scheduler.New(store, scheduler.Config{
		Tick:           cfg.SchedulerTick,
		Concurrency:    cfg.Concurrency,
		SelectBatch:    cfg.SelectBatch,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
	}, log.Named("scheduler"), clock.Now)

	sy := syncer.New(store, registry, resolvers, opts.Transport, opts.Auth, syncer.Config{
		Tick:            cfg.SyncTick,
		UploadBatch:     cfg.UploadBatch,
		DeadLetterAfter: cfg.DeadLetterAfter,
		Timeout:         cfg.SyncTimeout,
		DefaultStrategy: cfg.DefaultStrategy,
	}, log.Named("syncer"), clock.Now, opts.OnConflict)

	return &Engine{
		cfg:       cfg,
		store:     store,
		registry:  registry,
		rules:     ruleEngine,
		validator: validator,
		resolvers: resolvers,
		sched:     sched,
		syncer:    sy,
		log:       log,
		clock:     clock,
	}, nil
}

// RegisterSchema stores an entity schema, superseding any prior version
// for the same type.
func (e *Engine) RegisterSchema(ctx context.Context, s *EntitySchema) error {
	return e.registry.Register(ctx, s)
}

// RegisterRule stores a business rule; it participates in validation
// from the next Enqueue on.
func (e *Engine) RegisterRule(ctx context.Context, r *BusinessRule) error {
	return e.rules.Add(ctx, r)
}

// RegisterResolver installs a custom conflict resolver for an entity
// type, overriding the built-in strategy table for that type.
func (e *Engine) RegisterResolver(entityType string, r Resolver) {
	e.resolvers.Register(entityType, r)
}

// Start launches the scheduler, sync, and compaction drivers. They stop
// when ctx is cancelled or Close is called.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		e.sched.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		e.syncer.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		e.runCompactor(runCtx)
	}()
	go func() {
		wg.Wait()
		close(e.done)
	}()
}

func (e *Engine) runCompactor(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.CompactTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, _, err := e.RunCompactionOnce(ctx); err != nil {
			e.log.Warn("compaction pass failed", zap.Error(err))
		}
	}
}

// Close stops the drivers and releases the store.
func (e *Engine) Close() error {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.started = nil, false
	e.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return e.store.Close()
}

// EnqueueRequest describes one proposed mutation.
type EnqueueRequest struct {
	EntityType string
	EntityID   string
	Kind       OpKind
	Payload    map[string]any

	// Originating identity tags, recorded on the operation.
	UserID    string
	SessionID string
	DeviceID  string

	Priority  Priority
	DependsOn []string
	// Strategy selects conflict resolution for this entity; empty uses
	// the engine default.
	Strategy ResolutionStrategy
	// MaxRetries overrides the engine default when positive.
	MaxRetries int
}

// EnqueueResult reports the persisted operation id and the validation
// outcome. A non-empty ValidationErrors means the operation was stored
// for audit but will never be scheduled.
type EnqueueResult struct {
	OperationID      string
	ValidationErrors []string
}

// Enqueue validates and persists one operation. The operation is stored
// even when validation fails; it is scheduled only when validation
// passed. Under sync backpressure for the entity type, Enqueue returns
// ErrBackpressure and stores nothing.
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error) {
	if req.EntityType == "" || req.EntityID == "" {
		return nil, fmt.Errorf("enqueue requires entity type and id")
	}
	if req.Kind == "" {
		return nil, fmt.Errorf("enqueue requires an operation kind")
	}
	if err := e.validator.Check(ctx, req.EntityType); err != nil {
		return nil, err
	}

	outcome, err := e.validator.Validate(ctx, req.EntityType, req.Kind, req.Payload)
	if err != nil {
		return nil, err
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = e.cfg.MaxRetries
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = e.cfg.DefaultStrategy
	}

	op := &types.Operation{
		ID:               uuid.NewString(),
		EntityType:       req.EntityType,
		EntityID:         req.EntityID,
		Kind:             req.Kind,
		Payload:          req.Payload,
		UserID:           req.UserID,
		SessionID:        req.SessionID,
		DeviceID:         req.DeviceID,
		CreatedAt:        e.clock.Now(),
		Status:           types.StatusPending,
		Priority:         req.Priority,
		DependsOn:        req.DependsOn,
		Strategy:         strategy,
		MaxRetries:       maxRetries,
		RulesEvaluated:   outcome.RulesEvaluated,
		ValidationErrors: outcome.Errors,
		RequiresSync:     outcome.RequiresSync,
	}
	if err := e.store.PutOperation(ctx, op); err != nil {
		return nil, err
	}
	if op.Valid() {
		e.sched.Wake()
	}
	return &EnqueueResult{
		OperationID:      op.ID,
		ValidationErrors: outcome.Errors,
	}, nil
}

// GetOperation fetches one operation by id.
func (e *Engine) GetOperation(ctx context.Context, id string) (*Operation, error) {
	return e.store.GetOperation(ctx, id)
}

// CancelOperation cancels a pending operation. Executing operations
// complete or fail naturally; cancelling one returns ErrIllegalState.
func (e *Engine) CancelOperation(ctx context.Context, id string) error {
	return e.store.CancelOperation(ctx, id)
}

// GetEntity reads an entity's payload from the cache. Tombstoned
// entries return ErrNotFound.
func (e *Engine) GetEntity(ctx context.Context, entityType, entityID string) (map[string]any, error) {
	entry, err := e.store.GetCacheEntry(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}
	if entry.IsTombstone() {
		return nil, storage.ErrNotFound
	}
	if err := e.store.TouchCacheEntry(ctx, entityType, entityID, e.clock.Now()); err != nil {
		e.log.Debug("failed to touch cache entry", zap.Error(err))
	}
	return entry.Payload, nil
}

// QueryEntities runs an equality-predicate query over the cache.
// Tombstoned entries are excluded.
func (e *Engine) QueryEntities(ctx context.Context, entityType string, filter map[string]any, limit int) ([]map[string]any, error) {
	entries, err := e.store.QueryCache(ctx, entityType, filter, limit)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Payload)
	}
	return out, nil
}

// Statistics returns engine-level counters.
func (e *Engine) Statistics(ctx context.Context) (*Statistics, error) {
	byStatus, err := e.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	cacheSize, err := e.store.CountCache(ctx)
	if err != nil {
		return nil, err
	}
	pendingSync, err := e.store.CountSyncRequired(ctx)
	if err != nil {
		return nil, err
	}
	dead, err := e.store.ListDeadLetters(ctx, 1000)
	if err != nil {
		return nil, err
	}
	return &Statistics{
		ByStatus:     byStatus,
		CacheSize:    cacheSize,
		PendingSync:  pendingSync,
		QueueDepth:   byStatus[types.StatusPending] + byStatus[types.StatusExecuting],
		DeadLettered: len(dead),
	}, nil
}

// ListPending returns pending, validation-clean operations, optionally
// narrowed by entity type and user.
func (e *Engine) ListPending(ctx context.Context, entityType, userID string, limit int) ([]*Operation, error) {
	return e.store.ListPending(ctx, types.PendingFilter{
		EntityType: entityType,
		UserID:     userID,
		Limit:      limit,
	})
}

// ListDeadLetters returns operations that exhausted their sync retries
// and await application-level intervention.
func (e *Engine) ListDeadLetters(ctx context.Context, limit int) ([]*Operation, error) {
	return e.store.ListDeadLetters(ctx, limit)
}

// ListManualConflicts returns parked conflicts awaiting external
// review.
func (e *Engine) ListManualConflicts(ctx context.Context) ([]*ParkedConflict, error) {
	return e.syncer.ListManualConflicts(ctx)
}

// ResolveManual applies an externally chosen payload for a parked
// conflict. keepLocal marks the entry for upload on the next sync pass.
func (e *Engine) ResolveManual(ctx context.Context, entityType, entityID string, payload map[string]any, keepLocal bool) error {
	return e.syncer.ResolveManual(ctx, entityType, entityID, payload, keepLocal)
}

// RunSchedulerOnce drives one scheduler pass. Exposed for tests and
// CLI tooling; the background driver calls it on every tick.
func (e *Engine) RunSchedulerOnce(ctx context.Context) (int, error) {
	return e.sched.RunOnce(ctx)
}

// RunSyncOnce drives one upload+download pass.
func (e *Engine) RunSyncOnce(ctx context.Context) error {
	return e.syncer.RunOnce(ctx)
}

// RunCompactionOnce removes expired cache entries and synced/terminal
// operations past the retention horizon. Returns (entries, operations)
// removed.
func (e *Engine) RunCompactionOnce(ctx context.Context) (int, int, error) {
	now := e.clock.Now()
	entries, err := e.store.CompactExpired(ctx, now)
	if err != nil {
		return 0, 0, err
	}
	ops, err := e.store.CompactOperations(ctx, now.Add(-e.cfg.Retention))
	if err != nil {
		return entries, 0, err
	}
	return entries, ops, nil
}
