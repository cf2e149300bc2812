// Package scheduler drives operations through their lifecycle with
// bounded concurrency, dependency gating, and retry.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/syncforge/syncforge/internal/storage"
	"github.com/syncforge/syncforge/internal/telemetry"
	"github.com/syncforge/syncforge/internal/types"
)

// handshakeKey is the metadata marker the sync coordinator writes after
// its first successful transport exchange. Operations flagged
// requires_sync stay pending until it exists.
const handshakeKey = "sync.last_handshake"

// Config bounds one scheduler instance.
type Config struct {
	// Tick is the idle interval between selection passes.
	Tick time.Duration
	// Concurrency is the worker pool size.
	Concurrency int
	// SelectBatch is the maximum number of ready operations claimed per
	// tick.
	SelectBatch int
	// InitialBackoff seeds the retry deferral; doubling, capped at
	// MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c *Config) applyDefaults() {
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.SelectBatch <= 0 {
		c.SelectBatch = 50
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
}

// Scheduler owns the pending → executing → {completed, failed}
// transitions. All shared state lives in the store; the scheduler holds
// only its wakeup channel and the cached handshake marker.
type Scheduler struct {
	store storage.Storage
	cfg   Config
	log   *zap.Logger
	now   func() time.Time

	wake chan struct{}
	// handshakeSeen caches the sync handshake marker; it only ever goes
	// false → true.
	handshakeSeen atomic.Bool
	workerSeq     atomic.Int64
}

// New creates a scheduler. now supplies wall-clock timestamps for
// stored records; it is never used for ordering decisions.
func New(store storage.Storage, cfg Config, log *zap.Logger, now func() time.Time) *Scheduler {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store: store,
		cfg:   cfg,
		log:   log,
		now:   now,
		wake:  make(chan struct{}, 1),
	}
}

// Wake nudges the scheduler to run a selection pass before the next
// tick. Non-blocking; coalesces with a pending wakeup.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run loops until the context is cancelled. Each pass claims and
// executes ready operations; errors are logged and do not stop the
// loop.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
		if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("scheduler pass failed", zap.Error(err))
		}
	}
}

// RunOnce performs one selection-and-execution pass and returns the
// number of operations executed (successfully or not).
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	ready, err := s.store.ListReady(ctx, s.now(), s.cfg.SelectBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to select ready operations: %w", err)
	}
	if len(ready) == 0 {
		return 0, nil
	}

	var executed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, op := range ready {
		op := op
		if op.RequiresSync && !s.handshakeDone(ctx) {
			continue
		}
		g.Go(func() error {
			workerID := fmt.Sprintf("worker-%d", s.workerSeq.Add(1))
			claimed, err := s.claimAndExecute(gctx, op, workerID)
			if err != nil {
				return err
			}
			if claimed {
				executed.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(executed.Load()), err
	}
	return int(executed.Load()), nil
}

// claimAndExecute claims one operation and drives it to completed,
// back to pending (retryable failure), or failed. Returns false when
// another worker won the claim.
func (s *Scheduler) claimAndExecute(ctx context.Context, op *types.Operation, workerID string) (bool, error) {
	err := s.store.ClaimOperation(ctx, op.ID, workerID, s.now())
	if errors.Is(err, storage.ErrIllegalState) || errors.Is(err, storage.ErrNotFound) {
		// Claimed elsewhere, cancelled, or compacted between selection
		// and claim.
		return false, nil
	}
	if err != nil {
		return false, err
	}

	execErr := s.execute(ctx, op)
	if execErr == nil {
		now := s.now()
		updates := map[string]any{
			"status":      types.StatusCompleted,
			"executed_at": now,
			"claimed_by":  "",
		}
		if op.PreviousPayload != nil {
			updates["previous_payload"] = op.PreviousPayload
		}
		if err := s.store.UpdateOperation(ctx, op.ID, updates); err != nil {
			return true, fmt.Errorf("failed to complete operation %s: %w", op.ID, err)
		}
		telemetry.RecordExecuted(ctx, op.EntityType)
		s.log.Debug("operation completed",
			zap.String("op", op.ID),
			zap.String("kind", string(op.Kind)),
			zap.String("entity", op.EntityType+"/"+op.EntityID))
		return true, nil
	}

	if op.RetryCount < op.MaxRetries {
		retry := op.RetryCount + 1
		notBefore := s.now().Add(s.retryDelay(retry))
		err := s.store.UpdateOperation(ctx, op.ID, map[string]any{
			"status":        types.StatusPending,
			"retry_count":   retry,
			"not_before":    notBefore,
			"error_message": execErr.Error(),
			"claimed_by":    "",
		})
		if err != nil {
			return true, fmt.Errorf("failed to requeue operation %s: %w", op.ID, err)
		}
		s.log.Debug("operation requeued for retry",
			zap.String("op", op.ID), zap.Int("retry", retry), zap.Error(execErr))
		return true, nil
	}

	err = s.store.UpdateOperation(ctx, op.ID, map[string]any{
		"status":        types.StatusFailed,
		"error_message": execErr.Error(),
		"claimed_by":    "",
	})
	if err != nil {
		return true, fmt.Errorf("failed to mark operation %s failed: %w", op.ID, err)
	}
	telemetry.RecordFailed(ctx, op.EntityType)
	s.log.Warn("operation failed after exhausting retries",
		zap.String("op", op.ID), zap.Int("retries", op.RetryCount), zap.Error(execErr))
	return true, nil
}

// retryDelay computes the deferral before the nth retry becomes
// eligible. RandomizationFactor is zero so tests observe exact bounds.
func (s *Scheduler) retryDelay(retry int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = s.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	d := b.NextBackOff()
	for i := 1; i < retry; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (s *Scheduler) handshakeDone(ctx context.Context) bool {
	if s.handshakeSeen.Load() {
		return true
	}
	v, err := s.store.GetMeta(ctx, handshakeKey)
	if err != nil || v == "" {
		return false
	}
	s.handshakeSeen.Store(true)
	return true
}
