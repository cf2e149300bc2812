// Package validate composes schema validation and rule evaluation into a
// single acceptability check, and gates enqueues under sync backpressure.
package validate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/syncforge/syncforge/internal/rules"
	"github.com/syncforge/syncforge/internal/schema"
	"github.com/syncforge/syncforge/internal/storage"
	"github.com/syncforge/syncforge/internal/types"
)

// ErrBackpressure is returned from Check when the completed-and-unsynced
// queue for an entity type is above the high-water mark. The caller
// should pause and retry after the sync queue drains.
var ErrBackpressure = errors.New("backpressure: sync queue full")

// Outcome is the result of validating one candidate operation. The
// operation is acceptable iff Errors is empty.
type Outcome struct {
	Errors         []string
	RequiresSync   bool
	RulesEvaluated []string
}

// Validator runs once per operation, at enqueue time. It is never
// re-run later: cache divergence after enqueue is the conflict
// resolver's concern, not validation's.
type Validator struct {
	registry *schema.Registry
	engine   *rules.Engine
	store    storage.Storage

	highWater int
	lowWater  int

	// paused tracks entity types rejected since crossing the high-water
	// mark; they stay rejected until the queue drains below low water.
	mu     sync.Mutex
	paused map[string]bool
}

// New creates a validator. highWater/lowWater bound the per-entity-type
// completed-and-unsynced queue (hysteresis: reject at high, resume below
// low).
func New(registry *schema.Registry, engine *rules.Engine, store storage.Storage, highWater, lowWater int) *Validator {
	if highWater <= 0 {
		highWater = 1000
	}
	if lowWater <= 0 || lowWater >= highWater {
		lowWater = highWater * 3 / 4
	}
	return &Validator{
		registry:  registry,
		engine:    engine,
		store:     store,
		highWater: highWater,
		lowWater:  lowWater,
		paused:    make(map[string]bool),
	}
}

// Check gates an enqueue for backpressure. Distinct from validation:
// a backpressure rejection is an error return, not a recorded
// validation failure.
func (v *Validator) Check(ctx context.Context, entityType string) error {
	n, err := v.store.CountUnsynced(ctx, entityType)
	if err != nil {
		return fmt.Errorf("failed to check sync queue depth: %w", err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.paused[entityType] {
		if n < v.lowWater {
			delete(v.paused, entityType)
			return nil
		}
		return fmt.Errorf("%w: %s has %d completed operations awaiting sync", ErrBackpressure, entityType, n)
	}
	if n >= v.highWater {
		v.paused[entityType] = true
		return fmt.Errorf("%w: %s has %d completed operations awaiting sync", ErrBackpressure, entityType, n)
	}
	return nil
}

// Validate runs schema validation then rule evaluation and unions the
// error lists. Identical inputs always produce identical outcomes.
func (v *Validator) Validate(ctx context.Context, entityType string, kind types.OpKind, payload map[string]any) (*Outcome, error) {
	out := &Outcome{}
	out.Errors = append(out.Errors, v.registry.ValidatePayload(entityType, kind, payload)...)

	ruleResult, err := v.engine.Evaluate(ctx, entityType, kind, payload)
	if err != nil {
		return nil, err
	}
	out.Errors = append(out.Errors, ruleResult.Errors...)
	out.RequiresSync = ruleResult.RequiresSync
	out.RulesEvaluated = ruleResult.Evaluated
	return out, nil
}
