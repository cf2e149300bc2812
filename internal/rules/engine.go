// Package rules evaluates declarative business rules against candidate
// operation payloads.
package rules

import (
	"context"
	"fmt"
	"sync"

	"github.com/syncforge/syncforge/internal/schema"
	"github.com/syncforge/syncforge/internal/storage"
	"github.com/syncforge/syncforge/internal/types"
)

// Result is the outcome of evaluating an entity type's rules against a
// payload.
type Result struct {
	// Errors are reject-action messages. Non-empty means the operation
	// is unacceptable.
	Errors []string
	// RequiresSync is set by require_sync actions; the scheduler keeps
	// the operation pending until the sync coordinator has completed a
	// handshake.
	RequiresSync bool
	// Evaluated lists the ids of every enabled offline rule the pass
	// considered, in evaluation order, whether or not its condition
	// held. This is the audit trail recorded on the operation.
	Evaluated []string
	// Applied lists the ids of rules whose condition held, in
	// evaluation order.
	Applied []string
	// Payload is the working copy after set_field actions. The
	// originally submitted payload is never altered.
	Payload map[string]any
}

// Engine holds the rule set, hydrated from the store at startup and
// written through on Add.
type Engine struct {
	store storage.Storage

	mu     sync.RWMutex
	byType map[string][]*types.BusinessRule
}

// NewEngine creates an engine over the store. Rules are loaded lazily
// per entity type and cached; Add invalidates the cached slice.
func NewEngine(store storage.Storage) *Engine {
	return &Engine{
		store:  store,
		byType: make(map[string][]*types.BusinessRule),
	}
}

// Add stores a rule and refreshes the in-memory set for its type.
func (e *Engine) Add(ctx context.Context, rule *types.BusinessRule) error {
	if rule.ID == "" || rule.EntityType == "" {
		return fmt.Errorf("rule requires id and entity type")
	}
	if err := e.store.PutRule(ctx, rule); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.byType, rule.EntityType)
	e.mu.Unlock()
	return nil
}

func (e *Engine) rulesFor(ctx context.Context, entityType string) ([]*types.BusinessRule, error) {
	e.mu.RLock()
	cached, ok := e.byType[entityType]
	e.mu.RUnlock()
	if ok {
		return cached, nil
	}
	loaded, err := e.store.ListRulesForType(ctx, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules for %s: %w", entityType, err)
	}
	// Store order is priority ascending then insertion order.
	e.mu.Lock()
	e.byType[entityType] = loaded
	e.mu.Unlock()
	return loaded, nil
}

// Evaluate runs the entity type's offline rules against a payload.
// Rules evaluate in priority order (lower first); reject actions
// accumulate rather than short-circuiting so the caller sees every
// failure at once.
func (e *Engine) Evaluate(ctx context.Context, entityType string, kind types.OpKind, payload map[string]any) (*Result, error) {
	ruleList, err := e.rulesFor(ctx, entityType)
	if err != nil {
		return nil, err
	}

	working := make(map[string]any, len(payload))
	for k, v := range payload {
		working[k] = v
	}
	result := &Result{Payload: working}
	applied := make(map[string]bool)

	for _, rule := range ruleList {
		if !rule.Enabled || !rule.AppliesOffline() {
			continue
		}
		result.Evaluated = append(result.Evaluated, rule.ID)
		if !depsApplied(rule, applied) {
			continue
		}
		if !EvalCondition(rule.Condition, working) {
			continue
		}
		applied[rule.ID] = true
		result.Applied = append(result.Applied, rule.ID)

		switch rule.Action.Kind {
		case types.ActionReject:
			msg := rule.Action.Message
			if msg == "" {
				msg = fmt.Sprintf("rejected by rule %s", rule.ID)
			}
			result.Errors = append(result.Errors, msg)
		case types.ActionRequireSync:
			result.RequiresSync = true
		case types.ActionSetField:
			if rule.Action.Field != "" {
				working[rule.Action.Field] = rule.Action.Value
			}
		}
	}
	return result, nil
}

// depsApplied reports whether every rule this one depends on has fired
// earlier in the same pass.
func depsApplied(rule *types.BusinessRule, applied map[string]bool) bool {
	for _, dep := range rule.DependsOn {
		if !applied[dep] {
			return false
		}
	}
	return true
}

// EvalCondition evaluates one (field, operator, value) predicate against
// a payload. Purely local; unknown operators fail closed.
func EvalCondition(cond types.RuleCondition, payload map[string]any) bool {
	value, present := payload[cond.Field]

	switch cond.Op {
	case types.OpEquals:
		return present && looseEqual(value, cond.Value)
	case types.OpNotEquals:
		return present && !looseEqual(value, cond.Value)
	case types.OpGreaterThan:
		return present && compare(value, cond.Value) > 0
	case types.OpLessThan:
		return present && compare(value, cond.Value) < 0
	case types.OpNotEmpty:
		return present && !isEmpty(value)
	case types.OpEmpty:
		return !present || isEmpty(value)
	case types.OpIn:
		return present && contains(cond.Value, value)
	case types.OpNotIn:
		return present && !contains(cond.Value, value)
	}
	return false
}

// looseEqual compares across numeric representations (an int payload
// value equals a float rule value) and falls back to strict equality.
func looseEqual(a, b any) bool {
	if fa, ok := schema.AsNumber(a); ok {
		if fb, ok := schema.AsNumber(b); ok {
			return fa == fb
		}
	}
	return a == b
}

// compare orders two values: numerically when both are numbers,
// lexically when both are strings. Incomparable pairs order equal so
// greater_than and less_than both fail.
func compare(a, b any) int {
	if fa, ok := schema.AsNumber(a); ok {
		if fb, ok := schema.AsNumber(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			switch {
			case sa < sb:
				return -1
			case sa > sb:
				return 1
			}
			return 0
		}
	}
	return 0
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// contains tests membership of value in a rule's list operand.
func contains(list any, value any) bool {
	switch items := list.(type) {
	case []any:
		for _, item := range items {
			if looseEqual(value, item) {
				return true
			}
		}
	case []string:
		for _, item := range items {
			if looseEqual(value, item) {
				return true
			}
		}
	}
	return false
}
