// Package resolve reconciles local and server payloads when a sync
// conflict is detected. Every strategy is deterministic: no clock
// reads, no randomness.
package resolve

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/syncforge/syncforge/internal/types"
)

// Conflict carries both sides of a divergence for one entity.
type Conflict struct {
	EntityType string
	EntityID   string

	Local  map[string]any
	Server map[string]any
	// Previous is the locally recorded pre-image, when an update
	// operation captured one.
	Previous map[string]any

	LocalUpdated  time.Time
	ServerUpdated time.Time

	ServerVersion string
	Strategy      types.ResolutionStrategy
}

// Resolution is the reconciled outcome the sync coordinator applies.
type Resolution struct {
	Payload map[string]any
	// ClearSyncRequired is set when the server side won outright and no
	// local intent remains to upload.
	ClearSyncRequired bool
	// CancelPending requests cancellation of still-pending local
	// operations targeting the conflicted entity.
	CancelPending bool
	// Manual parks the entry for external review; the engine keeps
	// sync_required set and applies nothing.
	Manual bool
}

// Resolver reconciles one conflict. Implementations must be
// deterministic given the same inputs.
type Resolver interface {
	Resolve(c *Conflict) (*Resolution, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(c *Conflict) (*Resolution, error)

func (f ResolverFunc) Resolve(c *Conflict) (*Resolution, error) {
	return f(c)
}

// Registry maps entity types to resolvers. Types without a registered
// resolver fall back to the conflict's strategy tag.
type Registry struct {
	mu     sync.RWMutex
	byType map[string]Resolver
}

func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]Resolver)}
}

// Register installs a custom resolver for an entity type, overriding
// the strategy table for that type.
func (r *Registry) Register(entityType string, resolver Resolver) {
	r.mu.Lock()
	r.byType[entityType] = resolver
	r.mu.Unlock()
}

// Resolve dispatches to the entity type's custom resolver if one is
// registered, otherwise to the default handler for the conflict's
// strategy.
func (r *Registry) Resolve(c *Conflict) (*Resolution, error) {
	r.mu.RLock()
	custom, ok := r.byType[c.EntityType]
	r.mu.RUnlock()
	if ok {
		return custom.Resolve(c)
	}
	return ByStrategy(c)
}

// ByStrategy applies one of the built-in strategies.
func ByStrategy(c *Conflict) (*Resolution, error) {
	switch c.Strategy {
	case types.StrategyClientWins:
		// Keep the local payload; the next upload overwrites the server.
		return &Resolution{Payload: c.Local}, nil
	case types.StrategyServerWins, "":
		return &Resolution{
			Payload:           c.Server,
			ClearSyncRequired: true,
			CancelPending:     true,
		}, nil
	case types.StrategyLastWriterWins:
		if c.ServerUpdated.After(c.LocalUpdated) {
			return &Resolution{Payload: c.Server, ClearSyncRequired: true, CancelPending: true}, nil
		}
		return &Resolution{Payload: c.Local}, nil
	case types.StrategyMerge:
		return &Resolution{Payload: Merge(c.Local, c.Server)}, nil
	case types.StrategyManual:
		return &Resolution{Manual: true}, nil
	}
	return nil, fmt.Errorf("unknown resolution strategy: %s", c.Strategy)
}

// Merge unions local into server field by field: the server payload is
// the base, local-only keys are added, nested mappings merge
// recursively, list-valued fields union with deduplication, and for
// keys present in both with conflicting scalar values the server value
// is retained.
func Merge(local, server map[string]any) map[string]any {
	out := make(map[string]any, len(server)+len(local))
	for k, v := range server {
		out[k] = v
	}
	for k, lv := range local {
		sv, inServer := out[k]
		if !inServer {
			out[k] = lv
			continue
		}
		switch svTyped := sv.(type) {
		case map[string]any:
			if lvTyped, ok := lv.(map[string]any); ok {
				out[k] = Merge(lvTyped, svTyped)
			}
		case []any:
			if lvTyped, ok := lv.([]any); ok {
				out[k] = unionList(svTyped, lvTyped)
			}
		}
		// Conflicting scalars: server value stays.
	}
	return out
}

// unionList appends elements of add not already present in base.
// Element identity uses a stable string form so unhashable values
// (maps, lists) can participate.
func unionList(base, add []any) []any {
	out := make([]any, 0, len(base)+len(add))
	seen := make(map[string]bool, len(base)+len(add))
	for _, v := range base {
		key := canonical(v)
		if !seen[key] {
			seen[key] = true
			out = append(out, v)
		}
	}
	for _, v := range add {
		key := canonical(v)
		if !seen[key] {
			seen[key] = true
			out = append(out, v)
		}
	}
	return out
}

// canonical renders a value deterministically for identity comparison.
func canonical(v any) string {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		s := "{"
		for _, k := range keys {
			s += k + ":" + canonical(t[k]) + ","
		}
		return s + "}"
	case []any:
		s := "["
		for _, e := range t {
			s += canonical(e) + ","
		}
		return s + "]"
	default:
		return fmt.Sprintf("%T:%v", v, v)
	}
}
