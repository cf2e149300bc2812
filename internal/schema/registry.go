// Package schema holds entity type contracts and validates payloads
// against them.
package schema

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/syncforge/syncforge/internal/storage"
	"github.com/syncforge/syncforge/internal/types"
)

// Registry is the in-memory view of registered entity schemas, hydrated
// from the store at startup and written through on Register. Reads far
// outnumber writes, so a reader/writer lock guards the map.
type Registry struct {
	store storage.Storage

	mu      sync.RWMutex
	schemas map[string]*types.EntitySchema
}

// NewRegistry creates a registry backed by the given store and loads
// every persisted schema into memory.
func NewRegistry(ctx context.Context, store storage.Storage) (*Registry, error) {
	r := &Registry{
		store:   store,
		schemas: make(map[string]*types.EntitySchema),
	}
	persisted, err := store.ListSchemas(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load schemas: %w", err)
	}
	for _, s := range persisted {
		r.schemas[s.EntityType] = s
	}
	return r, nil
}

// Register stores a schema, superseding any prior version for the same
// entity type. All subsequent validations use the new version.
func (r *Registry) Register(ctx context.Context, s *types.EntitySchema) error {
	if s.EntityType == "" {
		return fmt.Errorf("schema has no entity type")
	}
	if s.Version == 0 {
		s.Version = 1
	}
	if err := r.store.PutSchema(ctx, s); err != nil {
		return err
	}
	r.mu.Lock()
	r.schemas[s.EntityType] = s
	r.mu.Unlock()
	return nil
}

// Get returns the current schema for an entity type.
func (r *Registry) Get(entityType string) (*types.EntitySchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[entityType]
	return s, ok
}

// Types returns the registered entity type names. The sync coordinator
// iterates these for its download pass.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ValidatePayload checks a payload against the entity type's schema.
// Missing-required-field errors come first, then per-field errors;
// errors accumulate rather than short-circuiting. An entity type with
// no registered schema validates clean.
//
// Only creates carry a full payload, so required-field presence is
// enforced for them alone. Updates are partial merges onto the cached
// entity and deletes carry no payload; their present fields still get
// type checks.
func (r *Registry) ValidatePayload(entityType string, kind types.OpKind, payload map[string]any) []string {
	s, ok := r.Get(entityType)
	if !ok {
		return nil
	}
	var errs []string
	if kind == types.KindCreate {
		for _, name := range s.RequiredFields() {
			if v, present := payload[name]; !present || v == nil {
				errs = append(errs, fmt.Sprintf("missing required field: %s", name))
			}
		}
	}
	for _, name := range sortedFieldNames(s.Fields) {
		v, present := payload[name]
		if !present || v == nil {
			continue
		}
		def := s.Fields[name]
		errs = append(errs, ValidateField(&def, name, v)...)
	}
	return errs
}
