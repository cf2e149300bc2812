package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/syncforge/syncforge/internal/storage"
	"github.com/syncforge/syncforge/internal/types"
)

// PutSchema stores or supersedes the schema for an entity type. The new
// version is used for all subsequent validations.
func (s *Store) PutSchema(ctx context.Context, entitySchema *types.EntitySchema) error {
	definition, err := json.Marshal(entitySchema)
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schemas (entity_type, version, definition) VALUES (?, ?, ?)
		ON CONFLICT (entity_type) DO UPDATE SET version = excluded.version, definition = excluded.definition
	`, entitySchema.EntityType, entitySchema.Version, string(definition))
	if err != nil {
		return fmt.Errorf("failed to put schema: %w", err)
	}
	return nil
}

// GetSchema fetches the current schema for an entity type.
func (s *Store) GetSchema(ctx context.Context, entityType string) (*types.EntitySchema, error) {
	var definition string
	err := s.db.QueryRowContext(ctx, `
		SELECT definition FROM schemas WHERE entity_type = ?
	`, entityType).Scan(&definition)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get schema: %w", err)
	}
	var entitySchema types.EntitySchema
	if err := json.Unmarshal([]byte(definition), &entitySchema); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrCorrupt, err)
	}
	return &entitySchema, nil
}

// ListSchemas returns every registered schema.
func (s *Store) ListSchemas(ctx context.Context) ([]*types.EntitySchema, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT definition FROM schemas ORDER BY entity_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schemas: %w", err)
	}
	defer rows.Close()

	var schemas []*types.EntitySchema
	for rows.Next() {
		var definition string
		if err := rows.Scan(&definition); err != nil {
			return nil, fmt.Errorf("failed to scan schema: %w", err)
		}
		var entitySchema types.EntitySchema
		if err := json.Unmarshal([]byte(definition), &entitySchema); err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrCorrupt, err)
		}
		schemas = append(schemas, &entitySchema)
	}
	return schemas, rows.Err()
}

// PutRule stores or replaces a business rule. Insertion order is
// preserved in seq so ties on priority evaluate first-registered-first.
func (s *Store) PutRule(ctx context.Context, rule *types.BusinessRule) error {
	definition, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("failed to marshal rule: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rules (id, entity_type, priority, enabled, seq, definition)
		VALUES (?, ?, ?, ?, COALESCE((SELECT MAX(seq) FROM rules), 0) + 1, ?)
		ON CONFLICT (id) DO UPDATE SET
			entity_type = excluded.entity_type,
			priority = excluded.priority,
			enabled = excluded.enabled,
			definition = excluded.definition
	`, rule.ID, rule.EntityType, rule.Priority, boolInt(rule.Enabled), string(definition))
	if err != nil {
		return fmt.Errorf("failed to put rule: %w", err)
	}
	return nil
}

// ListRulesForType returns rules for one entity type, disabled rules
// included, ordered by priority ascending (lower wins) then insertion
// order.
func (s *Store) ListRulesForType(ctx context.Context, entityType string) ([]*types.BusinessRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT definition FROM rules WHERE entity_type = ? ORDER BY priority ASC, seq ASC
	`, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var ruleList []*types.BusinessRule
	for rows.Next() {
		var definition string
		if err := rows.Scan(&definition); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		var rule types.BusinessRule
		if err := json.Unmarshal([]byte(definition), &rule); err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrCorrupt, err)
		}
		ruleList = append(ruleList, &rule)
	}
	return ruleList, rows.Err()
}
