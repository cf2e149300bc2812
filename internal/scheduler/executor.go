package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/syncforge/syncforge/internal/storage"
	"github.com/syncforge/syncforge/internal/types"
)

// execute applies one claimed operation to the local cache. Every kind
// that mutates the cache marks the entry sync_required; the server
// version tag is never touched here.
func (s *Scheduler) execute(ctx context.Context, op *types.Operation) error {
	switch op.Kind {
	case types.KindCreate:
		return s.executeCreate(ctx, op)
	case types.KindUpdate:
		return s.executeUpdate(ctx, op)
	case types.KindDelete:
		return s.executeDelete(ctx, op)
	case types.KindApprove:
		return s.executeDecision(ctx, op, "approved")
	case types.KindReject:
		return s.executeDecision(ctx, op, "rejected")
	}
	// submit, cancel, and any future kinds carry no local effect; the
	// server interprets them during sync.
	return nil
}

func (s *Scheduler) executeCreate(ctx context.Context, op *types.Operation) error {
	now := s.now()
	existing, err := s.store.GetCacheEntry(ctx, op.EntityType, op.EntityID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to read cache entry: %w", err)
	}

	entry := &types.CacheEntry{
		EntityType:   op.EntityType,
		EntityID:     op.EntityID,
		Payload:      copyMap(op.Payload),
		CreatedAt:    now,
		UpdatedAt:    now,
		AccessedAt:   now,
		SyncRequired: true,
	}
	if existing != nil {
		// Create over an existing entry degrades to last-writer-wins:
		// the payload is replaced, identity fields survive.
		entry.CreatedAt = existing.CreatedAt
		entry.Metadata = existing.Metadata
		entry.ServerVersion = existing.ServerVersion
		entry.LastSynced = existing.LastSynced
		entry.AccessCount = existing.AccessCount
	}
	return s.store.PutCacheEntry(ctx, entry)
}

func (s *Scheduler) executeUpdate(ctx context.Context, op *types.Operation) error {
	now := s.now()
	existing, err := s.store.GetCacheEntry(ctx, op.EntityType, op.EntityID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to read cache entry: %w", err)
	}

	entry := existing
	if entry == nil {
		entry = &types.CacheEntry{
			EntityType: op.EntityType,
			EntityID:   op.EntityID,
			Payload:    map[string]any{},
			CreatedAt:  now,
			AccessedAt: now,
		}
	}

	// Record the pre-image for conflict resolution; claimAndExecute
	// persists it alongside the completed status.
	op.PreviousPayload = copyMap(entry.Payload)

	merged := copyMap(entry.Payload)
	for k, v := range op.Payload {
		merged[k] = v
	}
	entry.Payload = merged
	entry.UpdatedAt = now
	entry.SyncRequired = true
	return s.store.PutCacheEntry(ctx, entry)
}

// executeDelete tombstones the entry. It is removed only after a
// successful upload confirms the delete.
func (s *Scheduler) executeDelete(ctx context.Context, op *types.Operation) error {
	now := s.now()
	entry, err := s.store.GetCacheEntry(ctx, op.EntityType, op.EntityID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Deleting an entity the cache never saw still needs a
			// tombstone so the delete ships to the server.
			entry = &types.CacheEntry{
				EntityType: op.EntityType,
				EntityID:   op.EntityID,
				Payload:    map[string]any{},
				CreatedAt:  now,
				AccessedAt: now,
			}
		} else {
			return fmt.Errorf("failed to read cache entry: %w", err)
		}
	}
	op.PreviousPayload = copyMap(entry.Payload)
	entry.Payload[types.DeletedMarker] = true
	entry.UpdatedAt = now
	entry.SyncRequired = true
	return s.store.PutCacheEntry(ctx, entry)
}

// executeDecision applies approve/reject locally. The local status is
// advisory: the server may override it through conflict resolution at
// sync time.
func (s *Scheduler) executeDecision(ctx context.Context, op *types.Operation, status string) error {
	now := s.now()
	entry, err := s.store.GetCacheEntry(ctx, op.EntityType, op.EntityID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("cannot %s %s/%s: entity not in cache", op.Kind, op.EntityType, op.EntityID)
		}
		return fmt.Errorf("failed to read cache entry: %w", err)
	}
	op.PreviousPayload = copyMap(entry.Payload)

	merged := copyMap(entry.Payload)
	for k, v := range op.Payload {
		merged[k] = v
	}
	merged["status"] = status
	merged[status+"_by"] = op.UserID
	merged[status+"_at"] = now.UTC().Format(time.RFC3339)
	entry.Payload = merged
	entry.UpdatedAt = now
	entry.SyncRequired = true
	return s.store.PutCacheEntry(ctx, entry)
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
