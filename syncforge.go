// Package syncforge is an offline-first operation engine: a durable,
// dependency-ordered queue of ERP mutations executed against a local
// entity cache and reconciled with a remote server when connectivity
// allows.
//
// The embedding application constructs an Engine with its collaborators
// (transport client, auth provider, logger, clock), registers entity
// schemas and business rules, and enqueues operations. Three background
// drivers — scheduler, sync coordinator, compactor — do the rest.
package syncforge

import (
	"github.com/syncforge/syncforge/internal/config"
	"github.com/syncforge/syncforge/internal/resolve"
	"github.com/syncforge/syncforge/internal/syncer"
	"github.com/syncforge/syncforge/internal/types"
	"github.com/syncforge/syncforge/internal/validate"

	"github.com/syncforge/syncforge/internal/storage"
)

// Core types for embedders.
type (
	Operation    = types.Operation
	CacheEntry   = types.CacheEntry
	EntitySchema = types.EntitySchema
	FieldDef     = types.FieldDef
	BusinessRule = types.BusinessRule
	Statistics   = types.Statistics

	OpKind             = types.OpKind
	OpStatus           = types.OpStatus
	Priority           = types.Priority
	ResolutionStrategy = types.ResolutionStrategy

	Config = config.Config

	// Sync collaborators, provided by the embedder.
	Transport      = syncer.Transport
	AuthProvider   = syncer.AuthProvider
	UploadResult   = syncer.UploadResult
	Change         = syncer.Change
	ConflictReport = syncer.ConflictReport
	ParkedConflict = syncer.ParkedConflict

	// Conflict resolution extension points.
	Resolver     = resolve.Resolver
	ResolverFunc = resolve.ResolverFunc
	Conflict     = resolve.Conflict
	Resolution   = resolve.Resolution
)

// Operation kinds.
const (
	KindCreate  = types.KindCreate
	KindUpdate  = types.KindUpdate
	KindDelete  = types.KindDelete
	KindApprove = types.KindApprove
	KindReject  = types.KindReject
	KindSubmit  = types.KindSubmit
	KindCancel  = types.KindCancel
)

// Operation statuses.
const (
	StatusPending   = types.StatusPending
	StatusExecuting = types.StatusExecuting
	StatusCompleted = types.StatusCompleted
	StatusFailed    = types.StatusFailed
	StatusCancelled = types.StatusCancelled
	StatusSynced    = types.StatusSynced
)

// Priorities.
const (
	PriorityLow      = types.PriorityLow
	PriorityNormal   = types.PriorityNormal
	PriorityHigh     = types.PriorityHigh
	PriorityCritical = types.PriorityCritical
)

// Conflict resolution strategies.
const (
	StrategyClientWins     = types.StrategyClientWins
	StrategyServerWins     = types.StrategyServerWins
	StrategyLastWriterWins = types.StrategyLastWriterWins
	StrategyMerge          = types.StrategyMerge
	StrategyManual         = types.StrategyManual
)

// Sentinel errors surfaced to embedders.
var (
	// ErrNotFound is returned for unknown operations, uncached
	// entities, and tombstoned entries.
	ErrNotFound = storage.ErrNotFound
	// ErrIllegalState is returned when a lifecycle transition is not
	// permitted (e.g. cancelling a non-pending operation).
	ErrIllegalState = storage.ErrIllegalState
	// ErrBackpressure is returned from Enqueue while the sync queue for
	// the entity type is above the high-water mark.
	ErrBackpressure = validate.ErrBackpressure
)

// LoadConfig reads engine configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}
