// Package telemetry records engine counters on the ambient OpenTelemetry
// meter. The embedding application decides where (or whether) the
// metrics are exported; recording failures never affect outcomes.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/syncforge/syncforge"

var (
	once sync.Once

	opsExecuted       metric.Int64Counter
	opsFailed         metric.Int64Counter
	opsSynced         metric.Int64Counter
	conflictsResolved metric.Int64Counter
)

func instruments() {
	once.Do(func() {
		meter := otel.Meter(meterName)
		opsExecuted, _ = meter.Int64Counter("syncforge.operations.executed",
			metric.WithDescription("Operations that reached completed"))
		opsFailed, _ = meter.Int64Counter("syncforge.operations.failed",
			metric.WithDescription("Operations that exhausted retries"))
		opsSynced, _ = meter.Int64Counter("syncforge.operations.synced",
			metric.WithDescription("Operations acknowledged by the server"))
		conflictsResolved, _ = meter.Int64Counter("syncforge.conflicts.resolved",
			metric.WithDescription("Sync conflicts passed through a resolver"))
	})
}

func entityAttr(entityType string) metric.AddOption {
	return metric.WithAttributes(attribute.String("entity_type", entityType))
}

func RecordExecuted(ctx context.Context, entityType string) {
	instruments()
	if opsExecuted != nil {
		opsExecuted.Add(ctx, 1, entityAttr(entityType))
	}
}

func RecordFailed(ctx context.Context, entityType string) {
	instruments()
	if opsFailed != nil {
		opsFailed.Add(ctx, 1, entityAttr(entityType))
	}
}

func RecordSynced(ctx context.Context, entityType string, n int) {
	instruments()
	if opsSynced != nil {
		opsSynced.Add(ctx, int64(n), entityAttr(entityType))
	}
}

func RecordConflict(ctx context.Context, entityType string) {
	instruments()
	if conflictsResolved != nil {
		conflictsResolved.Add(ctx, 1, entityAttr(entityType))
	}
}
