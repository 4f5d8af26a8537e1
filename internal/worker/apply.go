package worker

import (
	"context"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/notifyhub/eventsourcing-pg/internal/domain"
	"github.com/notifyhub/eventsourcing-pg/internal/provider"
)

// DeliverApply forwards every event to p. Delivery happens before the
// position commits, so a crash in between redelivers the event; receivers
// deduplicate on the event UUID.
func DeliverApply(p provider.Provider, processor string) ApplyFunc {
	return func(ctx context.Context, _ pgx.Tx, e domain.Event) error {
		return p.Deliver(ctx, processor, e)
	}
}

// LogApply only logs each event. Used when no delivery target is configured.
func LogApply(logger *zap.Logger) ApplyFunc {
	return func(_ context.Context, _ pgx.Tx, e domain.Event) error {
		logger.Info("event",
			zap.Int64("event_id", e.ID),
			zap.String("aggregate_id", e.AggregateID),
			zap.String("event_type", e.Type),
		)
		return nil
	}
}
