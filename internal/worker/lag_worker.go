package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/eventsourcing-pg/internal/domain"
	"github.com/notifyhub/eventsourcing-pg/internal/eventstore"
)

// PositionLister is satisfied by a tracker opened without processor locking.
type PositionLister interface {
	Positions(ctx context.Context) ([]domain.ProcessorPosition, error)
}

// LagWorker periodically compares every tracked position with the newest
// event id and reports the difference. It reads through a non-locking
// tracker, so it never contends with the processors it observes.
type LagWorker struct {
	positions PositionLister
	store     eventstore.Store
	interval  time.Duration
	onLag     func(processor string, lag int64)
	logger    *zap.Logger
}

func NewLagWorker(
	positions PositionLister,
	store eventstore.Store,
	interval time.Duration,
	onLag func(string, int64),
	logger *zap.Logger,
) *LagWorker {
	if onLag == nil {
		onLag = func(string, int64) {}
	}
	return &LagWorker{positions: positions, store: store, interval: interval, onLag: onLag, logger: logger}
}

// Run ticks every interval and reports lag for every tracked processor.
// Stops cleanly when ctx is cancelled.
func (lw *LagWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(lw.interval)
	defer ticker.Stop()

	lw.logger.Info("lag worker started", zap.Duration("interval", lw.interval))

	for {
		select {
		case <-ctx.Done():
			lw.logger.Info("lag worker stopping")
			return
		case <-ticker.C:
			lw.poll(ctx)
		}
	}
}

func (lw *LagWorker) poll(ctx context.Context) {
	latest, err := lw.store.LatestEventID(ctx)
	if err != nil {
		lw.logger.Error("lag poll: latest event id", zap.Error(err))
		return
	}

	positions, err := lw.positions.Positions(ctx)
	if err != nil {
		lw.logger.Error("lag poll: tracker positions", zap.Error(err))
		return
	}

	for _, p := range positions {
		lag := latest - p.LastProcessedEventID
		if lag < 0 {
			lag = 0
		}
		lw.onLag(p.Name, lag)
	}
}
