package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/notifyhub/eventsourcing-pg/internal/domain"
	"github.com/notifyhub/eventsourcing-pg/internal/eventstore"
	"github.com/notifyhub/eventsourcing-pg/internal/queue"
	"github.com/notifyhub/eventsourcing-pg/internal/ratelimiter"
	"github.com/notifyhub/eventsourcing-pg/internal/tracker"
	"github.com/notifyhub/eventsourcing-pg/internal/waiter"
)

// PositionTracker is the subset of *tracker.Tracker a worker drives.
type PositionTracker interface {
	Setup(ctx context.Context, name string) error
	LastProcessedEventID(ctx context.Context, name string) (int64, error)
	ProcessingEventFrom(ctx context.Context, name string, from, id int64, work tracker.WorkFunc) error
	Close(ctx context.Context) error
}

// Poller is the subset of *waiter.Waiter a worker drives.
type Poller interface {
	Poll(ctx context.Context, afterListen func(), handler waiter.Handler) error
}

// ApplyFunc applies one event. It runs inside the transaction that records
// the event as processed, so read-model writes through tx commit atomically
// with the position.
type ApplyFunc func(ctx context.Context, tx pgx.Tx, e domain.Event) error

// Worker runs one named processor: it locks the processor, then re-reads the
// event store past its tracked position on every wake-up.
type Worker struct {
	name      string
	tracker   PositionTracker
	poller    Poller
	store     eventstore.Store
	limiter   *ratelimiter.ProcessorLimiters
	apply     ApplyFunc
	batchSize int
	backoff   []time.Duration
	logger    *zap.Logger

	// Hooks for metrics, injected by the pool so the worker stays metrics-agnostic.
	onProcessed func(processor string, latency time.Duration)
	onFailed    func(processor string)

	// position is the last id this worker saw recorded; a hint for skipping
	// notifications of already processed events.
	position int64
	failures int
}

// NewWorker constructs a worker. onProcessed and onFailed are optional (nil = no-op).
func NewWorker(
	name string,
	tr PositionTracker,
	poller Poller,
	store eventstore.Store,
	limiter *ratelimiter.ProcessorLimiters,
	apply ApplyFunc,
	batchSize int,
	backoff []time.Duration,
	logger *zap.Logger,
	onProcessed func(string, time.Duration),
	onFailed func(string),
) *Worker {
	if onProcessed == nil {
		onProcessed = func(string, time.Duration) {}
	}
	if onFailed == nil {
		onFailed = func(string) {}
	}
	if len(backoff) == 0 {
		backoff = []time.Duration{time.Second}
	}
	return &Worker{
		name:        name,
		tracker:     tr,
		poller:      poller,
		store:       store,
		limiter:     limiter,
		apply:       apply,
		batchSize:   batchSize,
		backoff:     backoff,
		logger:      logger.With(zap.String("processor", name)),
		onProcessed: onProcessed,
		onFailed:    onFailed,
	}
}

func (w *Worker) Name() string { return w.name }

// Run blocks until ctx is cancelled or a non-retryable error occurs.
//
// Lock contention, a lost listener and failed events are retried with
// backoff; the core primitives never retry on their own.
func (w *Worker) Run(ctx context.Context) error {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.tracker.Close(closeCtx); err != nil {
			w.logger.Warn("failed to close tracker", zap.Error(err))
		}
	}()

	if err := w.setup(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	w.logger.Info("processor started")

	for {
		err := w.poller.Poll(ctx, nil, w.handle)
		if ctx.Err() != nil {
			w.logger.Info("processor stopping")
			return nil
		}
		if err == nil {
			return nil
		}

		delay := w.nextBackoff()
		w.logger.Warn("poll loop ended, restarting",
			zap.Error(err),
			zap.Int("consecutive_failures", w.failures),
			zap.Duration("retry_in", delay),
		)
		if !sleep(ctx, delay) {
			return nil
		}
	}
}

// setup retries lock contention until the current owner goes away.
func (w *Worker) setup(ctx context.Context) error {
	for {
		err := w.tracker.Setup(ctx, w.name)
		if err == nil {
			w.failures = 0
			return nil
		}
		if !errors.Is(err, domain.ErrUnableToLockProcessor) {
			return fmt.Errorf("set up processor %q: %w", w.name, err)
		}

		delay := w.nextBackoff()
		w.logger.Info("processor locked elsewhere, waiting",
			zap.Error(err), zap.Duration("retry_in", delay))
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
	}
}

func (w *Worker) handle(ctx context.Context, item *queue.Item) (waiter.Action, error) {
	if item != nil && item.EventID > 0 && item.EventID <= w.position {
		return waiter.Continue, nil
	}
	return waiter.Continue, w.catchUp(ctx)
}

// catchUp processes every event past the tracked position, one batch at a time.
func (w *Worker) catchUp(ctx context.Context) error {
	for {
		if err := w.limiter.Wait(ctx, w.name); err != nil {
			return err
		}

		// Re-read each time so an operator reset is honoured without a restart.
		pos, err := w.tracker.LastProcessedEventID(ctx, w.name)
		if err != nil {
			return err
		}
		w.position = pos

		events, err := w.store.EventsAfter(ctx, pos, w.batchSize)
		if err != nil {
			return fmt.Errorf("fetch events after %d: %w", pos, err)
		}

		moved := false
		from := pos
		for _, e := range events {
			err := w.process(ctx, e, from)
			if errors.Is(err, domain.ErrPositionChanged) {
				w.logger.Info("position changed while processing; re-reading",
					zap.Int64("expected_position", from), zap.Int64("event_id", e.ID))
				moved = true
				break
			}
			if err != nil {
				return err
			}
			from = e.ID
		}

		if !moved && len(events) < w.batchSize {
			return nil
		}
	}
}

// process applies e and advances the position from the previous id. The
// update is conditional so an operator reset made mid-batch is not
// overwritten.
func (w *Worker) process(ctx context.Context, e domain.Event, from int64) error {
	start := time.Now()
	log := w.logger.With(zap.Int64("event_id", e.ID), zap.String("event_type", e.Type))

	err := w.tracker.ProcessingEventFrom(ctx, w.name, from, e.ID, func(ctx context.Context, tx pgx.Tx) error {
		return w.apply(ctx, tx, e)
	})
	if errors.Is(err, domain.ErrPositionChanged) {
		return err
	}
	if err != nil {
		log.Warn("event processing failed; position not advanced", zap.Error(err))
		w.onFailed(w.name)
		return fmt.Errorf("process event %d: %w", e.ID, err)
	}

	elapsed := time.Since(start)
	w.position = e.ID
	w.failures = 0
	w.onProcessed(w.name, elapsed)
	log.Debug("event processed", zap.Duration("latency", elapsed))
	return nil
}

// nextBackoff walks the backoff schedule, clamping at its last entry:
//
//	failure 0 → backoff[0]  (default 5 s)
//	failure 1 → backoff[1]  (default 30 s)
//	failure N ≥ len(backoff) → last backoff entry
func (w *Worker) nextBackoff() time.Duration {
	idx := w.failures
	if idx >= len(w.backoff) {
		idx = len(w.backoff) - 1
	}
	w.failures++
	return w.backoff[idx]
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
