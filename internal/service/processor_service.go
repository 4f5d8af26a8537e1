package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/notifyhub/eventsourcing-pg/internal/domain"
	"github.com/notifyhub/eventsourcing-pg/internal/eventstore"
)

// PositionStore is satisfied by a tracker opened with processor locking
// disabled, so operator reads and resets never contend with running workers.
type PositionStore interface {
	Positions(ctx context.Context) ([]domain.ProcessorPosition, error)
	ResetLastProcessedEventID(ctx context.Context, name string) error
}

// ProcessorStatus is a tracked position plus how far it trails the newest event.
type ProcessorStatus struct {
	domain.ProcessorPosition
	Lag int64 `json:"lag"`
}

// ProcessorService is the operator view over the event store and the
// tracker table. HTTP handlers depend on this service, not on either store.
type ProcessorService struct {
	positions PositionStore
	store     eventstore.Store
	logger    *zap.Logger
}

func NewProcessorService(positions PositionStore, store eventstore.Store, logger *zap.Logger) *ProcessorService {
	return &ProcessorService{positions: positions, store: store, logger: logger}
}

// List returns every tracked processor ordered by name.
func (s *ProcessorService) List(ctx context.Context) ([]ProcessorStatus, error) {
	positions, err := s.positions.Positions(ctx)
	if err != nil {
		return nil, err
	}
	latest, err := s.store.LatestEventID(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]ProcessorStatus, len(positions))
	for i, p := range positions {
		out[i] = status(p, latest)
	}
	return out, nil
}

// Get returns one processor or domain.ErrNotFound.
func (s *ProcessorService) Get(ctx context.Context, name string) (*ProcessorStatus, error) {
	if err := domain.ValidateProcessorName(name); err != nil {
		return nil, err
	}
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].Name == name {
			return &all[i], nil
		}
	}
	return nil, domain.ErrNotFound
}

// Reset rewinds a processor to position 0. A running worker's next position
// update fails its conditional check, so the worker re-reads the position and
// replays the whole log instead of overwriting the reset. Side effects of the
// event in flight at the time of the reset are repeated.
func (s *ProcessorService) Reset(ctx context.Context, name string) error {
	if err := domain.ValidateProcessorName(name); err != nil {
		return err
	}
	if err := s.positions.ResetLastProcessedEventID(ctx, name); err != nil {
		return err
	}
	s.logger.Info("processor reset requested", zap.String("processor", name))
	return nil
}

// AppendEvents validates and appends a batch in one transaction.
func (s *ProcessorService) AppendEvents(ctx context.Context, req domain.AppendRequest) ([]domain.Event, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	events, err := s.store.Append(ctx, req.Events)
	if err != nil {
		return nil, fmt.Errorf("append events: %w", err)
	}
	s.logger.Info("events appended",
		zap.Int("count", len(events)),
		zap.Int64("last_event_id", events[len(events)-1].ID),
	)
	return events, nil
}

func status(p domain.ProcessorPosition, latest int64) ProcessorStatus {
	lag := latest - p.LastProcessedEventID
	if lag < 0 {
		lag = 0
	}
	return ProcessorStatus{ProcessorPosition: p, Lag: lag}
}
