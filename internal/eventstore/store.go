// Package eventstore is the minimal append-only event log the consumers read:
// appends announce each new event id on the notification channel, and reads
// return events past a position in id order.
package eventstore

import (
	"context"

	"github.com/notifyhub/eventsourcing-pg/internal/domain"
)

// Store defines the event log operations used by processors and the API.
// The pgx implementation is in pg_store.go.
// Tests use a hand-written mock (mock_store.go).
type Store interface {
	// Append stores events atomically and notifies each new id on commit.
	Append(ctx context.Context, events []domain.NewEventRequest) ([]domain.Event, error)
	// EventsAfter returns up to limit events with id > afterID, ascending.
	EventsAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}
