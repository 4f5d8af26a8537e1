package eventstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/notifyhub/eventsourcing-pg/internal/domain"
)

// MockStore is a hand-written, in-memory implementation of Store used in
// unit tests. OnAppend, when set, is called with each new id after an append,
// standing in for the notification channel.
type MockStore struct {
	mu     sync.RWMutex
	events []domain.Event

	OnAppend func(id int64)

	// Optional error overrides, set in tests to simulate failure paths.
	AppendErr      error
	EventsAfterErr error
}

func NewMockStore() *MockStore {
	return &MockStore{}
}

func (m *MockStore) Append(_ context.Context, requests []domain.NewEventRequest) ([]domain.Event, error) {
	if m.AppendErr != nil {
		return nil, m.AppendErr
	}
	if len(requests) == 0 {
		return nil, domain.ErrBatchEmpty
	}

	m.mu.Lock()
	appended := make([]domain.Event, len(requests))
	for i, req := range requests {
		e := domain.Event{
			ID:          int64(len(m.events)) + 1,
			UUID:        uuid.New(),
			AggregateID: req.AggregateID,
			Type:        req.Type,
			Body:        req.Body,
			CreatedAt:   time.Now().UTC(),
		}
		m.events = append(m.events, e)
		appended[i] = e
	}
	m.mu.Unlock()

	if m.OnAppend != nil {
		for _, e := range appended {
			m.OnAppend(e.ID)
		}
	}
	return appended, nil
}

func (m *MockStore) EventsAfter(_ context.Context, afterID int64, limit int) ([]domain.Event, error) {
	if m.EventsAfterErr != nil {
		return nil, m.EventsAfterErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.Event
	for _, e := range m.events {
		if e.ID <= afterID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MockStore) LatestEventID(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.events)), nil
}

// compile-time check that MockStore implements Store
var _ Store = (*MockStore)(nil)
