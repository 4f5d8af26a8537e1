package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/notifyhub/eventsourcing-pg/internal/domain"
)

// DB is the subset of *pgxpool.Pool the store needs; pgxmock pools fit too.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// appendLockKey serializes appends so ids become visible in id order. A
// reader that has seen id N can then never later find an unseen id below N.
var appendLockKey = int64(xxhash.Sum64String("eventstore.append"))

type pgStore struct {
	db      DB
	channel string
}

// NewPgStore returns a Store backed by PostgreSQL that notifies on channel.
func NewPgStore(db DB, channel string) Store {
	return &pgStore{db: db, channel: channel}
}

func (s *pgStore) Append(ctx context.Context, requests []domain.NewEventRequest) ([]domain.Event, error) {
	if len(requests) == 0 {
		return nil, domain.ErrBatchEmpty
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("lock append: %w", err)
	}

	events := make([]domain.Event, len(requests))
	for i, req := range requests {
		body := req.Body
		if len(body) == 0 {
			body = json.RawMessage(`{}`)
		}
		e := domain.Event{
			UUID:        uuid.New(),
			AggregateID: req.AggregateID,
			Type:        req.Type,
			Body:        body,
		}
		err := tx.QueryRow(ctx, `
			INSERT INTO events (uuid, aggregate_id, type, body)
			VALUES ($1, $2, $3, $4)
			RETURNING id, created_at`,
			e.UUID, e.AggregateID, e.Type, []byte(e.Body),
		).Scan(&e.ID, &e.CreatedAt)
		if err != nil {
			_ = tx.Rollback(ctx)
			return nil, fmt.Errorf("insert event %d: %w", i, err)
		}

		// Delivered to listeners only once the transaction commits.
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.channel, strconv.FormatInt(e.ID, 10)); err != nil {
			_ = tx.Rollback(ctx)
			return nil, fmt.Errorf("notify event %d: %w", e.ID, err)
		}
		events[i] = e
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return events, nil
}

func (s *pgStore) EventsAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, uuid, aggregate_id, type, body, created_at
		FROM events
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			e    domain.Event
			body []byte
		)
		if err := rows.Scan(&e.ID, &e.UUID, &e.AggregateID, &e.Type, &body, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Body = json.RawMessage(body)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *pgStore) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.db.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM events`).Scan(&id); err != nil {
		return 0, fmt.Errorf("latest event id: %w", err)
	}
	return id, nil
}
