package waiter

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Notification is one message received on a subscribed channel.
type Notification struct {
	Channel string
	Payload string
	PID     uint32
}

// Subscription is a live LISTEN on one connection.
type Subscription interface {
	// WaitForNotification blocks until a notification arrives or ctx is done.
	WaitForNotification(ctx context.Context) (Notification, error)
	// Close stops listening and releases the connection.
	Close(ctx context.Context) error
}

// Listener opens subscriptions to a notification channel.
// The pgx implementation is PgListener; tests use a hand-written fake.
type Listener interface {
	Listen(ctx context.Context, channel string) (Subscription, error)
}

// PgListener subscribes with a connection taken out of the pool for the
// lifetime of the subscription, so LISTEN state never leaks to other users.
type PgListener struct {
	pool *pgxpool.Pool
}

func NewPgListener(pool *pgxpool.Pool) *PgListener {
	return &PgListener{pool: pool}
}

func (l *PgListener) Listen(ctx context.Context, channel string) (Subscription, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen on %q: %w", channel, err)
	}
	return &pgSubscription{conn: conn}, nil
}

type pgSubscription struct {
	conn *pgxpool.Conn
}

func (s *pgSubscription) WaitForNotification(ctx context.Context) (Notification, error) {
	n, err := s.conn.Conn().WaitForNotification(ctx)
	if err != nil {
		return Notification{}, err
	}
	return Notification{Channel: n.Channel, Payload: n.Payload, PID: n.PID}, nil
}

// Close unlistens when the connection survived; a connection broken by a
// cancelled wait is destroyed by the pool on Release.
func (s *pgSubscription) Close(ctx context.Context) error {
	defer s.conn.Release()
	if s.conn.Conn().IsClosed() {
		return nil
	}
	if _, err := s.conn.Exec(ctx, "UNLISTEN *"); err != nil {
		return fmt.Errorf("unlisten: %w", err)
	}
	return nil
}

// compile-time check that PgListener implements Listener
var _ Listener = (*PgListener)(nil)
