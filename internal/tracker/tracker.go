// Package tracker persists how far each named processor has read the event
// log, and keeps at most one live session advancing a given processor by
// holding a non-blocking, session-scoped advisory lock on its name.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/notifyhub/eventsourcing-pg/internal/domain"
)

// DefaultTable is the tracker table used when Options.Table is empty.
const DefaultTable = "tracker"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DBTX is the subset of a pgx connection the tracker needs.
// Advisory locks are session scoped, so a locking tracker must be given one
// connection (*pgx.Conn, *pgxpool.Conn, pgxmock). A tracker with
// SkipProcessorLock may share a *pgxpool.Pool.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Options struct {
	Table string
	// SkipProcessorLock bypasses advisory locking entirely. Meant for
	// inspection tools that must not contend with a live consumer.
	SkipProcessorLock bool
	// DisableAutoCreate makes Setup fail instead of creating a missing
	// table or record.
	DisableAutoCreate bool
}

// Hooks carries the metric callbacks injected by main.
type Hooks struct {
	OnPosition    func(processor string, eventID int64)
	OnLockFailure func(processor string)
}

// WorkFunc is the unit of work guarded by ProcessingEvent. It runs inside the
// same transaction that records the new position.
type WorkFunc func(ctx context.Context, tx pgx.Tx) error

type Tracker struct {
	db     DBTX
	opts   Options
	table  string
	logger *zap.Logger
	hooks  Hooks

	// release returns an owned connection to its pool; nil when the caller
	// owns the connection.
	release func()
	// closeSession ends the database session so the server drops its
	// advisory locks. Used only when the locks cannot be released normally.
	closeSession func(ctx context.Context) error

	mu   sync.Mutex
	held map[string]struct{}
}

func New(db DBTX, opts Options, logger *zap.Logger, hooks Hooks) (*Tracker, error) {
	if opts.Table == "" {
		opts.Table = DefaultTable
	}
	if !validTableName.MatchString(opts.Table) {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidTableName, opts.Table)
	}
	if hooks.OnPosition == nil {
		hooks.OnPosition = func(string, int64) {}
	}
	if hooks.OnLockFailure == nil {
		hooks.OnLockFailure = func(string) {}
	}
	t := &Tracker{
		db:     db,
		opts:   opts,
		table:  pgx.Identifier{opts.Table}.Sanitize(),
		logger: logger.With(zap.String("tracker_table", opts.Table)),
		hooks:  hooks,
		held:   make(map[string]struct{}),
	}
	if c, ok := db.(sessionCloser); ok {
		t.closeSession = c.Close
	}
	return t, nil
}

// sessionCloser is implemented by *pgx.Conn.
type sessionCloser interface {
	Close(ctx context.Context) error
}

// Open acquires a dedicated connection from pool for the tracker's lifetime.
// Close returns it.
func Open(ctx context.Context, pool *pgxpool.Pool, opts Options, logger *zap.Logger, hooks Hooks) (*Tracker, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire tracker connection: %w", err)
	}
	t, err := New(conn, opts, logger, hooks)
	if err != nil {
		conn.Release()
		return nil, err
	}
	t.release = conn.Release
	// The pool destroys a released connection that is already closed.
	t.closeSession = conn.Conn().Close
	return t, nil
}

// LockKey maps a processor name onto the bigint advisory-lock key space.
// Distinct names collide with probability 2^-64 per pair; two colliding
// processors would merely exclude each other, never share progress.
func LockKey(name string) int64 {
	return int64(xxhash.Sum64String(name))
}

// Setup guarantees the tracker table exists. When name is non-empty it also
// takes the processor's advisory lock and creates its zeroed record.
//
// ErrUnableToLockProcessor is returned when the lock is held by another
// session, or when auto-creation is disabled and the table or record is
// missing. No record is written in either case.
func (t *Tracker) Setup(ctx context.Context, name string) error {
	if !t.opts.DisableAutoCreate {
		if _, err := t.db.Exec(ctx, t.createTableSQL()); err != nil {
			return fmt.Errorf("create tracker table: %w", err)
		}
	} else {
		exists, err := t.tableExists(ctx)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: tracker table %s does not exist", domain.ErrUnableToLockProcessor, t.table)
		}
	}

	if name == "" {
		return nil
	}
	if err := domain.ValidateProcessorName(name); err != nil {
		return err
	}

	if t.opts.DisableAutoCreate {
		var one int
		err := t.db.QueryRow(ctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE name = $1`, t.table), name).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: no tracker record for processor %q", domain.ErrUnableToLockProcessor, name)
		}
		if err != nil {
			return fmt.Errorf("look up tracker record: %w", err)
		}
	}

	if !t.opts.SkipProcessorLock {
		if err := t.lock(ctx, name); err != nil {
			return err
		}
	}

	if t.opts.DisableAutoCreate {
		return nil
	}

	_, err := t.db.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (name, last_processed_event_id)
		VALUES ($1, 0)
		ON CONFLICT (name) DO NOTHING`, t.table), name)
	if err != nil {
		return fmt.Errorf("create tracker record: %w", err)
	}
	t.logger.Info("processor tracker ready", zap.String("processor", name))
	return nil
}

// LastProcessedEventID returns the recorded position, or 0 when no record exists.
func (t *Tracker) LastProcessedEventID(ctx context.Context, name string) (int64, error) {
	var id int64
	err := t.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT last_processed_event_id FROM %s WHERE name = $1`, t.table), name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read last processed event id: %w", err)
	}
	return id, nil
}

// ProcessedEvent sets the recorded position to id unconditionally.
func (t *Tracker) ProcessedEvent(ctx context.Context, name string, id int64) error {
	if err := t.setPosition(ctx, t.db, name, id); err != nil {
		return err
	}
	t.hooks.OnPosition(name, id)
	return nil
}

// ProcessingEvent runs work and, only when it succeeds, records id as the
// processor's position in the same transaction. A work error rolls back and
// is returned unchanged.
func (t *Tracker) ProcessingEvent(ctx context.Context, name string, id int64, work WorkFunc) error {
	return t.processing(ctx, name, id, work, func(tx pgx.Tx) error {
		return t.setPosition(ctx, tx, name, id)
	})
}

// ProcessingEventFrom is ProcessingEvent guarded by the position the caller
// read: the update only applies while the recorded position still equals
// from. Otherwise work is rolled back and domain.ErrPositionChanged returned.
func (t *Tracker) ProcessingEventFrom(ctx context.Context, name string, from, id int64, work WorkFunc) error {
	return t.processing(ctx, name, id, work, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, fmt.Sprintf(
			`UPDATE %s SET last_processed_event_id = $2 WHERE name = $1 AND last_processed_event_id = $3`,
			t.table), name, id, from)
		if err != nil {
			return fmt.Errorf("update last processed event id: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %q is no longer at %d", domain.ErrPositionChanged, name, from)
		}
		return nil
	})
}

func (t *Tracker) processing(ctx context.Context, name string, id int64, work WorkFunc, update func(pgx.Tx) error) error {
	tx, err := t.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin processing transaction: %w", err)
	}

	if err := work(ctx, tx); err != nil {
		t.rollback(ctx, tx)
		return err
	}

	if err := update(tx); err != nil {
		t.rollback(ctx, tx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit processing transaction: %w", err)
	}
	t.hooks.OnPosition(name, id)
	return nil
}

// ResetLastProcessedEventID sets the recorded position back to 0.
func (t *Tracker) ResetLastProcessedEventID(ctx context.Context, name string) error {
	if err := t.ProcessedEvent(ctx, name, 0); err != nil {
		return err
	}
	t.logger.Info("processor position reset", zap.String("processor", name))
	return nil
}

// TrackedProcessors returns the names of every tracked processor, ascending.
func (t *Tracker) TrackedProcessors(ctx context.Context) ([]string, error) {
	positions, err := t.Positions(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(positions))
	for i, p := range positions {
		names[i] = p.Name
	}
	return names, nil
}

// Positions returns every tracker record ordered by name.
func (t *Tracker) Positions(ctx context.Context) ([]domain.ProcessorPosition, error) {
	rows, err := t.db.Query(ctx,
		fmt.Sprintf(`SELECT name, last_processed_event_id FROM %s ORDER BY name ASC`, t.table))
	if err != nil {
		return nil, fmt.Errorf("list tracked processors: %w", err)
	}
	defer rows.Close()

	positions := []domain.ProcessorPosition{}
	for rows.Next() {
		var p domain.ProcessorPosition
		if err := rows.Scan(&p.Name, &p.LastProcessedEventID); err != nil {
			return nil, fmt.Errorf("scan tracked processor: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Release drops this session's advisory lock on name, if held.
func (t *Tracker) Release(ctx context.Context, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.held[name]; !ok {
		return nil
	}

	var released bool
	if err := t.db.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, LockKey(name)).Scan(&released); err != nil {
		return fmt.Errorf("release processor lock: %w", err)
	}
	delete(t.held, name)
	if !released {
		t.logger.Warn("processor lock was not held by this session", zap.String("processor", name))
	}
	return nil
}

// Close releases every lock held by this tracker and, for trackers created
// by Open, returns the connection to its pool.
//
// If the locks cannot be released the session is closed instead, so no
// later user of the connection inherits them.
func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	held := len(t.held)
	t.held = make(map[string]struct{})
	t.mu.Unlock()

	var err error
	if held > 0 {
		if _, execErr := t.db.Exec(ctx, `SELECT pg_advisory_unlock_all()`); execErr != nil {
			err = fmt.Errorf("release processor locks: %w", execErr)
			t.endSession(ctx)
		}
	}
	if t.release != nil {
		t.release()
		t.release = nil
	}
	return err
}

func (t *Tracker) endSession(ctx context.Context) {
	if t.closeSession == nil {
		t.logger.Error("processor locks may still be held; connection cannot be closed from here")
		return
	}
	if err := t.closeSession(ctx); err != nil {
		t.logger.Warn("close tracker session", zap.Error(err))
	}
}

func (t *Tracker) lock(ctx context.Context, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.held[name]; ok {
		return nil
	}

	var obtained bool
	if err := t.db.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, LockKey(name)).Scan(&obtained); err != nil {
		return fmt.Errorf("acquire processor lock: %w", err)
	}
	if !obtained {
		t.hooks.OnLockFailure(name)
		return fmt.Errorf("%w: %q is locked by another session", domain.ErrUnableToLockProcessor, name)
	}
	t.held[name] = struct{}{}
	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (t *Tracker) setPosition(ctx context.Context, db execer, name string, id int64) error {
	tag, err := db.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET last_processed_event_id = $2 WHERE name = $1`, t.table), name, id)
	if err != nil {
		return fmt.Errorf("update last processed event id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: no tracker record for processor %q", domain.ErrNotFound, name)
	}
	return nil
}

func (t *Tracker) rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		t.logger.Warn("rollback processing transaction", zap.Error(err))
	}
}

func (t *Tracker) tableExists(ctx context.Context) (bool, error) {
	var exists bool
	if err := t.db.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, t.table).Scan(&exists); err != nil {
		return false, fmt.Errorf("check tracker table: %w", err)
	}
	return exists, nil
}

func (t *Tracker) createTableSQL() string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id                      bigserial PRIMARY KEY,
			name                    text      NOT NULL UNIQUE,
			last_processed_event_id bigint    NOT NULL DEFAULT 0
				CHECK (last_processed_event_id >= 0)
		)`, t.table)
}
