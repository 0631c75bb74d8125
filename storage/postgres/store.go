// Package postgres stores events, overrides and shares in PostgreSQL via
// lib/pq. Writers publish the touched event ID on a NOTIFY channel so that
// every process sharing the database can invalidate its caches.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/samber/mo"

	"github.com/cyp0633/libcalrecur/override"
	"github.com/cyp0633/libcalrecur/recurrence"
	"github.com/cyp0633/libcalrecur/storage"
)

// Channel is the NOTIFY channel carrying invalidated event IDs.
const Channel = "calrecur_invalidate"

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id          UUID PRIMARY KEY,
	owner_id    UUID NOT NULL,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	starts_at   TIMESTAMPTZ NOT NULL,
	ends_at     TIMESTAMPTZ NOT NULL,
	timezone    TEXT NOT NULL DEFAULT 'UTC',
	recurrence  JSONB,
	last_start  TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
	deleted_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS events_window_idx ON events (starts_at, last_start) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS event_overrides (
	event_id    UUID NOT NULL REFERENCES events (id),
	ordinal     INTEGER NOT NULL CHECK (ordinal >= 0),
	created_at  TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
	deleted     BOOLEAN NOT NULL DEFAULT FALSE,
	starts_at   TIMESTAMPTZ,
	ends_at     TIMESTAMPTZ,
	name        TEXT,
	description TEXT
);
CREATE INDEX IF NOT EXISTS event_overrides_key_idx ON event_overrides (event_id, ordinal, created_at);

CREATE TABLE IF NOT EXISTS event_shares (
	event_id UUID NOT NULL REFERENCES events (id),
	user_id  UUID NOT NULL,
	can_edit BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (event_id, user_id)
);
`

// Store implements storage.Store, ShareStore, Writer and Notifier on a
// PostgreSQL database.
type Store struct {
	db     *sql.DB
	dsn    string
	logger *slog.Logger

	listenMu  sync.Mutex
	listeners map[int]func(uuid.UUID)
	nextID    int
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Config holds connection settings.
type Config struct {
	DSN             string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to the database and pings it.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, unavailable("open database", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, unavailable("ping database", err)
	}
	return New(db, cfg.DSN, opts...), nil
}

// New wraps an open database. dsn is used only by Listen.
func New(db *sql.DB, dsn string, opts ...Option) *Store {
	s := &Store{
		db:        db,
		dsn:       dsn,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		listeners: make(map[int]func(uuid.UUID)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return unavailable("migrate schema", err)
	}
	return nil
}

func unavailable(msg string, err error) error {
	return &storage.Error{Type: storage.ErrUnavailable, Message: msg, Err: err}
}

// idFilter turns an optional ID list into the (all, ids) query arguments.
func idFilter(ids []uuid.UUID) (bool, any) {
	if ids == nil {
		return true, pq.Array([]string{})
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	return false, pq.Array(strs)
}

// lastStart is the stored upper bound on occurrence starts; nil means the
// event recurs forever.
func lastStart(e storage.Event) *time.Time {
	if e.Rule == nil {
		t := e.Span.Start
		return &t
	}
	if t, ok := e.Rule.LastStart(e.Span); ok {
		return &t
	}
	if e.Rule.Bound != nil {
		// Bounded with no occurrence beyond the base.
		t := e.Span.Start
		return &t
	}
	return nil
}

const listEvents = `
SELECT id, owner_id, name, description, starts_at, ends_at, timezone, recurrence, created_at
FROM events
WHERE deleted_at IS NULL
  AND starts_at < $2
  AND (last_start IS NULL OR last_start >= $1)
  AND ($3 OR id = ANY($4::uuid[]))
ORDER BY starts_at, id`

func (s *Store) ListEvents(ctx context.Context, ids []uuid.UUID, w storage.Window) ([]storage.Event, error) {
	all, arr := idFilter(ids)
	rows, err := s.db.QueryContext(ctx, listEvents, w.Start, w.End, all, arr)
	if err != nil {
		return nil, unavailable("list events", err)
	}
	defer rows.Close()

	var out []storage.Event
	for rows.Next() {
		var (
			e      storage.Event
			tz     string
			rawRec []byte
		)
		if err := rows.Scan(&e.ID, &e.Owner, &e.Name, &e.Description,
			&e.Span.Start, &e.Span.End, &tz, &rawRec, &e.CreatedAt); err != nil {
			return nil, unavailable("scan event", err)
		}
		loc, err := time.LoadLocation(tz)
		if err != nil {
			s.logger.Warn("unknown event timezone, using UTC", "event_id", e.ID, "timezone", tz)
			loc = time.UTC
		}
		e.Span.Start = e.Span.Start.In(loc)
		e.Span.End = e.Span.End.In(loc)
		if rawRec != nil {
			rule, err := recurrence.ParseRule(rawRec, e.Span)
			if err != nil {
				return nil, &storage.Error{
					Type:    storage.ErrInvalidInput,
					Message: fmt.Sprintf("stored rule of event %s", e.ID),
					Err:     err,
				}
			}
			e.Rule = rule
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list events", err)
	}
	return out, nil
}

const listOverrides = `
SELECT event_id, ordinal, created_at, deleted, starts_at, ends_at, name, description
FROM event_overrides
WHERE $1 OR event_id = ANY($2::uuid[])
ORDER BY event_id, ordinal, created_at`

func (s *Store) ListOverrides(ctx context.Context, ids []uuid.UUID) ([]override.Override, error) {
	all, arr := idFilter(ids)
	rows, err := s.db.QueryContext(ctx, listOverrides, all, arr)
	if err != nil {
		return nil, unavailable("list overrides", err)
	}
	defer rows.Close()

	var out []override.Override
	for rows.Next() {
		var (
			o        override.Override
			startsAt sql.NullTime
			endsAt   sql.NullTime
			name     sql.NullString
			descr    sql.NullString
		)
		if err := rows.Scan(&o.EventID, &o.Ordinal, &o.CreatedAt, &o.Deleted,
			&startsAt, &endsAt, &name, &descr); err != nil {
			return nil, unavailable("scan override", err)
		}
		o.StartsAt = nullable(startsAt.Time, startsAt.Valid)
		o.EndsAt = nullable(endsAt.Time, endsAt.Valid)
		o.Name = nullable(name.String, name.Valid)
		o.Description = nullable(descr.String, descr.Valid)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list overrides", err)
	}
	return out, nil
}

func nullable[T any](v T, valid bool) mo.Option[T] {
	if !valid {
		return mo.None[T]()
	}
	return mo.Some(v)
}

func (s *Store) ListShares(ctx context.Context, user uuid.UUID) ([]storage.Share, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, user_id, can_edit FROM event_shares WHERE user_id = $1 ORDER BY event_id`, user)
	if err != nil {
		return nil, unavailable("list shares", err)
	}
	defer rows.Close()

	var out []storage.Share
	for rows.Next() {
		var sh storage.Share
		if err := rows.Scan(&sh.EventID, &sh.User, &sh.CanEdit); err != nil {
			return nil, unavailable("scan share", err)
		}
		out = append(out, sh)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list shares", err)
	}
	return out, nil
}

// withTx runs fn in a transaction and publishes id on commit.
func (s *Store) withTx(ctx context.Context, id uuid.UUID, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, Channel, id.String()); err != nil {
		return unavailable("notify", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

// classify maps constraint violations to storage error types.
func classify(msg string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23":
			if pqErr.Code.Name() == "foreign_key_violation" {
				return &storage.Error{Type: storage.ErrNotFound, Message: msg, Err: err}
			}
			return &storage.Error{Type: storage.ErrInvalidInput, Message: msg, Err: err}
		}
	}
	return unavailable(msg, err)
}

func (s *Store) PutEvent(ctx context.Context, e storage.Event) error {
	if e.ID == uuid.Nil {
		return &storage.Error{Type: storage.ErrInvalidInput, Message: "event ID is required"}
	}
	var rec []byte
	if e.Rule != nil {
		if err := e.Rule.Validate(e.Span); err != nil {
			return &storage.Error{Type: storage.ErrInvalidInput, Message: "invalid recurrence rule", Err: err}
		}
		var err error
		if rec, err = json.Marshal(e.Rule); err != nil {
			return &storage.Error{Type: storage.ErrInvalidInput, Message: "encode recurrence rule", Err: err}
		}
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	return s.withTx(ctx, e.ID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO events (id, owner_id, name, description, starts_at, ends_at, timezone, recurrence, last_start, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE SET
	owner_id = EXCLUDED.owner_id, name = EXCLUDED.name, description = EXCLUDED.description,
	starts_at = EXCLUDED.starts_at, ends_at = EXCLUDED.ends_at, timezone = EXCLUDED.timezone,
	recurrence = EXCLUDED.recurrence, last_start = EXCLUDED.last_start, deleted_at = NULL`,
			e.ID, e.Owner, e.Name, e.Description, e.Span.Start, e.Span.End,
			e.Span.Start.Location().String(), rec, lastStart(e), created)
		if err != nil {
			return classify("put event", err)
		}
		return nil
	})
}

// DeleteEvent sets deleted_at. Overrides and shares are kept.
func (s *Store) DeleteEvent(ctx context.Context, id uuid.UUID) error {
	return s.withTx(ctx, id, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE events SET deleted_at = CURRENT_TIMESTAMP WHERE id = $1 AND deleted_at IS NULL`, id)
		if err != nil {
			return classify("delete event", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &storage.Error{Type: storage.ErrNotFound, Message: "event not found"}
		}
		return nil
	})
}

func optional[T any](o mo.Option[T]) any {
	if v, ok := o.Get(); ok {
		return v
	}
	return nil
}

func (s *Store) PutOverride(ctx context.Context, o override.Override) error {
	if o.Ordinal < 0 {
		return &storage.Error{Type: storage.ErrInvalidInput, Message: fmt.Sprintf("negative ordinal %d", o.Ordinal)}
	}
	created := o.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return s.withTx(ctx, o.EventID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO event_overrides (event_id, ordinal, created_at, deleted, starts_at, ends_at, name, description)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			o.EventID, o.Ordinal, created, o.Deleted,
			optional(o.StartsAt), optional(o.EndsAt), optional(o.Name), optional(o.Description))
		if err != nil {
			return classify("put override", err)
		}
		return nil
	})
}

func (s *Store) PutShare(ctx context.Context, sh storage.Share) error {
	return s.withTx(ctx, sh.EventID, func(tx *sql.Tx) error {
		var owner uuid.UUID
		err := tx.QueryRowContext(ctx, `SELECT owner_id FROM events WHERE id = $1`, sh.EventID).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) {
			return &storage.Error{Type: storage.ErrNotFound, Message: "share targets unknown event"}
		}
		if err != nil {
			return classify("put share", err)
		}
		if owner == sh.User {
			return &storage.Error{Type: storage.ErrAlreadyExists, Message: "user already owns the event"}
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO event_shares (event_id, user_id, can_edit) VALUES ($1, $2, $3)
ON CONFLICT (event_id, user_id) DO UPDATE SET can_edit = EXCLUDED.can_edit`,
			sh.EventID, sh.User, sh.CanEdit)
		if err != nil {
			return classify("put share", err)
		}
		return nil
	})
}

func (s *Store) OnInvalidate(fn func(uuid.UUID)) (cancel func()) {
	s.listenMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenMu.Unlock()

	return func() {
		s.listenMu.Lock()
		delete(s.listeners, id)
		s.listenMu.Unlock()
	}
}

func (s *Store) dispatch(id uuid.UUID) {
	s.listenMu.Lock()
	fns := make([]func(uuid.UUID), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenMu.Unlock()

	for _, fn := range fns {
		fn(id)
	}
}

// Listen forwards notifications on Channel to OnInvalidate callbacks until
// ctx is done. After a reconnect every callback receives uuid.Nil, meaning
// any event may have changed.
func (s *Store) Listen(ctx context.Context) error {
	l := pq.NewListener(s.dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			s.logger.Warn("invalidation listener event", "event", ev, "error", err)
		}
	})
	defer l.Close()

	if err := l.Listen(Channel); err != nil {
		return unavailable("listen", err)
	}
	s.logger.Info("listening for invalidations", "channel", Channel)

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-l.Notify:
			if n == nil {
				s.dispatch(uuid.Nil)
				continue
			}
			id, err := uuid.Parse(n.Extra)
			if err != nil {
				s.logger.Warn("ignoring malformed invalidation", "payload", n.Extra)
				continue
			}
			s.dispatch(id)
		case <-time.After(90 * time.Second):
			go func() { _ = l.Ping() }()
		}
	}
}
