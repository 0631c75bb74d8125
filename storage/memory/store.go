// memory based implementation for testing and the command-line tool
package memory

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/cyp0633/libcalrecur/override"
	"github.com/cyp0633/libcalrecur/recurrence"
	"github.com/cyp0633/libcalrecur/storage"
)

// Store implements storage.Store, ShareStore, Writer and Notifier using
// in-memory maps
type Store struct {
	mu        sync.RWMutex
	events    map[uuid.UUID]*storage.Event
	overrides map[override.Key][]override.Override // every row, latest resolution happens on read
	shares    map[uuid.UUID][]storage.Share        // key: user

	listenMu  sync.Mutex
	listeners map[int]func(uuid.UUID)
	nextID    int

	now func() time.Time
}

// New creates a new in-memory storage
func New() *Store {
	return &Store{
		events:    make(map[uuid.UUID]*storage.Event),
		overrides: make(map[override.Key][]override.Override),
		shares:    make(map[uuid.UUID][]storage.Share),
		listeners: make(map[int]func(uuid.UUID)),
		now:       time.Now,
	}
}

func wanted(ids []uuid.UUID) func(uuid.UUID) bool {
	if ids == nil {
		return func(uuid.UUID) bool { return true }
	}
	set := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return func(id uuid.UUID) bool {
		_, ok := set[id]
		return ok
	}
}

// Event operations

func (s *Store) ListEvents(_ context.Context, ids []uuid.UUID, w storage.Window) ([]storage.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	match := wanted(ids)
	var out []storage.Event
	for id, e := range s.events {
		if !match(id) || e.DeletedAt != nil || !e.MayOccurIn(w) {
			continue
		}
		out = append(out, *e)
	}
	slices.SortFunc(out, func(a, b storage.Event) int {
		return a.Span.Start.Compare(b.Span.Start)
	})
	return out, nil
}

// GetEvent returns a stored event, soft-deleted ones included.
func (s *Store) GetEvent(_ context.Context, id uuid.UUID) (*storage.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.events[id]
	if !ok {
		return nil, &storage.Error{
			Type:    storage.ErrNotFound,
			Message: "event not found",
		}
	}
	cp := *e
	return &cp, nil
}

func (s *Store) PutEvent(_ context.Context, e storage.Event) error {
	if e.ID == uuid.Nil {
		return &storage.Error{
			Type:    storage.ErrInvalidInput,
			Message: "event ID is required",
		}
	}
	if e.Rule != nil {
		if err := e.Rule.Validate(e.Span); err != nil {
			return &storage.Error{
				Type:    storage.ErrInvalidInput,
				Message: "invalid recurrence rule",
				Err:     err,
			}
		}
	}

	s.mu.Lock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	s.events[e.ID] = &e
	s.mu.Unlock()

	s.invalidate(e.ID)
	return nil
}

// DeleteEvent marks the event deleted. Its overrides and shares are kept.
func (s *Store) DeleteEvent(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	e, ok := s.events[id]
	if !ok || e.DeletedAt != nil {
		s.mu.Unlock()
		return &storage.Error{
			Type:    storage.ErrNotFound,
			Message: "event not found",
		}
	}
	at := s.now()
	e.DeletedAt = &at
	s.mu.Unlock()

	s.invalidate(id)
	return nil
}

// Override operations

func (s *Store) ListOverrides(_ context.Context, ids []uuid.UUID) ([]override.Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	match := wanted(ids)
	var out []override.Override
	for k, rows := range s.overrides {
		if match(k.EventID) {
			out = append(out, rows...)
		}
	}
	return out, nil
}

func (s *Store) PutOverride(_ context.Context, o override.Override) error {
	if o.Ordinal < 0 {
		return &storage.Error{
			Type:    storage.ErrInvalidInput,
			Message: fmt.Sprintf("negative ordinal %d", o.Ordinal),
		}
	}

	s.mu.Lock()
	if _, ok := s.events[o.EventID]; !ok {
		s.mu.Unlock()
		return &storage.Error{
			Type:    storage.ErrNotFound,
			Message: "override targets unknown event",
		}
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.now()
	}
	s.overrides[o.Key()] = append(s.overrides[o.Key()], o)
	s.mu.Unlock()

	s.invalidate(o.EventID)
	return nil
}

// Share operations

func (s *Store) ListShares(_ context.Context, user uuid.UUID) ([]storage.Share, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.shares[user]), nil
}

func (s *Store) PutShare(_ context.Context, sh storage.Share) error {
	s.mu.Lock()
	e, ok := s.events[sh.EventID]
	if !ok {
		s.mu.Unlock()
		return &storage.Error{
			Type:    storage.ErrNotFound,
			Message: "share targets unknown event",
		}
	}
	if e.Owner == sh.User {
		s.mu.Unlock()
		return &storage.Error{
			Type:    storage.ErrAlreadyExists,
			Message: "user already owns the event",
		}
	}
	list := s.shares[sh.User]
	if i := slices.IndexFunc(list, func(x storage.Share) bool { return x.EventID == sh.EventID }); i >= 0 {
		list[i] = sh
	} else {
		s.shares[sh.User] = append(list, sh)
	}
	s.mu.Unlock()

	s.invalidate(sh.EventID)
	return nil
}

// Notifications

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

func (s *Store) invalidate(id uuid.UUID) {
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

// Fixtures

type fixture struct {
	Events    []fixtureEvent    `json:"events"`
	Overrides []fixtureOverride `json:"overrides"`
	Shares    []fixtureShare    `json:"shares"`
}

type fixtureEvent struct {
	ID          uuid.UUID       `json:"id"`
	Owner       uuid.UUID       `json:"owner"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	StartsAt    time.Time       `json:"startsAt"`
	EndsAt      time.Time       `json:"endsAt"`
	Recurrence  json.RawMessage `json:"recurrence,omitempty"`
}

type fixtureOverride struct {
	EventID     uuid.UUID  `json:"eventId"`
	Ordinal     int        `json:"ordinal"`
	CreatedAt   time.Time  `json:"createdAt"`
	Deleted     bool       `json:"deleted"`
	StartsAt    *time.Time `json:"startsAt,omitempty"`
	EndsAt      *time.Time `json:"endsAt,omitempty"`
	Name        *string    `json:"name,omitempty"`
	Description *string    `json:"description,omitempty"`
}

type fixtureShare struct {
	EventID uuid.UUID `json:"eventId"`
	User    uuid.UUID `json:"user"`
	CanEdit bool      `json:"canEdit"`
}

// LoadFixture reads a JSON document of events, overrides and shares and
// stores every record in it. Every recurrence rule is parsed before the
// first event is stored.
func (s *Store) LoadFixture(r io.Reader) error {
	var fx fixture
	if err := json.NewDecoder(r).Decode(&fx); err != nil {
		return &storage.Error{Type: storage.ErrInvalidInput, Message: "decode fixture", Err: err}
	}

	events := make([]storage.Event, 0, len(fx.Events))
	for n, fe := range fx.Events {
		e := storage.Event{
			ID:          fe.ID,
			Owner:       fe.Owner,
			Name:        fe.Name,
			Description: fe.Description,
			Span:        recurrence.Span{Start: fe.StartsAt, End: fe.EndsAt},
		}
		if len(fe.Recurrence) > 0 && string(fe.Recurrence) != "null" {
			rule, err := recurrence.ParseRule(fe.Recurrence, e.Span)
			if err != nil {
				return &storage.Error{
					Type:    storage.ErrInvalidInput,
					Message: fmt.Sprintf("event %d (%s)", n, fe.ID),
					Err:     err,
				}
			}
			e.Rule = rule
		}
		events = append(events, e)
	}

	ctx := context.Background()
	for _, e := range events {
		if err := s.PutEvent(ctx, e); err != nil {
			return err
		}
	}
	for _, fo := range fx.Overrides {
		o := override.Override{
			EventID:     fo.EventID,
			Ordinal:     fo.Ordinal,
			CreatedAt:   fo.CreatedAt,
			Deleted:     fo.Deleted,
			StartsAt:    mo.PointerToOption(fo.StartsAt),
			EndsAt:      mo.PointerToOption(fo.EndsAt),
			Name:        mo.PointerToOption(fo.Name),
			Description: mo.PointerToOption(fo.Description),
		}
		if err := s.PutOverride(ctx, o); err != nil {
			return err
		}
	}
	for _, fs := range fx.Shares {
		if err := s.PutShare(ctx, storage.Share(fs)); err != nil {
			return err
		}
	}
	return nil
}
