package catalog

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an event is not in the catalog.
var ErrNotFound = errors.New("event not in catalog")

// Payload is the display data shared by every occurrence of an event.
type Payload struct {
	Name        string
	Description string
	Owner       uuid.UUID
	Editable    bool
}

// Record is the catalog's entry for one event. Occurrence entries hold a
// *Record, so a payload swap is seen by all of them at once.
type Record struct {
	id      uuid.UUID
	payload atomic.Pointer[Payload]
	refs    atomic.Int64
	stale   atomic.Bool
}

// ID returns the event ID.
func (r *Record) ID() uuid.UUID {
	return r.id
}

// Payload returns the current payload.
func (r *Record) Payload() Payload {
	return *r.payload.Load()
}

// Stale reports whether the record was invalidated and is no longer in the
// catalog.
func (r *Record) Stale() bool {
	return r.stale.Load()
}

// Refs returns the number of live references.
func (r *Record) Refs() int64 {
	return r.refs.Load()
}

// ConsistencyError reports that the catalog and its referencing entries
// have diverged.
type ConsistencyError struct {
	EventID uuid.UUID
	Refs    int64
	Reason  string
}

func (e *ConsistencyError) Error() string {
	if e.Refs > 0 {
		return fmt.Sprintf("catalog consistency: event %s: %s (%d live references)", e.EventID, e.Reason, e.Refs)
	}
	return fmt.Sprintf("catalog consistency: event %s: %s", e.EventID, e.Reason)
}

// Catalog maps event IDs to shared records.
type Catalog struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*Record
	logger  *slog.Logger
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithLogger sets the logger for the catalog.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Catalog) {
		c.logger = logger
	}
}

// New creates an empty catalog.
func New(opts ...Option) *Catalog {
	c := &Catalog{
		records: make(map[uuid.UUID]*Record),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the payload of an event.
func (c *Catalog) Get(id uuid.UUID) (Payload, error) {
	rec, ok := c.Lookup(id)
	if !ok {
		return Payload{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.Payload(), nil
}

// Lookup returns the record of an event.
func (c *Catalog) Lookup(id uuid.UUID) (*Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[id]
	return rec, ok
}

// Put stores a payload. An existing record is updated in place and keeps
// its references.
func (c *Catalog) Put(id uuid.UUID, p Payload) *Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rec, ok := c.records[id]; ok {
		rec.payload.Store(&p)
		return rec
	}
	rec := &Record{id: id}
	rec.payload.Store(&p)
	c.records[id] = rec
	return rec
}

// Remove deletes an event. It fails with *ConsistencyError while loaded
// occurrences still reference the event.
func (c *Catalog) Remove(id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if n := rec.refs.Load(); n > 0 {
		return &ConsistencyError{EventID: id, Refs: n, Reason: "remove with loaded occurrences"}
	}
	delete(c.records, id)
	return nil
}

// Invalidate drops an event whatever its references and marks the record
// stale. Entries still holding it are dropped when next read.
func (c *Catalog) Invalidate(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[id]
	if !ok {
		return false
	}
	rec.stale.Store(true)
	delete(c.records, id)
	c.logger.Debug("catalog record invalidated", "event_id", id, "refs", rec.refs.Load())
	return true
}

// Acquire takes a reference on an event's record.
func (c *Catalog) Acquire(id uuid.UUID) (*Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.records[id]
	if !ok {
		return nil, &ConsistencyError{EventID: id, Reason: "occurrence references an event missing from the catalog"}
	}
	rec.refs.Add(1)
	return rec, nil
}

// Release drops a reference taken by Acquire.
func (c *Catalog) Release(rec *Record) {
	if n := rec.refs.Add(-1); n < 0 {
		c.logger.Error("catalog reference released twice", "event_id", rec.id)
		rec.refs.Store(0)
	}
}

// Len returns the number of events.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}
