// Package index keeps a sorted, incrementally extensible cache of resolved
// occurrences for a loaded time window.
//
// Reads (binary search, range iteration) never block on I/O and run
// concurrently with each other and with an in-flight extend. Extends are
// serialized in issuance order; an extend whose window contains a pending
// one cancels it.
package index

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cyp0633/libcalrecur/catalog"
	"github.com/cyp0633/libcalrecur/override"
)

// SpanEpsilon is added to the latest entry end by EntrySpan so that the
// span is a half-open interval containing that end.
const SpanEpsilon = time.Second

var (
	// ErrSuperseded is the cancellation cause of an extend replaced by a
	// newer one covering its window.
	ErrSuperseded = errors.New("extend superseded by a newer request")

	// ErrNotLoaded is returned by ExtendFrom and ExtendTo before any window
	// was loaded.
	ErrNotLoaded = errors.New("index has no loaded window")
)

// Source loads resolved occurrences whose raw start lies in [start, end).
type Source interface {
	Load(ctx context.Context, start, end time.Time) ([]override.Resolved, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, start, end time.Time) ([]override.Resolved, error)

func (f SourceFunc) Load(ctx context.Context, start, end time.Time) ([]override.Resolved, error) {
	return f(ctx, start, end)
}

// Bounds is a half-open interval [Start, End).
type Bounds struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t lies in the bounds.
func (b Bounds) Contains(t time.Time) bool {
	return !t.Before(b.Start) && t.Before(b.End)
}

func (b Bounds) String() string {
	return fmt.Sprintf("[%s, %s)", b.Start.Format(time.RFC3339), b.End.Format(time.RFC3339))
}

// Change describes a committed mutation.
type Change struct {
	Added   int
	Removed int
	Bounds  Bounds
	Loaded  bool
	Len     int
}

// RangeError reports inverted or out-of-range query positions.
type RangeError struct {
	Start  int
	End    int
	Len    int
	Reason string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("invalid range [%d, %d) over %d entries: %s", e.Start, e.End, e.Len, e.Reason)
}

// state is replaced wholesale on every mutation.
type state struct {
	entries []*Entry
	bounds  Bounds
	loaded  bool
}

// Index is a sorted occurrence cache over a loaded window.
type Index struct {
	src    Source
	cat    *catalog.Catalog
	logger *slog.Logger

	mu  sync.RWMutex
	cur *state

	pendMu   sync.Mutex
	issued   uint64
	inflight map[uint64]*pending
	tail     chan struct{}

	listenMu  sync.Mutex
	listeners map[int]func(Change)
	nextID    int
}

type pending struct {
	window Bounds
	cancel context.CancelCauseFunc
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger for the index.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Index) {
		i.logger = logger
	}
}

// New creates an empty index fed by src. Entries take references on cat.
func New(src Source, cat *catalog.Catalog, opts ...Option) *Index {
	tail := make(chan struct{})
	close(tail)
	i := &Index{
		src:       src,
		cat:       cat,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		cur:       &state{},
		inflight:  make(map[uint64]*pending),
		tail:      tail,
		listeners: make(map[int]func(Change)),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Index) snapshot() *state {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.cur
}

// Len returns the number of entries.
func (i *Index) Len() int {
	return len(i.snapshot().entries)
}

// At returns the entry at position n.
func (i *Index) At(n int) (*Entry, bool) {
	s := i.snapshot()
	if n < 0 || n >= len(s.entries) {
		return nil, false
	}
	return s.entries[n], true
}

// LoadedBounds returns the window for which the index is complete: every
// occurrence whose raw start lies inside is present.
func (i *Index) LoadedBounds() (Bounds, bool) {
	s := i.snapshot()
	return s.bounds, s.loaded
}

// EntrySpan returns the earliest entry start to the latest entry end plus
// SpanEpsilon. It reports false when the index is empty.
func (i *Index) EntrySpan() (Bounds, bool) {
	s := i.snapshot()
	if len(s.entries) == 0 {
		return Bounds{}, false
	}
	end := s.entries[0].end
	for _, e := range s.entries[1:] {
		if e.end.After(end) {
			end = e.end
		}
	}
	return Bounds{Start: s.entries[0].start, End: end.Add(SpanEpsilon)}, true
}

// FindIndexBefore returns the position of the latest entry starting
// before ts.
func (i *Index) FindIndexBefore(ts time.Time) (int, bool) {
	return findBefore(i.snapshot().entries, ts)
}

// FindIndexAfter returns the position of the earliest entry starting at or
// after ts.
func (i *Index) FindIndexAfter(ts time.Time) (int, bool) {
	return findAfter(i.snapshot().entries, ts)
}

func findBefore(entries []*Entry, ts time.Time) (int, bool) {
	n := sort.Search(len(entries), func(k int) bool {
		return !entries[k].start.Before(ts)
	})
	if n == 0 {
		return 0, false
	}
	return n - 1, true
}

func findAfter(entries []*Entry, ts time.Time) (int, bool) {
	before, ok := findBefore(entries, ts)
	if !ok {
		if len(entries) > 0 && !entries[0].start.Before(ts) {
			return 0, true
		}
		return 0, false
	}
	if before+1 < len(entries) {
		return before + 1, true
	}
	return 0, false
}

// Subscribe registers fn to be called after every committed change. The
// returned function unregisters it.
func (i *Index) Subscribe(fn func(Change)) (unsubscribe func()) {
	i.listenMu.Lock()
	id := i.nextID
	i.nextID++
	i.listeners[id] = fn
	i.listenMu.Unlock()

	return func() {
		i.listenMu.Lock()
		delete(i.listeners, id)
		i.listenMu.Unlock()
	}
}

func (i *Index) notify(c Change) {
	i.listenMu.Lock()
	fns := make([]func(Change), 0, len(i.listeners))
	for _, fn := range i.listeners {
		fns = append(fns, fn)
	}
	i.listenMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}
