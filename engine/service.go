// Package engine wires a store, an access filter and the recurrence
// expander into an index source, and answers window queries.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"

	"github.com/cyp0633/libcalrecur/catalog"
	"github.com/cyp0633/libcalrecur/index"
	"github.com/cyp0633/libcalrecur/internal/metrics"
	"github.com/cyp0633/libcalrecur/override"
	"github.com/cyp0633/libcalrecur/recurrence"
	"github.com/cyp0633/libcalrecur/storage"
)

const breakerName = "store"

// Service loads, expands and resolves occurrences for one viewer.
type Service struct {
	store   storage.Store
	access  AccessFilter
	config  Config
	exp     *recurrence.Expander
	cache   *recurrence.Cache
	catalog *catalog.Catalog
	breaker *gobreaker.CircuitBreaker[any]
	logger  *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger for the service and the components it builds.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(s *Service) {
		s.config = cfg
	}
}

// WithAccessFilter sets the access filter. The default is AllowAll.
func WithAccessFilter(f AccessFilter) Option {
	return func(s *Service) {
		s.access = f
	}
}

// WithExpander replaces the expander built from the config.
func WithExpander(exp *recurrence.Expander) Option {
	return func(s *Service) {
		s.exp = exp
	}
}

// WithCatalog shares a catalog between services.
func WithCatalog(c *catalog.Catalog) Option {
	return func(s *Service) {
		s.catalog = c
	}
}

// New creates a service reading from store.
func New(store storage.Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		access: AllowAll,
		config: DefaultConfig,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.config.Workers <= 0 {
		s.config.Workers = 1
	}
	if s.exp == nil {
		expOpts := []recurrence.Option{
			recurrence.WithLimits(s.config.Limits),
			recurrence.WithLogger(s.logger),
		}
		if s.config.CacheEnabled {
			s.cache = recurrence.NewCache(s.config.CacheConfig)
			expOpts = append(expOpts, recurrence.WithCache(s.cache))
		}
		s.exp = recurrence.NewExpander(expOpts...)
	}
	if s.catalog == nil {
		s.catalog = catalog.New(catalog.WithLogger(s.logger))
	}
	s.breaker = newBreaker(s.config.Breaker, s.logger)
	return s
}

// Close stops the expansion cache, if the service owns one.
func (s *Service) Close() {
	if s.cache != nil {
		s.cache.Close()
	}
}

// Catalog returns the catalog holding event payloads.
func (s *Service) Catalog() *catalog.Catalog {
	return s.catalog
}

// Expander returns the expander used for loads.
func (s *Service) Expander() *recurrence.Expander {
	return s.exp
}

func newBreaker(cfg BreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker[any] {
	metrics.BreakerState.WithLabelValues(breakerName).Set(0)
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = DefaultConfig.Breaker.FailureThreshold
	}
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("store circuit breaker state change",
				"name", name,
				"from", from.String(),
				"to", to.String())
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
		// Cancelled loads and missing rows say nothing about store health.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, context.Canceled) ||
				storage.IsType(err, storage.ErrNotFound)
		},
	})
}

// fetch runs a store call through the breaker.
func fetch[T any](ctx context.Context, s *Service, op string, fn func(context.Context) (T, error)) (T, error) {
	started := time.Now()
	res, err := s.breaker.Execute(func() (any, error) {
		return fn(ctx)
	})
	metrics.ObserveFetch(op, started, err)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("fetch %s: %w", op, err)
	}
	return res.(T), nil
}

// Source returns an index source over the given events; nil ids means
// every event the access filter allows.
func (s *Service) Source(ids []uuid.UUID) index.Source {
	return index.SourceFunc(func(ctx context.Context, start, end time.Time) ([]override.Resolved, error) {
		return s.load(ctx, ids, start, end)
	})
}

// NewIndex returns an empty index fed by Source(ids).
func (s *Service) NewIndex(ids []uuid.UUID, opts ...index.Option) *index.Index {
	opts = append([]index.Option{index.WithLogger(s.logger)}, opts...)
	return index.New(s.Source(ids), s.catalog, opts...)
}

func (s *Service) load(ctx context.Context, ids []uuid.UUID, start, end time.Time) ([]override.Resolved, error) {
	window := storage.Window{Start: start, End: end}
	events, err := fetch(ctx, s, "events", func(ctx context.Context) ([]storage.Event, error) {
		return s.store.ListEvents(ctx, ids, window)
	})
	if err != nil {
		return nil, err
	}

	grants, err := s.access.Filter(ctx, events)
	if err != nil {
		return nil, fmt.Errorf("filter events: %w", err)
	}
	if len(grants) == 0 {
		return nil, nil
	}

	visible := make([]uuid.UUID, len(grants))
	for i, g := range grants {
		visible[i] = g.Event.ID
	}
	rows, err := fetch(ctx, s, "overrides", func(ctx context.Context) ([]override.Override, error) {
		return s.store.ListOverrides(ctx, visible)
	})
	if err != nil {
		return nil, err
	}
	table := override.NewTable(rows...)

	for _, g := range grants {
		s.catalog.Put(g.Event.ID, catalog.Payload{
			Name:        g.Event.Name,
			Description: g.Event.Description,
			Owner:       g.Event.Owner,
			Editable:    g.Editable,
		})
	}

	perEvent := make([][]override.Resolved, len(grants))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Workers)
	for i, grant := range grants {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			perEvent[i] = s.expandEvent(grant.Event, table, start, end)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var total int
	for _, rs := range perEvent {
		total += len(rs)
	}
	out := make([]override.Resolved, 0, total)
	for _, rs := range perEvent {
		out = append(out, rs...)
	}
	s.logger.Debug("window loaded",
		"start", start,
		"end", end,
		"events", len(grants),
		"occurrences", len(out))
	return out, nil
}

func kindLabel(r *recurrence.Rule) string {
	if r == nil {
		return "single"
	}
	switch r.Kind.(type) {
	case recurrence.Daily:
		return "daily"
	case recurrence.Weekly:
		return "weekly"
	case recurrence.Monthly:
		return "monthly"
	case recurrence.Yearly:
		return "yearly"
	}
	return "unknown"
}

// expandEvent expands one event over [start, end) in chunks no longer than
// the expander's time-span limit, then applies overrides.
func (s *Service) expandEvent(e storage.Event, table *override.Table, start, end time.Time) []override.Resolved {
	started := time.Now()
	label := kindLabel(e.Rule)
	defer func() {
		metrics.ExpandDuration.WithLabelValues(label).Observe(time.Since(started).Seconds())
	}()

	span := s.exp.Limits().MaxTimeSpan
	var out []override.Resolved
	for cs := start; cs.Before(end); {
		ce := end
		if span > 0 && ce.Sub(cs) > span {
			ce = cs.Add(span)
		}
		occs, truncated := s.exp.Expand(e.ID, e.Span, e.Rule, cs, ce).Collect()
		if truncated {
			metrics.ExpandTruncated.Inc()
			s.logger.Warn("expansion truncated by runaway guard",
				"event_id", e.ID,
				"chunk_start", cs,
				"chunk_end", ce)
		}
		metrics.ExpandOccurrences.Add(float64(len(occs)))
		for _, occ := range occs {
			r, ok := override.Resolve(occ, table).Get()
			if !ok {
				metrics.OccurrencesSuppressed.Inc()
				continue
			}
			out = append(out, r)
		}
		cs = ce
	}
	return out
}

// Result is the answer to a window query.
type Result struct {
	Window   index.Bounds
	Entries  []*index.Entry
	Payloads map[uuid.UUID]catalog.Payload
}

// Query resolves every occurrence starting in [start, end), ordered by
// effective start.
func (s *Service) Query(ctx context.Context, ids []uuid.UUID, start, end time.Time) (*Result, error) {
	idx := s.NewIndex(ids)
	defer func() {
		if err := idx.Close(context.WithoutCancel(ctx)); err != nil {
			s.logger.Error("closing query index", "error", err)
		}
	}()

	if err := idx.Extend(ctx, start, end); err != nil {
		return nil, err
	}

	res := &Result{
		Window:   index.Bounds{Start: start, End: end},
		Payloads: make(map[uuid.UUID]catalog.Payload),
	}
	for _, e := range idx.Snapshot().All() {
		res.Entries = append(res.Entries, e)
		if _, ok := res.Payloads[e.EventID()]; !ok {
			res.Payloads[e.EventID()] = e.Record().Payload()
		}
	}
	return res, nil
}

// Watch invalidates catalog records and cached expansions when the store
// reports a change, then refreshes the given indexes. A uuid.Nil
// notification refreshes without invalidating. Watch stops when ctx is done
// or the returned function is called.
func (s *Service) Watch(ctx context.Context, n storage.Notifier, indexes ...*index.Index) (cancel func()) {
	ctx, stop := context.WithCancel(ctx)
	kick := make(chan struct{}, 1)

	unsubscribe := n.OnInvalidate(func(id uuid.UUID) {
		if id != uuid.Nil {
			if s.cache != nil {
				s.cache.Forget(id)
			}
			s.catalog.Invalidate(id)
		}
		select {
		case kick <- struct{}{}:
		default:
		}
	})

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-kick:
			}
			for _, idx := range indexes {
				if err := idx.Refresh(ctx); err != nil && !errors.Is(err, index.ErrSuperseded) && ctx.Err() == nil {
					s.logger.Error("refreshing index after invalidation", "error", err)
				}
			}
		}
	}()

	return func() {
		unsubscribe()
		stop()
	}
}
