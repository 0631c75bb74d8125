package index

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cyp0633/libcalrecur/internal/metrics"
	"github.com/cyp0633/libcalrecur/override"
)

// Extend makes [start, end) part of the loaded window. Only sub-ranges not
// already covered are loaded; a gap between the current window and the
// request is loaded too, so the window stays contiguous. Entries and bounds
// change only if every load succeeds.
func (i *Index) Extend(ctx context.Context, start, end time.Time) error {
	if start.After(end) {
		return &RangeError{Reason: fmt.Sprintf("extend window %s ends before it starts", Bounds{start, end})}
	}
	if start.Equal(end) {
		return nil
	}
	return i.run(ctx, Bounds{Start: start, End: end}, func(ctx context.Context) (string, error) {
		return i.extend(ctx, start, end)
	})
}

// ExtendFrom lowers the start of the loaded window to t.
func (i *Index) ExtendFrom(ctx context.Context, t time.Time) error {
	b, ok := i.LoadedBounds()
	if !ok {
		return ErrNotLoaded
	}
	if !t.Before(b.Start) {
		return nil
	}
	return i.Extend(ctx, t, b.End)
}

// ExtendTo raises the end of the loaded window to t.
func (i *Index) ExtendTo(ctx context.Context, t time.Time) error {
	b, ok := i.LoadedBounds()
	if !ok {
		return ErrNotLoaded
	}
	if !t.After(b.End) {
		return nil
	}
	return i.Extend(ctx, b.Start, t)
}

// run issues a mutation. It cancels pending mutations whose window lies
// inside this one, then waits for every earlier mutation to finish.
func (i *Index) run(parent context.Context, window Bounds, fn func(context.Context) (string, error)) error {
	started := time.Now()
	ctx, cancel := context.WithCancelCause(parent)

	i.pendMu.Lock()
	i.issued++
	id := i.issued
	for _, p := range i.inflight {
		if !p.window.Start.Before(window.Start) && !p.window.End.After(window.End) {
			p.cancel(ErrSuperseded)
		}
	}
	i.inflight[id] = &pending{window: window, cancel: cancel}
	prev := i.tail
	done := make(chan struct{})
	i.tail = done
	i.pendMu.Unlock()

	defer func() {
		i.pendMu.Lock()
		delete(i.inflight, id)
		i.pendMu.Unlock()
		cancel(nil)
	}()

	select {
	case <-prev:
	case <-ctx.Done():
		// Keep the chain ordered: the next mutation still waits for prev.
		go func() {
			<-prev
			close(done)
		}()
		return i.cancelled(ctx, started)
	}
	defer close(done)

	if ctx.Err() != nil {
		return i.cancelled(ctx, started)
	}

	result, err := fn(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return i.cancelled(ctx, started)
		}
		metrics.ObserveExtend("error", started, i.Len())
		return err
	}
	metrics.ObserveExtend(result, started, i.Len())
	return nil
}

func (i *Index) cancelled(ctx context.Context, started time.Time) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrSuperseded) {
		metrics.ObserveExtend("superseded", started, i.Len())
	} else {
		metrics.ObserveExtend("error", started, i.Len())
	}
	return cause
}

// uncovered returns the parts of want outside have, plus any gap between
// them.
func uncovered(have Bounds, loaded bool, want Bounds) []Bounds {
	if !loaded {
		return []Bounds{want}
	}
	var parts []Bounds
	if want.Start.Before(have.Start) {
		parts = append(parts, Bounds{Start: want.Start, End: have.Start})
	}
	if want.End.After(have.End) {
		parts = append(parts, Bounds{Start: have.End, End: want.End})
	}
	return parts
}

func (i *Index) extend(ctx context.Context, start, end time.Time) (string, error) {
	cur := i.snapshot()
	parts := uncovered(cur.bounds, cur.loaded, Bounds{Start: start, End: end})
	if len(parts) == 0 {
		return "noop", nil
	}

	var loaded []override.Resolved
	for _, part := range parts {
		rs, err := i.src.Load(ctx, part.Start, part.End)
		if err != nil {
			return "", fmt.Errorf("load %s: %w", part, err)
		}
		loaded = append(loaded, rs...)
	}

	seen := make(map[override.Key]struct{}, len(cur.entries)+len(loaded))
	for _, e := range cur.entries {
		seen[e.Key()] = struct{}{}
	}
	added := i.acquire(loaded, seen)
	if err := context.Cause(ctx); err != nil {
		i.releaseAll(added)
		return "", err
	}

	slices.SortFunc(added, compare)
	merged := mergeSorted(cur.entries, added)

	bounds := Bounds{Start: start, End: end}
	if cur.loaded {
		if cur.bounds.Start.Before(bounds.Start) {
			bounds.Start = cur.bounds.Start
		}
		if cur.bounds.End.After(bounds.End) {
			bounds.End = cur.bounds.End
		}
	}

	i.mu.Lock()
	i.cur = &state{entries: merged, bounds: bounds, loaded: true}
	i.mu.Unlock()

	i.logger.Debug("index extended",
		"bounds", bounds.String(),
		"added", len(added),
		"entries", len(merged))
	i.notify(Change{Added: len(added), Bounds: bounds, Loaded: true, Len: len(merged)})
	return "ok", nil
}

// acquire turns resolved occurrences into entries, skipping keys already in
// seen. Occurrences of events missing from the catalog are dropped.
func (i *Index) acquire(loaded []override.Resolved, seen map[override.Key]struct{}) []*Entry {
	added := make([]*Entry, 0, len(loaded))
	for _, r := range loaded {
		key := override.Key{EventID: r.Occurrence.EventID, Ordinal: r.Occurrence.Ordinal}
		if _, dup := seen[key]; dup {
			continue
		}
		rec, err := i.cat.Acquire(key.EventID)
		if err != nil {
			metrics.OrphanedEntries.Inc()
			i.logger.Warn("dropping orphaned occurrence",
				"event_id", key.EventID,
				"ordinal", key.Ordinal,
				"error", err)
			continue
		}
		seen[key] = struct{}{}
		added = append(added, NewEntry(r, rec))
	}
	return added
}

func (i *Index) releaseAll(entries []*Entry) {
	for _, e := range entries {
		i.cat.Release(e.record)
	}
}

func mergeSorted(a, b []*Entry) []*Entry {
	out := make([]*Entry, 0, len(a)+len(b))
	x, y := 0, 0
	for x < len(a) && y < len(b) {
		if less(b[y], a[x]) {
			out = append(out, b[y])
			y++
		} else {
			out = append(out, a[x])
			x++
		}
	}
	out = append(out, a[x:]...)
	return append(out, b[y:]...)
}

// Shrink narrows the loaded window to its intersection with [start, end)
// and drops entries whose raw start falls outside.
func (i *Index) Shrink(ctx context.Context, start, end time.Time) error {
	if start.After(end) {
		return &RangeError{Reason: fmt.Sprintf("shrink window %s ends before it starts", Bounds{start, end})}
	}
	return i.run(ctx, Bounds{}, func(context.Context) (string, error) {
		cur := i.snapshot()
		if !cur.loaded {
			return "noop", nil
		}
		b := cur.bounds
		if start.After(b.Start) {
			b.Start = start
		}
		if end.Before(b.End) {
			b.End = end
		}
		if !b.Start.Before(b.End) {
			return "ok", i.replace(cur, nil, Bounds{}, false)
		}
		kept := make([]*Entry, 0, len(cur.entries))
		for _, e := range cur.entries {
			if b.Contains(e.raw.Start) {
				kept = append(kept, e)
			}
		}
		return "ok", i.replace(cur, kept, b, true)
	})
}

// Refresh reloads the whole loaded window and replaces every entry. Until
// it commits, readers keep seeing the previous entries.
func (i *Index) Refresh(ctx context.Context) error {
	b, ok := i.LoadedBounds()
	if !ok {
		return nil
	}
	return i.run(ctx, b, func(ctx context.Context) (string, error) {
		cur := i.snapshot()
		if !cur.loaded {
			return "noop", nil
		}
		loaded, err := i.src.Load(ctx, cur.bounds.Start, cur.bounds.End)
		if err != nil {
			return "", fmt.Errorf("load %s: %w", cur.bounds, err)
		}
		fresh := i.acquire(loaded, make(map[override.Key]struct{}, len(loaded)))
		if err := context.Cause(ctx); err != nil {
			i.releaseAll(fresh)
			return "", err
		}
		slices.SortFunc(fresh, compare)
		return "ok", i.replace(cur, fresh, cur.bounds, true)
	})
}

// Prune drops entries whose event was invalidated from the catalog. The
// loaded window is unchanged.
func (i *Index) Prune(ctx context.Context) (int, error) {
	var dropped int
	err := i.run(ctx, Bounds{}, func(context.Context) (string, error) {
		cur := i.snapshot()
		kept := make([]*Entry, 0, len(cur.entries))
		for _, e := range cur.entries {
			if !e.record.Stale() {
				kept = append(kept, e)
			}
		}
		dropped = len(cur.entries) - len(kept)
		if dropped == 0 {
			return "noop", nil
		}
		return "ok", i.replace(cur, kept, cur.bounds, cur.loaded)
	})
	return dropped, err
}

// replace commits kept as the new entry set and releases the catalog
// references of every entry left out.
func (i *Index) replace(cur *state, kept []*Entry, bounds Bounds, loaded bool) error {
	keep := make(map[*Entry]struct{}, len(kept))
	for _, e := range kept {
		keep[e] = struct{}{}
	}
	removed := 0
	for _, e := range cur.entries {
		if _, ok := keep[e]; !ok {
			i.cat.Release(e.record)
			removed++
		}
	}

	i.mu.Lock()
	i.cur = &state{entries: kept, bounds: bounds, loaded: loaded}
	i.mu.Unlock()

	i.notify(Change{Removed: removed, Bounds: bounds, Loaded: loaded, Len: len(kept)})
	return nil
}

// Close releases every catalog reference and empties the index.
func (i *Index) Close(ctx context.Context) error {
	return i.run(ctx, Bounds{}, func(context.Context) (string, error) {
		return "ok", i.replace(i.snapshot(), nil, Bounds{}, false)
	})
}
