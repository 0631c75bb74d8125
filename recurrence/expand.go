package recurrence

import (
	"fmt"
	"io"
	"iter"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
)

// Expander turns an event's base span and rule into concrete occurrences.
// An Expander holds no per-call state and is safe for concurrent use.
type Expander struct {
	limits ExpandOptions
	cache  *Cache
	logger *slog.Logger
}

// Option configures an Expander.
type Option func(*Expander)

// WithLimits sets the runaway guard applied to every expansion.
func WithLimits(limits ExpandOptions) Option {
	return func(e *Expander) {
		e.limits = limits
	}
}

// WithCache makes the expander memoize collected windows.
func WithCache(c *Cache) Option {
	return func(e *Expander) {
		e.cache = c
	}
}

// WithLogger sets the logger for the expander.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Expander) {
		e.logger = logger
	}
}

// NewExpander creates an expander. Without options it uses DefaultExpandOptions.
func NewExpander(opts ...Option) *Expander {
	e := &Expander{
		limits: DefaultExpandOptions,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Limits returns the runaway guard in effect.
func (e *Expander) Limits() ExpandOptions {
	return e.limits
}

// Sequence is a lazy, restartable run of occurrences whose start lies in
// a window. Every call to All re-derives the run from the rule.
type Sequence struct {
	exp     *Expander
	eventID uuid.UUID
	base    Span
	rule    *Rule
	start   time.Time
	end     time.Time
}

// Expand returns the occurrences of the event whose start lies in
// [windowStart, windowEnd). A nil rule yields the base span alone.
func (e *Expander) Expand(eventID uuid.UUID, base Span, rule *Rule, windowStart, windowEnd time.Time) Sequence {
	return Sequence{
		exp:     e,
		eventID: eventID,
		base:    base,
		rule:    rule,
		start:   windowStart,
		end:     windowEnd,
	}
}

// All iterates the sequence in ascending start order.
func (s Sequence) All() iter.Seq[Occurrence] {
	return func(yield func(Occurrence) bool) {
		if s.run(yield) {
			s.exp.logger.Warn("expansion truncated by runaway guard",
				"event_id", s.eventID,
				"rule", s.ruleString(),
				"window_start", s.start,
				"window_end", s.end)
		}
	}
}

// Collect materializes the sequence. truncated reports whether the runaway
// guard ended the expansion before the window did.
func (s Sequence) Collect() (occurrences []Occurrence, truncated bool) {
	if s.exp.cache != nil && s.rule != nil {
		if hit, ok := s.exp.cache.Get(s.eventID, s.base, s.rule, s.start, s.end); ok {
			return hit.Occurrences, hit.Truncated
		}
	}

	truncated = s.run(func(o Occurrence) bool {
		occurrences = append(occurrences, o)
		return true
	})

	if s.exp.cache != nil && s.rule != nil {
		s.exp.cache.Set(s.eventID, s.base, s.rule, s.start, s.end, CachedExpansion{
			Occurrences: occurrences,
			Truncated:   truncated,
		})
	}
	return occurrences, truncated
}

func (s Sequence) ruleString() string {
	if s.rule == nil {
		return "single"
	}
	return s.rule.String()
}

// run drives the generation loop and reports whether a cap was hit.
func (s Sequence) run(yield func(Occurrence) bool) bool {
	if !s.start.Before(s.end) {
		return false
	}

	if s.rule == nil {
		if !s.base.Start.Before(s.start) && s.base.Start.Before(s.end) {
			yield(Occurrence{EventID: s.eventID, Ordinal: 0, Start: s.base.Start, End: s.base.End})
		}
		return false
	}

	clipped := false
	windowEnd := s.end
	if span := s.exp.limits.MaxTimeSpan; span > 0 {
		from := s.start
		if from.Before(s.base.Start) {
			from = s.base.Start
		}
		if limit := from.Add(span); limit.Before(windowEnd) {
			windowEnd = limit
			clipped = true
		}
	}

	cur := newCursor(s.base, s.rule)
	dur := s.base.Duration()
	steps := 0

	for ord := cur.seek(s.start); ; ord++ {
		if c, ok := s.rule.Bound.(Count); ok && ord >= int(c) {
			return false
		}
		start, exists := cur.slot(ord)
		if u, ok := s.rule.Bound.(Until); ok && !start.Before(u.At) {
			return false
		}
		if !start.Before(windowEnd) {
			return clipped
		}
		steps++
		if limit := s.exp.limits.MaxIterations; limit > 0 && steps > limit {
			return true
		}
		if !exists || start.Before(s.start) {
			continue
		}
		occ := Occurrence{EventID: s.eventID, Ordinal: ord, Start: start, End: start.Add(dur)}
		if !yield(occ) {
			return false
		}
	}
}

// LastStart returns the start of the final slot a bounded rule can produce.
// It reports false for unbounded rules. For Until bounds it returns the last
// slot start before the bound.
func (r *Rule) LastStart(base Span) (time.Time, bool) {
	cur := newCursor(base, r)
	switch b := r.Bound.(type) {
	case Count:
		for ord := int(b) - 1; ord >= 0; ord-- {
			if start, ok := cur.slot(ord); ok {
				return start, true
			}
		}
		return base.Start, true
	case Until:
		from := cur.seek(b.At)
		last, found := time.Time{}, false
		for ord := from; ; ord++ {
			start, ok := cur.slot(ord)
			if !start.Before(b.At) {
				break
			}
			if ok {
				last, found = start, true
			}
		}
		for ord := from - 1; !found && ord >= 0; ord-- {
			last, found = cur.slot(ord)
		}
		if !found {
			return base.Start, true
		}
		return last, true
	default:
		return time.Time{}, false
	}
}

// Slot returns the start of the occurrence with the given ordinal. ok is
// false when the ordinal is out of range for the rule or falls on a skipped
// period.
func (r *Rule) Slot(base Span, ordinal int) (time.Time, bool) {
	if ordinal < 0 {
		return time.Time{}, false
	}
	if c, ok := r.Bound.(Count); ok && ordinal >= int(c) {
		return time.Time{}, false
	}
	start, ok := newCursor(base, r).slot(ordinal)
	if !ok {
		return time.Time{}, false
	}
	if u, isUntil := r.Bound.(Until); isUntil && !start.Before(u.At) {
		return time.Time{}, false
	}
	return start, true
}

// OrdinalAt returns the ordinal of the slot starting exactly at t, the
// inverse of Slot.
func (r *Rule) OrdinalAt(base Span, t time.Time) (int, bool) {
	if t.Equal(base.Start) {
		return 0, true
	}
	if t.Before(base.Start) {
		return 0, false
	}
	cur := newCursor(base, r)
	for ord := cur.seek(t); ; ord++ {
		start, ok := cur.slot(ord)
		if start.After(t) {
			return 0, false
		}
		if ok && start.Equal(t) {
			if _, valid := r.Slot(base, ord); !valid {
				return 0, false
			}
			return ord, true
		}
	}
}

// Previous returns the latest occurrence starting strictly before t.
func (e *Expander) Previous(eventID uuid.UUID, base Span, rule *Rule, t time.Time) (Occurrence, bool) {
	if !base.Start.Before(t) {
		return Occurrence{}, false
	}
	if rule == nil {
		return Occurrence{EventID: eventID, Start: base.Start, End: base.End}, true
	}

	if last, bounded := rule.LastStart(base); bounded && last.Before(t) {
		if ord, ok := rule.OrdinalAt(base, last); ok {
			return Occurrence{EventID: eventID, Ordinal: ord, Start: last, End: last.Add(base.Duration())}, true
		}
	}

	lookback := initialLookback(rule)
	for {
		from := t.Add(-lookback)
		if from.Before(base.Start) {
			from = base.Start
		}
		var last Occurrence
		found := false
		for occ := range e.unguarded().Expand(eventID, base, rule, from, t).All() {
			last = occ
			found = true
		}
		if found {
			return last, true
		}
		if !from.After(base.Start) {
			return Occurrence{}, false
		}
		lookback = doubled(lookback)
	}
}

// Next returns the earliest occurrence starting at or after t.
func (e *Expander) Next(eventID uuid.UUID, base Span, rule *Rule, t time.Time) (Occurrence, bool) {
	if rule == nil {
		if base.Start.Before(t) {
			return Occurrence{}, false
		}
		return Occurrence{EventID: eventID, Start: base.Start, End: base.End}, true
	}

	last, bounded := rule.LastStart(base)
	if bounded && last.Before(t) {
		return Occurrence{}, false
	}

	horizon := t.AddDate(maxNeighbourYears, 0, 0)
	lookahead := initialLookback(rule)
	for {
		to := t.Add(lookahead)
		if to.After(horizon) {
			to = horizon
		}
		for occ := range e.unguarded().Expand(eventID, base, rule, t, to).All() {
			return occ, true
		}
		if bounded && to.After(last) {
			return Occurrence{}, false
		}
		if !to.Before(horizon) {
			return Occurrence{}, false
		}
		lookahead = doubled(lookahead)
	}
}

// maxNeighbourYears stops Next from probing forever on rules whose slots are
// all skipped after t. Feb 29 with a yearly interval can skip for centuries.
const maxNeighbourYears = 400

// doubled saturates at the largest Duration.
func doubled(d time.Duration) time.Duration {
	if d > math.MaxInt64/2 {
		return math.MaxInt64
	}
	return 2 * d
}

// unguarded drops the runaway guard. Neighbour lookups walk windows that
// can hold far more slots than a single query would.
func (e *Expander) unguarded() *Expander {
	return &Expander{logger: e.logger}
}

func initialLookback(r *Rule) time.Duration {
	day := 24 * time.Hour
	switch r.Kind.(type) {
	case Daily:
		return time.Duration(r.Interval) * day
	case Weekly:
		return time.Duration(r.Interval) * 7 * day
	case Monthly:
		return time.Duration(r.Interval) * 31 * day
	default:
		return time.Duration(r.Interval) * 366 * day
	}
}

// cursor maps ordinals to slot starts. slot(0) is always the base start.
// seek returns an ordinal at or below the first ordinal whose start is at or
// after t, such that every smaller ordinal starts before t.
type cursor interface {
	slot(ord int) (time.Time, bool)
	seek(t time.Time) int
}

func newCursor(base Span, r *Rule) cursor {
	c := calendar{base: base.Start, loc: base.Start.Location(), interval: r.Interval}
	switch k := r.Kind.(type) {
	case Daily:
		return dailyCursor{c}
	case Weekly:
		return newWeeklyCursor(c, k.WeekMap)
	case Monthly:
		return monthlyCursor{calendar: c, byWeekday: k.ByWeekday}
	case Yearly:
		if k.ByWeekday {
			return newISOYearCursor(c)
		}
		return yearlyCursor{c}
	default:
		panic(fmt.Sprintf("recurrence: unhandled kind %T", k))
	}
}

// calendar does date arithmetic in the base start's location, keeping the
// base wall-clock time.
type calendar struct {
	base     time.Time
	loc      *time.Location
	interval int
}

func (c calendar) at(year int, month time.Month, day int) time.Time {
	h, m, s := c.base.Clock()
	return time.Date(year, month, day, h, m, s, c.base.Nanosecond(), c.loc)
}

func (c calendar) local(t time.Time) time.Time {
	return t.In(c.loc)
}

// daysBetween counts whole civil days from a to b.
func daysBetween(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	da := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(math.Round(db.Sub(da).Hours() / 24))
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func clampSeek(k int) int {
	if k < 0 {
		return 0
	}
	return k
}

type dailyCursor struct {
	calendar
}

func (c dailyCursor) slot(ord int) (time.Time, bool) {
	if ord == 0 {
		return c.base, true
	}
	y, m, d := c.base.Date()
	return c.at(y, m, d+ord*c.interval), true
}

func (c dailyCursor) seek(t time.Time) int {
	if !t.After(c.base) {
		return 0
	}
	return clampSeek(floorDiv(daysBetween(c.base, c.local(t)), c.interval))
}

// weeklyCursor enumerates the flagged weekdays of every interval-th week,
// counted from the Monday of the base week. Pattern position p maps to
// block p/n and flagged offset p%n; the base is ordinal 0 and the first
// pattern position after it is ordinal 1.
type weeklyCursor struct {
	calendar
	monday time.Time
	offs   []int
	before int
}

func newWeeklyCursor(c calendar, m WeekMap) weeklyCursor {
	y, mo, d := c.base.Date()
	baseOff := mondayOffset(c.base.Weekday())
	w := weeklyCursor{
		calendar: c,
		monday:   time.Date(y, mo, d-baseOff, 0, 0, 0, 0, time.UTC),
		offs:     m.Days(),
	}
	for _, off := range w.offs {
		if off <= baseOff {
			w.before++
		}
	}
	return w
}

func (c weeklyCursor) slot(ord int) (time.Time, bool) {
	if ord == 0 {
		return c.base, true
	}
	n := len(c.offs)
	p := ord + c.before - 1
	days := (p/n)*c.interval*7 + c.offs[p%n]
	y, m, d := c.monday.Date()
	return c.at(y, m, d+days), true
}

func (c weeklyCursor) seek(t time.Time) int {
	if !t.After(c.base) {
		return 0
	}
	block := floorDiv(daysBetween(c.monday, c.local(t)), 7*c.interval)
	return clampSeek(block*len(c.offs) - c.before + 1)
}

// monthlyCursor repeats on the base day of month, or on the base weekday's
// ordinal within the month. Months lacking the target day are skipped.
type monthlyCursor struct {
	calendar
	byWeekday bool
}

func (c monthlyCursor) slot(ord int) (time.Time, bool) {
	if ord == 0 {
		return c.base, true
	}
	y, m, d := c.base.Date()
	first := time.Date(y, m+time.Month(ord*c.interval), 1, 0, 0, 0, 0, time.UTC)
	fy, fm, _ := first.Date()
	nominal := c.at(fy, fm, 1)

	day := d
	if c.byWeekday {
		week := (d - 1) / 7
		shift := (int(c.base.Weekday()) - int(first.Weekday()) + 7) % 7
		day = 1 + shift + 7*week
	}
	if day > daysIn(fy, fm) {
		return nominal, false
	}
	return c.at(fy, fm, day), true
}

func (c monthlyCursor) seek(t time.Time) int {
	if !t.After(c.base) {
		return 0
	}
	lt := c.local(t)
	months := (lt.Year()-c.base.Year())*12 + int(lt.Month()) - int(c.base.Month())
	return clampSeek(floorDiv(months, c.interval))
}

// yearlyCursor repeats on the base calendar date. A Feb 29 base skips
// common years.
type yearlyCursor struct {
	calendar
}

func (c yearlyCursor) slot(ord int) (time.Time, bool) {
	if ord == 0 {
		return c.base, true
	}
	y, m, d := c.base.Date()
	year := y + ord*c.interval
	if d > daysIn(year, m) {
		return c.at(year, m, 1), false
	}
	return c.at(year, m, d), true
}

func (c yearlyCursor) seek(t time.Time) int {
	if !t.After(c.base) {
		return 0
	}
	return clampSeek(floorDiv(c.local(t).Year()-c.base.Year(), c.interval))
}

// isoYearCursor repeats on the base ISO week number and weekday. Years with
// fewer ISO weeks than the base week are skipped.
type isoYearCursor struct {
	calendar
	isoYear int
	week    int
	dayOff  int
}

func newISOYearCursor(c calendar) isoYearCursor {
	y, w := c.base.ISOWeek()
	return isoYearCursor{calendar: c, isoYear: y, week: w, dayOff: mondayOffset(c.base.Weekday())}
}

// weekOneMonday returns the Monday of ISO week 1 of year, the week
// containing January 4th.
func weekOneMonday(year int) time.Time {
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC)
	return jan4.AddDate(0, 0, -mondayOffset(jan4.Weekday()))
}

func isoWeeksIn(year int) int {
	_, w := time.Date(year, time.December, 28, 0, 0, 0, 0, time.UTC).ISOWeek()
	return w
}

func (c isoYearCursor) slot(ord int) (time.Time, bool) {
	if ord == 0 {
		return c.base, true
	}
	year := c.isoYear + ord*c.interval
	monday := weekOneMonday(year)
	if c.week > isoWeeksIn(year) {
		my, mm, md := monday.Date()
		return c.at(my, mm, md), false
	}
	my, mm, md := monday.Date()
	return c.at(my, mm, md+(c.week-1)*7+c.dayOff), true
}

func (c isoYearCursor) seek(t time.Time) int {
	if !t.After(c.base) {
		return 0
	}
	y, _ := c.local(t).ISOWeek()
	return clampSeek(floorDiv(y-c.isoYear, c.interval))
}
