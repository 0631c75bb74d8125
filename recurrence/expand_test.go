package recurrence

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func mustRule(t *testing.T, base Span, kind Kind, interval int, bound Bound) *Rule {
	t.Helper()
	r, err := NewRule(base, kind, interval, bound)
	require.NoError(t, err)
	return r
}

type slot struct {
	ordinal int
	start   time.Time
}

func slotsOf(occs []Occurrence) []slot {
	out := make([]slot, 0, len(occs))
	for _, o := range occs {
		out = append(out, slot{ordinal: o.Ordinal, start: o.Start})
	}
	return out
}

func TestExpand_WeeklyTuesdayThursday(t *testing.T) {
	id := uuid.New()
	base := Span{Start: date(2023, 3, 7, 8, 0), End: date(2023, 3, 7, 9, 35)}
	rule := mustRule(t, base, Weekly{WeekMap: NewWeekMap(time.Tuesday, time.Thursday)}, 1, Count(4))

	occs, truncated := NewExpander().Expand(id, base, rule, date(2023, 3, 1, 0, 0), date(2023, 4, 1, 0, 0)).Collect()
	require.False(t, truncated)
	require.Len(t, occs, 4)

	wantDays := []int{7, 9, 14, 16}
	for i, o := range occs {
		assert.Equal(t, id, o.EventID)
		assert.Equal(t, i, o.Ordinal)
		assert.Equal(t, date(2023, 3, wantDays[i], 8, 0), o.Start)
		assert.Equal(t, date(2023, 3, wantDays[i], 9, 35), o.End)
	}
}

func TestExpand_Kinds(t *testing.T) {
	hour := time.Hour
	tests := []struct {
		name   string
		base   time.Time
		kind   Kind
		every  int
		bound  Bound
		from   time.Time
		to     time.Time
		limits *ExpandOptions
		want   []slot
	}{
		{
			name:  "monthly day 31 skips short months",
			base:  date(2023, 1, 31, 10, 0),
			kind:  Monthly{},
			every: 1,
			bound: Count(12),
			from:  date(2023, 1, 1, 0, 0),
			to:    date(2024, 1, 1, 0, 0),
			want: []slot{
				{0, date(2023, 1, 31, 10, 0)},
				{2, date(2023, 3, 31, 10, 0)},
				{4, date(2023, 5, 31, 10, 0)},
				{6, date(2023, 7, 31, 10, 0)},
				{7, date(2023, 8, 31, 10, 0)},
				{9, date(2023, 10, 31, 10, 0)},
				{11, date(2023, 12, 31, 10, 0)},
			},
		},
		{
			name:  "monthly seeks into the window",
			base:  date(2023, 1, 31, 10, 0),
			kind:  Monthly{},
			every: 1,
			from:  date(2023, 5, 1, 0, 0),
			to:    date(2023, 6, 1, 0, 0),
			want:  []slot{{4, date(2023, 5, 31, 10, 0)}},
		},
		{
			name:  "monthly third tuesday",
			base:  date(2023, 3, 21, 18, 0),
			kind:  Monthly{ByWeekday: true},
			every: 1,
			bound: Count(3),
			from:  date(2023, 1, 1, 0, 0),
			to:    date(2024, 1, 1, 0, 0),
			want: []slot{
				{0, date(2023, 3, 21, 18, 0)},
				{1, date(2023, 4, 18, 18, 0)},
				{2, date(2023, 5, 16, 18, 0)},
			},
		},
		{
			name:  "monthly fifth tuesday skips months without one",
			base:  date(2023, 1, 31, 18, 0),
			kind:  Monthly{ByWeekday: true},
			every: 1,
			from:  date(2023, 1, 1, 0, 0),
			to:    date(2023, 6, 1, 0, 0),
			want: []slot{
				{0, date(2023, 1, 31, 18, 0)},
				{4, date(2023, 5, 30, 18, 0)},
			},
		},
		{
			name:  "daily every other day from mid window",
			base:  date(2024, 1, 1, 9, 0),
			kind:  Daily{},
			every: 2,
			bound: Count(5),
			from:  date(2024, 1, 4, 0, 0),
			to:    date(2024, 1, 30, 0, 0),
			want: []slot{
				{2, date(2024, 1, 5, 9, 0)},
				{3, date(2024, 1, 7, 9, 0)},
				{4, date(2024, 1, 9, 9, 0)},
			},
		},
		{
			name:  "weekly until is exclusive",
			base:  date(2024, 1, 1, 10, 0),
			kind:  Weekly{WeekMap: NewWeekMap(time.Monday)},
			every: 1,
			bound: Until{At: date(2024, 1, 22, 10, 0)},
			from:  date(2024, 1, 1, 0, 0),
			to:    date(2024, 3, 1, 0, 0),
			want: []slot{
				{0, date(2024, 1, 1, 10, 0)},
				{1, date(2024, 1, 8, 10, 0)},
				{2, date(2024, 1, 15, 10, 0)},
			},
		},
		{
			name:  "biweekly keeps absolute ordinals",
			base:  date(2024, 1, 1, 10, 0),
			kind:  Weekly{WeekMap: NewWeekMap(time.Monday)},
			every: 2,
			bound: Count(10),
			from:  date(2024, 3, 1, 0, 0),
			to:    date(2024, 4, 1, 0, 0),
			want: []slot{
				{5, date(2024, 3, 11, 10, 0)},
				{6, date(2024, 3, 25, 10, 0)},
			},
		},
		{
			name:  "base on an unflagged weekday is ordinal zero",
			base:  date(2024, 1, 1, 10, 0),
			kind:  Weekly{WeekMap: NewWeekMap(time.Wednesday)},
			every: 1,
			bound: Count(3),
			from:  date(2024, 1, 1, 0, 0),
			to:    date(2024, 2, 1, 0, 0),
			want: []slot{
				{0, date(2024, 1, 1, 10, 0)},
				{1, date(2024, 1, 3, 10, 0)},
				{2, date(2024, 1, 10, 10, 0)},
			},
		},
		{
			name:  "flagged days before the base in its week are not generated",
			base:  date(2024, 1, 3, 10, 0),
			kind:  Weekly{WeekMap: NewWeekMap(time.Monday, time.Wednesday)},
			every: 1,
			bound: Count(3),
			from:  date(2024, 1, 1, 0, 0),
			to:    date(2024, 2, 1, 0, 0),
			want: []slot{
				{0, date(2024, 1, 3, 10, 0)},
				{1, date(2024, 1, 8, 10, 0)},
				{2, date(2024, 1, 10, 10, 0)},
			},
		},
		{
			name:   "yearly feb 29 skips common years",
			base:   date(2024, 2, 29, 12, 0),
			kind:   Yearly{},
			every:  1,
			from:   date(2024, 1, 1, 0, 0),
			to:     date(2033, 1, 1, 0, 0),
			limits: &ExpandOptions{MaxIterations: 1000},
			want: []slot{
				{0, date(2024, 2, 29, 12, 0)},
				{4, date(2028, 2, 29, 12, 0)},
				{8, date(2032, 2, 29, 12, 0)},
			},
		},
		{
			name:   "yearly iso week 53 skips short years",
			base:   date(2020, 12, 31, 12, 0),
			kind:   Yearly{ByWeekday: true},
			every:  1,
			from:   date(2020, 1, 1, 0, 0),
			to:     date(2027, 6, 1, 0, 0),
			limits: &ExpandOptions{MaxIterations: 1000},
			want: []slot{
				{0, date(2020, 12, 31, 12, 0)},
				{6, date(2026, 12, 31, 12, 0)},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := Span{Start: tt.base, End: tt.base.Add(hour)}
			rule := mustRule(t, base, tt.kind, tt.every, tt.bound)

			var opts []Option
			if tt.limits != nil {
				opts = append(opts, WithLimits(*tt.limits))
			}
			occs, truncated := NewExpander(opts...).Expand(uuid.New(), base, rule, tt.from, tt.to).Collect()

			assert.False(t, truncated)
			assert.Equal(t, tt.want, slotsOf(occs))
		})
	}
}

func TestExpand_SingleEvent(t *testing.T) {
	base := Span{Start: date(2024, 5, 1, 9, 0), End: date(2024, 5, 1, 10, 0)}
	exp := NewExpander()

	occs, _ := exp.Expand(uuid.New(), base, nil, date(2024, 5, 1, 0, 0), date(2024, 5, 2, 0, 0)).Collect()
	require.Len(t, occs, 1)
	assert.Equal(t, 0, occs[0].Ordinal)
	assert.Equal(t, base, occs[0].Span())

	// Starting before the window excludes it even though the span overlaps.
	occs, _ = exp.Expand(uuid.New(), base, nil, date(2024, 5, 1, 9, 30), date(2024, 5, 2, 0, 0)).Collect()
	assert.Empty(t, occs)
}

func TestExpand_IncreasingWithBaseDuration(t *testing.T) {
	base := Span{Start: date(2022, 11, 15, 22, 30), End: date(2022, 11, 16, 1, 0)}
	kinds := []Kind{
		Daily{},
		Weekly{WeekMap: NewWeekMap(time.Tuesday, time.Saturday, time.Sunday)},
		Monthly{},
		Monthly{ByWeekday: true},
		Yearly{},
		Yearly{ByWeekday: true},
	}

	for _, kind := range kinds {
		for _, every := range []int{1, 3} {
			rule := mustRule(t, base, kind, every, nil)
			occs, _ := NewExpander().Expand(uuid.New(), base, rule, date(2023, 1, 1, 0, 0), date(2026, 1, 1, 0, 0)).Collect()

			for i, o := range occs {
				assert.Equal(t, base.Duration(), o.End.Sub(o.Start), "%s every %d", kind, every)
				if i > 0 {
					assert.True(t, o.Start.After(occs[i-1].Start), "%s every %d: start order", kind, every)
					assert.Greater(t, o.Ordinal, occs[i-1].Ordinal)
					assert.False(t, o.Start.Before(occs[i-1].End), "%s every %d: overlap", kind, every)
				}
			}
		}
	}
}

func TestExpand_OrdinalsStableAcrossWindows(t *testing.T) {
	base := Span{Start: date(2024, 1, 31, 8, 0), End: date(2024, 1, 31, 9, 0)}
	rule := mustRule(t, base, Monthly{}, 1, Count(24))
	exp := NewExpander()
	id := uuid.New()

	full, _ := exp.Expand(id, base, rule, date(2024, 1, 1, 0, 0), date(2027, 1, 1, 0, 0)).Collect()
	byOrdinal := make(map[int]time.Time, len(full))
	for _, o := range full {
		byOrdinal[o.Ordinal] = o.Start
	}

	for m := time.January; m <= time.December; m++ {
		part, _ := exp.Expand(id, base, rule, date(2025, m, 1, 0, 0), date(2025, m+1, 1, 0, 0)).Collect()
		for _, o := range part {
			assert.Equal(t, byOrdinal[o.Ordinal], o.Start)
		}
	}
}

func TestExpand_Restartable(t *testing.T) {
	base := Span{Start: date(2024, 1, 1, 9, 0), End: date(2024, 1, 1, 10, 0)}
	rule := mustRule(t, base, Daily{}, 1, Count(10))
	seq := NewExpander().Expand(uuid.New(), base, rule, date(2024, 1, 1, 0, 0), date(2024, 2, 1, 0, 0))

	var first, second []Occurrence
	for o := range seq.All() {
		first = append(first, o)
		if len(first) == 3 {
			break
		}
	}
	for o := range seq.All() {
		second = append(second, o)
	}
	assert.Len(t, first, 3)
	assert.Len(t, second, 10)
	assert.Equal(t, first, second[:3])
}

func TestExpand_RunawayGuard(t *testing.T) {
	base := Span{Start: date(2024, 1, 1, 9, 0), End: date(2024, 1, 1, 10, 0)}
	rule := mustRule(t, base, Daily{}, 1, nil)
	window := [2]time.Time{date(2023, 1, 1, 0, 0), date(2025, 1, 1, 0, 0)}

	t.Run("iterations", func(t *testing.T) {
		exp := NewExpander(WithLimits(ExpandOptions{MaxIterations: 3}))
		occs, truncated := exp.Expand(uuid.New(), base, rule, window[0], window[1]).Collect()
		assert.True(t, truncated)
		assert.Len(t, occs, 3)
	})

	t.Run("time span", func(t *testing.T) {
		exp := NewExpander(WithLimits(ExpandOptions{MaxTimeSpan: 10 * 24 * time.Hour}))
		occs, truncated := exp.Expand(uuid.New(), base, rule, window[0], window[1]).Collect()
		assert.True(t, truncated)
		require.Len(t, occs, 10)
		assert.Equal(t, date(2024, 1, 10, 9, 0), occs[9].Start)
	})

	t.Run("within limits", func(t *testing.T) {
		occs, truncated := NewExpander().Expand(uuid.New(), base, rule, date(2024, 1, 1, 0, 0), date(2024, 1, 8, 0, 0)).Collect()
		assert.False(t, truncated)
		assert.Len(t, occs, 7)
	})
}

func TestExpand_EmptyWindow(t *testing.T) {
	base := Span{Start: date(2024, 1, 1, 9, 0), End: date(2024, 1, 1, 10, 0)}
	rule := mustRule(t, base, Daily{}, 1, nil)
	occs, truncated := NewExpander().Expand(uuid.New(), base, rule, date(2024, 2, 1, 0, 0), date(2024, 1, 1, 0, 0)).Collect()
	assert.Empty(t, occs)
	assert.False(t, truncated)
}

func TestRule_LastStart(t *testing.T) {
	t.Run("count with skipped tail", func(t *testing.T) {
		base := Span{Start: date(2023, 1, 31, 10, 0), End: date(2023, 1, 31, 11, 0)}
		rule := mustRule(t, base, Monthly{}, 1, Count(11))
		last, ok := rule.LastStart(base)
		require.True(t, ok)
		// Ordinal 10 is November, which has no 31st.
		assert.Equal(t, date(2023, 10, 31, 10, 0), last)
	})

	t.Run("until", func(t *testing.T) {
		base := Span{Start: date(2024, 1, 1, 10, 0), End: date(2024, 1, 1, 11, 0)}
		rule := mustRule(t, base, Weekly{WeekMap: NewWeekMap(time.Monday)}, 1, Until{At: date(2024, 1, 22, 10, 0)})
		last, ok := rule.LastStart(base)
		require.True(t, ok)
		assert.Equal(t, date(2024, 1, 15, 10, 0), last)
	})

	t.Run("unbounded", func(t *testing.T) {
		base := Span{Start: date(2024, 1, 1, 10, 0), End: date(2024, 1, 1, 11, 0)}
		rule := mustRule(t, base, Daily{}, 1, nil)
		_, ok := rule.LastStart(base)
		assert.False(t, ok)
	})
}

func TestRule_Slot(t *testing.T) {
	base := Span{Start: date(2023, 1, 31, 10, 0), End: date(2023, 1, 31, 11, 0)}
	rule := mustRule(t, base, Monthly{}, 1, Count(6))

	start, ok := rule.Slot(base, 2)
	assert.True(t, ok)
	assert.Equal(t, date(2023, 3, 31, 10, 0), start)

	_, ok = rule.Slot(base, 1)
	assert.False(t, ok, "february has no 31st")

	_, ok = rule.Slot(base, 6)
	assert.False(t, ok, "beyond count")
}

func TestRule_OrdinalAt(t *testing.T) {
	base := Span{Start: date(2023, 1, 31, 10, 0), End: date(2023, 1, 31, 11, 0)}
	rule := mustRule(t, base, Monthly{}, 1, Count(6))

	tests := []struct {
		name string
		at   time.Time
		want int
		ok   bool
	}{
		{"base", base.Start, 0, true},
		{"march", date(2023, 3, 31, 10, 0), 2, true},
		{"may", date(2023, 5, 31, 10, 0), 4, true},
		{"wrong clock", date(2023, 3, 31, 11, 0), 0, false},
		{"skipped month", date(2023, 2, 28, 10, 0), 0, false},
		{"beyond count", date(2023, 8, 31, 10, 0), 0, false},
		{"before base", date(2022, 12, 31, 10, 0), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := rule.OrdinalAt(base, tt.at)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
				start, _ := rule.Slot(base, got)
				assert.Equal(t, tt.at, start)
			}
		})
	}
}

func TestExpander_Neighbours(t *testing.T) {
	id := uuid.New()
	base := Span{Start: date(2024, 1, 1, 9, 0), End: date(2024, 1, 1, 10, 0)}
	rule := mustRule(t, base, Daily{}, 1, Count(5))
	exp := NewExpander()

	prev, ok := exp.Previous(id, base, rule, date(2024, 1, 3, 12, 0))
	require.True(t, ok)
	assert.Equal(t, 2, prev.Ordinal)
	assert.Equal(t, date(2024, 1, 3, 9, 0), prev.Start)

	next, ok := exp.Next(id, base, rule, date(2024, 1, 3, 12, 0))
	require.True(t, ok)
	assert.Equal(t, 3, next.Ordinal)

	prev, ok = exp.Previous(id, base, rule, date(2024, 3, 1, 0, 0))
	require.True(t, ok)
	assert.Equal(t, 4, prev.Ordinal)

	_, ok = exp.Next(id, base, rule, date(2024, 1, 10, 0, 0))
	assert.False(t, ok)

	_, ok = exp.Previous(id, base, rule, base.Start)
	assert.False(t, ok)

	single, ok := exp.Next(id, base, nil, date(2023, 12, 1, 0, 0))
	require.True(t, ok)
	assert.Equal(t, base.Start, single.Start)
}

func TestExpander_PreviousPastLongCount(t *testing.T) {
	id := uuid.New()
	base := Span{Start: date(2000, 1, 1, 9, 0), End: date(2000, 1, 1, 10, 0)}
	rule := mustRule(t, base, Daily{}, 1, Count(15000))
	last, ok := rule.LastStart(base)
	require.True(t, ok)

	for name, exp := range map[string]*Expander{
		"default": NewExpander(),
		"tight":   NewExpander(WithLimits(ExpandOptions{MaxIterations: 10})),
	} {
		t.Run(name, func(t *testing.T) {
			prev, ok := exp.Previous(id, base, rule, date(2100, 1, 1, 0, 0))
			require.True(t, ok)
			assert.Equal(t, 14999, prev.Ordinal)
			assert.Equal(t, last, prev.Start)
			assert.Equal(t, last.Add(time.Hour), prev.End)
		})
	}
}

func TestExpander_NextAcrossSkippedYears(t *testing.T) {
	id := uuid.New()
	base := Span{Start: date(2024, 2, 29, 9, 0), End: date(2024, 2, 29, 10, 0)}
	rule := mustRule(t, base, Yearly{}, 1, nil)

	next, ok := NewExpander().Next(id, base, rule, date(2025, 3, 1, 0, 0))
	require.True(t, ok)
	assert.Equal(t, 4, next.Ordinal)
	assert.Equal(t, date(2028, 2, 29, 9, 0), next.Start)

	prev, ok := NewExpander().Previous(id, base, rule, date(2028, 2, 1, 0, 0))
	require.True(t, ok)
	assert.Equal(t, 0, prev.Ordinal)
}

func TestExpand_BoundBeforeClippedWindowIsNotTruncated(t *testing.T) {
	base := Span{Start: date(2024, 1, 1, 9, 0), End: date(2024, 1, 1, 10, 0)}
	exp := NewExpander(WithLimits(ExpandOptions{MaxTimeSpan: 10 * 24 * time.Hour}))
	window := [2]time.Time{date(2024, 1, 1, 0, 0), date(2025, 1, 1, 0, 0)}

	tests := []struct {
		name  string
		bound Bound
		want  int
	}{
		{name: "count", bound: Count(3), want: 3},
		{name: "until", bound: Until{At: date(2024, 1, 5, 0, 0)}, want: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := mustRule(t, base, Daily{}, 1, tt.bound)
			occs, truncated := exp.Expand(uuid.New(), base, rule, window[0], window[1]).Collect()
			assert.False(t, truncated)
			assert.Len(t, occs, tt.want)
		})
	}
}
