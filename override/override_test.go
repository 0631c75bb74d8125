package override

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/libcalrecur/recurrence"
)

func weeklyOccurrences(t *testing.T, id uuid.UUID) []recurrence.Occurrence {
	t.Helper()
	base := recurrence.Span{
		Start: time.Date(2023, 3, 7, 8, 0, 0, 0, time.UTC),
		End:   time.Date(2023, 3, 7, 9, 35, 0, 0, time.UTC),
	}
	rule, err := recurrence.NewRule(base, recurrence.Weekly{WeekMap: recurrence.NewWeekMap(time.Tuesday, time.Thursday)}, 1, recurrence.Count(4))
	require.NoError(t, err)
	occs, _ := recurrence.NewExpander().Expand(id, base, rule,
		time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2023, 4, 1, 0, 0, 0, 0, time.UTC)).Collect()
	require.Len(t, occs, 4)
	return occs
}

func resolveAll(occs []recurrence.Occurrence, table *Table) []Resolved {
	var out []Resolved
	for _, occ := range occs {
		if r, ok := Resolve(occ, table).Get(); ok {
			out = append(out, r)
		}
	}
	return out
}

func TestResolve_StartOverride(t *testing.T) {
	id := uuid.New()
	occs := weeklyOccurrences(t, id)
	newStart := time.Date(2023, 3, 9, 10, 0, 0, 0, time.UTC)

	table := NewTable(Override{
		EventID:   id,
		Ordinal:   1,
		CreatedAt: time.Now(),
		StartsAt:  mo.Some(newStart),
	})

	resolved := resolveAll(occs, table)
	require.Len(t, resolved, 4)

	assert.Equal(t, newStart, resolved[1].StartsAt)
	assert.Equal(t, occs[1].End, resolved[1].EndsAt, "end is inherited")
	assert.True(t, resolved[1].Override.IsPresent())

	for _, i := range []int{0, 2, 3} {
		assert.Equal(t, occs[i].Start, resolved[i].StartsAt)
		assert.Equal(t, occs[i].End, resolved[i].EndsAt)
		assert.False(t, resolved[i].Override.IsPresent())
	}
}

func TestResolve_Deleted(t *testing.T) {
	id := uuid.New()
	occs := weeklyOccurrences(t, id)
	table := NewTable(Override{EventID: id, Ordinal: 2, CreatedAt: time.Now(), Deleted: true})

	resolved := resolveAll(occs, table)
	require.Len(t, resolved, 3)
	for _, r := range resolved {
		assert.NotEqual(t, 2, r.Occurrence.Ordinal)
	}
}

func TestResolve_FieldSubstitution(t *testing.T) {
	id := uuid.New()
	occ := recurrence.Occurrence{
		EventID: id,
		Ordinal: 3,
		Start:   time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
		End:     time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
	}

	table := NewTable(Override{
		EventID:   id,
		Ordinal:   3,
		CreatedAt: time.Now(),
		EndsAt:    mo.Some(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)),
		Name:      mo.Some("moved standup"),
	})

	r, ok := Resolve(occ, table).Get()
	require.True(t, ok)
	assert.Equal(t, occ.Start, r.StartsAt)
	assert.Equal(t, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), r.EndsAt)
	assert.Equal(t, mo.Some("moved standup"), r.Name)
	assert.False(t, r.Description.IsPresent())
}

func TestTable_LatestCreatedAtWins(t *testing.T) {
	id := uuid.New()
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	tests := []struct {
		name        string
		rows        []Override
		wantDeleted bool
		wantName    mo.Option[string]
	}{
		{
			name: "newer deletion beats older patch",
			rows: []Override{
				{EventID: id, Ordinal: 0, CreatedAt: older, Name: mo.Some("patched")},
				{EventID: id, Ordinal: 0, CreatedAt: newer, Deleted: true},
			},
			wantDeleted: true,
		},
		{
			name: "newer patch beats older deletion regardless of order",
			rows: []Override{
				{EventID: id, Ordinal: 0, CreatedAt: newer, Name: mo.Some("restored")},
				{EventID: id, Ordinal: 0, CreatedAt: older, Deleted: true},
			},
			wantName: mo.Some("restored"),
		},
		{
			name: "tie goes to the later row",
			rows: []Override{
				{EventID: id, Ordinal: 0, CreatedAt: older, Name: mo.Some("first")},
				{EventID: id, Ordinal: 0, CreatedAt: older, Name: mo.Some("second")},
			},
			wantName: mo.Some("second"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := NewTable(tt.rows...)
			assert.Equal(t, 1, table.Len())

			o, ok := table.Lookup(Key{EventID: id, Ordinal: 0})
			require.True(t, ok)
			assert.Equal(t, tt.wantDeleted, o.Deleted)
			assert.Equal(t, tt.wantName, o.Name)
		})
	}
}

func TestTable_ForEvent(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	table := NewTable(
		Override{EventID: a, Ordinal: 1},
		Override{EventID: a, Ordinal: 2},
		Override{EventID: b, Ordinal: 1},
	)
	assert.Len(t, table.ForEvent(a), 2)
	assert.Len(t, table.ForEvent(b), 1)
	assert.Empty(t, table.ForEvent(uuid.New()))
}

func TestResolve_NilTable(t *testing.T) {
	occ := recurrence.Occurrence{EventID: uuid.New(), Start: time.Now(), End: time.Now().Add(time.Hour)}
	r, ok := Resolve(occ, nil).Get()
	require.True(t, ok)
	assert.Equal(t, occ.Start, r.StartsAt)
}
