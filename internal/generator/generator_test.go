package generator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/curp-search-engine/internal/search"
	"github.com/JakeFAU/curp-search-engine/internal/states"
)

func TestNewValidatesRanges(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name                   string
		yearStart, yearEnd     int
		monthStart, monthEnd   int
	}{
		{"years inverted", 1990, 1980, 1, 12},
		{"month start inverted", 1990, 1990, 7, 3},
		{"month zero paired with real month", 1990, 1990, 0, 6},
		{"month out of range", 1990, 1990, 1, 13},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tc.yearStart, tc.yearEnd, tc.monthStart, tc.monthEnd)
			require.Error(t, err)
		})
	}
}

func TestCountMatchesCalendar(t *testing.T) {
	t.Parallel()

	// Feb 1990 is not a leap year: 28 days by the state count.
	g, err := New(1990, 1990, 2, 2)
	require.NoError(t, err)
	require.Equal(t, int64(28*states.Count), g.Count())

	// Feb 1992 is a leap year.
	g, err = New(1992, 1992, 2, 2)
	require.NoError(t, err)
	require.Equal(t, int64(29*states.Count), g.Count())

	// A full non-leap year has 365 days.
	g, err = New(1991, 1991, 0, 0)
	require.NoError(t, err)
	require.Equal(t, int64(365*states.Count), g.Count())

	// Month bounds narrow only the boundary years: 1990 runs Mar-Dec,
	// 1991 is complete, 1992 runs Jan-Sep.
	g, err = New(1990, 1992, 3, 9)
	require.NoError(t, err)
	days1990 := int64(306)
	days1991 := int64(365)
	days1992 := int64(274)
	require.Equal(t, (days1990+days1991+days1992)*states.Count, g.Count())
}

func TestOrderingAndNeverEmitsInvalidDates(t *testing.T) {
	t.Parallel()

	g, err := New(1990, 1991, 1, 12)
	require.NoError(t, err)

	cur := g.Cursor(0)
	var prev search.Combination
	var count int64
	for {
		combo, idx, ok := cur.Next()
		if !ok {
			break
		}
		require.Equal(t, count, idx)
		if count > 0 {
			require.True(t, before(prev, combo), "order violated at index %d: %v then %v", idx, prev, combo)
		}
		require.GreaterOrEqual(t, combo.Day, 1)
		require.LessOrEqual(t, combo.Day, daysIn(combo.Year, combo.Month))
		prev = combo
		count++
	}
	require.Equal(t, g.Count(), count)
}

// before orders combinations by year, month, day, then state index.
func before(a, b search.Combination) bool {
	ai, _ := states.IndexOf(a.StateCode)
	bi, _ := states.IndexOf(b.StateCode)
	if a.Year != b.Year {
		return a.Year < b.Year
	}
	if a.Month != b.Month {
		return a.Month < b.Month
	}
	if a.Day != b.Day {
		return a.Day < b.Day
	}
	return ai < bi
}

func TestAtRoundTripsWithIndexOf(t *testing.T) {
	t.Parallel()

	g, err := New(1989, 1992, 3, 9)
	require.NoError(t, err)

	for _, idx := range []int64{0, 1, states.Count - 1, states.Count, g.Count() / 2, g.Count() - 1} {
		combo, err := g.At(idx)
		require.NoError(t, err)
		back, err := g.IndexOf(combo)
		require.NoError(t, err)
		require.Equal(t, idx, back, "combination %v", combo)
	}
}

func TestAtRejectsOutOfRange(t *testing.T) {
	t.Parallel()

	g, err := New(1990, 1990, 2, 2)
	require.NoError(t, err)
	_, err = g.At(-1)
	require.Error(t, err)
	_, err = g.At(g.Count())
	require.Error(t, err)
}

func TestIndexOfRejectsForeignCombinations(t *testing.T) {
	t.Parallel()

	g, err := New(1990, 1990, 2, 2)
	require.NoError(t, err)

	_, err = g.IndexOf(search.Combination{Day: 30, Month: 2, Year: 1990, StateCode: "DF"})
	require.Error(t, err, "Feb 30 does not exist")
	_, err = g.IndexOf(search.Combination{Day: 1, Month: 3, Year: 1990, StateCode: "DF"})
	require.Error(t, err, "March is outside the range")
	_, err = g.IndexOf(search.Combination{Day: 1, Month: 2, Year: 1990, StateCode: "XX"})
	require.Error(t, err, "unknown state code")
}

func TestCursorResumesMidSequence(t *testing.T) {
	t.Parallel()

	g, err := New(1990, 1990, 1, 1)
	require.NoError(t, err)

	start := int64(100)
	cur := g.Cursor(start)
	require.Equal(t, start, cur.Position())

	combo, idx, ok := cur.Next()
	require.True(t, ok)
	require.Equal(t, start, idx)
	direct, err := g.At(start)
	require.NoError(t, err)
	require.Equal(t, direct, combo)
}

func TestFromRowRangeAppliesLastPersonOverride(t *testing.T) {
	t.Parallel()

	params := search.JobParameters{
		YearStart:           1950,
		YearEnd:             1959,
		LastPersonYearStart: 1950,
		LastPersonYearEnd:   1954,
	}

	full, err := FromRowRange(params, false)
	require.NoError(t, err)
	narrowed, err := FromRowRange(params, true)
	require.NoError(t, err)
	require.Less(t, narrowed.Count(), full.Count())

	first, err := narrowed.At(0)
	require.NoError(t, err)
	require.Equal(t, 1950, first.Year)
	last, err := narrowed.At(narrowed.Count() - 1)
	require.NoError(t, err)
	require.Equal(t, 1954, last.Year)
}
