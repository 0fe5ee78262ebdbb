// Package generator enumerates the candidate combination space for one
// person: every valid calendar date in a year/month range crossed with the
// fixed state list, in deterministic order.
package generator

import (
	"fmt"
	"time"

	"github.com/JakeFAU/curp-search-engine/internal/search"
	"github.com/JakeFAU/curp-search-engine/internal/states"
)

// Generator produces the ordered combination sequence for a year range
// [YearStart, YearEnd] with month bounds applied to the boundary years only;
// intermediate years always use all 12 months. Ordering is year ascending,
// then month, then day, then state index. Invalid calendar dates (Feb 30 and
// the like) are never emitted.
type Generator struct {
	yearStart  int
	yearEnd    int
	monthStart int
	monthEnd   int

	// monthOffsets[i] is the combination index of the first candidate in
	// the i-th enumerated (year, month) cell; the final entry is the total.
	months       []monthCell
	monthOffsets []int64
	total        int64
}

type monthCell struct {
	year  int
	month int
	days  int
}

// New validates the ranges and precomputes the per-month layout used for
// closed-form counting and index seeks.
func New(yearStart, yearEnd, monthStart, monthEnd int) (*Generator, error) {
	if monthStart == 0 && monthEnd == 0 {
		monthStart, monthEnd = 1, 12
	}
	if yearStart > yearEnd {
		return nil, fmt.Errorf("invalid year range %d-%d: start after end", yearStart, yearEnd)
	}
	if monthStart < 1 || monthStart > 12 || monthEnd < 1 || monthEnd > 12 {
		return nil, fmt.Errorf("invalid month range %d-%d: months must be in 1..12", monthStart, monthEnd)
	}
	if monthStart > monthEnd {
		return nil, fmt.Errorf("invalid month range %d-%d: start after end", monthStart, monthEnd)
	}

	g := &Generator{
		yearStart:  yearStart,
		yearEnd:    yearEnd,
		monthStart: monthStart,
		monthEnd:   monthEnd,
	}
	for year := yearStart; year <= yearEnd; year++ {
		mFrom, mTo := 1, 12
		if year == yearStart {
			mFrom = monthStart
		}
		if year == yearEnd {
			mTo = monthEnd
		}
		for month := mFrom; month <= mTo; month++ {
			g.months = append(g.months, monthCell{year: year, month: month, days: daysIn(year, month)})
		}
	}
	g.monthOffsets = make([]int64, len(g.months)+1)
	for i, cell := range g.months {
		g.monthOffsets[i+1] = g.monthOffsets[i] + int64(cell.days)*states.Count
	}
	g.total = g.monthOffsets[len(g.months)]
	return g, nil
}

// FromRowRange builds the generator for a node assignment, honoring the
// sub-range narrowing for a shared boundary person.
func FromRowRange(params search.JobParameters, lastPerson bool) (*Generator, error) {
	yearStart, yearEnd := params.YearStart, params.YearEnd
	monthStart, monthEnd := params.MonthStart, params.MonthEnd
	if lastPerson && params.HasLastPersonYearOverride() {
		yearStart, yearEnd = params.LastPersonYearStart, params.LastPersonYearEnd
	}
	if lastPerson && params.HasLastPersonMonthOverride() {
		monthStart, monthEnd = params.LastPersonMonthStart, params.LastPersonMonthEnd
	}
	return New(yearStart, yearEnd, monthStart, monthEnd)
}

// Count returns the exact size of the combination space in closed form.
func (g *Generator) Count() int64 { return g.total }

// At seeks directly to the i-th combination without replaying the ones
// before it. The seek walks the precomputed month layout, so its cost is
// bounded by the number of (year, month) cells, not by i.
func (g *Generator) At(i int64) (search.Combination, error) {
	if i < 0 || i >= g.total {
		return search.Combination{}, fmt.Errorf("combination index %d out of range [0,%d)", i, g.total)
	}
	// Binary search over cumulative offsets.
	lo, hi := 0, len(g.months)
	for lo+1 < hi {
		mid := (lo + hi) / 2
		if g.monthOffsets[mid] <= i {
			lo = mid
		} else {
			hi = mid
		}
	}
	cell := g.months[lo]
	rem := i - g.monthOffsets[lo]
	day := int(rem/states.Count) + 1
	stateIdx := int(rem % states.Count)
	return search.Combination{
		Day:       day,
		Month:     cell.month,
		Year:      cell.year,
		StateCode: states.CodeAt(stateIdx),
	}, nil
}

// IndexOf returns the position of a combination within the sequence, or an
// error when the combination lies outside the space.
func (g *Generator) IndexOf(c search.Combination) (int64, error) {
	stateIdx, ok := states.IndexOf(c.StateCode)
	if !ok {
		return 0, fmt.Errorf("unknown state code %q", c.StateCode)
	}
	for i, cell := range g.months {
		if cell.year != c.Year || cell.month != c.Month {
			continue
		}
		if c.Day < 1 || c.Day > cell.days {
			return 0, fmt.Errorf("day %d invalid for %04d-%02d", c.Day, c.Year, c.Month)
		}
		return g.monthOffsets[i] + int64(c.Day-1)*states.Count + int64(stateIdx), nil
	}
	return 0, fmt.Errorf("combination %s outside generated range", c)
}

// Cursor returns a restartable iterator positioned at index start.
func (g *Generator) Cursor(start int64) *Cursor {
	return &Cursor{gen: g, next: start}
}

// Cursor walks the combination sequence lazily. It is not safe for
// concurrent use; the orchestrator serializes access.
type Cursor struct {
	gen  *Generator
	next int64
}

// Next returns the next combination and its index, or ok=false when the
// space is exhausted.
func (c *Cursor) Next() (search.Combination, int64, bool) {
	if c.next >= c.gen.total {
		return search.Combination{}, 0, false
	}
	combo, err := c.gen.At(c.next)
	if err != nil {
		return search.Combination{}, 0, false
	}
	idx := c.next
	c.next++
	return combo, idx, true
}

// Position returns the index the cursor will hand out next.
func (c *Cursor) Position() int64 { return c.next }

func daysIn(year, month int) int {
	// Day 0 of the next month is the last day of this one.
	return time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
