// Package partition splits a batch of persons and a date range into
// per-node assignments that cover the input space exactly once. Partitioning
// happens once, centrally, before dispatch, so nodes never need to
// coordinate beyond receiving their RowRange.
package partition

import (
	"fmt"

	"github.com/JakeFAU/curp-search-engine/internal/search"
)

// Error signals a plan that would leave a gap or overlap in the input space.
// It is fatal before any work begins.
type Error struct {
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("partition validation: %s", e.Detail)
}

// Plan assigns totalPersons rows and the year range [yearStart, yearEnd] to
// nodeCount nodes.
//
// Default policy: contiguous blocks of ceil(T/N) rows, last block truncated.
//
// When T is odd and N is 2, the batch's last person is shared: node 0 covers
// every row with its last person narrowed to the first half of the year
// range, and node 1 re-covers only that person with the second half. If the
// range is a single year the bisection falls back to months 1-6 / 7-12.
// Sharing for three or more nodes with an indivisible remainder is an
// unspecified extension; those layouts use the default block policy.
func Plan(totalPersons, nodeCount, yearStart, yearEnd int) ([]search.RowRange, error) {
	if totalPersons < 1 {
		return nil, &Error{Detail: fmt.Sprintf("person count %d must be >= 1", totalPersons)}
	}
	if nodeCount < 1 {
		return nil, &Error{Detail: fmt.Sprintf("node count %d must be >= 1", nodeCount)}
	}
	if yearStart > yearEnd {
		return nil, &Error{Detail: fmt.Sprintf("year range %d-%d: start after end", yearStart, yearEnd)}
	}
	if nodeCount > totalPersons {
		return nil, &Error{Detail: fmt.Sprintf("%d nodes exceed %d persons", nodeCount, totalPersons)}
	}

	var plan []search.RowRange
	if nodeCount == 2 && totalPersons%2 == 1 {
		plan = sharedLastPersonPlan(totalPersons, yearStart, yearEnd)
	} else {
		plan = blockPlan(totalPersons, nodeCount)
	}
	if err := Validate(plan, totalPersons, yearStart, yearEnd); err != nil {
		return nil, err
	}
	return plan, nil
}

func blockPlan(totalPersons, nodeCount int) []search.RowRange {
	perNode := (totalPersons + nodeCount - 1) / nodeCount
	plan := make([]search.RowRange, 0, nodeCount)
	row := 1
	for node := 0; node < nodeCount; node++ {
		end := row + perNode - 1
		if end > totalPersons {
			end = totalPersons
		}
		plan = append(plan, search.RowRange{StartRow: row, EndRow: end, NodeID: node})
		row = end + 1
	}
	return plan
}

func sharedLastPersonPlan(totalPersons, yearStart, yearEnd int) []search.RowRange {
	span := yearEnd - yearStart + 1
	first := search.RowRange{StartRow: 1, EndRow: totalPersons, NodeID: 0}
	second := search.RowRange{StartRow: totalPersons, EndRow: totalPersons, NodeID: 1}
	if span > 1 {
		mid := yearStart + span/2
		first.SubYearStart, first.SubYearEnd = yearStart, mid-1
		second.SubYearStart, second.SubYearEnd = mid, yearEnd
	} else {
		// Single shared year: bisect by month instead.
		first.SubYearStart, first.SubYearEnd = yearStart, yearEnd
		first.SubMonthStart, first.SubMonthEnd = 1, 6
		second.SubYearStart, second.SubYearEnd = yearStart, yearEnd
		second.SubMonthStart, second.SubMonthEnd = 7, 12
	}
	return []search.RowRange{first, second}
}

// Validate checks that the plan's expanded (person, year, month) space
// equals the full input space exactly once.
func Validate(plan []search.RowRange, totalPersons, yearStart, yearEnd int) error {
	// covered[person][year][month] counts assignments; every cell must end
	// at exactly one.
	type cell struct{ person, year, month int }
	covered := make(map[cell]int)
	for _, rr := range plan {
		if rr.StartRow < 1 || rr.EndRow > totalPersons || rr.StartRow > rr.EndRow {
			return &Error{Detail: fmt.Sprintf("node %d row range %d-%d outside 1-%d", rr.NodeID, rr.StartRow, rr.EndRow, totalPersons)}
		}
		for person := rr.StartRow; person <= rr.EndRow; person++ {
			ys, ye := yearStart, yearEnd
			ms, me := 1, 12
			if person == rr.EndRow && rr.SharesLastPerson() {
				if rr.SubYearStart != 0 {
					ys, ye = rr.SubYearStart, rr.SubYearEnd
				}
				if rr.SubMonthStart != 0 {
					ms, me = rr.SubMonthStart, rr.SubMonthEnd
				}
			}
			for year := ys; year <= ye; year++ {
				for month := ms; month <= me; month++ {
					covered[cell{person, year, month}]++
				}
			}
		}
	}
	for person := 1; person <= totalPersons; person++ {
		for year := yearStart; year <= yearEnd; year++ {
			for month := 1; month <= 12; month++ {
				switch covered[cell{person, year, month}] {
				case 0:
					return &Error{Detail: fmt.Sprintf("gap: person %d year %d month %d unassigned", person, year, month)}
				case 1:
				default:
					return &Error{Detail: fmt.Sprintf("overlap: person %d year %d month %d assigned more than once", person, year, month)}
				}
			}
		}
	}
	return nil
}

// Parameters materializes a node's RowRange into the job-start request it
// should receive.
func Parameters(rr search.RowRange, filename string, yearStart, yearEnd int) search.JobParameters {
	params := search.JobParameters{
		Filename:  filename,
		YearStart: yearStart,
		YearEnd:   yearEnd,
		StartRow:  rr.StartRow,
		EndRow:    rr.EndRow,
	}
	if rr.SharesLastPerson() {
		if rr.SubYearStart != 0 {
			params.LastPersonYearStart = rr.SubYearStart
			params.LastPersonYearEnd = rr.SubYearEnd
		}
		if rr.SubMonthStart != 0 {
			params.LastPersonMonthStart = rr.SubMonthStart
			params.LastPersonMonthEnd = rr.SubMonthEnd
		}
	}
	return params
}
