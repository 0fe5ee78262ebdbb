package dataset

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/curp-search-engine/internal/search"
)

var resultHeaders = []string{
	"person_id", "first_name", "last_name_1", "last_name_2", "gender",
	"curp", "birth_date", "birth_state", "match_number",
}

var summaryHeaders = []string{
	"person_id", "first_name", "last_name_1", "last_name_2", "total_matches",
}

// WriteResults writes the match export: a Results sheet with one row per
// confirmed match and a Summary sheet with one row per person. Persons with
// zero matches still appear in the summary.
func WriteResults(path string, persons []search.Person, matches []search.Match) error {
	f := excelize.NewFile()
	defer f.Close()

	f.SetSheetName("Sheet1", "Results")
	if _, err := f.NewSheet("Summary"); err != nil {
		return fmt.Errorf("create summary sheet: %w", err)
	}

	byPerson := make(map[int]search.Person, len(persons))
	for _, p := range persons {
		byPerson[p.ID] = p
	}

	writeRow(f, "Results", 1, toCells(resultHeaders))
	for i, m := range matches {
		p := byPerson[m.PersonID]
		writeRow(f, "Results", i+2, []any{
			m.PersonID, p.FirstName, p.LastName1, p.LastName2, p.Gender,
			m.CURP, m.BirthDate, m.State, m.MatchNumber,
		})
	}

	counts := make(map[int]int, len(persons))
	for _, m := range matches {
		counts[m.PersonID]++
	}
	writeRow(f, "Summary", 1, toCells(summaryHeaders))
	for i, p := range persons {
		writeRow(f, "Summary", i+2, []any{
			p.ID, p.FirstName, p.LastName1, p.LastName2, counts[p.ID],
		})
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save results %s: %w", path, err)
	}
	return nil
}

// WriteTemplate creates an empty input spreadsheet with the required header
// row and two example rows.
func WriteTemplate(path string) error {
	f := excelize.NewFile()
	defer f.Close()

	writeRow(f, "Sheet1", 1, toCells(requiredColumns))
	writeRow(f, "Sheet1", 2, []any{"EDUARDO", "BASICH", "MUGUIRO", "H"})
	writeRow(f, "Sheet1", 3, []any{"MARIA", "GONZALEZ", "LOPEZ", "M"})

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save template %s: %w", path, err)
	}
	return nil
}

func writeRow(f *excelize.File, sheet string, row int, values []any) {
	for i, v := range values {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)
		// SetCellValue only errors on invalid coordinates, which
		// CoordinatesToCellName already guarantees against.
		_ = f.SetCellValue(sheet, cell, v)
	}
}

func toCells(headers []string) []any {
	out := make([]any, len(headers))
	for i, h := range headers {
		out[i] = h
	}
	return out
}
