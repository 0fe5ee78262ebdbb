// Package dataset reads person rows from uploaded spreadsheets and writes
// the two-sheet match export.
package dataset

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/curp-search-engine/internal/search"
)

var requiredColumns = []string{"first_name", "last_name_1", "last_name_2", "gender"}

// genderAliases maps accepted spellings to the portal's H/M values.
var genderAliases = map[string]string{
	"H":      "H",
	"M":      "M",
	"HOMBRE": "H",
	"MUJER":  "M",
	"MALE":   "H",
	"FEMALE": "M",
}

// ReadPersons loads every person row from the first sheet of an .xlsx file.
// The header row must carry first_name, last_name_1, last_name_2, and gender
// columns; person_id is optional and defaults to the 1-based row order.
func ReadPersons(path string) ([]search.Person, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset %s: %w", path, err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheet, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("dataset %s is empty", path)
	}

	cols, err := columnIndex(rows[0])
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", path, err)
	}

	persons := make([]search.Person, 0, len(rows)-1)
	for i, row := range rows[1:] {
		rowNum := i + 2
		p := search.Person{
			ID:        len(persons) + 1,
			FirstName: cellAt(row, cols["first_name"]),
			LastName1: cellAt(row, cols["last_name_1"]),
			LastName2: cellAt(row, cols["last_name_2"]),
		}
		if idx, ok := cols["person_id"]; ok {
			raw := cellAt(row, idx)
			if raw != "" {
				id, err := strconv.Atoi(raw)
				if err != nil {
					return nil, fmt.Errorf("row %d: person_id %q is not a number", rowNum, raw)
				}
				p.ID = id
			}
		}
		gender, ok := genderAliases[strings.ToUpper(cellAt(row, cols["gender"]))]
		if !ok {
			return nil, fmt.Errorf("row %d: invalid gender %q, expected H or M", rowNum, cellAt(row, cols["gender"]))
		}
		p.Gender = gender
		persons = append(persons, p)
	}
	return persons, nil
}

// RowCount returns the number of person rows (excluding the header) without
// materializing Person values.
func RowCount(path string) (int, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return 0, fmt.Errorf("open dataset %s: %w", path, err)
	}
	defer f.Close()

	rows, err := f.GetRows(f.GetSheetName(0))
	if err != nil {
		return 0, fmt.Errorf("read dataset %s: %w", path, err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return len(rows) - 1, nil
}

// Slice returns the 1-based inclusive row window [startRow, endRow]. Zero
// bounds mean the whole dataset.
func Slice(persons []search.Person, startRow, endRow int) ([]search.Person, error) {
	if startRow == 0 && endRow == 0 {
		return persons, nil
	}
	if startRow < 1 || endRow < startRow || endRow > len(persons) {
		return nil, fmt.Errorf("row range %d-%d invalid for %d persons", startRow, endRow, len(persons))
	}
	return persons[startRow-1 : endRow], nil
}

func columnIndex(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	var missing []string
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required columns: %s", strings.Join(missing, ", "))
	}
	return cols, nil
}

func cellAt(row []string, idx int) string {
	if idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}
