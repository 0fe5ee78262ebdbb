package dataset

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/curp-search-engine/internal/search"
)

func writeSheet(t *testing.T, rows [][]any) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for r, row := range rows {
		for c, v := range row {
			cell, err := excelize.CoordinatesToCellName(c+1, r+1)
			require.NoError(t, err)
			require.NoError(t, f.SetCellValue("Sheet1", cell, v))
		}
	}
	path := filepath.Join(t.TempDir(), "input.xlsx")
	require.NoError(t, f.SaveAs(path))
	return path
}

func TestReadPersonsNormalizesGender(t *testing.T) {
	t.Parallel()
	path := writeSheet(t, [][]any{
		{"first_name", "last_name_1", "last_name_2", "gender"},
		{"JUAN", "PEREZ", "GOMEZ", "hombre"},
		{"MARIA", "LOPEZ", "", "FEMALE"},
		{"PEDRO", "RUIZ", "DIAZ", "M"},
	})

	persons, err := ReadPersons(path)
	require.NoError(t, err)
	require.Len(t, persons, 3)
	require.Equal(t, search.Person{ID: 1, FirstName: "JUAN", LastName1: "PEREZ", LastName2: "GOMEZ", Gender: "H"}, persons[0])
	require.Equal(t, "M", persons[1].Gender)
	require.Equal(t, "", persons[1].LastName2)
	require.Equal(t, 3, persons[2].ID)
}

func TestReadPersonsHonorsExplicitIDs(t *testing.T) {
	t.Parallel()
	path := writeSheet(t, [][]any{
		{"person_id", "first_name", "last_name_1", "last_name_2", "gender"},
		{7, "JUAN", "PEREZ", "GOMEZ", "H"},
		{9, "MARIA", "LOPEZ", "RIOS", "M"},
	})

	persons, err := ReadPersons(path)
	require.NoError(t, err)
	require.Equal(t, 7, persons[0].ID)
	require.Equal(t, 9, persons[1].ID)
}

func TestReadPersonsRejectsBadInput(t *testing.T) {
	t.Parallel()

	t.Run("missing column", func(t *testing.T) {
		t.Parallel()
		path := writeSheet(t, [][]any{
			{"first_name", "last_name_1", "gender"},
			{"JUAN", "PEREZ", "H"},
		})
		_, err := ReadPersons(path)
		require.ErrorContains(t, err, "last_name_2")
	})

	t.Run("invalid gender", func(t *testing.T) {
		t.Parallel()
		path := writeSheet(t, [][]any{
			{"first_name", "last_name_1", "last_name_2", "gender"},
			{"JUAN", "PEREZ", "GOMEZ", "X"},
		})
		_, err := ReadPersons(path)
		require.ErrorContains(t, err, "invalid gender")
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, err := ReadPersons(filepath.Join(t.TempDir(), "nope.xlsx"))
		require.Error(t, err)
	})
}

func TestRowCount(t *testing.T) {
	t.Parallel()
	path := writeSheet(t, [][]any{
		{"first_name", "last_name_1", "last_name_2", "gender"},
		{"JUAN", "PEREZ", "GOMEZ", "H"},
		{"MARIA", "LOPEZ", "RIOS", "M"},
	})
	n, err := RowCount(path)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestSlice(t *testing.T) {
	t.Parallel()
	persons := []search.Person{{ID: 1}, {ID: 2}, {ID: 3}, {ID: 4}}

	all, err := Slice(persons, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)

	window, err := Slice(persons, 2, 3)
	require.NoError(t, err)
	require.Equal(t, []search.Person{{ID: 2}, {ID: 3}}, window)

	_, err = Slice(persons, 3, 9)
	require.Error(t, err)
	_, err = Slice(persons, 0, 2)
	require.Error(t, err)
}

func TestWriteResultsRoundTrip(t *testing.T) {
	t.Parallel()
	persons := []search.Person{
		{ID: 1, FirstName: "JUAN", LastName1: "PEREZ", LastName2: "GOMEZ", Gender: "H"},
		{ID: 2, FirstName: "MARIA", LastName1: "LOPEZ", LastName2: "RIOS", Gender: "M"},
	}
	matches := []search.Match{
		{PersonID: 1, CURP: "PEGJ900205HDFRMN01", BirthDate: "1990-02-05", State: "DF", MatchNumber: 1, FoundAt: time.Now()},
	}
	path := filepath.Join(t.TempDir(), "results.xlsx")
	require.NoError(t, WriteResults(path, persons, matches))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	results, err := f.GetRows("Results")
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "PEGJ900205HDFRMN01", results[1][5])
	require.Equal(t, "1990-02-05", results[1][6])

	summary, err := f.GetRows("Summary")
	require.NoError(t, err)
	require.Len(t, summary, 3)
	require.Equal(t, "1", summary[1][4], "person 1 has one match")
	require.Equal(t, "0", summary[2][4], "person 2 has none")
}
