// Package search defines core types shared across subsystems: persons,
// candidate combinations, jobs, matches, and the interfaces the orchestrator
// depends on.
package search

import (
	"fmt"
	"time"
)

// JobStatus represents the lifecycle state of a search job.
type JobStatus string

// Job status values persisted in the job store. Terminal statuses never
// transition further for a given job id.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Person is one immutable input row, identified by its 1-based row index.
type Person struct {
	ID        int    `json:"person_id"`
	FirstName string `json:"first_name"`
	LastName1 string `json:"last_name_1"`
	LastName2 string `json:"last_name_2"`
	Gender    string `json:"gender"`
}

// FullName joins the name fields for display and progress events.
func (p Person) FullName() string {
	return fmt.Sprintf("%s %s %s", p.FirstName, p.LastName1, p.LastName2)
}

// Combination is one candidate (day, month, year, state) query.
type Combination struct {
	Day       int    `json:"day"`
	Month     int    `json:"month"`
	Year      int    `json:"year"`
	StateCode string `json:"state_code"`
}

// BirthDate renders the candidate date as YYYY-MM-DD.
func (c Combination) BirthDate() string {
	return fmt.Sprintf("%04d-%02d-%02d", c.Year, c.Month, c.Day)
}

func (c Combination) String() string {
	return fmt.Sprintf("%02d/%02d/%04d %s", c.Day, c.Month, c.Year, c.StateCode)
}

// Match is a confirmed lookup result, append-only per job. MatchNumber is the
// 1-based sequence of matches found for the person within the job.
type Match struct {
	PersonID    int       `json:"person_id"`
	CURP        string    `json:"curp"`
	BirthDate   string    `json:"birth_date"`
	State       string    `json:"state"`
	MatchNumber int       `json:"match_number"`
	FoundAt     time.Time `json:"found_at"`
}

// Checkpoint records the last fully processed position for a job.
// CombinationIndex is the count of classified combinations for the person at
// PersonIndex, i.e. the next index to attempt on resume.
type Checkpoint struct {
	JobID            string    `json:"job_id"`
	PersonIndex      int       `json:"person_index"`
	CombinationIndex int64     `json:"combination_index"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// JobParameters captures everything a job-start request carries.
type JobParameters struct {
	Filename  string `json:"filename"`
	YearStart int    `json:"year_start"`
	YearEnd   int    `json:"year_end"`
	// MonthStart/MonthEnd bound the boundary years only; zero means the
	// full 1..12 range.
	MonthStart int `json:"month_start,omitempty"`
	MonthEnd   int `json:"month_end,omitempty"`
	// StartRow/EndRow select a 1-based inclusive slice of the input rows;
	// zero means all rows.
	StartRow int `json:"start_row,omitempty"`
	EndRow   int `json:"end_row,omitempty"`
	// Last-person overrides narrow the date range of the final row in the
	// slice, used when a partition shares that person across nodes.
	LastPersonYearStart  int `json:"last_person_year_start,omitempty"`
	LastPersonYearEnd    int `json:"last_person_year_end,omitempty"`
	LastPersonMonthStart int `json:"last_person_month_start,omitempty"`
	LastPersonMonthEnd   int `json:"last_person_month_end,omitempty"`
	// Resume requests continuing from the persisted checkpoint for this
	// job id instead of starting fresh.
	Resume bool `json:"resume,omitempty"`
}

// HasLastPersonYearOverride reports whether the shared-person year narrowing
// is present.
func (p JobParameters) HasLastPersonYearOverride() bool {
	return p.LastPersonYearStart != 0 && p.LastPersonYearEnd != 0
}

// HasLastPersonMonthOverride reports whether the shared-person month
// narrowing is present.
func (p JobParameters) HasLastPersonMonthOverride() bool {
	return p.LastPersonMonthStart != 0 && p.LastPersonMonthEnd != 0
}

// Job is the metadata tracked for each submitted search.
type Job struct {
	ID          string        `json:"job_id"`
	Status      JobStatus     `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Parameters  JobParameters `json:"parameters"`
	// CurrentPersonIndex and CurrentCombinationIndex mirror the latest
	// checkpointed position for status queries.
	CurrentPersonIndex      int    `json:"current_person_index"`
	CurrentCombinationIndex int64  `json:"current_combination_index"`
	TotalCombinations       int64  `json:"total_combinations"`
	Matches                 []Match `json:"matches"`
	ErrorText               string  `json:"error_text,omitempty"`
	ResultFile              string  `json:"result_file,omitempty"`
}

// RowRange is one node's assignment: a contiguous slice of persons plus an
// optional date sub-range for the shared boundary person. Zero sub-range
// fields mean the person is owned exclusively.
type RowRange struct {
	StartRow      int `json:"start_row"`
	EndRow        int `json:"end_row"`
	NodeID        int `json:"node_id"`
	SubYearStart  int `json:"sub_year_start,omitempty"`
	SubYearEnd    int `json:"sub_year_end,omitempty"`
	SubMonthStart int `json:"sub_month_start,omitempty"`
	SubMonthEnd   int `json:"sub_month_end,omitempty"`
}

// SharesLastPerson reports whether the range carries a date sub-range for its
// final person.
func (r RowRange) SharesLastPerson() bool {
	return r.SubYearStart != 0 || r.SubMonthStart != 0
}

// OutcomeKind classifies one portal interaction.
type OutcomeKind string

// Interaction outcomes. Found and NotFound are definitive; Error and Timeout
// are recoverable and leave the combination unresolved; Captcha suspends the
// job until an external resume signal.
const (
	OutcomeFound    OutcomeKind = "found"
	OutcomeNotFound OutcomeKind = "not_found"
	OutcomeError    OutcomeKind = "error"
	OutcomeTimeout  OutcomeKind = "timeout"
	OutcomeCaptcha  OutcomeKind = "captcha"
)

// Definitive reports whether the outcome resolves its combination, allowing
// checkpoint advancement.
func (k OutcomeKind) Definitive() bool {
	return k == OutcomeFound || k == OutcomeNotFound
}

// Outcome is the classified result of submitting one combination.
type Outcome struct {
	Kind OutcomeKind
	// Populated when Kind is OutcomeFound.
	CURP      string
	BirthDate string
	State     string
	// Reason carries diagnostic context for Error/Timeout/Captcha.
	Reason string
}
