// Package checkpoint persists job progress and confirmed matches in an
// embedded SQLite database so a different process instance can resume
// exactly where a crashed one stopped.
package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // sqlite driver
	"go.uber.org/zap"

	"github.com/JakeFAU/curp-search-engine/internal/search"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	job_id            TEXT PRIMARY KEY,
	person_index      INTEGER NOT NULL,
	combination_index INTEGER NOT NULL,
	updated_at        TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS matches (
	job_id       TEXT NOT NULL,
	person_id    INTEGER NOT NULL,
	curp         TEXT NOT NULL,
	birth_date   TEXT NOT NULL,
	state        TEXT NOT NULL,
	match_number INTEGER NOT NULL,
	found_at     TIMESTAMP NOT NULL,
	PRIMARY KEY (job_id, person_id, curp)
);
`

// Store implements search.CheckpointStore on a single SQLite file.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open creates (or opens) the checkpoint database at path and applies the
// schema. The busy timeout covers the save cadence racing a status query
// from the API process.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		closeErr := db.Close()
		if closeErr != nil {
			logger.Warn("close checkpoint db after schema failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("apply checkpoint schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Save upserts the checkpoint for a job. Last write wins; the write is
// idempotent so retried saves after a flaky disk are harmless.
func (s *Store) Save(ctx context.Context, cp search.Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (job_id, person_index, combination_index, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			person_index = excluded.person_index,
			combination_index = excluded.combination_index,
			updated_at = excluded.updated_at`,
		cp.JobID, cp.PersonIndex, cp.CombinationIndex, cp.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint for job %s: %w", cp.JobID, err)
	}
	return nil
}

// Load fetches the checkpoint for a job, or search.ErrCheckpointNotFound.
func (s *Store) Load(ctx context.Context, jobID string) (search.Checkpoint, error) {
	var cp search.Checkpoint
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, person_index, combination_index, updated_at
		FROM checkpoints WHERE job_id = ?`, jobID)
	err := row.Scan(&cp.JobID, &cp.PersonIndex, &cp.CombinationIndex, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return search.Checkpoint{}, search.ErrCheckpointNotFound
	}
	if err != nil {
		return search.Checkpoint{}, fmt.Errorf("load checkpoint for job %s: %w", jobID, err)
	}
	return cp, nil
}

// Clear removes the checkpoint after a successful completion.
func (s *Store) Clear(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("clear checkpoint for job %s: %w", jobID, err)
	}
	return nil
}

// RecordMatch appends a confirmed match. The (job, person, curp) primary key
// makes replays after a resume idempotent.
func (s *Store) RecordMatch(ctx context.Context, jobID string, m search.Match) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO matches (job_id, person_id, curp, birth_date, state, match_number, found_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, person_id, curp) DO NOTHING`,
		jobID, m.PersonID, m.CURP, m.BirthDate, m.State, m.MatchNumber, m.FoundAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record match for job %s: %w", jobID, err)
	}
	return nil
}

// ListMatches returns all matches for a job in discovery order.
func (s *Store) ListMatches(ctx context.Context, jobID string) ([]search.Match, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT person_id, curp, birth_date, state, match_number, found_at
		FROM matches WHERE job_id = ?
		ORDER BY person_id, match_number`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list matches for job %s: %w", jobID, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("close match rows", zap.Error(closeErr))
		}
	}()

	var matches []search.Match
	for rows.Next() {
		var m search.Match
		if err := rows.Scan(&m.PersonID, &m.CURP, &m.BirthDate, &m.State, &m.MatchNumber, &m.FoundAt); err != nil {
			return nil, fmt.Errorf("scan match row: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate match rows: %w", err)
	}
	return matches, nil
}

// Close shuts down the underlying database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close checkpoint db: %w", err)
	}
	return nil
}
