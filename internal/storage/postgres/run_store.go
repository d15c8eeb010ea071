package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/fdd-retriever/internal/filing"
)

// RunStore implements filing.RunLedger over the discovery_runs table.
type RunStore struct {
	db DB
}

// NewRunStore builds a RunStore over db.
func NewRunStore(db DB) (*RunStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &RunStore{db: db}, nil
}

// StartRun inserts a running row; restarting the same id keeps the original start time.
func (s *RunStore) StartRun(ctx context.Context, runID, source string, startedAt time.Time) error {
	query := `
		INSERT INTO discovery_runs (id, source, status, started_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status
		WHERE discovery_runs.status <> EXCLUDED.status`
	if _, err := s.db.Exec(ctx, query, runID, source, filing.RunRunning, startedAt); err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// CompleteRun records the terminal status and counters of a run.
func (s *RunStore) CompleteRun(ctx context.Context, r filing.RunReport) error {
	query := `
		UPDATE discovery_runs
		SET finished_at = $1, status = $2, pages = $3, descriptors = $4,
			retrieved = $5, duplicates = $6, failed = $7, skipped = $8, error_message = $9
		WHERE id = $10`
	var errMsg *string
	if r.Error != "" {
		errMsg = &r.Error
	}
	tag, err := s.db.Exec(ctx, query,
		r.FinishedAt, r.Status, r.Pages, r.Descriptors,
		r.Retrieved, r.Duplicates, r.Failed, r.Skipped, errMsg, r.RunID)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete run: run %q not found", r.RunID)
	}
	return nil
}
