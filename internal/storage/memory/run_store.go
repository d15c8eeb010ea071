package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/fdd-retriever/internal/filing"
)

// RunStore is an in-memory filing.RunLedger.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]filing.RunReport
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]filing.RunReport)}
}

// StartRun records a running run.
func (s *RunStore) StartRun(_ context.Context, runID, source string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[runID] = filing.RunReport{RunID: runID, Source: source, Status: filing.RunRunning, StartedAt: startedAt}
	return nil
}

// CompleteRun stores the final report of a started run.
func (s *RunStore) CompleteRun(_ context.Context, report filing.RunReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	started, ok := s.runs[report.RunID]
	if !ok {
		return fmt.Errorf("run %q not found", report.RunID)
	}
	report.StartedAt = started.StartedAt
	s.runs[report.RunID] = report
	return nil
}

// Run returns the recorded report for runID.
func (s *RunStore) Run(runID string) (filing.RunReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	return r, ok
}
