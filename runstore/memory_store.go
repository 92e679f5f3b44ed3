package runstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store. Suitable for
// development, testing, and as the record holder for sequential-strategy
// runs. Data is lost on restart, so GetResumableRuns always returns
// nothing.
type MemoryStore struct {
	mu      sync.RWMutex
	runs    map[string]*Run
	records map[string]map[string]*StepRecord // runID -> stepID -> record
	closed  bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:    make(map[string]*Run),
		records: make(map[string]map[string]*StepRecord),
	}
}

// Close closes the store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the store is healthy.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// CreateRun persists a new run with its initial step records.
func (s *MemoryStore) CreateRun(ctx context.Context, run *Run, records []*StepRecord) error {
	if run == nil || run.ID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, exists := s.runs[run.ID]; exists {
		return ErrAlreadyExists
	}

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	s.runs[run.ID] = run.Clone()

	recs := make(map[string]*StepRecord, len(records))
	for _, rec := range records {
		recs[rec.StepID] = rec.Clone()
	}
	s.records[run.ID] = recs
	return nil
}

// GetRun retrieves a run by ID.
func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	run, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return run.Clone(), nil
}

// ListRuns retrieves runs matching the filter, newest first.
func (s *MemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var out []*Run
	for _, run := range s.runs {
		if filter.matches(run) {
			out = append(out, run.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// UpdateRunStatus transitions a run's status.
func (s *MemoryStore) UpdateRunStatus(ctx context.Context, runID string, status RunStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	run, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}

	run.Status = status
	run.LastError = errMsg
	if status.IsTerminal() && run.CompletedAt == nil {
		now := time.Now()
		run.CompletedAt = &now
	}
	return nil
}

// ActiveRun returns the pending or running run for a workflow identity.
func (s *MemoryStore) ActiveRun(ctx context.Context, workflowName, workflowVersion string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var newest *Run
	for _, run := range s.runs {
		if run.WorkflowName != workflowName || run.WorkflowVersion != workflowVersion {
			continue
		}
		// Keyed runs conflict only within their own key.
		if run.RunKey != "" {
			continue
		}
		if !run.Status.IsActive() {
			continue
		}
		if newest == nil || run.CreatedAt.After(newest.CreatedAt) {
			newest = run
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	return newest.Clone(), nil
}

// ApplyStepMutation applies one idempotent state transition to a step record.
func (s *MemoryStore) ApplyStepMutation(ctx context.Context, runID, stepID string, m StepMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	recs, ok := s.records[runID]
	if !ok {
		return ErrNotFound
	}
	rec, ok := recs[stepID]
	if !ok {
		return ErrNotFound
	}
	m.Apply(rec)
	return nil
}

// GetStepRecords returns all step records for a run, sorted by step ID.
func (s *MemoryStore) GetStepRecords(ctx context.Context, runID string) ([]*StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	recs, ok := s.records[runID]
	if !ok {
		return nil, ErrNotFound
	}

	out := make([]*StepRecord, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out, nil
}

// GetResumableRuns returns nothing: memory contents do not survive a
// restart, so nothing is ever resumable from here.
func (s *MemoryStore) GetResumableRuns(ctx context.Context) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return nil, nil
}

// Cleanup removes terminal runs older than the given duration.
func (s *MemoryStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for id, run := range s.runs {
		if run.IsTerminal() && run.CompletedAt != nil && run.CompletedAt.Before(cutoff) {
			delete(s.runs, id)
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}

// Stats returns run counts for health reporting.
func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	stats := &Stats{RunsByStatus: make(map[RunStatus]int)}
	for _, run := range s.runs {
		stats.TotalRuns++
		stats.RunsByStatus[run.Status]++
	}
	return stats, nil
}
