package runstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FileStore is a file-backed implementation of Store. Suitable for
// single-node production deployments: all state lives in one JSON index
// written atomically (temp file + rename), so a crash mid-write leaves
// the previous index intact. Payloads round-trip through JSON, which is
// sufficient for the opaque-payload contract.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
	runs    map[string]*storedRun
	closed  bool
	done    chan struct{}
}

type storedRun struct {
	Run     *Run                   `json:"run"`
	Records map[string]*StepRecord `json:"records"`
}

// NewFileStore creates a file-backed store rooted at baseDir.
func NewFileStore(config StoreConfig) (*FileStore, error) {
	baseDir := filepath.Join(config.BaseDir, "runs")
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run store directory: %w", err)
	}

	store := &FileStore{
		baseDir: baseDir,
		runs:    make(map[string]*storedRun),
		done:    make(chan struct{}),
	}
	if err := store.loadFromDisk(); err != nil {
		return nil, fmt.Errorf("load runs from disk: %w", err)
	}

	if config.Cleanup.Enabled {
		go store.cleanupLoop(config.Cleanup)
	}
	return store, nil
}

func (s *FileStore) indexPath() string {
	return filepath.Join(s.baseDir, "index.json")
}

func (s *FileStore) loadFromDisk() error {
	data, err := os.ReadFile(s.indexPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var runs map[string]*storedRun
	if err := json.Unmarshal(data, &runs); err != nil {
		return err
	}
	if runs != nil {
		s.runs = runs
	}
	return nil
}

// saveToDisk persists the whole index atomically. Caller holds the lock.
func (s *FileStore) saveToDisk() error {
	data, err := json.MarshalIndent(s.runs, "", "  ")
	if err != nil {
		return err
	}

	tempPath := s.indexPath() + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tempPath, s.indexPath())
}

func (s *FileStore) cleanupLoop(cfg CleanupConfig) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			_, _ = s.Cleanup(context.Background(), cfg.Retention)
		}
	}
}

// Close flushes the index and closes the store.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return s.saveToDisk()
}

// Ping checks if the store is healthy.
func (s *FileStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// CreateRun persists a new run with its initial step records.
func (s *FileStore) CreateRun(ctx context.Context, run *Run, records []*StepRecord) error {
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
	recs := make(map[string]*StepRecord, len(records))
	for _, rec := range records {
		recs[rec.StepID] = rec.Clone()
	}
	s.runs[run.ID] = &storedRun{Run: run.Clone(), Records: recs}
	return s.saveToDisk()
}

// GetRun retrieves a run by ID.
func (s *FileStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	sr, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return sr.Run.Clone(), nil
}

// ListRuns retrieves runs matching the filter, newest first.
func (s *FileStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var out []*Run
	for _, sr := range s.runs {
		if filter.matches(sr.Run) {
			out = append(out, sr.Run.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// UpdateRunStatus transitions a run's status.
func (s *FileStore) UpdateRunStatus(ctx context.Context, runID string, status RunStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	sr, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}

	sr.Run.Status = status
	sr.Run.LastError = errMsg
	if status.IsTerminal() && sr.Run.CompletedAt == nil {
		now := time.Now()
		sr.Run.CompletedAt = &now
	}
	return s.saveToDisk()
}

// ActiveRun returns the pending or running run for a workflow identity.
func (s *FileStore) ActiveRun(ctx context.Context, workflowName, workflowVersion string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var newest *Run
	for _, sr := range s.runs {
		run := sr.Run
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

// ApplyStepMutation applies one idempotent state transition to a step
// record and writes through to disk before returning.
func (s *FileStore) ApplyStepMutation(ctx context.Context, runID, stepID string, m StepMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	sr, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}
	rec, ok := sr.Records[stepID]
	if !ok {
		return ErrNotFound
	}
	m.Apply(rec)
	return s.saveToDisk()
}

// GetStepRecords returns all step records for a run, sorted by step ID.
func (s *FileStore) GetStepRecords(ctx context.Context, runID string) ([]*StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	sr, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}

	out := make([]*StepRecord, 0, len(sr.Records))
	for _, rec := range sr.Records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out, nil
}

// GetResumableRuns returns non-terminal stateful runs.
func (s *FileStore) GetResumableRuns(ctx context.Context) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var out []*Run
	for _, sr := range s.runs {
		if sr.Run.Strategy == StrategyStateful && sr.Run.Status.IsActive() {
			out = append(out, sr.Run.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Cleanup removes terminal runs older than the given duration.
func (s *FileStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for id, sr := range s.runs {
		run := sr.Run
		if run.IsTerminal() && run.CompletedAt != nil && run.CompletedAt.Before(cutoff) {
			delete(s.runs, id)
			removed++
		}
	}
	if removed > 0 {
		if err := s.saveToDisk(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Stats returns run counts for health reporting.
func (s *FileStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	stats := &Stats{RunsByStatus: make(map[RunStatus]int)}
	for _, sr := range s.runs {
		stats.TotalRuns++
		stats.RunsByStatus[sr.Run.Status]++
	}
	return stats, nil
}
