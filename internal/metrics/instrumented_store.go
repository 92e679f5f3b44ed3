package metrics

import (
	"context"
	"time"

	"github.com/mkarlic/stepflow/runstore"
)

// InstrumentStore wraps a run store so every operation reports its
// duration to the collector. Close passes through unrecorded.
func InstrumentStore(store runstore.Store, c *Collector) runstore.Store {
	return &instrumentedStore{next: store, collector: c}
}

type instrumentedStore struct {
	next      runstore.Store
	collector *Collector
}

func (s *instrumentedStore) observe(op string, started time.Time) {
	s.collector.RecordStoreOperation(op, time.Since(started))
}

func (s *instrumentedStore) CreateRun(ctx context.Context, run *runstore.Run, records []*runstore.StepRecord) error {
	defer s.observe("create_run", time.Now())
	return s.next.CreateRun(ctx, run, records)
}

func (s *instrumentedStore) GetRun(ctx context.Context, runID string) (*runstore.Run, error) {
	defer s.observe("get_run", time.Now())
	return s.next.GetRun(ctx, runID)
}

func (s *instrumentedStore) ListRuns(ctx context.Context, filter runstore.RunFilter) ([]*runstore.Run, error) {
	defer s.observe("list_runs", time.Now())
	return s.next.ListRuns(ctx, filter)
}

func (s *instrumentedStore) UpdateRunStatus(ctx context.Context, runID string, status runstore.RunStatus, errMsg string) error {
	defer s.observe("update_run_status", time.Now())
	return s.next.UpdateRunStatus(ctx, runID, status, errMsg)
}

func (s *instrumentedStore) ActiveRun(ctx context.Context, workflowName, workflowVersion string) (*runstore.Run, error) {
	defer s.observe("active_run", time.Now())
	return s.next.ActiveRun(ctx, workflowName, workflowVersion)
}

func (s *instrumentedStore) ApplyStepMutation(ctx context.Context, runID, stepID string, m runstore.StepMutation) error {
	defer s.observe("apply_step_mutation", time.Now())
	return s.next.ApplyStepMutation(ctx, runID, stepID, m)
}

func (s *instrumentedStore) GetStepRecords(ctx context.Context, runID string) ([]*runstore.StepRecord, error) {
	defer s.observe("get_step_records", time.Now())
	return s.next.GetStepRecords(ctx, runID)
}

func (s *instrumentedStore) GetResumableRuns(ctx context.Context) ([]*runstore.Run, error) {
	defer s.observe("get_resumable_runs", time.Now())
	return s.next.GetResumableRuns(ctx)
}

func (s *instrumentedStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	defer s.observe("cleanup", time.Now())
	return s.next.Cleanup(ctx, olderThan)
}

func (s *instrumentedStore) Stats(ctx context.Context) (*runstore.Stats, error) {
	defer s.observe("stats", time.Now())
	return s.next.Stats(ctx)
}

func (s *instrumentedStore) Ping(ctx context.Context) error {
	defer s.observe("ping", time.Now())
	return s.next.Ping(ctx)
}

func (s *instrumentedStore) Close() error {
	return s.next.Close()
}
