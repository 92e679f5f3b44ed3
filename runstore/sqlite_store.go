package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQLiteStore is an embedded-database implementation of Store backed by
// gorm with the pure-Go sqlite driver. Payloads are serialized to JSON
// columns; the schema is migrated automatically at open time.
type SQLiteStore struct {
	db *gorm.DB
}

type runRow struct {
	ID              string `gorm:"primaryKey"`
	WorkflowName    string `gorm:"index:idx_runs_identity"`
	WorkflowVersion string `gorm:"index:idx_runs_identity"`
	RunKey          string `gorm:"index:idx_runs_identity"`
	Status          string `gorm:"index"`
	Strategy        string
	InitialInput    string
	LastError       string
	CreatedAt       time.Time `gorm:"index"`
	CompletedAt     *time.Time
}

func (runRow) TableName() string { return "runs" }

type stepRow struct {
	RunID     string `gorm:"primaryKey"`
	StepID    string `gorm:"primaryKey"`
	Status    string
	Attempts  int
	LastError string
	Output    string
	StartedAt *time.Time
	EndedAt   *time.Time
}

func (stepRow) TableName() string { return "step_records" }

// NewSQLiteStore opens (creating if needed) the database at the
// configured path and migrates the schema.
func NewSQLiteStore(config StoreConfig) (*SQLiteStore, error) {
	path := config.SQLitePath
	if path == "" {
		path = "stepflow.db"
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if err := db.AutoMigrate(&runRow{}, &stepRow{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func marshalPayload(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

func unmarshalPayload(s string) any {
	if s == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}

func toRunRow(run *Run) (*runRow, error) {
	input, err := marshalPayload(run.InitialInput)
	if err != nil {
		return nil, err
	}
	return &runRow{
		ID:              run.ID,
		WorkflowName:    run.WorkflowName,
		WorkflowVersion: run.WorkflowVersion,
		RunKey:          run.RunKey,
		Status:          string(run.Status),
		Strategy:        string(run.Strategy),
		InitialInput:    input,
		LastError:       run.LastError,
		CreatedAt:       run.CreatedAt,
		CompletedAt:     run.CompletedAt,
	}, nil
}

func fromRunRow(row *runRow) *Run {
	return &Run{
		ID:              row.ID,
		WorkflowName:    row.WorkflowName,
		WorkflowVersion: row.WorkflowVersion,
		RunKey:          row.RunKey,
		Status:          RunStatus(row.Status),
		Strategy:        Strategy(row.Strategy),
		InitialInput:    unmarshalPayload(row.InitialInput),
		LastError:       row.LastError,
		CreatedAt:       row.CreatedAt,
		CompletedAt:     row.CompletedAt,
	}
}

func fromStepRow(row *stepRow) *StepRecord {
	return &StepRecord{
		RunID:     row.RunID,
		StepID:    row.StepID,
		Status:    StepStatus(row.Status),
		Attempts:  row.Attempts,
		LastError: row.LastError,
		Output:    unmarshalPayload(row.Output),
		StartedAt: row.StartedAt,
		EndedAt:   row.EndedAt,
	}
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks if the store is healthy.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// CreateRun persists a new run with its initial step records in one
// transaction.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run, records []*StepRecord) error {
	if run == nil || run.ID == "" {
		return ErrInvalidInput
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}

	row, err := toRunRow(run)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&runRow{}).Where("id = ?", run.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrAlreadyExists
		}
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		for _, rec := range records {
			output, err := marshalPayload(rec.Output)
			if err != nil {
				return err
			}
			srow := &stepRow{
				RunID:     run.ID,
				StepID:    rec.StepID,
				Status:    string(rec.Status),
				Attempts:  rec.Attempts,
				LastError: rec.LastError,
				Output:    output,
				StartedAt: rec.StartedAt,
				EndedAt:   rec.EndedAt,
			}
			if err := tx.Create(srow).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	var row runRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRunRow(&row), nil
}

// ListRuns retrieves runs matching the filter, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	q := s.db.WithContext(ctx).Model(&runRow{}).Order("created_at DESC")
	if filter.Workflow != "" {
		q = q.Where("workflow_name = ?", filter.Workflow)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if !filter.CreatedAfter.IsZero() {
		q = q.Where("created_at > ?", filter.CreatedAfter)
	}
	if !filter.CreatedBefore.IsZero() {
		q = q.Where("created_at < ?", filter.CreatedBefore)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []runRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*Run, len(rows))
	for i := range rows {
		out[i] = fromRunRow(&rows[i])
	}
	return out, nil
}

// UpdateRunStatus transitions a run's status.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status RunStatus, errMsg string) error {
	updates := map[string]any{
		"status":     string(status),
		"last_error": errMsg,
	}
	if status.IsTerminal() {
		now := time.Now()
		updates["completed_at"] = gorm.Expr("COALESCE(completed_at, ?)", now)
	}

	res := s.db.WithContext(ctx).Model(&runRow{}).Where("id = ?", runID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveRun returns the pending or running run for a workflow identity.
func (s *SQLiteStore) ActiveRun(ctx context.Context, workflowName, workflowVersion string) (*Run, error) {
	var row runRow
	err := s.db.WithContext(ctx).
		Where("workflow_name = ? AND workflow_version = ?", workflowName, workflowVersion).
		// Keyed runs conflict only within their own key.
		Where("run_key = ?", "").
		Where("status IN ?", []string{string(RunStatusPending), string(RunStatusRunning)}).
		Order("created_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRunRow(&row), nil
}

// ApplyStepMutation applies one idempotent state transition to a step record.
func (s *SQLiteStore) ApplyStepMutation(ctx context.Context, runID, stepID string, m StepMutation) error {
	updates := map[string]any{
		"status":     string(m.Status),
		"attempts":   m.Attempt,
		"last_error": m.Error,
	}
	if m.Status == StepStatusSucceeded {
		output, err := marshalPayload(m.Output)
		if err != nil {
			return err
		}
		updates["output"] = output
	}
	if m.StartedAt != nil {
		updates["started_at"] = *m.StartedAt
	}
	if m.EndedAt != nil {
		updates["ended_at"] = *m.EndedAt
	}

	res := s.db.WithContext(ctx).Model(&stepRow{}).
		Where("run_id = ? AND step_id = ?", runID, stepID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetStepRecords returns all step records for a run, sorted by step ID.
func (s *SQLiteStore) GetStepRecords(ctx context.Context, runID string) ([]*StepRecord, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&runRow{}).Where("id = ?", runID).Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, ErrNotFound
	}

	var rows []stepRow
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("step_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*StepRecord, len(rows))
	for i := range rows {
		out[i] = fromStepRow(&rows[i])
	}
	return out, nil
}

// GetResumableRuns returns non-terminal stateful runs, oldest first.
func (s *SQLiteStore) GetResumableRuns(ctx context.Context) ([]*Run, error) {
	var rows []runRow
	err := s.db.WithContext(ctx).
		Where("strategy = ?", string(StrategyStateful)).
		Where("status IN ?", []string{string(RunStatusPending), string(RunStatusRunning)}).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*Run, len(rows))
	for i := range rows {
		out[i] = fromRunRow(&rows[i])
	}
	return out, nil
}

// Cleanup removes terminal runs older than the given duration.
func (s *SQLiteStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	var ids []string
	err := s.db.WithContext(ctx).Model(&runRow{}).
		Where("status IN ?", []string{
			string(RunStatusSucceeded), string(RunStatusFailed), string(RunStatusCancelled),
		}).
		Where("completed_at IS NOT NULL AND completed_at < ?", cutoff).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id IN ?", ids).Delete(&stepRow{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&runRow{}).Error
	})
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Stats returns run counts for health reporting.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	type statusCount struct {
		Status string
		Count  int
	}
	var counts []statusCount
	err := s.db.WithContext(ctx).Model(&runRow{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}

	stats := &Stats{RunsByStatus: make(map[RunStatus]int)}
	for _, c := range counts {
		stats.RunsByStatus[RunStatus(c.Status)] = c.Count
		stats.TotalRuns += c.Count
	}
	return stats, nil
}
