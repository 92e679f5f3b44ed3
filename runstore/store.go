// Package runstore provides durable keyed storage for runs and step
// records, with enough guarantees to reconstruct exact run state after
// an unclean shutdown.
//
// Supported backends:
//   - Memory: for development, testing, and sequential-strategy runs
//   - File: JSON index with atomic writes, for single-node deployments
//   - SQLite: embedded database via gorm
//   - Redis: for deployments that already operate Redis
package runstore

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrStoreClosed   = errors.New("store is closed")
	ErrInvalidInput  = errors.New("invalid input")
)

// StoreType represents the type of storage backend.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFile   StoreType = "file"
	StoreTypeSQLite StoreType = "sqlite"
	StoreTypeRedis  StoreType = "redis"
)

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Host      string `json:"host" yaml:"host"`
	Port      int    `json:"port" yaml:"port"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	PoolSize  int    `json:"pool_size" yaml:"pool_size"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// CleanupConfig defines retention behavior for terminal runs.
type CleanupConfig struct {
	// Enabled starts a background cleanup loop in the store.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Interval is how often cleanup runs (default: 1h).
	Interval time.Duration `json:"interval" yaml:"interval"`

	// Retention is how long terminal runs are kept (default: 168h).
	Retention time.Duration `json:"retention" yaml:"retention"`
}

// DefaultCleanupConfig returns the default cleanup configuration.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Enabled:   false,
		Interval:  1 * time.Hour,
		Retention: 7 * 24 * time.Hour,
	}
}

// StoreConfig configures store creation.
type StoreConfig struct {
	// Type selects the backend.
	Type StoreType `json:"type" yaml:"type"`

	// BaseDir is the data directory for the file backend.
	BaseDir string `json:"base_dir" yaml:"base_dir"`

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string `json:"sqlite_path" yaml:"sqlite_path"`

	// Redis configures the redis backend.
	Redis RedisConfig `json:"redis" yaml:"redis"`

	// Cleanup configures terminal-run retention.
	Cleanup CleanupConfig `json:"cleanup" yaml:"cleanup"`
}

// Store is durable keyed storage for Run and StepRecord entities.
//
// Writes to step records go through StepMutation, whose fields are
// absolute values: re-applying the same mutation twice yields the same
// record, tolerating re-delivery after a crash mid-write. The store
// does not enforce cross-process mutual exclusion; the single-active-run
// invariant belongs to the coordinator.
type Store interface {
	// CreateRun persists a new run together with its initial step
	// records. Fails with ErrAlreadyExists when the run ID is taken.
	CreateRun(ctx context.Context, run *Run, records []*StepRecord) error

	// GetRun retrieves a run by ID or ErrNotFound.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// ListRuns retrieves runs matching the filter, newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// UpdateRunStatus transitions a run's status. A terminal status
	// sets CompletedAt once; errMsg lands in LastError.
	UpdateRunStatus(ctx context.Context, runID string, status RunStatus, errMsg string) error

	// ActiveRun returns the pending or running run for a workflow
	// identity, or ErrNotFound when none is active.
	ActiveRun(ctx context.Context, workflowName, workflowVersion string) (*Run, error)

	// ApplyStepMutation applies one idempotent state transition to a
	// step record.
	ApplyStepMutation(ctx context.Context, runID, stepID string, m StepMutation) error

	// GetStepRecords returns all step records for a run, sorted by step ID.
	GetStepRecords(ctx context.Context, runID string) ([]*StepRecord, error)

	// GetResumableRuns returns non-terminal stateful runs that should
	// be resumed after a restart.
	GetResumableRuns(ctx context.Context) ([]*Run, error)

	// Cleanup removes terminal runs older than the given duration and
	// returns the number removed.
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)

	// Stats returns run counts for health reporting.
	Stats(ctx context.Context) (*Stats, error)

	// Ping checks store health.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
