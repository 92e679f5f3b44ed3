package runstore

import (
	"time"
)

// RunStatus represents the status of a workflow run.
type RunStatus string

const (
	// RunStatusPending indicates the run is created but not yet scheduled.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run's scheduling loop is active.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every non-optional step succeeded.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates a non-optional step exhausted its retries.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled externally.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the status is a terminal state.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive returns true if a run with this status blocks a new run of
// the same workflow identity.
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// StepStatus represents the execution state of one step within a run.
type StepStatus string

const (
	// StepStatusPending indicates dependencies are not yet satisfied.
	StepStatusPending StepStatus = "pending"

	// StepStatusEligible indicates the step is ready for dispatch.
	StepStatusEligible StepStatus = "eligible"

	// StepStatusRunning indicates an agent invocation is in flight.
	StepStatusRunning StepStatus = "running"

	// StepStatusSucceeded indicates the agent returned an output.
	StepStatusSucceeded StepStatus = "succeeded"

	// StepStatusFailed indicates the step exhausted its retries.
	StepStatusFailed StepStatus = "failed"

	// StepStatusSkipped indicates the step was not invoked: either an
	// optional step exhausted retries, or an upstream required step failed.
	StepStatusSkipped StepStatus = "skipped"
)

// IsTerminal returns true if the status is a terminal state.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusSkipped:
		return true
	default:
		return false
	}
}

// Strategy selects the execution strategy for a run at creation time.
type Strategy string

const (
	// StrategySequential keeps step records in memory only. Fastest
	// path; the run is not resumable after a process restart.
	StrategySequential Strategy = "sequential"

	// StrategyStateful writes every state transition through to the
	// store before the next scheduling pass, so a crashed process can
	// resume the run exactly where it stopped.
	StrategyStateful Strategy = "stateful"
)

// Run is one execution instance of a workflow definition.
type Run struct {
	// ID is the opaque unique run identifier.
	ID string `json:"id"`

	// WorkflowName and WorkflowVersion form the run-conflict identity.
	WorkflowName    string `json:"workflow_name"`
	WorkflowVersion string `json:"workflow_version"`

	// RunKey partitions the run-conflict identity. Runs with distinct
	// non-empty keys execute in parallel for the same workflow; keyed
	// runs never block a keyless start.
	RunKey string `json:"run_key,omitempty"`

	// Status is the current run status.
	Status RunStatus `json:"status"`

	// Strategy is fixed at creation time.
	Strategy Strategy `json:"strategy"`

	// InitialInput is the opaque payload the run was started with.
	InitialInput any `json:"initial_input,omitempty"`

	// LastError holds the message of the failure that ended the run.
	LastError string `json:"last_error,omitempty"`

	// CreatedAt is when the run was created.
	CreatedAt time.Time `json:"created_at"`

	// CompletedAt is when the run reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Identity returns the run-conflict key, "name@version", with a
// "#key" suffix when the run carries a run key.
func (r *Run) Identity() string {
	id := r.WorkflowName + "@" + r.WorkflowVersion
	if r.RunKey != "" {
		id += "#" + r.RunKey
	}
	return id
}

// RunOption mutates a run at creation time, before it is persisted.
type RunOption func(*Run)

// WithRunKey assigns the run key that partitions the conflict identity.
func WithRunKey(key string) RunOption {
	return func(r *Run) { r.RunKey = key }
}

// IsTerminal returns true if the run is in a terminal state.
func (r *Run) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// Duration returns the run duration, or time since creation while the
// run is still active.
func (r *Run) Duration() time.Duration {
	if r.CompletedAt != nil {
		return r.CompletedAt.Sub(r.CreatedAt)
	}
	return time.Since(r.CreatedAt)
}

// Clone returns a shallow copy safe to hand to callers.
func (r *Run) Clone() *Run {
	cp := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// StepRecord is the mutable execution state of one step within one run.
type StepRecord struct {
	RunID  string     `json:"run_id"`
	StepID string     `json:"step_id"`
	Status StepStatus `json:"status"`

	// Attempts is the number of dispatches so far; it never exceeds the
	// step's retry policy MaxAttempts.
	Attempts int `json:"attempts"`

	// LastError holds the most recent attempt's failure message.
	LastError string `json:"last_error,omitempty"`

	// Output is the opaque payload produced by the agent on success.
	Output any `json:"output,omitempty"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// IsTerminal returns true if the record is in a terminal state.
func (r *StepRecord) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// Clone returns a shallow copy safe to hand to callers.
func (r *StepRecord) Clone() *StepRecord {
	cp := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

// StepMutation describes one state transition for a step record. All
// fields are absolute values, never increments, so re-applying the same
// mutation after a crash mid-write yields the same record (idempotence
// under the (runID, stepID, Attempt, Status) key).
type StepMutation struct {
	// Attempt is the absolute attempt count after this transition.
	Attempt int

	// Status is the record status after this transition.
	Status StepStatus

	// Output replaces the record output when Status is succeeded.
	Output any

	// Error replaces the record's LastError ("" clears it).
	Error string

	StartedAt *time.Time
	EndedAt   *time.Time
}

// Apply writes the mutation onto a record in place.
func (m StepMutation) Apply(rec *StepRecord) {
	rec.Status = m.Status
	rec.Attempts = m.Attempt
	rec.LastError = m.Error
	if m.Status == StepStatusSucceeded {
		rec.Output = m.Output
	}
	if m.StartedAt != nil {
		rec.StartedAt = m.StartedAt
	}
	if m.EndedAt != nil {
		rec.EndedAt = m.EndedAt
	}
}

// RunFilter selects runs for ListRuns. Zero fields match everything.
type RunFilter struct {
	Workflow      string
	Status        RunStatus
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int
}

// matches reports whether a run satisfies the filter.
func (f RunFilter) matches(r *Run) bool {
	if f.Workflow != "" && r.WorkflowName != f.Workflow {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if !f.CreatedAfter.IsZero() && !r.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !r.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}

// Stats summarizes store contents for health reporting.
type Stats struct {
	TotalRuns    int               `json:"total_runs"`
	RunsByStatus map[RunStatus]int `json:"runs_by_status"`
}
