// Package events carries run and step lifecycle notifications from the
// engine to interested observers such as the websocket API.
package events

import "time"

// EventType identifies what happened.
type EventType string

const (
	EventRunCreated        EventType = "run_created"
	EventRunStatusChanged  EventType = "run_status_changed"
	EventStepStatusChanged EventType = "step_status_changed"
	EventRunCompleted      EventType = "run_completed"
)

// Event is a single lifecycle notification. StepID and step fields are
// empty for run-level events. Previous carries the status before a
// run_status_changed or step_status_changed transition.
type Event struct {
	Type            EventType     `json:"type"`
	RunID           string        `json:"run_id"`
	WorkflowName    string        `json:"workflow_name"`
	WorkflowVersion string        `json:"workflow_version"`
	Strategy        string        `json:"strategy,omitempty"`
	RunStatus       string        `json:"run_status,omitempty"`
	StepID          string        `json:"step_id,omitempty"`
	StepStatus      string        `json:"step_status,omitempty"`
	Previous        string        `json:"previous,omitempty"`
	Attempt         int           `json:"attempt,omitempty"`
	Error           string        `json:"error,omitempty"`
	Duration        time.Duration `json:"duration,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
}
