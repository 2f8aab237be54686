package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// JobState is the lifecycle state of the single supervised job.
type JobState string

const (
	JobStateIdle      JobState = "idle"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateStopped   JobState = "stopped"
)

// Terminal reports whether the state ends a job.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateStopped:
		return true
	default:
		return false
	}
}

// JobStatus is a point-in-time view of the current (or last) job.
type JobStatus struct {
	ID          string        `json:"id,omitempty"`
	Kind        string        `json:"kind,omitempty"`
	State       JobState      `json:"state"`
	ExitCode    *int          `json:"exit_code,omitempty"`
	Error       string        `json:"error,omitempty"`
	Summary     *BatchSummary `json:"summary,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// EventType tags a progress event.
type EventType string

const (
	EventOutput   EventType = "output"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
	EventPing     EventType = "ping"
)

// Event is one message on a job's progress stream.
type Event struct {
	Seq  int64     `json:"seq,omitempty"`
	Type EventType `json:"type"`
	// Data carries the output line or the error message.
	Data string `json:"data,omitempty"`
	// Code is the exit code of a complete event.
	Code *int `json:"code,omitempty"`
}

// Terminal reports whether the event ends a stream.
func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// OutputEvent builds an output event for one line.
func OutputEvent(line string) Event {
	return Event{Type: EventOutput, Data: line}
}

// CompleteEvent builds a terminal complete event.
func CompleteEvent(code int) Event {
	return Event{Type: EventComplete, Code: &code}
}

// ErrorEvent builds a terminal error event.
func ErrorEvent(msg string) Event {
	return Event{Type: EventError, Data: msg}
}

// PingEvent builds a liveness heartbeat.
func PingEvent() Event {
	return Event{Type: EventPing}
}

// JobRun is a persisted record of one finished job.
type JobRun struct {
	ID          surrealmodels.RecordID `json:"id"`
	Kind        string                 `json:"kind"`
	State       string                 `json:"state"`
	ParentDir   string                 `json:"parent_dir"`
	Model       string                 `json:"model"`
	ExitCode    *int                   `json:"exit_code,omitempty"`
	Error       *string                `json:"error,omitempty"`
	Summary     *BatchSummary          `json:"summary,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}
