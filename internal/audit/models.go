package audit

import (
	"github.com/illinois-cs241/broadway/broadway-api/internal/types"
)

var schemaVersion = "0.1.0"
var logContext = "audit"

type Disposition string

const (
	DispositionNeutral Disposition = "neutral"
	DispositionGood    Disposition = "good"
	DispositionBad     Disposition = "bad"
)

type EventType string

const (
	EvtAssignmentConfigUpdated EventType = "assignment_config_updated"
	EvtRunCreated              EventType = "grading_run_created"
	EvtRunFinished             EventType = "grading_run_finished"
	EvtJobCompleted            EventType = "grading_job_completed"
	EvtWorkerRegistered        EventType = "worker_registered"
	EvtWorkerLost              EventType = "worker_lost"
)

type Message struct {
	CourseID      *string     `json:"course_id"`
	RunID         *string     `json:"run_id"`
	LogContext    string      `json:"log_context" validate:"required"`
	SchemaVersion string      `json:"version"     validate:"required"`
	Disposition   Disposition `json:"disposition" validate:"required"`
	Type          EventType   `json:"event_type"  validate:"required"`

	Timestamp types.UnixMilli `json:"timestamp" validate:"required"`
}

type Event[T any] struct {
	Event T `json:"event" validate:"required"`
	Message
}

type AssignmentConfigUpdatedEvent struct {
	AssignmentID string `json:"assignment_id" validate:"required"`
	Stages       int    `json:"stages"`
}

type RunCreatedEvent struct {
	AssignmentID string `json:"assignment_id" validate:"required"`
	Students     int    `json:"students"`
}

type RunFinishedEvent struct {
	State   types.RunState `json:"state"   validate:"required"`
	Success bool           `json:"success"`
}

type JobCompletedEvent struct {
	WorkerID *string       `json:"worker_id"`
	JobID    string        `json:"job_id"   validate:"required"`
	JobType  types.JobType `json:"job_type" validate:"required"`
	Success  bool          `json:"success"`
}

type WorkerRegisteredEvent struct {
	WorkerID      string              `json:"worker_id"      validate:"required"`
	Hostname      string              `json:"hostname"       validate:"required"`
	TransportMode types.TransportMode `json:"transport_mode" validate:"required"`
}

type WorkerLostEvent struct {
	RunningJobID *string `json:"running_job_id"`
	WorkerID     string  `json:"worker_id"      validate:"required"`
	Hostname     string  `json:"hostname"`
	Reason       string  `json:"reason"`
}
