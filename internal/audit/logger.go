package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/illinois-cs241/broadway/broadway-api/internal/logger"
	"github.com/illinois-cs241/broadway/broadway-api/internal/types"
)

type Context struct {
	CourseID *string
	RunID    *string
}

func emit[T any](c Context, evtType EventType, disposition Disposition, body T) {
	event := Event[T]{Event: body}
	event.Type = evtType

	event.LogContext = logContext
	event.SchemaVersion = schemaVersion

	event.Timestamp = types.UnixMilli(time.Now().UTC().UnixMilli())
	event.CourseID = c.CourseID
	event.RunID = c.RunID

	event.Disposition = disposition

	evtStr, err := json.Marshal(event)
	if err != nil {
		logger.Logger.Error("could not serialize audit event", "type", evtType, "event", body, "error", err)
		return
	}

	fmt.Println(string(evtStr))
}

func LogAssignmentConfigUpdated(c Context, assignmentID string, cfg types.AssignmentConfig) {
	stages := len(cfg.PreProcessingPipeline) + len(cfg.StudentPipeline) + len(cfg.PostProcessingPipeline)
	emit(c, EvtAssignmentConfigUpdated, DispositionNeutral, AssignmentConfigUpdatedEvent{
		AssignmentID: assignmentID,
		Stages:       stages,
	})
}

func LogRunCreated(c Context, assignmentID string, students int) {
	emit(c, EvtRunCreated, DispositionNeutral, RunCreatedEvent{
		AssignmentID: assignmentID,
		Students:     students,
	})
}

func LogRunFinished(c Context, state types.RunState, success bool) {
	disposition := DispositionGood
	if !success {
		disposition = DispositionBad
	}

	emit(c, EvtRunFinished, disposition, RunFinishedEvent{State: state, Success: success})
}

func LogJobCompleted(c Context, jobID string, jobType types.JobType, workerID *string, success bool) {
	disposition := DispositionGood
	if !success {
		disposition = DispositionBad
	}

	emit(c, EvtJobCompleted, disposition, JobCompletedEvent{
		WorkerID: workerID,
		JobID:    jobID,
		JobType:  jobType,
		Success:  success,
	})
}

func LogWorkerRegistered(workerID, hostname string, mode types.TransportMode) {
	emit(Context{}, EvtWorkerRegistered, DispositionNeutral, WorkerRegisteredEvent{
		WorkerID:      workerID,
		Hostname:      hostname,
		TransportMode: mode,
	})
}

func LogWorkerLost(workerID, hostname string, runningJobID *string, reason string) {
	emit(Context{}, EvtWorkerLost, DispositionBad, WorkerLostEvent{
		RunningJobID: runningJobID,
		WorkerID:     workerID,
		Hostname:     hostname,
		Reason:       reason,
	})
}
