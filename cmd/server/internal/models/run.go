package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/illinois-cs241/broadway/broadway-api/internal/types"
)

type GradingRun struct {
	Model
	AssignmentID      string
	State             types.RunState
	StartedAt         time.Time
	FinishedAt        datatypes.Null[time.Time]
	PreProcessingEnv  types.Env   `gorm:"type:jsonb;serializer:json"`
	PostProcessingEnv types.Env   `gorm:"type:jsonb;serializer:json"`
	StudentsEnv       []types.Env `gorm:"type:jsonb;serializer:json"`
	StudentJobsLeft   int
	Success           datatypes.Null[bool]
}

func (GradingRun) TableName() string {
	return "grading_run"
}

// Course half of the assignment id
func (r *GradingRun) CourseID() string {
	courseID, _, _ := strings.Cut(r.AssignmentID, "/")
	return courseID
}

type GradingJob struct {
	Model
	RunID      uuid.UUID
	CourseID   string
	Type       types.JobType
	Stages     types.Pipeline `gorm:"type:jsonb;serializer:json"`
	WorkerID   datatypes.Null[string]
	QueuedAt   time.Time
	StartedAt  datatypes.Null[time.Time]
	FinishedAt datatypes.Null[time.Time]
	Results    []types.StageResult `gorm:"type:jsonb;serializer:json"`
	Success    datatypes.Null[bool]
}

func (GradingJob) TableName() string {
	return "grading_job"
}

func (j *GradingJob) State() types.JobState {
	switch {
	case j.FinishedAt.Valid && j.Success.Valid && j.Success.V:
		return types.JobStateSucceeded
	case j.FinishedAt.Valid:
		return types.JobStateFailed
	case j.StartedAt.Valid:
		return types.JobStateStarted
	default:
		return types.JobStateQueued
	}
}

type GradingJobLog struct {
	CreatedAt time.Time
	JobID     uuid.UUID `gorm:"primaryKey"`
	Stdout    string
	Stderr    string
}

func (GradingJobLog) TableName() string {
	return "grading_job_log"
}
