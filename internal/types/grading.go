package types

import (
	"encoding/json"
	"maps"
)

type Env map[string]string

// Right biased union of the given maps; nil maps are treated as empty
func MergeEnv(envs ...Env) Env {
	merged := Env{}
	for _, env := range envs {
		maps.Copy(merged, env)
	}
	return merged
}

// One container specification of a pipeline
type Stage struct {
	Env        Env      `json:"env,omitempty"`
	Networking *bool    `json:"networking,omitempty"`
	Privileged *bool    `json:"privileged,omitempty"`
	Timeout    *float64 `json:"timeout,omitempty"`
	Logs       *bool    `json:"logs,omitempty"`
	Image      string   `json:"image"`
	Hostname   string   `json:"hostname,omitempty"`
	Memory     string   `json:"memory,omitempty"`
	Entrypoint []string `json:"entrypoint,omitempty"`
}

type Pipeline []Stage

type AssignmentConfig struct {
	Env                    Env      `json:"env,omitempty"`
	PreProcessingPipeline  Pipeline `json:"pre_processing_pipeline,omitempty"`
	StudentPipeline        Pipeline `json:"student_pipeline"`
	PostProcessingPipeline Pipeline `json:"post_processing_pipeline,omitempty"`
}

type GradingRunRequest struct {
	PreProcessingEnv  Optional[Env] `json:"pre_processing_env"  swaggertype:"object,string"`
	PostProcessingEnv Optional[Env] `json:"post_processing_env" swaggertype:"object,string"`
	StudentsEnv       []Env         `json:"students_env"`
}

type GradingRunCreated struct {
	GradingRunID string `json:"grading_run_id"`
}

type RunState string

const (
	RunStateReady          RunState = "ready to be started"
	RunStatePreProcessing  RunState = "pre processing job has been scheduled"
	RunStateStudents       RunState = "students grading jobs have been scheduled"
	RunStatePostProcessing RunState = "post processing job has been scheduled"
	RunStateFinished       RunState = "grading run is complete"
	RunStateFailed         RunState = "grading run failed"
)

func (s RunState) Terminal() bool {
	return s == RunStateFinished || s == RunStateFailed
}

type JobType string

const (
	JobTypePre     JobType = "pre processing job"
	JobTypeStudent JobType = "student grading job"
	JobTypePost    JobType = "post processing job"
)

type JobState string

const (
	JobStateQueued    JobState = "grading job has been scheduled"
	JobStateStarted   JobState = "grading job is running"
	JobStateSucceeded JobState = "grading job was successful"
	JobStateFailed    JobState = "grading job failed"
)

type TransportMode string

const (
	TransportPull TransportMode = "pull"
	TransportPush TransportMode = "push"
)

type GradingRunStatus struct {
	PreProcessingJobState  map[string]JobState `json:"pre_processing_job_state"`
	PostProcessingJobState map[string]JobState `json:"post_processing_job_state"`
	StudentJobsState       map[string]JobState `json:"student_jobs_state"`
	State                  RunState            `json:"state"`
}

type GradingJobLog struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

type WorkerNodeInfo struct {
	Hostname      string `json:"hostname"`
	JobsProcessed int    `json:"jobs_processed"`
	Busy          bool   `json:"busy"`
	Alive         bool   `json:"alive"`
}

type WorkerNodes struct {
	WorkerNodes []WorkerNodeInfo `json:"worker_nodes"`
}

type QueueLength struct {
	Length int `json:"length"`
}

type QueuePosition struct {
	Position int `json:"position"`
}

type WorkerRegistration struct {
	Hostname string `json:"hostname" validate:"required"`
}

type WorkerRegistered struct {
	Heartbeat int `json:"heartbeat"`
}

// Unit of work handed to a worker
type GradingJob struct {
	GradingJobID string   `json:"grading_job_id"`
	Stages       Pipeline `json:"stages"`
}

// Result record of one executed stage, opaque to the orchestrator
type StageResult map[string]any

type JobResult struct {
	Success      *bool         `json:"success"        validate:"required"`
	GradingJobID string        `json:"grading_job_id" validate:"required"`
	Results      []StageResult `json:"results"        validate:"required"`
	Logs         GradingJobLog `json:"logs"`
}

// Push channel envelope
type WSMessage struct {
	Type string          `json:"type"`
	Args json.RawMessage `json:"args"`
}

const (
	WSMessageRegister  = "register"
	WSMessageJobResult = "job_result"
)

type WSRegisterAck struct {
	Success bool `json:"success"`
}
