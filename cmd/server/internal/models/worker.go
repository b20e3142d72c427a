package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/illinois-cs241/broadway/broadway-api/internal/types"
)

type WorkerNode struct {
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ID            string `gorm:"primaryKey"`
	Hostname      string
	LastSeen      time.Time
	RunningJobID  datatypes.Null[string]
	JobsProcessed int
	IsAlive       bool
	TransportMode types.TransportMode
}

func (WorkerNode) TableName() string {
	return "worker_node"
}

func (w *WorkerNode) Busy() bool {
	return w.RunningJobID.Valid
}

func (w *WorkerNode) Info() types.WorkerNodeInfo {
	return types.WorkerNodeInfo{
		Hostname:      w.Hostname,
		JobsProcessed: w.JobsProcessed,
		Busy:          w.Busy(),
		Alive:         w.IsAlive,
	}
}
