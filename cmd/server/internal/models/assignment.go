package models

import (
	"time"

	"github.com/illinois-cs241/broadway/broadway-api/internal/types"
)

// Keyed by "<course_id>/<assignment_name>"
type AssignmentConfig struct {
	CreatedAt              time.Time
	UpdatedAt              time.Time
	ID                     string         `gorm:"primaryKey"`
	CourseID               string
	Name                   string
	Env                    types.Env      `gorm:"type:jsonb;serializer:json"`
	PreProcessingPipeline  types.Pipeline `gorm:"type:jsonb;serializer:json"`
	StudentPipeline        types.Pipeline `gorm:"type:jsonb;serializer:json"`
	PostProcessingPipeline types.Pipeline `gorm:"type:jsonb;serializer:json"`
}

func (AssignmentConfig) TableName() string {
	return "assignment_config"
}

func AssignmentID(courseID, name string) string {
	return courseID + "/" + name
}

func NewAssignmentConfig(courseID, name string, cfg types.AssignmentConfig) *AssignmentConfig {
	return &AssignmentConfig{
		ID:                     AssignmentID(courseID, name),
		CourseID:               courseID,
		Name:                   name,
		Env:                    cfg.Env,
		PreProcessingPipeline:  cfg.PreProcessingPipeline,
		StudentPipeline:        cfg.StudentPipeline,
		PostProcessingPipeline: cfg.PostProcessingPipeline,
	}
}

func (a *AssignmentConfig) ToConfig() types.AssignmentConfig {
	return types.AssignmentConfig{
		Env:                    a.Env,
		PreProcessingPipeline:  a.PreProcessingPipeline,
		StudentPipeline:        a.StudentPipeline,
		PostProcessingPipeline: a.PostProcessingPipeline,
	}
}
