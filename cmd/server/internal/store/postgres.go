package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	sloggorm "github.com/orandin/slog-gorm"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"

	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/migrations"
	"github.com/illinois-cs241/broadway/broadway-api/cmd/server/internal/models"
	"github.com/illinois-cs241/broadway/broadway-api/internal/config"
	"github.com/illinois-cs241/broadway/broadway-api/internal/logger"
	"github.com/illinois-cs241/broadway/broadway-api/internal/types"
)

// [Store] backed by postgres through gorm
type Postgres struct {
	db       *gorm.DB
	maxBytes int
}

var _ Store = (*Postgres)(nil)

func NewPostgres(db *gorm.DB, maxRecordBytes int) *Postgres {
	return &Postgres{db: db, maxBytes: maxRecordBytes}
}

func gormLogger(cfg *config.Config) gormlogger.Interface {
	handler := slog.New(logger.Handler).Handler()
	level := slog.Level(cfg.Logging.Gorm.Level)

	if cfg.Logging.Gorm.TraceQueries {
		return sloggorm.New(
			sloggorm.WithHandler(handler),
			sloggorm.WithTraceAll(),
			sloggorm.SetLogLevel(sloggorm.DefaultLogType, level),
		)
	}

	return sloggorm.New(
		sloggorm.WithHandler(handler),
		sloggorm.SetLogLevel(sloggorm.DefaultLogType, level),
	)
}

// Connects to postgres with backoff, installs tracing and migrates to the latest schema
func OpenPostgres(ctx context.Context, cfg *config.Config) (*Postgres, error) {
	ctx, span := tracer.Start(ctx, "OpenPostgres")
	defer span.End()

	span.SetAttributes(
		attribute.String("postgres.host", cfg.Postgres.Host),
		attribute.String("postgres.database", cfg.Postgres.Database),
	)

	var db *gorm.DB
	backoff := retry.WithMaxRetries(cfg.Postgres.ConnectRetries, retry.NewFibonacci(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(_ context.Context) error {
		var err error
		db, err = gorm.Open(
			postgres.Open(cfg.PostgresDSN()),
			&gorm.Config{Logger: gormLogger(cfg), TranslateError: true},
		)
		if err != nil {
			logger.Logger.WarnContext(ctx, "failed to connect to postgres, retrying", "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to initialize database")
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to acquire underlying database connection")
		return nil, fmt.Errorf("failed to acquire underlying database connection: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.Postgres.MaxIdleConnections)
	sqlDB.SetMaxOpenConns(cfg.Postgres.MaxOpenConnections)
	sqlDB.SetConnMaxLifetime(cfg.Postgres.ConnectionTTL)

	span.AddEvent("initialized database connection")

	if err = db.Use(gormtracing.NewPlugin()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to add otel plugin to gorm")
		return nil, fmt.Errorf("failed to add otel plugin to gorm: %w", err)
	}

	if err = migrations.Up(ctx, db); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to perform database migrations")
		return nil, fmt.Errorf("failed to perform database migrations: %w", err)
	}

	span.AddEvent("migrated database to latest version")

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "opened postgres store")
	return NewPostgres(db, cfg.Store.MaxRecordBytes), nil
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	default:
		return err
	}
}

func byID[T any](ctx context.Context, db *gorm.DB, id any) (*T, error) {
	v, err := models.ByID[T](ctx, db, id)
	return v, translate(err)
}

// updates every column of record, failing when the row does not exist
func updateAll(ctx context.Context, db *gorm.DB, record any) error {
	result := db.WithContext(ctx).Model(record).Select("*").Omit("id", "created_at").Updates(record)
	if result.Error != nil {
		return translate(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ReplaceCourses(ctx context.Context, courses []*models.Course) error {
	ctx, span := tracer.Start(ctx, "Postgres.ReplaceCourses")
	defer span.End()

	span.SetAttributes(attribute.Int("courses", len(courses)))

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.Course{}).Error; err != nil {
			return fmt.Errorf("failed to delete courses: %w", err)
		}

		if len(courses) == 0 {
			return nil
		}

		if err := tx.Create(courses).Error; err != nil {
			return fmt.Errorf("failed to insert courses: %w", translate(err))
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to replace courses")
		return err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "replaced courses")
	return nil
}

func (p *Postgres) GetCourse(ctx context.Context, id string) (*models.Course, error) {
	return byID[models.Course](ctx, p.db, id)
}

func (p *Postgres) PutAssignmentConfig(ctx context.Context, cfg *models.AssignmentConfig) error {
	ctx, span := tracer.Start(ctx, "Postgres.PutAssignmentConfig")
	defer span.End()

	span.SetAttributes(attribute.String("assignment.id", cfg.ID))

	if err := checkSize(ctx, p.maxBytes, "assignment config", cfg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "assignment config too large")
		return err
	}

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", cfg.ID).Delete(&models.AssignmentConfig{}).Error; err != nil {
			return err
		}
		return translate(tx.Create(cfg).Error)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put assignment config")
		return err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "put assignment config")
	return nil
}

func (p *Postgres) GetAssignmentConfig(ctx context.Context, id string) (*models.AssignmentConfig, error) {
	return byID[models.AssignmentConfig](ctx, p.db, id)
}

func (p *Postgres) DeleteAssignmentConfig(ctx context.Context, id string) error {
	result := p.db.WithContext(ctx).Where("id = ?", id).Delete(&models.AssignmentConfig{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) CreateRun(ctx context.Context, run *models.GradingRun) error {
	if err := checkSize(ctx, p.maxBytes, "grading run", run); err != nil {
		return err
	}
	return translate(p.db.WithContext(ctx).Create(run).Error)
}

func (p *Postgres) GetRun(ctx context.Context, id uuid.UUID) (*models.GradingRun, error) {
	return byID[models.GradingRun](ctx, p.db, id)
}

func (p *Postgres) UpdateRun(ctx context.Context, run *models.GradingRun) error {
	if err := checkSize(ctx, p.maxBytes, "grading run", run); err != nil {
		return err
	}
	return updateAll(ctx, p.db, run)
}

func (p *Postgres) DecrementStudentJobsLeft(ctx context.Context, runID uuid.UUID) (int, error) {
	ctx, span := tracer.Start(ctx, "Postgres.DecrementStudentJobsLeft")
	defer span.End()

	span.SetAttributes(attribute.String("run.id", runID.String()))

	db := p.db.WithContext(ctx)

	var left []int
	err := db.Raw(
		`UPDATE grading_run SET student_jobs_left = student_jobs_left - 1
		WHERE id = ? AND student_jobs_left > 0
		RETURNING student_jobs_left`,
		runID,
	).Scan(&left).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to decrement student jobs left")
		return 0, err
	}

	if len(left) == 1 {
		span.SetStatus(codes.Ok, "decremented student jobs left")
		return left[0], nil
	}

	// nothing decremented: either the run is missing or already at zero
	run, err := byID[models.GradingRun](ctx, p.db, runID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get run")
		return 0, err
	}

	span.SetStatus(codes.Ok, "student jobs left already zero")
	return run.StudentJobsLeft, nil
}

func (p *Postgres) CreateJob(ctx context.Context, job *models.GradingJob) error {
	if err := checkSize(ctx, p.maxBytes, "grading job", job); err != nil {
		return err
	}
	return translate(p.db.WithContext(ctx).Create(job).Error)
}

func (p *Postgres) GetJob(ctx context.Context, id uuid.UUID) (*models.GradingJob, error) {
	return byID[models.GradingJob](ctx, p.db, id)
}

func (p *Postgres) UpdateJob(ctx context.Context, job *models.GradingJob) error {
	if err := checkSize(ctx, p.maxBytes, "grading job", job); err != nil {
		return err
	}
	return updateAll(ctx, p.db, job)
}

func (p *Postgres) JobsByRun(ctx context.Context, runID uuid.UUID) ([]*models.GradingJob, error) {
	var jobs []*models.GradingJob
	err := p.db.WithContext(ctx).Where("run_id = ?", runID).Order("queued_at, id").Find(&jobs).Error
	return jobs, err
}

func (p *Postgres) UnfinishedJobs(ctx context.Context) ([]*models.GradingJob, error) {
	var jobs []*models.GradingJob
	err := p.db.WithContext(ctx).Where("finished_at IS NULL").Order("queued_at, id").Find(&jobs).Error
	return jobs, err
}

// distinguishes a missing row from a row that failed a guarded update
func missingOrConflict[T any](tx *gorm.DB, id any, conflict string) error {
	var count int64
	if err := tx.Model(new(T)).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %s", ErrConflict, conflict)
}

func (p *Postgres) AssignJob(ctx context.Context, jobID uuid.UUID, workerID string, at time.Time) error {
	ctx, span := tracer.Start(ctx, "Postgres.AssignJob")
	defer span.End()

	span.SetAttributes(
		attribute.String("job.id", jobID.String()),
		attribute.String("worker.id", workerID),
	)

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.GradingJob{}).
			Where("id = ? AND started_at IS NULL AND finished_at IS NULL", jobID).
			Updates(map[string]any{"started_at": at, "worker_id": workerID})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return missingOrConflict[models.GradingJob](tx, jobID, "job already started")
		}

		result = tx.Model(&models.WorkerNode{}).
			Where("id = ? AND running_job_id IS NULL", workerID).
			Updates(map[string]any{
				"running_job_id": jobID.String(),
				"jobs_processed": gorm.Expr("jobs_processed + 1"),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return missingOrConflict[models.WorkerNode](tx, workerID, "worker is busy")
		}

		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to assign job")
		return err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "assigned job")
	return nil
}

func (p *Postgres) UnassignJob(ctx context.Context, jobID uuid.UUID, workerID string) error {
	ctx, span := tracer.Start(ctx, "Postgres.UnassignJob")
	defer span.End()

	span.SetAttributes(
		attribute.String("job.id", jobID.String()),
		attribute.String("worker.id", workerID),
	)

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.GradingJob{}).
			Where("id = ? AND worker_id = ? AND finished_at IS NULL", jobID, workerID).
			Updates(map[string]any{"started_at": nil, "worker_id": nil})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return missingOrConflict[models.GradingJob](tx, jobID, "job is not held by worker")
		}

		return tx.Model(&models.WorkerNode{}).
			Where("id = ? AND running_job_id = ?", workerID, jobID.String()).
			Updates(map[string]any{
				"running_job_id": nil,
				"jobs_processed": gorm.Expr("GREATEST(jobs_processed - 1, 0)"),
			}).Error
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to unassign job")
		return err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "unassigned job")
	return nil
}

func (p *Postgres) FinishJob(ctx context.Context, jobID uuid.UUID, outcome JobOutcome) error {
	ctx, span := tracer.Start(ctx, "Postgres.FinishJob")
	defer span.End()

	span.SetAttributes(
		attribute.String("job.id", jobID.String()),
		attribute.Bool("success", outcome.Success),
	)

	if err := checkSize(ctx, p.maxBytes, "grading job result", outcome.Results, outcome.Log); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "grading job result too large")
		return err
	}

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.GradingJob
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", jobID).First(&job).Error
		if err != nil {
			return translate(err)
		}
		if job.FinishedAt.Valid {
			return fmt.Errorf("%w: job already finished", ErrConflict)
		}

		err = tx.Model(&job).
			Select("finished_at", "success", "results").
			Updates(&models.GradingJob{
				FinishedAt: models.NewNullFromData(outcome.FinishedAt),
				Success:    models.NewNullFromData(outcome.Success),
				Results:    outcome.Results,
			}).Error
		if err != nil {
			return fmt.Errorf("failed to update job: %w", err)
		}

		if job.WorkerID.Valid {
			err = tx.Model(&models.WorkerNode{}).
				Where("id = ? AND running_job_id = ?", job.WorkerID.V, jobID.String()).
				Update("running_job_id", nil).Error
			if err != nil {
				return fmt.Errorf("failed to release worker: %w", err)
			}
		}

		if outcome.Log != nil {
			err = tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&models.GradingJobLog{
				JobID:  jobID,
				Stdout: outcome.Log.Stdout,
				Stderr: outcome.Log.Stderr,
			}).Error
			if err != nil {
				return fmt.Errorf("failed to insert job log: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to finish job")
		return err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "finished job")
	return nil
}

func (p *Postgres) GetJobLog(ctx context.Context, jobID uuid.UUID) (*models.GradingJobLog, error) {
	var log models.GradingJobLog
	err := p.db.WithContext(ctx).Where("job_id = ?", jobID).First(&log).Error
	if err != nil {
		return nil, translate(err)
	}
	return &log, nil
}

func (p *Postgres) CreateWorker(ctx context.Context, worker *models.WorkerNode) error {
	if err := checkSize(ctx, p.maxBytes, "worker node", worker); err != nil {
		return err
	}
	return translate(p.db.WithContext(ctx).Create(worker).Error)
}

func (p *Postgres) GetWorker(ctx context.Context, id string) (*models.WorkerNode, error) {
	return byID[models.WorkerNode](ctx, p.db, id)
}

func (p *Postgres) UpdateWorker(ctx context.Context, worker *models.WorkerNode) error {
	if err := checkSize(ctx, p.maxBytes, "worker node", worker); err != nil {
		return err
	}
	return updateAll(ctx, p.db, worker)
}

func (p *Postgres) DeleteWorker(ctx context.Context, id string) error {
	result := p.db.WithContext(ctx).Where("id = ?", id).Delete(&models.WorkerNode{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListWorkers(ctx context.Context) ([]*models.WorkerNode, error) {
	var workers []*models.WorkerNode
	err := p.db.WithContext(ctx).Order("created_at, id").Find(&workers).Error
	return workers, err
}

func (p *Postgres) WorkersByLiveness(ctx context.Context, alive bool) ([]*models.WorkerNode, error) {
	var workers []*models.WorkerNode
	err := p.db.WithContext(ctx).Where("is_alive = ?", alive).Order("created_at, id").Find(&workers).Error
	return workers, err
}

func (p *Postgres) ResetPushWorkers(ctx context.Context) (int, error) {
	result := p.db.WithContext(ctx).
		Model(&models.WorkerNode{}).
		Where("transport_mode = ? AND is_alive", types.TransportPush).
		Update("is_alive", false)
	return int(result.RowsAffected), result.Error
}

func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
