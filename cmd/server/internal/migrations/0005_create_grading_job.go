package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(Up0005, Down0005)
}

func Up0005(ctx context.Context, tx *sql.Tx) error {
	return execStatements(ctx, tx,
		statement{query: `
CREATE TABLE grading_job (
	id UUID PRIMARY KEY DEFAULT uuidv7_sub_ms(),
	run_id UUID NOT NULL REFERENCES grading_run (id) ON DELETE CASCADE,
	course_id TEXT NOT NULL,
	type TEXT NOT NULL,
	stages JSONB NOT NULL DEFAULT '[]'::jsonb,
	worker_id TEXT,
	queued_at TIMESTAMP WITH TIME ZONE NOT NULL,
	started_at TIMESTAMP WITH TIME ZONE,
	finished_at TIMESTAMP WITH TIME ZONE,
	results JSONB,
	success BOOLEAN,
	created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT current_timestamp,
	updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT current_timestamp
);
`},
		statement{query: `CREATE INDEX grading_job_run_id_idx ON grading_job (run_id);`},
		statement{query: `CREATE INDEX grading_job_unfinished_idx ON grading_job (queued_at) WHERE finished_at IS NULL;`},
		touchUpdatedAt("grading_job"),
	)
}

func Down0005(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DROP TABLE grading_job;`)
	return err
}
