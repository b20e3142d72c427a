package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(Up0004, Down0004)
}

func Up0004(ctx context.Context, tx *sql.Tx) error {
	return execStatements(ctx, tx,
		statement{query: `
CREATE TABLE grading_run (
	id UUID PRIMARY KEY DEFAULT uuidv7_sub_ms(),
	assignment_id TEXT NOT NULL,
	state TEXT NOT NULL,
	started_at TIMESTAMP WITH TIME ZONE NOT NULL,
	finished_at TIMESTAMP WITH TIME ZONE,
	pre_processing_env JSONB,
	post_processing_env JSONB,
	students_env JSONB NOT NULL DEFAULT '[]'::jsonb,
	student_jobs_left INTEGER NOT NULL DEFAULT 0 CHECK (student_jobs_left >= 0),
	success BOOLEAN,
	created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT current_timestamp,
	updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT current_timestamp
);
`},
		statement{query: `CREATE INDEX grading_run_assignment_id_idx ON grading_run (assignment_id);`},
		touchUpdatedAt("grading_run"),
	)
}

func Down0004(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DROP TABLE grading_run;`)
	return err
}
