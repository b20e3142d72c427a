package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(Up0003, Down0003)
}

// id is "<course_id>/<assignment_name>"
func Up0003(ctx context.Context, tx *sql.Tx) error {
	return execStatements(ctx, tx,
		statement{query: `
CREATE TABLE assignment_config (
	id TEXT PRIMARY KEY,
	course_id TEXT NOT NULL,
	name TEXT NOT NULL,
	env JSONB,
	pre_processing_pipeline JSONB,
	student_pipeline JSONB NOT NULL,
	post_processing_pipeline JSONB,
	created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT current_timestamp,
	updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT current_timestamp
);
`},
		statement{query: `CREATE INDEX assignment_config_course_id_idx ON assignment_config (course_id);`},
		touchUpdatedAt("assignment_config"),
	)
}

func Down0003(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DROP TABLE assignment_config;`)
	return err
}
