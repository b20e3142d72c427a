package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(Up0007, Down0007)
}

func Up0007(ctx context.Context, tx *sql.Tx) error {
	return execStatements(ctx, tx,
		statement{query: `
CREATE TABLE worker_node (
	id TEXT PRIMARY KEY,
	hostname TEXT NOT NULL,
	last_seen TIMESTAMP WITH TIME ZONE NOT NULL,
	running_job_id TEXT,
	jobs_processed INTEGER NOT NULL DEFAULT 0,
	is_alive BOOLEAN NOT NULL DEFAULT true,
	transport_mode TEXT NOT NULL,
	created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT current_timestamp,
	updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT current_timestamp
);
`},
		statement{query: `CREATE INDEX worker_node_is_alive_idx ON worker_node (is_alive);`},
		touchUpdatedAt("worker_node"),
	)
}

func Down0007(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DROP TABLE worker_node;`)
	return err
}
