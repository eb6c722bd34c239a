package postgres

import (
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/fyrsmithlabs/hookrelay/internal/store/sqlstore"
)

// Schema is the PostgreSQL schema for destinations and the activity log.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS webhook_destinations(
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		url TEXT NOT NULL,
		secret TEXT NULL,
		event_types TEXT NOT NULL DEFAULT '[]',
		filter_expr TEXT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		consecutive_failures INTEGER NOT NULL DEFAULT 0 CHECK (consecutive_failures >= 0),
		last_sent_at TIMESTAMPTZ NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_destinations_project ON webhook_destinations(project_id) WHERE enabled;`,
	`CREATE TABLE IF NOT EXISTS activity_log(
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		action TEXT NOT NULL,
		memory_key TEXT NOT NULL,
		details TEXT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_activity_log_project_created ON activity_log(project_id, created_at);`,
}

// New opens a PostgreSQL store through the pgx stdlib driver.
// No connection is made until first use.
func New(dsn string) (*sqlstore.DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return sqlstore.New(d, sqlstore.Dialect{Name: "postgres", Schema: Schema, Numbered: true}), nil
}
