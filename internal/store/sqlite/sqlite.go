package sqlite

import (
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/hookrelay/internal/store/sqlstore"
)

// Schema is the SQLite schema for destinations and the activity log.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS webhook_destinations(
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		url TEXT NOT NULL,
		secret TEXT NULL,
		event_types TEXT NOT NULL DEFAULT '[]',
		filter_expr TEXT NULL,
		enabled BOOLEAN NOT NULL DEFAULT 1,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		last_sent_at TIMESTAMP NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_destinations_project ON webhook_destinations(project_id, enabled);`,
	`CREATE TABLE IF NOT EXISTS activity_log(
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		action TEXT NOT NULL,
		memory_key TEXT NOT NULL,
		details TEXT NULL,
		created_at TIMESTAMP NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_activity_log_project_created ON activity_log(project_id, created_at);`,
}

// New opens a SQLite database at path (modernc.org/sqlite, CGO-free).
// Use ":memory:" for an in-memory database; it is pinned to a single
// connection so every query sees the same database.
func New(path string) (*sqlstore.DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}

	dsn := p
	if p != ":memory:" && !strings.Contains(p, "?") {
		dsn = p + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	d, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if p == ":memory:" {
		d.SetMaxOpenConns(1)
	}
	return sqlstore.New(d, sqlstore.Dialect{Name: "sqlite", Schema: Schema}), nil
}
