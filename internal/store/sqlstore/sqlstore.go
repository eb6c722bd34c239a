// Package sqlstore implements store.Store on database/sql. The sqlite and
// postgres packages supply the driver, schema and placeholder style.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/hookrelay/internal/config"
	"github.com/fyrsmithlabs/hookrelay/internal/store"
	"github.com/google/uuid"
)

// Dialect describes the differences between SQL backends.
type Dialect struct {
	Name string
	// Schema is executed statement by statement by EnsureSchema.
	Schema []string
	// Numbered placeholders ($1, $2) instead of ?.
	Numbered bool
}

// DB is a database/sql backed store.Store.
type DB struct {
	db      *sql.DB
	dialect Dialect
}

var _ store.Store = (*DB)(nil)

// New wraps an opened *sql.DB.
func New(db *sql.DB, d Dialect) *DB {
	return &DB{db: db, dialect: d}
}

// SQL exposes the underlying handle for tests and migrations.
func (s *DB) SQL() *sql.DB { return s.db }

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) EnsureSchema(ctx context.Context) error {
	for _, q := range s.dialect.Schema {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("%s schema: %w", s.dialect.Name, err)
		}
	}
	return nil
}

// q rewrites ? placeholders for numbered dialects.
func (s *DB) q(query string) string {
	if !s.dialect.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const destinationColumns = `id, project_id, url, secret, event_types, filter_expr, enabled,
	consecutive_failures, last_sent_at, created_at, updated_at`

func (s *DB) CreateDestination(ctx context.Context, d *store.Destination) error {
	if d == nil || d.ProjectID == "" || d.URL == "" {
		return store.ErrInvalidDestination
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	types, err := json.Marshal(nonNil(d.EventTypes))
	if err != nil {
		return fmt.Errorf("encode event types: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO webhook_destinations(`+destinationColumns+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		d.ID, d.ProjectID, d.URL, nullString(d.Secret.Value()), string(types), nullString(d.Condition),
		d.Enabled, d.ConsecutiveFailures, nullTime(d.LastSentAt), d.CreatedAt.UTC(), d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert destination: %w", err)
	}
	return nil
}

func (s *DB) GetDestination(ctx context.Context, id string) (*store.Destination, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+destinationColumns+` FROM webhook_destinations WHERE id = ?`), id)
	d, err := scanDestination(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("destination %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *DB) ListActiveDestinations(ctx context.Context, projectID string) ([]store.Destination, error) {
	return s.listDestinations(ctx, s.q(`SELECT `+destinationColumns+`
		FROM webhook_destinations WHERE project_id = ? AND enabled = ? ORDER BY created_at, id`), projectID, true)
}

func (s *DB) ListEnabledDestinations(ctx context.Context) ([]store.Destination, error) {
	return s.listDestinations(ctx, s.q(`SELECT `+destinationColumns+`
		FROM webhook_destinations WHERE enabled = ? ORDER BY project_id, created_at, id`), true)
}

func (s *DB) listDestinations(ctx context.Context, query string, args ...any) ([]store.Destination, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list destinations: %w", err)
	}
	defer rows.Close()

	var out []store.Destination
	for rows.Next() {
		d, err := scanDestination(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *DB) RecordSuccess(ctx context.Context, id string, sentAt time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE webhook_destinations
		SET last_sent_at = ?, consecutive_failures = 0, updated_at = ?
		WHERE id = ?`),
		sentAt.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	return requireRow(res, id)
}

func (s *DB) RecordFailure(ctx context.Context, id string, threshold int) (store.FailureResult, error) {
	var r store.FailureResult
	err := s.db.QueryRowContext(ctx, s.q(`
		UPDATE webhook_destinations
		SET consecutive_failures = consecutive_failures + 1,
			enabled = CASE WHEN consecutive_failures + 1 >= ? THEN ? ELSE enabled END,
			updated_at = ?
		WHERE id = ?
		RETURNING consecutive_failures, enabled`),
		threshold, false, time.Now().UTC(), id).Scan(&r.ConsecutiveFailures, &r.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("destination %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return r, fmt.Errorf("record failure: %w", err)
	}
	return r, nil
}

func (s *DB) Enable(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE webhook_destinations
		SET enabled = ?, consecutive_failures = 0, updated_at = ?
		WHERE id = ?`),
		true, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("enable destination: %w", err)
	}
	return requireRow(res, id)
}

func (s *DB) AppendActivity(ctx context.Context, rec *store.ActivityRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	var details any
	if rec.Details != nil {
		details = string(rec.Details)
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO activity_log(id, project_id, action, memory_key, details, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.ProjectID, rec.Action, rec.MemoryKey, details, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}

func (s *DB) ListActivitySince(ctx context.Context, projectID string, since, until time.Time) ([]store.ActivityRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, project_id, action, memory_key, details, created_at
		FROM activity_log
		WHERE project_id = ? AND created_at > ? AND created_at <= ?
			AND action IN (?, ?)
		ORDER BY created_at, id`),
		projectID, since.UTC(), until.UTC(), store.ActionMemoryWrite, store.ActionMemoryDelete)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	var out []store.ActivityRecord
	for rows.Next() {
		var (
			rec     store.ActivityRecord
			details sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.ProjectID, &rec.Action, &rec.MemoryKey, &details, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		if details.Valid {
			rec.Details = []byte(details.String)
		}
		rec.CreatedAt = rec.CreatedAt.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDestination(sc scanner) (*store.Destination, error) {
	var (
		d         store.Destination
		secret    sql.NullString
		types     sql.NullString
		condition sql.NullString
		lastSent  sql.NullTime
	)
	err := sc.Scan(&d.ID, &d.ProjectID, &d.URL, &secret, &types, &condition, &d.Enabled,
		&d.ConsecutiveFailures, &lastSent, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan destination: %w", err)
	}
	d.Secret = config.Secret(secret.String)
	d.Condition = condition.String
	d.EventTypes = decodeEventTypes(types.String)
	if lastSent.Valid {
		t := lastSent.Time.UTC()
		d.LastSentAt = &t
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}

// decodeEventTypes treats malformed JSON as "no filter".
func decodeEventTypes(raw string) []string {
	if raw == "" {
		return nil
	}
	var types []string
	if err := json.Unmarshal([]byte(raw), &types); err != nil {
		return nil
	}
	return types
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("destination %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
