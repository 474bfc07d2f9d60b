package eventlog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Schema for the event log table. Seq comes from a bigserial so ordering is
// assigned by the database, matching the monotonic-ID requirement.
const Schema = `
CREATE TABLE IF NOT EXISTS event_log (
	seq     BIGSERIAL PRIMARY KEY,
	ts      TIMESTAMPTZ NOT NULL DEFAULT now(),
	kind    TEXT NOT NULL,
	key     TEXT NOT NULL,
	payload JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS event_log_kind_idx ON event_log (kind, seq);
CREATE INDEX IF NOT EXISTS event_log_key_idx ON event_log (key, seq);`

// PostgresLog persists entries to a PostgreSQL table.
type PostgresLog struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPostgresLog opens the database and ensures the schema exists.
func NewPostgresLog(dsn string, timeout time.Duration) (*PostgresLog, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect event log db: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure event log schema: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PostgresLog{db: db, timeout: timeout}, nil
}

// NewPostgresLogFromDB wraps an existing connection, for tests.
func NewPostgresLogFromDB(db *sqlx.DB, timeout time.Duration) *PostgresLog {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PostgresLog{db: db, timeout: timeout}
}

// Append records one entry and returns its database-assigned sequence number.
func (l *PostgresLog) Append(ctx context.Context, kind Kind, key string, payload any) (uint64, error) {
	raw, err := marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal %s payload: %w", kind, err)
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var seq uint64
	err = l.db.QueryRowxContext(ctx,
		`INSERT INTO event_log (kind, key, payload) VALUES ($1, $2, $3) RETURNING seq`,
		string(kind), key, []byte(raw)).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("append %s entry: %w", kind, err)
	}
	return seq, nil
}

// List returns entries of the given kinds with seq > afterSeq, oldest first.
func (l *PostgresLog) List(ctx context.Context, afterSeq uint64, limit int, kinds ...Kind) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	query := `SELECT seq, ts, kind, key, payload FROM event_log WHERE seq > $1`
	args := []any{afterSeq}
	if len(kinds) > 0 {
		names := make([]string, len(kinds))
		for i, k := range kinds {
			args = append(args, string(k))
			names[i] = fmt.Sprintf("$%d", len(args))
		}
		query += fmt.Sprintf(" AND kind IN (%s)", strings.Join(names, ","))
	}
	query += " ORDER BY seq ASC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var out []Entry
	if err := l.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return out, nil
}

// ListByKey returns entries for one key, oldest first.
func (l *PostgresLog) ListByKey(ctx context.Context, key string, limit int) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	query := `SELECT seq, ts, kind, key, payload FROM event_log WHERE key = $1 ORDER BY seq ASC`
	args := []any{key}
	if limit > 0 {
		args = append(args, limit)
		query += " LIMIT $2"
	}

	var out []Entry
	if err := l.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("list entries by key: %w", err)
	}
	return out, nil
}

// Close closes the underlying database handle.
func (l *PostgresLog) Close() error { return l.db.Close() }
