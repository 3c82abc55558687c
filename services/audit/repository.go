package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/fintalk/inference-gateway/models"
)

// TraceRepository persists inference traces.
type TraceRepository interface {
	Insert(ctx context.Context, trace *models.InferenceTrace) error
	Recent(ctx context.Context, limit int) ([]*models.InferenceTrace, error)
	Ping(ctx context.Context) error
	Close() error
}

const schema = `
CREATE TABLE IF NOT EXISTS inference_traces (
	request_id  TEXT PRIMARY KEY,
	user_key    TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMP NOT NULL,
	duration_ms INTEGER NOT NULL,
	served      TEXT NOT NULL DEFAULT '',
	failed      INTEGER NOT NULL DEFAULT 0,
	attempts    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_inference_traces_started_at ON inference_traces(started_at);
`

// SQLiteRepository stores traces in a local SQLite database. WAL mode keeps
// concurrent readers off the writers' backs.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens (or creates) the database at path and ensures
// the schema exists.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create audit schema: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

// NewRepositoryWithDB wraps an existing database handle. The schema is
// assumed to exist; used by tests.
func NewRepositoryWithDB(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Insert writes one trace row. Attempts are stored as a JSON document.
func (r *SQLiteRepository) Insert(ctx context.Context, trace *models.InferenceTrace) error {
	attempts, err := json.Marshal(trace.Attempts)
	if err != nil {
		return fmt.Errorf("failed to encode trace attempts: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO inference_traces (request_id, user_key, started_at, duration_ms, served, failed, attempts)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		trace.RequestID.String(),
		trace.UserKey,
		trace.StartedAt.UTC(),
		trace.Duration.Milliseconds(),
		trace.Served,
		trace.Failed,
		string(attempts),
	)
	if err != nil {
		return fmt.Errorf("failed to insert trace: %w", err)
	}
	return nil
}

// Recent returns the newest traces, most recent first.
func (r *SQLiteRepository) Recent(ctx context.Context, limit int) ([]*models.InferenceTrace, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT request_id, user_key, started_at, duration_ms, served, failed, attempts
		 FROM inference_traces ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query traces: %w", err)
	}
	defer rows.Close()

	var traces []*models.InferenceTrace
	for rows.Next() {
		var (
			trace      models.InferenceTrace
			requestID  string
			durationMs int64
			attempts   string
		)
		if err := rows.Scan(&requestID, &trace.UserKey, &trace.StartedAt, &durationMs, &trace.Served, &trace.Failed, &attempts); err != nil {
			return nil, fmt.Errorf("failed to scan trace row: %w", err)
		}
		id, err := uuid.Parse(requestID)
		if err != nil {
			return nil, fmt.Errorf("malformed request id %q: %w", requestID, err)
		}
		trace.RequestID = id
		trace.Duration = time.Duration(durationMs) * time.Millisecond
		if err := json.Unmarshal([]byte(attempts), &trace.Attempts); err != nil {
			return nil, fmt.Errorf("failed to decode trace attempts: %w", err)
		}
		traces = append(traces, &trace)
	}
	return traces, rows.Err()
}

// Ping verifies the database is reachable; used by the readiness probe.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close releases the database handle.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}
