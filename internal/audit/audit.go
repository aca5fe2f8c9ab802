// Package audit persists and queries the append-only audit trail in a
// SQLite database.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/vyrodovalexey/pgp-signing-service/internal/model"
)

// Query bounds.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// timeLayout is RFC3339 with fixed nanosecond precision, so the TEXT
// column sorts chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Audit errors.
var (
	ErrInvalidLimit  = errors.New("limit must be between 1 and 1000")
	ErrInvalidOffset = errors.New("offset must be non-negative")
	ErrInvalidAction = errors.New("action must be one of: sign, key_upload, key_rotate")
	ErrInvalidRange  = errors.New("startDate must not be after endDate")
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_logs (
	id         TEXT PRIMARY KEY,
	timestamp  TEXT NOT NULL,
	request_id TEXT,
	action     TEXT NOT NULL CHECK (action IN ('sign', 'key_upload', 'key_rotate')),
	issuer     TEXT,
	subject    TEXT,
	key_id     TEXT,
	success    INTEGER NOT NULL,
	error_code TEXT,
	metadata   TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs (timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_logs_action ON audit_logs (action);
CREATE INDEX IF NOT EXISTS idx_audit_logs_subject ON audit_logs (subject);
CREATE INDEX IF NOT EXISTS idx_audit_logs_request_id ON audit_logs (request_id);
CREATE INDEX IF NOT EXISTS idx_audit_logs_key_id ON audit_logs (key_id);
CREATE INDEX IF NOT EXISTS idx_audit_logs_action_timestamp ON audit_logs (action, timestamp DESC);
`

// Writer appends audit events. Append is fail-closed: an insert failure
// is returned to the caller, which decides whether to propagate or log.
type Writer interface {
	Append(ctx context.Context, event *model.AuditEvent) error
}

// Reader queries audit events.
type Reader interface {
	Query(ctx context.Context, q Query) ([]model.AuditEvent, error)
}

// Log is the SQLite-backed audit store implementing Writer and Reader.
type Log struct {
	db *sql.DB
}

// Open opens (creating if necessary) the audit database at path and
// applies the schema.
func Open(path string) (*Log, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent appends.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying audit schema: %w", err)
	}

	return &Log{db: db}, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

// Ping verifies the database is reachable.
func (l *Log) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Append inserts one audit event. A missing ID or timestamp is filled in.
func (l *Log) Append(ctx context.Context, event *model.AuditEvent) error {
	if event == nil {
		return fmt.Errorf("append audit event: nil event")
	}

	if !model.ValidAuditAction(event.Action) {
		return fmt.Errorf("append audit event: %w", ErrInvalidAction)
	}

	id := event.ID
	if id == "" {
		id = uuid.New().String()
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	var metadata any
	if len(event.Metadata) > 0 {
		encoded, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("encoding audit metadata: %w", err)
		}
		metadata = string(encoded)
	}

	var errorCode any
	if event.ErrorCode != "" {
		errorCode = event.ErrorCode
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_logs
			(id, timestamp, request_id, action, issuer, subject, key_id, success, error_code, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		ts.UTC().Format(timeLayout),
		event.RequestID,
		string(event.Action),
		event.Issuer,
		event.Subject,
		event.KeyID,
		boolToInt(event.Success),
		errorCode,
		metadata,
	)
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}

	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
