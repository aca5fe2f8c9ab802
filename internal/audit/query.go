package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vyrodovalexey/pgp-signing-service/internal/model"
)

// Query describes an audit log query. Zero values mean "unset" for every
// filter; Limit zero selects DefaultLimit.
type Query struct {
	Limit     int
	Offset    int
	Action    model.AuditAction
	Subject   string
	StartDate time.Time
	EndDate   time.Time
}

// Validate checks the query bounds.
func (q *Query) Validate() error {
	if q.Limit < 0 || q.Limit > MaxLimit {
		return ErrInvalidLimit
	}

	if q.Offset < 0 {
		return ErrInvalidOffset
	}

	if q.Action != "" && !model.ValidAuditAction(q.Action) {
		return ErrInvalidAction
	}

	if !q.StartDate.IsZero() && !q.EndDate.IsZero() && q.StartDate.After(q.EndDate) {
		return ErrInvalidRange
	}

	return nil
}

// escapeLike escapes the LIKE metacharacters and the escape character
// itself so that user input matches literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// Query returns audit events matching q, newest first.
func (l *Log) Query(ctx context.Context, q Query) ([]model.AuditEvent, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit == 0 {
		limit = DefaultLimit
	}

	var (
		clauses []string
		args    []any
	)

	if q.Action != "" {
		clauses = append(clauses, "action = ?")
		args = append(args, string(q.Action))
	}

	if q.Subject != "" {
		clauses = append(clauses, `subject LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(q.Subject)+"%")
	}

	if !q.StartDate.IsZero() {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, q.StartDate.UTC().Format(timeLayout))
	}

	if !q.EndDate.IsZero() {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, q.EndDate.UTC().Format(timeLayout))
	}

	query := `
		SELECT id, timestamp, request_id, action, issuer, subject, key_id, success, error_code, metadata
		FROM audit_logs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, limit, q.Offset)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer rows.Close()

	events := make([]model.AuditEvent, 0, limit)

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit events: %w", err)
	}

	return events, nil
}

// scanEvent reads one row into an AuditEvent.
func scanEvent(rows *sql.Rows) (*model.AuditEvent, error) {
	var (
		event     model.AuditEvent
		timestamp string
		action    string
		success   int
		errorCode sql.NullString
		metadata  sql.NullString
	)

	err := rows.Scan(
		&event.ID,
		&timestamp,
		&event.RequestID,
		&action,
		&event.Issuer,
		&event.Subject,
		&event.KeyID,
		&success,
		&errorCode,
		&metadata,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning audit row: %w", err)
	}

	ts, err := time.Parse(timeLayout, timestamp)
	if err != nil {
		return nil, fmt.Errorf("parsing audit timestamp %q: %w", timestamp, err)
	}

	event.Timestamp = ts
	event.Action = model.AuditAction(action)
	event.Success = success != 0
	event.ErrorCode = errorCode.String

	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &event.Metadata); err != nil {
			return nil, fmt.Errorf("parsing audit metadata: %w", err)
		}
	}

	return &event, nil
}
