package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const schema = `CREATE TABLE IF NOT EXISTS report_history (
	id         VARCHAR PRIMARY KEY,
	session_id VARCHAR,
	bundle     VARCHAR NOT NULL,
	variant    VARCHAR,
	file_name  VARCHAR,
	snapshots  INTEGER,
	size_bytes BIGINT,
	outcome    VARCHAR NOT NULL,
	error_msg  VARCHAR,
	created_at TIMESTAMP NOT NULL
)`

// EnsureSchema creates the report history table.
func EnsureSchema(conn *sql.DB) error {
	if _, err := conn.Exec(schema); err != nil {
		return fmt.Errorf("create report_history: %w", err)
	}
	return nil
}

// ReportRecord is one report generation attempt.
type ReportRecord struct {
	ID        string    `json:"id" doc:"Report ID (ULID)"`
	SessionID string    `json:"sessionId"`
	Bundle    string    `json:"bundle"`
	Variant   string    `json:"variant,omitempty"`
	FileName  string    `json:"fileName,omitempty"`
	Snapshots int       `json:"snapshots"`
	Bytes     int64     `json:"bytes"`
	Outcome   string    `json:"outcome" enum:"ok,no_data,no_template,error"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// History stores report outcomes. Nothing is read back into dashboard
// state; the table only serves the history listing and ad-hoc queries.
type History struct {
	db *sql.DB
}

// NewHistory wraps conn, which must already carry the schema.
func NewHistory(conn *sql.DB) *History {
	return &History{db: conn}
}

// Record inserts r.
func (h *History) Record(ctx context.Context, r ReportRecord) error {
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO report_history
		 (id, session_id, bundle, variant, file_name, snapshots, size_bytes, outcome, error_msg, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.Bundle, r.Variant, r.FileName, r.Snapshots, r.Bytes, r.Outcome, r.Error, r.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record report %s: %w", r.ID, err)
	}
	return nil
}

// List returns the newest records first. A non-positive limit means 50.
func (h *History) List(ctx context.Context, bundle string, limit int) ([]ReportRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, session_id, bundle, variant, file_name, snapshots, size_bytes, outcome, error_msg, created_at
		FROM report_history`
	args := []any{}
	if bundle != "" {
		query += ` WHERE bundle = ?`
		args = append(args, bundle)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	out := []ReportRecord{}
	for rows.Next() {
		var r ReportRecord
		var session, variant, fileName, errMsg sql.NullString
		var snapshots, size sql.NullInt64
		if err := rows.Scan(&r.ID, &session, &r.Bundle, &variant, &fileName, &snapshots, &size, &r.Outcome, &errMsg, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		r.SessionID = session.String
		r.Variant = variant.String
		r.FileName = fileName.String
		r.Error = errMsg.String
		r.Snapshots = int(snapshots.Int64)
		r.Bytes = size.Int64
		out = append(out, r)
	}
	return out, rows.Err()
}
