package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/conversa-dev/conversa/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// orEmptyMetadata returns an empty map when metadata is nil so the stored
// JSON is always an object.
func orEmptyMetadata(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanSessionFields scans a session from the canonical column order.
func scanSessionFields(sc rowScanner) (*models.Session, error) {
	var sess models.Session
	var lastMessage sql.NullString
	var contextJSON []byte
	var endedAt sql.NullTime
	err := sc.Scan(&sess.ID, &sess.BusinessID, &sess.PhoneNumber, &lastMessage,
		&contextJSON, &sess.IsActive, &sess.StartedAt, &sess.UpdatedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	sess.LastMessage = lastMessage.String
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	sess.Context = map[string]any{}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &sess.Context); err != nil {
			return nil, fmt.Errorf("failed to decode session context: %w", err)
		}
	}
	return &sess, nil
}

// scanSessionRow scans a session from a single sql.Row, passing through
// sql.ErrNoRows for callers that map it to a nil session.
func scanSessionRow(row *sql.Row) (*models.Session, error) {
	return scanSessionFields(row)
}

// scanSession scans a session from sql.Rows.
func scanSession(rows *sql.Rows) (*models.Session, error) {
	sess, err := scanSessionFields(rows)
	if err != nil {
		return nil, fmt.Errorf("scan session failed: %w", err)
	}
	return sess, nil
}

// collectRows drains a result set into column-name keyed maps. Byte slices
// are converted to strings so results serialize cleanly as JSON.
func collectRows(rows *sql.Rows) ([]map[string]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read result columns: %w", err)
	}
	var results []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("failed to scan result row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate result rows: %w", err)
	}
	return results, nil
}
