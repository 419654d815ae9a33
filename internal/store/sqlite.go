// Package store provides storage backends for Conversa.
//
// This file implements the SQLite-backed store used for single-binary and
// development deployments.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/conversa-dev/conversa/internal/models"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore implements Store on SQLite via mattn/go-sqlite3.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store based on provided options.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: creating SQLite store", "DSN_set", cfg.DSN != "")
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("sqlite3", cfg.DSN+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		slog.Error("Failed to open SQLite database", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}
	// Run migrations to ensure tables exist
	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteSessionColumns = `id, business_id, phone_number, last_message, context, is_active, started_at, updated_at, ended_at`

func (s *SQLiteStore) ActiveSession(ctx context.Context, phoneNumber, businessID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteSessionColumns+`
		FROM user_sessions
		WHERE phone_number = ? AND business_id = ? AND is_active = 1 AND ended_at IS NULL`,
		phoneNumber, businessID)
	sess, err := scanSessionRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore ActiveSession failed", "error", err, "phone", phoneNumber)
		return nil, fmt.Errorf("failed to fetch active session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, phoneNumber, businessID string) (*models.Session, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `INSERT INTO user_sessions
		(id, business_id, phone_number, context, is_active, started_at, updated_at)
		VALUES (?, ?, ?, '{}', 1, ?, ?)`,
		id, businessID, phoneNumber, now, now)
	if err != nil {
		slog.Error("SQLiteStore CreateSession failed", "error", err, "phone", phoneNumber, "business_id", businessID)
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	slog.Debug("SQLiteStore CreateSession succeeded", "session_id", id, "phone", phoneNumber)
	return &models.Session{
		ID:          id,
		BusinessID:  businessID,
		PhoneNumber: phoneNumber,
		Context:     map[string]any{},
		IsActive:    true,
		StartedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sessionID, lastMessage string, sessionContext map[string]any) (*models.Session, error) {
	contextJSON, err := json.Marshal(sessionContext)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session context: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE user_sessions
		SET last_message = ?, context = ?, updated_at = ?
		WHERE id = ?`,
		lastMessage, string(contextJSON), time.Now().UTC(), sessionID)
	if err != nil {
		slog.Error("SQLiteStore UpdateSession failed", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, models.ErrSessionNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteSessionColumns+` FROM user_sessions WHERE id = ?`, sessionID)
	sess, err := scanSessionRow(row)
	if err != nil {
		return nil, fmt.Errorf("failed to reload session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) CloseSession(ctx context.Context, sessionID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE user_sessions
		SET is_active = 0, ended_at = ?, updated_at = ?
		WHERE id = ?`, now, now, sessionID)
	if err != nil {
		slog.Error("SQLiteStore CloseSession failed", "error", err, "session_id", sessionID)
		return fmt.Errorf("failed to close session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSessionNotFound
	}
	slog.Debug("SQLiteStore CloseSession succeeded", "session_id", sessionID)
	return nil
}

func (s *SQLiteStore) ExpiredSessions(ctx context.Context, cutoff time.Time) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteSessionColumns+`
		FROM user_sessions
		WHERE is_active = 1 AND ended_at IS NULL AND updated_at <= ?`, cutoff.UTC())
	if err != nil {
		slog.Error("SQLiteStore ExpiredSessions query failed", "error", err)
		return nil, fmt.Errorf("failed to query expired sessions: %w", err)
	}
	defer rows.Close()
	var sessions []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate expired sessions: %w", err)
	}
	return sessions, nil
}

func (s *SQLiteStore) LogMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	metadataJSON, err := json.Marshal(orEmptyMetadata(msg.Metadata))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message metadata: %w", err)
	}
	msg.CreatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `INSERT INTO whatsapp_messages
		(id, business_id, session_id, phone_number, message_direction, message_text, message_type, message_status, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.BusinessID, nilIfEmpty(msg.SessionID), msg.PhoneNumber,
		msg.Direction, msg.Text, msg.Type, msg.Status, string(metadataJSON), msg.CreatedAt, msg.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore LogMessage failed", "error", err, "phone", msg.PhoneNumber, "direction", msg.Direction)
		return nil, fmt.Errorf("failed to log message: %w", err)
	}
	return &msg, nil
}

func (s *SQLiteStore) Business(ctx context.Context, businessID string) (*models.Business, error) {
	var b models.Business
	var description, websiteURL, phone, email, address sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT id, name, description, website_url, phone, email, address
		FROM businesses WHERE id = ?`, businessID).
		Scan(&b.ID, &b.Name, &description, &websiteURL, &phone, &email, &address)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore Business failed", "error", err, "business_id", businessID)
		return nil, fmt.Errorf("failed to fetch business: %w", err)
	}
	b.Description = description.String
	b.WebsiteURL = websiteURL.String
	b.Phone = phone.String
	b.Email = email.String
	b.Address = address.String
	return &b, nil
}

func (s *SQLiteStore) BusinessGreeting(ctx context.Context, businessID string) (*models.BusinessGreeting, error) {
	var g models.BusinessGreeting
	var questionsJSON sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT id, business_id, greeting_message, example_questions
		FROM business_greetings WHERE business_id = ?`, businessID).
		Scan(&g.ID, &g.BusinessID, &g.GreetingMessage, &questionsJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore BusinessGreeting failed", "error", err, "business_id", businessID)
		return nil, fmt.Errorf("failed to fetch business greeting: %w", err)
	}
	if questionsJSON.Valid && questionsJSON.String != "" {
		if err := json.Unmarshal([]byte(questionsJSON.String), &g.ExampleQuestions); err != nil {
			return nil, fmt.Errorf("failed to decode example questions: %w", err)
		}
	}
	return &g, nil
}

func (s *SQLiteStore) TableColumns(ctx context.Context, table string) ([]Column, error) {
	if !models.IsValidTable(models.Table(table)) {
		return nil, fmt.Errorf("unknown table %q", table)
	}
	// PRAGMA arguments cannot be bound; table is restricted to the fixed enum above.
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		slog.Error("SQLiteStore TableColumns query failed", "error", err, "table", table)
		return nil, fmt.Errorf("failed to query schema for %s: %w", table, err)
	}
	defer rows.Close()
	var columns []Column
	for rows.Next() {
		var cid, notNull, pk int
		var c Column
		var def sql.NullString
		if err := rows.Scan(&cid, &c.Name, &c.DataType, &notNull, &def, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column row: %w", err)
		}
		c.Nullable = notNull == 0
		c.Default = def.String
		columns = append(columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate column rows: %w", err)
	}
	return columns, nil
}

func (s *SQLiteStore) ExecuteQuery(ctx context.Context, query string) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query execution failed: %w", err)
	}
	defer rows.Close()
	return collectRows(rows)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
