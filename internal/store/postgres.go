// Package store provides storage backends for Conversa.
//
// This file implements the PostgreSQL-backed store.
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
	"github.com/lib/pq"

	"github.com/conversa-dev/conversa/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore implements Store on PostgreSQL via lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

const postgresSessionColumns = `id, business_id, phone_number, last_message, context, is_active, started_at, updated_at, ended_at`

func (s *PostgresStore) ActiveSession(ctx context.Context, phoneNumber, businessID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+postgresSessionColumns+`
		FROM user_sessions
		WHERE phone_number = $1 AND business_id = $2 AND is_active AND ended_at IS NULL`,
		phoneNumber, businessID)
	sess, err := scanSessionRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore ActiveSession failed", "error", err, "phone", phoneNumber)
		return nil, fmt.Errorf("failed to fetch active session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, phoneNumber, businessID string) (*models.Session, error) {
	id := uuid.NewString()
	row := s.db.QueryRowContext(ctx, `INSERT INTO user_sessions (id, business_id, phone_number, context, is_active)
		VALUES ($1, $2, $3, '{}', TRUE)
		RETURNING `+postgresSessionColumns,
		id, businessID, phoneNumber)
	sess, err := scanSessionRow(row)
	if err != nil {
		slog.Error("PostgresStore CreateSession failed", "error", err, "phone", phoneNumber, "business_id", businessID)
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	slog.Debug("PostgresStore CreateSession succeeded", "session_id", sess.ID, "phone", phoneNumber)
	return sess, nil
}

func (s *PostgresStore) UpdateSession(ctx context.Context, sessionID, lastMessage string, sessionContext map[string]any) (*models.Session, error) {
	contextJSON, err := json.Marshal(sessionContext)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session context: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `UPDATE user_sessions
		SET last_message = $2, context = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING `+postgresSessionColumns,
		sessionID, lastMessage, contextJSON)
	sess, err := scanSessionRow(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		slog.Error("PostgresStore UpdateSession failed", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) CloseSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE user_sessions
		SET is_active = FALSE, ended_at = NOW(), updated_at = NOW()
		WHERE id = $1`, sessionID)
	if err != nil {
		slog.Error("PostgresStore CloseSession failed", "error", err, "session_id", sessionID)
		return fmt.Errorf("failed to close session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSessionNotFound
	}
	slog.Debug("PostgresStore CloseSession succeeded", "session_id", sessionID)
	return nil
}

func (s *PostgresStore) ExpiredSessions(ctx context.Context, cutoff time.Time) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+postgresSessionColumns+`
		FROM user_sessions
		WHERE is_active AND ended_at IS NULL AND updated_at <= $1`, cutoff)
	if err != nil {
		slog.Error("PostgresStore ExpiredSessions query failed", "error", err)
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

func (s *PostgresStore) LogMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
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
	row := s.db.QueryRowContext(ctx, `INSERT INTO whatsapp_messages
		(id, business_id, session_id, phone_number, message_direction, message_text, message_type, message_status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`,
		msg.ID, msg.BusinessID, nilIfEmpty(msg.SessionID), msg.PhoneNumber,
		msg.Direction, msg.Text, msg.Type, msg.Status, metadataJSON)
	if err := row.Scan(&msg.CreatedAt); err != nil {
		slog.Error("PostgresStore LogMessage failed", "error", err, "phone", msg.PhoneNumber, "direction", msg.Direction)
		return nil, fmt.Errorf("failed to log message: %w", err)
	}
	slog.Debug("PostgresStore LogMessage succeeded", "message_id", msg.ID, "direction", msg.Direction, "status", msg.Status)
	return &msg, nil
}

func (s *PostgresStore) Business(ctx context.Context, businessID string) (*models.Business, error) {
	var b models.Business
	var description, websiteURL, phone, email, address sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT id, name, description, website_url, phone, email, address
		FROM businesses WHERE id = $1`, businessID).
		Scan(&b.ID, &b.Name, &description, &websiteURL, &phone, &email, &address)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore Business failed", "error", err, "business_id", businessID)
		return nil, fmt.Errorf("failed to fetch business: %w", err)
	}
	b.Description = description.String
	b.WebsiteURL = websiteURL.String
	b.Phone = phone.String
	b.Email = email.String
	b.Address = address.String
	return &b, nil
}

func (s *PostgresStore) BusinessGreeting(ctx context.Context, businessID string) (*models.BusinessGreeting, error) {
	var g models.BusinessGreeting
	err := s.db.QueryRowContext(ctx, `SELECT id, business_id, greeting_message, example_questions
		FROM business_greetings WHERE business_id = $1`, businessID).
		Scan(&g.ID, &g.BusinessID, &g.GreetingMessage, pq.Array(&g.ExampleQuestions))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore BusinessGreeting failed", "error", err, "business_id", businessID)
		return nil, fmt.Errorf("failed to fetch business greeting: %w", err)
	}
	return &g, nil
}

func (s *PostgresStore) TableColumns(ctx context.Context, table string) ([]Column, error) {
	if !models.IsValidTable(models.Table(table)) {
		return nil, fmt.Errorf("unknown table %q", table)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT column_name, data_type, is_nullable, column_default
		FROM information_schema.columns
		WHERE table_name = $1
		ORDER BY ordinal_position`, table)
	if err != nil {
		slog.Error("PostgresStore TableColumns query failed", "error", err, "table", table)
		return nil, fmt.Errorf("failed to query schema for %s: %w", table, err)
	}
	defer rows.Close()
	var columns []Column
	for rows.Next() {
		var c Column
		var nullable string
		var def sql.NullString
		if err := rows.Scan(&c.Name, &c.DataType, &nullable, &def); err != nil {
			return nil, fmt.Errorf("failed to scan column row: %w", err)
		}
		c.Nullable = nullable == "YES"
		c.Default = def.String
		columns = append(columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate column rows: %w", err)
	}
	return columns, nil
}

func (s *PostgresStore) ExecuteQuery(ctx context.Context, query string) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query execution failed: %w", err)
	}
	defer rows.Close()
	return collectRows(rows)
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
