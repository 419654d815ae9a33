// Package store provides storage backends for Conversa.
//
// It includes an in-memory store for tests and persistent PostgreSQL and
// SQLite stores for sessions, the message log, and business reference data.
// The relational store is the single source of truth for session state; no
// component caches sessions or messages across invocations.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/conversa-dev/conversa/internal/models"
)

// Opts holds configuration options for store implementations.
type Opts struct {
	// DSN is the database connection string (PostgreSQL DSN or SQLite file path).
	DSN string
}

// Option defines a configuration option for store creation.
type Option func(*Opts)

// WithPostgresDSN sets a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets a SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType determines the database type from a DSN string.
// Returns "postgres" for PostgreSQL DSNs and "sqlite" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// Column describes one column of a structured-data table, as reported by the
// schema catalog. It is rendered into query-generation prompts.
type Column struct {
	Name     string
	DataType string
	Nullable bool
	Default  string
}

// Store is the persistence surface consumed by the message pipeline.
type Store interface {
	// ActiveSession returns the active session for (phoneNumber, businessID),
	// or nil if none exists. A session is active while is_active is true and
	// ended_at is null.
	ActiveSession(ctx context.Context, phoneNumber, businessID string) (*models.Session, error)

	// CreateSession opens a new session for (phoneNumber, businessID).
	CreateSession(ctx context.Context, phoneNumber, businessID string) (*models.Session, error)

	// UpdateSession replaces the session's last message and context and
	// advances updated_at.
	UpdateSession(ctx context.Context, sessionID, lastMessage string, sessionContext map[string]any) (*models.Session, error)

	// CloseSession marks the session inactive and stamps ended_at.
	CloseSession(ctx context.Context, sessionID string) error

	// ExpiredSessions returns all active sessions whose updated_at is at or
	// before cutoff. Closed sessions never match, which makes reaping
	// idempotent.
	ExpiredSessions(ctx context.Context, cutoff time.Time) ([]models.Session, error)

	// LogMessage appends one row to the message log and returns it with its
	// assigned id and timestamp.
	LogMessage(ctx context.Context, msg models.Message) (*models.Message, error)

	// Business returns the business profile, or nil if unknown.
	Business(ctx context.Context, businessID string) (*models.Business, error)

	// BusinessGreeting returns the configured greeting for a business, or nil
	// if none is configured.
	BusinessGreeting(ctx context.Context, businessID string) (*models.BusinessGreeting, error)

	// TableColumns returns the schema catalog entries for the named table.
	TableColumns(ctx context.Context, table string) ([]Column, error)

	// ExecuteQuery runs a raw read query and returns the result rows as
	// column-name keyed maps.
	ExecuteQuery(ctx context.Context, query string) ([]map[string]any, error)

	// Close releases the underlying database resources.
	Close() error
}
