// Package models defines the core data structures for Conversa.
//
// It includes types for sessions, logged messages, business reference data,
// and intent classification results, which are shared across modules.
package models

import (
	"errors"
	"time"
)

// MessageDirection indicates whether a message was received or sent.
type MessageDirection string

const (
	// DirectionIncoming marks a message received from the user.
	DirectionIncoming MessageDirection = "incoming"
	// DirectionOutgoing marks a message sent to the user.
	DirectionOutgoing MessageDirection = "outgoing"
)

// MessageType describes the channel payload kind of a logged message.
type MessageType string

const (
	MessageTypeText        MessageType = "text"
	MessageTypeInteractive MessageType = "interactive"
	MessageTypeTemplate    MessageType = "template"
	MessageTypeButton      MessageType = "button"
	MessageTypeImage       MessageType = "image"
	MessageTypeVideo       MessageType = "video"
	MessageTypeAudio       MessageType = "audio"
)

// MessageStatus tracks the delivery state of a logged message.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
	StatusReceived  MessageStatus = "received"
)

// Intent is the fixed-taxonomy classification of a user message.
type Intent string

const (
	// IntentBuildSQL covers queries answerable from structured business data
	// (hours, services, pricing, staff).
	IntentBuildSQL Intent = "build_sql"
	// IntentGenerateEmbeddings covers unstructured queries needing semantic search.
	IntentGenerateEmbeddings Intent = "generate_embeddings"
	// IntentSuggestFlow covers actionable requests: booking, registration, ordering.
	IntentSuggestFlow Intent = "suggest_whatsapp_flow"
	// IntentFetchFAQ covers questions that likely have a prepared answer.
	IntentFetchFAQ Intent = "fetch_faq"
	// IntentSecurityThreat covers injection or exfiltration attempts.
	IntentSecurityThreat Intent = "potential_security_threat"
	// IntentIrrelevant covers questions unrelated to the business.
	IntentIrrelevant Intent = "irrelevant_query"
	// IntentUnclear covers ambiguous or too-short messages. It is also the
	// safety default when classification fails.
	IntentUnclear Intent = "unclear_query"
)

// IsValidIntent checks if the given intent is part of the fixed taxonomy.
func IsValidIntent(i Intent) bool {
	switch i {
	case IntentBuildSQL, IntentGenerateEmbeddings, IntentSuggestFlow,
		IntentFetchFAQ, IntentSecurityThreat, IntentIrrelevant, IntentUnclear:
		return true
	default:
		return false
	}
}

// Table names a structured-data table a reply may be grounded in.
type Table string

const (
	TableBusinesses       Table = "businesses"
	TableBusinessHours    Table = "business_hours"
	TableBusinessServices Table = "business_services"
	TableBusinessFAQs     Table = "business_faqs"
)

// IsValidTable checks if the given table is part of the fixed enum.
func IsValidTable(t Table) bool {
	switch t {
	case TableBusinesses, TableBusinessHours, TableBusinessServices, TableBusinessFAQs:
		return true
	default:
		return false
	}
}

// Session context keys set by the orchestrator on every turn.
const (
	ContextKeyLastIntent     = "last_intent"
	ContextKeyLastMessage    = "last_message"
	ContextKeyRelevantTables = "relevant_tables"
)

// Error variables for better error handling and testability
var (
	ErrEmptyPhoneNumber = errors.New("phone number cannot be empty")
	ErrEmptyMessageText = errors.New("message text cannot be empty")
	ErrEmptyBusinessID  = errors.New("business id cannot be empty")
	ErrSessionNotFound  = errors.New("session not found")
)

// Session is the bounded conversational context for one (phone number,
// business) pair. At most one session per pair may be active at a time.
type Session struct {
	ID          string         `json:"id"`
	BusinessID  string         `json:"business_id"`
	PhoneNumber string         `json:"phone_number"`
	LastMessage string         `json:"last_message,omitempty"`
	Context     map[string]any `json:"context"`
	IsActive    bool           `json:"is_active"`
	StartedAt   time.Time      `json:"started_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	EndedAt     *time.Time     `json:"ended_at,omitempty"`
}

// Expired reports whether the session has been idle longer than timeout.
func (s *Session) Expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.UpdatedAt) > timeout
}

// Message is one append-only row in the message log. Every inbound message
// and every outbound delivery attempt, successful or not, produces exactly
// one Message.
type Message struct {
	ID          string           `json:"id"`
	BusinessID  string           `json:"business_id"`
	SessionID   string           `json:"session_id"`
	PhoneNumber string           `json:"phone_number"`
	Direction   MessageDirection `json:"message_direction"`
	Text        string           `json:"message_text"`
	Type        MessageType      `json:"message_type"`
	Status      MessageStatus    `json:"message_status"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Validate checks the fields required before a message can be logged.
func (m *Message) Validate() error {
	if m.PhoneNumber == "" {
		return ErrEmptyPhoneNumber
	}
	if m.BusinessID == "" {
		return ErrEmptyBusinessID
	}
	return nil
}

// Business holds the profile row for one business.
type Business struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	WebsiteURL  string `json:"website_url,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Email       string `json:"email,omitempty"`
	Address     string `json:"address,omitempty"`
}

// BusinessGreeting holds the configured welcome message for a business.
type BusinessGreeting struct {
	ID               string   `json:"id"`
	BusinessID       string   `json:"business_id"`
	GreetingMessage  string   `json:"greeting_message"`
	ExampleQuestions []string `json:"example_questions,omitempty"`
}

// BusinessContext carries the identifiers passed to the classifier alongside
// the message being classified.
type BusinessContext struct {
	BusinessID string `json:"business_id"`
	SessionID  string `json:"session_id"`
}

// ClassificationResult is the outcome of one intent classification. It is
// ephemeral: the intent and relevant tables are folded into the session
// context, the rest is observability only.
type ClassificationResult struct {
	Intent         Intent  `json:"intent"`
	RelevantTables []Table `json:"relevant_tables,omitempty"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning,omitempty"`
}

// UnclearResult returns the safety-default classification used when the
// model is unreachable or returned an out-of-taxonomy value.
func UnclearResult() ClassificationResult {
	return ClassificationResult{Intent: IntentUnclear, Confidence: 0}
}
