// Package session owns the session lifecycle: the orchestrator that drives
// one inbound message through the pipeline, and the reaper that closes idle
// sessions.
//
// The orchestrator sequences its collaborators (session fetch, message log,
// classification, persistence, send) rather than running them concurrently,
// so the inbound message row is always written before any reply is attempted
// and the session timestamp only advances after classification completes.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/conversa-dev/conversa/internal/models"
	"github.com/conversa-dev/conversa/internal/store"
)

// DefaultSessionTimeout is the idle duration after which a session is
// considered expired.
const DefaultSessionTimeout = 5 * time.Minute

// closeCommand is the literal message that closes an open session,
// case-insensitively.
const closeCommand = "accepted"

// User-facing notices.
const (
	// TimeoutNotice is sent, best-effort, when an inbound message arrives for
	// a session that has already expired.
	TimeoutNotice = "Your previous session expired due to inactivity, so we've started a fresh conversation."
	// GenericGreeting is the welcome fallback when a business has no
	// configured greeting.
	GenericGreeting = "Hello! Thanks for reaching out. How can we help you today?"
)

// Gateway is the outbound channel abstraction consumed by the pipeline.
// Every call, successful or failed, results in one message log entry.
type Gateway interface {
	Send(ctx context.Context, to, body, sessionID, businessID string) (string, error)
}

// Classifier determines the intent of an inbound message. It never fails;
// it degrades to unclear_query instead.
type Classifier interface {
	Classify(ctx context.Context, message string, bctx models.BusinessContext) models.ClassificationResult
}

// Responder computes the reply for a classified message. It is total: it
// always returns a string.
type Responder interface {
	Route(ctx context.Context, intent models.Intent, message string, business *models.Business, tables []models.Table) string
}

// Opts holds configuration options for the orchestrator.
type Opts struct {
	SessionTimeout time.Duration
	Now            func() time.Time
}

// Option defines a configuration option for the orchestrator.
type Option func(*Opts)

// WithSessionTimeout overrides the idle-expiry threshold.
func WithSessionTimeout(d time.Duration) Option {
	return func(o *Opts) { o.SessionTimeout = d }
}

// WithClock injects a time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Orchestrator is the pipeline entry point for inbound messages.
type Orchestrator struct {
	store      store.Store
	gateway    Gateway
	classifier Classifier
	responder  Responder
	timeout    time.Duration
	now        func() time.Time
}

// NewOrchestrator wires the pipeline collaborators together.
func NewOrchestrator(st store.Store, gw Gateway, cl Classifier, rt Responder, opts ...Option) *Orchestrator {
	cfg := Opts{SessionTimeout: DefaultSessionTimeout, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Orchestrator{
		store:      st,
		gateway:    gw,
		classifier: cl,
		responder:  rt,
		timeout:    cfg.SessionTimeout,
		now:        cfg.Now,
	}
}

// ProcessIncomingMessage drives one inbound message through the pipeline and
// returns the session it was attributed to.
//
// Persistence failures on the session and inbound-message writes propagate to
// the caller; delivery failures on any outbound send are logged and recorded
// as failed message rows but never abort processing.
func (o *Orchestrator) ProcessIncomingMessage(ctx context.Context, phoneNumber, messageText, businessID, externalMessageID string) (*models.Session, error) {
	if phoneNumber == "" {
		return nil, models.ErrEmptyPhoneNumber
	}
	if messageText == "" {
		return nil, models.ErrEmptyMessageText
	}
	if businessID == "" {
		return nil, models.ErrEmptyBusinessID
	}

	slog.Debug("Orchestrator processing message", "phone", phoneNumber, "business_id", businessID, "external_message_id", externalMessageID)

	sess, err := o.store.ActiveSession(ctx, phoneNumber, businessID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session: %w", err)
	}

	// Explicit close command ends the session without logging anything else.
	if strings.EqualFold(strings.TrimSpace(messageText), closeCommand) {
		if sess == nil {
			slog.Debug("Orchestrator close command with no active session", "phone", phoneNumber)
			return nil, nil
		}
		if err := o.store.CloseSession(ctx, sess.ID); err != nil {
			return nil, fmt.Errorf("failed to close session: %w", err)
		}
		now := o.now()
		sess.IsActive = false
		sess.EndedAt = &now
		slog.Info("Orchestrator closed session on user command", "session_id", sess.ID, "phone", phoneNumber)
		return sess, nil
	}

	isNewSession := false
	if sess == nil || sess.Expired(o.now(), o.timeout) {
		if sess != nil {
			// Best-effort: the user learns their old session timed out, but a
			// delivery failure must not block the new session.
			if _, err := o.gateway.Send(ctx, phoneNumber, TimeoutNotice, sess.ID, businessID); err != nil {
				slog.Error("Orchestrator failed to send timeout notice", "error", err, "session_id", sess.ID)
			}
			if err := o.store.CloseSession(ctx, sess.ID); err != nil {
				return nil, fmt.Errorf("failed to close expired session: %w", err)
			}
			slog.Info("Orchestrator closed expired session", "session_id", sess.ID, "phone", phoneNumber)
		}
		sess, err = o.store.CreateSession(ctx, phoneNumber, businessID)
		if err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
		isNewSession = true
		slog.Info("Orchestrator created session", "session_id", sess.ID, "phone", phoneNumber, "business_id", businessID)
	}

	// The inbound row is written only after the session is resolved so every
	// message is attributable to exactly one session.
	inbound := models.Message{
		BusinessID:  businessID,
		SessionID:   sess.ID,
		PhoneNumber: phoneNumber,
		Direction:   models.DirectionIncoming,
		Text:        messageText,
		Type:        models.MessageTypeText,
		Status:      models.StatusReceived,
	}
	if externalMessageID != "" {
		inbound.Metadata = map[string]any{"external_message_id": externalMessageID}
	}
	if _, err := o.store.LogMessage(ctx, inbound); err != nil {
		return nil, fmt.Errorf("failed to log inbound message: %w", err)
	}

	result := o.classifier.Classify(ctx, messageText, models.BusinessContext{
		BusinessID: businessID,
		SessionID:  sess.ID,
	})

	if sess.Context == nil {
		sess.Context = map[string]any{}
	}
	sess.Context[models.ContextKeyLastIntent] = string(result.Intent)
	sess.Context[models.ContextKeyLastMessage] = messageText
	// Relevant tables replace the previous turn's hint, they never accumulate.
	sess.Context[models.ContextKeyRelevantTables] = tableNames(result.RelevantTables)

	sess, err = o.store.UpdateSession(ctx, sess.ID, messageText, sess.Context)
	if err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	business, err := o.store.Business(ctx, businessID)
	if err != nil {
		slog.Error("Orchestrator failed to load business profile", "error", err, "business_id", businessID)
		business = nil
	}

	if isNewSession {
		o.sendWelcome(ctx, sess, business)
	} else {
		reply := o.responder.Route(ctx, result.Intent, messageText, business, result.RelevantTables)
		if _, err := o.gateway.Send(ctx, phoneNumber, reply, sess.ID, businessID); err != nil {
			slog.Error("Orchestrator failed to send reply", "error", err, "session_id", sess.ID)
		}
	}

	return sess, nil
}

// sendWelcome composes and sends the greeting for a newly created session.
// Missing profile or greeting rows fall back to a generic welcome; send
// failures are logged, not propagated.
func (o *Orchestrator) sendWelcome(ctx context.Context, sess *models.Session, business *models.Business) {
	greeting, err := o.store.BusinessGreeting(ctx, sess.BusinessID)
	if err != nil {
		slog.Error("Orchestrator failed to load business greeting", "error", err, "business_id", sess.BusinessID)
		greeting = nil
	}

	var welcome string
	switch {
	case greeting != nil:
		welcome = greeting.GreetingMessage
		if len(greeting.ExampleQuestions) > 0 {
			welcome += "\n\nExample questions you can ask:\n" + strings.Join(greeting.ExampleQuestions, "\n")
		}
	case business != nil && business.Name != "":
		welcome = fmt.Sprintf("Welcome to %s! How can we help you today?", business.Name)
	default:
		welcome = GenericGreeting
	}

	if _, err := o.gateway.Send(ctx, sess.PhoneNumber, welcome, sess.ID, sess.BusinessID); err != nil {
		slog.Error("Orchestrator failed to send welcome message", "error", err, "session_id", sess.ID)
	}
}

func tableNames(tables []models.Table) []string {
	names := make([]string, 0, len(tables))
	for _, t := range tables {
		names = append(names, string(t))
	}
	return names
}
