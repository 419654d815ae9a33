// Package messaging provides the outbound channel gateway for Conversa.
//
// This file implements the logging decorator that gives the gateway its
// at-least-once logging discipline.
package messaging

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/conversa-dev/conversa/internal/models"
)

// MessageLogger is the message-log subset of the store consumed by the
// gateway.
type MessageLogger interface {
	LogMessage(ctx context.Context, msg models.Message) (*models.Message, error)
}

// LoggedSender wraps a Service so that every delivery attempt, successful or
// failed, produces exactly one message log row. Failed sends are logged with
// status failed, a synthesized local id, and the transport error in the row
// metadata.
type LoggedSender struct {
	svc Service
	log MessageLogger
}

// NewLoggedSender creates the logging gateway around the given transport.
func NewLoggedSender(svc Service, log MessageLogger) *LoggedSender {
	return &LoggedSender{svc: svc, log: log}
}

// Send delivers an outbound message and records the attempt. It returns the
// provider message id and the transport error, if any; a failure to write
// the log row is logged but does not mask the send outcome.
func (s *LoggedSender) Send(ctx context.Context, to, body, sessionID, businessID string) (string, error) {
	providerID, sendErr := s.svc.SendMessage(ctx, to, body)

	msg := models.Message{
		ID:          uuid.NewString(),
		BusinessID:  businessID,
		SessionID:   sessionID,
		PhoneNumber: to,
		Direction:   models.DirectionOutgoing,
		Text:        body,
		Type:        models.MessageTypeText,
	}
	if sendErr != nil {
		msg.Status = models.StatusFailed
		msg.Metadata = map[string]any{"error": sendErr.Error()}
	} else {
		msg.Status = models.StatusSent
		msg.Metadata = map[string]any{"provider_message_id": providerID}
	}

	if _, logErr := s.log.LogMessage(ctx, msg); logErr != nil {
		slog.Error("LoggedSender failed to record delivery attempt", "error", logErr, "to", to, "status", msg.Status)
	}

	if sendErr != nil {
		slog.Error("LoggedSender delivery failed", "to", to, "error", sendErr)
		return "", sendErr
	}
	slog.Debug("LoggedSender delivery recorded", "to", to, "provider_message_id", providerID)
	return providerID, nil
}
