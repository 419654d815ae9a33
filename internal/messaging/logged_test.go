package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/conversa-dev/conversa/internal/models"
)

// recordingLogger captures logged messages and can be made to fail.
type recordingLogger struct {
	messages []models.Message
	err      error
}

func (l *recordingLogger) LogMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.messages = append(l.messages, msg)
	return &msg, nil
}

func TestLoggedSenderRecordsSuccessfulSend(t *testing.T) {
	svc := NewMockService()
	logger := &recordingLogger{}
	sender := NewLoggedSender(svc, logger)

	id, err := sender.Send(context.Background(), "+15551234567", "hello", "sess-1", "biz-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != svc.ProviderID {
		t.Errorf("expected provider id %q, got %q", svc.ProviderID, id)
	}

	if len(logger.messages) != 1 {
		t.Fatalf("expected exactly one log row, got %d", len(logger.messages))
	}
	row := logger.messages[0]
	if row.Status != models.StatusSent {
		t.Errorf("expected status sent, got %q", row.Status)
	}
	if row.Direction != models.DirectionOutgoing {
		t.Errorf("expected outgoing direction, got %q", row.Direction)
	}
	if row.Metadata["provider_message_id"] != svc.ProviderID {
		t.Errorf("provider message id missing from metadata: %v", row.Metadata)
	}
	if row.SessionID != "sess-1" || row.BusinessID != "biz-1" {
		t.Error("session or business attribution lost")
	}
}

func TestLoggedSenderRecordsFailedSend(t *testing.T) {
	svc := NewMockService()
	svc.Err = errors.New("rate limited")
	logger := &recordingLogger{}
	sender := NewLoggedSender(svc, logger)

	_, err := sender.Send(context.Background(), "+15551234567", "hello", "sess-1", "biz-1")
	if err == nil {
		t.Fatal("expected the transport error to propagate")
	}

	if len(logger.messages) != 1 {
		t.Fatalf("expected exactly one log row for the failed attempt, got %d", len(logger.messages))
	}
	row := logger.messages[0]
	if row.Status != models.StatusFailed {
		t.Errorf("expected status failed, got %q", row.Status)
	}
	if row.ID == "" {
		t.Error("failed rows need a synthesized local id")
	}
	if row.Metadata["error"] != "rate limited" {
		t.Errorf("transport error missing from metadata: %v", row.Metadata)
	}
}

func TestLoggedSenderLogFailureDoesNotMaskOutcome(t *testing.T) {
	svc := NewMockService()
	logger := &recordingLogger{err: errors.New("db down")}
	sender := NewLoggedSender(svc, logger)

	id, err := sender.Send(context.Background(), "+15551234567", "hello", "sess-1", "biz-1")
	if err != nil {
		t.Errorf("log-write failure must not fail a successful send: %v", err)
	}
	if id != svc.ProviderID {
		t.Errorf("expected provider id %q, got %q", svc.ProviderID, id)
	}
}
