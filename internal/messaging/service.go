// Package messaging provides the outbound channel gateway for Conversa.
//
// It defines a pluggable sender abstraction over WhatsApp transports and a
// logging decorator that records every delivery attempt, successful or not,
// in the message log.
package messaging

import "context"

// Service is the pluggable message delivery abstraction. Implementations
// send one message and return the provider-assigned message id.
type Service interface {
	// SendMessage sends a message to a recipient phone number and returns the
	// provider message id, or a transport error.
	SendMessage(ctx context.Context, to, body string) (string, error)
}

// MockService records sent messages for tests. It can be configured to fail
// to exercise delivery-failure paths.
type MockService struct {
	SentMessages []SentMessage
	// Err, when set, is returned by every SendMessage call.
	Err error
	// ProviderID is the id returned for successful sends.
	ProviderID string
}

// SentMessage is one recorded outbound message.
type SentMessage struct {
	To   string
	Body string
}

// NewMockService creates an empty mock sender.
func NewMockService() *MockService {
	return &MockService{ProviderID: "wamid.mock"}
}

func (m *MockService) SendMessage(ctx context.Context, to, body string) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return m.ProviderID, nil
}
