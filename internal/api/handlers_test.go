package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/conversa-dev/conversa/internal/messaging"
	"github.com/conversa-dev/conversa/internal/models"
	"github.com/conversa-dev/conversa/internal/session"
	"github.com/conversa-dev/conversa/internal/store"
)

type staticClassifier struct{}

func (staticClassifier) Classify(ctx context.Context, message string, bctx models.BusinessContext) models.ClassificationResult {
	return models.UnclearResult()
}

type staticResponder struct{}

func (staticResponder) Route(ctx context.Context, intent models.Intent, message string, business *models.Business, tables []models.Table) string {
	return "scripted reply"
}

func newTestServer(t *testing.T) (*Server, *store.InMemoryStore, *messaging.MockService) {
	t.Helper()
	st := store.NewInMemoryStore()
	svc := messaging.NewMockService()
	orch := session.NewOrchestrator(st, messaging.NewLoggedSender(svc, st), staticClassifier{}, staticResponder{})
	return NewServer(orch, "secret-token"), st, svc
}

func TestWebhookVerification(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=secret-token&hub.challenge=12345", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != "12345" {
		t.Errorf("challenge not echoed: %q", w.Body.String())
	}
}

func TestWebhookVerificationRejectsBadToken(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

const deliveryEnvelope = `{
	"object": "whatsapp_business_account",
	"entry": [{
		"id": "biz-1",
		"changes": [{
			"field": "messages",
			"value": {
				"messaging_product": "whatsapp",
				"messages": [{
					"from": "+15551234567",
					"id": "wamid.in.1",
					"type": "text",
					"text": {"body": "hello"}
				}]
			}
		}]
	}]
}`

func TestWebhookDeliveryProcessesTextMessages(t *testing.T) {
	srv, st, svc := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(deliveryEnvelope))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	sessions := st.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("expected one session, got %d", len(sessions))
	}
	if sessions[0].BusinessID != "biz-1" || sessions[0].PhoneNumber != "+15551234567" {
		t.Errorf("session attribution wrong: %+v", sessions[0])
	}

	var inbound int
	for _, m := range st.Messages() {
		if m.Direction == models.DirectionIncoming {
			inbound++
			if m.Metadata["external_message_id"] != "wamid.in.1" {
				t.Error("external message id not carried into the log")
			}
		}
	}
	if inbound != 1 {
		t.Errorf("expected one inbound row, got %d", inbound)
	}

	// New session triggers the welcome.
	if len(svc.SentMessages) != 1 {
		t.Errorf("expected one outbound message, got %d", len(svc.SentMessages))
	}
}

func TestWebhookDeliverySkipsNonTextMessages(t *testing.T) {
	srv, st, _ := newTestServer(t)
	handler := srv.Handler()

	payload := `{
		"object": "whatsapp_business_account",
		"entry": [{
			"id": "biz-1",
			"changes": [{
				"field": "messages",
				"value": {"messages": [{"from": "+15551234567", "id": "wamid.in.2", "type": "image"}]}
			}]
		}]
	}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(payload))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(st.Messages()) != 0 {
		t.Error("non-text messages must not enter the pipeline")
	}
}

func TestWebhookDeliveryIgnoresOtherObjects(t *testing.T) {
	srv, st, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"object": "instagram", "entry": []}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(st.Messages()) != 0 {
		t.Error("foreign webhook objects must be ignored")
	}
}

func TestWebhookDeliveryRejectsMalformedJSON(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestWebhookRejectsOtherMethods(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodDelete, "/webhook", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Errorf("unexpected health body: %q", w.Body.String())
	}
}
