package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/conversa-dev/conversa/internal/models"
)

// webhookPayload is the WhatsApp Cloud API delivery envelope. Only the fields
// the pipeline consumes are declared.
type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				MessagingProduct string `json:"messaging_product"`
				Messages         []struct {
					From string `json:"from"`
					ID   string `json:"id"`
					Type string `json:"type"`
					Text struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// webhookHandler dispatches the verification handshake and message delivery.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.verifyWebhook(w, r)
	case http.MethodPost:
		s.receiveWebhook(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// verifyWebhook implements the Cloud API subscription handshake: when the
// mode is "subscribe" and the token matches, the challenge is echoed back.
func (s *Server) verifyWebhook(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode != "subscribe" || token != s.verifyToken {
		slog.Warn("Webhook verification rejected", "mode", mode)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	slog.Info("Webhook verification succeeded")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(challenge))
}

// receiveWebhook parses a delivery envelope and feeds each text message to
// the pipeline. Non-text messages and status-only deliveries are acknowledged
// without processing; persistence failures return 500 so the platform retries.
func (s *Server) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		slog.Error("Webhook payload decode failed", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if payload.Object != "whatsapp_business_account" {
		slog.Debug("Webhook ignoring unexpected object", "object", payload.Object)
		w.WriteHeader(http.StatusOK)
		return
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				if msg.Type != "text" || msg.Text.Body == "" {
					slog.Debug("Webhook skipping non-text message", "type", msg.Type, "message_id", msg.ID)
					continue
				}
				if _, err := s.orchestrator.ProcessIncomingMessage(r.Context(), msg.From, msg.Text.Body, entry.ID, msg.ID); err != nil {
					switch err {
					case models.ErrEmptyPhoneNumber, models.ErrEmptyMessageText, models.ErrEmptyBusinessID:
						slog.Warn("Webhook dropped malformed message", "error", err, "message_id", msg.ID)
						continue
					}
					slog.Error("Webhook message processing failed", "error", err, "message_id", msg.ID)
					http.Error(w, "Processing failed", http.StatusInternalServerError)
					return
				}
			}
		}
	}

	w.WriteHeader(http.StatusOK)
}

// healthHandler reports liveness.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
