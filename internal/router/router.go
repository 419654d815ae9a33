// Package router maps classified intents to concrete reply strings.
//
// Route is a total function: whatever happens while computing a response,
// including panics, the caller gets a string back, never an error.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/conversa-dev/conversa/internal/models"
)

// Top-K row limits per query-backed intent.
const (
	sqlTopK = 5
	faqTopK = 1
)

// Fixed scripted responses.
const (
	EmbeddingsPendingResponse = "I'm still learning how to answer that kind of question. Semantic search is coming soon - in the meantime, try asking about our hours, services, or prices."
	SecurityRefusalResponse   = "Sorry, I can't help with that request."
	IrrelevantResponse        = "I can only help with questions about this business, such as our hours, services, and prices."
	UnclearResponse           = "I didn't quite catch that. Could you rephrase your question with a bit more detail?"
	UnknownIntentResponse     = "Apologies, something went wrong while understanding your message. Please try again."
	TryAgainResponse          = "Sorry, something went wrong on our side. Please try again in a moment."

	SchedulingPrompt   = "It sounds like you'd like to schedule an appointment. Please share your preferred day and time and we'll take it from there."
	RegistrationPrompt = "It sounds like you'd like to register. Please share your name and contact details and we'll get you set up."
	FlowClarifyPrompt  = "Happy to help with that. Could you tell me a bit more about what you'd like to do, for example booking an appointment or placing an order?"
)

// QueryAnswerer answers natural-language questions from structured data.
// Its contract guarantees a string for every input.
type QueryAnswerer interface {
	Answer(ctx context.Context, question string, tables []models.Table, topK int) string
}

// Router routes classified intents to response strategies.
type Router struct {
	queries QueryAnswerer
}

// NewRouter creates a Router that delegates data-backed intents to the given
// query answerer.
func NewRouter(queries QueryAnswerer) *Router {
	return &Router{queries: queries}
}

// Route computes the reply for a classified message. It never panics and
// never returns an empty string.
func (r *Router) Route(ctx context.Context, intent models.Intent, message string, business *models.Business, tables []models.Table) (reply string) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Router recovered from panic while computing response", "panic", rec, "intent", intent)
			reply = TryAgainResponse
		}
	}()

	slog.Debug("Router routing intent", "intent", intent, "tables", len(tables))

	switch intent {
	case models.IntentBuildSQL:
		return r.queries.Answer(ctx, message, tables, sqlTopK)

	case models.IntentFetchFAQ:
		if len(tables) == 0 {
			tables = []models.Table{models.TableBusinessFAQs}
		}
		question := fmt.Sprintf("Find a FAQ that answers: %s", message)
		return r.queries.Answer(ctx, question, tables, faqTopK)

	case models.IntentGenerateEmbeddings:
		return EmbeddingsPendingResponse

	case models.IntentSuggestFlow:
		return routeFlow(message)

	case models.IntentSecurityThreat:
		// Never echo the offending content back to the user.
		slog.Warn("Router refusing potential security threat", "message", message)
		return SecurityRefusalResponse

	case models.IntentIrrelevant:
		return IrrelevantResponse

	case models.IntentUnclear:
		return UnclearResponse

	default:
		// Unreachable if the classifier honors its output contract.
		slog.Error("Router received unknown intent", "intent", intent)
		return UnknownIntentResponse
	}
}

// routeFlow sub-routes actionable requests on the raw message text.
func routeFlow(message string) string {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "book") || strings.Contains(lower, "appointment") || strings.Contains(lower, "schedule"):
		return SchedulingPrompt
	case strings.Contains(lower, "register") || strings.Contains(lower, "sign up") || strings.Contains(lower, "signup"):
		return RegistrationPrompt
	default:
		return FlowClarifyPrompt
	}
}
