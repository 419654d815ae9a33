package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/conversa-dev/conversa/internal/messaging"
	"github.com/conversa-dev/conversa/internal/models"
	"github.com/conversa-dev/conversa/internal/store"
)

// mockClassifier returns a canned classification.
type mockClassifier struct {
	result models.ClassificationResult
	calls  int
}

func (m *mockClassifier) Classify(ctx context.Context, message string, bctx models.BusinessContext) models.ClassificationResult {
	m.calls++
	return m.result
}

// mockResponder records what it was routed and returns a fixed reply.
type mockResponder struct {
	reply   string
	intent  models.Intent
	message string
	tables  []models.Table
	calls   int
}

func (m *mockResponder) Route(ctx context.Context, intent models.Intent, message string, business *models.Business, tables []models.Table) string {
	m.calls++
	m.intent = intent
	m.message = message
	m.tables = tables
	return m.reply
}

type fixture struct {
	store      *store.InMemoryStore
	svc        *messaging.MockService
	classifier *mockClassifier
	responder  *mockResponder
	orch       *Orchestrator
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st := store.NewInMemoryStore()
	svc := messaging.NewMockService()
	cl := &mockClassifier{result: models.UnclearResult()}
	rt := &mockResponder{reply: "scripted reply"}
	gw := messaging.NewLoggedSender(svc, st)
	return &fixture{
		store:      st,
		svc:        svc,
		classifier: cl,
		responder:  rt,
		orch:       NewOrchestrator(st, gw, cl, rt, opts...),
	}
}

func TestProcessIncomingMessageValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.orch.ProcessIncomingMessage(ctx, "", "hi", "biz-1", ""); !errors.Is(err, models.ErrEmptyPhoneNumber) {
		t.Errorf("expected ErrEmptyPhoneNumber, got %v", err)
	}
	if _, err := f.orch.ProcessIncomingMessage(ctx, "+15551234567", "", "biz-1", ""); !errors.Is(err, models.ErrEmptyMessageText) {
		t.Errorf("expected ErrEmptyMessageText, got %v", err)
	}
	if _, err := f.orch.ProcessIncomingMessage(ctx, "+15551234567", "hi", "", ""); !errors.Is(err, models.ErrEmptyBusinessID) {
		t.Errorf("expected ErrEmptyBusinessID, got %v", err)
	}
	if len(f.store.Messages()) != 0 {
		t.Error("rejected messages must not be logged")
	}
}

func TestProcessIncomingMessageNewSession(t *testing.T) {
	f := newFixture(t)
	f.store.SeedGreeting(models.BusinessGreeting{
		BusinessID:       "biz-1",
		GreetingMessage:  "Welcome to Sunny Salon!",
		ExampleQuestions: []string{"What are your hours?", "How much is a haircut?"},
	})
	ctx := context.Background()

	sess, err := f.orch.ProcessIncomingMessage(ctx, "+15551234567", "hi there", "biz-1", "wamid.in.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess == nil || !sess.IsActive {
		t.Fatal("expected a new active session")
	}

	msgs := f.store.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected inbound row plus welcome row, got %d rows", len(msgs))
	}
	inbound := msgs[0]
	if inbound.Direction != models.DirectionIncoming || inbound.Status != models.StatusReceived {
		t.Errorf("inbound row malformed: %+v", inbound)
	}
	if inbound.SessionID != sess.ID {
		t.Error("inbound row not attributed to the new session")
	}
	if inbound.Metadata["external_message_id"] != "wamid.in.1" {
		t.Error("external message id not preserved in metadata")
	}

	if len(f.svc.SentMessages) != 1 {
		t.Fatalf("expected one outbound welcome, got %d", len(f.svc.SentMessages))
	}
	welcome := f.svc.SentMessages[0].Body
	if !strings.Contains(welcome, "Welcome to Sunny Salon!") {
		t.Errorf("greeting missing from welcome: %q", welcome)
	}
	if !strings.Contains(welcome, "Example questions you can ask:") || !strings.Contains(welcome, "How much is a haircut?") {
		t.Errorf("example questions missing from welcome: %q", welcome)
	}

	if f.responder.calls != 0 {
		t.Error("first message of a session gets the welcome, not a routed reply")
	}
}

func TestProcessIncomingMessageWelcomeFallbacks(t *testing.T) {
	// With a business profile but no greeting row, the welcome names the business.
	f := newFixture(t)
	f.store.SeedBusiness(models.Business{ID: "biz-1", Name: "Sunny Salon"})
	ctx := context.Background()

	if _, err := f.orch.ProcessIncomingMessage(ctx, "+15551234567", "hi", "biz-1", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.svc.SentMessages[0].Body; !strings.Contains(got, "Welcome to Sunny Salon!") {
		t.Errorf("business-name welcome expected, got %q", got)
	}

	// With neither, the generic greeting goes out.
	f2 := newFixture(t)
	if _, err := f2.orch.ProcessIncomingMessage(ctx, "+15551234567", "hi", "biz-2", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f2.svc.SentMessages[0].Body; got != GenericGreeting {
		t.Errorf("expected generic greeting, got %q", got)
	}
}

func TestProcessIncomingMessageRoutesFollowUps(t *testing.T) {
	f := newFixture(t)
	f.classifier.result = models.ClassificationResult{
		Intent:         models.IntentBuildSQL,
		RelevantTables: []models.Table{models.TableBusinessHours},
		Confidence:     0.9,
	}
	f.responder.reply = "We open at 9am."
	ctx := context.Background()

	first, err := f.orch.ProcessIncomingMessage(ctx, "+15551234567", "hi", "biz-1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := f.orch.ProcessIncomingMessage(ctx, "+15551234567", "when do you open", "biz-1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.ID != first.ID {
		t.Error("follow-up attributed to a different session")
	}

	if f.responder.calls != 1 {
		t.Fatalf("expected exactly one routed reply, got %d", f.responder.calls)
	}
	if f.responder.intent != models.IntentBuildSQL || f.responder.message != "when do you open" {
		t.Errorf("responder received wrong input: %q %q", f.responder.intent, f.responder.message)
	}
	if len(f.svc.SentMessages) != 2 || f.svc.SentMessages[1].Body != "We open at 9am." {
		t.Errorf("routed reply not delivered: %v", f.svc.SentMessages)
	}

	// Each call logs exactly one inbound row.
	inbound := 0
	for _, m := range f.store.Messages() {
		if m.Direction == models.DirectionIncoming {
			inbound++
		}
	}
	if inbound != 2 {
		t.Errorf("expected 2 inbound rows, got %d", inbound)
	}

	if second.Context[models.ContextKeyLastIntent] != string(models.IntentBuildSQL) {
		t.Error("last intent not recorded in session context")
	}
	if second.Context[models.ContextKeyLastMessage] != "when do you open" {
		t.Error("last message not recorded in session context")
	}
}

func TestProcessIncomingMessageContextTablesReplace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.classifier.result = models.ClassificationResult{
		Intent:         models.IntentBuildSQL,
		RelevantTables: []models.Table{models.TableBusinessHours},
	}
	if _, err := f.orch.ProcessIncomingMessage(ctx, "+15551234567", "when do you open", "biz-1", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f.classifier.result = models.ClassificationResult{
		Intent:         models.IntentFetchFAQ,
		RelevantTables: []models.Table{models.TableBusinessFAQs},
	}
	sess, err := f.orch.ProcessIncomingMessage(ctx, "+15551234567", "do you do refunds", "biz-1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tables, ok := sess.Context[models.ContextKeyRelevantTables].([]string)
	if !ok {
		t.Fatalf("relevant_tables has unexpected type: %T", sess.Context[models.ContextKeyRelevantTables])
	}
	if len(tables) != 1 || tables[0] != string(models.TableBusinessFAQs) {
		t.Errorf("tables must replace the previous turn's hint, got %v", tables)
	}
}

func TestProcessIncomingMessageCloseCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	opened, err := f.orch.ProcessIncomingMessage(ctx, "+15551234567", "hi", "biz-1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rowsBefore := len(f.store.Messages())

	closed, err := f.orch.ProcessIncomingMessage(ctx, "+15551234567", "  Accepted ", "biz-1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if closed == nil || closed.ID != opened.ID {
		t.Fatal("close command did not return the closed session")
	}
	if closed.IsActive || closed.EndedAt == nil {
		t.Error("session not marked closed")
	}
	if len(f.store.Messages()) != rowsBefore {
		t.Error("close command must not log any message rows")
	}
	if f.classifier.calls != 1 {
		t.Error("close command must not be classified")
	}

	// With no active session, the command is a silent no-op.
	noop, err := f.orch.ProcessIncomingMessage(ctx, "+15551234567", "accepted", "biz-1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if noop != nil {
		t.Error("close command without a session should return nil")
	}
	if len(f.store.Messages()) != rowsBefore {
		t.Error("no-op close must not log any message rows")
	}
}

func TestProcessIncomingMessageExpiredSessionRollsOver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.orch.ProcessIncomingMessage(ctx, "+15551234567", "hi", "biz-1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Move the orchestrator clock past the timeout; the store still holds the
	// old session as active.
	expired := NewOrchestrator(f.store, messaging.NewLoggedSender(f.svc, f.store), f.classifier, f.responder,
		WithClock(func() time.Time { return time.Now().Add(10 * time.Minute) }))

	second, err := expired.ProcessIncomingMessage(ctx, "+15551234567", "hello again", "biz-1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("expected a fresh session after expiry")
	}

	// Old session is closed, new one is the only active.
	active, err := f.store.ActiveSession(ctx, "+15551234567", "biz-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if active == nil || active.ID != second.ID {
		t.Error("new session not the active one after rollover")
	}

	var sawNotice bool
	for _, sent := range f.svc.SentMessages {
		if sent.Body == TimeoutNotice {
			sawNotice = true
		}
	}
	if !sawNotice {
		t.Error("timeout notice not sent before rollover")
	}

	// The inbound row lands on the new session, never the expired one.
	msgs := f.store.Messages()
	last := msgs[len(msgs)-1]
	for _, m := range msgs {
		if m.Direction == models.DirectionIncoming && m.Text == "hello again" {
			last = m
		}
	}
	if last.SessionID != second.ID {
		t.Error("inbound row attributed to the expired session")
	}
}

func TestProcessIncomingMessageDeliveryFailureDoesNotAbort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.orch.ProcessIncomingMessage(ctx, "+15551234567", "hi", "biz-1", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f.svc.Err = errors.New("channel unavailable")
	sess, err := f.orch.ProcessIncomingMessage(ctx, "+15551234567", "when do you open", "biz-1", "")
	if err != nil {
		t.Fatalf("delivery failure must not abort processing: %v", err)
	}
	if sess == nil {
		t.Fatal("expected the session back despite the failed send")
	}

	var sawFailed bool
	for _, m := range f.store.Messages() {
		if m.Direction == models.DirectionOutgoing && m.Status == models.StatusFailed {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Error("failed delivery attempt not recorded in the message log")
	}
}
