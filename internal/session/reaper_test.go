package session

import (
	"context"
	"testing"
	"time"

	"github.com/conversa-dev/conversa/internal/messaging"
	"github.com/conversa-dev/conversa/internal/models"
	"github.com/conversa-dev/conversa/internal/store"
)

func TestReaperClosesIdleSessions(t *testing.T) {
	st := store.NewInMemoryStore()
	svc := messaging.NewMockService()
	gw := messaging.NewLoggedSender(svc, st)
	ctx := context.Background()

	idle, err := st.CreateSession(ctx, "+15550000001", "biz-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := st.CreateSession(ctx, "+15550000002", "biz-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Both sessions were just touched, so a reaper on real time sees nothing.
	fresh := NewReaper(st, gw)
	fresh.Tick(ctx)
	if len(svc.SentMessages) != 0 {
		t.Fatal("fresh sessions must not be reaped")
	}

	// A clock past the timeout sees both as idle.
	late := NewReaper(st, gw, WithReapClock(func() time.Time { return time.Now().Add(10 * time.Minute) }))
	late.Tick(ctx)

	if len(svc.SentMessages) != 2 {
		t.Fatalf("expected 2 closure notices, got %d", len(svc.SentMessages))
	}
	for _, sent := range svc.SentMessages {
		if sent.Body != ClosureNotice {
			t.Errorf("unexpected notice body: %q", sent.Body)
		}
	}

	active, err := st.ActiveSession(ctx, "+15550000001", "biz-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if active != nil {
		t.Error("idle session still active after reap")
	}

	// Notices show up in the message log attributed to their sessions.
	var noticed bool
	for _, m := range st.Messages() {
		if m.SessionID == idle.ID && m.Direction == models.DirectionOutgoing && m.Status == models.StatusSent {
			noticed = true
		}
	}
	if !noticed {
		t.Error("closure notice not recorded in the message log")
	}
}

func TestReaperTickIsIdempotent(t *testing.T) {
	st := store.NewInMemoryStore()
	svc := messaging.NewMockService()
	gw := messaging.NewLoggedSender(svc, st)
	ctx := context.Background()

	if _, err := st.CreateSession(ctx, "+15550000001", "biz-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r := NewReaper(st, gw, WithReapClock(func() time.Time { return time.Now().Add(10 * time.Minute) }))
	r.Tick(ctx)
	r.Tick(ctx)

	if len(svc.SentMessages) != 1 {
		t.Errorf("a session must be reaped at most once, got %d notices", len(svc.SentMessages))
	}
}

func TestReaperInterval(t *testing.T) {
	st := store.NewInMemoryStore()
	gw := messaging.NewLoggedSender(messaging.NewMockService(), st)

	r := NewReaper(st, gw)
	if r.Interval() != DefaultReapInterval {
		t.Errorf("expected default interval, got %v", r.Interval())
	}

	r = NewReaper(st, gw, WithReapInterval(time.Minute))
	if r.Interval() != time.Minute {
		t.Errorf("expected configured interval, got %v", r.Interval())
	}
}
