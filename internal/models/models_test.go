package models

import (
	"testing"
	"time"
)

func TestIsValidIntent(t *testing.T) {
	valid := []Intent{
		IntentBuildSQL, IntentGenerateEmbeddings, IntentSuggestFlow,
		IntentFetchFAQ, IntentSecurityThreat, IntentIrrelevant, IntentUnclear,
	}
	for _, i := range valid {
		if !IsValidIntent(i) {
			t.Errorf("expected %q to be valid", i)
		}
	}
	if IsValidIntent(Intent("route_to_human")) {
		t.Error("expected out-of-taxonomy intent to be invalid")
	}
	if IsValidIntent(Intent("")) {
		t.Error("expected empty intent to be invalid")
	}
}

func TestIsValidTable(t *testing.T) {
	valid := []Table{TableBusinesses, TableBusinessHours, TableBusinessServices, TableBusinessFAQs}
	for _, tbl := range valid {
		if !IsValidTable(tbl) {
			t.Errorf("expected %q to be valid", tbl)
		}
	}
	if IsValidTable(Table("user_sessions")) {
		t.Error("expected session table to be outside the reference enum")
	}
}

func TestSessionExpired(t *testing.T) {
	now := time.Now()
	sess := Session{UpdatedAt: now.Add(-4 * time.Minute)}
	if sess.Expired(now, 5*time.Minute) {
		t.Error("session idle less than timeout should not be expired")
	}
	sess.UpdatedAt = now.Add(-5 * time.Minute)
	if sess.Expired(now, 5*time.Minute) {
		t.Error("session idle exactly the timeout should not be expired")
	}
	sess.UpdatedAt = now.Add(-5*time.Minute - time.Second)
	if !sess.Expired(now, 5*time.Minute) {
		t.Error("session idle beyond timeout should be expired")
	}
}

func TestMessageValidate(t *testing.T) {
	msg := Message{PhoneNumber: "+15551234567", BusinessID: "biz-1"}
	if err := msg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	msg = Message{BusinessID: "biz-1"}
	if err := msg.Validate(); err != ErrEmptyPhoneNumber {
		t.Errorf("expected ErrEmptyPhoneNumber, got %v", err)
	}

	msg = Message{PhoneNumber: "+15551234567"}
	if err := msg.Validate(); err != ErrEmptyBusinessID {
		t.Errorf("expected ErrEmptyBusinessID, got %v", err)
	}
}

func TestUnclearResult(t *testing.T) {
	result := UnclearResult()
	if result.Intent != IntentUnclear {
		t.Errorf("expected unclear intent, got %q", result.Intent)
	}
	if result.Confidence != 0 {
		t.Errorf("expected zero confidence, got %v", result.Confidence)
	}
	if len(result.RelevantTables) != 0 {
		t.Error("expected no relevant tables")
	}
}
