// Package session owns the session lifecycle.
//
// This file implements the idle-session reaper.
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/conversa-dev/conversa/internal/models"
	"github.com/conversa-dev/conversa/internal/store"
)

// DefaultReapInterval is how often the reaper scans for idle sessions.
const DefaultReapInterval = 5 * time.Minute

// ClosureNotice is sent to users whose session the reaper closes.
const ClosureNotice = "Your chat session has been closed due to inactivity. Feel free to send a new message to start a fresh conversation."

// ReaperOpts holds configuration options for the reaper.
type ReaperOpts struct {
	SessionTimeout time.Duration
	Interval       time.Duration
	Now            func() time.Time
}

// ReaperOption defines a configuration option for the reaper.
type ReaperOption func(*ReaperOpts)

// WithReapTimeout overrides the idle-expiry threshold.
func WithReapTimeout(d time.Duration) ReaperOption {
	return func(o *ReaperOpts) { o.SessionTimeout = d }
}

// WithReapInterval overrides the scan interval.
func WithReapInterval(d time.Duration) ReaperOption {
	return func(o *ReaperOpts) { o.Interval = d }
}

// WithReapClock injects a time source. Used in tests.
func WithReapClock(now func() time.Time) ReaperOption {
	return func(o *ReaperOpts) { o.Now = now }
}

// Reaper closes sessions that have been idle beyond the timeout. Each tick
// is idempotent: the expiry query only matches sessions that are still open,
// so a session closed by one tick is invisible to the next.
type Reaper struct {
	store    store.Store
	gateway  Gateway
	timeout  time.Duration
	interval time.Duration
	now      func() time.Time
}

// NewReaper creates a Reaper over the given store and gateway.
func NewReaper(st store.Store, gw Gateway, opts ...ReaperOption) *Reaper {
	cfg := ReaperOpts{SessionTimeout: DefaultSessionTimeout, Interval: DefaultReapInterval, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Reaper{store: st, gateway: gw, timeout: cfg.SessionTimeout, interval: cfg.Interval, now: cfg.Now}
}

// Interval returns the configured scan interval.
func (r *Reaper) Interval() time.Duration {
	return r.interval
}

// Tick runs one reap pass: every session idle beyond the timeout gets a
// closure notice (best-effort) and is closed. A store failure ends the pass;
// the next tick retries naturally.
func (r *Reaper) Tick(ctx context.Context) {
	cutoff := r.now().Add(-r.timeout)
	sessions, err := r.store.ExpiredSessions(ctx, cutoff)
	if err != nil {
		slog.Error("Reaper failed to query expired sessions", "error", err)
		return
	}
	if len(sessions) == 0 {
		return
	}
	slog.Info("Reaper found idle sessions to close", "count", len(sessions))

	for _, sess := range sessions {
		if _, err := r.gateway.Send(ctx, sess.PhoneNumber, ClosureNotice, sess.ID, sess.BusinessID); err != nil {
			slog.Error("Reaper failed to send closure notice", "error", err, "session_id", sess.ID, "phone", sess.PhoneNumber)
		}
		if err := r.store.CloseSession(ctx, sess.ID); err != nil && err != models.ErrSessionNotFound {
			slog.Error("Reaper failed to close session", "error", err, "session_id", sess.ID)
			continue
		}
		slog.Info("Reaper closed idle session", "session_id", sess.ID, "phone", sess.PhoneNumber)
	}
}
