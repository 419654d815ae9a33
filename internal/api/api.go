// Package api provides HTTP handlers and the main server logic for Conversa.
//
// It exposes the WhatsApp webhook ingress (verification handshake and
// message delivery) and wires the store, GenAI, messaging, and session
// modules together at startup.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/conversa-dev/conversa/internal/genai"
	"github.com/conversa-dev/conversa/internal/intent"
	"github.com/conversa-dev/conversa/internal/messaging"
	"github.com/conversa-dev/conversa/internal/querygen"
	"github.com/conversa-dev/conversa/internal/router"
	"github.com/conversa-dev/conversa/internal/scheduler"
	"github.com/conversa-dev/conversa/internal/session"
	"github.com/conversa-dev/conversa/internal/store"
)

// DefaultAddr is the API server address used when none is configured.
const DefaultAddr = ":8080"

// Opts holds configuration options for the API server.
type Opts struct {
	Addr           string
	VerifyToken    string
	SessionTimeout time.Duration
	ReapInterval   time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithVerifyToken sets the webhook verification token.
func WithVerifyToken(token string) Option {
	return func(o *Opts) { o.VerifyToken = token }
}

// WithSessionTimeout sets the session idle-expiry threshold.
func WithSessionTimeout(d time.Duration) Option {
	return func(o *Opts) { o.SessionTimeout = d }
}

// WithReapInterval sets the idle-session reaper scan interval.
func WithReapInterval(d time.Duration) Option {
	return func(o *Opts) { o.ReapInterval = d }
}

// ChannelOpts selects and configures the outbound messaging transport.
type ChannelOpts struct {
	// Provider is "cloudapi" (default) or "twilio".
	Provider string
	CloudAPI []messaging.CloudAPIOption
	Twilio   []messaging.TwilioOption
}

// Server handles webhook ingress for one running pipeline.
type Server struct {
	orchestrator *session.Orchestrator
	verifyToken  string
}

// NewServer creates a Server around the given orchestrator.
func NewServer(orchestrator *session.Orchestrator, verifyToken string) *Server {
	return &Server{orchestrator: orchestrator, verifyToken: verifyToken}
}

// Handler returns the HTTP routes for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.webhookHandler)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// Run builds every module from its options and serves the webhook until the
// process receives SIGINT or SIGTERM.
func Run(storeOpts []store.Option, genaiOpts []genai.Option, channelOpts ChannelOpts, apiOpts []Option) error {
	cfg := Opts{
		Addr:           DefaultAddr,
		SessionTimeout: session.DefaultSessionTimeout,
		ReapInterval:   session.DefaultReapInterval,
	}
	for _, opt := range apiOpts {
		opt(&cfg)
	}

	st, dialect, err := buildStore(storeOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()

	ai, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize GenAI client: %w", err)
	}

	sender, err := buildSender(channelOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize channel sender: %w", err)
	}
	gateway := messaging.NewLoggedSender(sender, st)

	classifier := intent.NewClassifier(ai)
	queries := querygen.NewGenerator(st, ai, querygen.WithDialect(dialect))
	responder := router.NewRouter(queries)
	orchestrator := session.NewOrchestrator(st, gateway, classifier, responder,
		session.WithSessionTimeout(cfg.SessionTimeout))

	reaper := session.NewReaper(st, gateway,
		session.WithReapTimeout(cfg.SessionTimeout),
		session.WithReapInterval(cfg.ReapInterval))
	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob(fmt.Sprintf("@every %s", reaper.Interval()), func() {
		reaper.Tick(context.Background())
	}); err != nil {
		return fmt.Errorf("failed to schedule session reaper: %w", err)
	}
	slog.Info("Session reaper scheduled", "interval", reaper.Interval(), "timeout", cfg.SessionTimeout)

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: NewServer(orchestrator, cfg.VerifyToken).Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Conversa API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-stop:
		slog.Info("Shutting down on signal", "signal", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// buildStore selects the store backend from the configured DSN, defaulting
// to the in-memory store when none is set. It also reports the SQL dialect
// for query-generation prompts.
func buildStore(storeOpts []store.Option) (store.Store, string, error) {
	var cfg store.Opts
	for _, opt := range storeOpts {
		opt(&cfg)
	}
	switch {
	case cfg.DSN == "":
		slog.Warn("No database DSN configured, using in-memory store; data will not survive restarts")
		return store.NewInMemoryStore(), "SQLite", nil
	case store.DetectDSNType(cfg.DSN) == "postgres":
		st, err := store.NewPostgresStore(storeOpts...)
		if err != nil {
			return nil, "", err
		}
		return st, "PostgreSQL", nil
	default:
		st, err := store.NewSQLiteStore(storeOpts...)
		if err != nil {
			return nil, "", err
		}
		return st, "SQLite", nil
	}
}

// buildSender selects the outbound transport.
func buildSender(opts ChannelOpts) (messaging.Service, error) {
	switch opts.Provider {
	case "", "cloudapi":
		return messaging.NewCloudAPISender(opts.CloudAPI...)
	case "twilio":
		return messaging.NewTwilioSender(opts.Twilio...)
	default:
		return nil, fmt.Errorf("unknown channel provider %q", opts.Provider)
	}
}
