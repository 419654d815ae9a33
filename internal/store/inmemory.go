// Package store provides storage backends for Conversa.
//
// This file implements an in-memory store used in tests and when no database
// DSN is configured.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conversa-dev/conversa/internal/models"
)

// InMemoryStore is a mutex-guarded Store implementation backed by maps.
type InMemoryStore struct {
	mu         sync.RWMutex
	sessions   map[string]*models.Session
	messages   []models.Message
	businesses map[string]models.Business
	greetings  map[string]models.BusinessGreeting
	schemas    map[string][]Column
	// queryResults and queryErr canned the outcome of ExecuteQuery for tests.
	queryResults []map[string]any
	queryErr     error
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:   make(map[string]*models.Session),
		businesses: make(map[string]models.Business),
		greetings:  make(map[string]models.BusinessGreeting),
		schemas:    make(map[string][]Column),
	}
}

func (s *InMemoryStore) ActiveSession(ctx context.Context, phoneNumber, businessID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.PhoneNumber == phoneNumber && sess.BusinessID == businessID && sess.IsActive && sess.EndedAt == nil {
			copied := *sess
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) CreateSession(ctx context.Context, phoneNumber, businessID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	sess := &models.Session{
		ID:          uuid.NewString(),
		BusinessID:  businessID,
		PhoneNumber: phoneNumber,
		Context:     map[string]any{},
		IsActive:    true,
		StartedAt:   now,
		UpdatedAt:   now,
	}
	s.sessions[sess.ID] = sess
	copied := *sess
	return &copied, nil
}

func (s *InMemoryStore) UpdateSession(ctx context.Context, sessionID, lastMessage string, sessionContext map[string]any) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	sess.LastMessage = lastMessage
	sess.Context = sessionContext
	sess.UpdatedAt = time.Now().UTC()
	copied := *sess
	return &copied, nil
}

func (s *InMemoryStore) CloseSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return models.ErrSessionNotFound
	}
	now := time.Now().UTC()
	sess.IsActive = false
	sess.EndedAt = &now
	sess.UpdatedAt = now
	return nil
}

func (s *InMemoryStore) ExpiredSessions(ctx context.Context, cutoff time.Time) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var expired []models.Session
	for _, sess := range s.sessions {
		if sess.IsActive && sess.EndedAt == nil && !sess.UpdatedAt.After(cutoff) {
			expired = append(expired, *sess)
		}
	}
	return expired, nil
}

func (s *InMemoryStore) LogMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.CreatedAt = time.Now().UTC()
	s.messages = append(s.messages, msg)
	return &msg, nil
}

// Messages returns a snapshot of all logged messages.
func (s *InMemoryStore) Messages() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Sessions returns a snapshot of all sessions, open or closed.
func (s *InMemoryStore) Sessions() []models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	return out
}

func (s *InMemoryStore) Business(ctx context.Context, businessID string) (*models.Business, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.businesses[businessID]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (s *InMemoryStore) BusinessGreeting(ctx context.Context, businessID string) (*models.BusinessGreeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.greetings[businessID]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

// SeedBusiness registers a business profile.
func (s *InMemoryStore) SeedBusiness(b models.Business) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.businesses[b.ID] = b
}

// SeedGreeting registers a business greeting.
func (s *InMemoryStore) SeedGreeting(g models.BusinessGreeting) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.greetings[g.BusinessID] = g
}

// SeedSchema registers schema catalog entries for a table.
func (s *InMemoryStore) SeedSchema(table string, columns []Column) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas[table] = columns
}

// SetQueryResult cans the outcome of the next ExecuteQuery calls.
func (s *InMemoryStore) SetQueryResult(rows []map[string]any, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryResults = rows
	s.queryErr = err
}

func (s *InMemoryStore) TableColumns(ctx context.Context, table string) ([]Column, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schemas[table], nil
}

func (s *InMemoryStore) ExecuteQuery(ctx context.Context, query string) ([]map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	return s.queryResults, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
