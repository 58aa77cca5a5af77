// Package memory provides an in-memory storage implementation for usage data.
package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/fidde/otlp_usage_tracker/pkg/models"
)

// Store is an in-memory store with the same semantics as the SQLite store.
// A single mutex guards all rows, so every accumulation is atomic.
type Store struct {
	mu sync.RWMutex

	// sessions: session id -> row
	sessions map[string]*models.Session

	// messages: message id -> row
	messages map[string]*models.Message

	// metrics in insertion order
	metrics []*models.RawMetric
	nextID  int64
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		sessions: make(map[string]*models.Session),
		messages: make(map[string]*models.Message),
		nextID:   1,
	}
}

// UpsertSession creates the session if it does not exist, otherwise it only
// refreshes last_seen.
func (s *Store) UpsertSession(ctx context.Context, id models.SessionIdentity, seen time.Time) error {
	if id.SessionID == "" {
		return models.ErrMissingSessionID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[id.SessionID]; ok {
		existing.LastSeen = seen
		return nil
	}
	s.sessions[id.SessionID] = &models.Session{
		SessionID: id.SessionID,
		UserID:    models.NullableString(id.UserID),
		UserEmail: models.NullableString(id.UserEmail),
		OrgID:     models.NullableString(id.OrgID),
		Model:     models.NullableString(id.Model),
		FirstSeen: seen,
		LastSeen:  seen,
	}
	return nil
}

// AccumulateSession adds delta to an existing session.
func (s *Store) AccumulateSession(ctx context.Context, sessionID string, delta models.UsageDelta, seen time.Time) error {
	if sessionID == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[sessionID]; ok {
		existing.Apply(delta)
		existing.LastSeen = seen
	}
	return nil
}

// GetSession returns a copy of the session row.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, models.ErrNotFound)
	}
	cp := *session
	return &cp, nil
}

// ListSessions returns sessions ordered by last_seen, most recent first.
func (s *Store) ListSessions(ctx context.Context, filter models.SessionFilter) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]*models.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		if filter.UserID != "" && models.StringValue(session.UserID) != filter.UserID {
			continue
		}
		if filter.OrgID != "" && models.StringValue(session.OrgID) != filter.OrgID {
			continue
		}
		cp := *session
		sessions = append(sessions, &cp)
	}

	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].LastSeen.Equal(sessions[j].LastSeen) {
			return sessions[i].LastSeen.After(sessions[j].LastSeen)
		}
		return sessions[i].SessionID < sessions[j].SessionID
	})

	return paginate(sessions, filter.Offset, filter.Limit), nil
}

// UpsertMessage inserts the message or adds delta to the existing row,
// filling identity fields that are still unset.
func (s *Store) UpsertMessage(ctx context.Context, id models.MessageIdentity, delta models.UsageDelta, ts time.Time) error {
	if id.MessageID == "" {
		return models.ErrMissingMessageID
	}
	if id.SessionID == "" {
		return models.ErrMissingSessionID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.messages[id.MessageID]
	if !ok {
		if _, known := s.sessions[id.SessionID]; !known {
			return fmt.Errorf("message %s references session %s: %w", id.MessageID, id.SessionID, models.ErrNotFound)
		}
		msg := &models.Message{
			MessageID:      id.MessageID,
			SessionID:      id.SessionID,
			ConversationID: models.NullableString(id.ConversationID),
			Role:           models.NullableString(id.Role),
			Model:          models.NullableString(id.Model),
			Timestamp:      ts,
		}
		msg.Apply(delta)
		s.messages[id.MessageID] = msg
		return nil
	}

	existing.Apply(delta)
	fill(&existing.ConversationID, id.ConversationID)
	fill(&existing.Role, id.Role)
	fill(&existing.Model, id.Model)
	return nil
}

// AccumulateMessageTokens adds delta to an existing message.
func (s *Store) AccumulateMessageTokens(ctx context.Context, messageID string, delta models.UsageDelta) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.messages[messageID]
	if !ok {
		return false, nil
	}
	existing.Apply(delta)
	return true, nil
}

// GetMessage returns a copy of the message row.
func (s *Store) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[messageID]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
	}
	cp := *msg
	return &cp, nil
}

// ListMessages returns the messages of a session, oldest first.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages := []*models.Message{}
	for _, msg := range s.messages {
		if msg.SessionID != sessionID {
			continue
		}
		cp := *msg
		messages = append(messages, &cp)
	}

	sort.Slice(messages, func(i, j int) bool {
		if !messages[i].Timestamp.Equal(messages[j].Timestamp) {
			return messages[i].Timestamp.Before(messages[j].Timestamp)
		}
		return messages[i].MessageID < messages[j].MessageID
	})

	return messages, nil
}

// RecordMetric appends a raw metric row.
func (s *Store) RecordMetric(ctx context.Context, metric *models.RawMetric) error {
	if metric == nil {
		return errors.New("metric cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *metric
	cp.ID = s.nextID
	cp.Labels = maps.Clone(metric.Labels)
	s.nextID++
	s.metrics = append(s.metrics, &cp)
	return nil
}

// ListMetrics returns raw metrics, newest first.
func (s *Store) ListMetrics(ctx context.Context, filter models.MetricFilter) ([]*models.RawMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metrics := []*models.RawMetric{}
	for i := len(s.metrics) - 1; i >= 0; i-- {
		m := s.metrics[i]
		if filter.SessionID != "" && models.StringValue(m.SessionID) != filter.SessionID {
			continue
		}
		if filter.MetricName != "" && m.MetricName != filter.MetricName {
			continue
		}
		cp := *m
		cp.Labels = maps.Clone(m.Labels)
		metrics = append(metrics, &cp)
		if filter.Limit > 0 && len(metrics) == filter.Limit {
			break
		}
	}
	return metrics, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

func fill(field **string, value string) {
	if *field == nil && value != "" {
		*field = &value
	}
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	if offset > 0 {
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
