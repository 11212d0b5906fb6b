package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/supportdesk/internal/domain"
)

// MemoryStore is an in-memory Repository. It is NOT persistent and is only
// suitable for development, tests and single-process demos.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
	messages map[string][]*domain.Message
	presence map[string]*domain.AgentPresence
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*domain.Session),
		messages: make(map[string][]*domain.Message),
		presence: make(map[string]*domain.AgentPresence),
	}
}

func cloneSession(s *domain.Session) *domain.Session {
	c := *s
	if s.AssignedAt != nil {
		t := *s.AssignedAt
		c.AssignedAt = &t
	}
	if s.ClosedAt != nil {
		t := *s.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

func cloneMessage(m *domain.Message) *domain.Message {
	c := *m
	return &c
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// CreateSession inserts a new session.
func (s *MemoryStore) CreateSession(_ context.Context, session *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return errors.New("session already exists")
	}
	s.sessions[session.ID] = cloneSession(session)
	return nil
}

// GetSession retrieves a session by ID.
func (s *MemoryStore) GetSession(_ context.Context, id string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return cloneSession(sess), nil
}

// ListSessions returns matching sessions, most recently updated first.
func (s *MemoryStore) ListSessions(_ context.Context, filter domain.SessionFilter) ([]*domain.Session, error) {
	s.mu.RLock()
	out := make([]*domain.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if filter.Matches(sess) {
			out = append(out, cloneSession(sess))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out, nil
}

// AssignSession moves a waiting session to active under the write lock.
func (s *MemoryStore) AssignSession(_ context.Context, id, agentID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || sess.Status != domain.SessionWaiting || sess.AgentID != "" {
		return false, nil
	}
	sess.Status = domain.SessionActive
	sess.AgentID = agentID
	assigned := at
	sess.AssignedAt = &assigned
	sess.UpdatedAt = laterOf(sess.UpdatedAt, at)
	return true, nil
}

// CloseSession moves a non-closed session to closed.
func (s *MemoryStore) CloseSession(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || sess.Status == domain.SessionClosed {
		return false, nil
	}
	sess.Status = domain.SessionClosed
	closed := at
	sess.ClosedAt = &closed
	sess.UpdatedAt = laterOf(sess.UpdatedAt, at)
	return true, nil
}

// DeleteSession removes a session and its messages.
func (s *MemoryStore) DeleteSession(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return false, nil
	}
	delete(s.sessions, id)
	delete(s.messages, id)
	return true, nil
}

func (s *MemoryStore) deleteMatching(match func(*domain.Session) bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, sess := range s.sessions {
		if match(sess) {
			delete(s.sessions, id)
			delete(s.messages, id)
			n++
		}
	}
	return n
}

// DeleteSessionsByStatus removes every session in status with its messages.
func (s *MemoryStore) DeleteSessionsByStatus(_ context.Context, status domain.SessionStatus) (int64, error) {
	return s.deleteMatching(func(sess *domain.Session) bool { return sess.Status == status }), nil
}

// DeleteAllSessions removes every session and message.
func (s *MemoryStore) DeleteAllSessions(_ context.Context) (int64, error) {
	return s.deleteMatching(func(*domain.Session) bool { return true }), nil
}

// DeleteClosedBefore removes closed sessions last updated before cutoff.
func (s *MemoryStore) DeleteClosedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	return s.deleteMatching(func(sess *domain.Session) bool {
		return sess.Status == domain.SessionClosed && sess.UpdatedAt.Before(cutoff)
	}), nil
}

// AppendMessage stores msg if its session exists and is not closed.
func (s *MemoryStore) AppendMessage(_ context.Context, msg *domain.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[msg.SessionID]
	if !ok || sess.Status == domain.SessionClosed {
		return false, nil
	}

	log := s.messages[msg.SessionID]
	if n := len(log); n > 0 {
		msg.CreatedAt = laterOf(msg.CreatedAt, log[n-1].CreatedAt)
	}
	s.messages[msg.SessionID] = append(log, cloneMessage(msg))
	sess.UpdatedAt = laterOf(sess.UpdatedAt, msg.CreatedAt)
	return true, nil
}

// ListMessages returns the newest limit messages in ascending order.
func (s *MemoryStore) ListMessages(_ context.Context, sessionID string, limit int) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*domain.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, cloneMessage(m))
	}
	return out, nil
}

// MarkRead flags messages authored by the other party as read by reader.
func (s *MemoryStore) MarkRead(_ context.Context, sessionID string, reader domain.Party) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, m := range s.messages[sessionID] {
		if m.Sender.Party != reader.Other() || m.ReadBy(reader) {
			continue
		}
		if reader == domain.PartyGuest {
			m.ReadByGuest = true
		} else {
			m.ReadByAgent = true
		}
		n++
	}
	return n, nil
}

// CountUnread counts other-party messages not yet read by party.
func (s *MemoryStore) CountUnread(_ context.Context, sessionID string, party domain.Party) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, m := range s.messages[sessionID] {
		if m.Sender.Party == party.Other() && !m.ReadBy(party) {
			n++
		}
	}
	return n, nil
}

// GetPresence retrieves an agent's presence record.
func (s *MemoryStore) GetPresence(_ context.Context, agentID string) (*domain.AgentPresence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.presence[agentID]
	if !ok {
		return nil, nil
	}
	c := *p
	return &c, nil
}

// UpsertPresence creates or replaces an agent's presence record.
func (s *MemoryStore) UpsertPresence(_ context.Context, presence *domain.AgentPresence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *presence
	s.presence[presence.AgentID] = &c
	return nil
}

// ListPresence returns presence records in status, ordered by agent ID.
func (s *MemoryStore) ListPresence(_ context.Context, status domain.PresenceStatus) ([]*domain.AgentPresence, error) {
	s.mu.RLock()
	var out []*domain.AgentPresence
	for _, p := range s.presence {
		if p.Status == status {
			c := *p
			out = append(out, &c)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

var (
	_ Repository = (*MemoryStore)(nil)
	_ Repository = (*SQLiteStore)(nil)
)
