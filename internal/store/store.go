// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/supportdesk/internal/domain"
)

// Repository is the data collaborator behind the coordination core. Every
// conditional write is a single atomic operation so concurrent dashboards
// cannot interleave between the check and the update.
//
// Lookups return (nil, nil) when the record does not exist.
type Repository interface {
	// CreateSession inserts a new session.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session by ID.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// ListSessions returns matching sessions, most recently updated first.
	ListSessions(ctx context.Context, filter domain.SessionFilter) ([]*domain.Session, error)

	// AssignSession moves a waiting session to active for agentID.
	// It reports false when the session is missing or no longer waiting.
	AssignSession(ctx context.Context, id, agentID string, at time.Time) (bool, error)

	// CloseSession moves a non-closed session to closed.
	// It reports false when the session is missing or already closed.
	CloseSession(ctx context.Context, id string, at time.Time) (bool, error)

	// DeleteSession removes a session and its messages.
	DeleteSession(ctx context.Context, id string) (bool, error)

	// DeleteSessionsByStatus removes every session in status with its messages.
	DeleteSessionsByStatus(ctx context.Context, status domain.SessionStatus) (int64, error)

	// DeleteAllSessions removes every session and message.
	DeleteAllSessions(ctx context.Context) (int64, error)

	// DeleteClosedBefore removes closed sessions last updated before cutoff.
	DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// AppendMessage stores msg if its session exists and is not closed, and
	// bumps the session's updated_at. msg.CreatedAt is clamped so it never
	// precedes the newest message already in the session.
	AppendMessage(ctx context.Context, msg *domain.Message) (bool, error)

	// ListMessages returns the newest limit messages in ascending order.
	ListMessages(ctx context.Context, sessionID string, limit int) ([]*domain.Message, error)

	// MarkRead flags messages authored by the other party as read by reader.
	MarkRead(ctx context.Context, sessionID string, reader domain.Party) (int64, error)

	// CountUnread counts other-party messages not yet read by party.
	CountUnread(ctx context.Context, sessionID string, party domain.Party) (int, error)

	// GetPresence retrieves an agent's presence record.
	GetPresence(ctx context.Context, agentID string) (*domain.AgentPresence, error)

	// UpsertPresence creates or replaces an agent's presence record.
	UpsertPresence(ctx context.Context, presence *domain.AgentPresence) error

	// ListPresence returns presence records in status, ordered by agent ID.
	ListPresence(ctx context.Context, status domain.PresenceStatus) ([]*domain.AgentPresence, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// New opens the backend selected by name ("sqlite" or "memory").
func New(backend, dbPath string) (Repository, error) {
	switch backend {
	case "memory":
		return NewMemory(), nil
	default:
		s, err := NewSQLite(dbPath)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}
