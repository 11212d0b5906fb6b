// Package domain contains core domain types for the support desk.
package domain

import (
	"net/mail"
	"strings"
	"time"
)

// SessionStatus is the lifecycle state of a chat session.
type SessionStatus string

const (
	// SessionWaiting is the initial state: a guest is waiting for an agent.
	SessionWaiting SessionStatus = "waiting"
	// SessionActive means exactly one agent has taken the chat.
	SessionActive SessionStatus = "active"
	// SessionClosed is terminal.
	SessionClosed SessionStatus = "closed"
)

// Valid reports whether s is one of the known statuses.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionWaiting, SessionActive, SessionClosed:
		return true
	}
	return false
}

// ParseSessionStatus converts a raw filter value into a SessionStatus.
func ParseSessionStatus(raw string) (SessionStatus, error) {
	s := SessionStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", NewError(CodeInvalidInput, "unknown session status "+raw)
	}
	return s, nil
}

// GuestIdentity identifies the guest who opened a session.
type GuestIdentity struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
}

// Validate checks that every field is present and the email is well formed.
func (g GuestIdentity) Validate() error {
	switch {
	case strings.TrimSpace(g.UserID) == "":
		return NewError(CodeInvalidInput, "guest user id is required")
	case strings.TrimSpace(g.Name) == "":
		return NewError(CodeInvalidInput, "guest name is required")
	case strings.TrimSpace(g.Email) == "":
		return NewError(CodeInvalidInput, "guest email is required")
	}
	if _, err := mail.ParseAddress(g.Email); err != nil {
		return WrapError(CodeInvalidInput, "guest email is malformed", err)
	}
	return nil
}

// Session links a guest to zero or one assigned agent.
type Session struct {
	ID         string        `json:"id"`
	Guest      GuestIdentity `json:"guest"`
	AgentID    string        `json:"agent_id,omitempty"`
	Status     SessionStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	AssignedAt *time.Time    `json:"assigned_at,omitempty"`
	ClosedAt   *time.Time    `json:"closed_at,omitempty"`
}

// Valid reports whether the status/agent invariant holds:
// active sessions have an agent and waiting sessions do not.
func (s *Session) Valid() bool {
	switch s.Status {
	case SessionWaiting:
		return s.AgentID == ""
	case SessionActive:
		return s.AgentID != ""
	case SessionClosed:
		return true
	}
	return false
}

// IsClosed returns true once the session reached its terminal state.
func (s *Session) IsClosed() bool {
	return s.Status == SessionClosed
}

// AssignedTo reports whether agentID currently owns the session.
func (s *Session) AssignedTo(agentID string) bool {
	return s.Status == SessionActive && agentID != "" && s.AgentID == agentID
}

// SessionFilter narrows a session listing.
type SessionFilter struct {
	Status *SessionStatus
}

// StatusFilter returns a filter matching a single status.
func StatusFilter(s SessionStatus) SessionFilter {
	return SessionFilter{Status: &s}
}

// Matches reports whether the session passes the filter.
func (f SessionFilter) Matches(s *Session) bool {
	return f.Status == nil || s.Status == *f.Status
}
