// Package session owns the lifecycle of support chat sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/store"
	"github.com/google/uuid"
)

// Registry creates, assigns, closes and deletes sessions.
type Registry struct {
	repo   store.Repository
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) { r.newID = fn }
}

// NewRegistry creates a session registry backed by repo.
func NewRegistry(repo store.Repository, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		repo:   repo,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create opens a new waiting session for guest.
func (r *Registry) Create(ctx context.Context, guest domain.GuestIdentity) (*domain.Session, error) {
	if err := guest.Validate(); err != nil {
		return nil, err
	}

	now := r.now()
	sess := &domain.Session{
		ID:        r.newID(),
		Guest:     guest,
		Status:    domain.SessionWaiting,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.repo.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	r.logger.Info("session created", "session_id", sess.ID, "guest_id", guest.UserID)
	return sess, nil
}

// Get returns the session with id.
func (r *Registry) Get(ctx context.Context, id string) (*domain.Session, error) {
	sess, err := r.repo.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess == nil {
		return nil, domain.NotFound("session", id)
	}
	return sess, nil
}

// List returns sessions matching filter, most recently updated first.
func (r *Registry) List(ctx context.Context, filter domain.SessionFilter) ([]*domain.Session, error) {
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, domain.NewError(domain.CodeInvalidInput, "unknown session status "+string(*filter.Status))
	}
	sessions, err := r.repo.ListSessions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// Assign hands a waiting session to agentID. Of several concurrent callers
// exactly one succeeds; the others get InvalidTransition.
//
// A session deleted between the assignment and the re-read reports NotFound
// even to the winning caller: there is no longer a chat to take.
func (r *Registry) Assign(ctx context.Context, id, agentID string) (*domain.Session, error) {
	if agentID == "" {
		return nil, domain.NewError(domain.CodeInvalidInput, "agent id is required")
	}

	ok, err := r.repo.AssignSession(ctx, id, agentID, r.now())
	if err != nil {
		return nil, fmt.Errorf("assign session: %w", err)
	}

	sess, err := r.Get(ctx, id)
	if err != nil {
		if ok && errors.Is(err, domain.ErrNotFound) {
			r.logger.Warn("session deleted right after assignment", "session_id", id, "agent_id", agentID)
		}
		return nil, err
	}
	if !ok {
		return nil, domain.WithDetail(domain.CodeInvalidTransition,
			"session cannot be assigned from status "+string(sess.Status),
			map[string]string{"id": id, "status": string(sess.Status), "agent_id": sess.AgentID})
	}

	r.logger.Info("session assigned", "session_id", id, "agent_id", agentID)
	return sess, nil
}

// Close ends a session. Closing an already closed session is a no-op that
// returns the current record.
func (r *Registry) Close(ctx context.Context, id string) (*domain.Session, error) {
	ok, err := r.repo.CloseSession(ctx, id, r.now())
	if err != nil {
		return nil, fmt.Errorf("close session: %w", err)
	}

	sess, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ok {
		r.logger.Info("session closed", "session_id", id)
	}
	return sess, nil
}

// Delete removes a session and its messages.
func (r *Registry) Delete(ctx context.Context, id string) error {
	ok, err := r.repo.DeleteSession(ctx, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if !ok {
		return domain.NotFound("session", id)
	}
	r.logger.Info("session deleted", "session_id", id)
	return nil
}

// DeleteAllClosed removes every closed session and reports how many.
func (r *Registry) DeleteAllClosed(ctx context.Context) (int64, error) {
	n, err := r.repo.DeleteSessionsByStatus(ctx, domain.SessionClosed)
	if err != nil {
		return 0, fmt.Errorf("delete closed sessions: %w", err)
	}
	r.logger.Info("closed sessions deleted", "count", n)
	return n, nil
}

// DeleteAll removes every session regardless of status.
func (r *Registry) DeleteAll(ctx context.Context) (int64, error) {
	n, err := r.repo.DeleteAllSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete all sessions: %w", err)
	}
	r.logger.Warn("all sessions deleted", "count", n)
	return n, nil
}

// DeleteClosedBefore removes closed sessions whose last activity precedes cutoff.
func (r *Registry) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := r.repo.DeleteClosedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	if n > 0 {
		r.logger.Info("expired sessions deleted", "count", n, "cutoff", cutoff)
	}
	return n, nil
}
