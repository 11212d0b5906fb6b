// Package coordination is the entry point dashboards and the HTTP API use to
// read and mutate sessions, messages and agent presence.
package coordination

import (
	"context"
	"log/slog"

	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/message"
	"github.com/ashureev/supportdesk/internal/presence"
	"github.com/ashureev/supportdesk/internal/session"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "supportdesk/coordination"

// ReadMode tells a read whether it was triggered by the user or by a
// scheduled poll.
type ReadMode int

const (
	// InitialLoad is a read the user is waiting on; failures must be shown.
	InitialLoad ReadMode = iota
	// BackgroundRefresh is a scheduled poll; callers may keep stale data on failure.
	BackgroundRefresh
)

// Background reports whether m is a background refresh.
func (m ReadMode) Background() bool { return m == BackgroundRefresh }

// ModeFor maps a background flag to a ReadMode.
func ModeFor(background bool) ReadMode {
	if background {
		return BackgroundRefresh
	}
	return InitialLoad
}

func (m ReadMode) String() string {
	if m == BackgroundRefresh {
		return "background"
	}
	return "initial"
}

// Topic names a class of data that changed after a write.
type Topic string

const (
	TopicSessions Topic = "sessions"
	TopicMessages Topic = "messages"
	TopicPresence Topic = "presence"
)

// Notifier is told about successful writes so open views can re-read
// without waiting for their next tick.
type Notifier interface {
	Changed(topic Topic, sessionID string)
}

type nopNotifier struct{}

func (nopNotifier) Changed(Topic, string) {}

// Service combines the session registry, message log and presence store and
// enforces who may do what.
type Service struct {
	sessions *session.Registry
	messages *message.Log
	presence *presence.Store
	notifier Notifier
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewService wires the coordination service.
func NewService(sessions *session.Registry, messages *message.Log, presence *presence.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		sessions: sessions,
		messages: messages,
		presence: presence,
		notifier: nopNotifier{},
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
	}
}

// SetNotifier registers the receiver of change notifications.
func (s *Service) SetNotifier(n Notifier) {
	if n == nil {
		n = nopNotifier{}
	}
	s.notifier = n
}

func (s *Service) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "coordination."+op, trace.WithAttributes(attrs...))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(domain.CodeOf(err)))
	}
	span.End()
}

// readFailed logs a failed read according to mode. The error is always
// returned to the caller; only the log level differs.
func (s *Service) readFailed(op string, mode ReadMode, err error) {
	if mode.Background() {
		s.logger.Debug("background read failed", "op", op, "error", err)
		return
	}
	s.logger.Warn("read failed", "op", op, "error", err)
}

func forbidden(msg string) error {
	return domain.NewError(domain.CodeForbidden, msg)
}

// ListSessions returns sessions matching filter, most recently active first.
func (s *Service) ListSessions(ctx context.Context, filter domain.SessionFilter, mode ReadMode) (_ []*domain.Session, err error) {
	ctx, span := s.start(ctx, "ListSessions", attribute.String("read_mode", mode.String()))
	defer func() { finish(span, err) }()

	list, err := s.sessions.List(ctx, filter)
	if err != nil {
		s.readFailed("list sessions", mode, err)
		return nil, err
	}
	return list, nil
}

// GetSession returns one session.
func (s *Service) GetSession(ctx context.Context, id string) (_ *domain.Session, err error) {
	ctx, span := s.start(ctx, "GetSession", attribute.String("session_id", id))
	defer func() { finish(span, err) }()

	return s.sessions.Get(ctx, id)
}

// ListMessages returns the newest messages of a session in ascending order.
func (s *Service) ListMessages(ctx context.Context, sessionID string, limit int, mode ReadMode) (_ []*domain.Message, err error) {
	ctx, span := s.start(ctx, "ListMessages",
		attribute.String("session_id", sessionID),
		attribute.String("read_mode", mode.String()))
	defer func() { finish(span, err) }()

	msgs, err := s.messages.ListBySession(ctx, sessionID, limit)
	if err != nil {
		s.readFailed("list messages", mode, err)
		return nil, err
	}
	return msgs, nil
}

// CountUnread counts messages in a session not yet read by party.
func (s *Service) CountUnread(ctx context.Context, sessionID string, party domain.Party) (_ int, err error) {
	ctx, span := s.start(ctx, "CountUnread", attribute.String("session_id", sessionID))
	defer func() { finish(span, err) }()

	return s.messages.CountUnread(ctx, sessionID, party)
}

// GetPresence returns an agent's presence record.
func (s *Service) GetPresence(ctx context.Context, agentID string, mode ReadMode) (_ *domain.AgentPresence, err error) {
	ctx, span := s.start(ctx, "GetPresence",
		attribute.String("agent_id", agentID),
		attribute.String("read_mode", mode.String()))
	defer func() { finish(span, err) }()

	p, err := s.presence.Get(ctx, agentID)
	if err != nil {
		s.readFailed("get presence", mode, err)
		return nil, err
	}
	return p, nil
}

// ListOnline returns the ids of agents currently online.
func (s *Service) ListOnline(ctx context.Context, mode ReadMode) (_ []string, err error) {
	ctx, span := s.start(ctx, "ListOnline", attribute.String("read_mode", mode.String()))
	defer func() { finish(span, err) }()

	ids, err := s.presence.ListOnline(ctx)
	if err != nil {
		s.readFailed("list online agents", mode, err)
		return nil, err
	}
	return ids, nil
}

// CreateSession opens a waiting session for a guest.
func (s *Service) CreateSession(ctx context.Context, guest domain.GuestIdentity) (_ *domain.Session, err error) {
	ctx, span := s.start(ctx, "CreateSession")
	defer func() { finish(span, err) }()

	sess, err := s.sessions.Create(ctx, guest)
	if err != nil {
		return nil, err
	}
	s.notifier.Changed(TopicSessions, sess.ID)
	return sess, nil
}

// TakeChat assigns a waiting session to the calling agent.
func (s *Service) TakeChat(ctx context.Context, actor domain.Actor, sessionID string) (_ *domain.Session, err error) {
	ctx, span := s.start(ctx, "TakeChat",
		attribute.String("session_id", sessionID),
		attribute.String("agent_id", actor.ID))
	defer func() { finish(span, err) }()

	if !actor.IsAgent() {
		return nil, forbidden("only agents can take chats")
	}
	sess, err := s.sessions.Assign(ctx, sessionID, actor.ID)
	if err != nil {
		return nil, err
	}
	s.notifier.Changed(TopicSessions, sessionID)
	return sess, nil
}

// Send appends a message from sender. Once a session is active only its
// assigned agent may write as an agent, and a guest may only write to their
// own session. Sending to a closed session fails with SessionClosed.
func (s *Service) Send(ctx context.Context, sessionID string, sender domain.Sender, body string) (_ *domain.Message, err error) {
	ctx, span := s.start(ctx, "Send",
		attribute.String("session_id", sessionID),
		attribute.String("party", string(sender.Party)))
	defer func() { finish(span, err) }()

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.IsClosed() {
		return nil, domain.WithDetail(domain.CodeSessionClosed, "cannot send to a closed session",
			map[string]string{"id": sessionID})
	}

	switch sender.Party {
	case domain.PartyAgent:
		if sess.Status != domain.SessionActive || !sess.AssignedTo(sender.ID) {
			return nil, forbidden("session is not assigned to this agent")
		}
	case domain.PartyGuest:
		if sess.Guest.UserID != sender.ID {
			return nil, forbidden("session belongs to another guest")
		}
	default:
		return nil, domain.NewError(domain.CodeInvalidInput, "unknown sender party "+string(sender.Party))
	}

	msg, err := s.messages.Append(ctx, sessionID, sender, body)
	if err != nil {
		return nil, err
	}
	s.notifier.Changed(TopicMessages, sessionID)
	s.notifier.Changed(TopicSessions, sessionID)
	return msg, nil
}

// CloseSession ends a session. Any agent may close; a guest may close only
// their own session. Closing twice is not an error.
func (s *Service) CloseSession(ctx context.Context, actor domain.Actor, sessionID string) (_ *domain.Session, err error) {
	ctx, span := s.start(ctx, "CloseSession", attribute.String("session_id", sessionID))
	defer func() { finish(span, err) }()

	if actor.Party == domain.PartyGuest {
		sess, err := s.sessions.Get(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if sess.Guest.UserID != actor.ID {
			return nil, forbidden("session belongs to another guest")
		}
	} else if !actor.IsAgent() {
		return nil, forbidden("unidentified caller")
	}

	sess, err := s.sessions.Close(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.notifier.Changed(TopicSessions, sessionID)
	return sess, nil
}

// DeleteSession hard-deletes a session and its messages. Admin only.
func (s *Service) DeleteSession(ctx context.Context, actor domain.Actor, sessionID string) (err error) {
	ctx, span := s.start(ctx, "DeleteSession", attribute.String("session_id", sessionID))
	defer func() { finish(span, err) }()

	if !actor.IsAdmin() {
		return forbidden("deleting sessions requires an admin")
	}
	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		return err
	}
	s.notifier.Changed(TopicSessions, sessionID)
	return nil
}

// DeleteAllClosed removes every closed session. Admin only.
func (s *Service) DeleteAllClosed(ctx context.Context, actor domain.Actor) (_ int64, err error) {
	ctx, span := s.start(ctx, "DeleteAllClosed")
	defer func() { finish(span, err) }()

	if !actor.IsAdmin() {
		return 0, forbidden("bulk delete requires an admin")
	}
	n, err := s.sessions.DeleteAllClosed(ctx)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int64("count", n))
	s.logger.Info("bulk delete of closed sessions", "actor_id", actor.ID, "count", n)
	s.notifier.Changed(TopicSessions, "")
	return n, nil
}

// DeleteAll removes every session regardless of status. Admin only; the
// caller is expected to have confirmed the action.
func (s *Service) DeleteAll(ctx context.Context, actor domain.Actor) (_ int64, err error) {
	ctx, span := s.start(ctx, "DeleteAll")
	defer func() { finish(span, err) }()

	if !actor.IsAdmin() {
		return 0, forbidden("bulk delete requires an admin")
	}
	n, err := s.sessions.DeleteAll(ctx)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int64("count", n))
	s.logger.Warn("bulk delete of all sessions", "actor_id", actor.ID, "count", n)
	s.notifier.Changed(TopicSessions, "")
	return n, nil
}

// MarkRead marks the other party's messages in a session as read by actor.
func (s *Service) MarkRead(ctx context.Context, actor domain.Actor, sessionID string) (_ int64, err error) {
	ctx, span := s.start(ctx, "MarkRead", attribute.String("session_id", sessionID))
	defer func() { finish(span, err) }()

	if actor.Party == domain.PartyGuest {
		sess, err := s.sessions.Get(ctx, sessionID)
		if err != nil {
			return 0, err
		}
		if sess.Guest.UserID != actor.ID {
			return 0, forbidden("session belongs to another guest")
		}
	}

	n, err := s.messages.MarkRead(ctx, sessionID, actor.Party)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.notifier.Changed(TopicMessages, sessionID)
	}
	return n, nil
}

func (s *Service) canEditPresence(actor domain.Actor, agentID string) bool {
	return actor.IsAdmin() || (actor.IsAgent() && actor.ID == agentID)
}

// SetPresence sets an agent's status. Agents may only change their own
// status unless the actor is an admin.
func (s *Service) SetPresence(ctx context.Context, actor domain.Actor, agentID string, status domain.PresenceStatus) (_ *domain.AgentPresence, err error) {
	ctx, span := s.start(ctx, "SetPresence",
		attribute.String("agent_id", agentID),
		attribute.String("status", string(status)))
	defer func() { finish(span, err) }()

	if !s.canEditPresence(actor, agentID) {
		return nil, forbidden("cannot change another agent's presence")
	}
	p, err := s.presence.SetStatus(ctx, agentID, status)
	if err != nil {
		return nil, err
	}
	s.notifier.Changed(TopicPresence, "")
	return p, nil
}

// CyclePresence advances an agent through offline, online and busy.
func (s *Service) CyclePresence(ctx context.Context, actor domain.Actor, agentID string) (_ *domain.AgentPresence, err error) {
	ctx, span := s.start(ctx, "CyclePresence", attribute.String("agent_id", agentID))
	defer func() { finish(span, err) }()

	if !s.canEditPresence(actor, agentID) {
		return nil, forbidden("cannot change another agent's presence")
	}
	p, err := s.presence.CycleStatus(ctx, agentID)
	if err != nil {
		return nil, err
	}
	s.notifier.Changed(TopicPresence, "")
	return p, nil
}
