// Package message implements the per-session chat message log.
package message

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/store"
	"github.com/google/uuid"
)

const (
	// DefaultHistoryLimit is the page size used when the caller passes no limit.
	DefaultHistoryLimit = 100
	// MaxHistoryLimit bounds a single history read.
	MaxHistoryLimit = 500
)

// Log appends and reads chat messages.
type Log struct {
	repo         store.Repository
	logger       *slog.Logger
	now          func() time.Time
	defaultLimit int
}

// NewLog creates a message log. A non-positive defaultLimit falls back to
// DefaultHistoryLimit.
func NewLog(repo store.Repository, logger *slog.Logger, defaultLimit int) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultLimit <= 0 || defaultLimit > MaxHistoryLimit {
		defaultLimit = DefaultHistoryLimit
	}
	return &Log{
		repo:         repo,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		defaultLimit: defaultLimit,
	}
}

// SetClock overrides the time source. Intended for tests.
func (l *Log) SetClock(now func() time.Time) {
	l.now = now
}

// Append records a message from sender. It fails with SessionClosed once the
// session is closed, even if the close raced with this call.
func (l *Log) Append(ctx context.Context, sessionID string, sender domain.Sender, body string) (*domain.Message, error) {
	if !sender.Party.Valid() {
		return nil, domain.NewError(domain.CodeInvalidInput, "unknown sender party "+string(sender.Party))
	}
	if sender.ID == "" {
		return nil, domain.NewError(domain.CodeInvalidInput, "sender id is required")
	}
	if err := domain.ValidateBody(body); err != nil {
		return nil, err
	}

	msg := &domain.Message{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Sender:      sender,
		Body:        body,
		CreatedAt:   l.now(),
		ReadByGuest: sender.Party == domain.PartyGuest,
		ReadByAgent: sender.Party == domain.PartyAgent,
	}

	ok, err := l.repo.AppendMessage(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	if !ok {
		return nil, l.refusal(ctx, sessionID)
	}

	l.logger.Debug("message appended",
		"session_id", sessionID,
		"message_id", msg.ID,
		"party", sender.Party)
	return msg, nil
}

// refusal explains why the store declined an append.
func (l *Log) refusal(ctx context.Context, sessionID string) error {
	sess, err := l.repo.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	if sess == nil {
		return domain.NotFound("session", sessionID)
	}
	return domain.WithDetail(domain.CodeSessionClosed, "session is closed",
		map[string]string{"id": sessionID})
}

// ListBySession returns up to limit of the newest messages in ascending
// order. limit <= 0 uses the configured default.
func (l *Log) ListBySession(ctx context.Context, sessionID string, limit int) ([]*domain.Message, error) {
	if err := l.requireSession(ctx, sessionID); err != nil {
		return nil, err
	}

	msgs, err := l.repo.ListMessages(ctx, sessionID, l.clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

func (l *Log) clampLimit(limit int) int {
	if limit <= 0 {
		return l.defaultLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

// MarkRead flags the other party's messages as read by reader. It is
// idempotent and returns how many messages changed.
func (l *Log) MarkRead(ctx context.Context, sessionID string, reader domain.Party) (int64, error) {
	if !reader.Valid() {
		return 0, domain.NewError(domain.CodeInvalidInput, "unknown reader party "+string(reader))
	}
	if err := l.requireSession(ctx, sessionID); err != nil {
		return 0, err
	}

	n, err := l.repo.MarkRead(ctx, sessionID, reader)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return n, nil
}

// CountUnread counts messages in the session that party has not read yet.
func (l *Log) CountUnread(ctx context.Context, sessionID string, party domain.Party) (int, error) {
	if !party.Valid() {
		return 0, domain.NewError(domain.CodeInvalidInput, "unknown party "+string(party))
	}
	if err := l.requireSession(ctx, sessionID); err != nil {
		return 0, err
	}

	n, err := l.repo.CountUnread(ctx, sessionID, party)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

func (l *Log) requireSession(ctx context.Context, sessionID string) error {
	sess, err := l.repo.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if sess == nil {
		return domain.NotFound("session", sessionID)
	}
	return nil
}
