package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers; immediate transactions so conditional
	// writes take the write lock up front and wait on busy_timeout.
	dsn := dbPath +
		"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		guest_user_id TEXT NOT NULL,
		guest_name TEXT NOT NULL,
		guest_email TEXT NOT NULL,
		agent_id TEXT,
		status TEXT NOT NULL CHECK (status IN ('waiting', 'active', 'closed')),
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		assigned_at INTEGER,
		closed_at INTEGER,
		CHECK ((status = 'waiting' AND agent_id IS NULL) OR
		       (status = 'active' AND agent_id IS NOT NULL) OR
		       status = 'closed')
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		sender_party TEXT NOT NULL CHECK (sender_party IN ('guest', 'agent')),
		sender_id TEXT NOT NULL,
		sender_name TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		read_by_guest INTEGER NOT NULL DEFAULT 0,
		read_by_agent INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at, seq);

	CREATE TABLE IF NOT EXISTS agent_presence (
		agent_id TEXT PRIMARY KEY,
		status TEXT NOT NULL CHECK (status IN ('online', 'busy', 'offline')),
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agent_presence_status ON agent_presence(status);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// storeErr wraps err with op, classifying store outages as TransientIO.
func storeErr(op string, err error) error {
	if shared.IsTransientError(err) {
		return domain.WrapError(domain.CodeTransientIO, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *SQLiteStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(op+": begin", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Warn("rollback failed", "op", op, "error", rbErr)
		}
		return storeErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr(op+": commit", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const sessionColumns = `id, guest_user_id, guest_name, guest_email, agent_id, status,
	created_at, updated_at, assigned_at, closed_at`

func scanSession(row rowScanner) (*domain.Session, error) {
	var sess domain.Session
	var agentID sql.NullString
	var status string
	var createdAt, updatedAt int64
	var assignedAt, closedAt sql.NullInt64

	if err := row.Scan(
		&sess.ID, &sess.Guest.UserID, &sess.Guest.Name, &sess.Guest.Email,
		&agentID, &status, &createdAt, &updatedAt, &assignedAt, &closedAt,
	); err != nil {
		return nil, err
	}

	sess.AgentID = agentID.String
	sess.Status = domain.SessionStatus(status)
	sess.CreatedAt = time.Unix(0, createdAt).UTC()
	sess.UpdatedAt = time.Unix(0, updatedAt).UTC()
	sess.AssignedAt = nullTime(assignedAt)
	sess.ClosedAt = nullTime(closedAt)
	return &sess, nil
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func optionalTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

// CreateSession inserts a new session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	query := `
	INSERT INTO sessions (` + sessionColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var agentID any
	if session.AgentID != "" {
		agentID = session.AgentID
	}

	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.Guest.UserID, session.Guest.Name, session.Guest.Email,
		agentID, string(session.Status),
		session.CreatedAt.UnixNano(), session.UpdatedAt.UnixNano(),
		optionalTime(session.AssignedAt), optionalTime(session.ClosedAt),
	)
	if err != nil {
		return storeErr("insert session", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("scan session row", err)
	}
	return sess, nil
}

// ListSessions returns matching sessions, most recently updated first.
func (s *SQLiteStore) ListSessions(ctx context.Context, filter domain.SessionFilter) ([]*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if filter.Status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*filter.Status))
	}
	query += ` ORDER BY updated_at DESC, created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query sessions", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	sessions := make([]*domain.Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, storeErr("scan session row", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate sessions", err)
	}
	return sessions, nil
}

// AssignSession moves a waiting session to active. The WHERE clause is the
// compare-and-set: of two concurrent callers only one can match the row.
func (s *SQLiteStore) AssignSession(ctx context.Context, id, agentID string, at time.Time) (bool, error) {
	query := `
	UPDATE sessions
	SET status = 'active', agent_id = ?, assigned_at = ?, updated_at = MAX(updated_at, ?)
	WHERE id = ? AND status = 'waiting' AND agent_id IS NULL`

	result, err := s.db.ExecContext(ctx, query, agentID, at.UnixNano(), at.UnixNano(), id)
	if err != nil {
		return false, storeErr("assign session", err)
	}
	return affected(result, "assign session")
}

// CloseSession moves a non-closed session to closed.
func (s *SQLiteStore) CloseSession(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `
	UPDATE sessions
	SET status = 'closed', closed_at = ?, updated_at = MAX(updated_at, ?)
	WHERE id = ? AND status != 'closed'`

	result, err := s.db.ExecContext(ctx, query, at.UnixNano(), at.UnixNano(), id)
	if err != nil {
		return false, storeErr("close session", err)
	}
	return affected(result, "close session")
}

func affected(result sql.Result, op string) (bool, error) {
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: get rows affected: %w", op, err)
	}
	return rows > 0, nil
}

// DeleteSession removes a session and its messages.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.withTx(ctx, "delete session", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
		if err != nil {
			return err
		}
		deleted, err = affected(result, "delete session")
		return err
	})
	return deleted, err
}

// DeleteSessionsByStatus removes every session in status with its messages.
func (s *SQLiteStore) DeleteSessionsByStatus(ctx context.Context, status domain.SessionStatus) (int64, error) {
	return s.deleteWhere(ctx, "delete sessions by status", `status = ?`, string(status))
}

// DeleteAllSessions removes every session and message.
func (s *SQLiteStore) DeleteAllSessions(ctx context.Context) (int64, error) {
	return s.deleteWhere(ctx, "delete all sessions", `1 = 1`)
}

// DeleteClosedBefore removes closed sessions last updated before cutoff.
func (s *SQLiteStore) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.deleteWhere(ctx, "delete expired sessions", `status = 'closed' AND updated_at < ?`, cutoff.UnixNano())
}

func (s *SQLiteStore) deleteWhere(ctx context.Context, op, where string, args ...any) (int64, error) {
	var count int64
	err := s.withTx(ctx, op, func(tx *sql.Tx) error {
		msgQuery := `DELETE FROM messages WHERE session_id IN (SELECT id FROM sessions WHERE ` + where + `)`
		if _, err := tx.ExecContext(ctx, msgQuery, args...); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE `+where, args...)
		if err != nil {
			return err
		}
		count, err = result.RowsAffected()
		return err
	})
	return count, err
}

// AppendMessage stores msg if its session exists and is not closed.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.Message) (bool, error) {
	insert := `
	INSERT INTO messages (id, session_id, sender_party, sender_id, sender_name, body,
	                      created_at, read_by_guest, read_by_agent)
	SELECT ?, s.id, ?, ?, ?, ?,
	       MAX(?, COALESCE((SELECT MAX(m.created_at) FROM messages m WHERE m.session_id = s.id), 0)),
	       ?, ?
	FROM sessions s
	WHERE s.id = ? AND s.status != 'closed'
	RETURNING created_at`

	var appended bool
	err := s.withTx(ctx, "append message", func(tx *sql.Tx) error {
		var createdAt int64
		err := tx.QueryRowContext(ctx, insert,
			msg.ID, string(msg.Sender.Party), msg.Sender.ID, msg.Sender.Name, msg.Body,
			msg.CreatedAt.UnixNano(), msg.ReadByGuest, msg.ReadByAgent,
			msg.SessionID,
		).Scan(&createdAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET updated_at = MAX(updated_at, ?) WHERE id = ?`,
			createdAt, msg.SessionID,
		); err != nil {
			return err
		}
		msg.CreatedAt = time.Unix(0, createdAt).UTC()
		appended = true
		return nil
	})
	return appended, err
}

// ListMessages returns the newest limit messages in ascending order.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]*domain.Message, error) {
	query := `
	SELECT id, session_id, sender_party, sender_id, sender_name, body,
	       created_at, read_by_guest, read_by_agent
	FROM (
		SELECT * FROM messages WHERE session_id = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT ?
	)
	ORDER BY created_at ASC, seq ASC`

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, storeErr("query messages", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	messages := make([]*domain.Message, 0)
	for rows.Next() {
		var msg domain.Message
		var party string
		var createdAt int64
		if err := rows.Scan(
			&msg.ID, &msg.SessionID, &party, &msg.Sender.ID, &msg.Sender.Name, &msg.Body,
			&createdAt, &msg.ReadByGuest, &msg.ReadByAgent,
		); err != nil {
			return nil, storeErr("scan message row", err)
		}
		msg.Sender.Party = domain.Party(party)
		msg.CreatedAt = time.Unix(0, createdAt).UTC()
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate messages", err)
	}
	return messages, nil
}

func readColumn(p domain.Party) string {
	if p == domain.PartyGuest {
		return "read_by_guest"
	}
	return "read_by_agent"
}

// MarkRead flags messages authored by the other party as read by reader.
func (s *SQLiteStore) MarkRead(ctx context.Context, sessionID string, reader domain.Party) (int64, error) {
	col := readColumn(reader)
	query := `UPDATE messages SET ` + col + ` = 1
	WHERE session_id = ? AND sender_party = ? AND ` + col + ` = 0`

	result, err := s.db.ExecContext(ctx, query, sessionID, string(reader.Other()))
	if err != nil {
		return 0, storeErr("mark messages read", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark messages read: get rows affected: %w", err)
	}
	return n, nil
}

// CountUnread counts other-party messages not yet read by party.
func (s *SQLiteStore) CountUnread(ctx context.Context, sessionID string, party domain.Party) (int, error) {
	query := `SELECT COUNT(*) FROM messages
	WHERE session_id = ? AND sender_party = ? AND ` + readColumn(party) + ` = 0`

	var n int
	if err := s.db.QueryRowContext(ctx, query, sessionID, string(party.Other())).Scan(&n); err != nil {
		return 0, storeErr("count unread messages", err)
	}
	return n, nil
}

// GetPresence retrieves an agent's presence record.
func (s *SQLiteStore) GetPresence(ctx context.Context, agentID string) (*domain.AgentPresence, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT agent_id, status, updated_at FROM agent_presence WHERE agent_id = ?`, agentID)

	var p domain.AgentPresence
	var status string
	var updatedAt int64
	err := row.Scan(&p.AgentID, &status, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("scan presence row", err)
	}
	p.Status = domain.PresenceStatus(status)
	p.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &p, nil
}

// UpsertPresence creates or replaces an agent's presence record.
func (s *SQLiteStore) UpsertPresence(ctx context.Context, presence *domain.AgentPresence) error {
	query := `
	INSERT INTO agent_presence (agent_id, status, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(agent_id) DO UPDATE SET
		status = excluded.status,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		presence.AgentID, string(presence.Status), presence.UpdatedAt.UnixNano())
	if err != nil {
		return storeErr("upsert presence", err)
	}
	return nil
}

// ListPresence returns presence records in status, ordered by agent ID.
func (s *SQLiteStore) ListPresence(ctx context.Context, status domain.PresenceStatus) ([]*domain.AgentPresence, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, status, updated_at FROM agent_presence WHERE status = ? ORDER BY agent_id`,
		string(status))
	if err != nil {
		return nil, storeErr("query presence", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close presence rows", "error", closeErr)
		}
	}()

	var out []*domain.AgentPresence
	for rows.Next() {
		var p domain.AgentPresence
		var st string
		var updatedAt int64
		if err := rows.Scan(&p.AgentID, &st, &updatedAt); err != nil {
			return nil, storeErr("scan presence row", err)
		}
		p.Status = domain.PresenceStatus(st)
		p.UpdatedAt = time.Unix(0, updatedAt).UTC()
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate presence", err)
	}
	return out, nil
}
