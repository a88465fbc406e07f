// Package memory holds the short- and long-term memory adapters. The
// streaming core itself is stateless across restarts; chat history and
// session metadata live here, behind the /v1/stm surface.
package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Session is one logical conversation.
type Session struct {
	ID        string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	AgentID   string    `json:"agent_id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one stored chat message.
type Message struct {
	ID        string    `json:"message_id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// STMStore persists sessions and chat history in Postgres.
type STMStore struct {
	pool *pgxpool.Pool
}

func NewSTMStore(pool *pgxpool.Pool) *STMStore {
	return &STMStore{pool: pool}
}

// Initialize creates the schema when missing.
func (s *STMStore) Initialize(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			id          UUID PRIMARY KEY,
			user_id     TEXT NOT NULL,
			agent_id    TEXT NOT NULL,
			title       TEXT,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS chat_sessions_user_idx ON chat_sessions (user_id)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id          UUID PRIMARY KEY,
			session_id  UUID NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
			role        TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
			content     TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS chat_messages_session_idx ON chat_messages (session_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("stm schema: %w", err)
		}
	}
	return nil
}

func (s *STMStore) CreateSession(ctx context.Context, userID, agentID, title string) (Session, error) {
	sess := Session{ID: uuid.NewString(), UserID: userID, AgentID: agentID, Title: title}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO chat_sessions (id, user_id, agent_id, title)
		 VALUES ($1, $2, $3, NULLIF($4, ''))
		 RETURNING created_at, updated_at`,
		sess.ID, userID, agentID, title,
	).Scan(&sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *STMStore) GetSession(ctx context.Context, id string) (Session, error) {
	var sess Session
	var title *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, agent_id, title, created_at, updated_at
		 FROM chat_sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &sess.UserID, &sess.AgentID, &title, &sess.CreatedAt, &sess.UpdatedAt)
	if err == pgx.ErrNoRows {
		return Session{}, fmt.Errorf("session %s not found", id)
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	if title != nil {
		sess.Title = *title
	}
	return sess, nil
}

func (s *STMStore) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, agent_id, title, created_at, updated_at
		 FROM chat_sessions WHERE user_id = $1 ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var title *string
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.AgentID, &title, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		if title != nil {
			sess.Title = *title
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *STMStore) DeleteSession(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM chat_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s not found", id)
	}
	return nil
}

func (s *STMStore) AppendMessage(ctx context.Context, sessionID, role, content string) (Message, error) {
	msg := Message{ID: uuid.NewString(), SessionID: sessionID, Role: role, Content: content}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO chat_messages (id, session_id, role, content)
		 VALUES ($1, $2, $3, $4)
		 RETURNING created_at`,
		msg.ID, sessionID, role, content,
	).Scan(&msg.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`UPDATE chat_sessions SET updated_at = now() WHERE id = $1`, sessionID); err != nil {
		return Message{}, fmt.Errorf("touch session: %w", err)
	}
	return msg, nil
}

func (s *STMStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, role, content, created_at
		 FROM chat_messages WHERE session_id = $1
		 ORDER BY created_at ASC LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *STMStore) Healthy(ctx context.Context) (bool, string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.pool.Ping(ctx); err != nil {
		return false, err.Error()
	}
	return true, "ok"
}
