package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertConversation creates or updates a conversation row. An empty
// sessionID clears the stored session token (used when a resume is rejected
// and the coordinator falls back to a fresh session).
func (s *Store) UpsertConversation(ctx context.Context, name, sessionID, cwd string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (name, session_id, cwd, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			session_id = excluded.session_id,
			cwd = excluded.cwd;
	`, name, nullString(sessionID), nullString(cwd), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

// GetConversation returns the conversation row, or nil when none exists.
func (s *Store) GetConversation(ctx context.Context, name string) (*Conversation, error) {
	var conv Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT name, COALESCE(session_id, ''), COALESCE(cwd, ''), created_at
		FROM conversations
		WHERE name = ?;
	`, name).Scan(&conv.Name, &conv.SessionID, &conv.CWD, &conv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &conv, nil
}

func (s *Store) ListConversations(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, COALESCE(session_id, ''), COALESCE(cwd, ''), created_at
		FROM conversations
		ORDER BY created_at DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var conv Conversation
		if err := rows.Scan(&conv.Name, &conv.SessionID, &conv.CWD, &conv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation rows: %w", err)
	}
	return out, nil
}
