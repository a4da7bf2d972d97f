package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/agentplane/agentplane/pkg/llms"
)

func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	sess.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, owner_id, entity_type, entity_id, title, total_input_tokens, total_output_tokens, memory_processed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.OwnerID, sess.EntityType, sess.EntityID, sess.Title,
		sess.TotalInputTokens, sess.TotalOutputTokens, sess.MemoryProcessed, sess.CreatedAt)
	return err
}

func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, entity_type, entity_id, title, total_input_tokens, total_output_tokens, memory_processed, created_at
		 FROM sessions WHERE id = ?`, id)
	var sess Session
	err := row.Scan(&sess.ID, &sess.OwnerID, &sess.EntityType, &sess.EntityID, &sess.Title,
		&sess.TotalInputTokens, &sess.TotalOutputTokens, &sess.MemoryProcessed, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Store) ListSessions(ctx context.Context, ownerID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, entity_type, entity_id, title, total_input_tokens, total_output_tokens, memory_processed, created_at
		 FROM sessions WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.OwnerID, &sess.EntityType, &sess.EntityID, &sess.Title,
			&sess.TotalInputTokens, &sess.TotalOutputTokens, &sess.MemoryProcessed, &sess.CreatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// DeleteSession removes the session and its dependent rows. Callers run the
// final memory reflection before calling this.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM messages WHERE session_id = ?`,
		`DELETE FROM attachments WHERE session_id = ?`,
		`DELETE FROM trace_spans WHERE session_id = ?`,
		`DELETE FROM hitl_approvals WHERE session_id = ?`,
		`DELETE FROM tool_proposals WHERE session_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// AddSessionTokens accumulates token usage on the session row.
func (s *Store) AddSessionTokens(ctx context.Context, id string, input, output int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET total_input_tokens = total_input_tokens + ?, total_output_tokens = total_output_tokens + ?
		 WHERE id = ?`, input, output, id)
	return err
}

func (s *Store) SetMemoryProcessed(ctx context.Context, id string, processed bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET memory_processed = ? WHERE id = ?`, processed, id)
	return err
}

// UnprocessedSessions returns sessions of the agent/user pair that have not
// had memory reflection run, excluding the one currently being served.
func (s *Store) UnprocessedSessions(ctx context.Context, agentID, ownerID, excludeID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, entity_type, entity_id, title, total_input_tokens, total_output_tokens, memory_processed, created_at
		 FROM sessions
		 WHERE entity_type = 'agent' AND entity_id = ? AND owner_id = ? AND memory_processed = 0 AND id != ?
		 ORDER BY created_at`, agentID, ownerID, excludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.OwnerID, &sess.EntityType, &sess.EntityID, &sess.Title,
			&sess.TotalInputTokens, &sess.TotalOutputTokens, &sess.MemoryProcessed, &sess.CreatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

func (s *Store) InsertMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, parts, tool_calls, reasoning, metadata, attachment_ids, rating, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, string(m.Role), m.Content, marshalJSON(m.Parts), marshalJSON(m.ToolCalls),
		m.Reasoning, marshalJSON(m.Metadata), marshalJSON(m.AttachmentIDs), m.Rating, m.CreatedAt)
	return err
}

func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, parts, tool_calls, reasoning, metadata, attachment_ids, rating, created_at
		 FROM messages WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// RecentMessages returns up to limit most-recent messages in chronological
// order.
func (s *Store) RecentMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, parts, tool_calls, reasoning, metadata, attachment_ids, rating, created_at
		 FROM messages WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func scanMessage(rows *sql.Rows) (*Message, error) {
	var m Message
	var role, parts, toolCalls, metadata, attachments string
	if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &parts, &toolCalls,
		&m.Reasoning, &metadata, &attachments, &m.Rating, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Role = llms.Role(role)
	m.Parts = unmarshalJSON[[]llms.ContentPart](parts)
	m.ToolCalls = unmarshalJSON[[]llms.ToolCall](toolCalls)
	m.Metadata = unmarshalJSON[MessageMetadata](metadata)
	m.AttachmentIDs = unmarshalJSON[[]string](attachments)
	return &m, nil
}

// ReplaceMessages atomically replaces the session's message history.
// Compaction uses this to swap the summarized prefix.
func (s *Store) ReplaceMessages(ctx context.Context, sessionID string, messages []*Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	for _, m := range messages {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, session_id, role, content, parts, tool_calls, reasoning, metadata, attachment_ids, rating, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, sessionID, string(m.Role), m.Content, marshalJSON(m.Parts), marshalJSON(m.ToolCalls),
			m.Reasoning, marshalJSON(m.Metadata), marshalJSON(m.AttachmentIDs), m.Rating, m.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) CreateAttachment(ctx context.Context, a *Attachment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attachments (id, session_id, owner_id, filename, media_type, classification, storage_path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SessionID, a.OwnerID, a.Filename, a.MediaType, a.Classification, a.StoragePath, a.CreatedAt)
	return err
}

func (s *Store) GetAttachment(ctx context.Context, id string) (*Attachment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, owner_id, filename, media_type, classification, storage_path, created_at
		 FROM attachments WHERE id = ?`, id)
	var a Attachment
	err := row.Scan(&a.ID, &a.SessionID, &a.OwnerID, &a.Filename, &a.MediaType, &a.Classification, &a.StoragePath, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
