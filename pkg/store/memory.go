package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UpsertMemory inserts a fact or overwrites the existing fact with the same
// (agent, user, key).
func (s *Store) UpsertMemory(ctx context.Context, m *AgentMemory) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_memories (id, agent_id, user_id, key, value, category, confidence, source_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(agent_id, user_id, key) DO UPDATE SET
		   value = excluded.value,
		   category = excluded.category,
		   confidence = excluded.confidence,
		   source_id = excluded.source_id,
		   updated_at = excluded.updated_at`,
		m.ID, m.AgentID, m.UserID, m.Key, m.Value, m.Category, m.Confidence, m.SourceID, m.CreatedAt, m.UpdatedAt)
	return err
}

// ListMemories returns facts for the agent/user pair, most recently updated
// first.
func (s *Store) ListMemories(ctx context.Context, agentID, userID string) ([]*AgentMemory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, user_id, key, value, category, confidence, source_id, created_at, updated_at
		 FROM agent_memories WHERE agent_id = ? AND user_id = ? ORDER BY updated_at DESC`, agentID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var memories []*AgentMemory
	for rows.Next() {
		var m AgentMemory
		if err := rows.Scan(&m.ID, &m.AgentID, &m.UserID, &m.Key, &m.Value, &m.Category,
			&m.Confidence, &m.SourceID, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		memories = append(memories, &m)
	}
	return memories, rows.Err()
}

func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	return s.deleteRow(ctx, "agent_memories", id)
}

// EvictLowConfidenceMemories deletes up to n facts with confidence below the
// threshold, oldest first, and returns how many were removed.
func (s *Store) EvictLowConfidenceMemories(ctx context.Context, agentID, userID string, threshold float64, n int) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_memories WHERE id IN (
		   SELECT id FROM agent_memories
		   WHERE agent_id = ? AND user_id = ? AND confidence < ?
		   ORDER BY updated_at ASC LIMIT ?)`,
		agentID, userID, threshold, n)
	if err != nil {
		return 0, err
	}
	removed, _ := res.RowsAffected()
	return int(removed), nil
}

func (s *Store) CountMemories(ctx context.Context, agentID, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_memories WHERE agent_id = ? AND user_id = ?`, agentID, userID).Scan(&count)
	return count, err
}
