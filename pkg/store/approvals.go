package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

func (s *Store) CreateApproval(ctx context.Context, a *HITLApproval) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = StatusPending
	}
	a.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO hitl_approvals (id, session_id, tool_call_id, tool_name, arguments, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SessionID, a.ToolCallID, a.ToolName, marshalJSON(a.Arguments), a.Status, a.CreatedAt)
	return err
}

func (s *Store) GetApproval(ctx context.Context, id string) (*HITLApproval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, tool_call_id, tool_name, arguments, status, created_at FROM hitl_approvals WHERE id = ?`, id)
	var a HITLApproval
	var args string
	err := row.Scan(&a.ID, &a.SessionID, &a.ToolCallID, &a.ToolName, &args, &a.Status, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Arguments = unmarshalJSON[map[string]any](args)
	return &a, nil
}

// ResolveApproval transitions a pending approval to the given status.
// Resolving an absent or already-resolved row returns ErrNotFound so callers
// can report 404.
func (s *Store) ResolveApproval(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE hitl_approvals SET status = ? WHERE id = ? AND status = ?`, status, id, StatusPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListApprovals(ctx context.Context, sessionID string) ([]*HITLApproval, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, tool_call_id, tool_name, arguments, status, created_at
		 FROM hitl_approvals WHERE session_id = ? ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var approvals []*HITLApproval
	for rows.Next() {
		var a HITLApproval
		var args string
		if err := rows.Scan(&a.ID, &a.SessionID, &a.ToolCallID, &a.ToolName, &args, &a.Status, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Arguments = unmarshalJSON[map[string]any](args)
		approvals = append(approvals, &a)
	}
	return approvals, rows.Err()
}

func (s *Store) CreateProposal(ctx context.Context, p *ToolProposal) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = StatusPending
	}
	p.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_proposals (id, session_id, tool_call_id, name, description, handler_type, parameters, handler_config, status, tool_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.SessionID, p.ToolCallID, p.Name, p.Description, p.HandlerType,
		marshalJSON(p.Parameters), marshalJSON(p.HandlerConfig), p.Status, p.ToolID, p.CreatedAt)
	return err
}

func (s *Store) GetProposal(ctx context.Context, id string) (*ToolProposal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, tool_call_id, name, description, handler_type, parameters, handler_config, status, tool_id, created_at
		 FROM tool_proposals WHERE id = ?`, id)
	var p ToolProposal
	var params, handlerConfig string
	err := row.Scan(&p.ID, &p.SessionID, &p.ToolCallID, &p.Name, &p.Description, &p.HandlerType,
		&params, &handlerConfig, &p.Status, &p.ToolID, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Parameters = unmarshalJSON[map[string]any](params)
	p.HandlerConfig = unmarshalJSON[map[string]any](handlerConfig)
	return &p, nil
}

// ResolveProposal transitions a pending proposal, recording the resulting
// tool id when approved. Already-resolved rows return ErrNotFound.
func (s *Store) ResolveProposal(ctx context.Context, id, status, toolID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tool_proposals SET status = ?, tool_id = ? WHERE id = ? AND status = ?`,
		status, toolID, id, StatusPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
