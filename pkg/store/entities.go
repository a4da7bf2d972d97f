package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentplane/agentplane/pkg/llms"
)

func (s *Store) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, role, permissions, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.PasswordHash, u.Role, u.Permissions, u.CreatedAt)
	return err
}

func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, permissions, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, permissions, created_at FROM users WHERE username = ?`, username)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.Permissions, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) CreateProvider(ctx context.Context, p *Provider) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO providers (id, owner_id, name, type, base_url, api_key, model, config, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OwnerID, p.Name, p.Type, p.BaseURL, p.APIKey, p.Model, marshalJSON(p.Config), p.CreatedAt)
	return err
}

func (s *Store) GetProvider(ctx context.Context, id string) (*Provider, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, type, base_url, api_key, model, config, created_at FROM providers WHERE id = ?`, id)
	var p Provider
	var config string
	err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Type, &p.BaseURL, &p.APIKey, &p.Model, &config, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Config = unmarshalJSON[llms.Settings](config)
	return &p, nil
}

func (s *Store) ListProviders(ctx context.Context, ownerID string) ([]*Provider, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, name, type, base_url, api_key, model, config, created_at
		 FROM providers WHERE owner_id = ? ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var providers []*Provider
	for rows.Next() {
		var p Provider
		var config string
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Type, &p.BaseURL, &p.APIKey, &p.Model, &config, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Config = unmarshalJSON[llms.Settings](config)
		providers = append(providers, &p)
	}
	return providers, rows.Err()
}

func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	return s.deleteRow(ctx, "providers", id)
}

func (s *Store) CreateAgent(ctx context.Context, a *Agent) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, owner_id, name, system_prompt, provider_id, model, tool_ids, mcp_server_ids,
		 knowledge_base_ids, hitl_tools, allow_tool_creation, config, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OwnerID, a.Name, a.SystemPrompt, a.ProviderID, a.Model,
		marshalJSON(a.ToolIDs), marshalJSON(a.MCPServerIDs), marshalJSON(a.KnowledgeBaseIDs),
		marshalJSON(a.HITLTools), a.AllowToolCreation, marshalJSON(a.Config), a.CreatedAt)
	return err
}

func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, system_prompt, provider_id, model, tool_ids, mcp_server_ids,
		 knowledge_base_ids, hitl_tools, allow_tool_creation, config, created_at FROM agents WHERE id = ?`, id)
	var a Agent
	var toolIDs, mcpIDs, kbIDs, hitl, config string
	err := row.Scan(&a.ID, &a.OwnerID, &a.Name, &a.SystemPrompt, &a.ProviderID, &a.Model,
		&toolIDs, &mcpIDs, &kbIDs, &hitl, &a.AllowToolCreation, &config, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.ToolIDs = unmarshalJSON[[]string](toolIDs)
	a.MCPServerIDs = unmarshalJSON[[]string](mcpIDs)
	a.KnowledgeBaseIDs = unmarshalJSON[[]string](kbIDs)
	a.HITLTools = unmarshalJSON[[]string](hitl)
	a.Config = unmarshalJSON[map[string]any](config)
	return &a, nil
}

func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	return s.deleteRow(ctx, "agents", id)
}

func (s *Store) CreateTeam(ctx context.Context, t *Team) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO teams (id, owner_id, name, mode, agent_ids, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.OwnerID, t.Name, t.Mode, marshalJSON(t.AgentIDs), t.CreatedAt)
	return err
}

func (s *Store) GetTeam(ctx context.Context, id string) (*Team, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, mode, agent_ids, created_at FROM teams WHERE id = ?`, id)
	var t Team
	var agentIDs string
	err := row.Scan(&t.ID, &t.OwnerID, &t.Name, &t.Mode, &agentIDs, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.AgentIDs = unmarshalJSON[[]string](agentIDs)
	return &t, nil
}

func (s *Store) CreateTool(ctx context.Context, t *Tool) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tools (id, owner_id, name, description, parameters, handler_type, handler_config, requires_confirmation, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OwnerID, t.Name, t.Description, marshalJSON(t.Parameters), t.HandlerType,
		marshalJSON(t.HandlerConfig), t.RequiresConfirmation, t.CreatedAt)
	return err
}

// UpsertToolByName inserts or replaces the tool definition keyed by
// (owner, name). Proposal approval funnels through here.
func (s *Store) UpsertToolByName(ctx context.Context, t *Tool) error {
	existing, err := s.GetToolByName(ctx, t.OwnerID, t.Name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing == nil {
		return s.CreateTool(ctx, t)
	}
	t.ID = existing.ID
	t.CreatedAt = existing.CreatedAt
	_, err = s.db.ExecContext(ctx,
		`UPDATE tools SET description = ?, parameters = ?, handler_type = ?, handler_config = ?, requires_confirmation = ?
		 WHERE id = ?`,
		t.Description, marshalJSON(t.Parameters), t.HandlerType, marshalJSON(t.HandlerConfig),
		t.RequiresConfirmation, t.ID)
	return err
}

func (s *Store) GetTool(ctx context.Context, id string) (*Tool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, description, parameters, handler_type, handler_config, requires_confirmation, created_at
		 FROM tools WHERE id = ?`, id)
	return scanTool(row)
}

func (s *Store) GetToolByName(ctx context.Context, ownerID, name string) (*Tool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, description, parameters, handler_type, handler_config, requires_confirmation, created_at
		 FROM tools WHERE owner_id = ? AND name = ?`, ownerID, name)
	return scanTool(row)
}

func scanTool(row *sql.Row) (*Tool, error) {
	var t Tool
	var params, handlerConfig string
	err := row.Scan(&t.ID, &t.OwnerID, &t.Name, &t.Description, &params, &t.HandlerType,
		&handlerConfig, &t.RequiresConfirmation, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Parameters = unmarshalJSON[map[string]any](params)
	t.HandlerConfig = unmarshalJSON[map[string]any](handlerConfig)
	return &t, nil
}

func (s *Store) GetTools(ctx context.Context, ids []string) ([]*Tool, error) {
	tools := make([]*Tool, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTool(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		tools = append(tools, t)
	}
	return tools, nil
}

func (s *Store) DeleteTool(ctx context.Context, id string) error {
	return s.deleteRow(ctx, "tools", id)
}

func (s *Store) CreateMCPServer(ctx context.Context, m *MCPServer) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mcp_servers (id, owner_id, name, transport, command, args, env, url, headers, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.OwnerID, m.Name, m.Transport, m.Command, marshalJSON(m.Args), marshalJSON(m.Env),
		m.URL, marshalJSON(m.Headers), m.CreatedAt)
	return err
}

func (s *Store) GetMCPServer(ctx context.Context, id string) (*MCPServer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, transport, command, args, env, url, headers, created_at FROM mcp_servers WHERE id = ?`, id)
	var m MCPServer
	var args, env, headers string
	err := row.Scan(&m.ID, &m.OwnerID, &m.Name, &m.Transport, &m.Command, &args, &env, &m.URL, &headers, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Args = unmarshalJSON[[]string](args)
	m.Env = unmarshalJSON[map[string]string](env)
	m.Headers = unmarshalJSON[map[string]string](headers)
	return &m, nil
}

func (s *Store) GetMCPServers(ctx context.Context, ids []string) ([]*MCPServer, error) {
	servers := make([]*MCPServer, 0, len(ids))
	for _, id := range ids {
		m, err := s.GetMCPServer(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		servers = append(servers, m)
	}
	return servers, nil
}

func (s *Store) deleteRow(ctx context.Context, table, id string) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
