package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agentplane/agentplane/pkg/approval"
	"github.com/agentplane/agentplane/pkg/llms"
	"github.com/agentplane/agentplane/pkg/store"
	"github.com/agentplane/agentplane/pkg/tools"
)

const createToolName = "create_tool"

// createToolDefinition is the virtual schema injected when the agent allows
// dynamic tool creation.
var createToolDefinition = llms.ToolDefinition{
	Name:        createToolName,
	Description: "Propose a new tool when no existing tool can do the job. The user must approve it before it becomes callable.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{
				"type":        "string",
				"description": "snake_case tool name",
			},
			"description": map[string]any{
				"type":        "string",
				"description": "what the tool does",
			},
			"handler_type": map[string]any{
				"type": "string",
				"enum": []string{"python", "http"},
			},
			"parameters": map[string]any{
				"type":        "object",
				"description": "JSON Schema for the tool arguments",
			},
			"handler_config": map[string]any{
				"type":        "object",
				"description": "python: {code}; http: {url, method, headers}",
			},
		},
		"required": []string{"name", "description", "handler_type"},
	},
}

const codegenSystemPrompt = `You write tool handlers. Given a tool name, description, handler type and
parameter schema, reply with ONLY a JSON object for the handler config.
For python: {"code": "def handler(params):\n    ..."} where params is a dict
matching the schema and the return value is the tool result.
For http: {"url": "...", "method": "GET|POST"}.`

// handleProposal runs the tool-proposal flow for a create_tool call:
// auto-generate a missing handler config, persist the proposal, suspend at
// the gate, and report the outcome back to the model.
func (g *generation) handleProposal(ctx context.Context, tc llms.ToolCall) string {
	p := proposalFromArgs(g.req.Session.ID, tc)
	if p.Name == "" {
		return fmt.Sprintf("Tool %q returned:\n%s\n\n%s", createToolName,
			`{"error": "create_tool requires a name"}`, toolResultSuffix)
	}

	if len(p.HandlerConfig) == 0 {
		g.em.emit(EventToolGenerating, map[string]any{
			"name": p.Name, "handler_type": p.HandlerType,
		})
		cfg, err := g.generateHandlerConfig(ctx, p)
		if err != nil {
			slog.Warn("Handler codegen failed", "tool", p.Name, "error", err)
		} else {
			p.HandlerConfig = cfg
		}
	}

	if err := g.engine.store.CreateProposal(ctx, p); err != nil {
		slog.Error("Failed to persist tool proposal", "tool", p.Name, "error", err)
		return fmt.Sprintf("The tool proposal %q could not be saved. Answer without it.", p.Name)
	}

	waiter := g.engine.gate.Register(approval.KindProposal, g.req.Session.ID, tc.ID)
	g.em.emit(EventProposalRequired, map[string]any{
		"proposal_id":    p.ID,
		"session_id":     g.req.Session.ID,
		"tool_call_id":   tc.ID,
		"name":           p.Name,
		"description":    p.Description,
		"handler_type":   p.HandlerType,
		"parameters":     p.Parameters,
		"handler_config": p.HandlerConfig,
	})

	decision, resolved := waiter.Await(ctx)
	if resolved && decision.Approved {
		return fmt.Sprintf("The user approved the new tool %q. It is now available; call it to continue.", p.Name)
	}
	if !resolved {
		if err := g.engine.store.ResolveProposal(ctx, p.ID, store.StatusRejected, ""); err != nil {
			slog.Warn("Failed to mark proposal rejected after timeout", "proposal_id", p.ID, "error", err)
		}
	}
	return fmt.Sprintf("The user rejected creating tool %q. Do not propose it again; answer without it.", p.Name)
}

func proposalFromArgs(sessionID string, tc llms.ToolCall) *store.ToolProposal {
	p := &store.ToolProposal{
		SessionID:  sessionID,
		ToolCallID: tc.ID,
		Status:     store.StatusPending,
	}
	if v, ok := tc.Arguments["name"].(string); ok {
		p.Name = v
	}
	if v, ok := tc.Arguments["description"].(string); ok {
		p.Description = v
	}
	if v, ok := tc.Arguments["handler_type"].(string); ok {
		p.HandlerType = v
	}
	if v, ok := tc.Arguments["parameters"].(map[string]any); ok {
		p.Parameters = v
	}
	if v, ok := tc.Arguments["handler_config"].(map[string]any); ok {
		p.HandlerConfig = v
	}
	if p.HandlerType == "" {
		p.HandlerType = "python"
	}
	return p
}

// generateHandlerConfig asks the model for a handler config in one blocking
// call.
func (g *generation) generateHandlerConfig(ctx context.Context, p *store.ToolProposal) (map[string]any, error) {
	params, _ := json.Marshal(p.Parameters)
	prompt := fmt.Sprintf("Tool name: %s\nDescription: %s\nHandler type: %s\nParameter schema: %s",
		p.Name, p.Description, p.HandlerType, string(params))

	reply, err := g.req.Provider.Chat(ctx, []llms.Message{
		{Role: llms.RoleUser, Content: prompt},
	}, codegenSystemPrompt, nil)
	if err != nil {
		return nil, err
	}

	raw := strings.TrimSpace(reply.Content)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")
		raw = strings.TrimSpace(raw)
	}
	var cfg map[string]any
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("invalid handler config: %w", err)
	}
	return cfg, nil
}

// ResolveApproval records the decision on a pending HITL approval and wakes
// the suspended generation. A row that is missing or already resolved
// returns store.ErrNotFound.
func (e *Engine) ResolveApproval(ctx context.Context, approvalID string, approve bool) error {
	a, err := e.store.GetApproval(ctx, approvalID)
	if err != nil {
		return err
	}
	status := store.StatusDenied
	if approve {
		status = store.StatusApproved
	}
	if err := e.store.ResolveApproval(ctx, a.ID, status); err != nil {
		return err
	}
	if err := e.gate.Resolve(approval.KindHITL, a.SessionID, a.ToolCallID, approval.Decision{Approved: approve}); err != nil {
		slog.Warn("No waiter for resolved approval", "approval_id", a.ID, "error", err)
	}
	return nil
}

// ResolveProposal records the decision on a pending tool proposal. Approval
// upserts the tool by (owner, name) and adds it to the session's dynamic
// toolset before waking the generation.
func (e *Engine) ResolveProposal(ctx context.Context, proposalID string, approve bool) error {
	p, err := e.store.GetProposal(ctx, proposalID)
	if err != nil {
		return err
	}

	if !approve {
		if err := e.store.ResolveProposal(ctx, p.ID, store.StatusRejected, ""); err != nil {
			return err
		}
		if err := e.gate.Resolve(approval.KindProposal, p.SessionID, p.ToolCallID, approval.Decision{Approved: false}); err != nil {
			slog.Warn("No waiter for resolved proposal", "proposal_id", p.ID, "error", err)
		}
		return nil
	}

	if err := tools.ValidateSchema(p.Parameters); err != nil {
		return fmt.Errorf("proposal has an unusable parameter schema: %w", err)
	}

	sess, err := e.store.GetSession(ctx, p.SessionID)
	if err != nil {
		return err
	}
	tool := &store.Tool{
		OwnerID:       sess.OwnerID,
		Name:          p.Name,
		Description:   p.Description,
		Parameters:    p.Parameters,
		HandlerType:   p.HandlerType,
		HandlerConfig: p.HandlerConfig,
	}
	if err := e.store.UpsertToolByName(ctx, tool); err != nil {
		return fmt.Errorf("failed to save approved tool: %w", err)
	}
	if err := e.store.ResolveProposal(ctx, p.ID, store.StatusApproved, tool.ID); err != nil {
		return err
	}
	e.dynamic.Add(p.SessionID, p.Name)
	if err := e.gate.Resolve(approval.KindProposal, p.SessionID, p.ToolCallID, approval.Decision{Approved: true}); err != nil {
		slog.Warn("No waiter for resolved proposal", "proposal_id", p.ID, "error", err)
	}
	return nil
}
