// Package runtime assembles the control plane: storage, engine, workflow
// executor, scheduler and memory reflection, resolved from persisted
// entities per request.
package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agentplane/agentplane/pkg/approval"
	"github.com/agentplane/agentplane/pkg/config"
	"github.com/agentplane/agentplane/pkg/engine"
	"github.com/agentplane/agentplane/pkg/llms"
	"github.com/agentplane/agentplane/pkg/mcp"
	"github.com/agentplane/agentplane/pkg/memory"
	"github.com/agentplane/agentplane/pkg/rag"
	"github.com/agentplane/agentplane/pkg/store"
	"github.com/agentplane/agentplane/pkg/tools"
	"github.com/agentplane/agentplane/pkg/workflow"
)

// Runtime owns the long-lived components of one process.
type Runtime struct {
	Store     *store.Store
	Engine    *engine.Engine
	Gate      *approval.Gate
	Index     *rag.Index
	Ingest    *rag.Ingestor
	Workflows *workflow.Executor
	Scheduler *workflow.Scheduler

	cfg *config.Config
}

// New opens the store, recovers interrupted state and wires the components.
func New(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	s, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := s.Recover(ctx); err != nil {
		s.Close()
		return nil, err
	}

	var index *rag.Index
	if embedder, err := rag.NewEmbedder(cfg.Embedder); err != nil {
		slog.Warn("Embedder unavailable, RAG disabled", "error", err)
	} else {
		index = rag.NewIndex(cfg.IndexesRoot, embedder)
	}

	gate := approval.NewGate()
	eng := engine.New(s, gate, tools.NewExecutor(cfg.PythonBin), tools.NewDynamicSet(), index)

	rt := &Runtime{
		Store:  s,
		Engine: eng,
		Gate:   gate,
		Index:  index,
		cfg:    cfg,
	}
	if index != nil {
		rt.Ingest = rag.NewIngestor(s, index)
	}
	rt.Workflows = workflow.New(s, eng, rt.resolveAgent)
	rt.Scheduler = workflow.NewScheduler(s, rt.Workflows)
	return rt, nil
}

// Close stops the scheduler and releases the store.
func (rt *Runtime) Close() error {
	if rt.Scheduler != nil {
		rt.Scheduler.Stop()
	}
	return rt.Store.Close()
}

// Provider instantiates the LLM client for a stored provider row, applying
// the optional per-agent model override.
func (rt *Runtime) Provider(ctx context.Context, providerID, modelOverride string) (llms.Provider, string, error) {
	p, err := rt.Store.GetProvider(ctx, providerID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load provider %s: %w", providerID, err)
	}
	settings := p.Config
	settings.Type = p.Type
	if settings.BaseURL == "" {
		settings.BaseURL = p.BaseURL
	}
	if settings.APIKey == "" {
		settings.APIKey = p.APIKey
	}
	model := p.Model
	if modelOverride != "" {
		model = modelOverride
	}
	settings.Model = model

	client, err := llms.New(settings)
	if err != nil {
		return nil, "", err
	}
	return client, model, nil
}

// BuildRequest resolves an agent and its attachments into an engine request.
// The MCP pool is scoped to one generation: Stream, StreamTeam and the
// workflow executor close it when their run finishes.
func (rt *Runtime) BuildRequest(ctx context.Context, agentID string, sess *store.Session) (*engine.Request, error) {
	agent, err := rt.Store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent %s: %w", agentID, err)
	}

	provider, model, err := rt.Provider(ctx, agent.ProviderID, agent.Model)
	if err != nil {
		return nil, err
	}

	providerRow, err := rt.Store.GetProvider(ctx, agent.ProviderID)
	if err != nil {
		return nil, err
	}

	toolRows, err := rt.Store.GetTools(ctx, agent.ToolIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load tools: %w", err)
	}
	toolsByName := make(map[string]*store.Tool, len(toolRows))
	for _, tool := range toolRows {
		toolsByName[tool.Name] = tool
	}

	var pool *mcp.Pool
	if len(agent.MCPServerIDs) > 0 {
		servers, err := rt.Store.GetMCPServers(ctx, agent.MCPServerIDs)
		if err != nil {
			slog.Warn("Failed to load MCP servers", "agent_id", agent.ID, "error", err)
		} else {
			pool = mcp.Connect(ctx, servers)
		}
	}

	var kbs []*store.KnowledgeBase
	for _, id := range agent.KnowledgeBaseIDs {
		kb, err := rt.Store.GetKnowledgeBase(ctx, id)
		if err != nil {
			slog.Warn("Agent references missing knowledge base", "agent_id", agent.ID, "kb_id", id)
			continue
		}
		kbs = append(kbs, kb)
	}

	var memories []*store.AgentMemory
	var sessRef *store.Session
	if sess != nil {
		sessRef = sess
		memories, err = rt.Store.ListMemories(ctx, agent.ID, sess.OwnerID)
		if err != nil {
			slog.Warn("Failed to load memories", "agent_id", agent.ID, "error", err)
		}
	}

	return &engine.Request{
		Session:      sessRef,
		Agent:        agent,
		Provider:     provider,
		ProviderType: providerRow.Type,
		Model:        model,
		Tools:        toolsByName,
		MCP:          pool,
		KBs:          kbs,
		Memories:     memories,
	}, nil
}

// resolveAgent adapts BuildRequest for workflow nodes, which carry no
// session of their own.
func (rt *Runtime) resolveAgent(ctx context.Context, agentID string) (*engine.Request, error) {
	return rt.BuildRequest(ctx, agentID, nil)
}

// Chat persists the user message and streams the agent's turn. Memory
// reflection over earlier finished sessions runs in the background once the
// request is resolved.
func (rt *Runtime) Chat(ctx context.Context, sessionID, text string) (<-chan engine.Event, error) {
	sess, err := rt.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if err := rt.Store.InsertMessage(ctx, &store.Message{
		SessionID: sessionID,
		Role:      llms.RoleUser,
		Content:   text,
	}); err != nil {
		return nil, fmt.Errorf("failed to persist user message: %w", err)
	}
	if err := rt.Store.SetMemoryProcessed(ctx, sessionID, false); err != nil {
		slog.Warn("Failed to reset memory flag", "session_id", sessionID, "error", err)
	}

	switch sess.EntityType {
	case "team":
		return rt.teamStream(ctx, sess)
	default:
		req, err := rt.BuildRequest(ctx, sess.EntityID, sess)
		if err != nil {
			return nil, err
		}
		go memory.NewReflector(rt.Store, req.Provider).
			ProcessPending(context.WithoutCancel(ctx), sess.EntityID, sess.OwnerID, sess.ID)
		return rt.Engine.Stream(ctx, req), nil
	}
}

// DeleteSession removes a session, running one last memory reflection first
// when the session is agent-bound and still unprocessed.
func (rt *Runtime) DeleteSession(ctx context.Context, sessionID string) error {
	sess, err := rt.Store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.EntityType == "agent" && !sess.MemoryProcessed {
		if provider, _, perr := rt.providerForAgent(ctx, sess.EntityID); perr != nil {
			slog.Warn("Skipping final reflection, provider unavailable",
				"session_id", sess.ID, "error", perr)
		} else {
			memory.NewReflector(rt.Store, provider).Reflect(ctx, sess)
		}
	}
	if rt.Ingest != nil {
		if err := rt.Ingest.DropSession(sessionID); err != nil {
			slog.Warn("Failed to drop session index", "session_id", sessionID, "error", err)
		}
	}
	return rt.Store.DeleteSession(ctx, sessionID)
}

// IndexKnowledgeBase indexes every document of a KB that is not yet indexed.
func (rt *Runtime) IndexKnowledgeBase(ctx context.Context, kbID string) error {
	if rt.Ingest == nil {
		return fmt.Errorf("indexing unavailable, no embedder configured")
	}
	docs, err := rt.Store.ListKBDocuments(ctx, kbID)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if doc.Indexed {
			continue
		}
		if err := rt.Ingest.IndexKBDocument(ctx, doc); err != nil {
			return err
		}
	}
	return nil
}

func (rt *Runtime) providerForAgent(ctx context.Context, agentID string) (llms.Provider, string, error) {
	agent, err := rt.Store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, "", err
	}
	return rt.Provider(ctx, agent.ProviderID, agent.Model)
}

func (rt *Runtime) teamStream(ctx context.Context, sess *store.Session) (<-chan engine.Event, error) {
	team, err := rt.Store.GetTeam(ctx, sess.EntityID)
	if err != nil {
		return nil, err
	}
	members := make([]*engine.Request, 0, len(team.AgentIDs))
	for _, agentID := range team.AgentIDs {
		req, err := rt.BuildRequest(ctx, agentID, sess)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve team member %s: %w", agentID, err)
		}
		members = append(members, req)
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("team %s has no members", team.ID)
	}
	return rt.Engine.StreamTeam(ctx, &engine.TeamRequest{
		Session: sess,
		Team:    team,
		Members: members,
	}), nil
}
