package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/agentplane/agentplane/pkg/approval"
	"github.com/agentplane/agentplane/pkg/contextmgr"
	"github.com/agentplane/agentplane/pkg/llms"
	"github.com/agentplane/agentplane/pkg/mcp"
	"github.com/agentplane/agentplane/pkg/observability"
	"github.com/agentplane/agentplane/pkg/rag"
	"github.com/agentplane/agentplane/pkg/store"
	"github.com/agentplane/agentplane/pkg/tools"
)

const (
	// MaxToolRounds bounds the tool loop per generation.
	MaxToolRounds = 10

	streamBuffer = 100

	kbSearchTopK = 5

	deniedToolResult = "User denied this tool call."
	toolResultSuffix = "Use this information to answer the user's question."
)

// Engine drives streaming generations for agents.
type Engine struct {
	store    *store.Store
	gate     *approval.Gate
	executor *tools.Executor
	dynamic  *tools.DynamicSet
	index    *rag.Index // nil disables KB retrieval
}

func New(s *store.Store, gate *approval.Gate, executor *tools.Executor, dynamic *tools.DynamicSet, index *rag.Index) *Engine {
	return &Engine{store: s, gate: gate, executor: executor, dynamic: dynamic, index: index}
}

// Request carries the resolved entities for one generation. The user message
// is already persisted as the last message of the session.
type Request struct {
	Session      *store.Session
	Agent        *store.Agent
	Provider     llms.Provider
	ProviderType string
	Model        string
	Tools        map[string]*store.Tool // agent's static tools by name
	MCP          *mcp.Pool              // may be nil
	KBs          []*store.KnowledgeBase
	Memories     []*store.AgentMemory

	// ExtraContext is appended to the system prompt. Team and workflow
	// dispatch use it to pass upstream agent output along.
	ExtraContext string
}

// Stream runs the tool loop and returns its event channel. The channel is
// closed after the terminal done event, and the request's MCP pool is
// released with it.
func (e *Engine) Stream(ctx context.Context, req *Request) <-chan Event {
	em := newEmitter(streamBuffer)
	go func() {
		defer em.close()
		if req.MCP != nil {
			defer req.MCP.Close()
		}
		e.run(ctx, req, em)
	}()
	return em.ch
}

func (e *Engine) run(ctx context.Context, req *Request, em *emitter) {
	start := time.Now()

	compactor := contextmgr.NewCompactor(e.store, req.Provider, req.Model)
	if result, err := compactor.Compact(ctx, req.Session.ID); err != nil {
		slog.Warn("Compaction failed, continuing with full history",
			"session_id", req.Session.ID, "error", err)
	} else if result != nil {
		em.emit(EventContextCompacted, map[string]any{
			"messages_summarized": result.Summarized,
			"summary_preview":     result.SummaryPreview,
		})
	}

	history, err := e.store.ListMessages(ctx, req.Session.ID)
	if err != nil {
		em.errorAndDone(fmt.Sprintf("failed to load session history: %v", err))
		return
	}

	var userText string
	if n := len(history); n > 0 {
		userText = history[n-1].Content
	}
	intent, _ := contextmgr.ParseEditIntent(userText)

	kbBlock := e.kbContext(ctx, req, userText, em)
	system := buildSystemPrompt(req, history, kbBlock)

	messages := contextmgr.ToLLMMessages(history)
	if intent != nil && len(messages) > 0 {
		messages[len(messages)-1].Content = contextmgr.RewriteEditMessage(userText, history)
	}

	g := &generation{
		engine:   e,
		req:      req,
		em:       em,
		recorder: observability.NewSpanRecorder(e.store, req.Session.ID, ""),
		history:  history,
		intent:   intent,
		start:    start,
	}
	g.run(ctx, messages, system)
}

// generation is the per-invocation state of the tool loop.
type generation struct {
	engine   *Engine
	req      *Request
	em       *emitter
	recorder *observability.SpanRecorder
	history  []*store.Message
	intent   *contextmgr.EditIntent
	start    time.Time

	reasoning strings.Builder
	usage     llms.Usage
}

func (g *generation) run(ctx context.Context, messages []llms.Message, system string) {
	var lastContent string

	for round := 1; round <= MaxToolRounds; round++ {
		scope, defs := g.roundScope(ctx)

		roundContent, toolCalls, err := g.streamRound(ctx, messages, system, defs, round)
		if err != nil {
			g.fail(ctx, lastContent+roundContent, err.Error())
			return
		}
		lastContent = roundContent

		if len(toolCalls) == 0 || round == MaxToolRounds {
			g.finalize(ctx, roundContent)
			return
		}

		g.em.emit(EventToolRound, map[string]any{"round": round, "max_rounds": MaxToolRounds})
		messages = append(messages, llms.Message{
			Role:      llms.RoleAssistant,
			Content:   roundContent,
			ToolCalls: toolCalls,
		})
		for _, tc := range toolCalls {
			feedback := g.dispatchTool(ctx, round, tc, scope)
			messages = append(messages, llms.Message{Role: llms.RoleUser, Content: feedback})
		}
	}
}

// streamRound consumes one provider stream, emitting deltas and element
// events, and returns the accumulated content and collected tool calls.
func (g *generation) streamRound(ctx context.Context, messages []llms.Message, system string, defs []llms.ToolDefinition, round int) (string, []llms.ToolCall, error) {
	llmStart := time.Now()
	stream, err := g.req.Provider.StreamChat(ctx, messages, system, defs)
	if err != nil {
		return "", nil, err
	}

	scanner := newElementScanner()
	var content strings.Builder
	var toolCalls []llms.ToolCall

	for chunk := range stream {
		switch chunk.Type {
		case llms.ChunkContent:
			content.WriteString(chunk.Text)
			g.em.emit(EventContentDelta, map[string]any{"content": chunk.Text})
			g.forward(scanner.feed(chunk.Text))
		case llms.ChunkReasoning:
			g.reasoning.WriteString(chunk.Text)
			g.em.emit(EventReasoningDelta, map[string]any{"content": chunk.Text})
		case llms.ChunkToolCall:
			if chunk.ToolCall != nil {
				toolCalls = append(toolCalls, *chunk.ToolCall)
			}
		case llms.ChunkDone:
			if chunk.Usage != nil {
				g.usage.InputTokens += chunk.Usage.InputTokens
				g.usage.OutputTokens += chunk.Usage.OutputTokens
			}
			span := &store.TraceSpan{
				SpanType:      store.SpanLLMCall,
				Name:          g.req.Model,
				DurationMS:    time.Since(llmStart).Milliseconds(),
				Status:        "ok",
				OutputPreview: content.String(),
				RoundNumber:   round,
			}
			if chunk.Usage != nil {
				span.InputTokens = chunk.Usage.InputTokens
				span.OutputTokens = chunk.Usage.OutputTokens
			}
			g.recorder.Record(ctx, span)
		case llms.ChunkError:
			return content.String(), nil, chunk.Err
		}
	}
	g.forward(scanner.finish())
	return content.String(), toolCalls, nil
}

// roundScope recomputes the visible toolset. Tools approved mid-session must
// be callable in the next round, so this runs every round.
func (g *generation) roundScope(ctx context.Context) (*tools.Scope, []llms.ToolDefinition) {
	byName := make(map[string]*store.Tool, len(g.req.Tools))
	for name, tool := range g.req.Tools {
		byName[name] = tool
	}
	for _, name := range g.engine.dynamic.Names(g.req.Session.ID) {
		if _, ok := byName[name]; ok {
			continue
		}
		tool, err := g.engine.store.GetToolByName(ctx, g.req.Session.OwnerID, name)
		if err != nil {
			slog.Warn("Dynamic tool missing from store", "tool", name, "error", err)
			continue
		}
		byName[name] = tool
	}

	list := make([]*store.Tool, 0, len(byName))
	for _, tool := range byName {
		list = append(list, tool)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

	defs := tools.Definitions(list)
	if g.req.MCP != nil {
		defs = append(defs, g.req.MCP.Tools()...)
	}
	if g.req.Agent.AllowToolCreation {
		defs = append(defs, createToolDefinition)
	}
	return &tools.Scope{Tools: byName, MCP: g.req.MCP}, defs
}

// dispatchTool runs one tool call and returns the user-role feedback message
// appended to the conversation.
func (g *generation) dispatchTool(ctx context.Context, round int, tc llms.ToolCall, scope *tools.Scope) string {
	if tc.Name == createToolName && g.req.Agent.AllowToolCreation {
		return g.handleProposal(ctx, tc)
	}
	if g.isGated(tc.Name, scope) {
		return g.handleGated(ctx, round, tc, scope)
	}
	result := g.execute(ctx, round, tc, scope)
	return toolFeedback(tc.Name, result)
}

// isGated reports whether the call needs human approval. Built-in tools gate
// on their own flag or the agent's HITL list; MCP tools only on the list.
func (g *generation) isGated(name string, scope *tools.Scope) bool {
	if tool := scope.Tools[name]; tool != nil && tool.RequiresConfirmation {
		return true
	}
	for _, gated := range g.req.Agent.HITLTools {
		if gated == name {
			return true
		}
	}
	return false
}

func (g *generation) execute(ctx context.Context, round int, tc llms.ToolCall, scope *tools.Scope) string {
	g.em.emit(EventToolCall, map[string]any{
		"id": tc.ID, "name": tc.Name, "arguments": tc.Arguments, "status": "running",
	})

	toolStart := time.Now()
	var result string
	if tool := scope.Tools[tc.Name]; tool != nil {
		if err := tools.ValidateArgs(tool, tc.Arguments); err != nil {
			result = fmt.Sprintf(`{"error": %q}`, err.Error())
		}
	}
	if result == "" {
		result = g.engine.executor.Execute(ctx, tc.Name, tc.Arguments, scope)
	}

	spanType := store.SpanToolCall
	if mcp.IsToolName(tc.Name) {
		spanType = store.SpanMCPCall
	}
	status := "ok"
	if strings.HasPrefix(result, `{"error"`) {
		status = "error"
	}
	args, _ := json.Marshal(tc.Arguments)
	g.recorder.Record(ctx, &store.TraceSpan{
		SpanType:      spanType,
		Name:          tc.Name,
		DurationMS:    time.Since(toolStart).Milliseconds(),
		Status:        status,
		InputPreview:  string(args),
		OutputPreview: result,
		RoundNumber:   round,
	})

	g.em.emit(EventToolCall, map[string]any{
		"id": tc.ID, "name": tc.Name, "arguments": tc.Arguments,
		"status": "completed", "result": result,
	})
	g.forward(inferElementEvents(tc.Name, result))
	return result
}

// handleGated suspends at the approval gate before executing. Denial and
// timeout both resolve the call with the denial string; the model is told
// not to retry.
func (g *generation) handleGated(ctx context.Context, round int, tc llms.ToolCall, scope *tools.Scope) string {
	req := &store.HITLApproval{
		SessionID:  g.req.Session.ID,
		ToolCallID: tc.ID,
		ToolName:   tc.Name,
		Arguments:  tc.Arguments,
		Status:     store.StatusPending,
	}
	if err := g.engine.store.CreateApproval(ctx, req); err != nil {
		slog.Error("Failed to persist approval request", "tool", tc.Name, "error", err)
		return toolFeedback(tc.Name, fmt.Sprintf(`{"error": %q}`, err.Error()))
	}

	waiter := g.engine.gate.Register(approval.KindHITL, g.req.Session.ID, tc.ID)
	g.em.emit(EventHITLRequired, map[string]any{
		"approval_id":    req.ID,
		"session_id":     g.req.Session.ID,
		"tool_call_id":   tc.ID,
		"tool_name":      tc.Name,
		"tool_arguments": tc.Arguments,
	})

	decision, resolved := waiter.Await(ctx)
	if resolved && decision.Approved {
		result := g.execute(ctx, round, tc, scope)
		return toolFeedback(tc.Name, result)
	}
	if !resolved {
		// Timed out; the row is still pending.
		if err := g.engine.store.ResolveApproval(ctx, req.ID, store.StatusDenied); err != nil {
			slog.Warn("Failed to mark approval denied after timeout", "approval_id", req.ID, "error", err)
		}
	}

	g.em.emit(EventToolCall, map[string]any{
		"id": tc.ID, "name": tc.Name, "arguments": tc.Arguments,
		"status": "completed", "result": deniedToolResult,
	})
	g.recorder.Record(ctx, &store.TraceSpan{
		SpanType:      store.SpanToolCall,
		Name:          tc.Name,
		Status:        "denied",
		OutputPreview: deniedToolResult,
		RoundNumber:   round,
	})
	return fmt.Sprintf("The user denied the call to %q. Do not retry it; answer with the information you already have.", tc.Name)
}

// finalize resolves artifacts, persists the assistant message and emits the
// closing event sequence.
func (g *generation) finalize(ctx context.Context, content string) {
	final, artifactEvents := finalizeArtifacts(content, g.history, g.intent)
	g.forward(artifactEvents)

	msg := &store.Message{
		SessionID: g.req.Session.ID,
		Role:      llms.RoleAssistant,
		Content:   final,
		Reasoning: g.reasoning.String(),
		Metadata: store.MessageMetadata{
			Model:        g.req.Model,
			Provider:     g.req.ProviderType,
			LatencyMS:    time.Since(g.start).Milliseconds(),
			InputTokens:  g.usage.InputTokens,
			OutputTokens: g.usage.OutputTokens,
		},
	}
	if err := g.engine.store.InsertMessage(ctx, msg); err != nil {
		g.em.errorAndDone(fmt.Sprintf("failed to persist assistant message: %v", err))
		return
	}
	g.recorder.Backfill(ctx, msg.ID)

	if err := g.engine.store.AddSessionTokens(ctx, g.req.Session.ID, g.usage.InputTokens, g.usage.OutputTokens); err != nil {
		slog.Warn("Failed to update session token totals", "session_id", g.req.Session.ID, "error", err)
	}

	g.em.emit(EventMessageComplete, map[string]any{
		"id":         msg.ID,
		"session_id": msg.SessionID,
		"role":       string(msg.Role),
		"content":    msg.Content,
		"reasoning":  msg.Reasoning,
		"metadata":   msg.Metadata,
		"created_at": msg.CreatedAt,
	})

	totalIn, totalOut := g.usage.InputTokens, g.usage.OutputTokens
	if sess, err := g.engine.store.GetSession(ctx, g.req.Session.ID); err == nil {
		totalIn, totalOut = sess.TotalInputTokens, sess.TotalOutputTokens
	}
	g.em.emit(EventTokenUsage, map[string]any{
		"input_tokens":         g.usage.InputTokens,
		"output_tokens":        g.usage.OutputTokens,
		"session_total_input":  totalIn,
		"session_total_output": totalOut,
	})
	g.em.emit(EventDone, map[string]any{})
}

// fail persists whatever content was produced, tagged with the error, then
// emits error and done. Partial messages do not count toward token totals.
func (g *generation) fail(ctx context.Context, content, errMsg string) {
	if strings.TrimSpace(content) != "" {
		msg := &store.Message{
			SessionID: g.req.Session.ID,
			Role:      llms.RoleAssistant,
			Content:   content,
			Reasoning: g.reasoning.String(),
			Metadata: store.MessageMetadata{
				Model:     g.req.Model,
				Provider:  g.req.ProviderType,
				LatencyMS: time.Since(g.start).Milliseconds(),
				Error:     errMsg,
			},
		}
		if err := g.engine.store.InsertMessage(ctx, msg); err != nil {
			slog.Error("Failed to persist partial message", "session_id", g.req.Session.ID, "error", err)
		} else {
			g.recorder.Backfill(ctx, msg.ID)
		}
	}
	g.em.errorAndDone(errMsg)
}

func (g *generation) forward(events []Event) {
	for _, ev := range events {
		g.em.ch <- ev
	}
}

func toolFeedback(name, result string) string {
	return fmt.Sprintf("Tool %q returned:\n%s\n\n%s", name, result, toolResultSuffix)
}

// CompleteStream is Complete with live content deltas. Workflow terminal
// nodes use it so clients watch the final answer stream while inner nodes
// stay blocking.
func (e *Engine) CompleteStream(ctx context.Context, req *Request, input string, onDelta func(string)) (string, llms.Usage, error) {
	var usage llms.Usage
	messages := []llms.Message{{Role: llms.RoleUser, Content: input}}
	system := buildSystemPrompt(req, nil, "")

	g := &generation{engine: e, req: req, start: time.Now()}

	for round := 1; round <= MaxToolRounds; round++ {
		scope, defs := g.roundScope(ctx)
		stream, err := req.Provider.StreamChat(ctx, messages, system, defs)
		if err != nil {
			return "", usage, err
		}

		var content strings.Builder
		var toolCalls []llms.ToolCall
		for chunk := range stream {
			switch chunk.Type {
			case llms.ChunkContent:
				content.WriteString(chunk.Text)
				if onDelta != nil {
					onDelta(chunk.Text)
				}
			case llms.ChunkToolCall:
				if chunk.ToolCall != nil {
					toolCalls = append(toolCalls, *chunk.ToolCall)
				}
			case llms.ChunkDone:
				if chunk.Usage != nil {
					usage.InputTokens += chunk.Usage.InputTokens
					usage.OutputTokens += chunk.Usage.OutputTokens
				}
			case llms.ChunkError:
				return content.String(), usage, chunk.Err
			}
		}

		if len(toolCalls) == 0 || round == MaxToolRounds {
			return content.String(), usage, nil
		}
		messages = append(messages, llms.Message{
			Role:      llms.RoleAssistant,
			Content:   content.String(),
			ToolCalls: toolCalls,
		})
		for _, tc := range toolCalls {
			var result string
			if tc.Name == createToolName || g.isGated(tc.Name, scope) {
				result = deniedToolResult
			} else {
				result = e.executor.Execute(ctx, tc.Name, tc.Arguments, scope)
			}
			messages = append(messages, llms.Message{Role: llms.RoleUser, Content: toolFeedback(tc.Name, result)})
		}
	}
	return "", usage, nil
}

// kbContext searches the agent's knowledge bases, emits the advisory events
// and returns the retrieved context block for the system prompt.
func (e *Engine) kbContext(ctx context.Context, req *Request, query string, em *emitter) string {
	if len(req.KBs) == 0 {
		return ""
	}

	var contributed, missing []map[string]any
	var chunks []string
	for _, kb := range req.KBs {
		indexed, err := e.store.HasIndexedDocuments(ctx, kb.ID)
		if err != nil {
			slog.Warn("Failed to check KB index state", "kb_id", kb.ID, "error", err)
			continue
		}
		if !indexed || e.index == nil {
			missing = append(missing, map[string]any{"id": kb.ID, "name": kb.Name})
			continue
		}

		results, err := e.index.Search(ctx, rag.KBCollection(kb.ID), query, kbSearchTopK)
		if err != nil {
			slog.Warn("KB search failed", "kb_id", kb.ID, "error", err)
			continue
		}
		if len(results) == 0 {
			continue
		}
		contributed = append(contributed, map[string]any{"id": kb.ID, "name": kb.Name})
		for _, r := range results {
			chunks = append(chunks, r.Text)
		}
	}

	if len(contributed) > 0 {
		em.emit(EventKBContext, map[string]any{"kbs": contributed})
	}
	if len(missing) > 0 {
		em.emit(EventKBWarning, map[string]any{"kbs": missing})
	}
	if len(chunks) == 0 {
		return ""
	}
	return "## KNOWLEDGE BASE CONTEXT\n" + strings.Join(chunks, "\n---\n") + "\n"
}

func buildSystemPrompt(req *Request, history []*store.Message, kbBlock string) string {
	parts := []string{req.Agent.SystemPrompt}
	if block := contextmgr.MemoryBlock(req.Memories); block != "" {
		parts = append(parts, block)
	}
	if block := contextmgr.ArtifactContextBlock(history); block != "" {
		parts = append(parts, block)
	}
	if kbBlock != "" {
		parts = append(parts, kbBlock)
	}
	if req.ExtraContext != "" {
		parts = append(parts, req.ExtraContext)
	}
	return strings.Join(parts, "\n\n")
}

// Complete runs a blocking tool loop and returns the final text. Gated tools
// are not suspended here; inner workflow nodes and parallel team members have
// no one watching an approval stream, so HITL-gated tools report as denied.
func (e *Engine) Complete(ctx context.Context, req *Request, input string) (string, llms.Usage, error) {
	var usage llms.Usage
	messages := []llms.Message{{Role: llms.RoleUser, Content: input}}
	system := buildSystemPrompt(req, nil, "")

	g := &generation{engine: e, req: req, start: time.Now()}

	for round := 1; round <= MaxToolRounds; round++ {
		scope, defs := g.roundScope(ctx)
		reply, err := req.Provider.Chat(ctx, messages, system, defs)
		if err != nil {
			return "", usage, err
		}
		usage.InputTokens += reply.Usage.InputTokens
		usage.OutputTokens += reply.Usage.OutputTokens

		if len(reply.ToolCalls) == 0 || round == MaxToolRounds {
			return reply.Content, usage, nil
		}

		messages = append(messages, llms.Message{
			Role:      llms.RoleAssistant,
			Content:   reply.Content,
			ToolCalls: reply.ToolCalls,
		})
		for _, tc := range reply.ToolCalls {
			var result string
			if tc.Name == createToolName || g.isGated(tc.Name, scope) {
				result = deniedToolResult
			} else {
				result = e.executor.Execute(ctx, tc.Name, tc.Arguments, scope)
			}
			messages = append(messages, llms.Message{Role: llms.RoleUser, Content: toolFeedback(tc.Name, result)})
		}
	}
	return "", usage, nil
}
