package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/agentplane/agentplane/pkg/llms"
	"github.com/agentplane/agentplane/pkg/store"
)

// TeamRequest is one generation against a team-bound session. Members are in
// team order; the first member doubles as router/synthesizer.
type TeamRequest struct {
	Session *store.Session
	Team    *store.Team
	Members []*Request
}

// StreamTeam dispatches by team mode and returns the event channel. Member
// MCP pools are released when the turn finishes.
func (e *Engine) StreamTeam(ctx context.Context, req *TeamRequest) <-chan Event {
	em := newEmitter(streamBuffer)
	go func() {
		defer em.close()
		defer func() {
			for _, member := range req.Members {
				if member.MCP != nil {
					member.MCP.Close()
				}
			}
		}()
		if len(req.Members) == 0 {
			em.errorAndDone("team has no agents")
			return
		}
		switch req.Team.Mode {
		case "route":
			e.runRoute(ctx, req, em)
		case "collaborate":
			e.runCollaborate(ctx, req, em)
		default: // coordinate
			e.runCoordinate(ctx, req, em)
		}
	}()
	return em.ch
}

const routerSystemPrompt = `You route user requests to the best-suited agent. Reply with exactly one
agent name from the list, nothing else.`

// runCoordinate asks the first member's provider to pick an agent, then
// streams that agent through the standard path.
func (e *Engine) runCoordinate(ctx context.Context, req *TeamRequest, em *emitter) {
	selected := req.Members[0]
	if len(req.Members) > 1 {
		if member := e.routeMember(ctx, req); member != nil {
			selected = member
		}
	}
	em.emit(EventAgentStep, map[string]any{
		"agent_id":   selected.Agent.ID,
		"agent_name": selected.Agent.Name,
		"step":       "selected",
	})
	e.run(ctx, selected, em)
}

func (e *Engine) routeMember(ctx context.Context, req *TeamRequest) *Request {
	userText := e.lastUserText(ctx, req.Session.ID)

	var names []string
	for _, m := range req.Members {
		names = append(names, fmt.Sprintf("- %s: %s", m.Agent.Name, firstLine(m.Agent.SystemPrompt)))
	}
	prompt := fmt.Sprintf("Agents:\n%s\n\nRequest: %s", strings.Join(names, "\n"), userText)

	reply, err := req.Members[0].Provider.Chat(ctx, []llms.Message{
		{Role: llms.RoleUser, Content: prompt},
	}, routerSystemPrompt, nil)
	if err != nil {
		slog.Warn("Team router call failed, using first agent", "team_id", req.Team.ID, "error", err)
		return nil
	}

	choice := strings.ToLower(strings.TrimSpace(reply.Content))
	for _, m := range req.Members {
		if strings.Contains(choice, strings.ToLower(m.Agent.Name)) {
			return m
		}
	}
	return nil
}

// runRoute runs every member in parallel with its own blocking tool loop and
// streams a synthesis of their outputs through the first member.
func (e *Engine) runRoute(ctx context.Context, req *TeamRequest, em *emitter) {
	userText := e.lastUserText(ctx, req.Session.ID)

	outputs := make([]string, len(req.Members))
	g, gctx := errgroup.WithContext(ctx)
	for i, member := range req.Members {
		g.Go(func() error {
			out, _, err := e.Complete(gctx, member, userText)
			if err != nil {
				slog.Warn("Team member failed", "agent", member.Agent.Name, "error", err)
				return nil
			}
			outputs[i] = out
			return nil
		})
	}
	g.Wait()

	var sb strings.Builder
	for i, member := range req.Members {
		if outputs[i] == "" {
			continue
		}
		em.emit(EventAgentStep, map[string]any{
			"agent_id":   member.Agent.ID,
			"agent_name": member.Agent.Name,
			"step":       "responded",
		})
		fmt.Fprintf(&sb, "## %s\n%s\n\n", member.Agent.Name, outputs[i])
	}

	synth := *req.Members[0]
	synth.ExtraContext = "## AGENT RESPONSES\nSynthesize a single answer from these agent responses:\n\n" + sb.String()
	e.run(ctx, &synth, em)
}

// runCollaborate chains members sequentially; each non-final output becomes
// context for the next, and the final member streams.
func (e *Engine) runCollaborate(ctx context.Context, req *TeamRequest, em *emitter) {
	userText := e.lastUserText(ctx, req.Session.ID)

	var acc strings.Builder
	for i, member := range req.Members[:len(req.Members)-1] {
		em.emit(EventAgentStep, map[string]any{
			"agent_id":   member.Agent.ID,
			"agent_name": member.Agent.Name,
			"step":       fmt.Sprintf("working (%d/%d)", i+1, len(req.Members)),
		})

		working := *member
		if acc.Len() > 0 {
			working.ExtraContext = "## PRIOR AGENT WORK\n" + acc.String()
		}
		out, _, err := e.Complete(ctx, &working, userText)
		if err != nil {
			slog.Warn("Team member failed, continuing chain", "agent", member.Agent.Name, "error", err)
			continue
		}
		fmt.Fprintf(&acc, "## %s\n%s\n\n", member.Agent.Name, out)
	}

	final := *req.Members[len(req.Members)-1]
	if acc.Len() > 0 {
		final.ExtraContext = "## PRIOR AGENT WORK\n" + acc.String()
	}
	em.emit(EventAgentStep, map[string]any{
		"agent_id":   final.Agent.ID,
		"agent_name": final.Agent.Name,
		"step":       "finalizing",
	})
	e.run(ctx, &final, em)
}

func (e *Engine) lastUserText(ctx context.Context, sessionID string) string {
	messages, err := e.store.RecentMessages(ctx, sessionID, 1)
	if err != nil || len(messages) == 0 {
		return ""
	}
	return messages[len(messages)-1].Content
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
