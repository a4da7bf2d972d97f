// Package memory distills durable user facts out of finished sessions. The
// reflector runs in the background; it never blocks or fails a chat request,
// so every error here is logged and swallowed.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agentplane/agentplane/pkg/contextmgr"
	"github.com/agentplane/agentplane/pkg/llms"
	"github.com/agentplane/agentplane/pkg/store"
)

const (
	// MaxReflectionMessages bounds how much history one reflection reads.
	MaxReflectionMessages = 40

	// MaxNewFacts caps how many facts one reflection may add.
	MaxNewFacts = 5

	// MemoryCap is the per-agent-per-user fact ceiling. Crossing it evicts
	// low-confidence facts, oldest first.
	MemoryCap = 50

	evictThreshold = 0.5
)

const reflectionSystemPrompt = `You extract durable facts about the user from a conversation. Return a JSON
array, nothing else. Each element: {"key": string, "value": string,
"confidence": number between 0 and 1, "category": one of "preference",
"context", "decision", "correction"}. Only include facts worth remembering
across conversations. Reuse an existing key to update a stale fact. Return []
if there is nothing new.`

// Reflector extracts facts from sessions whose history has not been
// processed yet.
type Reflector struct {
	store    *store.Store
	provider llms.Provider
}

func NewReflector(s *store.Store, provider llms.Provider) *Reflector {
	return &Reflector{store: s, provider: provider}
}

// ProcessPending reflects over every unprocessed session for the agent/user
// pair except the one currently active.
func (r *Reflector) ProcessPending(ctx context.Context, agentID, userID, activeSessionID string) {
	sessions, err := r.store.UnprocessedSessions(ctx, agentID, userID, activeSessionID)
	if err != nil {
		slog.Warn("Failed to list unprocessed sessions", "agent_id", agentID, "error", err)
		return
	}
	for _, sess := range sessions {
		r.Reflect(ctx, sess)
	}
}

// Reflect extracts facts from one session. The session is marked processed
// up front so a crashed or failed reflection is never retried in a loop.
func (r *Reflector) Reflect(ctx context.Context, sess *store.Session) {
	if err := r.store.SetMemoryProcessed(ctx, sess.ID, true); err != nil {
		slog.Warn("Failed to mark session processed", "session_id", sess.ID, "error", err)
		return
	}

	transcript := r.transcript(ctx, sess.ID)
	if transcript == "" {
		return
	}

	existing, err := r.store.ListMemories(ctx, sess.EntityID, sess.OwnerID)
	if err != nil {
		slog.Warn("Failed to load memories", "session_id", sess.ID, "error", err)
		return
	}

	facts, err := r.extract(ctx, transcript, existing)
	if err != nil {
		slog.Warn("Memory reflection failed", "session_id", sess.ID, "error", err)
		return
	}
	if len(facts) == 0 {
		return
	}

	for _, fact := range facts {
		mem := &store.AgentMemory{
			AgentID:    sess.EntityID,
			UserID:     sess.OwnerID,
			Key:        fact.Key,
			Value:      fact.Value,
			Category:   fact.Category,
			Confidence: fact.Confidence,
			SourceID:   sess.ID,
		}
		if err := r.store.UpsertMemory(ctx, mem); err != nil {
			slog.Warn("Failed to save memory", "key", fact.Key, "error", err)
		}
	}

	r.evictOverflow(ctx, sess.EntityID, sess.OwnerID)
	slog.Info("Reflected session into memory", "session_id", sess.ID, "facts", len(facts))
}

// transcript renders the last MaxReflectionMessages user/assistant messages
// with artifact bodies stripped.
func (r *Reflector) transcript(ctx context.Context, sessionID string) string {
	messages, err := r.store.RecentMessages(ctx, sessionID, MaxReflectionMessages)
	if err != nil {
		slog.Warn("Failed to load session history", "session_id", sessionID, "error", err)
		return ""
	}

	var sb strings.Builder
	for _, msg := range messages {
		if msg.Role != llms.RoleUser && msg.Role != llms.RoleAssistant {
			continue
		}
		content := strings.TrimSpace(contextmgr.StripArtifacts(msg.Content))
		if content == "" {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", msg.Role, content)
	}
	return sb.String()
}

type fact struct {
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Category   string  `json:"category"`
}

func (r *Reflector) extract(ctx context.Context, transcript string, existing []*store.AgentMemory) ([]fact, error) {
	var prompt strings.Builder
	if len(existing) > 0 {
		prompt.WriteString("Known facts:\n")
		for _, m := range existing {
			fmt.Fprintf(&prompt, "- %s: %s\n", m.Key, m.Value)
		}
		prompt.WriteString("\n")
	}
	prompt.WriteString("Conversation:\n")
	prompt.WriteString(transcript)

	reply, err := r.provider.Chat(ctx, []llms.Message{
		{Role: llms.RoleUser, Content: prompt.String()},
	}, reflectionSystemPrompt, nil)
	if err != nil {
		return nil, err
	}

	facts, err := parseFacts(reply.Content)
	if err != nil {
		return nil, err
	}
	if len(facts) > MaxNewFacts {
		facts = facts[:MaxNewFacts]
	}
	return facts, nil
}

// parseFacts decodes the model output, tolerating a fenced code block around
// the JSON array. Anything else is an error.
func parseFacts(raw string) ([]fact, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")
		raw = strings.TrimSpace(raw)
	}

	var parsed []fact
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("invalid reflection output: %w", err)
	}

	var facts []fact
	for _, f := range parsed {
		f.Key = strings.TrimSpace(f.Key)
		f.Value = strings.TrimSpace(f.Value)
		if f.Key == "" || f.Value == "" {
			continue
		}
		switch f.Category {
		case "preference", "context", "decision", "correction":
		default:
			f.Category = "context"
		}
		if f.Confidence <= 0 || f.Confidence > 1 {
			f.Confidence = 0.6
		}
		facts = append(facts, f)
	}
	return facts, nil
}

func (r *Reflector) evictOverflow(ctx context.Context, agentID, userID string) {
	count, err := r.store.CountMemories(ctx, agentID, userID)
	if err != nil || count <= MemoryCap {
		return
	}
	removed, err := r.store.EvictLowConfidenceMemories(ctx, agentID, userID, evictThreshold, count-MemoryCap)
	if err != nil {
		slog.Warn("Memory eviction failed", "agent_id", agentID, "error", err)
		return
	}
	if removed > 0 {
		slog.Info("Evicted low-confidence memories", "agent_id", agentID, "removed", removed)
	}
}
