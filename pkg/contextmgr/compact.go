package contextmgr

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentplane/agentplane/pkg/llms"
	"github.com/agentplane/agentplane/pkg/store"
)

const compactionMarker = "Earlier messages in this conversation were summarized to stay within the context window."

const summarySystemPrompt = `You summarize conversations. Produce a concise summary of the conversation
below that preserves: user goals and constraints, decisions made, facts
established, artifact ids mentioned, and any unresolved questions. Write it as
plain prose, no preamble.`

// Compactor folds old history into a summary once a session approaches the
// model's context limit.
type Compactor struct {
	store    *store.Store
	provider llms.Provider
	model    string
}

func NewCompactor(s *store.Store, provider llms.Provider, model string) *Compactor {
	return &Compactor{store: s, provider: provider, model: model}
}

// CompactionResult describes one completed compaction.
type CompactionResult struct {
	Summarized     int
	SummaryPreview string
}

// Compact summarizes everything but the last KeepRecentMessages messages and
// replaces the session history with marker + summary + recent tail. Below the
// threshold it is a no-op returning nil, so callers invoke it unconditionally
// per request.
func (c *Compactor) Compact(ctx context.Context, sessionID string) (*CompactionResult, error) {
	messages, err := c.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(messages) <= KeepRecentMessages {
		return nil, nil
	}
	if !ShouldCompact(ToLLMMessages(messages), c.model) {
		return nil, nil
	}

	cut := len(messages) - KeepRecentMessages
	head, tail := messages[:cut], messages[cut:]

	summary, err := c.summarize(ctx, head)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize history: %w", err)
	}

	// The marker and summary take the timestamps of the summarized prefix so
	// they sort before the kept tail.
	base := head[0].CreatedAt
	replacement := []*store.Message{
		{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Role:      llms.RoleSystem,
			Content:   compactionMarker,
			CreatedAt: base,
		},
		{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Role:      llms.RoleUser,
			Content:   "Summary of the earlier conversation:\n\n" + summary,
			CreatedAt: base.Add(time.Millisecond),
		},
	}
	replacement = append(replacement, tail...)

	if err := c.store.ReplaceMessages(ctx, sessionID, replacement); err != nil {
		return nil, err
	}
	slog.Info("Compacted session history",
		"session_id", sessionID, "summarized", len(head), "kept", len(tail))
	return &CompactionResult{
		Summarized:     len(head),
		SummaryPreview: Truncate(summary, 200),
	}, nil
}

// Truncate bounds a string for previews.
func Truncate(s string, maxLen int) string {
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}

func (c *Compactor) summarize(ctx context.Context, messages []*store.Message) (string, error) {
	var sb strings.Builder
	for _, msg := range messages {
		content := StripArtifacts(msg.Content)
		if strings.TrimSpace(content) == "" {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", msg.Role, content)
	}

	reply, err := c.provider.Chat(ctx, []llms.Message{
		{Role: llms.RoleUser, Content: sb.String()},
	}, summarySystemPrompt, nil)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(reply.Content) == "" {
		return "", fmt.Errorf("empty summary")
	}
	return reply.Content, nil
}

// ToLLMMessages converts stored history into provider messages.
func ToLLMMessages(messages []*store.Message) []llms.Message {
	out := make([]llms.Message, 0, len(messages))
	for _, msg := range messages {
		out = append(out, llms.Message{
			Role:      msg.Role,
			Content:   msg.Content,
			Parts:     msg.Parts,
			ToolCalls: msg.ToolCalls,
		})
	}
	return out
}
