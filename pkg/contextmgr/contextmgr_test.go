package contextmgr

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplane/agentplane/pkg/llms"
	"github.com/agentplane/agentplane/pkg/store"
)

func TestEstimateTokens(t *testing.T) {
	msgs := []llms.Message{
		{Role: llms.RoleUser, Content: strings.Repeat("x", 400)},
		{Role: llms.RoleAssistant, Parts: []llms.ContentPart{{Type: "text", Text: strings.Repeat("y", 40)}}},
	}
	assert.Equal(t, 110, EstimateTokens(msgs))
}

func TestContextLimit(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"claude-sonnet-4", 200_000},
		{"gpt-4o-mini", 128_000},
		{"gpt-3.5-turbo", 16_385},
		{"llama3.2", 100_000},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ContextLimit(tt.model), tt.model)
	}
}

func TestShouldCompact(t *testing.T) {
	small := []llms.Message{{Role: llms.RoleUser, Content: "hi"}}
	assert.False(t, ShouldCompact(small, "gpt-3.5-turbo"))

	// 16385 * 0.8 * 4 chars ~ 52432; exceed it.
	big := []llms.Message{{Role: llms.RoleUser, Content: strings.Repeat("x", 60_000)}}
	assert.True(t, ShouldCompact(big, "gpt-3.5-turbo"))
	assert.False(t, ShouldCompact(big, "claude-sonnet-4"))
}

func TestMemoryBlock(t *testing.T) {
	assert.Empty(t, MemoryBlock(nil))

	block := MemoryBlock([]*store.AgentMemory{
		{Key: "name", Value: "prefers Go", Category: "preference"},
		{Key: "tz", Value: "works in UTC+2"},
	})
	assert.Contains(t, block, "## What I know about you:")
	assert.Contains(t, block, "- [preference] prefers Go")
	assert.Contains(t, block, "- [context] works in UTC+2")
}

func TestMemoryBlockCap(t *testing.T) {
	memories := make([]*store.AgentMemory, 60)
	for i := range memories {
		memories[i] = &store.AgentMemory{Value: "fact", Category: "context"}
	}
	block := MemoryBlock(memories)
	assert.Equal(t, MaxInjectedMemories, strings.Count(block, "- [context]"))
}

func TestFindArtifacts(t *testing.T) {
	content := `Here you go.
<artifact id="art_1" title="Report" type="markdown">
# Q3
</artifact>
And a second one: <artifact id="art_2" title="App" type="jsx">code</artifact>`

	artifacts := FindArtifacts(content)
	require.Len(t, artifacts, 2)
	assert.Equal(t, "art_1", artifacts[0].ID)
	assert.Equal(t, "Report", artifacts[0].Title)
	assert.Equal(t, "markdown", artifacts[0].Type)
	assert.Contains(t, artifacts[0].Content, "# Q3")
	assert.Equal(t, "art_2", artifacts[1].ID)
}

func TestStripArtifacts(t *testing.T) {
	content := `before <artifact id="a" title="t" type="markdown">secret body</artifact> after`
	stripped := StripArtifacts(content)
	assert.NotContains(t, stripped, "secret body")
	assert.Contains(t, stripped, "before")
	assert.Contains(t, stripped, "after")
}

func TestArtifactContextBlock(t *testing.T) {
	history := []*store.Message{
		{Role: llms.RoleUser, Content: `<artifact id="u1" title="nope" type="markdown">x</artifact>`},
		{Role: llms.RoleAssistant, Content: `<artifact id="art_1" title="Report" type="markdown">v1</artifact>`},
		{Role: llms.RoleAssistant, Content: `<artifact id="art_1" title="Report" type="markdown">v2</artifact>`},
	}
	block := ArtifactContextBlock(history)
	assert.Contains(t, block, "## EXISTING ARTIFACTS")
	assert.Equal(t, 1, strings.Count(block, "art_1"))
	assert.NotContains(t, block, "u1")
}

func TestParseEditIntent(t *testing.T) {
	intent, rest := ParseEditIntent(`[EDIT ARTIFACT id="art_1" title="Report" type="markdown"] make it shorter`)
	require.NotNil(t, intent)
	assert.Equal(t, "art_1", intent.ID)
	assert.Equal(t, "Report", intent.Title)
	assert.Equal(t, "markdown", intent.Type)
	assert.Equal(t, "make it shorter", rest)

	intent, rest = ParseEditIntent("just a normal message")
	assert.Nil(t, intent)
	assert.Equal(t, "just a normal message", rest)
}

func TestRewriteEditMessage(t *testing.T) {
	history := []*store.Message{
		{Role: llms.RoleAssistant, Content: `<artifact id="art_1" title="Report" type="markdown">old draft</artifact>`},
		{Role: llms.RoleAssistant, Content: `<artifact id="art_1" title="Report" type="markdown">latest draft</artifact>`},
	}
	msg := `[EDIT ARTIFACT id="art_1" title="Report" type="markdown"] fix the title`
	rewritten := RewriteEditMessage(msg, history)

	assert.Contains(t, rewritten, "latest draft")
	assert.NotContains(t, rewritten, "old draft")
	assert.Contains(t, rewritten, "fix the title")
	assert.Contains(t, rewritten, "artifact_patch")
}

func TestRewriteEditMessageUnknownArtifact(t *testing.T) {
	msg := `[EDIT ARTIFACT id="missing" title="x" type="markdown"] change it`
	assert.Equal(t, msg, RewriteEditMessage(msg, nil))
}

// fakeProvider returns a canned reply and records what it was asked.
type fakeProvider struct {
	reply    string
	sawInput string
}

func (f *fakeProvider) Chat(ctx context.Context, messages []llms.Message, system string, tools []llms.ToolDefinition) (*llms.Reply, error) {
	if len(messages) > 0 {
		f.sawInput = messages[0].Content
	}
	return &llms.Reply{Content: f.reply}, nil
}

func (f *fakeProvider) StreamChat(ctx context.Context, messages []llms.Message, system string, tools []llms.ToolDefinition) (<-chan llms.StreamChunk, error) {
	ch := make(chan llms.StreamChunk, 1)
	close(ch)
	return ch, nil
}

func (f *fakeProvider) ListModels(ctx context.Context) ([]llms.ModelInfo, error) { return nil, nil }
func (f *fakeProvider) TestConnection(ctx context.Context) bool                  { return true }
func (f *fakeProvider) ModelName() string                                        { return "fake" }
func (f *fakeProvider) Close() error                                             { return nil }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCompactorBelowThresholdIsNoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, &store.Session{ID: "s1", OwnerID: "u1", EntityType: "agent", EntityID: "a1"}))
	for i := 0; i < 12; i++ {
		require.NoError(t, s.InsertMessage(ctx, &store.Message{
			ID: "msg_" + string(rune('a'+i)), SessionID: "s1",
			Role: llms.RoleUser, Content: "short",
		}))
	}

	c := NewCompactor(s, &fakeProvider{reply: "summary"}, "gpt-3.5-turbo")
	result, err := c.Compact(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, result)

	msgs, err := s.ListMessages(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, msgs, 12)
}

func TestCompactorReplacesHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, &store.Session{ID: "s1", OwnerID: "u1", EntityType: "agent", EntityID: "a1"}))

	// 20 messages, big enough to cross the gpt-3.5 threshold.
	for i := 0; i < 20; i++ {
		require.NoError(t, s.InsertMessage(ctx, &store.Message{
			ID: "msg_" + string(rune('a'+i)), SessionID: "s1",
			Role: llms.RoleUser, Content: strings.Repeat("x", 4000),
		}))
	}

	provider := &fakeProvider{reply: "the user discussed x"}
	c := NewCompactor(s, provider, "gpt-3.5-turbo")
	result, err := c.Compact(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 10, result.Summarized)
	assert.Contains(t, result.SummaryPreview, "the user discussed x")

	msgs, err := s.ListMessages(ctx, "s1")
	require.NoError(t, err)
	// marker + summary + last 10.
	require.Len(t, msgs, 12)
	assert.Equal(t, llms.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "summarized")
	assert.Equal(t, llms.RoleUser, msgs[1].Role)
	assert.Contains(t, msgs[1].Content, "the user discussed x")
	assert.Equal(t, "msg_"+string(rune('a'+10)), msgs[2].ID)
	assert.NotEmpty(t, provider.sawInput)
}
