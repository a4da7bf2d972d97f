package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplane/agentplane/pkg/llms"
	"github.com/agentplane/agentplane/pkg/store"
)

type fakeProvider struct {
	reply     string
	err       error
	sawPrompt string
	calls     int
}

func (f *fakeProvider) Chat(ctx context.Context, messages []llms.Message, system string, tools []llms.ToolDefinition) (*llms.Reply, error) {
	f.calls++
	if len(messages) > 0 {
		f.sawPrompt = messages[0].Content
	}
	if f.err != nil {
		return nil, f.err
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

func seedSession(t *testing.T, s *store.Store, id string, contents ...string) *store.Session {
	t.Helper()
	ctx := context.Background()
	sess := &store.Session{ID: id, OwnerID: "u1", EntityType: "agent", EntityID: "a1"}
	require.NoError(t, s.CreateSession(ctx, sess))
	for i, content := range contents {
		role := llms.RoleUser
		if i%2 == 1 {
			role = llms.RoleAssistant
		}
		require.NoError(t, s.InsertMessage(ctx, &store.Message{
			ID: fmt.Sprintf("%s_m%02d", id, i), SessionID: id, Role: role, Content: content,
		}))
	}
	return sess
}

func TestParseFacts(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int
	}{
		{"plain array", `[{"key":"lang","value":"Go","confidence":0.9,"category":"preference"}]`, 1},
		{"fenced", "```json\n[{\"key\":\"tz\",\"value\":\"UTC+2\",\"confidence\":0.8,\"category\":\"context\"}]\n```", 1},
		{"empty array", `[]`, 0},
		{"drops blank keys", `[{"key":"","value":"x","confidence":0.5,"category":"context"}]`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			facts, err := parseFacts(tt.raw)
			require.NoError(t, err)
			assert.Len(t, facts, tt.want)
		})
	}

	_, err := parseFacts("I could not find any facts.")
	assert.Error(t, err)
}

func TestParseFactsNormalizes(t *testing.T) {
	facts, err := parseFacts(`[{"key":"k","value":"v","confidence":7,"category":"bogus"}]`)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "context", facts[0].Category)
	assert.Equal(t, 0.6, facts[0].Confidence)
}

func TestReflectSavesFacts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s, "s1", "I prefer dark mode", "Noted.")

	provider := &fakeProvider{reply: `[{"key":"ui","value":"prefers dark mode","confidence":0.9,"category":"preference"}]`}
	NewReflector(s, provider).Reflect(ctx, sess)

	memories, err := s.ListMemories(ctx, "a1", "u1")
	require.NoError(t, err)
	require.Len(t, memories, 1)
	assert.Equal(t, "ui", memories[0].Key)
	assert.Equal(t, "s1", memories[0].SourceID)

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, got.MemoryProcessed)
}

func TestReflectMarksProcessedEvenOnFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s, "s1", "hello", "hi")

	NewReflector(s, &fakeProvider{err: fmt.Errorf("provider down")}).Reflect(ctx, sess)

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, got.MemoryProcessed)

	memories, err := s.ListMemories(ctx, "a1", "u1")
	require.NoError(t, err)
	assert.Empty(t, memories)
}

func TestReflectStripsArtifactsFromTranscript(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s, "s1",
		"make a report",
		`Done. <artifact id="a1" title="Report" type="markdown">SECRET BODY</artifact>`)

	provider := &fakeProvider{reply: `[]`}
	NewReflector(s, provider).Reflect(ctx, sess)

	assert.NotContains(t, provider.sawPrompt, "SECRET BODY")
	assert.Contains(t, provider.sawPrompt, "make a report")
}

func TestReflectCapsNewFacts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s, "s1", "lots of facts", "ok")

	var items []string
	for i := 0; i < 8; i++ {
		items = append(items, fmt.Sprintf(`{"key":"k%d","value":"v%d","confidence":0.9,"category":"context"}`, i, i))
	}
	provider := &fakeProvider{reply: "[" + strings.Join(items, ",") + "]"}
	NewReflector(s, provider).Reflect(ctx, sess)

	count, err := s.CountMemories(ctx, "a1", "u1")
	require.NoError(t, err)
	assert.Equal(t, MaxNewFacts, count)
}

func TestReflectEvictsPastCap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Fill to the cap with low-confidence facts.
	for i := 0; i < MemoryCap; i++ {
		require.NoError(t, s.UpsertMemory(ctx, &store.AgentMemory{
			AgentID: "a1", UserID: "u1",
			Key: fmt.Sprintf("old%02d", i), Value: "stale", Confidence: 0.3,
		}))
	}

	sess := seedSession(t, s, "s1", "remember this", "ok")
	provider := &fakeProvider{reply: `[{"key":"fresh","value":"new fact","confidence":0.95,"category":"context"}]`}
	NewReflector(s, provider).Reflect(ctx, sess)

	count, err := s.CountMemories(ctx, "a1", "u1")
	require.NoError(t, err)
	assert.Equal(t, MemoryCap, count)

	memories, err := s.ListMemories(ctx, "a1", "u1")
	require.NoError(t, err)
	keys := make(map[string]bool)
	for _, m := range memories {
		keys[m.Key] = true
	}
	assert.True(t, keys["fresh"])
}

func TestProcessPendingSkipsActiveSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "done1", "fact one", "ok")
	seedSession(t, s, "active", "fact two", "ok")

	provider := &fakeProvider{reply: `[]`}
	NewReflector(s, provider).ProcessPending(ctx, "a1", "u1", "active")

	assert.Equal(t, 1, provider.calls)

	done, err := s.GetSession(ctx, "done1")
	require.NoError(t, err)
	assert.True(t, done.MemoryProcessed)

	active, err := s.GetSession(ctx, "active")
	require.NoError(t, err)
	assert.False(t, active.MemoryProcessed)
}
