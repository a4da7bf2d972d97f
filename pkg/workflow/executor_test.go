package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplane/agentplane/pkg/approval"
	"github.com/agentplane/agentplane/pkg/engine"
	"github.com/agentplane/agentplane/pkg/llms"
	"github.com/agentplane/agentplane/pkg/store"
	"github.com/agentplane/agentplane/pkg/tools"
)

// fakeProvider serves queued replies; a nil entry produces an error. Stream
// scripts are consumed by terminal nodes.
type fakeProvider struct {
	mu      sync.Mutex
	replies []*llms.Reply
	scripts [][]llms.StreamChunk
}

func (p *fakeProvider) Chat(ctx context.Context, messages []llms.Message, system string, defs []llms.ToolDefinition) (*llms.Reply, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.replies) == 0 {
		return nil, errors.New("no scripted reply")
	}
	reply := p.replies[0]
	p.replies = p.replies[1:]
	if reply == nil {
		return nil, errors.New("provider unavailable")
	}
	return reply, nil
}

func (p *fakeProvider) StreamChat(ctx context.Context, messages []llms.Message, system string, defs []llms.ToolDefinition) (<-chan llms.StreamChunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.scripts) == 0 {
		return nil, errors.New("no scripted stream")
	}
	script := p.scripts[0]
	p.scripts = p.scripts[1:]
	ch := make(chan llms.StreamChunk, len(script))
	for _, chunk := range script {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

func (p *fakeProvider) ListModels(ctx context.Context) ([]llms.ModelInfo, error) { return nil, nil }
func (p *fakeProvider) TestConnection(ctx context.Context) bool                  { return true }
func (p *fakeProvider) ModelName() string                                        { return "fake" }
func (p *fakeProvider) Close() error                                             { return nil }

func streamScript(text string) []llms.StreamChunk {
	return []llms.StreamChunk{
		{Type: llms.ChunkContent, Text: text},
		{Type: llms.ChunkDone, Usage: &llms.Usage{InputTokens: 3, OutputTokens: 2}},
	}
}

func newExecutor(t *testing.T, provider llms.Provider) (*Executor, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	gate := approval.NewGateWithTimeout(100 * time.Millisecond)
	eng := engine.New(s, gate, tools.NewExecutor(""), tools.NewDynamicSet(), nil)

	resolve := func(ctx context.Context, agentID string) (*engine.Request, error) {
		return &engine.Request{
			Agent:    &store.Agent{ID: agentID, OwnerID: "u1", Name: agentID, SystemPrompt: "Do the task."},
			Provider: provider,
			Model:    "fake",
		}, nil
	}
	return New(s, eng, resolve), s
}

func drain(ch <-chan engine.Event) []engine.Event {
	var events []engine.Event
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func eventsOfType(events []engine.Event, typ string) []engine.Event {
	var out []engine.Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestValidateDAGRejectsCycle(t *testing.T) {
	steps := []store.WorkflowStep{
		{ID: "a", DependsOn: []string{"c"}},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"b"}},
	}
	err := ValidateDAG(steps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle detected")
}

func TestValidateDAGRejectsUnknownDependency(t *testing.T) {
	err := ValidateDAG([]store.WorkflowStep{{ID: "a", DependsOn: []string{"ghost"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown step")
}

func TestValidateDAGAcceptsDiamond(t *testing.T) {
	require.NoError(t, ValidateDAG([]store.WorkflowStep{
		{ID: "s"},
		{ID: "l", DependsOn: []string{"s"}},
		{ID: "r", DependsOn: []string{"s"}},
		{ID: "e", DependsOn: []string{"l", "r"}},
	}))
}

func TestSequentialRunChainsOutputs(t *testing.T) {
	provider := &fakeProvider{
		replies: []*llms.Reply{{Content: "summary of the report"}},
		scripts: [][]llms.StreamChunk{streamScript("three bullet points")},
	}
	x, s := newExecutor(t, provider)

	wf := &store.Workflow{OwnerID: "u1", Name: "digest", Steps: []store.WorkflowStep{
		{Order: 0, Task: "Summarize the report", AgentID: "a1"},
		{Order: 1, Task: "Turn the summary into bullet points", AgentID: "a2"},
	}}
	require.NoError(t, s.CreateWorkflow(context.Background(), wf))

	events := drain(x.Run(context.Background(), wf, "the report text", "u1"))

	completes := eventsOfType(events, engine.EventNodeComplete)
	require.Len(t, completes, 2)
	assert.Equal(t, "summary of the report", completes[0].Data["output"])
	assert.Equal(t, "three bullet points", completes[1].Data["output"])

	deltas := eventsOfType(events, engine.EventNodeContentDelta)
	require.NotEmpty(t, deltas)
	assert.Equal(t, "step_1", deltas[0].Data["node_id"])

	done := eventsOfType(events, engine.EventWorkflowComplete)
	require.Len(t, done, 1)
	assert.Equal(t, "three bullet points", done[0].Data["output"])

	runID := eventsOfType(events, engine.EventWorkflowStart)[0].Data["run_id"].(string)
	run, err := s.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, run.Status)
	assert.Equal(t, "three bullet points", run.Output)
	assert.Equal(t, "completed", run.Steps["step_0"].Status)
	assert.Equal(t, "completed", run.Steps["step_1"].Status)
}

func TestDAGConditionSkipsUnchosenBranch(t *testing.T) {
	provider := &fakeProvider{replies: []*llms.Reply{
		{Content: "positive"},
		{Content: "thank-you note drafted"},
	}}
	x, s := newExecutor(t, provider)

	wf := &store.Workflow{OwnerID: "u1", Name: "triage", Steps: []store.WorkflowStep{
		{ID: "s", NodeType: NodeStart},
		{ID: "c", NodeType: NodeCondition, AgentID: "a1", DependsOn: []string{"s"},
			Condition: map[string]any{"branches": []any{"positive", "negative"}}},
		{ID: "p", NodeType: NodeAgent, AgentID: "a1", Task: "Draft a thank-you note",
			DependsOn: []string{"c"}, InputBranch: "positive"},
		{ID: "n", NodeType: NodeAgent, AgentID: "a1", Task: "Draft an apology",
			DependsOn: []string{"c"}, InputBranch: "negative"},
		{ID: "e", NodeType: NodeEnd, DependsOn: []string{"p", "n"}},
	}}
	require.NoError(t, s.CreateWorkflow(context.Background(), wf))

	events := drain(x.Run(context.Background(), wf, "I love this product", "u1"))

	done := eventsOfType(events, engine.EventWorkflowComplete)
	require.Len(t, done, 1)
	assert.Equal(t, "thank-you note drafted", done[0].Data["output"])

	var started []string
	for _, ev := range eventsOfType(events, engine.EventNodeStart) {
		started = append(started, ev.Data["node_id"].(string))
	}
	assert.NotContains(t, started, "n")

	runID := eventsOfType(events, engine.EventWorkflowStart)[0].Data["run_id"].(string)
	run, err := s.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, "skipped", run.Steps["n"].Status)
	assert.Equal(t, "completed", run.Steps["p"].Status)
	assert.Equal(t, "thank-you note drafted", run.Steps["e"].Output)
}

func TestDAGFailedStepFailsRun(t *testing.T) {
	provider := &fakeProvider{replies: []*llms.Reply{nil}}
	x, s := newExecutor(t, provider)

	wf := &store.Workflow{OwnerID: "u1", Name: "fragile", Steps: []store.WorkflowStep{
		{ID: "a", NodeType: NodeAgent, AgentID: "a1", Task: "Do the thing"},
		{ID: "b", NodeType: NodeAgent, AgentID: "a1", Task: "Use the result", DependsOn: []string{"a"}},
	}}
	require.NoError(t, s.CreateWorkflow(context.Background(), wf))

	events := drain(x.Run(context.Background(), wf, "go", "u1"))

	require.Len(t, eventsOfType(events, engine.EventNodeError), 1)
	require.Len(t, eventsOfType(events, engine.EventWorkflowError), 1)
	assert.Empty(t, eventsOfType(events, engine.EventWorkflowComplete))

	runID := eventsOfType(events, engine.EventWorkflowStart)[0].Data["run_id"].(string)
	run, err := s.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, run.Status)
	assert.Equal(t, "failed", run.Steps["a"].Status)
	assert.Equal(t, "pending", run.Steps["b"].Status)
}

func TestRunRejectsCyclicWorkflow(t *testing.T) {
	x, s := newExecutor(t, &fakeProvider{})

	wf := &store.Workflow{OwnerID: "u1", Name: "loop", Steps: []store.WorkflowStep{
		{ID: "a", AgentID: "a1", DependsOn: []string{"b"}},
		{ID: "b", AgentID: "a1", DependsOn: []string{"a"}},
	}}
	require.NoError(t, s.CreateWorkflow(context.Background(), wf))

	events := drain(x.Run(context.Background(), wf, "go", "u1"))
	errs := eventsOfType(events, engine.EventWorkflowError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Data["error"], "cycle detected")
}

func TestExecuteReturnsRunSnapshot(t *testing.T) {
	provider := &fakeProvider{
		scripts: [][]llms.StreamChunk{streamScript("done")},
	}
	x, s := newExecutor(t, provider)

	wf := &store.Workflow{OwnerID: "u1", Name: "single", Steps: []store.WorkflowStep{
		{Order: 0, Task: "Do it", AgentID: "a1"},
	}}
	require.NoError(t, s.CreateWorkflow(context.Background(), wf))

	run, err := x.Execute(context.Background(), wf, "go", "u1")
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, run.Status)
	assert.Equal(t, "done", run.Output)
}
