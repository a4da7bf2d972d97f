package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/agentplane/agentplane/pkg/engine"
	"github.com/agentplane/agentplane/pkg/llms"
	"github.com/agentplane/agentplane/pkg/observability"
	"github.com/agentplane/agentplane/pkg/store"
)

const eventBuffer = 100

// ResolveFunc builds the runtime request for an agent id: provider, model
// and toolset. Session is filled in by the executor.
type ResolveFunc func(ctx context.Context, agentID string) (*engine.Request, error)

// Executor runs workflows.
type Executor struct {
	store   *store.Store
	engine  *engine.Engine
	resolve ResolveFunc
}

func New(s *store.Store, eng *engine.Engine, resolve ResolveFunc) *Executor {
	return &Executor{store: s, engine: eng, resolve: resolve}
}

// Run starts a workflow and returns its event channel. The workflow_start
// event carries the run id for reconnection.
func (x *Executor) Run(ctx context.Context, wf *store.Workflow, input, ownerID string) <-chan engine.Event {
	ch := make(chan engine.Event, eventBuffer)
	go func() {
		defer close(ch)
		x.run(ctx, wf, input, ownerID, ch)
		ch <- engine.Event{Type: engine.EventDone, Data: map[string]any{}}
	}()
	return ch
}

// Execute is the non-streaming variant used by the scheduler. Events are
// drained internally; the run row carries the outcome.
func (x *Executor) Execute(ctx context.Context, wf *store.Workflow, input, ownerID string) (*store.WorkflowRun, error) {
	var runID string
	for ev := range x.Run(ctx, wf, input, ownerID) {
		if ev.Type == engine.EventWorkflowStart {
			runID, _ = ev.Data["run_id"].(string)
		}
	}
	if runID == "" {
		return nil, fmt.Errorf("workflow %q produced no run", wf.Name)
	}
	return x.store.GetRun(ctx, runID)
}

func (x *Executor) run(ctx context.Context, wf *store.Workflow, input, ownerID string, ch chan<- engine.Event) {
	run := &store.WorkflowRun{
		WorkflowID: wf.ID,
		OwnerID:    ownerID,
		Status:     store.RunRunning,
		Steps:      make(map[string]store.StepResult, len(wf.Steps)),
		Input:      input,
	}
	for _, step := range wf.Steps {
		run.Steps[stepKey(step)] = store.StepResult{Status: "pending"}
	}
	if err := x.store.CreateRun(ctx, run); err != nil {
		ch <- engine.Event{Type: engine.EventWorkflowError, Data: map[string]any{"error": err.Error()}}
		return
	}

	ch <- engine.Event{Type: engine.EventWorkflowStart, Data: map[string]any{
		"run_id": run.ID, "workflow_id": wf.ID, "name": wf.Name,
	}}

	r := &runState{
		executor: x,
		wf:       wf,
		run:      run,
		ch:       ch,
		recorder: observability.NewSpanRecorder(x.store, "", run.ID),
	}

	var output string
	var err error
	if IsDAG(wf.Steps) {
		output, err = r.runDAG(ctx, input)
	} else {
		output, err = r.runSequential(ctx, input)
	}

	if err != nil {
		run.Status = store.RunFailed
		run.Error = err.Error()
		r.persist(ctx)
		ch <- engine.Event{Type: engine.EventWorkflowError, Data: map[string]any{
			"run_id": run.ID, "error": err.Error(),
		}}
		return
	}
	run.Status = store.RunCompleted
	run.Output = output
	r.persist(ctx)
	ch <- engine.Event{Type: engine.EventWorkflowComplete, Data: map[string]any{
		"run_id": run.ID, "output": output,
	}}
}

func stepKey(step store.WorkflowStep) string {
	if step.ID != "" {
		return step.ID
	}
	return fmt.Sprintf("step_%d", step.Order)
}

// runState is the mutable state of one run. Snapshot mutation happens only
// on the coordinating goroutine.
type runState struct {
	executor *Executor
	wf       *store.Workflow
	run      *store.WorkflowRun
	ch       chan<- engine.Event
	recorder *observability.SpanRecorder
}

func (r *runState) persist(ctx context.Context) {
	if err := r.executor.store.UpdateRun(ctx, r.run); err != nil {
		slog.Warn("Failed to persist run snapshot", "run_id", r.run.ID, "error", err)
	}
}

func (r *runState) setStep(ctx context.Context, key string, result store.StepResult) {
	r.run.Steps[key] = result
	r.persist(ctx)
}

func (r *runState) runSequential(ctx context.Context, input string) (string, error) {
	steps := make([]store.WorkflowStep, len(r.wf.Steps))
	copy(steps, r.wf.Steps)
	sort.Slice(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	current := input
	for i, step := range steps {
		key := stepKey(step)
		r.ch <- engine.Event{Type: engine.EventNodeStart, Data: map[string]any{
			"node_id": key, "node_type": NodeAgent, "agent_id": step.AgentID,
		}}
		r.setStep(ctx, key, store.StepResult{Status: "running"})

		streaming := i == len(steps)-1
		output, err := r.runAgentStep(ctx, step, current, streaming)
		if err != nil {
			r.setStep(ctx, key, store.StepResult{Status: "failed", Error: err.Error()})
			r.ch <- engine.Event{Type: engine.EventNodeError, Data: map[string]any{
				"node_id": key, "error": err.Error(),
			}}
			return "", fmt.Errorf("step %q failed: %w", key, err)
		}
		r.setStep(ctx, key, store.StepResult{Status: "completed", Output: output})
		r.ch <- engine.Event{Type: engine.EventNodeComplete, Data: map[string]any{
			"node_id": key, "output": output,
		}}
		current = output
	}
	return current, nil
}

// runAgentStep executes one agent node through the engine's blocking loop,
// streaming deltas when the node is terminal.
func (r *runState) runAgentStep(ctx context.Context, step store.WorkflowStep, input string, streaming bool) (string, error) {
	req, err := r.executor.resolve(ctx, step.AgentID)
	if err != nil {
		return "", err
	}
	if req.MCP != nil {
		defer req.MCP.Close()
	}
	if req.Session == nil {
		req.Session = &store.Session{ID: "run_" + r.run.ID, OwnerID: r.run.OwnerID}
	}

	prompt := input
	if step.Task != "" {
		prompt = step.Task
		if input != "" {
			prompt += "\n\nInput:\n" + input
		}
	}

	key := stepKey(step)
	start := time.Now()
	var output string
	var usage llms.Usage
	if streaming {
		output, usage, err = r.executor.engine.CompleteStream(ctx, req, prompt, func(delta string) {
			r.ch <- engine.Event{Type: engine.EventNodeContentDelta, Data: map[string]any{
				"node_id": key, "content": delta,
			}}
		})
	} else {
		output, usage, err = r.executor.engine.Complete(ctx, req, prompt)
	}

	status := "ok"
	preview := output
	if err != nil {
		status = "error"
		preview = err.Error()
	}
	r.recorder.Record(ctx, &store.TraceSpan{
		SpanType:      store.SpanWorkflowStep,
		Name:          key,
		InputTokens:   usage.InputTokens,
		OutputTokens:  usage.OutputTokens,
		DurationMS:    time.Since(start).Milliseconds(),
		Status:        status,
		InputPreview:  prompt,
		OutputPreview: preview,
	})
	return output, err
}

type nodeResult struct {
	key    string
	output string
	err    error
}

func (r *runState) runDAG(ctx context.Context, input string) (string, error) {
	if err := ValidateDAG(r.wf.Steps); err != nil {
		return "", err
	}

	nodes := make(map[string]store.WorkflowStep, len(r.wf.Steps))
	for _, step := range r.wf.Steps {
		nodes[step.ID] = step
	}
	down := dependents(r.wf.Steps)
	terminal := make(map[string]bool)
	for _, id := range sinks(r.wf.Steps) {
		terminal[id] = true
	}

	completed := make(map[string]string) // id -> output
	skipped := make(map[string]bool)
	branches := make(map[string]string) // condition id -> chosen branch
	started := make(map[string]bool)

	completions := make(chan nodeResult, len(nodes))
	running := 0

	for {
		for _, step := range r.wf.Steps {
			if started[step.ID] || skipped[step.ID] {
				continue
			}
			if _, done := completed[step.ID]; done {
				continue
			}
			if !r.ready(step, completed, skipped, branches, nodes) {
				continue
			}
			started[step.ID] = true
			upstream := r.upstreamInput(step, input, completed)

			r.ch <- engine.Event{Type: engine.EventNodeStart, Data: map[string]any{
				"node_id": step.ID, "node_type": nodeType(step), "agent_id": step.AgentID,
			}}
			r.setStep(ctx, step.ID, store.StepResult{Status: "running"})

			switch nodeType(step) {
			case NodeStart:
				completions <- nodeResult{key: step.ID, output: upstream}
				running++
			case NodeEnd:
				completions <- nodeResult{key: step.ID, output: upstream}
				running++
			case NodeCondition:
				running++
				go func(step store.WorkflowStep, upstream string) {
					branch, err := r.classify(ctx, step, upstream)
					completions <- nodeResult{key: step.ID, output: branch, err: err}
				}(step, upstream)
			default:
				running++
				go func(step store.WorkflowStep, upstream string) {
					out, err := r.runAgentStep(ctx, step, upstream, terminal[step.ID])
					completions <- nodeResult{key: step.ID, output: out, err: err}
				}(step, upstream)
			}
		}

		if running == 0 {
			break
		}

		res := <-completions
		running--

		if res.err != nil {
			r.setStep(ctx, res.key, store.StepResult{Status: "failed", Error: res.err.Error()})
			r.ch <- engine.Event{Type: engine.EventNodeError, Data: map[string]any{
				"node_id": res.key, "error": res.err.Error(),
			}}
			for running > 0 {
				<-completions
				running--
			}
			return "", fmt.Errorf("step %q failed: %w", res.key, res.err)
		}

		completed[res.key] = res.output
		r.setStep(ctx, res.key, store.StepResult{Status: "completed", Output: res.output})
		r.ch <- engine.Event{Type: engine.EventNodeComplete, Data: map[string]any{
			"node_id": res.key, "output": res.output,
		}}

		if nodeType(nodes[res.key]) == NodeCondition {
			branches[res.key] = res.output
			r.applySkips(ctx, res.key, res.output, nodes, down, skipped)
		}
	}

	// Final output: concatenated sink outputs, skipping skipped sinks.
	var parts []string
	for _, id := range sinks(r.wf.Steps) {
		if out, ok := completed[id]; ok && out != "" {
			parts = append(parts, out)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// ready reports whether every dependency is settled and branch gating allows
// the node to run.
func (r *runState) ready(step store.WorkflowStep, completed map[string]string, skipped map[string]bool, branches map[string]string, nodes map[string]store.WorkflowStep) bool {
	for _, dep := range step.DependsOn {
		_, done := completed[dep]
		if !done && !skipped[dep] {
			return false
		}
		if step.InputBranch != "" && nodeType(nodes[dep]) == NodeCondition {
			if branches[dep] != step.InputBranch {
				return false
			}
		}
	}
	return true
}

// applySkips marks branch-gated dependents of a decided condition node, then
// propagates to nodes left with only skipped dependencies.
func (r *runState) applySkips(ctx context.Context, conditionID, branch string, nodes map[string]store.WorkflowStep, down map[string][]string, skipped map[string]bool) {
	var mark func(id string)
	mark = func(id string) {
		if skipped[id] {
			return
		}
		skipped[id] = true
		r.setStep(ctx, id, store.StepResult{Status: "skipped"})
		for _, child := range down[id] {
			node := nodes[child]
			if nodeType(node) == NodeEnd {
				continue
			}
			if allSkipped(node.DependsOn, skipped) {
				mark(child)
			}
		}
	}

	for _, child := range down[conditionID] {
		node := nodes[child]
		if node.InputBranch != "" && node.InputBranch != branch {
			mark(child)
		}
	}
}

func allSkipped(deps []string, skipped map[string]bool) bool {
	if len(deps) == 0 {
		return false
	}
	for _, dep := range deps {
		if !skipped[dep] {
			return false
		}
	}
	return true
}

// upstreamInput concatenates non-skipped dependency outputs, or passes the
// run input through for root nodes.
func (r *runState) upstreamInput(step store.WorkflowStep, input string, completed map[string]string) string {
	if len(step.DependsOn) == 0 {
		return input
	}
	var parts []string
	for _, dep := range step.DependsOn {
		if out, ok := completed[dep]; ok && out != "" {
			parts = append(parts, out)
		}
	}
	return strings.Join(parts, "\n\n")
}

const classifierSystemPrompt = `You classify text. Reply with exactly one of the allowed labels, nothing else.`

// classify reduces upstream text to one of the condition's branches.
func (r *runState) classify(ctx context.Context, step store.WorkflowStep, input string) (string, error) {
	branchList := conditionBranches(step)
	if len(branchList) == 0 {
		return "", fmt.Errorf("condition step %q has no branches", step.ID)
	}

	agentID := step.AgentID
	if agentID == "" {
		for _, s := range r.wf.Steps {
			if nodeType(s) == NodeAgent && s.AgentID != "" {
				agentID = s.AgentID
				break
			}
		}
	}
	req, err := r.executor.resolve(ctx, agentID)
	if err != nil {
		return "", err
	}
	if req.MCP != nil {
		defer req.MCP.Close()
	}

	prompt := fmt.Sprintf("Allowed labels: %s\n\nText:\n%s", strings.Join(branchList, ", "), input)
	if p, ok := step.Condition["prompt"].(string); ok && p != "" {
		prompt = p + "\n\n" + prompt
	}

	reply, err := req.Provider.Chat(ctx, []llms.Message{
		{Role: llms.RoleUser, Content: prompt},
	}, classifierSystemPrompt, nil)
	if err != nil {
		return "", err
	}

	choice := strings.ToLower(strings.TrimSpace(reply.Content))
	for _, branch := range branchList {
		if strings.Contains(choice, strings.ToLower(branch)) {
			return branch, nil
		}
	}
	return branchList[0], nil
}

func conditionBranches(step store.WorkflowStep) []string {
	raw, _ := step.Condition["branches"].([]any)
	var out []string
	for _, b := range raw {
		if s, ok := b.(string); ok {
			out = append(out, s)
		}
	}
	if out == nil {
		if strs, ok := step.Condition["branches"].([]string); ok {
			out = strs
		}
	}
	return out
}

func nodeType(step store.WorkflowStep) string {
	if step.NodeType == "" {
		return NodeAgent
	}
	return step.NodeType
}
