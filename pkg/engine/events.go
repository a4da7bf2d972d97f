// Package engine runs the streaming tool loop: it drives a provider stream,
// executes tool calls with approval gating, detects inline elements in the
// output, and persists the result.
package engine

// Event is one SSE event emitted to the caller.
type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Event types. The engine and the workflow executor share this taxonomy.
const (
	EventContentDelta   = "content_delta"
	EventReasoningDelta = "reasoning_delta"
	EventToolRound      = "tool_round"
	EventToolCall       = "tool_call"
	EventToolGenerating = "tool_generating"

	EventHITLRequired     = "hitl_approval_required"
	EventProposalRequired = "tool_proposal_required"

	EventContextCompacted = "context_compacted"
	EventKBContext        = "kb_context"
	EventKBWarning        = "kb_warning"

	EventPlanStart  = "plan_start"
	EventPlanStep   = "plan_step"
	EventPlanEnd    = "plan_end"
	EventJSXPreview = "jsx_preview"
	EventArtifact   = "artifact"

	EventTerminalOutput = "terminal_output"
	EventFileTree       = "file_tree"
	EventSourceURL      = "source_url"

	EventAgentStep = "agent_step"

	EventMessageComplete = "message_complete"
	EventTokenUsage      = "token_usage"

	EventWorkflowStart    = "workflow_start"
	EventNodeStart        = "node_start"
	EventNodeContentDelta = "node_content_delta"
	EventNodeComplete     = "node_complete"
	EventNodeError        = "node_error"
	EventWorkflowComplete = "workflow_complete"
	EventWorkflowError    = "workflow_error"

	EventError = "error"
	EventDone  = "done"
)

func event(eventType string, data map[string]any) Event {
	return Event{Type: eventType, Data: data}
}

// emitter serializes event emission onto one channel. It is not safe for
// concurrent use; each generator goroutine owns one.
type emitter struct {
	ch chan Event
}

func newEmitter(buffer int) *emitter {
	return &emitter{ch: make(chan Event, buffer)}
}

func (e *emitter) emit(eventType string, data map[string]any) {
	e.ch <- event(eventType, data)
}

func (e *emitter) errorAndDone(msg string) {
	e.emit(EventError, map[string]any{"error": msg})
	e.emit(EventDone, map[string]any{})
}

func (e *emitter) close() { close(e.ch) }
