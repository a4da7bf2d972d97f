// Package store persists the control plane's entities in SQLite via
// database/sql. Structured fields are JSON-encoded into TEXT columns so the
// schema stays stable while payload shapes evolve.
package store

import (
	"time"

	"github.com/agentplane/agentplane/pkg/llms"
)

// Permission bits on a user account.
const (
	PermCreateAgents = 1 << iota
	PermCreateTools
	PermCreateTeams
	PermCreateWorkflows
	PermCreateKnowledgeBases
	PermManageProviders
	PermManageMCPServers
)

type User struct {
	ID           string
	Username     string
	PasswordHash string
	Role         string // "user" or "admin"
	Permissions  int
	CreatedAt    time.Time
}

// Has reports whether the user holds the permission bit. Admins hold all.
func (u *User) Has(perm int) bool {
	return u.Role == "admin" || u.Permissions&perm != 0
}

type Provider struct {
	ID        string
	OwnerID   string
	Name      string
	Type      string // openai|anthropic|google|ollama|openrouter|custom
	BaseURL   string
	APIKey    string // encrypted at rest
	Model     string
	Config    llms.Settings
	CreatedAt time.Time
}

type Agent struct {
	ID                string
	OwnerID           string
	Name              string
	SystemPrompt      string
	ProviderID        string
	Model             string // overrides provider default when set
	ToolIDs           []string
	MCPServerIDs      []string
	KnowledgeBaseIDs  []string
	HITLTools         []string // tool names requiring approval
	AllowToolCreation bool
	Config            map[string]any
	CreatedAt         time.Time
}

type Team struct {
	ID        string
	OwnerID   string
	Name      string
	Mode      string // coordinate|route|collaborate
	AgentIDs  []string
	CreatedAt time.Time
}

type Tool struct {
	ID                   string
	OwnerID              string
	Name                 string
	Description          string
	Parameters           map[string]any // JSON Schema
	HandlerType          string         // python|http
	HandlerConfig        map[string]any // {code} or {url,method,headers}
	RequiresConfirmation bool
	CreatedAt            time.Time
}

type MCPServer struct {
	ID        string
	OwnerID   string
	Name      string
	Transport string // stdio|sse
	Command   string
	Args      []string
	Env       map[string]string
	URL       string
	Headers   map[string]string
	CreatedAt time.Time
}

type Session struct {
	ID                string
	OwnerID           string
	EntityType        string // agent|team
	EntityID          string
	Title             string
	TotalInputTokens  int
	TotalOutputTokens int
	MemoryProcessed   bool
	CreatedAt         time.Time
}

// MessageMetadata carries per-message generation details.
type MessageMetadata struct {
	Model        string `json:"model,omitempty"`
	Provider     string `json:"provider,omitempty"`
	LatencyMS    int64  `json:"latency_ms,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	Error        string `json:"error,omitempty"`
}

type Message struct {
	ID            string
	SessionID     string
	Role          llms.Role
	Content       string
	Parts         []llms.ContentPart
	ToolCalls     []llms.ToolCall
	Reasoning     string
	Metadata      MessageMetadata
	AttachmentIDs []string
	Rating        int // -1, 0, 1
	CreatedAt     time.Time
}

type Attachment struct {
	ID             string
	SessionID      string
	OwnerID        string
	Filename       string
	MediaType      string
	Classification string // image|document
	StoragePath    string
	CreatedAt      time.Time
}

type KnowledgeBase struct {
	ID        string
	OwnerID   string
	Name      string
	Shared    bool
	CreatedAt time.Time
}

type KBDocument struct {
	ID        string
	KBID      string
	Type      string // text|file
	Content   string
	FilePath  string
	Indexed   bool
	CreatedAt time.Time
}

type AgentMemory struct {
	ID         string
	AgentID    string
	UserID     string
	Key        string
	Value      string
	Category   string // preference|context|decision|correction
	Confidence float64
	SourceID   string // session the fact came from
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Approval and proposal statuses.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDenied   = "denied"
	StatusRejected = "rejected"
)

type HITLApproval struct {
	ID         string
	SessionID  string
	ToolCallID string
	ToolName   string
	Arguments  map[string]any
	Status     string
	CreatedAt  time.Time
}

type ToolProposal struct {
	ID            string
	SessionID     string
	ToolCallID    string
	Name          string
	Description   string
	HandlerType   string
	Parameters    map[string]any
	HandlerConfig map[string]any
	Status        string
	ToolID        string // set on approval
	CreatedAt     time.Time
}

// Span types recorded by the engine.
const (
	SpanLLMCall      = "llm_call"
	SpanToolCall     = "tool_call"
	SpanMCPCall      = "mcp_call"
	SpanWorkflowStep = "workflow_step"
)

type TraceSpan struct {
	ID            string
	SessionID     string
	WorkflowRunID string
	MessageID     string
	SpanType      string
	Name          string
	InputTokens   int
	OutputTokens  int
	DurationMS    int64
	Status        string
	InputPreview  string
	OutputPreview string
	Sequence      int
	RoundNumber   int
	CreatedAt     time.Time
}

type WorkflowStep struct {
	ID          string         `json:"id,omitempty"` // stable id enables DAG mode
	Order       int            `json:"order"`
	Task        string         `json:"task"`
	AgentID     string         `json:"agent_id,omitempty"`
	NodeType    string         `json:"node_type,omitempty"` // agent|start|end|condition
	DependsOn   []string       `json:"depends_on,omitempty"`
	InputBranch string         `json:"input_branch,omitempty"`
	Condition   map[string]any `json:"condition,omitempty"` // {branches, prompt}
}

type Workflow struct {
	ID        string
	OwnerID   string
	Name      string
	Steps     []WorkflowStep
	CreatedAt time.Time
}

// Workflow run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// StepResult is one node's entry in a run snapshot.
type StepResult struct {
	Status string `json:"status"` // pending|running|completed|failed|skipped
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

type WorkflowRun struct {
	ID         string
	WorkflowID string
	OwnerID    string
	SessionID  string
	Status     string
	Steps      map[string]StepResult
	Input      string
	Output     string
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type WorkflowSchedule struct {
	ID         string
	WorkflowID string
	OwnerID    string
	CronExpr   string // 5-field POSIX
	Input      string
	Active     bool
	LastRunAt  *time.Time
	NextRunAt  *time.Time
	CreatedAt  time.Time
}
