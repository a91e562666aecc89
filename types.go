package cua

import (
	"encoding/json"
	"time"
)

// --- Session and task domain model (§3) ---

// ChatSessionStatus is the lifecycle state of a ChatSession.
type ChatSessionStatus string

const (
	ChatSessionActive    ChatSessionStatus = "active"
	ChatSessionCompleted ChatSessionStatus = "completed"
	ChatSessionFailed    ChatSessionStatus = "failed"
)

// ChatSession represents one user conversation. It owns the ordered set of
// Message and Task rows beneath it and is created on first request, updated
// by SamplingLoop and TaskCoordinator, and never deleted by the core.
type ChatSession struct {
	ID        string            `json:"id"`
	Status    ChatSessionStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`

	TotalConversationTime time.Duration `json:"total_conversation_time"`
	TotalIterations       int           `json:"total_iterations"`
	TotalInputTokens      int64         `json:"total_input_tokens"`
	TotalOutputTokens     int64         `json:"total_output_tokens"`
	TotalCostUSD          float64       `json:"total_cost_usd"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// BrowserSessionStatus is the lifecycle state of a BrowserSession.
type BrowserSessionStatus string

const (
	BrowserSessionActive     BrowserSessionStatus = "active"
	BrowserSessionStopped    BrowserSessionStatus = "stopped"
	BrowserSessionTerminated BrowserSessionStatus = "terminated"
)

// BrowserSession is the remote-browser counterpart of a ChatSession. There
// is at most one per ChatSession; the (ChatSessionID, RemoteSessionID) pair
// is unique. Created and mutated exclusively by SessionManager, and
// persists across CDP disconnect/reconnect.
type BrowserSession struct {
	ID              string               `json:"id"`
	ChatSessionID   string               `json:"chat_session_id"`
	RemoteSessionID string               `json:"remote_session_id"`
	DebuggerWSURL   string               `json:"debugger_ws_url"`
	LiveViewURL     string               `json:"live_view_url"`
	CDPConnected    bool                 `json:"cdp_connected"`
	CDPDisconnectAt *time.Time           `json:"cdp_disconnected_at,omitempty"`
	LastActiveAt    time.Time            `json:"last_active_at"`
	Status          BrowserSessionStatus `json:"status"`
	CreatedAt       time.Time            `json:"created_at"`
}

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskStopped   TaskStatus = "stopped"
	TaskPaused    TaskStatus = "paused"
	TaskFailed    TaskStatus = "failed"
	TaskCompleted TaskStatus = "completed"
)

// IsTerminal reports whether s is a terminal task status. {stopped, paused}
// are pause-states, not terminal — the task remains resumable.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// IsResumable reports whether a task in status s can be resumed.
func (s TaskStatus) IsResumable() bool {
	return s == TaskStopped || s == TaskPaused || s == TaskFailed
}

// AgentStatus is the status the agent itself reports via report_task_status.
type AgentStatus string

const (
	AgentStatusCompleted          AgentStatus = "completed"
	AgentStatusFailed             AgentStatus = "failed"
	AgentStatusNeedsClarification AgentStatus = "needs_clarification"
)

// ExecutionConfig bounds and tunes one SamplingLoop run. Zero-value fields
// are filled from process defaults (internal/config) before use; batch and
// per-task overrides are merged over these defaults (task-level wins).
type ExecutionConfig struct {
	MaxIterations         int           `json:"max_iterations"`
	InterIterationDelay   time.Duration `json:"inter_iteration_delay"`
	KeepScreenshots       int           `json:"keep_screenshots"`        // K in ContextShaper.DemoteScreenshots
	KeepReasoningBlocks   int           `json:"keep_reasoning_blocks"`   // R in ContextShaper.PruneReasoning
	ReasoningBudgetTokens int           `json:"reasoning_budget_tokens"`
	MaxOutputTokens       int           `json:"max_output_tokens"`
	Model                 string        `json:"model"`
	TypingDelay           time.Duration `json:"typing_delay"`

	EnablePromptCaching     bool     `json:"enable_prompt_caching"`
	EnableContextManagement bool     `json:"enable_context_management"`
	ContextTriggerTokens    int      `json:"context_trigger_tokens"`
	ContextKeepToolUses     int      `json:"context_keep_tool_uses"`
	ContextClearMinTokens   int      `json:"context_clear_min_tokens"`
	ContextExcludeTools     []string `json:"context_exclude_tools"`
}

// Merge overlays non-zero fields of override onto a copy of cfg, used to
// combine process defaults, batch-level overrides, and task-level overrides
// in that precedence order (task-level wins).
func (cfg ExecutionConfig) Merge(override *ExecutionConfig) ExecutionConfig {
	if override == nil {
		return cfg
	}
	out := cfg
	if override.MaxIterations != 0 {
		out.MaxIterations = override.MaxIterations
	}
	if override.InterIterationDelay != 0 {
		out.InterIterationDelay = override.InterIterationDelay
	}
	if override.KeepScreenshots != 0 {
		out.KeepScreenshots = override.KeepScreenshots
	}
	if override.KeepReasoningBlocks != 0 {
		out.KeepReasoningBlocks = override.KeepReasoningBlocks
	}
	if override.ReasoningBudgetTokens != 0 {
		out.ReasoningBudgetTokens = override.ReasoningBudgetTokens
	}
	if override.MaxOutputTokens != 0 {
		out.MaxOutputTokens = override.MaxOutputTokens
	}
	if override.Model != "" {
		out.Model = override.Model
	}
	if override.TypingDelay != 0 {
		out.TypingDelay = override.TypingDelay
	}
	if override.EnablePromptCaching {
		out.EnablePromptCaching = true
	}
	if override.EnableContextManagement {
		out.EnableContextManagement = true
	}
	if override.ContextTriggerTokens != 0 {
		out.ContextTriggerTokens = override.ContextTriggerTokens
	}
	if override.ContextKeepToolUses != 0 {
		out.ContextKeepToolUses = override.ContextKeepToolUses
	}
	if override.ContextClearMinTokens != 0 {
		out.ContextClearMinTokens = override.ContextClearMinTokens
	}
	if len(override.ContextExcludeTools) != 0 {
		out.ContextExcludeTools = override.ContextExcludeTools
	}
	return out
}

// Task represents one agent goal inside a ChatSession.
//
// Invariants: CurrentIteration <= MaxIterations; a task is resumable iff its
// Status is resumable and it is its session's most recent task; only one
// task per ChatSession may be Running at a time.
type Task struct {
	ID               string `json:"id"`
	ChatSessionID    string `json:"chat_session_id"`
	BatchExecutionID string `json:"batch_execution_id,omitempty"`

	UserMessage string     `json:"user_message"`
	Status      TaskStatus `json:"status"`

	CurrentIteration int `json:"current_iteration"`
	MaxIterations    int `json:"max_iterations"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	AgentStatus   AgentStatus `json:"agent_status,omitempty"`
	AgentMessage  string      `json:"agent_message,omitempty"`
	AgentEvidence string      `json:"agent_evidence,omitempty"`
	ResultMessage string      `json:"result_message,omitempty"`
	ErrorMessage  string      `json:"error_message,omitempty"`

	Config ExecutionConfig `json:"config"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BatchExecutionStatus is the lifecycle state of a BatchExecution.
type BatchExecutionStatus string

const (
	BatchRunning   BatchExecutionStatus = "running"
	BatchCompleted BatchExecutionStatus = "completed"
	BatchFailed    BatchExecutionStatus = "failed"
	BatchStopped   BatchExecutionStatus = "stopped"
)

// BatchExecution is one batch of N Tasks sharing a single browser lifetime.
// Terminal when Status reaches {completed, failed}; at that point
// CompletedCount+FailedCount == Total.
type BatchExecution struct {
	ID              string `json:"id"`
	ChatSessionID   string `json:"chat_session_id"`
	RemoteSessionID string `json:"remote_session_id,omitempty"`

	Total          int                   `json:"total"`
	CompletedCount int                   `json:"completed_count"`
	FailedCount    int                   `json:"failed_count"`
	Status         BatchExecutionStatus  `json:"status"`

	WebhookURL    string `json:"webhook_url,omitempty"`
	WebhookSecret string `json:"-"`

	GlobalConfigOverrides ExecutionConfig `json:"global_config_overrides"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// BatchTaskSpec is one entry of a batch execution request. ID is assigned by
// the caller before BatchExecutor.Execute runs, so the HTTP layer can report
// taskIds synchronously in its 202 response ahead of background execution.
type BatchTaskSpec struct {
	ID                         string           `json:"id"`
	Message                    string           `json:"message"`
	ConfigOverrides            *ExecutionConfig `json:"config_overrides,omitempty"`
	DestroyBrowserOnCompletion bool             `json:"destroy_browser_on_completion"`
}

// --- Conversation model (§9 Design Notes: tagged sum of block variants) ---

// MessageRole distinguishes user and assistant turns.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// BlockType tags the variant held by a ContentBlock: Text,
// Reasoning{text,signature}, ToolUse{id,name,args}, or
// ToolResult{id,content,isError}.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockReasoning  BlockType = "reasoning"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ResultContentType distinguishes the two slots a tool_result content item
// may hold.
type ResultContentType string

const (
	ResultContentText  ResultContentType = "text"
	ResultContentImage ResultContentType = "image"
)

// ResultContent is one item inside a ToolResult's Content slice. Exactly one
// of Text or ImageBytes/ImageURL is meaningful, selected by Type. A
// screenshot tool_result may carry both an inline image and a stable URL
// simultaneously — ContextShaper decides which survives into later
// iterations; no other component may drop images silently.
type ResultContent struct {
	Type       ResultContentType `json:"type"`
	Text       string            `json:"text,omitempty"`
	ImageBytes []byte            `json:"-"`
	ImageURL   string            `json:"image_url,omitempty"`
	MimeType   string            `json:"mime_type,omitempty"`
}

// ContentBlock is one block inside a Message's content list. Which fields
// are meaningful is determined by Type.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// Text block.
	Text string `json:"text,omitempty"`

	// Reasoning block. Signature is opaque and must be round-tripped
	// verbatim back to the model on the next call.
	ReasoningText string `json:"reasoning_text,omitempty"`
	Signature     string `json:"signature,omitempty"`

	// ToolUse block.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolArgs  json.RawMessage `json:"tool_args,omitempty"`

	// ToolResult block.
	ToolResultID string          `json:"tool_result_id,omitempty"`
	Content      []ResultContent `json:"content,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
}

// Message is one conversational turn persisted under a Task. Ordering is by
// CreatedAt within a session and is stable across reconnects.
type Message struct {
	ID            string         `json:"id"`
	ChatSessionID string         `json:"chat_session_id"`
	TaskID        string         `json:"task_id"`
	Role          MessageRole    `json:"role"`
	Blocks        []ContentBlock `json:"blocks"`
	Iteration     int            `json:"iteration"`

	// RawRequest holds the outgoing model request as JSON for audit and
	// resume. Inline image bytes are never part of it (ResultContent.ImageBytes
	// is not serialized), so stored screenshots keep only their URL; the
	// FULL_ANTHROPIC_PAYLOAD setting is loaded into config but does not change
	// what is stored. SamplingLoop does not fill RawResponse.
	RawRequest  json.RawMessage `json:"raw_request,omitempty"`
	RawResponse json.RawMessage `json:"raw_response,omitempty"`

	APILatency time.Duration `json:"api_latency"`
	CreatedAt  time.Time     `json:"created_at"`
}

// PerformanceMetric is an append-only per-iteration row.
type PerformanceMetric struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`

	Iteration            int           `json:"iteration"`
	APIResponseTime      time.Duration `json:"api_response_time"`
	ToolExecutionTime    time.Duration `json:"tool_execution_time"`
	IterationTotalTime   time.Duration `json:"iteration_total_time"`
	InputTokens          int64         `json:"input_tokens"`
	OutputTokens         int64         `json:"output_tokens"`
	CacheReadTokens      int64         `json:"cache_read_tokens"`
	CacheCreationTokens  int64         `json:"cache_creation_tokens"`
	ContextClearedTokens int64         `json:"context_cleared_tokens"`
	RequestSizeBytes     int64         `json:"request_size_bytes"`
	ImageCount           int           `json:"image_count"`

	CreatedAt time.Time `json:"created_at"`
}

// DownloadStatus tracks the lifecycle of one in-flight download.
type DownloadStatus string

const (
	DownloadStarted    DownloadStatus = "started"
	DownloadInProgress DownloadStatus = "in_progress"
	DownloadCompleted  DownloadStatus = "completed"
	DownloadFailed     DownloadStatus = "failed"
)

// Download is tracked in-memory per BrowserSession and lost on process
// crash; it can be reconstructed by listing the remote download directory.
type Download struct {
	Filename  string         `json:"filename"`
	Path      string         `json:"path"`
	SizeBytes int64          `json:"size_bytes"`
	Status    DownloadStatus `json:"status"`
	Progress  float64        `json:"progress"` // 0..1
	StartedAt time.Time      `json:"started_at"`
	Handle    string         `json:"-"` // opaque provider handle
}

// --- Model port protocol types ---

// ToolDefinition describes one tool the model may call, in JSON-Schema form.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ModelRequest is the outgoing request built by SamplingLoop via
// ContextShaper for one iteration.
type ModelRequest struct {
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDefinition
	Config       ExecutionConfig

	// CacheBreakpoints marks indices (into Messages, plus -1 for the system
	// prompt and -2 for the tool list) that should carry a "cache here"
	// annotation, per ContextShaper.AnnotateCaching.
	CacheBreakpoints []int
}

// Usage reports token accounting for one model call.
type Usage struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheReadTokens     int64 `json:"cache_read_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_tokens"`
}

// ModelResponse is the parsed reply from ModelPort.Invoke.
type ModelResponse struct {
	ID         string
	Model      string
	Role       MessageRole
	Blocks     []ContentBlock
	StopReason string
	Usage      Usage
}
