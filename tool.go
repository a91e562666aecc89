package cua

import "encoding/json"

// Tool names the SamplingLoop dispatches by, per §4.D step 9. There is no
// pluggable tool registry — the core recognizes exactly these three names;
// anything else is a modeling error upstream in the tool definitions handed
// to ModelPort.
const (
	ToolComputer         = "computer"
	ToolReportTaskStatus = "report_task_status"
	ToolMemory           = "memory"
)

// ComputerArgs is the decoded argument shape for a computer tool_use block.
// Fields map directly onto Action; WaitForMs/PerCharDelayMs are
// milliseconds on the wire and converted to time.Duration at dispatch.
type ComputerArgs struct {
	Action       ActionKind `json:"action"`
	X            int        `json:"x,omitempty"`
	Y            int        `json:"y,omitempty"`
	DX           int        `json:"dx,omitempty"`
	DY           int        `json:"dy,omitempty"`
	Text         string     `json:"text,omitempty"`
	PerCharDelayMs int      `json:"per_char_delay_ms,omitempty"`
	KeyCombo     string     `json:"key_combo,omitempty"`
	WaitForMs    int        `json:"wait_for_ms,omitempty"`
}

// ReportTaskStatusArgs is the decoded argument shape for a
// report_task_status tool_use block.
type ReportTaskStatusArgs struct {
	Status   AgentStatus `json:"status"`
	Message  string      `json:"message"`
	Evidence string      `json:"evidence,omitempty"`
}

// MemoryVerb enumerates the operations the memory tool accepts.
type MemoryVerb string

const (
	MemoryView       MemoryVerb = "view"
	MemoryCreate     MemoryVerb = "create"
	MemoryStrReplace MemoryVerb = "str_replace"
	MemoryInsert     MemoryVerb = "insert"
	MemoryDelete     MemoryVerb = "delete"
	MemoryRename     MemoryVerb = "rename"
)

// MemoryArgs is the decoded argument shape for a memory tool_use block.
type MemoryArgs struct {
	Verb    MemoryVerb `json:"verb"`
	Path    string     `json:"path"`
	NewPath string     `json:"new_path,omitempty"`
	Text    string     `json:"text,omitempty"`
	OldText string     `json:"old_text,omitempty"`
	Line    int        `json:"line,omitempty"`
}

func decodeArgs[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	err := json.Unmarshal(raw, &v)
	return v, err
}
