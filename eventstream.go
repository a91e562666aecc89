package cua

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// EventKind enumerates the SSE event kinds SamplingLoop emits, per §4.G.
type EventKind string

const (
	EventMetadata   EventKind = "metadata"
	EventMessage    EventKind = "message"
	EventTaskStatus EventKind = "task_status"
	EventDone       EventKind = "done"
	EventErrorKind  EventKind = "error"
)

// MetadataPayload is the first event on every stream.
type MetadataPayload struct {
	SessionID       string    `json:"sessionId"`
	BrowserSessionID string   `json:"browserSessionId"`
	StreamURL       string    `json:"streamUrl,omitempty"`
	TaskID          string    `json:"taskId"`
	Timestamp       time.Time `json:"timestamp"`
}

// ToolCallSummary describes one tool call inside a MessagePayload.
type ToolCallSummary struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Args   json.RawMessage   `json:"args"`
	Result ToolCallResultView `json:"result"`
}

// ToolCallResultView is the client-facing rendering of a tool_result block.
type ToolCallResultView struct {
	Success      bool   `json:"success"`
	Description  string `json:"description"`
	Error        string `json:"error,omitempty"`
	Screenshot   string `json:"screenshot,omitempty"`    // base64, when demoted this is empty
	ScreenshotURL string `json:"screenshot_url,omitempty"`
}

// MessagePayload carries one assistant turn.
type MessagePayload struct {
	ID        string            `json:"id"`
	Role      MessageRole       `json:"role"`
	Content   string            `json:"content"`
	Reasoning string            `json:"reasoning,omitempty"`
	ToolCalls []ToolCallSummary `json:"toolCalls,omitempty"`
}

// TaskStatusPayload reports a task transition.
type TaskStatusPayload struct {
	Status      TaskStatus  `json:"status"`
	AgentStatus AgentStatus `json:"agentStatus,omitempty"`
	Message     string      `json:"message,omitempty"`
	Evidence    string      `json:"evidence,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// DonePayload is the final event on a successful stream.
type DonePayload struct {
	FinalResponse string    `json:"finalResponse"`
	Timestamp     time.Time `json:"timestamp"`
}

// ErrorPayload reports a fatal error.
type ErrorPayload struct {
	Message string `json:"message"`
}

// LoopEvent is the internal event SamplingLoop pushes to its stream
// callback; EventStream serializes it to text/event-stream framing.
type LoopEvent struct {
	Kind EventKind
	Data any
}

// EventSink receives LoopEvents from SamplingLoop. Implementations include
// EventStream (interactive HTTP clients), NoopSink (runs nobody streams),
// and FuncSink (batch mode, which only reacts to task_status for webhooks).
type EventSink interface {
	Push(ev LoopEvent)
}

// EventStream converts SamplingLoop events into a line-delimited
// text/event-stream: "metadata" first, then ordered "message"/"task_status"
// events as iterations progress. A run that completes or reports a status
// ends with "done", and a failed model call ends with "error"; a run that is
// stopped or reaches its iteration limit ends with its "task_status" event,
// and no "done" or "error" follows it.
// Each event is written as an "event: <kind>" line followed by one JSON
// object preceded by "data: " and then a blank line.
type EventStream struct {
	w       io.Writer
	flusher func()
}

// NewEventStream wraps w (typically a gin.ResponseWriter, which satisfies
// http.Flusher) for SSE output. flush is called after every event; pass a
// no-op if the writer doesn't support flushing (e.g. in tests).
func NewEventStream(w io.Writer, flush func()) *EventStream {
	if flush == nil {
		flush = func() {}
	}
	return &EventStream{w: w, flusher: flush}
}

// Push implements EventSink.
func (es *EventStream) Push(ev LoopEvent) {
	body, err := json.Marshal(ev.Data)
	if err != nil {
		body, _ = json.Marshal(ErrorPayload{Message: "event marshal failed: " + err.Error()})
	}
	fmt.Fprintf(es.w, "event: %s\ndata: %s\n\n", ev.Kind, body)
	es.flusher()
}

// NoopSink discards every event; used where nobody consumes the stream
// (POST /chat with stream=false, background resume). BatchExecutor uses
// FuncSink instead, since it observes task_status events for webhooks.
type NoopSink struct{}

// Push implements EventSink.
func (NoopSink) Push(LoopEvent) {}

// FuncSink adapts a plain function to EventSink, used by BatchExecutor to
// intercept task_status events for webhook delivery without discarding
// them outright.
type FuncSink func(ev LoopEvent)

// Push implements EventSink.
func (f FuncSink) Push(ev LoopEvent) { f(ev) }
