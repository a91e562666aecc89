package cua

import "fmt"

// TransientToolError wraps a single failed remote-browser action. It is
// surfaced to the model as a tool_result with IsError=true rather than
// retried — the agent is expected to observe the failure on its next
// screenshot and recover.
type TransientToolError struct {
	Action  string
	Message string
}

func (e *TransientToolError) Error() string {
	return fmt.Sprintf("tool action %q failed: %s", e.Action, e.Message)
}

// PageUnresponsiveError reports a screenshot deadline exceeded on every tab
// in a live session. Raised by SessionManager after exhausting fallbacks.
type PageUnresponsiveError struct {
	RemoteSessionID string
}

func (e *PageUnresponsiveError) Error() string {
	return fmt.Sprintf("page unresponsive: no tab in session %s answered within deadline", e.RemoteSessionID)
}

// SessionLostError reports that a live entry is missing for a remote
// session id on a call other than create. Fatal to the task.
type SessionLostError struct {
	RemoteSessionID string
}

func (e *SessionLostError) Error() string {
	return fmt.Sprintf("no live session for %s", e.RemoteSessionID)
}

// ModelError wraps any failure returned by ModelPort.Invoke. Fatal to the
// iteration; the task transitions to failed.
type ModelError struct {
	Model   string
	Message string
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model %s: %s", e.Model, e.Message)
}

// StoreError wraps a failed StateStore write. Logged and, outside of task
// status transitions, non-fatal — the caller continues and retries on the
// next write.
type StoreError struct {
	Op      string
	Message string
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %s", e.Op, e.Message)
}

// AuthError reports a missing or incorrect bearer token on the batch
// endpoint. Maps to HTTP 401.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string { return e.Message }

// ValidationError reports a malformed request body. Maps to HTTP 400.
// Field points at the offending JSON path, e.g. "tasks[2].message".
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// StopRequested is not an error in the failure sense — it signals a clean
// break of the sampling loop because the task's cooperative-stop flag was
// observed. Callers that see it via errors.As should treat it as a normal
// termination, not a fault.
type StopRequested struct {
	TaskID string
}

func (e *StopRequested) Error() string {
	return fmt.Sprintf("task %s: stop requested", e.TaskID)
}
