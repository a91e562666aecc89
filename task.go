package cua

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// TaskCoordinator owns the task state machine described in §4.E:
//
//	queued -> running -> completed
//	             |-> failed        (terminal)
//	             |-> stopped       (resumable)
//	             |-> paused        (resumable on needs_clarification)
//	stopped/paused/failed -> running  (on resume request)
//
// It is authoritative for current_iteration and the cooperative-stop flag
// in the StateStore; SamplingLoop only reads task.Status, never writes it
// except through these methods.
type TaskCoordinator struct {
	store  StateStore
	logger *zap.Logger
}

// NewTaskCoordinator constructs a TaskCoordinator over store.
func NewTaskCoordinator(store StateStore, logger *zap.Logger) *TaskCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskCoordinator{store: store, logger: logger}
}

// Create inserts a new task with status=running, current_iteration=0,
// started_at=now. It enforces the at-most-one-running-per-chat-session
// invariant by rejecting creation when another task is already running.
func (tc *TaskCoordinator) Create(ctx context.Context, chatSessionID, userMessage string, cfg ExecutionConfig) (*Task, error) {
	return tc.CreateWithID(ctx, NewID(), chatSessionID, userMessage, cfg)
}

// CreateWithID is Create with a caller-assigned id, used by BatchExecutor so
// the HTTP layer can hand back a batch's taskIds in its 202 response before
// BatchExecutor.Execute, which runs in the background, ever creates the rows.
func (tc *TaskCoordinator) CreateWithID(ctx context.Context, id, chatSessionID, userMessage string, cfg ExecutionConfig) (*Task, error) {
	if running, err := tc.store.RunningTask(ctx, chatSessionID); err == nil && running != nil {
		return nil, fmt.Errorf("chat session %s already has a running task %s", chatSessionID, running.ID)
	}

	now := time.Now()
	t := &Task{
		ID:               id,
		ChatSessionID:    chatSessionID,
		UserMessage:      userMessage,
		Status:           TaskRunning,
		CurrentIteration: 0,
		MaxIterations:    cfg.MaxIterations,
		StartedAt:        &now,
		Config:           cfg,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := tc.store.CreateTask(ctx, t); err != nil {
		return nil, &StoreError{Op: "create_task", Message: err.Error()}
	}
	return t, nil
}

// Resume selects the newest task in chatSessionID whose status is
// resumable, sets it to running, and returns it along with the iteration
// index the SamplingLoop should start from (the task's current_iteration at
// the time it was stopped).
func (tc *TaskCoordinator) Resume(ctx context.Context, chatSessionID string) (*Task, int, error) {
	t, err := tc.store.MostRecentResumableTask(ctx, chatSessionID)
	if err != nil {
		return nil, 0, &StoreError{Op: "resume_lookup", Message: err.Error()}
	}
	if t == nil {
		return nil, 0, fmt.Errorf("no resumable task for chat session %s", chatSessionID)
	}
	startIteration := t.CurrentIteration

	now := time.Now()
	t.Status = TaskRunning
	t.StartedAt = &now
	t.UpdatedAt = now
	if err := tc.store.UpdateTask(ctx, t); err != nil {
		return nil, 0, &StoreError{Op: "resume_update", Message: err.Error()}
	}
	return t, startIteration, nil
}

// Stop sets status=stopped, completed_at=now, agent_message="Task stopped
// by user". This is a cooperative signal only — SamplingLoop observes it at
// stop-check A, stop-check B, or the tool-level stop check, it is not
// forcibly cancelled here.
func (tc *TaskCoordinator) Stop(ctx context.Context, taskID string) error {
	t, err := tc.store.GetTask(ctx, taskID)
	if err != nil {
		return &StoreError{Op: "stop_lookup", Message: err.Error()}
	}
	now := time.Now()
	t.Status = TaskStopped
	t.CompletedAt = &now
	t.AgentMessage = "Task stopped by user"
	t.UpdatedAt = now
	if err := tc.store.UpdateTask(ctx, t); err != nil {
		return &StoreError{Op: "stop_update", Message: err.Error()}
	}
	return nil
}

// Status reads the task's current status, the narrow read the stop checks
// use so they don't materialize the full Task row twice per iteration.
func (tc *TaskCoordinator) Status(ctx context.Context, taskID string) (TaskStatus, error) {
	status, err := tc.store.GetTaskStatus(ctx, taskID)
	if err != nil {
		return "", &StoreError{Op: "status_read", Message: err.Error()}
	}
	return status, nil
}

// AdvanceIteration sets task.current_iteration = i+1 (§4.D step 1). Writes
// to current_iteration are best-effort, matching the StoreError policy —
// only status transitions are durably required.
func (tc *TaskCoordinator) AdvanceIteration(ctx context.Context, taskID string, iteration int) {
	t, err := tc.store.GetTask(ctx, taskID)
	if err != nil {
		tc.logger.Warn("advance iteration: load task", zap.Error(err))
		return
	}
	t.CurrentIteration = iteration
	t.UpdatedAt = time.Now()
	if err := tc.store.UpdateTask(ctx, t); err != nil {
		tc.logger.Warn("advance iteration: update task", zap.Error(err))
	}
}

// Complete marks the task naturally completed: zero tool_use blocks in the
// final assistant turn.
func (tc *TaskCoordinator) Complete(ctx context.Context, taskID, resultMessage string) error {
	return tc.finish(ctx, taskID, func(t *Task) {
		t.Status = TaskCompleted
		t.ResultMessage = resultMessage
	})
}

// ReportAgentStatus applies the agent's report_task_status call, mapping
// completed->completed, failed->failed, needs_clarification->paused.
func (tc *TaskCoordinator) ReportAgentStatus(ctx context.Context, taskID string, status AgentStatus, message, evidence string) error {
	return tc.finish(ctx, taskID, func(t *Task) {
		t.AgentStatus = status
		t.AgentMessage = message
		t.AgentEvidence = evidence
		t.ResultMessage = message
		switch status {
		case AgentStatusCompleted:
			t.Status = TaskCompleted
		case AgentStatusFailed:
			t.Status = TaskFailed
		case AgentStatusNeedsClarification:
			t.Status = TaskPaused
		}
	})
}

// Fail marks the task failed with errorMessage, per §4.D step 13 and the
// post-loop max-iterations path.
func (tc *TaskCoordinator) Fail(ctx context.Context, taskID, errorMessage string) error {
	return tc.finish(ctx, taskID, func(t *Task) {
		t.Status = TaskFailed
		t.ErrorMessage = errorMessage
	})
}

func (tc *TaskCoordinator) finish(ctx context.Context, taskID string, mutate func(*Task)) error {
	t, err := tc.store.GetTask(ctx, taskID)
	if err != nil {
		return &StoreError{Op: "finish_lookup", Message: err.Error()}
	}
	now := time.Now()
	mutate(t)
	t.CompletedAt = &now
	t.UpdatedAt = now
	if err := tc.store.UpdateTask(ctx, t); err != nil {
		return &StoreError{Op: "finish_update", Message: err.Error()}
	}
	return nil
}

// ReconstructMessages rebuilds the conversation for a resumed task. Per
// §4.E it is the last stored outgoing request payload *plus* the assistant
// response content from storage: the outgoing request's Messages slice is
// exactly what was already shaped and sent to the model to produce the most
// recent assistant turn, so it round-trips tool_use/tool_result block
// structure exactly for every iteration up to but excluding that turn — the
// turn itself (and the tool_results message it produced, if the task
// stopped mid-iteration rather than between iterations) is appended from
// the persisted Message rows, since the outgoing request never contains it.
// It falls back to concatenating Message rows in creation order when no
// outgoing payload was ever recorded (e.g. the task was stopped before its
// first iteration completed).
func (tc *TaskCoordinator) ReconstructMessages(ctx context.Context, taskID string) ([]Message, error) {
	stored, err := tc.store.ListMessagesByTask(ctx, taskID)
	if err != nil {
		return nil, &StoreError{Op: "reconstruct", Message: err.Error()}
	}

	if raw, rawErr := tc.store.LastOutgoingRequest(ctx, taskID); rawErr == nil && len(raw) > 0 {
		var req ModelRequest
		if jsonErr := json.Unmarshal(raw, &req); jsonErr == nil && len(req.Messages) > 0 {
			out := append([]Message(nil), req.Messages...)
			out = append(out, lastAssistantTurn(stored)...)
			return out, nil
		}
	}

	out := make([]Message, len(stored))
	for i, m := range stored {
		out[i] = *m
	}
	return out, nil
}

// lastAssistantTurn returns the final assistant Message row in stored (the
// turn produced by the last outgoing request) together with every message
// created after it — its synthesized tool_results user turn, when one was
// persisted before the task stopped. Returns nil if stored holds no
// assistant message at all.
func lastAssistantTurn(stored []*Message) []Message {
	lastAssistantIdx := -1
	for i := len(stored) - 1; i >= 0; i-- {
		if stored[i].Role == RoleAssistant {
			lastAssistantIdx = i
			break
		}
	}
	if lastAssistantIdx == -1 {
		return nil
	}
	out := make([]Message, 0, len(stored)-lastAssistantIdx)
	for _, m := range stored[lastAssistantIdx:] {
		out = append(out, *m)
	}
	return out
}
