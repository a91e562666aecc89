package cua

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// BatchExecutor accepts N task configs plus one browser lifetime: it
// creates one browser session via SessionManager, runs tasks sequentially
// via SamplingLoop under merged configuration, updates batch counters, and
// fires webhooks on task_status events, per §4.F.
type BatchExecutor struct {
	sm      *SessionManager
	tasks   *TaskCoordinator
	loop    *SamplingLoop
	store   StateStore
	webhook *WebhookSender
	logger  *zap.Logger
}

// NewBatchExecutor wires the components BatchExecutor drives.
func NewBatchExecutor(sm *SessionManager, tasks *TaskCoordinator, loop *SamplingLoop, store StateStore, webhook *WebhookSender, logger *zap.Logger) *BatchExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchExecutor{sm: sm, tasks: tasks, loop: loop, store: store, webhook: webhook, logger: logger}
}

// BatchRunInput bundles the inputs to one Execute call.
type BatchRunInput struct {
	BatchExecutionID string
	ChatSessionID     string
	SystemPrompt      string
	Tools             []ToolDefinition
	Specs             []BatchTaskSpec
	GlobalOverrides   ExecutionConfig
	DefaultConfig     ExecutionConfig
}

// Execute runs in.Specs sequentially over one shared browser session. It is
// intended to be invoked from a goroutine spawned by the HTTP layer
// (POST /tasks/execute responds 202 before this returns); callers that want
// synchronous execution can simply call and wait.
func (be *BatchExecutor) Execute(ctx context.Context, in BatchRunInput) {
	batch, err := be.store.GetBatchExecution(ctx, in.BatchExecutionID)
	if err != nil {
		be.logger.Error("load batch execution", zap.Error(err))
		return
	}

	bs, err := be.sm.Create(ctx, in.ChatSessionID, BrowserCreateOptions{})
	if err != nil {
		be.logger.Error("create batch browser session", zap.Error(err))
		batch.Status = BatchFailed
		_ = be.store.UpdateBatchExecution(ctx, batch)
		return
	}
	batch.RemoteSessionID = bs.RemoteSessionID
	if err := be.store.UpdateBatchExecution(ctx, batch); err != nil {
		be.logger.Warn("persist batch remote session id", zap.Error(err))
	}

	cfg := in.DefaultConfig.Merge(&in.GlobalOverrides)

	var destroyBrowser bool
	for i, spec := range in.Specs {
		taskCfg := cfg.Merge(spec.ConfigOverrides)

		taggedMessage := fmt.Sprintf("<task_id>%d</task_id> %s", i, spec.Message)
		taskID := spec.ID
		if taskID == "" {
			taskID = NewID()
		}
		task, err := be.tasks.CreateWithID(ctx, taskID, in.ChatSessionID, spec.Message, taskCfg)
		if err != nil {
			batch.FailedCount++
			be.logger.Warn("create batch task", zap.Int("index", i), zap.Error(err))
			continue
		}
		sink := FuncSink(func(ev LoopEvent) {
			if ev.Kind != EventTaskStatus {
				return
			}
			payload, ok := ev.Data.(TaskStatusPayload)
			if !ok {
				return
			}
			be.webhook.Send(ctx, batch.WebhookURL, batch.WebhookSecret, WebhookPayload{
				BatchExecutionID: in.BatchExecutionID,
				TaskID:           task.ID,
				TaskIndex:        i,
				Status:           payload.Status,
				AgentStatus:      payload.AgentStatus,
				Message:          payload.Message,
				Evidence:         payload.Evidence,
				Timestamp:        payload.Timestamp,
			})
		})

		_, runErr := be.loop.Run(ctx, RunInput{
			SystemPrompt:    in.SystemPrompt,
			Messages:        []Message{{Role: RoleUser, Blocks: []ContentBlock{{Type: BlockText, Text: taggedMessage}}, ChatSessionID: in.ChatSessionID, TaskID: task.ID, CreatedAt: time.Now()}},
			RemoteSessionID: bs.RemoteSessionID,
			ChatSessionID:   in.ChatSessionID,
			TaskID:          task.ID,
			StartIteration:  0,
			Config:          taskCfg,
			Tools:           in.Tools,
			Sink:            sink,
		})

		if runErr != nil {
			batch.FailedCount++
			be.logger.Warn("batch task failed", zap.Int("index", i), zap.Error(runErr))
			_ = be.tasks.Fail(ctx, task.ID, runErr.Error())
		} else {
			refreshed, err := be.store.GetTask(ctx, task.ID)
			if err == nil && refreshed.Status == TaskFailed {
				batch.FailedCount++
			} else {
				batch.CompletedCount++
			}
		}

		if err := be.store.UpdateBatchExecution(ctx, batch); err != nil {
			be.logger.Warn("persist batch counters", zap.Error(err))
		}

		if i == len(in.Specs)-1 && spec.DestroyBrowserOnCompletion {
			destroyBrowser = true
		}
	}

	if destroyBrowser {
		if err := be.sm.Destroy(ctx, bs.RemoteSessionID); err != nil {
			be.logger.Warn("destroy batch browser session", zap.Error(err))
		}
	}

	now := time.Now()
	batch.CompletedAt = &now
	if batch.CompletedCount+batch.FailedCount == batch.Total {
		batch.Status = BatchCompleted
	} else {
		batch.Status = BatchFailed
	}
	if err := be.store.UpdateBatchExecution(ctx, batch); err != nil {
		be.logger.Warn("finalize batch execution", zap.Error(err))
	}
}
