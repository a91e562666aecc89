package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	cua "github.com/onkernel/cua-agent"
	"github.com/onkernel/cua-agent/internal/batchsched"
)

// batchTaskSpecDTO is one entry of a POST /tasks/execute request body.
type batchTaskSpecDTO struct {
	Message                    string               `json:"message" binding:"required"`
	ConfigOverrides            *executionConfigDTO  `json:"configOverrides,omitempty"`
	DestroyBrowserOnCompletion bool                 `json:"destroyBrowserOnCompletion"`
}

// executionConfigDTO mirrors cua.ExecutionConfig for wire validation; zero
// fields are left unset so ExecutionConfig.Merge's zero-means-inherit
// semantics apply unchanged.
type executionConfigDTO struct {
	MaxIterations   int    `json:"maxIterations,omitempty"`
	Model           string `json:"model,omitempty"`
	MaxOutputTokens int    `json:"maxOutputTokens,omitempty"`
}

func (d *executionConfigDTO) toConfig() *cua.ExecutionConfig {
	if d == nil {
		return nil
	}
	return &cua.ExecutionConfig{
		MaxIterations:   d.MaxIterations,
		Model:           d.Model,
		MaxOutputTokens: d.MaxOutputTokens,
	}
}

// tasksExecuteRequest is the POST /tasks/execute body, per §6.
type tasksExecuteRequest struct {
	Tasks                 []batchTaskSpecDTO  `json:"tasks" binding:"required,min=1,dive"`
	GlobalConfigOverrides *executionConfigDTO `json:"globalConfigOverrides,omitempty"`
	WebhookURL            string              `json:"webhookUrl,omitempty"`
	WebhookSecret         string              `json:"webhookSecret,omitempty"`
}

// tasksExecuteResponse is the 202 response body.
type tasksExecuteResponse struct {
	BatchExecutionID string   `json:"batchExecutionId"`
	SessionID        string   `json:"sessionId"`
	BrowserSessionID string   `json:"browserSessionId"`
	TaskIDs          []string `json:"taskIds"`
	Status           string   `json:"status"`
	Timestamp        string   `json:"timestamp"`
}

// handleTasksExecute implements POST /tasks/execute: creates a fresh chat
// session and a BatchExecution row, pre-assigns a task id per spec so they
// can be returned synchronously, then launches BatchExecutor.Execute in the
// background and responds 202 immediately.
func (s *Server) handleTasksExecute(c *gin.Context) {
	var req tasksExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeValidationError(c, "body", err.Error())
		return
	}

	ctx := c.Request.Context()
	now := timeNow()

	chatSession := &cua.ChatSession{
		ID:        cua.NewID(),
		Status:    cua.ChatSessionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateChatSession(ctx, chatSession); err != nil {
		writeError(c, &cua.StoreError{Op: "create_chat_session", Message: err.Error()})
		return
	}

	specs := make([]cua.BatchTaskSpec, len(req.Tasks))
	taskIDs := make([]string, len(req.Tasks))
	for i, t := range req.Tasks {
		taskIDs[i] = cua.NewID()
		specs[i] = cua.BatchTaskSpec{
			ID:                         taskIDs[i],
			Message:                    t.Message,
			ConfigOverrides:            t.ConfigOverrides.toConfig(),
			DestroyBrowserOnCompletion: t.DestroyBrowserOnCompletion,
		}
	}

	globalOverrides := req.GlobalConfigOverrides.toConfig()
	var globalCfg cua.ExecutionConfig
	if globalOverrides != nil {
		globalCfg = *globalOverrides
	}

	batch := &cua.BatchExecution{
		ID:                    cua.NewID(),
		ChatSessionID:         chatSession.ID,
		Total:                 len(specs),
		Status:                cua.BatchRunning,
		WebhookURL:            req.WebhookURL,
		WebhookSecret:         req.WebhookSecret,
		GlobalConfigOverrides: globalCfg,
		CreatedAt:             now,
	}
	if err := s.store.CreateBatchExecution(ctx, batch); err != nil {
		writeError(c, &cua.StoreError{Op: "create_batch_execution", Message: err.Error()})
		return
	}

	go s.batch.Execute(context.WithoutCancel(ctx), cua.BatchRunInput{
		BatchExecutionID: batch.ID,
		ChatSessionID:    chatSession.ID,
		SystemPrompt:     s.systemPrompt,
		Tools:            s.tools,
		Specs:            specs,
		GlobalOverrides:  globalCfg,
		DefaultConfig:    s.defaultConfig,
	})

	c.JSON(http.StatusAccepted, tasksExecuteResponse{
		BatchExecutionID: batch.ID,
		SessionID:        chatSession.ID,
		BrowserSessionID: "pending",
		TaskIDs:          taskIDs,
		Status:           string(cua.BatchRunning),
		Timestamp:        now.Format(time.RFC3339),
	})
}

// tasksScheduleRequest is the POST /tasks/schedule body: identical to
// tasksExecuteRequest plus a cron expression that delays the actual
// BatchExecutor.Execute call to the expression's next (and each subsequent)
// due time, instead of firing immediately.
type tasksScheduleRequest struct {
	tasksExecuteRequest
	CronExpr string `json:"cronExpr" binding:"required"`
}

// tasksScheduleResponse is the 202 response body for a scheduled batch.
type tasksScheduleResponse struct {
	JobID            string   `json:"jobId"`
	BatchExecutionID string   `json:"batchExecutionId"`
	SessionID        string   `json:"sessionId"`
	TaskIDs          []string `json:"taskIds"`
	CronExpr         string   `json:"cronExpr"`
	Status           string   `json:"status"`
}

// handleTasksSchedule implements POST /tasks/schedule: builds the same
// ChatSession/BatchExecution/BatchTaskSpec rows handleTasksExecute does, but
// registers the resulting BatchRunInput with the Scheduler under CronExpr
// instead of launching BatchExecutor.Execute immediately. The batch row is
// created in BatchRunning with zero completed/failed counts; no task runs
// until the scheduler dispatches Execute when the expression is due.
func (s *Server) handleTasksSchedule(c *gin.Context) {
	if s.scheduler == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "batch scheduling is not configured"})
		return
	}

	var req tasksScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeValidationError(c, "body", err.Error())
		return
	}

	ctx := c.Request.Context()
	now := timeNow()

	chatSession := &cua.ChatSession{
		ID:        cua.NewID(),
		Status:    cua.ChatSessionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateChatSession(ctx, chatSession); err != nil {
		writeError(c, &cua.StoreError{Op: "create_chat_session", Message: err.Error()})
		return
	}

	specs := make([]cua.BatchTaskSpec, len(req.Tasks))
	taskIDs := make([]string, len(req.Tasks))
	for i, t := range req.Tasks {
		taskIDs[i] = cua.NewID()
		specs[i] = cua.BatchTaskSpec{
			ID:                         taskIDs[i],
			Message:                    t.Message,
			ConfigOverrides:            t.ConfigOverrides.toConfig(),
			DestroyBrowserOnCompletion: t.DestroyBrowserOnCompletion,
		}
	}

	globalOverrides := req.GlobalConfigOverrides.toConfig()
	var globalCfg cua.ExecutionConfig
	if globalOverrides != nil {
		globalCfg = *globalOverrides
	}

	batch := &cua.BatchExecution{
		ID:                    cua.NewID(),
		ChatSessionID:         chatSession.ID,
		Total:                 len(specs),
		Status:                cua.BatchRunning,
		WebhookURL:            req.WebhookURL,
		WebhookSecret:         req.WebhookSecret,
		GlobalConfigOverrides: globalCfg,
		CreatedAt:             now,
	}
	if err := s.store.CreateBatchExecution(ctx, batch); err != nil {
		writeError(c, &cua.StoreError{Op: "create_batch_execution", Message: err.Error()})
		return
	}

	jobID := cua.NewID()
	if err := s.scheduler.Add(batchsched.Job{
		ID:   jobID,
		Expr: req.CronExpr,
		Input: cua.BatchRunInput{
			BatchExecutionID: batch.ID,
			ChatSessionID:    chatSession.ID,
			SystemPrompt:     s.systemPrompt,
			Tools:            s.tools,
			Specs:            specs,
			GlobalOverrides:  globalCfg,
			DefaultConfig:    s.defaultConfig,
		},
	}); err != nil {
		writeValidationError(c, "cronExpr", err.Error())
		return
	}

	c.JSON(http.StatusAccepted, tasksScheduleResponse{
		JobID:            jobID,
		BatchExecutionID: batch.ID,
		SessionID:        chatSession.ID,
		TaskIDs:          taskIDs,
		CronExpr:         req.CronExpr,
		Status:           string(cua.BatchRunning),
	})
}

// handleTaskStop implements POST /tasks/{taskId}/stop.
func (s *Server) handleTaskStop(c *gin.Context) {
	taskID := c.Param("taskId")
	if err := s.tasks.Stop(c.Request.Context(), taskID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"taskId": taskID, "status": string(cua.TaskStopped)})
}

// handleGetTask implements GET /tasks/{taskId}.
func (s *Server) handleGetTask(c *gin.Context) {
	taskID := c.Param("taskId")
	task, err := s.store.GetTask(c.Request.Context(), taskID)
	if err != nil || task == nil {
		writeNotFound(c, "task", taskID)
		return
	}
	c.JSON(http.StatusOK, task)
}
