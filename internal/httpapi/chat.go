package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	cua "github.com/onkernel/cua-agent"
)

// chatMessageDTO is one entry of a POST /chat request body.
type chatMessageDTO struct {
	Role    string `json:"role" binding:"required,oneof=user assistant"`
	Content string `json:"content" binding:"required"`
}

// chatRequest is the POST /chat body, per §6.
type chatRequest struct {
	Messages         []chatMessageDTO `json:"messages" binding:"required,min=1,dive"`
	SessionID        string           `json:"sessionId"`
	BrowserSessionID string           `json:"browserSessionId"`
	ContinueAgent    bool             `json:"continueAgent"`
	Stream           *bool            `json:"stream"`
}

// chatResponse is the non-streaming POST /chat response body.
type chatResponse struct {
	Message          string         `json:"message"`
	SessionID        string         `json:"sessionId"`
	BrowserSessionID string         `json:"browserSessionId"`
	Status           cua.TaskStatus `json:"status"`
	Timestamp        time.Time      `json:"timestamp"`
}

// handleChat implements POST /chat: resolve or create the chat session and
// browser session, resolve or resume the task, then drive one SamplingLoop
// run — streaming its events as SSE by default, or blocking for a single
// JSON response when stream=false.
func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeValidationError(c, "body", err.Error())
		return
	}

	ctx := c.Request.Context()

	chatSession, err := s.resolveChatSession(ctx, req.SessionID)
	if err != nil {
		writeError(c, err)
		return
	}

	browserSession, err := s.resolveBrowserSession(ctx, chatSession.ID, req.BrowserSessionID)
	if err != nil {
		writeError(c, err)
		return
	}

	task, messages, err := s.resolveTask(ctx, chatSession.ID, req)
	if err != nil {
		writeError(c, err)
		return
	}

	sink, flush := s.buildSink(c, req)

	in := cua.RunInput{
		SystemPrompt:    s.systemPrompt,
		Messages:        messages,
		RemoteSessionID: browserSession.RemoteSessionID,
		ChatSessionID:   chatSession.ID,
		TaskID:          task.ID,
		StartIteration:  task.CurrentIteration,
		Config:          task.Config,
		Tools:           s.tools,
		Sink:            sink,
	}

	finalText, runErr := s.loop.Run(ctx, in)
	if runErr != nil {
		s.logger.Warn("sampling loop run", zap.String("task_id", task.ID), zap.Error(runErr))
	}

	if flush {
		return // response already written as SSE frames
	}

	status, err := s.tasks.Status(ctx, task.ID)
	if err != nil {
		status = task.Status
	}
	c.JSON(http.StatusOK, chatResponse{
		Message:          finalText,
		SessionID:        chatSession.ID,
		BrowserSessionID: browserSession.ID,
		Status:           status,
		Timestamp:        timeNow(),
	})
}

func (s *Server) resolveChatSession(ctx context.Context, sessionID string) (*cua.ChatSession, error) {
	if sessionID != "" {
		return s.store.GetChatSession(ctx, sessionID)
	}
	now := timeNow()
	cs := &cua.ChatSession{
		ID:        cua.NewID(),
		Status:    cua.ChatSessionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateChatSession(ctx, cs); err != nil {
		return nil, &cua.StoreError{Op: "create_chat_session", Message: err.Error()}
	}
	return cs, nil
}

func (s *Server) resolveBrowserSession(ctx context.Context, chatSessionID, browserSessionID string) (*cua.BrowserSession, error) {
	if browserSessionID != "" {
		return s.store.GetBrowserSession(ctx, browserSessionID)
	}
	return s.sm.Create(ctx, chatSessionID, cua.BrowserCreateOptions{})
}

func (s *Server) resolveTask(ctx context.Context, chatSessionID string, req chatRequest) (*cua.Task, []cua.Message, error) {
	if req.ContinueAgent {
		task, _, err := s.tasks.Resume(ctx, chatSessionID)
		if err != nil {
			return nil, nil, err
		}
		messages, err := s.tasks.ReconstructMessages(ctx, task.ID)
		if err != nil {
			return nil, nil, err
		}
		return task, messages, nil
	}

	userMessage := lastUserMessage(req.Messages)
	if userMessage == "" {
		return nil, nil, &cua.ValidationError{Field: "messages", Message: "at least one user message is required"}
	}
	task, err := s.tasks.Create(ctx, chatSessionID, userMessage, s.defaultConfig)
	if err != nil {
		return nil, nil, err
	}
	messages := []cua.Message{{
		ID:            cua.NewID(),
		ChatSessionID: chatSessionID,
		TaskID:        task.ID,
		Role:          cua.RoleUser,
		Blocks:        []cua.ContentBlock{{Type: cua.BlockText, Text: userMessage}},
		CreatedAt:     timeNow(),
	}}
	return task, messages, nil
}

// buildSink picks the SSE EventStream (the default) or a discarding sink
// when the caller opts out with stream=false. The bool return reports
// whether SSE framing was written directly to the response.
func (s *Server) buildSink(c *gin.Context, req chatRequest) (cua.EventSink, bool) {
	streaming := req.Stream == nil || *req.Stream
	if !streaming {
		return cua.NoopSink{}, false
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	return cua.NewEventStream(c.Writer, func() { c.Writer.Flush() }), true
}
