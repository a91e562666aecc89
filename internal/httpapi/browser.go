package httpapi

import (
	"context"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	cua "github.com/onkernel/cua-agent"
)

// handleDisconnectCDP implements POST /browser/{id}/disconnect-cdp: a direct
// passthrough to SessionManager.DisconnectCDP, id is the remote session id.
func (s *Server) handleDisconnectCDP(c *gin.Context) {
	id := c.Param("id")
	if err := s.sm.DisconnectCDP(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"remoteSessionId": id, "cdpConnected": false})
}

// handleReconnectCDP implements POST /browser/{id}/reconnect-cdp.
func (s *Server) handleReconnectCDP(c *gin.Context) {
	id := c.Param("id")
	if err := s.sm.ReconnectCDP(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"remoteSessionId": id, "cdpConnected": true})
}

// handleDestroyBrowser implements POST /browser/{id}/destroy.
func (s *Server) handleDestroyBrowser(c *gin.Context) {
	id := c.Param("id")
	if err := s.sm.Destroy(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"remoteSessionId": id, "status": string(cua.BrowserSessionStopped)})
}

// handleBrowserStop implements POST /browser/{id}/stop and
// POST /browser/{id}/pause: both stop the task currently running against
// the browser session's chat session, leaving it resumable. id is the
// remote session id; the running task is looked up through the
// BrowserSession -> ChatSession -> running Task chain.
func (s *Server) handleBrowserStop(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	bs, err := s.store.GetBrowserSessionByRemoteID(ctx, id)
	if err != nil || bs == nil {
		writeNotFound(c, "browser session", id)
		return
	}
	task, err := s.store.RunningTask(ctx, bs.ChatSessionID)
	if err != nil {
		writeError(c, &cua.StoreError{Op: "running_task_lookup", Message: err.Error()})
		return
	}
	if task == nil {
		writeNotFound(c, "running task for browser session", id)
		return
	}
	if err := s.tasks.Stop(ctx, task.ID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"remoteSessionId": id, "taskId": task.ID, "status": string(cua.TaskStopped)})
}

// handleBrowserResume implements POST /browser/{id}/resume: resumes the most
// recently stopped or paused task for the browser session's chat session and
// drives it in the background, mirroring handleChat's continueAgent=true
// path but without attaching an SSE sink to this request's response.
func (s *Server) handleBrowserResume(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	bs, err := s.store.GetBrowserSessionByRemoteID(ctx, id)
	if err != nil || bs == nil {
		writeNotFound(c, "browser session", id)
		return
	}

	task, _, err := s.tasks.Resume(ctx, bs.ChatSessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	messages, err := s.tasks.ReconstructMessages(ctx, task.ID)
	if err != nil {
		writeError(c, err)
		return
	}

	go func() {
		runCtx := context.WithoutCancel(ctx)
		_, runErr := s.loop.Run(runCtx, cua.RunInput{
			SystemPrompt:    s.systemPrompt,
			Messages:        messages,
			RemoteSessionID: bs.RemoteSessionID,
			ChatSessionID:   bs.ChatSessionID,
			TaskID:          task.ID,
			StartIteration:  task.CurrentIteration,
			Config:          task.Config,
			Tools:           s.tools,
			Sink:            cua.NoopSink{},
		})
		if runErr != nil {
			s.logger.Warn("background resume run", zap.String("task_id", task.ID), zap.Error(runErr))
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"remoteSessionId": id,
		"taskId":          task.ID,
		"status":          string(cua.TaskRunning),
		"timestamp":       timeNow().Format(time.RFC3339),
	})
}

// browserScreenshotResponse wraps a screenshot as base64 JSON so callers
// that want inline HTTP get it alongside the PNG's content type.
type browserScreenshotResponse struct {
	RemoteSessionID string `json:"remoteSessionId"`
	ImageBase64     string `json:"imageBase64"`
	MimeType        string `json:"mimeType"`
}

// handleBrowserScreenshot implements POST /browser/{id}/screenshot: a direct
// passthrough to SessionManager.Screenshot, returned as base64 JSON so it is
// usable from both browser and non-browser HTTP clients alike.
func (s *Server) handleBrowserScreenshot(c *gin.Context) {
	id := c.Param("id")
	data, err := s.sm.Screenshot(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, browserScreenshotResponse{
		RemoteSessionID: id,
		ImageBase64:     base64.StdEncoding.EncodeToString(data),
		MimeType:        "image/png",
	})
}
