package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	cua "github.com/onkernel/cua-agent"
)

// handleDashboardTasks implements GET /dashboard/tasks/{sessionId}: the
// ordered task list under one chat session, for the operator dashboard.
func (s *Server) handleDashboardTasks(c *gin.Context) {
	sessionID := c.Param("sessionId")
	tasks, err := s.store.ListTasksByChatSession(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, &cua.StoreError{Op: "list_tasks_by_chat_session", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": sessionID, "tasks": tasks})
}

// handleDashboardIterations implements GET /dashboard/iterations/{taskId}:
// the per-iteration PerformanceMetric rows for one task, for the operator
// dashboard's latency/token/cost breakdown.
func (s *Server) handleDashboardIterations(c *gin.Context) {
	taskID := c.Param("taskId")
	metrics, err := s.store.ListPerformanceMetricsByTask(c.Request.Context(), taskID)
	if err != nil {
		writeError(c, &cua.StoreError{Op: "list_performance_metrics_by_task", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"taskId": taskID, "iterations": metrics})
}
