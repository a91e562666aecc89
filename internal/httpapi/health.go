package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleHealthz reports process liveness: the HTTP server is up and
// answering. It never touches the StateStore.
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleReadyz reports readiness: the StateStore backing this process
// answers a trivial query. Used by orchestrators to gate traffic.
func (s *Server) handleReadyz(c *gin.Context) {
	if _, err := s.store.ListChatSessions(c.Request.Context(), 1, 0); err != nil {
		c.JSON(http.StatusServiceUnavailable, errorBody("not_ready", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
