package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	cua "github.com/onkernel/cua-agent"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// handleListSessions implements GET /sessions and GET /dashboard/sessions,
// paginated via ?limit=&offset= query parameters.
func (s *Server) handleListSessions(c *gin.Context) {
	limit := queryInt(c, "limit", defaultListLimit, maxListLimit)
	offset := queryInt(c, "offset", 0, 0)

	sessions, err := s.store.ListChatSessions(c.Request.Context(), limit, offset)
	if err != nil {
		writeError(c, &cua.StoreError{Op: "list_chat_sessions", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "limit": limit, "offset": offset})
}

// handleGetSession implements GET /sessions/{id}.
func (s *Server) handleGetSession(c *gin.Context) {
	id := c.Param("id")
	session, err := s.store.GetChatSession(c.Request.Context(), id)
	if err != nil || session == nil {
		writeNotFound(c, "session", id)
		return
	}
	c.JSON(http.StatusOK, session)
}

// patchSessionRequest carries the only fields a caller may mutate on a
// ChatSession: its status and free-form metadata. Both are optional so a
// caller can patch either independently.
type patchSessionRequest struct {
	Status   *cua.ChatSessionStatus `json:"status,omitempty"`
	Metadata map[string]any         `json:"metadata,omitempty"`
}

// handlePatchSession implements PATCH /sessions/{id}.
func (s *Server) handlePatchSession(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	session, err := s.store.GetChatSession(ctx, id)
	if err != nil || session == nil {
		writeNotFound(c, "session", id)
		return
	}

	var req patchSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeValidationError(c, "body", err.Error())
		return
	}

	if req.Status != nil {
		session.Status = *req.Status
	}
	if req.Metadata != nil {
		session.Metadata = req.Metadata
	}
	session.UpdatedAt = timeNow()

	if err := s.store.UpdateChatSession(ctx, session); err != nil {
		writeError(c, &cua.StoreError{Op: "update_chat_session", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, session)
}

// queryInt reads an int query parameter, falling back to def when absent or
// malformed, and capping at max when max > 0.
func queryInt(c *gin.Context, key string, def, max int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	if max > 0 && v > max {
		return max
	}
	return v
}
