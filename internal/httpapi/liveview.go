package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// liveViewUpgrader accepts inbound live-view connections from any origin —
// the dashboard and the agent runtime are expected to run on different
// hosts/ports in most deployments, and the debugger websocket itself carries
// no useful CSRF surface to protect.
var liveViewUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleLiveView implements GET /browser/{id}/live-view: it upgrades the
// caller's connection to a websocket and relays raw CDP frames to and from
// the remote browser's debugger websocket, letting a dashboard render the
// live page the agent is driving without itself speaking CDP.
func (s *Server) handleLiveView(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	bs, err := s.store.GetBrowserSessionByRemoteID(ctx, id)
	if err != nil || bs == nil || bs.DebuggerWSURL == "" {
		writeNotFound(c, "browser session", id)
		return
	}

	upstream, _, err := websocket.DefaultDialer.DialContext(ctx, bs.DebuggerWSURL, nil)
	if err != nil {
		s.logger.Warn("live view: dial debugger websocket", zap.String("remote_session_id", id), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "unable to reach remote browser debugger"})
		return
	}
	defer upstream.Close()

	client, err := liveViewUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("live view: upgrade client connection", zap.String("remote_session_id", id), zap.Error(err))
		return
	}
	defer client.Close()

	done := make(chan struct{})
	go relayFrames(client, upstream, done)
	relayFrames(upstream, client, done)
}

// relayFrames copies websocket frames from src to dst until either side
// closes or an error occurs, then signals done so the caller's matching
// goroutine unwinds too.
func relayFrames(dst, src *websocket.Conn, done chan struct{}) {
	defer func() {
		select {
		case <-done:
		default:
			close(done)
		}
	}()
	for {
		select {
		case <-done:
			return
		default:
		}
		msgType, data, err := src.ReadMessage()
		if err != nil {
			return
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}
