// Package httpapi wires SessionManager, TaskCoordinator, BatchExecutor, and
// SamplingLoop into the HTTP surface: chat (synchronous or SSE), batch task
// execution, cooperative stop, and read-only session/dashboard reporting.
package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	cua "github.com/onkernel/cua-agent"
	"github.com/onkernel/cua-agent/internal/batchsched"
)

// Server holds every collaborator the HTTP layer dispatches into. None of
// its fields are mutated after New; concurrent requests share one Server.
type Server struct {
	store    cua.StateStore
	sm       *cua.SessionManager
	tasks    *cua.TaskCoordinator
	loop     *cua.SamplingLoop
	batch    *cua.BatchExecutor
	scheduler *batchsched.Scheduler
	logger   *zap.Logger
	tracer   cua.Tracer
	validate *validator.Validate

	systemPrompt  string
	tools         []cua.ToolDefinition
	defaultConfig cua.ExecutionConfig
	apiKeySecret  string
}

// Deps bundles the constructor arguments for New.
type Deps struct {
	Store          cua.StateStore
	SessionManager *cua.SessionManager
	Tasks          *cua.TaskCoordinator
	Loop           *cua.SamplingLoop
	Batch          *cua.BatchExecutor
	Scheduler      *batchsched.Scheduler // optional; nil disables POST /tasks/schedule
	Logger         *zap.Logger
	Tracer         cua.Tracer
	SystemPrompt   string
	Tools          []cua.ToolDefinition
	DefaultConfig  cua.ExecutionConfig
	APIKeySecret   string
}

// New constructs a Server. Logger may be nil (falls back to zap.NewNop()).
func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		store:         d.Store,
		sm:            d.SessionManager,
		tasks:         d.Tasks,
		loop:          d.Loop,
		batch:         d.Batch,
		scheduler:     d.Scheduler,
		logger:        logger,
		tracer:        d.Tracer,
		validate:      validator.New(),
		systemPrompt:  d.SystemPrompt,
		tools:         d.Tools,
		defaultConfig: d.DefaultConfig,
		apiKeySecret:  d.APIKeySecret,
	}
}

// NewRouter builds a gin.Engine with every route registered behind the
// ambient middleware stack (request id, access log, panic recovery).
func (s *Server) NewRouter() *gin.Engine {
	r := gin.New()
	r.Use(RequestID(), RequestLogger(s.logger), Recovery(s.logger))

	r.GET("/healthz", s.handleHealthz)
	r.GET("/readyz", s.handleReadyz)

	r.POST("/chat", s.handleChat)

	r.POST("/tasks/execute", BearerAuth(s.apiKeySecret), s.handleTasksExecute)
	r.POST("/tasks/schedule", BearerAuth(s.apiKeySecret), s.handleTasksSchedule)
	r.POST("/tasks/:taskId/stop", s.handleTaskStop)
	r.GET("/tasks/:taskId", s.handleGetTask)

	r.GET("/sessions", s.handleListSessions)
	r.GET("/sessions/:id", s.handleGetSession)
	r.PATCH("/sessions/:id", s.handlePatchSession)

	r.GET("/dashboard/sessions", s.handleListSessions)
	r.GET("/dashboard/tasks/:sessionId", s.handleDashboardTasks)
	r.GET("/dashboard/iterations/:taskId", s.handleDashboardIterations)

	r.POST("/browser/:id/disconnect-cdp", s.handleDisconnectCDP)
	r.POST("/browser/:id/reconnect-cdp", s.handleReconnectCDP)
	r.POST("/browser/:id/destroy", s.handleDestroyBrowser)
	r.POST("/browser/:id/stop", s.handleBrowserStop)
	r.POST("/browser/:id/pause", s.handleBrowserStop)
	r.POST("/browser/:id/resume", s.handleBrowserResume)
	r.POST("/browser/:id/screenshot", s.handleBrowserScreenshot)
	r.GET("/browser/:id/live-view", s.handleLiveView)

	return r
}

func lastUserMessage(messages []chatMessageDTO) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

func timeNow() time.Time { return time.Now() }
