package cua

import "context"

// StateStore is the durable storage port: tables {chat_sessions,
// browser_sessions, tasks, batch_executions, messages,
// performance_metrics} with the columns implied by §3 of the domain model.
// No schema migrations are in scope — internal/store/postgres and
// internal/store/sqlite each own their fixed DDL.
//
// Writes to task status transitions are the one write the core must attempt
// durably; all other StateStore writes are best-effort — a failure is
// logged as a StoreError and does not abort the iteration.
type StateStore interface {
	// ChatSessions
	CreateChatSession(ctx context.Context, s *ChatSession) error
	GetChatSession(ctx context.Context, id string) (*ChatSession, error)
	UpdateChatSession(ctx context.Context, s *ChatSession) error
	ListChatSessions(ctx context.Context, limit, offset int) ([]*ChatSession, error)

	// BrowserSessions
	CreateBrowserSession(ctx context.Context, s *BrowserSession) error
	GetBrowserSession(ctx context.Context, id string) (*BrowserSession, error)
	GetBrowserSessionByRemoteID(ctx context.Context, remoteSessionID string) (*BrowserSession, error)
	UpdateBrowserSession(ctx context.Context, s *BrowserSession) error

	// Tasks
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, t *Task) error
	// GetTaskStatus is a narrow read used by the stop checks — it must be
	// cheap enough to call twice per iteration without materializing the
	// full Task row.
	GetTaskStatus(ctx context.Context, id string) (TaskStatus, error)
	// MostRecentResumableTask returns the newest task in chatSessionID whose
	// status is resumable, or nil if none exists.
	MostRecentResumableTask(ctx context.Context, chatSessionID string) (*Task, error)
	// RunningTask returns the task currently in status=running for
	// chatSessionID, or nil if none. Used to enforce the at-most-one-running
	// invariant.
	RunningTask(ctx context.Context, chatSessionID string) (*Task, error)
	ListTasksByChatSession(ctx context.Context, chatSessionID string) ([]*Task, error)

	// BatchExecutions
	CreateBatchExecution(ctx context.Context, b *BatchExecution) error
	GetBatchExecution(ctx context.Context, id string) (*BatchExecution, error)
	UpdateBatchExecution(ctx context.Context, b *BatchExecution) error

	// Messages
	AppendMessage(ctx context.Context, m *Message) error
	ListMessagesByTask(ctx context.Context, taskID string) ([]*Message, error)
	// LastOutgoingRequest returns the RawRequest of the most recently
	// appended assistant Message for taskID, used to reconstruct the
	// conversation on resume (§4.E).
	LastOutgoingRequest(ctx context.Context, taskID string) ([]byte, error)

	// PerformanceMetrics
	AppendPerformanceMetric(ctx context.Context, m *PerformanceMetric) error
	ListPerformanceMetricsByTask(ctx context.Context, taskID string) ([]*PerformanceMetric, error)

	Init(ctx context.Context) error
	Close() error
}
