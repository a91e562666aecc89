// Package sqlite implements cua.StateStore using pure-Go SQLite
// (modernc.org/sqlite), for single-node deployments and tests. All writes
// serialize through one connection (SetMaxOpenConns(1)) to avoid
// SQLITE_BUSY errors from concurrent writers opening independent
// connections.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	cua "github.com/onkernel/cua-agent"

	_ "modernc.org/sqlite"
)

// Store implements cua.StateStore backed by a local SQLite file.
type Store struct {
	db *sql.DB
}

var _ cua.StateStore = (*Store)(nil)

// New opens (creating if absent) a SQLite database at path.
func New(path string) *Store {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		// sql.Open only fails when the driver name is unregistered; the
		// blank import above guarantees it is.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db}
}

// Init creates all six tables. Safe to call repeatedly.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			total_conversation_time_ns INTEGER NOT NULL DEFAULT 0,
			total_iterations INTEGER NOT NULL DEFAULT 0,
			total_input_tokens INTEGER NOT NULL DEFAULT 0,
			total_output_tokens INTEGER NOT NULL DEFAULT 0,
			total_cost_usd REAL NOT NULL DEFAULT 0,
			metadata TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS browser_sessions (
			id TEXT PRIMARY KEY,
			chat_session_id TEXT NOT NULL,
			remote_session_id TEXT NOT NULL UNIQUE,
			debugger_ws_url TEXT NOT NULL DEFAULT '',
			live_view_url TEXT NOT NULL DEFAULT '',
			cdp_connected INTEGER NOT NULL DEFAULT 0,
			cdp_disconnected_at INTEGER,
			last_active_at INTEGER NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS browser_sessions_chat_idx ON browser_sessions(chat_session_id)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			chat_session_id TEXT NOT NULL,
			batch_execution_id TEXT NOT NULL DEFAULT '',
			user_message TEXT NOT NULL,
			status TEXT NOT NULL,
			current_iteration INTEGER NOT NULL DEFAULT 0,
			max_iterations INTEGER NOT NULL DEFAULT 0,
			started_at INTEGER,
			completed_at INTEGER,
			agent_status TEXT NOT NULL DEFAULT '',
			agent_message TEXT NOT NULL DEFAULT '',
			agent_evidence TEXT NOT NULL DEFAULT '',
			result_message TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			config TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS tasks_chat_session_idx ON tasks(chat_session_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS tasks_chat_session_status_idx ON tasks(chat_session_id, status)`,
		`CREATE TABLE IF NOT EXISTS batch_executions (
			id TEXT PRIMARY KEY,
			chat_session_id TEXT NOT NULL,
			remote_session_id TEXT NOT NULL DEFAULT '',
			total INTEGER NOT NULL DEFAULT 0,
			completed_count INTEGER NOT NULL DEFAULT 0,
			failed_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			webhook_url TEXT NOT NULL DEFAULT '',
			webhook_secret TEXT NOT NULL DEFAULT '',
			global_config_overrides TEXT,
			created_at INTEGER NOT NULL,
			completed_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			chat_session_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			role TEXT NOT NULL,
			blocks TEXT NOT NULL,
			iteration INTEGER NOT NULL DEFAULT 0,
			raw_request TEXT,
			raw_response TEXT,
			api_latency_ns INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_task_idx ON messages(task_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS performance_metrics (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			iteration INTEGER NOT NULL DEFAULT 0,
			api_response_time_ns INTEGER NOT NULL DEFAULT 0,
			tool_execution_time_ns INTEGER NOT NULL DEFAULT 0,
			iteration_total_time_ns INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cache_read_tokens INTEGER NOT NULL DEFAULT 0,
			cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
			context_cleared_tokens INTEGER NOT NULL DEFAULT 0,
			request_size_bytes INTEGER NOT NULL DEFAULT 0,
			image_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS performance_metrics_task_idx ON performance_metrics(task_id, iteration)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: init: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func timeFromNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

func nullableUnixNano(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func nullableTimeFromNano(ns sql.NullInt64) *time.Time {
	if !ns.Valid || ns.Int64 == 0 {
		return nil
	}
	t := timeFromNano(ns.Int64)
	return &t
}

// --- ChatSessions ---

func (s *Store) CreateChatSession(ctx context.Context, cs *cua.ChatSession) error {
	meta, err := marshalOptional(cs.Metadata)
	if err != nil {
		return &cua.StoreError{Op: "create_chat_session", Message: err.Error()}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (id, status, created_at, updated_at, total_conversation_time_ns,
			total_iterations, total_input_tokens, total_output_tokens, total_cost_usd, metadata)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`,
		cs.ID, string(cs.Status), unixNano(cs.CreatedAt), unixNano(cs.UpdatedAt), cs.TotalConversationTime.Nanoseconds(),
		cs.TotalIterations, cs.TotalInputTokens, cs.TotalOutputTokens, cs.TotalCostUSD, meta)
	if err != nil {
		return &cua.StoreError{Op: "create_chat_session", Message: err.Error()}
	}
	return nil
}

func (s *Store) GetChatSession(ctx context.Context, id string) (*cua.ChatSession, error) {
	var cs cua.ChatSession
	var createdNs, updatedNs, durNs int64
	var meta sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, created_at, updated_at, total_conversation_time_ns,
			total_iterations, total_input_tokens, total_output_tokens, total_cost_usd, metadata
		 FROM chat_sessions WHERE id = ?`, id,
	).Scan(&cs.ID, &cs.Status, &createdNs, &updatedNs, &durNs,
		&cs.TotalIterations, &cs.TotalInputTokens, &cs.TotalOutputTokens, &cs.TotalCostUSD, &meta)
	if err == sql.ErrNoRows {
		return nil, &cua.StoreError{Op: "get_chat_session", Message: "not found"}
	}
	if err != nil {
		return nil, &cua.StoreError{Op: "get_chat_session", Message: err.Error()}
	}
	cs.CreatedAt = timeFromNano(createdNs)
	cs.UpdatedAt = timeFromNano(updatedNs)
	cs.TotalConversationTime = time.Duration(durNs)
	if meta.Valid {
		_ = json.Unmarshal([]byte(meta.String), &cs.Metadata)
	}
	return &cs, nil
}

func (s *Store) UpdateChatSession(ctx context.Context, cs *cua.ChatSession) error {
	meta, err := marshalOptional(cs.Metadata)
	if err != nil {
		return &cua.StoreError{Op: "update_chat_session", Message: err.Error()}
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET status=?, updated_at=?, total_conversation_time_ns=?,
			total_iterations=?, total_input_tokens=?, total_output_tokens=?, total_cost_usd=?, metadata=?
		 WHERE id=?`,
		string(cs.Status), unixNano(cs.UpdatedAt), cs.TotalConversationTime.Nanoseconds(),
		cs.TotalIterations, cs.TotalInputTokens, cs.TotalOutputTokens, cs.TotalCostUSD, meta, cs.ID)
	if err != nil {
		return &cua.StoreError{Op: "update_chat_session", Message: err.Error()}
	}
	return nil
}

func (s *Store) ListChatSessions(ctx context.Context, limit, offset int) ([]*cua.ChatSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, created_at, updated_at, total_conversation_time_ns,
			total_iterations, total_input_tokens, total_output_tokens, total_cost_usd, metadata
		 FROM chat_sessions ORDER BY updated_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, &cua.StoreError{Op: "list_chat_sessions", Message: err.Error()}
	}
	defer rows.Close()

	var out []*cua.ChatSession
	for rows.Next() {
		var cs cua.ChatSession
		var createdNs, updatedNs, durNs int64
		var meta sql.NullString
		if err := rows.Scan(&cs.ID, &cs.Status, &createdNs, &updatedNs, &durNs,
			&cs.TotalIterations, &cs.TotalInputTokens, &cs.TotalOutputTokens, &cs.TotalCostUSD, &meta); err != nil {
			return nil, &cua.StoreError{Op: "list_chat_sessions", Message: err.Error()}
		}
		cs.CreatedAt = timeFromNano(createdNs)
		cs.UpdatedAt = timeFromNano(updatedNs)
		cs.TotalConversationTime = time.Duration(durNs)
		if meta.Valid {
			_ = json.Unmarshal([]byte(meta.String), &cs.Metadata)
		}
		out = append(out, &cs)
	}
	return out, rows.Err()
}

// --- BrowserSessions ---

func (s *Store) CreateBrowserSession(ctx context.Context, bs *cua.BrowserSession) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO browser_sessions (id, chat_session_id, remote_session_id, debugger_ws_url,
			live_view_url, cdp_connected, cdp_disconnected_at, last_active_at, status, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`,
		bs.ID, bs.ChatSessionID, bs.RemoteSessionID, bs.DebuggerWSURL, bs.LiveViewURL,
		bs.CDPConnected, nullableUnixNano(bs.CDPDisconnectAt), unixNano(bs.LastActiveAt), string(bs.Status), unixNano(bs.CreatedAt))
	if err != nil {
		return &cua.StoreError{Op: "create_browser_session", Message: err.Error()}
	}
	return nil
}

func scanBrowserSession(row interface {
	Scan(dest ...any) error
}) (*cua.BrowserSession, error) {
	var bs cua.BrowserSession
	var lastActiveNs, createdNs int64
	var disconnectNs sql.NullInt64
	err := row.Scan(&bs.ID, &bs.ChatSessionID, &bs.RemoteSessionID, &bs.DebuggerWSURL, &bs.LiveViewURL,
		&bs.CDPConnected, &disconnectNs, &lastActiveNs, &bs.Status, &createdNs)
	if err != nil {
		return nil, err
	}
	bs.CDPDisconnectAt = nullableTimeFromNano(disconnectNs)
	bs.LastActiveAt = timeFromNano(lastActiveNs)
	bs.CreatedAt = timeFromNano(createdNs)
	return &bs, nil
}

const browserSessionColumns = `id, chat_session_id, remote_session_id, debugger_ws_url, live_view_url,
	cdp_connected, cdp_disconnected_at, last_active_at, status, created_at`

func (s *Store) GetBrowserSession(ctx context.Context, id string) (*cua.BrowserSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+browserSessionColumns+` FROM browser_sessions WHERE id = ?`, id)
	bs, err := scanBrowserSession(row)
	if err == sql.ErrNoRows {
		return nil, &cua.StoreError{Op: "get_browser_session", Message: "not found"}
	}
	if err != nil {
		return nil, &cua.StoreError{Op: "get_browser_session", Message: err.Error()}
	}
	return bs, nil
}

func (s *Store) GetBrowserSessionByRemoteID(ctx context.Context, remoteSessionID string) (*cua.BrowserSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+browserSessionColumns+` FROM browser_sessions WHERE remote_session_id = ?`, remoteSessionID)
	bs, err := scanBrowserSession(row)
	if err == sql.ErrNoRows {
		return nil, &cua.StoreError{Op: "get_browser_session_by_remote_id", Message: "not found"}
	}
	if err != nil {
		return nil, &cua.StoreError{Op: "get_browser_session_by_remote_id", Message: err.Error()}
	}
	return bs, nil
}

func (s *Store) UpdateBrowserSession(ctx context.Context, bs *cua.BrowserSession) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE browser_sessions SET debugger_ws_url=?, live_view_url=?, cdp_connected=?,
			cdp_disconnected_at=?, last_active_at=?, status=? WHERE id=?`,
		bs.DebuggerWSURL, bs.LiveViewURL, bs.CDPConnected, nullableUnixNano(bs.CDPDisconnectAt),
		unixNano(bs.LastActiveAt), string(bs.Status), bs.ID)
	if err != nil {
		return &cua.StoreError{Op: "update_browser_session", Message: err.Error()}
	}
	return nil
}

// --- Tasks ---

const taskColumns = `id, chat_session_id, batch_execution_id, user_message, status,
	current_iteration, max_iterations, started_at, completed_at, agent_status, agent_message,
	agent_evidence, result_message, error_message, config, created_at, updated_at`

func scanTask(row interface {
	Scan(dest ...any) error
}) (*cua.Task, error) {
	var t cua.Task
	var startedNs, completedNs sql.NullInt64
	var createdNs, updatedNs int64
	var cfg sql.NullString
	err := row.Scan(&t.ID, &t.ChatSessionID, &t.BatchExecutionID, &t.UserMessage, &t.Status,
		&t.CurrentIteration, &t.MaxIterations, &startedNs, &completedNs, &t.AgentStatus, &t.AgentMessage,
		&t.AgentEvidence, &t.ResultMessage, &t.ErrorMessage, &cfg, &createdNs, &updatedNs)
	if err != nil {
		return nil, err
	}
	t.StartedAt = nullableTimeFromNano(startedNs)
	t.CompletedAt = nullableTimeFromNano(completedNs)
	t.CreatedAt = timeFromNano(createdNs)
	t.UpdatedAt = timeFromNano(updatedNs)
	if cfg.Valid {
		_ = json.Unmarshal([]byte(cfg.String), &t.Config)
	}
	return &t, nil
}

func (s *Store) CreateTask(ctx context.Context, t *cua.Task) error {
	cfg, err := json.Marshal(t.Config)
	if err != nil {
		return &cua.StoreError{Op: "create_task", Message: err.Error()}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, chat_session_id, batch_execution_id, user_message, status,
			current_iteration, max_iterations, started_at, completed_at, agent_status, agent_message,
			agent_evidence, result_message, error_message, config, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ChatSessionID, t.BatchExecutionID, t.UserMessage, string(t.Status),
		t.CurrentIteration, t.MaxIterations, nullableUnixNano(t.StartedAt), nullableUnixNano(t.CompletedAt),
		string(t.AgentStatus), t.AgentMessage, t.AgentEvidence, t.ResultMessage, t.ErrorMessage, cfg,
		unixNano(t.CreatedAt), unixNano(t.UpdatedAt))
	if err != nil {
		return &cua.StoreError{Op: "create_task", Message: err.Error()}
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*cua.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, &cua.StoreError{Op: "get_task", Message: "not found"}
	}
	if err != nil {
		return nil, &cua.StoreError{Op: "get_task", Message: err.Error()}
	}
	return t, nil
}

func (s *Store) UpdateTask(ctx context.Context, t *cua.Task) error {
	cfg, err := json.Marshal(t.Config)
	if err != nil {
		return &cua.StoreError{Op: "update_task", Message: err.Error()}
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE tasks SET status=?, current_iteration=?, max_iterations=?, started_at=?,
			completed_at=?, agent_status=?, agent_message=?, agent_evidence=?, result_message=?,
			error_message=?, config=?, updated_at=?
		 WHERE id=?`,
		string(t.Status), t.CurrentIteration, t.MaxIterations, nullableUnixNano(t.StartedAt),
		nullableUnixNano(t.CompletedAt), string(t.AgentStatus), t.AgentMessage, t.AgentEvidence, t.ResultMessage,
		t.ErrorMessage, cfg, unixNano(t.UpdatedAt), t.ID)
	if err != nil {
		return &cua.StoreError{Op: "update_task", Message: err.Error()}
	}
	return nil
}

func (s *Store) GetTaskStatus(ctx context.Context, id string) (cua.TaskStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", &cua.StoreError{Op: "get_task_status", Message: "not found"}
	}
	if err != nil {
		return "", &cua.StoreError{Op: "get_task_status", Message: err.Error()}
	}
	return cua.TaskStatus(status), nil
}

func (s *Store) MostRecentResumableTask(ctx context.Context, chatSessionID string) (*cua.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE chat_session_id = ? AND status IN ('stopped','paused','failed')
		 ORDER BY created_at DESC LIMIT 1`, chatSessionID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &cua.StoreError{Op: "most_recent_resumable_task", Message: err.Error()}
	}
	return t, nil
}

func (s *Store) RunningTask(ctx context.Context, chatSessionID string) (*cua.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE chat_session_id = ? AND status = 'running' LIMIT 1`, chatSessionID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &cua.StoreError{Op: "running_task", Message: err.Error()}
	}
	return t, nil
}

func (s *Store) ListTasksByChatSession(ctx context.Context, chatSessionID string) ([]*cua.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE chat_session_id = ? ORDER BY created_at`, chatSessionID)
	if err != nil {
		return nil, &cua.StoreError{Op: "list_tasks_by_chat_session", Message: err.Error()}
	}
	defer rows.Close()

	var out []*cua.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, &cua.StoreError{Op: "list_tasks_by_chat_session", Message: err.Error()}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- BatchExecutions ---

func (s *Store) CreateBatchExecution(ctx context.Context, b *cua.BatchExecution) error {
	cfg, err := json.Marshal(b.GlobalConfigOverrides)
	if err != nil {
		return &cua.StoreError{Op: "create_batch_execution", Message: err.Error()}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO batch_executions (id, chat_session_id, remote_session_id, total, completed_count,
			failed_count, status, webhook_url, webhook_secret, global_config_overrides, created_at, completed_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.ChatSessionID, b.RemoteSessionID, b.Total, b.CompletedCount,
		b.FailedCount, string(b.Status), b.WebhookURL, b.WebhookSecret, cfg, unixNano(b.CreatedAt), nullableUnixNano(b.CompletedAt))
	if err != nil {
		return &cua.StoreError{Op: "create_batch_execution", Message: err.Error()}
	}
	return nil
}

func (s *Store) GetBatchExecution(ctx context.Context, id string) (*cua.BatchExecution, error) {
	var b cua.BatchExecution
	var cfg sql.NullString
	var createdNs int64
	var completedNs sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, chat_session_id, remote_session_id, total, completed_count, failed_count, status,
			webhook_url, webhook_secret, global_config_overrides, created_at, completed_at
		 FROM batch_executions WHERE id = ?`, id,
	).Scan(&b.ID, &b.ChatSessionID, &b.RemoteSessionID, &b.Total, &b.CompletedCount, &b.FailedCount, &b.Status,
		&b.WebhookURL, &b.WebhookSecret, &cfg, &createdNs, &completedNs)
	if err == sql.ErrNoRows {
		return nil, &cua.StoreError{Op: "get_batch_execution", Message: "not found"}
	}
	if err != nil {
		return nil, &cua.StoreError{Op: "get_batch_execution", Message: err.Error()}
	}
	b.CreatedAt = timeFromNano(createdNs)
	b.CompletedAt = nullableTimeFromNano(completedNs)
	if cfg.Valid {
		_ = json.Unmarshal([]byte(cfg.String), &b.GlobalConfigOverrides)
	}
	return &b, nil
}

func (s *Store) UpdateBatchExecution(ctx context.Context, b *cua.BatchExecution) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batch_executions SET completed_count=?, failed_count=?, status=?, completed_at=? WHERE id=?`,
		b.CompletedCount, b.FailedCount, string(b.Status), nullableUnixNano(b.CompletedAt), b.ID)
	if err != nil {
		return &cua.StoreError{Op: "update_batch_execution", Message: err.Error()}
	}
	return nil
}

// --- Messages ---

func (s *Store) AppendMessage(ctx context.Context, m *cua.Message) error {
	blocks, err := json.Marshal(m.Blocks)
	if err != nil {
		return &cua.StoreError{Op: "append_message", Message: err.Error()}
	}
	var rawReq, rawResp any
	if len(m.RawRequest) > 0 {
		rawReq = string(m.RawRequest)
	}
	if len(m.RawResponse) > 0 {
		rawResp = string(m.RawResponse)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, chat_session_id, task_id, role, blocks, iteration,
			raw_request, raw_response, api_latency_ns, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.ChatSessionID, m.TaskID, string(m.Role), string(blocks), m.Iteration,
		rawReq, rawResp, m.APILatency.Nanoseconds(), unixNano(m.CreatedAt))
	if err != nil {
		return &cua.StoreError{Op: "append_message", Message: err.Error()}
	}
	return nil
}

func (s *Store) ListMessagesByTask(ctx context.Context, taskID string) ([]*cua.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_session_id, task_id, role, blocks, iteration, raw_request, raw_response,
			api_latency_ns, created_at
		 FROM messages WHERE task_id = ? ORDER BY created_at`, taskID)
	if err != nil {
		return nil, &cua.StoreError{Op: "list_messages_by_task", Message: err.Error()}
	}
	defer rows.Close()

	var out []*cua.Message
	for rows.Next() {
		var m cua.Message
		var blocks string
		var rawReq, rawResp sql.NullString
		var latNs, createdNs int64
		if err := rows.Scan(&m.ID, &m.ChatSessionID, &m.TaskID, &m.Role, &blocks, &m.Iteration,
			&rawReq, &rawResp, &latNs, &createdNs); err != nil {
			return nil, &cua.StoreError{Op: "list_messages_by_task", Message: err.Error()}
		}
		_ = json.Unmarshal([]byte(blocks), &m.Blocks)
		if rawReq.Valid {
			m.RawRequest = json.RawMessage(rawReq.String)
		}
		if rawResp.Valid {
			m.RawResponse = json.RawMessage(rawResp.String)
		}
		m.APILatency = time.Duration(latNs)
		m.CreatedAt = timeFromNano(createdNs)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *Store) LastOutgoingRequest(ctx context.Context, taskID string) ([]byte, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT raw_request FROM messages
		 WHERE task_id = ? AND role = 'assistant' AND raw_request IS NOT NULL
		 ORDER BY created_at DESC LIMIT 1`, taskID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &cua.StoreError{Op: "last_outgoing_request", Message: err.Error()}
	}
	if !raw.Valid {
		return nil, nil
	}
	return []byte(raw.String), nil
}

// --- PerformanceMetrics ---

func (s *Store) AppendPerformanceMetric(ctx context.Context, m *cua.PerformanceMetric) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO performance_metrics (id, task_id, iteration, api_response_time_ns,
			tool_execution_time_ns, iteration_total_time_ns, input_tokens, output_tokens,
			cache_read_tokens, cache_creation_tokens, context_cleared_tokens, request_size_bytes,
			image_count, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.TaskID, m.Iteration, m.APIResponseTime.Nanoseconds(),
		m.ToolExecutionTime.Nanoseconds(), m.IterationTotalTime.Nanoseconds(), m.InputTokens, m.OutputTokens,
		m.CacheReadTokens, m.CacheCreationTokens, m.ContextClearedTokens, m.RequestSizeBytes,
		m.ImageCount, unixNano(m.CreatedAt))
	if err != nil {
		return &cua.StoreError{Op: "append_performance_metric", Message: err.Error()}
	}
	return nil
}

func (s *Store) ListPerformanceMetricsByTask(ctx context.Context, taskID string) ([]*cua.PerformanceMetric, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, iteration, api_response_time_ns, tool_execution_time_ns,
			iteration_total_time_ns, input_tokens, output_tokens, cache_read_tokens,
			cache_creation_tokens, context_cleared_tokens, request_size_bytes, image_count, created_at
		 FROM performance_metrics WHERE task_id = ? ORDER BY iteration`, taskID)
	if err != nil {
		return nil, &cua.StoreError{Op: "list_performance_metrics_by_task", Message: err.Error()}
	}
	defer rows.Close()

	var out []*cua.PerformanceMetric
	for rows.Next() {
		var m cua.PerformanceMetric
		var apiNs, toolNs, totalNs, createdNs int64
		if err := rows.Scan(&m.ID, &m.TaskID, &m.Iteration, &apiNs, &toolNs, &totalNs,
			&m.InputTokens, &m.OutputTokens, &m.CacheReadTokens, &m.CacheCreationTokens,
			&m.ContextClearedTokens, &m.RequestSizeBytes, &m.ImageCount, &createdNs); err != nil {
			return nil, &cua.StoreError{Op: "list_performance_metrics_by_task", Message: err.Error()}
		}
		m.APIResponseTime = time.Duration(apiNs)
		m.ToolExecutionTime = time.Duration(toolNs)
		m.IterationTotalTime = time.Duration(totalNs)
		m.CreatedAt = timeFromNano(createdNs)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func marshalOptional(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
