// Package postgres implements cua.StateStore backed by PostgreSQL via
// pgx/v5. The caller creates and owns the *pgxpool.Pool; Close is a no-op
// here, mirroring the pool-injection pattern the store layer is built
// around.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	cua "github.com/onkernel/cua-agent"
)

// Store implements cua.StateStore over a pgxpool.Pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ cua.StateStore = (*Store)(nil)

// New constructs a Store using an existing pool. The caller is responsible
// for closing the pool once every Store sharing it is done.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all six tables and their indexes. Safe to call repeatedly.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			total_conversation_time_ns BIGINT NOT NULL DEFAULT 0,
			total_iterations INTEGER NOT NULL DEFAULT 0,
			total_input_tokens BIGINT NOT NULL DEFAULT 0,
			total_output_tokens BIGINT NOT NULL DEFAULT 0,
			total_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			metadata JSONB
		)`,

		`CREATE TABLE IF NOT EXISTS browser_sessions (
			id TEXT PRIMARY KEY,
			chat_session_id TEXT NOT NULL,
			remote_session_id TEXT NOT NULL UNIQUE,
			debugger_ws_url TEXT NOT NULL DEFAULT '',
			live_view_url TEXT NOT NULL DEFAULT '',
			cdp_connected BOOLEAN NOT NULL DEFAULT FALSE,
			cdp_disconnected_at TIMESTAMPTZ,
			last_active_at TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
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
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			agent_status TEXT NOT NULL DEFAULT '',
			agent_message TEXT NOT NULL DEFAULT '',
			agent_evidence TEXT NOT NULL DEFAULT '',
			result_message TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			config JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
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
			global_config_overrides JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			chat_session_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			role TEXT NOT NULL,
			blocks JSONB NOT NULL,
			iteration INTEGER NOT NULL DEFAULT 0,
			raw_request JSONB,
			raw_response JSONB,
			api_latency_ns BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_task_idx ON messages(task_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS performance_metrics (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			iteration INTEGER NOT NULL DEFAULT 0,
			api_response_time_ns BIGINT NOT NULL DEFAULT 0,
			tool_execution_time_ns BIGINT NOT NULL DEFAULT 0,
			iteration_total_time_ns BIGINT NOT NULL DEFAULT 0,
			input_tokens BIGINT NOT NULL DEFAULT 0,
			output_tokens BIGINT NOT NULL DEFAULT 0,
			cache_read_tokens BIGINT NOT NULL DEFAULT 0,
			cache_creation_tokens BIGINT NOT NULL DEFAULT 0,
			context_cleared_tokens BIGINT NOT NULL DEFAULT 0,
			request_size_bytes BIGINT NOT NULL DEFAULT 0,
			image_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS performance_metrics_task_idx ON performance_metrics(task_id, iteration)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// Close is a no-op: the caller owns the pool.
func (s *Store) Close() error { return nil }

// --- ChatSessions ---

func (s *Store) CreateChatSession(ctx context.Context, cs *cua.ChatSession) error {
	meta, err := marshalOptional(cs.Metadata)
	if err != nil {
		return &cua.StoreError{Op: "create_chat_session", Message: err.Error()}
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO chat_sessions (id, status, created_at, updated_at, total_conversation_time_ns,
			total_iterations, total_input_tokens, total_output_tokens, total_cost_usd, metadata)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		cs.ID, cs.Status, cs.CreatedAt, cs.UpdatedAt, cs.TotalConversationTime.Nanoseconds(),
		cs.TotalIterations, cs.TotalInputTokens, cs.TotalOutputTokens, cs.TotalCostUSD, meta)
	if err != nil {
		return &cua.StoreError{Op: "create_chat_session", Message: err.Error()}
	}
	return nil
}

func (s *Store) GetChatSession(ctx context.Context, id string) (*cua.ChatSession, error) {
	var cs cua.ChatSession
	var durNs int64
	var meta []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, status, created_at, updated_at, total_conversation_time_ns,
			total_iterations, total_input_tokens, total_output_tokens, total_cost_usd, metadata
		 FROM chat_sessions WHERE id = $1`, id,
	).Scan(&cs.ID, &cs.Status, &cs.CreatedAt, &cs.UpdatedAt, &durNs,
		&cs.TotalIterations, &cs.TotalInputTokens, &cs.TotalOutputTokens, &cs.TotalCostUSD, &meta)
	if err == pgx.ErrNoRows {
		return nil, &cua.StoreError{Op: "get_chat_session", Message: "not found"}
	}
	if err != nil {
		return nil, &cua.StoreError{Op: "get_chat_session", Message: err.Error()}
	}
	cs.TotalConversationTime = time.Duration(durNs)
	if meta != nil {
		_ = json.Unmarshal(meta, &cs.Metadata)
	}
	return &cs, nil
}

func (s *Store) UpdateChatSession(ctx context.Context, cs *cua.ChatSession) error {
	meta, err := marshalOptional(cs.Metadata)
	if err != nil {
		return &cua.StoreError{Op: "update_chat_session", Message: err.Error()}
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE chat_sessions SET status=$1, updated_at=$2, total_conversation_time_ns=$3,
			total_iterations=$4, total_input_tokens=$5, total_output_tokens=$6, total_cost_usd=$7, metadata=$8
		 WHERE id=$9`,
		cs.Status, cs.UpdatedAt, cs.TotalConversationTime.Nanoseconds(),
		cs.TotalIterations, cs.TotalInputTokens, cs.TotalOutputTokens, cs.TotalCostUSD, meta, cs.ID)
	if err != nil {
		return &cua.StoreError{Op: "update_chat_session", Message: err.Error()}
	}
	return nil
}

func (s *Store) ListChatSessions(ctx context.Context, limit, offset int) ([]*cua.ChatSession, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, status, created_at, updated_at, total_conversation_time_ns,
			total_iterations, total_input_tokens, total_output_tokens, total_cost_usd, metadata
		 FROM chat_sessions ORDER BY updated_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, &cua.StoreError{Op: "list_chat_sessions", Message: err.Error()}
	}
	defer rows.Close()

	var out []*cua.ChatSession
	for rows.Next() {
		var cs cua.ChatSession
		var durNs int64
		var meta []byte
		if err := rows.Scan(&cs.ID, &cs.Status, &cs.CreatedAt, &cs.UpdatedAt, &durNs,
			&cs.TotalIterations, &cs.TotalInputTokens, &cs.TotalOutputTokens, &cs.TotalCostUSD, &meta); err != nil {
			return nil, &cua.StoreError{Op: "list_chat_sessions", Message: err.Error()}
		}
		cs.TotalConversationTime = time.Duration(durNs)
		if meta != nil {
			_ = json.Unmarshal(meta, &cs.Metadata)
		}
		out = append(out, &cs)
	}
	return out, rows.Err()
}

// --- BrowserSessions ---

func (s *Store) CreateBrowserSession(ctx context.Context, bs *cua.BrowserSession) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO browser_sessions (id, chat_session_id, remote_session_id, debugger_ws_url,
			live_view_url, cdp_connected, cdp_disconnected_at, last_active_at, status, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		bs.ID, bs.ChatSessionID, bs.RemoteSessionID, bs.DebuggerWSURL,
		bs.LiveViewURL, bs.CDPConnected, bs.CDPDisconnectAt, bs.LastActiveAt, bs.Status, bs.CreatedAt)
	if err != nil {
		return &cua.StoreError{Op: "create_browser_session", Message: err.Error()}
	}
	return nil
}

func scanBrowserSession(row pgx.Row) (*cua.BrowserSession, error) {
	var bs cua.BrowserSession
	err := row.Scan(&bs.ID, &bs.ChatSessionID, &bs.RemoteSessionID, &bs.DebuggerWSURL,
		&bs.LiveViewURL, &bs.CDPConnected, &bs.CDPDisconnectAt, &bs.LastActiveAt, &bs.Status, &bs.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &bs, nil
}

func (s *Store) GetBrowserSession(ctx context.Context, id string) (*cua.BrowserSession, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, chat_session_id, remote_session_id, debugger_ws_url, live_view_url,
			cdp_connected, cdp_disconnected_at, last_active_at, status, created_at
		 FROM browser_sessions WHERE id = $1`, id)
	bs, err := scanBrowserSession(row)
	if err == pgx.ErrNoRows {
		return nil, &cua.StoreError{Op: "get_browser_session", Message: "not found"}
	}
	if err != nil {
		return nil, &cua.StoreError{Op: "get_browser_session", Message: err.Error()}
	}
	return bs, nil
}

func (s *Store) GetBrowserSessionByRemoteID(ctx context.Context, remoteSessionID string) (*cua.BrowserSession, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, chat_session_id, remote_session_id, debugger_ws_url, live_view_url,
			cdp_connected, cdp_disconnected_at, last_active_at, status, created_at
		 FROM browser_sessions WHERE remote_session_id = $1`, remoteSessionID)
	bs, err := scanBrowserSession(row)
	if err == pgx.ErrNoRows {
		return nil, &cua.StoreError{Op: "get_browser_session_by_remote_id", Message: "not found"}
	}
	if err != nil {
		return nil, &cua.StoreError{Op: "get_browser_session_by_remote_id", Message: err.Error()}
	}
	return bs, nil
}

func (s *Store) UpdateBrowserSession(ctx context.Context, bs *cua.BrowserSession) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE browser_sessions SET debugger_ws_url=$1, live_view_url=$2, cdp_connected=$3,
			cdp_disconnected_at=$4, last_active_at=$5, status=$6 WHERE id=$7`,
		bs.DebuggerWSURL, bs.LiveViewURL, bs.CDPConnected, bs.CDPDisconnectAt, bs.LastActiveAt, bs.Status, bs.ID)
	if err != nil {
		return &cua.StoreError{Op: "update_browser_session", Message: err.Error()}
	}
	return nil
}

// --- Tasks ---

func (s *Store) CreateTask(ctx context.Context, t *cua.Task) error {
	cfg, err := json.Marshal(t.Config)
	if err != nil {
		return &cua.StoreError{Op: "create_task", Message: err.Error()}
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (id, chat_session_id, batch_execution_id, user_message, status,
			current_iteration, max_iterations, started_at, completed_at, agent_status, agent_message,
			agent_evidence, result_message, error_message, config, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		t.ID, t.ChatSessionID, t.BatchExecutionID, t.UserMessage, t.Status,
		t.CurrentIteration, t.MaxIterations, t.StartedAt, t.CompletedAt, t.AgentStatus, t.AgentMessage,
		t.AgentEvidence, t.ResultMessage, t.ErrorMessage, cfg, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return &cua.StoreError{Op: "create_task", Message: err.Error()}
	}
	return nil
}

func scanTask(row pgx.Row) (*cua.Task, error) {
	var t cua.Task
	var cfg []byte
	err := row.Scan(&t.ID, &t.ChatSessionID, &t.BatchExecutionID, &t.UserMessage, &t.Status,
		&t.CurrentIteration, &t.MaxIterations, &t.StartedAt, &t.CompletedAt, &t.AgentStatus, &t.AgentMessage,
		&t.AgentEvidence, &t.ResultMessage, &t.ErrorMessage, &cfg, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		_ = json.Unmarshal(cfg, &t.Config)
	}
	return &t, nil
}

const taskSelectColumns = `id, chat_session_id, batch_execution_id, user_message, status,
	current_iteration, max_iterations, started_at, completed_at, agent_status, agent_message,
	agent_evidence, result_message, error_message, config, created_at, updated_at`

func (s *Store) GetTask(ctx context.Context, id string) (*cua.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskSelectColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err == pgx.ErrNoRows {
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
	_, err = s.pool.Exec(ctx,
		`UPDATE tasks SET status=$1, current_iteration=$2, max_iterations=$3, started_at=$4,
			completed_at=$5, agent_status=$6, agent_message=$7, agent_evidence=$8, result_message=$9,
			error_message=$10, config=$11, updated_at=$12
		 WHERE id=$13`,
		t.Status, t.CurrentIteration, t.MaxIterations, t.StartedAt,
		t.CompletedAt, t.AgentStatus, t.AgentMessage, t.AgentEvidence, t.ResultMessage,
		t.ErrorMessage, cfg, t.UpdatedAt, t.ID)
	if err != nil {
		return &cua.StoreError{Op: "update_task", Message: err.Error()}
	}
	return nil
}

func (s *Store) GetTaskStatus(ctx context.Context, id string) (cua.TaskStatus, error) {
	var status cua.TaskStatus
	err := s.pool.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1`, id).Scan(&status)
	if err == pgx.ErrNoRows {
		return "", &cua.StoreError{Op: "get_task_status", Message: "not found"}
	}
	if err != nil {
		return "", &cua.StoreError{Op: "get_task_status", Message: err.Error()}
	}
	return status, nil
}

func (s *Store) MostRecentResumableTask(ctx context.Context, chatSessionID string) (*cua.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskSelectColumns+` FROM tasks
		 WHERE chat_session_id = $1 AND status IN ('stopped','paused','failed')
		 ORDER BY created_at DESC LIMIT 1`, chatSessionID)
	t, err := scanTask(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &cua.StoreError{Op: "most_recent_resumable_task", Message: err.Error()}
	}
	return t, nil
}

func (s *Store) RunningTask(ctx context.Context, chatSessionID string) (*cua.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskSelectColumns+` FROM tasks
		 WHERE chat_session_id = $1 AND status = 'running' LIMIT 1`, chatSessionID)
	t, err := scanTask(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &cua.StoreError{Op: "running_task", Message: err.Error()}
	}
	return t, nil
}

func (s *Store) ListTasksByChatSession(ctx context.Context, chatSessionID string) ([]*cua.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskSelectColumns+` FROM tasks WHERE chat_session_id = $1 ORDER BY created_at`, chatSessionID)
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
	_, err = s.pool.Exec(ctx,
		`INSERT INTO batch_executions (id, chat_session_id, remote_session_id, total, completed_count,
			failed_count, status, webhook_url, webhook_secret, global_config_overrides, created_at, completed_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		b.ID, b.ChatSessionID, b.RemoteSessionID, b.Total, b.CompletedCount,
		b.FailedCount, b.Status, b.WebhookURL, b.WebhookSecret, cfg, b.CreatedAt, b.CompletedAt)
	if err != nil {
		return &cua.StoreError{Op: "create_batch_execution", Message: err.Error()}
	}
	return nil
}

func (s *Store) GetBatchExecution(ctx context.Context, id string) (*cua.BatchExecution, error) {
	var b cua.BatchExecution
	var cfg []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, chat_session_id, remote_session_id, total, completed_count, failed_count, status,
			webhook_url, webhook_secret, global_config_overrides, created_at, completed_at
		 FROM batch_executions WHERE id = $1`, id,
	).Scan(&b.ID, &b.ChatSessionID, &b.RemoteSessionID, &b.Total, &b.CompletedCount, &b.FailedCount, &b.Status,
		&b.WebhookURL, &b.WebhookSecret, &cfg, &b.CreatedAt, &b.CompletedAt)
	if err == pgx.ErrNoRows {
		return nil, &cua.StoreError{Op: "get_batch_execution", Message: "not found"}
	}
	if err != nil {
		return nil, &cua.StoreError{Op: "get_batch_execution", Message: err.Error()}
	}
	if cfg != nil {
		_ = json.Unmarshal(cfg, &b.GlobalConfigOverrides)
	}
	return &b, nil
}

func (s *Store) UpdateBatchExecution(ctx context.Context, b *cua.BatchExecution) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE batch_executions SET completed_count=$1, failed_count=$2, status=$3, completed_at=$4
		 WHERE id=$5`,
		b.CompletedCount, b.FailedCount, b.Status, b.CompletedAt, b.ID)
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
	var rawReq, rawResp []byte
	if len(m.RawRequest) > 0 {
		rawReq = m.RawRequest
	}
	if len(m.RawResponse) > 0 {
		rawResp = m.RawResponse
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO messages (id, chat_session_id, task_id, role, blocks, iteration,
			raw_request, raw_response, api_latency_ns, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		m.ID, m.ChatSessionID, m.TaskID, m.Role, blocks, m.Iteration,
		rawReq, rawResp, m.APILatency.Nanoseconds(), m.CreatedAt)
	if err != nil {
		return &cua.StoreError{Op: "append_message", Message: err.Error()}
	}
	return nil
}

func (s *Store) ListMessagesByTask(ctx context.Context, taskID string) ([]*cua.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, chat_session_id, task_id, role, blocks, iteration, raw_request, raw_response,
			api_latency_ns, created_at
		 FROM messages WHERE task_id = $1 ORDER BY created_at`, taskID)
	if err != nil {
		return nil, &cua.StoreError{Op: "list_messages_by_task", Message: err.Error()}
	}
	defer rows.Close()

	var out []*cua.Message
	for rows.Next() {
		var m cua.Message
		var blocks []byte
		var latNs int64
		if err := rows.Scan(&m.ID, &m.ChatSessionID, &m.TaskID, &m.Role, &blocks, &m.Iteration,
			&m.RawRequest, &m.RawResponse, &latNs, &m.CreatedAt); err != nil {
			return nil, &cua.StoreError{Op: "list_messages_by_task", Message: err.Error()}
		}
		if blocks != nil {
			_ = json.Unmarshal(blocks, &m.Blocks)
		}
		m.APILatency = time.Duration(latNs)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *Store) LastOutgoingRequest(ctx context.Context, taskID string) ([]byte, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT raw_request FROM messages
		 WHERE task_id = $1 AND role = 'assistant' AND raw_request IS NOT NULL
		 ORDER BY created_at DESC LIMIT 1`, taskID,
	).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &cua.StoreError{Op: "last_outgoing_request", Message: err.Error()}
	}
	return raw, nil
}

// --- PerformanceMetrics ---

func (s *Store) AppendPerformanceMetric(ctx context.Context, m *cua.PerformanceMetric) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO performance_metrics (id, task_id, iteration, api_response_time_ns,
			tool_execution_time_ns, iteration_total_time_ns, input_tokens, output_tokens,
			cache_read_tokens, cache_creation_tokens, context_cleared_tokens, request_size_bytes,
			image_count, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		m.ID, m.TaskID, m.Iteration, m.APIResponseTime.Nanoseconds(),
		m.ToolExecutionTime.Nanoseconds(), m.IterationTotalTime.Nanoseconds(), m.InputTokens, m.OutputTokens,
		m.CacheReadTokens, m.CacheCreationTokens, m.ContextClearedTokens, m.RequestSizeBytes,
		m.ImageCount, m.CreatedAt)
	if err != nil {
		return &cua.StoreError{Op: "append_performance_metric", Message: err.Error()}
	}
	return nil
}

func (s *Store) ListPerformanceMetricsByTask(ctx context.Context, taskID string) ([]*cua.PerformanceMetric, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, iteration, api_response_time_ns, tool_execution_time_ns,
			iteration_total_time_ns, input_tokens, output_tokens, cache_read_tokens,
			cache_creation_tokens, context_cleared_tokens, request_size_bytes, image_count, created_at
		 FROM performance_metrics WHERE task_id = $1 ORDER BY iteration`, taskID)
	if err != nil {
		return nil, &cua.StoreError{Op: "list_performance_metrics_by_task", Message: err.Error()}
	}
	defer rows.Close()

	var out []*cua.PerformanceMetric
	for rows.Next() {
		var m cua.PerformanceMetric
		var apiNs, toolNs, totalNs int64
		if err := rows.Scan(&m.ID, &m.TaskID, &m.Iteration, &apiNs, &toolNs, &totalNs,
			&m.InputTokens, &m.OutputTokens, &m.CacheReadTokens, &m.CacheCreationTokens,
			&m.ContextClearedTokens, &m.RequestSizeBytes, &m.ImageCount, &m.CreatedAt); err != nil {
			return nil, &cua.StoreError{Op: "list_performance_metrics_by_task", Message: err.Error()}
		}
		m.APIResponseTime = time.Duration(apiNs)
		m.ToolExecutionTime = time.Duration(toolNs)
		m.IterationTotalTime = time.Duration(totalNs)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// marshalOptional JSON-encodes m, returning nil for an empty map so the
// column stores SQL NULL rather than the literal string "null".
func marshalOptional(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}
