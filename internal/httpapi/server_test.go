package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cua "github.com/onkernel/cua-agent"
)

// memStore is an in-memory cua.StateStore for handler tests, grounded on
// kandev's repository.MemoryRepository fake pattern.
type memStore struct {
	mu        sync.Mutex
	sessions  map[string]*cua.ChatSession
	browsers  map[string]*cua.BrowserSession
	byRemote  map[string]string // remoteSessionID -> browser session id
	tasks     map[string]*cua.Task
	batches   map[string]*cua.BatchExecution
	messages  map[string][]*cua.Message
	metrics   map[string][]*cua.PerformanceMetric
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[string]*cua.ChatSession),
		browsers: make(map[string]*cua.BrowserSession),
		byRemote: make(map[string]string),
		tasks:    make(map[string]*cua.Task),
		batches:  make(map[string]*cua.BatchExecution),
		messages: make(map[string][]*cua.Message),
		metrics:  make(map[string][]*cua.PerformanceMetric),
	}
}

func (m *memStore) CreateChatSession(ctx context.Context, s *cua.ChatSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memStore) GetChatSession(ctx context.Context, id string) (*cua.ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) UpdateChatSession(ctx context.Context, s *cua.ChatSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memStore) ListChatSessions(ctx context.Context, limit, offset int) ([]*cua.ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*cua.ChatSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out, nil
}

func (m *memStore) CreateBrowserSession(ctx context.Context, s *cua.BrowserSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.browsers[s.ID] = &cp
	m.byRemote[s.RemoteSessionID] = s.ID
	return nil
}

func (m *memStore) GetBrowserSession(ctx context.Context, id string) (*cua.BrowserSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.browsers[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) GetBrowserSessionByRemoteID(ctx context.Context, remoteSessionID string) (*cua.BrowserSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byRemote[remoteSessionID]
	if !ok {
		return nil, nil
	}
	cp := *m.browsers[id]
	return &cp, nil
}

func (m *memStore) UpdateBrowserSession(ctx context.Context, s *cua.BrowserSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.browsers[s.ID] = &cp
	return nil
}

func (m *memStore) CreateTask(ctx context.Context, t *cua.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *memStore) GetTask(ctx context.Context, id string) (*cua.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) UpdateTask(ctx context.Context, t *cua.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *memStore) GetTaskStatus(ctx context.Context, id string) (cua.TaskStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return "", nil
	}
	return t.Status, nil
}

func (m *memStore) MostRecentResumableTask(ctx context.Context, chatSessionID string) (*cua.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *cua.Task
	for _, t := range m.tasks {
		if t.ChatSessionID != chatSessionID || !t.Status.IsResumable() {
			continue
		}
		if best == nil || t.CreatedAt.After(best.CreatedAt) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (m *memStore) RunningTask(ctx context.Context, chatSessionID string) (*cua.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.ChatSessionID == chatSessionID && t.Status == cua.TaskRunning {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) ListTasksByChatSession(ctx context.Context, chatSessionID string) ([]*cua.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*cua.Task
	for _, t := range m.tasks {
		if t.ChatSessionID == chatSessionID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStore) CreateBatchExecution(ctx context.Context, b *cua.BatchExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.batches[b.ID] = &cp
	return nil
}

func (m *memStore) GetBatchExecution(ctx context.Context, id string) (*cua.BatchExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (m *memStore) UpdateBatchExecution(ctx context.Context, b *cua.BatchExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.batches[b.ID] = &cp
	return nil
}

func (m *memStore) AppendMessage(ctx context.Context, msg *cua.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.TaskID] = append(m.messages[msg.TaskID], msg)
	return nil
}

func (m *memStore) ListMessagesByTask(ctx context.Context, taskID string) ([]*cua.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messages[taskID], nil
}

func (m *memStore) LastOutgoingRequest(ctx context.Context, taskID string) ([]byte, error) {
	return nil, nil
}

func (m *memStore) AppendPerformanceMetric(ctx context.Context, pm *cua.PerformanceMetric) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics[pm.TaskID] = append(m.metrics[pm.TaskID], pm)
	return nil
}

func (m *memStore) ListPerformanceMetricsByTask(ctx context.Context, taskID string) ([]*cua.PerformanceMetric, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics[taskID], nil
}

func (m *memStore) Init(ctx context.Context) error { return nil }
func (m *memStore) Close() error                   { return nil }

// fakeBrowser is a minimal cua.RemoteBrowserPort that never touches a real
// remote debugger, enough to drive SessionManager.Create for handler tests.
type fakeBrowser struct{}

func (fakeBrowser) Create(ctx context.Context, opts cua.BrowserCreateOptions) (cua.BrowserCreateResult, error) {
	return cua.BrowserCreateResult{RemoteSessionID: "remote-1", DebuggerWSURL: "ws://fake", LiveViewURL: "http://fake/live"}, nil
}
func (fakeBrowser) Connect(ctx context.Context, debuggerWSURL string) (cua.Connection, error) {
	return &fakeConn{events: make(chan cua.BrowserConnEvent)}, nil
}
func (fakeBrowser) Click(ctx context.Context, page cua.PageHandle, x, y int, button cua.MouseButton, clicks int) error {
	return nil
}
func (fakeBrowser) MoveMouse(ctx context.Context, page cua.PageHandle, x, y int) error { return nil }
func (fakeBrowser) Scroll(ctx context.Context, page cua.PageHandle, x, y, dx, dy int) error {
	return nil
}
func (fakeBrowser) Type(ctx context.Context, page cua.PageHandle, text string, perCharDelay time.Duration) error {
	return nil
}
func (fakeBrowser) Press(ctx context.Context, page cua.PageHandle, keyCombo string) error { return nil }
func (fakeBrowser) Screenshot(ctx context.Context, page cua.PageHandle) ([]byte, error) {
	return []byte("png-bytes"), nil
}
func (fakeBrowser) ListFiles(ctx context.Context, remoteSessionID, path string) ([]string, error) {
	return nil, nil
}
func (fakeBrowser) ReadFile(ctx context.Context, remoteSessionID, path string) ([]byte, error) {
	return nil, nil
}
func (fakeBrowser) Destroy(ctx context.Context, remoteSessionID string) error { return nil }

type fakeConn struct {
	events chan cua.BrowserConnEvent
}

func (c *fakeConn) Events() <-chan cua.BrowserConnEvent { return c.events }
func (c *fakeConn) Pages(ctx context.Context) ([]cua.PageHandle, error) {
	return []cua.PageHandle{{ID: "page-1", URL: "about:blank"}}, nil
}
func (c *fakeConn) Close() error {
	close(c.events)
	return nil
}

// fakeModel returns a single text reply with zero tool_use blocks, so
// SamplingLoop.Run completes the task after exactly one iteration.
type fakeModel struct{}

func (fakeModel) Name() string { return "fake" }
func (fakeModel) Invoke(ctx context.Context, req cua.ModelRequest) (cua.ModelResponse, error) {
	return cua.ModelResponse{
		ID:    "resp-1",
		Model: "fake",
		Role:  cua.RoleAssistant,
		Blocks: []cua.ContentBlock{
			{Type: cua.BlockText, Text: "done"},
		},
		StopReason: "end_turn",
	}, nil
}

type fakeObjects struct{}

func (fakeObjects) Put(ctx context.Context, path string, data []byte, contentType string) error {
	return nil
}
func (fakeObjects) SignedURL(ctx context.Context, path string, ttl int64) (string, error) {
	return "http://fake/" + path, nil
}

type fakeMemory struct{}

func (fakeMemory) View(ctx context.Context, path string) (string, error)  { return "", nil }
func (fakeMemory) Create(ctx context.Context, path, text string) error    { return nil }
func (fakeMemory) StrReplace(ctx context.Context, path, oldText, newText string) error { return nil }
func (fakeMemory) Insert(ctx context.Context, path string, line int, text string) error {
	return nil
}
func (fakeMemory) Delete(ctx context.Context, path string) error         { return nil }
func (fakeMemory) Rename(ctx context.Context, path, newPath string) error { return nil }

func newTestServer(t *testing.T) (*gin.Engine, *memStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := newMemStore()
	logger := zap.NewNop()
	sm := cua.NewSessionManager(fakeBrowser{}, store, logger, nil)
	tasks := cua.NewTaskCoordinator(store, logger)
	loop := cua.NewSamplingLoop(fakeModel{}, store, fakeObjects{}, fakeMemory{}, sm, tasks, logger, nil)
	webhook := cua.NewWebhookSender(logger)
	batch := cua.NewBatchExecutor(sm, tasks, loop, store, webhook, logger)

	srv := New(Deps{
		Store:          store,
		SessionManager: sm,
		Tasks:          tasks,
		Loop:           loop,
		Batch:          batch,
		Logger:         logger,
		SystemPrompt:   "test system prompt",
		DefaultConfig:  cua.ExecutionConfig{MaxIterations: 10},
		APIKeySecret:   "test-secret",
	})
	return srv.NewRouter(), store
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	router, _ := newTestServer(t)
	w := doJSON(t, router, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestReadyz(t *testing.T) {
	router, _ := newTestServer(t)
	w := doJSON(t, router, http.MethodGet, "/readyz", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestGetSessionNotFound(t *testing.T) {
	router, _ := newTestServer(t)
	w := doJSON(t, router, http.MethodGet, "/sessions/missing", nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestChatCreatesSessionAndRunsToCompletion(t *testing.T) {
	router, store := newTestServer(t)

	streamFalse := false
	req := chatRequest{
		Messages: []chatMessageDTO{{Role: "user", Content: "go to example.com"}},
		Stream:   &streamFalse,
	}
	w := doJSON(t, router, http.MethodPost, "/chat", req, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp chatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.SessionID)
	require.Equal(t, cua.TaskCompleted, resp.Status)

	session, err := store.GetChatSession(context.Background(), resp.SessionID)
	require.NoError(t, err)
	require.NotNil(t, session)
}

func TestChatRejectsEmptyMessages(t *testing.T) {
	router, _ := newTestServer(t)
	w := doJSON(t, router, http.MethodPost, "/chat", map[string]any{"messages": []any{}}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTasksExecuteRequiresBearerToken(t *testing.T) {
	router, _ := newTestServer(t)
	body := tasksExecuteRequest{Tasks: []batchTaskSpecDTO{{Message: "task one"}}}
	w := doJSON(t, router, http.MethodPost, "/tasks/execute", body, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTasksExecuteReturnsTaskIDsSynchronously(t *testing.T) {
	router, _ := newTestServer(t)
	body := tasksExecuteRequest{
		Tasks: []batchTaskSpecDTO{{Message: "task one"}, {Message: "task two"}},
	}
	w := doJSON(t, router, http.MethodPost, "/tasks/execute", body, map[string]string{
		"Authorization": "Bearer test-secret",
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp tasksExecuteResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.TaskIDs, 2)
	require.Equal(t, "running", resp.Status)
}

func TestGetTaskNotFound(t *testing.T) {
	router, _ := newTestServer(t)
	w := doJSON(t, router, http.MethodGet, "/tasks/missing", nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestDashboardTasksEmpty(t *testing.T) {
	router, _ := newTestServer(t)
	w := doJSON(t, router, http.MethodGet, "/dashboard/tasks/missing-session", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
}
