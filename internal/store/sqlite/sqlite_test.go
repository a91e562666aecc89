package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	cua "github.com/onkernel/cua-agent"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInitIdempotent(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "init.db"))
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestChatSessionRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	cs := &cua.ChatSession{
		ID:        "cs-1",
		Status:    cua.ChatSessionActive,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  map[string]any{"source": "web"},
	}
	if err := s.CreateChatSession(ctx, cs); err != nil {
		t.Fatalf("CreateChatSession: %v", err)
	}

	got, err := s.GetChatSession(ctx, "cs-1")
	if err != nil {
		t.Fatalf("GetChatSession: %v", err)
	}
	if got.Status != cua.ChatSessionActive || got.Metadata["source"] != "web" {
		t.Fatalf("unexpected chat session: %+v", got)
	}

	cs.Status = cua.ChatSessionCompleted
	cs.TotalIterations = 5
	if err := s.UpdateChatSession(ctx, cs); err != nil {
		t.Fatalf("UpdateChatSession: %v", err)
	}
	got, err = s.GetChatSession(ctx, "cs-1")
	if err != nil {
		t.Fatalf("GetChatSession after update: %v", err)
	}
	if got.Status != cua.ChatSessionCompleted || got.TotalIterations != 5 {
		t.Fatalf("update did not persist: %+v", got)
	}

	list, err := s.ListChatSessions(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListChatSessions: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 session, got %d", len(list))
	}
}

func TestTaskLifecycleQueries(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	chatID := "cs-task-1"
	mkTask := func(id string, status cua.TaskStatus, createdAt time.Time) *cua.Task {
		return &cua.Task{
			ID:            id,
			ChatSessionID: chatID,
			UserMessage:   "do the thing",
			Status:        status,
			MaxIterations: 10,
			CreatedAt:     createdAt,
			UpdatedAt:     createdAt,
		}
	}

	t1 := mkTask("t-1", cua.TaskStopped, now.Add(-2*time.Hour))
	t2 := mkTask("t-2", cua.TaskCompleted, now.Add(-time.Hour))
	for _, task := range []*cua.Task{t1, t2} {
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask %s: %v", task.ID, err)
		}
	}

	resumable, err := s.MostRecentResumableTask(ctx, chatID)
	if err != nil {
		t.Fatalf("MostRecentResumableTask: %v", err)
	}
	if resumable == nil || resumable.ID != "t-1" {
		t.Fatalf("expected t-1 resumable, got %+v", resumable)
	}

	running, err := s.RunningTask(ctx, chatID)
	if err != nil {
		t.Fatalf("RunningTask: %v", err)
	}
	if running != nil {
		t.Fatalf("expected no running task, got %+v", running)
	}

	t1.Status = cua.TaskRunning
	t1.CurrentIteration = 3
	if err := s.UpdateTask(ctx, t1); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	running, err = s.RunningTask(ctx, chatID)
	if err != nil {
		t.Fatalf("RunningTask after update: %v", err)
	}
	if running == nil || running.ID != "t-1" || running.CurrentIteration != 3 {
		t.Fatalf("unexpected running task: %+v", running)
	}

	status, err := s.GetTaskStatus(ctx, "t-2")
	if err != nil {
		t.Fatalf("GetTaskStatus: %v", err)
	}
	if status != cua.TaskCompleted {
		t.Fatalf("expected completed, got %s", status)
	}

	all, err := s.ListTasksByChatSession(ctx, chatID)
	if err != nil {
		t.Fatalf("ListTasksByChatSession: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(all))
	}
}

func TestMessagesAndLastOutgoingRequest(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	userMsg := &cua.Message{
		ID:        "m-1",
		TaskID:    "task-1",
		Role:      cua.RoleUser,
		Blocks:    []cua.ContentBlock{{Type: cua.BlockText, Text: "go to example.com"}},
		CreatedAt: now,
	}
	if err := s.AppendMessage(ctx, userMsg); err != nil {
		t.Fatalf("AppendMessage user: %v", err)
	}

	assistantMsg := &cua.Message{
		ID:         "m-2",
		TaskID:     "task-1",
		Role:       cua.RoleAssistant,
		Blocks:     []cua.ContentBlock{{Type: cua.BlockText, Text: "on it"}},
		RawRequest: []byte(`{"messages":[{"role":"user"}]}`),
		CreatedAt:  now.Add(time.Second),
	}
	if err := s.AppendMessage(ctx, assistantMsg); err != nil {
		t.Fatalf("AppendMessage assistant: %v", err)
	}

	msgs, err := s.ListMessagesByTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("ListMessagesByTask: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m-1" || msgs[1].ID != "m-2" {
		t.Fatalf("unexpected message order: %+v", msgs)
	}
	if msgs[0].Blocks[0].Text != "go to example.com" {
		t.Fatalf("blocks did not round-trip: %+v", msgs[0].Blocks)
	}

	raw, err := s.LastOutgoingRequest(ctx, "task-1")
	if err != nil {
		t.Fatalf("LastOutgoingRequest: %v", err)
	}
	if string(raw) != `{"messages":[{"role":"user"}]}` {
		t.Fatalf("unexpected raw request: %s", raw)
	}

	raw, err = s.LastOutgoingRequest(ctx, "task-missing")
	if err != nil {
		t.Fatalf("LastOutgoingRequest missing task: %v", err)
	}
	if raw != nil {
		t.Fatalf("expected nil for task with no outgoing request, got %s", raw)
	}
}

func TestPerformanceMetrics(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 1; i <= 3; i++ {
		m := &cua.PerformanceMetric{
			ID:              "pm-" + string(rune('0'+i)),
			TaskID:          "task-pm",
			Iteration:       i,
			APIResponseTime: time.Duration(i) * time.Second,
			InputTokens:     int64(i * 100),
			CreatedAt:       now,
		}
		if err := s.AppendPerformanceMetric(ctx, m); err != nil {
			t.Fatalf("AppendPerformanceMetric %d: %v", i, err)
		}
	}

	got, err := s.ListPerformanceMetricsByTask(ctx, "task-pm")
	if err != nil {
		t.Fatalf("ListPerformanceMetricsByTask: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 metrics, got %d", len(got))
	}
	if got[0].Iteration != 1 || got[2].Iteration != 3 {
		t.Fatalf("unexpected ordering: %+v", got)
	}
	if got[1].APIResponseTime != 2*time.Second {
		t.Fatalf("duration did not round-trip: %v", got[1].APIResponseTime)
	}
}

func TestBrowserSessionRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	bs := &cua.BrowserSession{
		ID:              "bs-1",
		ChatSessionID:   "cs-1",
		RemoteSessionID: "remote-1",
		DebuggerWSURL:   "ws://localhost:9222/devtools/browser/abc",
		CDPConnected:    true,
		LastActiveAt:    now,
		Status:          cua.BrowserSessionActive,
		CreatedAt:       now,
	}
	if err := s.CreateBrowserSession(ctx, bs); err != nil {
		t.Fatalf("CreateBrowserSession: %v", err)
	}

	got, err := s.GetBrowserSessionByRemoteID(ctx, "remote-1")
	if err != nil {
		t.Fatalf("GetBrowserSessionByRemoteID: %v", err)
	}
	if got.ID != "bs-1" || !got.CDPConnected {
		t.Fatalf("unexpected browser session: %+v", got)
	}

	disconnectedAt := now.Add(time.Minute)
	bs.CDPConnected = false
	bs.CDPDisconnectAt = &disconnectedAt
	if err := s.UpdateBrowserSession(ctx, bs); err != nil {
		t.Fatalf("UpdateBrowserSession: %v", err)
	}
	got, err = s.GetBrowserSession(ctx, "bs-1")
	if err != nil {
		t.Fatalf("GetBrowserSession: %v", err)
	}
	if got.CDPConnected || got.CDPDisconnectAt == nil {
		t.Fatalf("disconnect did not persist: %+v", got)
	}
}
