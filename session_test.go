package cua

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubConnection is a no-op Connection: Events() returns a channel that is
// never written to and closed only on Close, matching how a real CDP
// Connection behaves once its watcher goroutine has nothing left to report.
type stubConnection struct {
	events    chan BrowserConnEvent
	closeOnce sync.Once
}

func newStubConnection() *stubConnection {
	return &stubConnection{events: make(chan BrowserConnEvent)}
}

func (c *stubConnection) Events() <-chan BrowserConnEvent { return c.events }
func (c *stubConnection) Pages(ctx context.Context) ([]PageHandle, error) {
	return []PageHandle{{ID: "page-1", URL: "about:blank"}}, nil
}
func (c *stubConnection) Close() error {
	c.closeOnce.Do(func() { close(c.events) })
	return nil
}

// stubBrowser implements RemoteBrowserPort with fixed, deterministic
// responses — enough to drive SessionManager.Create/DisconnectCDP without a
// real CDP target.
type stubBrowser struct {
	mu          sync.Mutex
	connections int
	destroyed   []string
}

func (b *stubBrowser) Create(ctx context.Context, opts BrowserCreateOptions) (BrowserCreateResult, error) {
	return BrowserCreateResult{RemoteSessionID: "remote-1", DebuggerWSURL: "ws://stub/debugger", LiveViewURL: "http://stub/live"}, nil
}
func (b *stubBrowser) Connect(ctx context.Context, debuggerWSURL string) (Connection, error) {
	b.mu.Lock()
	b.connections++
	b.mu.Unlock()
	return newStubConnection(), nil
}
func (b *stubBrowser) Click(ctx context.Context, page PageHandle, x, y int, button MouseButton, clicks int) error {
	return nil
}
func (b *stubBrowser) MoveMouse(ctx context.Context, page PageHandle, x, y int) error { return nil }
func (b *stubBrowser) Scroll(ctx context.Context, page PageHandle, x, y, dx, dy int) error {
	return nil
}
func (b *stubBrowser) Type(ctx context.Context, page PageHandle, text string, perCharDelay time.Duration) error {
	return nil
}
func (b *stubBrowser) Press(ctx context.Context, page PageHandle, keyCombo string) error { return nil }
func (b *stubBrowser) Screenshot(ctx context.Context, page PageHandle) ([]byte, error) {
	return []byte("png"), nil
}
func (b *stubBrowser) ListFiles(ctx context.Context, remoteSessionID, path string) ([]string, error) {
	return nil, nil
}
func (b *stubBrowser) ReadFile(ctx context.Context, remoteSessionID, path string) ([]byte, error) {
	return nil, nil
}
func (b *stubBrowser) Destroy(ctx context.Context, remoteSessionID string) error {
	b.mu.Lock()
	b.destroyed = append(b.destroyed, remoteSessionID)
	b.mu.Unlock()
	return nil
}

// stubStateStore keeps BrowserSession rows in a map, enough for the
// SessionManager tests below; every other method goes to the nil embedded
// StateStore and panics if called.
type stubStateStore struct {
	StateStore // nil embed: panics if a test exercises an unimplemented method

	mu       sync.Mutex
	browsers map[string]*BrowserSession
}

func newStubStateStore() *stubStateStore {
	return &stubStateStore{browsers: make(map[string]*BrowserSession)}
}

func (s *stubStateStore) CreateBrowserSession(ctx context.Context, bs *BrowserSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.browsers[bs.RemoteSessionID] = bs
	return nil
}

func (s *stubStateStore) GetBrowserSessionByRemoteID(ctx context.Context, remoteSessionID string) (*BrowserSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.browsers[remoteSessionID], nil
}

func (s *stubStateStore) UpdateBrowserSession(ctx context.Context, bs *BrowserSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.browsers[bs.RemoteSessionID] = bs
	return nil
}

func TestSessionManagerCreateRegistersLiveSession(t *testing.T) {
	browser := &stubBrowser{}
	store := newStubStateStore()
	sm := NewSessionManager(browser, store, nil, nil)

	bs, err := sm.Create(context.Background(), "chat-1", BrowserCreateOptions{})
	require.NoError(t, err)
	require.Equal(t, "remote-1", bs.RemoteSessionID)
	require.True(t, bs.CDPConnected)

	ls, err := sm.Get(bs.RemoteSessionID)
	require.NoError(t, err)
	require.NotNil(t, ls)

	require.NoError(t, sm.DisconnectCDP(context.Background(), bs.RemoteSessionID))
}

func TestStartIdleReaperDisconnectsPastDeadline(t *testing.T) {
	browser := &stubBrowser{}
	store := newStubStateStore()
	sm := NewSessionManager(browser, store, nil, nil)

	bs, err := sm.Create(context.Background(), "chat-1", BrowserCreateOptions{})
	require.NoError(t, err)

	// Back-date LastActiveAt so the very first tick finds it idle.
	bs.LastActiveAt = time.Now().Add(-time.Hour)
	require.NoError(t, store.UpdateBrowserSession(context.Background(), bs))

	ctx, cancel := context.WithCancel(context.Background())
	stop := sm.StartIdleReaper(ctx, time.Minute, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := sm.Get(bs.RemoteSessionID)
		return err != nil
	}, time.Second, 5*time.Millisecond, "idle reaper should have disconnected the live session")

	cancel()
	stop()

	refreshed, err := store.GetBrowserSessionByRemoteID(context.Background(), bs.RemoteSessionID)
	require.NoError(t, err)
	require.False(t, refreshed.CDPConnected)
}

func TestStartIdleReaperLeavesActiveSessionsConnected(t *testing.T) {
	browser := &stubBrowser{}
	store := newStubStateStore()
	sm := NewSessionManager(browser, store, nil, nil)

	bs, err := sm.Create(context.Background(), "chat-1", BrowserCreateOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stop := sm.StartIdleReaper(ctx, time.Hour, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	_, err = sm.Get(bs.RemoteSessionID)
	require.NoError(t, err, "a recently active session must not be reaped")

	cancel()
	stop()

	require.NoError(t, sm.DisconnectCDP(context.Background(), bs.RemoteSessionID))
}
