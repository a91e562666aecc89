package cua

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// screenshotDeadline bounds a single screenshot attempt, per §4.A.
const screenshotDeadline = 5 * time.Second

// ActionKind enumerates the typed actions SessionManager.Perform dispatches.
type ActionKind string

const (
	ActionLeftClick      ActionKind = "left_click"
	ActionRightClick     ActionKind = "right_click"
	ActionDoubleClick    ActionKind = "double_click"
	ActionMouseMove      ActionKind = "mouse_move"
	ActionScroll         ActionKind = "scroll"
	ActionType           ActionKind = "type"
	ActionKey            ActionKind = "key"
	ActionWait           ActionKind = "wait"
	ActionCursorPosition ActionKind = "cursor_position"
	ActionScreenshot     ActionKind = "screenshot"
)

// Action is one typed computer-use action dispatched through Perform.
type Action struct {
	Kind ActionKind

	X, Y       int
	DX, DY     int
	Text       string
	PerCharDelay time.Duration
	KeyCombo   string
	WaitFor    time.Duration
}

// ActionResult is the outcome of Perform.
type ActionResult struct {
	Screenshot []byte // set only for ActionScreenshot
	CursorX    int
	CursorY    int
}

// liveSession is the in-process record for one connected remote session:
// connection handle, ordered tab stack with an active pointer, download
// tracker, and the intentional-disconnect flag (§9 Design Notes: set
// immediately before initiating teardown so the disconnected-event handler
// can distinguish intentional from unexpected closes).
type liveSession struct {
	mu sync.Mutex

	remoteSessionID string
	conn            Connection
	pages           []PageHandle // tab stack, most recent last
	active          int          // index into pages, -1 if empty

	downloads map[string]*Download // keyed by filename

	intentionalDisconnect bool
	cursorX, cursorY      int
}

func (ls *liveSession) activePage() (PageHandle, bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.active < 0 || ls.active >= len(ls.pages) {
		return PageHandle{}, false
	}
	return ls.pages[ls.active], true
}

func (ls *liveSession) pushPage(p PageHandle) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.pages = append(ls.pages, p)
	ls.active = len(ls.pages) - 1
}

func (ls *liveSession) removePage(id string) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	wasActive := ls.active >= 0 && ls.active < len(ls.pages) && ls.pages[ls.active].ID == id
	for i, p := range ls.pages {
		if p.ID == id {
			ls.pages = append(ls.pages[:i], ls.pages[i+1:]...)
			break
		}
	}
	if wasActive {
		ls.active = len(ls.pages) - 1 // most recent survivor
	}
}

func (ls *liveSession) fallbackPages() []PageHandle {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	out := make([]PageHandle, len(ls.pages))
	copy(out, ls.pages)
	return out
}

// SessionManager owns the in-process table remoteSessionID -> liveSession,
// creates/reconnects/disconnects/destroys browser sessions, tracks tabs and
// downloads, and publishes session status to the StateStore. All mutation
// of the live table happens through this struct's methods and its own
// event-handling goroutine — no other component touches it directly.
type SessionManager struct {
	browser RemoteBrowserPort
	store   StateStore
	logger  *zap.Logger
	tracer  Tracer

	mu       sync.Mutex
	sessions map[string]*liveSession
}

// NewSessionManager constructs a SessionManager. logger and tracer may be
// nil; nil loggers fall back to zap.NewNop(). The tracer is kept on the
// struct, but SessionManager itself starts no spans.
func NewSessionManager(browser RemoteBrowserPort, store StateStore, logger *zap.Logger, tracer Tracer) *SessionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionManager{
		browser:  browser,
		store:    store,
		logger:   logger,
		tracer:   tracer,
		sessions: make(map[string]*liveSession),
	}
}

// Create allocates a remote browser (optionally bound by persistence id to
// chatSessionID), opens a debugger connection, takes the first tab as
// active, subscribes to session events, and persists a BrowserSession row.
func (sm *SessionManager) Create(ctx context.Context, chatSessionID string, opts BrowserCreateOptions) (*BrowserSession, error) {
	if chatSessionID != "" {
		opts.PersistenceID = chatSessionID
	}
	result, err := sm.browser.Create(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("create remote browser: %w", err)
	}

	conn, err := sm.browser.Connect(ctx, result.DebuggerWSURL)
	if err != nil {
		return nil, fmt.Errorf("connect debugger: %w", err)
	}

	pages, err := conn.Pages(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("list pages: %w", err)
	}

	ls := &liveSession{
		remoteSessionID: result.RemoteSessionID,
		conn:            conn,
		pages:           pages,
		active:          0,
		downloads:       make(map[string]*Download),
	}
	if len(pages) == 0 {
		ls.active = -1
	}

	sm.mu.Lock()
	sm.sessions[result.RemoteSessionID] = ls
	sm.mu.Unlock()

	go sm.watchEvents(result.RemoteSessionID, ls)

	now := time.Now()
	bs := &BrowserSession{
		ID:              NewID(),
		ChatSessionID:   chatSessionID,
		RemoteSessionID: result.RemoteSessionID,
		DebuggerWSURL:   result.DebuggerWSURL,
		LiveViewURL:     result.LiveViewURL,
		CDPConnected:    true,
		LastActiveAt:    now,
		Status:          BrowserSessionActive,
		CreatedAt:       now,
	}
	if err := sm.store.CreateBrowserSession(ctx, bs); err != nil {
		sm.logger.Warn("persist browser session", zap.Error(err))
	}
	return bs, nil
}

// watchEvents is the sole goroutine permitted to mutate ls in response to
// connection events, isolating the live table behind a single owner per
// §9 Design Notes.
func (sm *SessionManager) watchEvents(remoteSessionID string, ls *liveSession) {
	for ev := range ls.conn.Events() {
		switch ev.Kind {
		case EventPageOpened:
			ls.pushPage(PageHandle{ID: ev.PageID, URL: ev.URL})
		case EventPageClosed:
			ls.removePage(ev.PageID)
		case EventDownloadWillBegin, EventDownloadProgress:
			if ev.Download != nil {
				ls.mu.Lock()
				ls.downloads[ev.Download.Filename] = ev.Download
				ls.mu.Unlock()
			}
		case EventDisconnected:
			ls.mu.Lock()
			intentional := ls.intentionalDisconnect
			ls.mu.Unlock()
			if intentional {
				return
			}
			sm.logger.Warn("unexpected CDP disconnect", zap.String("remote_session_id", remoteSessionID))
			sm.mu.Lock()
			delete(sm.sessions, remoteSessionID)
			sm.mu.Unlock()
			if bs, err := sm.store.GetBrowserSessionByRemoteID(context.Background(), remoteSessionID); err == nil && bs != nil {
				now := time.Now()
				bs.CDPConnected = false
				bs.CDPDisconnectAt = &now
				_ = sm.store.UpdateBrowserSession(context.Background(), bs)
			}
			return
		}
	}
}

// Get returns live metadata for remoteSessionID, or a *SessionLostError if
// no live session exists.
func (sm *SessionManager) Get(remoteSessionID string) (*liveSession, error) {
	sm.mu.Lock()
	ls, ok := sm.sessions[remoteSessionID]
	sm.mu.Unlock()
	if !ok {
		return nil, &SessionLostError{RemoteSessionID: remoteSessionID}
	}
	return ls, nil
}

// Screenshot attempts the active tab under screenshotDeadline; on timeout or
// a closed page it falls back to other tabs in the session; if none
// respond, it refreshes the page list from the connection and retries once
// more before raising a *PageUnresponsiveError.
func (sm *SessionManager) Screenshot(ctx context.Context, remoteSessionID string) ([]byte, error) {
	ls, err := sm.Get(remoteSessionID)
	if err != nil {
		return nil, err
	}

	candidates := ls.fallbackPages()
	if page, ok := ls.activePage(); ok {
		candidates = reorderActiveFirst(candidates, page)
	}

	data, ok := sm.tryScreenshotEach(ctx, remoteSessionID, candidates)
	if ok {
		return data, nil
	}

	refreshed, rerr := ls.conn.Pages(ctx)
	if rerr == nil {
		ls.mu.Lock()
		ls.pages = refreshed
		if len(refreshed) > 0 {
			ls.active = len(refreshed) - 1
		} else {
			ls.active = -1
		}
		ls.mu.Unlock()
		if data, ok := sm.tryScreenshotEach(ctx, remoteSessionID, refreshed); ok {
			return data, nil
		}
	}

	return nil, &PageUnresponsiveError{RemoteSessionID: remoteSessionID}
}

func (sm *SessionManager) tryScreenshotEach(ctx context.Context, remoteSessionID string, pages []PageHandle) ([]byte, bool) {
	for _, page := range pages {
		shotCtx, cancel := context.WithTimeout(ctx, screenshotDeadline)
		data, err := sm.browser.Screenshot(shotCtx, page)
		cancel()
		if err == nil {
			sm.touchLastActive(remoteSessionID)
			return data, true
		}
	}
	return nil, false
}

func reorderActiveFirst(pages []PageHandle, active PageHandle) []PageHandle {
	out := make([]PageHandle, 0, len(pages))
	out = append(out, active)
	for _, p := range pages {
		if p.ID != active.ID {
			out = append(out, p)
		}
	}
	return out
}

// Perform dispatches a typed action against remoteSessionID's active tab
// (screenshot excepted, which cascades per Screenshot). Every call updates
// the BrowserSession's last-activity timestamp.
func (sm *SessionManager) Perform(ctx context.Context, remoteSessionID string, action Action) (ActionResult, error) {
	if action.Kind == ActionScreenshot {
		data, err := sm.Screenshot(ctx, remoteSessionID)
		if err != nil {
			return ActionResult{}, err
		}
		return ActionResult{Screenshot: data}, nil
	}

	ls, err := sm.Get(remoteSessionID)
	if err != nil {
		return ActionResult{}, err
	}
	page, ok := ls.activePage()
	if !ok {
		return ActionResult{}, &TransientToolError{Action: string(action.Kind), Message: "no active tab"}
	}

	defer sm.touchLastActive(remoteSessionID)

	switch action.Kind {
	case ActionLeftClick:
		if err := sm.browser.Click(ctx, page, action.X, action.Y, MouseLeft, 1); err != nil {
			return ActionResult{}, &TransientToolError{Action: string(action.Kind), Message: err.Error()}
		}
	case ActionRightClick:
		if err := sm.browser.Click(ctx, page, action.X, action.Y, MouseRight, 1); err != nil {
			return ActionResult{}, &TransientToolError{Action: string(action.Kind), Message: err.Error()}
		}
	case ActionDoubleClick:
		if err := sm.browser.Click(ctx, page, action.X, action.Y, MouseLeft, 2); err != nil {
			return ActionResult{}, &TransientToolError{Action: string(action.Kind), Message: err.Error()}
		}
	case ActionMouseMove:
		if err := sm.browser.MoveMouse(ctx, page, action.X, action.Y); err != nil {
			return ActionResult{}, &TransientToolError{Action: string(action.Kind), Message: err.Error()}
		}
		ls.mu.Lock()
		ls.cursorX, ls.cursorY = action.X, action.Y
		ls.mu.Unlock()
	case ActionScroll:
		if err := sm.browser.Scroll(ctx, page, action.X, action.Y, action.DX, action.DY); err != nil {
			return ActionResult{}, &TransientToolError{Action: string(action.Kind), Message: err.Error()}
		}
	case ActionType:
		if err := sm.browser.Type(ctx, page, action.Text, action.PerCharDelay); err != nil {
			return ActionResult{}, &TransientToolError{Action: string(action.Kind), Message: err.Error()}
		}
	case ActionKey:
		if err := sm.browser.Press(ctx, page, action.KeyCombo); err != nil {
			return ActionResult{}, &TransientToolError{Action: string(action.Kind), Message: err.Error()}
		}
	case ActionWait:
		timer := time.NewTimer(action.WaitFor)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ActionResult{}, ctx.Err()
		case <-timer.C:
		}
	case ActionCursorPosition:
		ls.mu.Lock()
		x, y := ls.cursorX, ls.cursorY
		ls.mu.Unlock()
		return ActionResult{CursorX: x, CursorY: y}, nil
	default:
		return ActionResult{}, &TransientToolError{Action: string(action.Kind), Message: "unknown action kind"}
	}
	return ActionResult{}, nil
}

func (sm *SessionManager) touchLastActive(remoteSessionID string) {
	bs, err := sm.store.GetBrowserSessionByRemoteID(context.Background(), remoteSessionID)
	if err != nil || bs == nil {
		return
	}
	bs.LastActiveAt = time.Now()
	if err := sm.store.UpdateBrowserSession(context.Background(), bs); err != nil {
		sm.logger.Warn("touch last-active", zap.Error(err))
	}
}

// DisconnectCDP sets the intentional-disconnect flag, closes the debugger
// connection, evicts the live entry, and marks the BrowserSession row
// disconnected. The remote browser remains allocated (CDP standby).
func (sm *SessionManager) DisconnectCDP(ctx context.Context, remoteSessionID string) error {
	ls, err := sm.Get(remoteSessionID)
	if err != nil {
		return err
	}
	ls.mu.Lock()
	ls.intentionalDisconnect = true
	ls.mu.Unlock()

	if err := ls.conn.Close(); err != nil {
		sm.logger.Warn("close connection", zap.Error(err))
	}

	sm.mu.Lock()
	delete(sm.sessions, remoteSessionID)
	sm.mu.Unlock()

	bs, err := sm.store.GetBrowserSessionByRemoteID(ctx, remoteSessionID)
	if err != nil {
		return fmt.Errorf("load browser session: %w", err)
	}
	now := time.Now()
	bs.CDPConnected = false
	bs.CDPDisconnectAt = &now
	return sm.store.UpdateBrowserSession(ctx, bs)
}

// ReconnectCDP loads the debugger URL from the BrowserSession row,
// reconnects, picks the most suitable existing page (prefer non-blank URL,
// else most recent), and re-installs event listeners.
func (sm *SessionManager) ReconnectCDP(ctx context.Context, remoteSessionID string) error {
	bs, err := sm.store.GetBrowserSessionByRemoteID(ctx, remoteSessionID)
	if err != nil {
		return fmt.Errorf("load browser session: %w", err)
	}

	conn, err := sm.browser.Connect(ctx, bs.DebuggerWSURL)
	if err != nil {
		return fmt.Errorf("reconnect debugger: %w", err)
	}
	pages, err := conn.Pages(ctx)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("list pages: %w", err)
	}

	active := mostSuitablePage(pages)
	ls := &liveSession{
		remoteSessionID: remoteSessionID,
		conn:            conn,
		pages:           pages,
		active:          active,
		downloads:       make(map[string]*Download),
	}
	sm.mu.Lock()
	sm.sessions[remoteSessionID] = ls
	sm.mu.Unlock()
	go sm.watchEvents(remoteSessionID, ls)

	bs.CDPConnected = true
	bs.LastActiveAt = time.Now()
	return sm.store.UpdateBrowserSession(ctx, bs)
}

// mostSuitablePage prefers a non-blank URL, else the most recently opened
// page (last in the stack).
func mostSuitablePage(pages []PageHandle) int {
	if len(pages) == 0 {
		return -1
	}
	for i := len(pages) - 1; i >= 0; i-- {
		if pages[i].URL != "" && pages[i].URL != "about:blank" {
			return i
		}
	}
	return len(pages) - 1
}

// StartIdleReaper launches a background goroutine that, every tickEvery,
// disconnects CDP on every live session whose BrowserSession.LastActiveAt
// is older than idleAfter — the "CDP standby" cost-saving behavior that
// keeps the remote browser allocated but releases the debugger connection
// once an agent run goes quiet. It returns a stop function; calling it
// blocks until the goroutine has exited.
func (sm *SessionManager) StartIdleReaper(ctx context.Context, idleAfter, tickEvery time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(tickEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sm.reapIdle(ctx, idleAfter)
			}
		}
	}()
	return func() { <-done }
}

func (sm *SessionManager) reapIdle(ctx context.Context, idleAfter time.Duration) {
	sm.mu.Lock()
	remoteSessionIDs := make([]string, 0, len(sm.sessions))
	for id := range sm.sessions {
		remoteSessionIDs = append(remoteSessionIDs, id)
	}
	sm.mu.Unlock()

	cutoff := time.Now().Add(-idleAfter)
	for _, id := range remoteSessionIDs {
		bs, err := sm.store.GetBrowserSessionByRemoteID(ctx, id)
		if err != nil || bs == nil || !bs.CDPConnected {
			continue
		}
		if bs.LastActiveAt.After(cutoff) {
			continue
		}
		sm.logger.Info("reaping idle CDP connection", zap.String("remote_session_id", id), zap.Time("last_active_at", bs.LastActiveAt))
		if err := sm.DisconnectCDP(ctx, id); err != nil {
			sm.logger.Warn("reap idle session", zap.String("remote_session_id", id), zap.Error(err))
		}
	}
}

// Destroy closes the debugger, calls RemoteBrowserPort.Destroy, clears
// downloads, evicts the live entry, and marks the BrowserSession stopped.
// It always attempts the remote destroy call even if the live entry is
// already gone.
func (sm *SessionManager) Destroy(ctx context.Context, remoteSessionID string) error {
	sm.mu.Lock()
	ls, ok := sm.sessions[remoteSessionID]
	delete(sm.sessions, remoteSessionID)
	sm.mu.Unlock()

	if ok {
		ls.mu.Lock()
		ls.intentionalDisconnect = true
		ls.mu.Unlock()
		if err := ls.conn.Close(); err != nil {
			sm.logger.Warn("close connection on destroy", zap.Error(err))
		}
	}

	destroyErr := sm.browser.Destroy(ctx, remoteSessionID)

	bs, err := sm.store.GetBrowserSessionByRemoteID(ctx, remoteSessionID)
	if err == nil && bs != nil {
		bs.Status = BrowserSessionStopped
		bs.CDPConnected = false
		if err := sm.store.UpdateBrowserSession(ctx, bs); err != nil {
			sm.logger.Warn("mark browser session destroyed", zap.Error(err))
		}
	}
	return destroyErr
}
