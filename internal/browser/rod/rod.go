// Package rod implements cua.RemoteBrowserPort over Chrome DevTools Protocol
// using go-rod/rod. Create launches (or attaches to) a Chrome instance per
// remote session; Connect dials an existing debugger websocket so
// SessionManager can reconnect after a cooperative disconnect without
// restarting the browser.
package rod

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/onkernel/cua-agent"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// instance tracks one launched Chrome process plus its download directory.
type instance struct {
	browser    *rod.Browser
	launcher   *launcher.Launcher
	downloadDir string
}

// Port implements cua.RemoteBrowserPort by launching and driving local
// headless Chrome instances via CDP.
type Port struct {
	mu        sync.Mutex
	instances map[string]*instance // remoteSessionID -> instance
	pages     map[string]*rod.Page // pageID (CDP target id) -> page

	binPath     string
	downloadRoot string
}

// Option configures a Port.
type Option func(*Port)

// WithChromeBinary pins the Chrome/Chromium executable path instead of
// letting go-rod's launcher download/locate one.
func WithChromeBinary(path string) Option {
	return func(p *Port) { p.binPath = path }
}

// WithDownloadRoot sets the parent directory under which each remote
// session gets its own download subdirectory, backing ListFiles/ReadFile.
func WithDownloadRoot(dir string) Option {
	return func(p *Port) { p.downloadRoot = dir }
}

// New constructs a Port.
func New(opts ...Option) *Port {
	p := &Port{
		instances:    make(map[string]*instance),
		pages:        make(map[string]*rod.Page),
		downloadRoot: os.TempDir(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Create launches a fresh Chrome instance and its first tab.
func (p *Port) Create(ctx context.Context, opts cua.BrowserCreateOptions) (cua.BrowserCreateResult, error) {
	l := launcher.New().Headless(true)
	if p.binPath != "" {
		l = l.Bin(p.binPath)
	}
	if opts.Stealth {
		l = l.Set("disable-blink-features", "AutomationControlled")
	}

	controlURL, err := l.Launch()
	if err != nil {
		return cua.BrowserCreateResult{}, fmt.Errorf("rod: launch chrome: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		l.Cleanup()
		return cua.BrowserCreateResult{}, fmt.Errorf("rod: connect to chrome: %w", err)
	}

	remoteSessionID := cua.NewID()
	downloadDir := filepath.Join(p.downloadRoot, remoteSessionID)
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		_ = browser.Close()
		l.Cleanup()
		return cua.BrowserCreateResult{}, fmt.Errorf("rod: create download dir: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = browser.Close()
		l.Cleanup()
		return cua.BrowserCreateResult{}, fmt.Errorf("rod: open initial page: %w", err)
	}
	if opts.ViewportWidth > 0 && opts.ViewportHeight > 0 {
		_ = proto.EmulationSetDeviceMetricsOverride{
			Width:             opts.ViewportWidth,
			Height:            opts.ViewportHeight,
			DeviceScaleFactor: 1,
			Mobile:            false,
		}.Call(page)
	}
	_ = proto.PageSetDownloadBehavior{Behavior: proto.PageSetDownloadBehaviorBehaviorAllow, DownloadPath: downloadDir}.Call(page)

	p.mu.Lock()
	p.instances[remoteSessionID] = &instance{browser: browser, launcher: l, downloadDir: downloadDir}
	p.pages[string(page.TargetID)] = page
	p.mu.Unlock()

	return cua.BrowserCreateResult{
		RemoteSessionID: remoteSessionID,
		DebuggerWSURL:   controlURL,
	}, nil
}

// Destroy closes the Chrome instance backing remoteSessionID, if still
// tracked. It is safe to call on an already-destroyed session.
func (p *Port) Destroy(ctx context.Context, remoteSessionID string) error {
	p.mu.Lock()
	inst, ok := p.instances[remoteSessionID]
	if ok {
		delete(p.instances, remoteSessionID)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}

	for id, pg := range p.snapshotPagesOf(inst.browser) {
		p.mu.Lock()
		delete(p.pages, id)
		p.mu.Unlock()
		_ = pg
	}

	err := inst.browser.Close()
	inst.launcher.Cleanup()
	_ = os.RemoveAll(inst.downloadDir)
	return err
}

// snapshotPagesOf returns the subset of p.pages whose underlying browser is b.
func (p *Port) snapshotPagesOf(b *rod.Browser) map[string]*rod.Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]*rod.Page)
	for id, pg := range p.pages {
		if pg.Browser() == b {
			out[id] = pg
		}
	}
	return out
}

// ListFiles lists names under the download directory tracked for
// remoteSessionID.
func (p *Port) ListFiles(ctx context.Context, remoteSessionID, path string) ([]string, error) {
	p.mu.Lock()
	inst, ok := p.instances[remoteSessionID]
	p.mu.Unlock()
	if !ok {
		return nil, &cua.SessionLostError{RemoteSessionID: remoteSessionID}
	}
	dir := inst.downloadDir
	if path != "" {
		dir = filepath.Join(dir, path)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("rod: list files: %w", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// ReadFile reads a file previously downloaded into remoteSessionID's
// download directory.
func (p *Port) ReadFile(ctx context.Context, remoteSessionID, path string) ([]byte, error) {
	p.mu.Lock()
	inst, ok := p.instances[remoteSessionID]
	p.mu.Unlock()
	if !ok {
		return nil, &cua.SessionLostError{RemoteSessionID: remoteSessionID}
	}
	full := filepath.Join(inst.downloadDir, path)
	if !filepath.IsLocal(path) {
		return nil, fmt.Errorf("rod: invalid path %q", path)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("rod: read file: %w", err)
	}
	return data, nil
}

func (p *Port) registerPage(pg *rod.Page) {
	p.mu.Lock()
	p.pages[string(pg.TargetID)] = pg
	p.mu.Unlock()
}

func (p *Port) lookupPage(id string) (*rod.Page, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pg, ok := p.pages[id]
	return pg, ok
}

var _ cua.RemoteBrowserPort = (*Port)(nil)
