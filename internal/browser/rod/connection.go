package rod

import (
	"context"
	"sync"
	"time"

	"github.com/onkernel/cua-agent"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/cdp"
	"github.com/go-rod/rod/lib/proto"
)

// rodConnection implements cua.Connection over one CDP websocket. Close
// closes only the local websocket client (client.Close), never the
// Browser.Close CDP command, so a cooperative disconnect never terminates
// the remote Chrome process — only Port.Destroy does that.
type rodConnection struct {
	port    *Port
	browser *rod.Browser
	client  *cdp.Client

	events chan cua.BrowserConnEvent
	cancel context.CancelFunc

	closeOnce sync.Once
}

// Connect dials an existing debugger websocket (e.g. after a cooperative
// disconnect) and starts the event-forwarding goroutine.
func (p *Port) Connect(ctx context.Context, debuggerWSURL string) (cua.Connection, error) {
	client := cdp.New(debuggerWSURL)
	browser := rod.New().Client(client)
	if err := browser.Connect(); err != nil {
		return nil, &cua.SessionLostError{RemoteSessionID: debuggerWSURL}
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	c := &rodConnection{
		port:    p,
		browser: browser,
		client:  client,
		events:  make(chan cua.BrowserConnEvent, 32),
		cancel:  cancel,
	}
	c.watch(watchCtx)
	return c, nil
}

// watch subscribes to target lifecycle and download events for the
// connection's lifetime, translating each into a cua.BrowserConnEvent.
func (c *rodConnection) watch(ctx context.Context) {
	go c.browser.Context(ctx).EachEvent(
		func(e *proto.TargetTargetCreated) {
			if e.TargetInfo.Type != proto.TargetTargetInfoTypePage {
				return
			}
			c.emit(cua.BrowserConnEvent{
				Kind:   cua.EventPageOpened,
				PageID: string(e.TargetInfo.TargetID),
				URL:    e.TargetInfo.URL,
			})
		},
		func(e *proto.TargetTargetDestroyed) {
			c.emit(cua.BrowserConnEvent{
				Kind:   cua.EventPageClosed,
				PageID: string(e.TargetID),
			})
		},
		func(e *proto.PageDownloadWillBegin) {
			c.emit(cua.BrowserConnEvent{
				Kind: cua.EventDownloadWillBegin,
				Download: &cua.Download{
					Handle:    e.GUID,
					Filename:  e.SuggestedFilename,
					Status:    cua.DownloadStarted,
					StartedAt: time.Now(),
				},
			})
		},
		func(e *proto.PageDownloadProgress) {
			status := cua.DownloadInProgress
			switch e.State {
			case proto.PageDownloadProgressStateCompleted:
				status = cua.DownloadCompleted
			case proto.PageDownloadProgressStateCanceled:
				status = cua.DownloadFailed
			}
			c.emit(cua.BrowserConnEvent{
				Kind: cua.EventDownloadProgress,
				Download: &cua.Download{
					Handle:    e.GUID,
					Status:    status,
					SizeBytes: e.TotalBytes,
					Progress:  downloadFraction(e.ReceivedBytes, e.TotalBytes),
				},
			})
		},
	)()
}

func (c *rodConnection) emit(ev cua.BrowserConnEvent) {
	select {
	case c.events <- ev:
	default:
		// backpressure: drop rather than block the CDP event loop
	}
}

func (c *rodConnection) Events() <-chan cua.BrowserConnEvent { return c.events }

func (c *rodConnection) Pages(ctx context.Context) ([]cua.PageHandle, error) {
	pages, err := c.browser.Context(ctx).Pages()
	if err != nil {
		return nil, err
	}
	out := make([]cua.PageHandle, 0, len(pages))
	for _, pg := range pages {
		c.port.registerPage(pg)
		info, _ := pg.Info()
		url := ""
		if info != nil {
			url = info.URL
		}
		out = append(out, cua.PageHandle{ID: string(pg.TargetID), URL: url})
	}
	return out, nil
}

func (c *rodConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.events)
		err = c.client.Close()
	})
	return err
}

func downloadFraction(received, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(received) / float64(total)
}

var _ cua.Connection = (*rodConnection)(nil)
