//go:build integration

package rod_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/onkernel/cua-agent"
	cdprod "github.com/onkernel/cua-agent/internal/browser/rod"

	"github.com/stretchr/testify/require"
)

// TestPort_CreateAndScreenshot exercises a real local Chromium instance and
// only runs when built with -tags integration (requires Chrome on PATH).
func TestPort_CreateAndScreenshot(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "<html><body><h1>cua-agent integration fixture</h1></body></html>")
	}))
	defer ts.Close()

	port := cdprod.New()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := port.Create(ctx, cua.BrowserCreateOptions{ViewportWidth: 1280, ViewportHeight: 800})
	require.NoError(t, err)
	defer port.Destroy(context.Background(), result.RemoteSessionID)

	conn, err := port.Connect(ctx, result.DebuggerWSURL)
	require.NoError(t, err)
	defer conn.Close()

	pages, err := conn.Pages(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, pages)

	shot, err := port.Screenshot(ctx, pages[0])
	require.NoError(t, err)
	require.NotEmpty(t, shot)
}
