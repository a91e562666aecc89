package cua

import (
	"context"
	"sync"
	"time"
)

// rateLimitModelPort wraps a ModelPort with proactive rate limiting.
// Requests block until the rate budget allows them to proceed. This is
// distinct from retrying a failed call — it throttles calls before they are
// made, never re-issues one that already failed, so it does not conflict
// with the core's no-automatic-retry policy (§7, §9).
type rateLimitModelPort struct {
	inner ModelPort
	mu    sync.Mutex

	// RPM state: sliding window of request timestamps.
	rpm       int
	rpmWindow []time.Time

	// TPM state: sliding window of (timestamp, tokenCount) pairs.
	tpm       int
	tpmWindow []tpmEntry
}

type tpmEntry struct {
	at     time.Time
	tokens int64
}

// RateLimitOption configures a rateLimitModelPort.
type RateLimitOption func(*rateLimitModelPort)

// RPM sets the maximum requests per minute.
func RPM(n int) RateLimitOption {
	return func(r *rateLimitModelPort) { r.rpm = n }
}

// TPM sets the maximum tokens per minute (input + output combined). Token
// counts are recorded from ModelResponse.Usage after each request. This is
// a soft limit — the request that exceeds the budget completes, but
// subsequent requests block until the window slides.
func TPM(n int) RateLimitOption {
	return func(r *rateLimitModelPort) { r.tpm = n }
}

// WithRateLimit wraps p with proactive rate limiting honoring the model
// vendor's published RPM/TPM budgets:
//
//	model = cua.WithRateLimit(anthropic.New(apiKey), cua.RPM(60), cua.TPM(100000))
func WithRateLimit(p ModelPort, opts ...RateLimitOption) ModelPort {
	r := &rateLimitModelPort{inner: p}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *rateLimitModelPort) Name() string { return r.inner.Name() }

func (r *rateLimitModelPort) Invoke(ctx context.Context, req ModelRequest) (ModelResponse, error) {
	if err := r.waitForBudget(ctx); err != nil {
		return ModelResponse{}, err
	}
	resp, err := r.inner.Invoke(ctx, req)
	if err == nil {
		r.recordUsage(resp.Usage)
	}
	return resp, err
}

// waitForBudget blocks until both RPM and TPM budgets allow a request.
// Returns ctx.Err() if the context is cancelled while waiting.
func (r *rateLimitModelPort) waitForBudget(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-time.Minute)

		r.rpmWindow = pruneTime(r.rpmWindow, cutoff)
		r.tpmWindow = pruneTpm(r.tpmWindow, cutoff)

		rpmOK := r.rpm <= 0 || len(r.rpmWindow) < r.rpm

		tpmOK := true
		if r.tpm > 0 {
			var total int64
			for _, e := range r.tpmWindow {
				total += e.tokens
			}
			tpmOK = total < int64(r.tpm)
		}

		if rpmOK && tpmOK {
			if r.rpm > 0 {
				r.rpmWindow = append(r.rpmWindow, now)
			}
			r.mu.Unlock()
			return nil
		}

		var wait time.Duration
		if !rpmOK && len(r.rpmWindow) > 0 {
			wait = r.rpmWindow[0].Add(time.Minute).Sub(now)
		}
		if !tpmOK && len(r.tpmWindow) > 0 {
			w := r.tpmWindow[0].at.Add(time.Minute).Sub(now)
			if wait == 0 || w < wait {
				wait = w
			}
		}
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		r.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// recordUsage adds token counts to the TPM sliding window.
func (r *rateLimitModelPort) recordUsage(u Usage) {
	if r.tpm <= 0 {
		return
	}
	total := u.InputTokens + u.OutputTokens
	if total <= 0 {
		return
	}
	r.mu.Lock()
	r.tpmWindow = append(r.tpmWindow, tpmEntry{at: time.Now(), tokens: total})
	r.mu.Unlock()
}

// pruneTime removes entries older than cutoff from a sorted time slice.
func pruneTime(s []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(s) && s[i].Before(cutoff) {
		i++
	}
	return s[i:]
}

// pruneTpm removes entries older than cutoff from a sorted tpmEntry slice.
func pruneTpm(s []tpmEntry, cutoff time.Time) []tpmEntry {
	i := 0
	for i < len(s) && s[i].at.Before(cutoff) {
		i++
	}
	return s[i:]
}

// compile-time check
var _ ModelPort = (*rateLimitModelPort)(nil)
