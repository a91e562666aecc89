// Package retry provides exponential-backoff-with-jitter retries for
// infrastructure calls only — S3 uploads, StateStore writes — never for
// ModelPort.Invoke, whose failures SamplingLoop surfaces directly as a
// fatal ModelError per iteration rather than silently retrying.
package retry

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Option configures a retry sequence.
type Option func(*settings)

type settings struct {
	maxAttempts int
	baseDelay   time.Duration
	logger      *zap.Logger
}

// MaxAttempts sets the maximum number of attempts (default: 3).
func MaxAttempts(n int) Option {
	return func(s *settings) { s.maxAttempts = n }
}

// BaseDelay sets the initial backoff delay before the second attempt
// (default: 500ms). Each subsequent delay doubles: base, 2×base, 4×base, …
func BaseDelay(d time.Duration) Option {
	return func(s *settings) { s.baseDelay = d }
}

// WithLogger attaches a logger that receives one warn-level line per
// retried attempt. Nil (the default) disables logging.
func WithLogger(l *zap.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// Do calls fn up to maxAttempts times, sleeping with exponential backoff
// plus jitter between attempts that return a non-nil error. It gives up
// early if ctx is canceled between attempts.
func Do(ctx context.Context, op string, fn func() error, opts ...Option) error {
	s := settings{maxAttempts: 3, baseDelay: 500 * time.Millisecond}
	for _, o := range opts {
		o(&s)
	}

	var last error
	for i := 0; i < s.maxAttempts; i++ {
		if err := fn(); err == nil {
			return nil
		} else {
			last = err
		}
		if s.logger != nil {
			s.logger.Warn("retry: attempt failed",
				zap.String("op", op), zap.Int("attempt", i+1), zap.Int("max_attempts", s.maxAttempts), zap.Error(last))
		}
		if i == s.maxAttempts-1 {
			break
		}
		delay := backoff(s.baseDelay, i)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return last
}

// backoff returns the delay before retry attempt i (0-indexed): base*2^i
// plus up to 50% random jitter.
func backoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}
