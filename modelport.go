package cua

import "context"

// ModelPort abstracts the vision-language model backend. The content
// returned by Invoke carries reasoning blocks with an opaque signature that
// implementations must round-trip verbatim on the next call.
//
// The core never retries a failed Invoke automatically — a ModelError
// fails the iteration and the agent's next observation is the retry
// mechanism (see ratelimit.go and internal/retry for the two
// legitimate wrapper concerns: proactive throttling and infra-only retry,
// neither of which retries a failed model call itself).
type ModelPort interface {
	Invoke(ctx context.Context, req ModelRequest) (ModelResponse, error)

	// Name identifies the backend for logging and metrics, e.g. "anthropic".
	Name() string
}
