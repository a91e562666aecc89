// Package cua is the core of a browser-using AI agent runtime: it drives a
// remote browser through a vision-language model by repeatedly shaping
// context, invoking the model, executing the requested UI actions against a
// remote browser over a debugging protocol, feeding observations back, and
// persisting every step so a task can be inspected, stopped, or resumed.
//
// # Core components
//
// The root package defines the contracts the runtime is built from, plus the
// components that implement the agent's control flow:
//
//   - [ModelPort] — the vision-language model backend
//   - [StateStore] — durable storage for sessions, tasks, messages, metrics
//   - [ObjectStore] — screenshot/download artifact storage with signed URLs
//   - [RemoteBrowserPort] — the remote debugging-protocol adapter
//   - [MemoryPort] — the agent-facing memory file tool
//   - [SessionManager] — owns the in-process table of live browser sessions
//   - [ContextShaper] — pure transforms over a conversation
//   - [SamplingLoop] — drives one task to completion, iteration by iteration
//   - [TaskCoordinator] — the task state machine
//   - [BatchExecutor] — sequential execution of N tasks over one browser
//   - [EventStream] — turns SamplingLoop events into an SSE stream
//
// # Included implementations
//
// Model: internal/modelport/anthropic. Browser: internal/browser/rod. State:
// internal/store/postgres, internal/store/sqlite. Objects:
// internal/objectstore/s3. HTTP surface: internal/httpapi. Optional
// cron-delayed batch kick-off: internal/batchsched. See cmd/cua-agent for
// the reference service that wires all of the above together.
package cua
