package cua

import "context"

// MemoryPort is the agent-facing memory file tool: a named byte blob
// addressed by /memories/{taskID}, exposed to the model with
// view/create/str_replace/insert/delete/rename verbs. Its storage backend
// (per-task durable, per-session, or ephemeral) is left to the
// implementation — internal/memoryfile backs it with per-task files on
// local disk.
type MemoryPort interface {
	View(ctx context.Context, path string) (string, error)
	Create(ctx context.Context, path, text string) error
	StrReplace(ctx context.Context, path, oldText, newText string) error
	Insert(ctx context.Context, path string, line int, text string) error
	Delete(ctx context.Context, path string) error
	Rename(ctx context.Context, path, newPath string) error
}
