package memoryfile

import (
	"context"
	"testing"
)

func TestCreateViewStrReplace(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if err := s.Create(ctx, "/memories/task-1", "line one\nline two\n"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := s.View(ctx, "/memories/task-1")
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if got != "line one\nline two\n" {
		t.Fatalf("unexpected content: %q", got)
	}

	if err := s.StrReplace(ctx, "/memories/task-1", "line one", "line ONE"); err != nil {
		t.Fatalf("StrReplace: %v", err)
	}
	got, err = s.View(ctx, "/memories/task-1")
	if err != nil {
		t.Fatalf("View after replace: %v", err)
	}
	if got != "line ONE\nline two\n" {
		t.Fatalf("replace did not apply: %q", got)
	}
}

func TestStrReplaceRequiresUniqueMatch(t *testing.T) {
	s, _ := New(t.TempDir())
	ctx := context.Background()
	s.Create(ctx, "/memories/task-2", "dup\ndup\n")
	if err := s.StrReplace(ctx, "/memories/task-2", "dup", "x"); err == nil {
		t.Fatalf("expected error for non-unique match")
	}
}

func TestInsertAndDelete(t *testing.T) {
	s, _ := New(t.TempDir())
	ctx := context.Background()
	s.Create(ctx, "/memories/task-3", "a\nb\nc")

	if err := s.Insert(ctx, "/memories/task-3", 1, "inserted"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, _ := s.View(ctx, "/memories/task-3")
	if got != "a\ninserted\nb\nc" {
		t.Fatalf("unexpected content after insert: %q", got)
	}

	if err := s.Delete(ctx, "/memories/task-3"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.View(ctx, "/memories/task-3"); err == nil {
		t.Fatalf("expected error viewing deleted file")
	}
}

func TestRename(t *testing.T) {
	s, _ := New(t.TempDir())
	ctx := context.Background()
	s.Create(ctx, "/memories/old-name", "content")
	if err := s.Rename(ctx, "/memories/old-name", "/memories/new-name"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	got, err := s.View(ctx, "/memories/new-name")
	if err != nil {
		t.Fatalf("View renamed: %v", err)
	}
	if got != "content" {
		t.Fatalf("unexpected content: %q", got)
	}
}

func TestResolveRejectsTraversal(t *testing.T) {
	s, _ := New(t.TempDir())
	ctx := context.Background()
	if err := s.Create(ctx, "/memories/../escape", "x"); err == nil {
		t.Fatalf("expected traversal to be rejected")
	}
}
