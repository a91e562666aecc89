// Package memoryfile implements cua.MemoryPort as per-task text files on
// local disk, addressed by the /memories/{taskID} path the model's memory
// tool operates on. One file per task; line-oriented edits mirror the
// view/create/str_replace/insert/delete/rename verbs the tool exposes to
// the model.
package memoryfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	cua "github.com/onkernel/cua-agent"
)

// Store implements cua.MemoryPort rooted at a single directory. Paths
// passed to every method are expected in the /memories/{taskID} form; Store
// maps them onto root/{taskID}.txt.
type Store struct {
	root string
}

var _ cua.MemoryPort = (*Store)(nil)

// New constructs a Store rooted at dir, creating it if absent.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("memoryfile: create root: %w", err)
	}
	return &Store{root: dir}, nil
}

// resolve maps a /memories/{taskID} path onto a file under root, rejecting
// traversal outside it.
func (s *Store) resolve(path string) (string, error) {
	name := strings.TrimPrefix(path, "/memories/")
	name = strings.TrimSuffix(name, "/")
	if name == "" || !filepath.IsLocal(name) {
		return "", fmt.Errorf("memoryfile: invalid path %q", path)
	}
	return filepath.Join(s.root, name+".txt"), nil
}

func (s *Store) View(ctx context.Context, path string) (string, error) {
	full, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		return "", fmt.Errorf("memoryfile: %s: not found", path)
	}
	if err != nil {
		return "", fmt.Errorf("memoryfile: view %s: %w", path, err)
	}
	return string(data), nil
}

func (s *Store) Create(ctx context.Context, path, text string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.WriteFile(full, []byte(text), 0o644); err != nil {
		return fmt.Errorf("memoryfile: create %s: %w", path, err)
	}
	return nil
}

func (s *Store) StrReplace(ctx context.Context, path, oldText, newText string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return fmt.Errorf("memoryfile: str_replace %s: %w", path, err)
	}
	content := string(data)
	if strings.Count(content, oldText) != 1 {
		return fmt.Errorf("memoryfile: str_replace %s: old_text must match exactly once, found %d", path, strings.Count(content, oldText))
	}
	updated := strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(full, []byte(updated), 0o644); err != nil {
		return fmt.Errorf("memoryfile: str_replace %s: %w", path, err)
	}
	return nil
}

// Insert inserts text as a new line after the given 1-indexed line number
// (0 inserts at the start of the file).
func (s *Store) Insert(ctx context.Context, path string, line int, text string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return fmt.Errorf("memoryfile: insert %s: %w", path, err)
	}
	lines := splitLines(string(data))
	if line < 0 || line > len(lines) {
		return fmt.Errorf("memoryfile: insert %s: line %d out of range [0,%d]", path, line, len(lines))
	}
	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:line]...)
	out = append(out, text)
	out = append(out, lines[line:]...)
	if err := os.WriteFile(full, []byte(strings.Join(out, "\n")), 0o644); err != nil {
		return fmt.Errorf("memoryfile: insert %s: %w", path, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("memoryfile: delete %s: %w", path, err)
	}
	return nil
}

func (s *Store) Rename(ctx context.Context, path, newPath string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	newFull, err := s.resolve(newPath)
	if err != nil {
		return err
	}
	if err := os.Rename(full, newFull); err != nil {
		return fmt.Errorf("memoryfile: rename %s -> %s: %w", path, newPath, err)
	}
	return nil
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
