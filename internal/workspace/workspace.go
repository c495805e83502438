// Package workspace tracks the scratch files one transcription job creates.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Workspace is a private temporary directory. Files are addressed by name
// inside it and removed together by Cleanup.
type Workspace struct {
	dir string

	mu    sync.Mutex
	files []string
	keep  bool
	done  bool
}

// New creates a directory under root (os.TempDir() when empty) named
// after prefix.
func New(root, prefix string) (*Workspace, error) {
	if root != "" {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("create workspace root: %w", err)
		}
	}
	dir, err := os.MkdirTemp(root, prefix+"-*")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{dir: dir}, nil
}

func (w *Workspace) Dir() string { return w.dir }

// Path returns the absolute path for name and remembers it.
func (w *Workspace) Path(name string) string {
	p := filepath.Join(w.dir, filepath.Base(name))
	w.mu.Lock()
	w.files = append(w.files, p)
	w.mu.Unlock()
	return p
}

// Files lists every path handed out so far.
func (w *Workspace) Files() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.files...)
}

// Keep disables removal so intermediate audio can be inspected.
func (w *Workspace) Keep(keep bool) {
	w.mu.Lock()
	w.keep = keep
	w.mu.Unlock()
}

// Cleanup removes the directory unless Keep was set. It is safe to call
// more than once.
func (w *Workspace) Cleanup() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.keep || w.done {
		return nil
	}
	w.done = true
	if err := os.RemoveAll(w.dir); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	return nil
}
