package scratch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DefaultPattern is the directory name pattern used when New is given none.
const DefaultPattern = "plategen-*"

// Dir is a uniquely named temporary directory owned by one generation.
// Release removes it and everything inside; it is safe to call more than once.
type Dir struct {
	path string

	once sync.Once
	err  error
}

// New creates a fresh directory under root. An empty root means os.TempDir().
func New(root, pattern string) (*Dir, error) {
	if root == "" {
		root = os.TempDir()
	}
	if pattern == "" {
		pattern = DefaultPattern
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("scratch: create root: %w", err)
	}

	path, err := os.MkdirTemp(root, pattern)
	if err != nil {
		return nil, fmt.Errorf("scratch: create dir: %w", err)
	}
	return &Dir{path: path}, nil
}

func (d *Dir) Path() string {
	return d.path
}

// Join returns the path of name inside the directory.
func (d *Dir) Join(name string) string {
	return filepath.Join(d.path, name)
}

func (d *Dir) Release() error {
	d.once.Do(func() {
		d.err = os.RemoveAll(d.path)
	})
	return d.err
}
