// Package loader provides the module-loader capabilities a prelude resolves
// require() through.
package loader

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned when no source exists for a module name.
var ErrNotFound = errors.New("module not found")

// Loader resolves a module name to its source text. Load has the signature
// of script.ModuleLoader, so l.Load can be handed to a prelude directly.
type Loader interface {
	Load(name string) (string, error)
}

// Map serves modules from memory.
type Map map[string]string

func (m Map) Load(name string) (string, error) {
	src, ok := m[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return src, nil
}

// Chain tries each loader in order. The first one that does not report
// ErrNotFound wins.
type Chain []Loader

func (c Chain) Load(name string) (string, error) {
	for _, l := range c {
		src, err := l.Load(name)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return src, err
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Dir loads modules from a directory tree: "a.b" resolves to <root>/a/b.lua.
// Sources are cached until invalidated.
type Dir struct {
	root  string
	mu    sync.Mutex
	cache map[string]string
}

// NewDir creates a loader rooted at root.
func NewDir(root string) *Dir {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return &Dir{root: root, cache: make(map[string]string)}
}

// Root returns the absolute directory modules are loaded from.
func (d *Dir) Root() string {
	return d.root
}

// Path returns the file a module name resolves to.
func (d *Dir) Path(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty module name")
	}
	parts := strings.Split(name, ".")
	for _, part := range parts {
		if part == "" || strings.ContainsAny(part, `/\`) || part == ".." {
			return "", fmt.Errorf("invalid module name %q", name)
		}
	}
	return filepath.Join(d.root, filepath.Join(parts...)+".lua"), nil
}

// Name maps a file under the root back to its module name.
func (d *Dir) Name(path string) (string, bool) {
	rel, err := filepath.Rel(d.root, path)
	if err != nil || !inside(rel) || !strings.HasSuffix(rel, ".lua") {
		return "", false
	}
	rel = strings.TrimSuffix(rel, ".lua")
	return strings.ReplaceAll(rel, string(filepath.Separator), "."), true
}

func (d *Dir) Load(name string) (string, error) {
	d.mu.Lock()
	src, ok := d.cache[name]
	d.mu.Unlock()
	if ok {
		return src, nil
	}

	path, err := d.Path(name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s (looked in %s)", ErrNotFound, name, path)
	} else if err != nil {
		return "", fmt.Errorf("read module %s: %w", name, err)
	}

	d.mu.Lock()
	d.cache[name] = string(data)
	d.mu.Unlock()
	return string(data), nil
}

// Invalidate drops the cached source of the module stored at path. It
// reports whether path names a module under this directory.
func (d *Dir) Invalidate(path string) (string, bool) {
	name, ok := d.Name(path)
	if !ok {
		return "", false
	}
	d.mu.Lock()
	delete(d.cache, name)
	d.mu.Unlock()
	return name, true
}

// inside reports whether a path relative to a root stays under it.
func inside(rel string) bool {
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Dirs creates one Dir per root.
func Dirs(roots []string) []*Dir {
	dirs := make([]*Dir, len(roots))
	for i, root := range roots {
		dirs[i] = NewDir(root)
	}
	return dirs
}

// ChainDirs wraps dirs as a Chain, searched in order.
func ChainDirs(dirs []*Dir) Chain {
	c := make(Chain, len(dirs))
	for i, d := range dirs {
		c[i] = d
	}
	return c
}
