package loader

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zot/projhost/internal/config"
)

// Watcher watches module directories and reports changed modules after a
// quiet period. Cached sources of changed modules are invalidated before
// the callback runs.
type Watcher struct {
	config   *config.Config
	watcher  *fsnotify.Watcher
	dirs     []*Dir
	extra    []string // individual files watched besides the module dirs
	onChange func(changed []string)

	pending       map[string]time.Time
	pendingMu     sync.Mutex
	debounceDelay time.Duration

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher creates a watcher over dirs. onChange receives the paths of
// changed .lua files, sorted, once they have been quiet for delay.
func NewWatcher(cfg *config.Config, delay time.Duration, onChange func(changed []string), dirs ...*Dir) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	return &Watcher{
		config:        cfg,
		watcher:       fw,
		dirs:          dirs,
		onChange:      onChange,
		pending:       make(map[string]time.Time),
		debounceDelay: delay,
		done:          make(chan struct{}),
	}, nil
}

// WatchFile adds the directory holding a single script, such as the
// prelude or a query, and reports changes to that file.
func (w *Watcher) WatchFile(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w.extra = append(w.extra, abs)
	return w.watcher.Add(filepath.Dir(abs))
}

// Start adds watches for every directory under each module root and starts
// the event and debounce loops.
func (w *Watcher) Start() error {
	for _, d := range w.dirs {
		err := filepath.WalkDir(d.Root(), func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if entry.IsDir() {
				return w.watcher.Add(path)
			}
			return nil
		})
		if err != nil {
			return err
		}
		w.config.Log(1, "Watcher: watching %s for changes", d.Root())
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()
	return nil
}

// Stop stops both loops and closes the underlying watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Log(1, "Watcher: error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	w.config.Log(3, "Watcher: event %s on %s", event.Op, event.Name)
	if event.Op&fsnotify.Create != 0 && w.underRoot(event.Name) {
		// new subdirectories need their own watch
		if err := w.watcher.Add(event.Name); err == nil {
			w.config.Log(2, "Watcher: added watch for %s", event.Name)
		}
	}
	if !strings.HasSuffix(event.Name, ".lua") {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if !w.underRoot(event.Name) && !w.isExtra(event.Name) {
		return
	}
	w.pendingMu.Lock()
	w.pending[event.Name] = time.Now()
	w.pendingMu.Unlock()
}

func (w *Watcher) underRoot(path string) bool {
	for _, d := range w.dirs {
		if rel, err := filepath.Rel(d.Root(), path); err == nil && inside(rel) {
			return true
		}
	}
	return false
}

func (w *Watcher) isExtra(path string) bool {
	for _, p := range w.extra {
		if p == path {
			return true
		}
	}
	return false
}

func (w *Watcher) debounceLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.debounceDelay / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.flush()
		}
	}
}

// flush reports files that have been quiet for the debounce delay.
func (w *Watcher) flush() {
	w.pendingMu.Lock()
	now := time.Now()
	var changed []string
	for path, at := range w.pending {
		if now.Sub(at) >= w.debounceDelay {
			changed = append(changed, path)
			delete(w.pending, path)
		}
	}
	w.pendingMu.Unlock()
	if len(changed) == 0 {
		return
	}

	sort.Strings(changed)
	for _, path := range changed {
		for _, d := range w.dirs {
			if name, ok := d.Invalidate(path); ok {
				w.config.Log(2, "Watcher: invalidated module %s", name)
			}
		}
	}
	w.config.Log(1, "Watcher: %d file(s) changed", len(changed))
	if w.onChange != nil {
		w.onChange(changed)
	}
}
