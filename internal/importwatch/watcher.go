// Package importwatch imports snapshot files dropped into a directory.
//
// Files are imported once they stop changing for the settle delay, then moved
// into processed/ (or failed/ when the import is rejected) so a restart does
// not import them twice.
package importwatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kimhsiao/today/backend/internal/export"
	"github.com/kimhsiao/today/backend/internal/logging"
)

const (
	ProcessedDir = "processed"
	FailedDir    = "failed"

	defaultSettle = 500 * time.Millisecond
)

// Importer imports one snapshot file.
type Importer interface {
	ImportFile(ctx context.Context, path string) (*export.ImportResult, error)
}

// Counter receives import outcomes, keyed "import.files" and "import.failed".
type Counter interface {
	RecordCount(name string, delta int64)
}

type nopCounter struct{}

func (nopCounter) RecordCount(string, int64) {}

// Options configures a Watcher.
type Options struct {
	// Settle is how long a file must stay unchanged before it is imported.
	Settle  time.Duration
	Counter Counter
}

// Watcher watches one drop directory.
type Watcher struct {
	dir      string
	importer Importer
	settle   time.Duration
	counter  Counter

	mu      sync.Mutex
	pending map[string]*time.Timer
	work    chan string

	imported atomic.Int64
	failed   atomic.Int64
}

// New creates a Watcher for dir.
func New(dir string, importer Importer, opts Options) *Watcher {
	if opts.Settle <= 0 {
		opts.Settle = defaultSettle
	}
	if opts.Counter == nil {
		opts.Counter = nopCounter{}
	}
	return &Watcher{
		dir:      dir,
		importer: importer,
		settle:   opts.Settle,
		counter:  opts.Counter,
		pending:  make(map[string]*time.Timer),
		work:     make(chan string, 64),
	}
}

// Imported returns the number of files imported successfully.
func (w *Watcher) Imported() int64 { return w.imported.Load() }

// Failed returns the number of files moved to failed/.
func (w *Watcher) Failed() int64 { return w.failed.Load() }

// Run watches the directory until ctx is cancelled. Files already present
// when Run starts are imported first.
func (w *Watcher) Run(ctx context.Context) error {
	for _, d := range []string{w.dir, filepath.Join(w.dir, ProcessedDir), filepath.Join(w.dir, FailedDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("failed to create import directory %s: %w", d, err)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	logging.Info("import watcher started", map[string]interface{}{"dir": w.dir})

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", w.dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.schedule(filepath.Join(w.dir, e.Name()))
		}
	}

	defer w.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.schedule(event.Name)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logging.Warn("import watcher error", map[string]interface{}{"error": err.Error()})

		case path := <-w.work:
			w.process(ctx, path)
		}
	}
}

// schedule (re)arms the settle timer of path. Writes in progress keep
// pushing the import back.
func (w *Watcher) schedule(path string) {
	if !w.accepts(path) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		select {
		case w.work <- path:
		default:
			// Left in place; the startup scan picks it up again.
			logging.Warn("import queue full, file deferred", map[string]interface{}{"file": path})
		}
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) accepts(path string) bool {
	if filepath.Dir(path) != filepath.Clean(w.dir) {
		return false
	}
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") {
		return false
	}
	_, err := export.KindFromPath(name)
	return err == nil
}

func (w *Watcher) process(ctx context.Context, path string) {
	if _, err := os.Stat(path); err != nil {
		// Removed or already moved.
		return
	}

	res, err := w.importer.ImportFile(ctx, path)
	if err != nil {
		w.failed.Add(1)
		w.counter.RecordCount("import.failed", 1)
		logging.Error("snapshot import failed", err, map[string]interface{}{"file": path})
		w.move(path, FailedDir)
		return
	}

	w.imported.Add(1)
	w.counter.RecordCount("import.files", 1)
	logging.Info("snapshot imported", map[string]interface{}{
		"file":     path,
		"imported": res.Imported,
		"skipped":  len(res.Skipped),
	})
	w.move(path, ProcessedDir)
}

func (w *Watcher) move(path, sub string) {
	target := filepath.Join(w.dir, sub, filepath.Base(path))
	if _, err := os.Stat(target); err == nil {
		target = filepath.Join(w.dir, sub, fmt.Sprintf("%d_%s", time.Now().UnixNano(), filepath.Base(path)))
	}
	if err := os.Rename(path, target); err != nil {
		logging.Warn("failed to move imported file", map[string]interface{}{
			"file":  path,
			"error": err.Error(),
		})
	}
}
