// Package watch keeps the catalog and search index current while session
// files change on disk.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"convlog/internal/logging"
)

// Target receives change notifications.
type Target interface {
	// Invalidate drops cached state for a changed session file.
	Invalidate(path string)
	// Refresh brings one project's catalog entries and search segments up to date.
	Refresh(ctx context.Context, project string) error
}

// Options configures a Watcher.
type Options struct {
	Root          string
	Debounce      time.Duration // quiet period per file before an update, 300ms when zero
	RatePerSecond float64       // update throttle, 20 when zero
	Logger        *slog.Logger
}

// Watcher watches the projects root and its project directories. Session
// files live one level down; deeper directories are not watched.
type Watcher struct {
	target   Target
	root     string
	debounce time.Duration
	limiter  *rate.Limiter
	log      *slog.Logger
	fsw      *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
	wg      sync.WaitGroup
}

// New starts watching opts.Root.
func New(target Target, opts Options) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = 300 * time.Millisecond
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 20
	}
	if opts.Logger == nil {
		opts.Logger = logging.For(logging.CompWatch)
	}
	if _, err := os.Stat(opts.Root); err != nil {
		return nil, fmt.Errorf("watch %s: %w", opts.Root, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(opts.Root); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", opts.Root, err)
	}
	w := &Watcher{
		target:   target,
		root:     opts.Root,
		debounce: opts.Debounce,
		limiter:  rate.NewLimiter(rate.Limit(opts.RatePerSecond), 5),
		log:      opts.Logger,
		fsw:      fsw,
		pending:  make(map[string]*time.Timer),
	}

	dirs, _ := os.ReadDir(opts.Root)
	for _, d := range dirs {
		if d.IsDir() {
			w.addDir(filepath.Join(opts.Root, d.Name()))
		}
	}
	return w, nil
}

func (w *Watcher) addDir(dir string) {
	if err := w.fsw.Add(dir); err != nil {
		w.log.Warn("watch_add_failed", slog.String("dir", dir), slog.String("error", err.Error()))
		return
	}
	w.log.Debug("watch_added", slog.String("dir", dir))
}

// Run handles events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.stopPending()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher_error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	// new project directories are picked up as they appear
	if event.Op&fsnotify.Create != 0 && filepath.Dir(event.Name) == w.root {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.addDir(event.Name)
			return
		}
	}

	if !strings.HasSuffix(event.Name, ".jsonl") {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	path := event.Name
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok && t.Stop() {
		w.wg.Done()
	}
	w.wg.Add(1)
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		defer w.wg.Done()
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.update(ctx, path)
	})
}

func (w *Watcher) update(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return
	}
	project := filepath.Base(filepath.Dir(path))
	w.target.Invalidate(path)
	if err := w.target.Refresh(ctx, project); err != nil && !errors.Is(err, context.Canceled) {
		w.log.Warn("watch_refresh_failed", slog.String("project", project), slog.String("error", err.Error()))
		return
	}
	w.log.Debug("watch_updated", slog.String("path", path))
}

func (w *Watcher) stopPending() {
	w.mu.Lock()
	for path, t := range w.pending {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.pending, path)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
