// Package store keeps the session catalog: which session files exist under
// the projects root, their fingerprints and derived metadata, and aliases.
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"convlog/internal/claude"
	"convlog/internal/db"
	"convlog/internal/graph"
	"convlog/internal/logging"
	"convlog/internal/model"
	"convlog/internal/usage"
	"convlog/internal/workqueue"
)

// Options configures a Catalog.
type Options struct {
	Root           string
	DB             *db.DB // nil keeps everything in memory
	Queue          *workqueue.Queue
	Fingerprint    FingerprintMode
	Pricing        usage.Pricing
	Workers        int
	GraphCacheSize int
	DecoderOptions []claude.Option
	Logger         *slog.Logger
}

// Entry is the catalog's view of one session file.
type Entry struct {
	ID          string                `json:"id"`
	Alias       string                `json:"alias,omitempty"`
	Project     string                `json:"project"`
	Path        string                `json:"path"`
	Fingerprint model.Fingerprint     `json:"fingerprint"`
	Meta        model.SessionMetadata `json:"meta"`
}

// StartedAt returns the first timestamp of the session.
func (e Entry) StartedAt() time.Time { return e.Meta.FirstAt }

// ProjectInfo summarises one project directory.
type ProjectInfo struct {
	Name         string    `json:"name"`
	Sessions     int       `json:"sessions"`
	Bytes        int64     `json:"bytes"`
	LastActivity time.Time `json:"last_activity"`
}

// RefreshResult reports what a refresh did.
type RefreshResult struct {
	Entries  []Entry
	Failures []error
	Reused   int
	Derived  int
	Pruned   int
}

// Catalog indexes session files under a projects root. Entries are replaced
// whole, never mutated in place, so readers never see a half-updated entry.
type Catalog struct {
	root    string
	db      *db.DB
	queue   *workqueue.Queue
	mode    FingerprintMode
	pricing usage.Pricing
	workers int
	decOpts []claude.Option
	log     *slog.Logger
	graphs  *lru.Cache[string, *graph.Graph]

	loadOnce sync.Once
	loadErr  error

	mu        sync.RWMutex
	entries   map[string]*Entry // by path
	aliases   map[string]string // session id → alias
	refreshed bool
}

// New returns a catalog rooted at opts.Root.
func New(opts Options) (*Catalog, error) {
	if opts.Root == "" {
		return nil, errors.New("root directory is required")
	}
	if opts.Queue == nil {
		opts.Queue = workqueue.New(workqueue.Options{Workers: opts.Workers})
	}
	if opts.Pricing.Models == nil {
		opts.Pricing = usage.DefaultPricing()
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.GraphCacheSize <= 0 {
		opts.GraphCacheSize = 32
	}
	if opts.Logger == nil {
		opts.Logger = logging.For(logging.CompCatalog)
	}
	graphs, err := lru.New[string, *graph.Graph](opts.GraphCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create graph cache: %w", err)
	}
	return &Catalog{
		root:    opts.Root,
		db:      opts.DB,
		queue:   opts.Queue,
		mode:    opts.Fingerprint,
		pricing: opts.Pricing,
		workers: opts.Workers,
		decOpts: opts.DecoderOptions,
		log:     opts.Logger,
		graphs:  graphs,
		entries: make(map[string]*Entry),
		aliases: make(map[string]string),
	}, nil
}

// Root returns the projects root.
func (c *Catalog) Root() string { return c.root }

// Pricing returns the table used for cost.
func (c *Catalog) Pricing() usage.Pricing { return c.pricing }

// loadPersisted seeds the in-memory maps from the database once.
func (c *Catalog) loadPersisted(ctx context.Context) error {
	c.loadOnce.Do(func() {
		if c.db == nil {
			return
		}
		rows, err := c.db.Sessions(ctx, "")
		if err != nil {
			c.loadErr = err
			return
		}
		aliases, err := c.db.Aliases(ctx)
		if err != nil {
			c.loadErr = err
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, row := range rows {
			c.entries[row.Path] = &Entry{
				ID:          sessionIDFromPath(row.Path),
				Project:     row.Project,
				Path:        row.Path,
				Fingerprint: row.Fingerprint,
				Meta:        row.Meta,
			}
		}
		for id, alias := range aliases {
			c.aliases[id] = alias
		}
		c.log.Debug("catalog_loaded", slog.Int("sessions", len(rows)), slog.Int("aliases", len(aliases)))
	})
	return c.loadErr
}

// Projects lists project directories that hold at least one session file,
// most recently active first.
func (c *Catalog) Projects(ctx context.Context) ([]ProjectInfo, error) {
	dirs, err := os.ReadDir(c.root)
	if err != nil {
		return nil, &model.IOFailure{Path: c.root, Op: "read projects", Err: err}
	}
	var out []ProjectInfo
	for _, d := range dirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !d.IsDir() {
			continue
		}
		files, err := sessionFiles(filepath.Join(c.root, d.Name()))
		if err != nil {
			c.log.Warn("project_unreadable", slog.String("project", d.Name()), slog.String("error", err.Error()))
			continue
		}
		info := ProjectInfo{Name: d.Name()}
		for _, f := range files {
			info.Sessions++
			info.Bytes += f.size
			if f.modTime.After(info.LastActivity) {
				info.LastActivity = f.modTime
			}
		}
		if info.Sessions > 0 {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

type sessionFile struct {
	project string
	path    string
	size    int64
	modTime time.Time
}

// sessionFiles lists *.jsonl files directly inside dir. Subdirectories, such
// as sub-agent transcript folders, are not descended into.
func sessionFiles(dir string) ([]sessionFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	project := filepath.Base(dir)
	var out []sessionFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, sessionFile{
			project: project,
			path:    filepath.Join(dir, e.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
	}
	return out, nil
}

func (c *Catalog) listFiles(project string) ([]sessionFile, []error, error) {
	if project != "" {
		files, err := sessionFiles(filepath.Join(c.root, project))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, nil, &model.NotFoundError{Kind: "project", Ref: project}
			}
			return nil, nil, &model.IOFailure{Path: filepath.Join(c.root, project), Op: "read project", Err: err}
		}
		return files, nil, nil
	}

	dirs, err := os.ReadDir(c.root)
	if err != nil {
		return nil, nil, &model.IOFailure{Path: c.root, Op: "read projects", Err: err}
	}
	var files []sessionFile
	var warnings []error
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		dir := filepath.Join(c.root, d.Name())
		found, err := sessionFiles(dir)
		if err != nil {
			warnings = append(warnings, &model.IOFailure{Path: dir, Op: "read project", Err: err})
			continue
		}
		files = append(files, found...)
	}
	return files, warnings, nil
}

// Refresh brings the catalog up to date for project, or for every project
// when project is empty. Unchanged files are reused; changed or new ones are
// re-derived in a single head-only pass. Sessions are processed in parallel;
// the same session is never processed twice at once.
func (c *Catalog) Refresh(ctx context.Context, project string) (RefreshResult, error) {
	var result RefreshResult
	if err := c.loadPersisted(ctx); err != nil {
		return result, fmt.Errorf("load catalog: %w", err)
	}

	files, warnings, err := c.listFiles(project)
	if err != nil {
		return result, err
	}
	result.Failures = append(result.Failures, warnings...)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			var reused bool
			err := c.queue.Do(gctx, f.path, func(ctx context.Context) error {
				var err error
				_, reused, err = c.refreshOne(ctx, f.project, f.path)
				return err
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && reused:
				result.Reused++
			case err == nil:
				result.Derived++
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return err
			default:
				c.log.Warn("session_refresh_failed", slog.String("path", f.path), slog.String("error", err.Error()))
				result.Failures = append(result.Failures, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	pruned, err := c.prune(ctx, project, files)
	if err != nil {
		result.Failures = append(result.Failures, err)
	}
	result.Pruned = pruned

	if project == "" {
		c.mu.Lock()
		c.refreshed = true
		c.mu.Unlock()
	}

	result.Entries = c.Entries(project)
	c.log.Debug("catalog_refreshed",
		slog.String("project", project),
		slog.Int("reused", result.Reused),
		slog.Int("derived", result.Derived),
		slog.Int("pruned", result.Pruned),
		slog.Int("failures", len(result.Failures)))
	return result, nil
}

// refreshOne re-derives the entry for path unless its fingerprint is
// unchanged. It runs under the queue key for path.
func (c *Catalog) refreshOne(ctx context.Context, project, path string) (Entry, bool, error) {
	fp, err := Fingerprint(path, c.mode)
	if err != nil {
		return Entry{}, false, err
	}

	c.mu.RLock()
	old := c.entries[path]
	c.mu.RUnlock()
	if old != nil && old.Fingerprint.Equal(fp) {
		return *old, true, nil
	}

	meta, err := graph.LoadMetadata(path, c.pricing, c.decOpts...)
	if err != nil {
		return Entry{}, false, err
	}
	id := sessionIDFromPath(path)
	if meta.SessionID == "" {
		meta.SessionID = id
	}
	entry := &Entry{ID: id, Project: project, Path: path, Fingerprint: fp, Meta: meta}

	if c.db != nil {
		if err := c.db.PutSession(ctx, db.SessionRow{
			Path: path, Project: project, SessionID: id, Fingerprint: fp, Meta: meta,
		}); err != nil {
			return Entry{}, false, err
		}
	}

	c.mu.Lock()
	c.entries[path] = entry
	c.mu.Unlock()
	return *entry, false, nil
}

// prune drops entries in scope whose file is gone.
func (c *Catalog) prune(ctx context.Context, project string, files []sessionFile) (int, error) {
	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[f.path] = true
	}

	c.mu.Lock()
	var gone []string
	for path, e := range c.entries {
		if (project == "" || e.Project == project) && !present[path] {
			gone = append(gone, path)
			delete(c.entries, path)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, path := range gone {
		c.purgeGraphs(path)
		if c.db != nil {
			if err := c.db.DeleteSession(ctx, path); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return len(gone), errors.Join(errs...)
}

// Entries returns a snapshot of the catalog for project (all when empty),
// newest first.
func (c *Catalog) Entries(project string) []Entry {
	c.mu.RLock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		if project != "" && e.Project != project {
			continue
		}
		entry := *e
		entry.Alias = c.aliases[entry.ID]
		out = append(out, entry)
	}
	c.mu.RUnlock()
	sortEntries(out)
	return out
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].StartedAt(), entries[j].StartedAt()
		if !a.Equal(b) {
			return a.After(b)
		}
		return entries[i].Path < entries[j].Path
	})
}

// ListOptions filters Sessions.
type ListOptions struct {
	Project  string
	CWD      string
	ExactCWD bool
	After    *time.Time
	Before   *time.Time
	Limit    int
}

// Sessions refreshes the scope and returns matching entries newest first,
// together with per-session failures.
func (c *Catalog) Sessions(ctx context.Context, opts ListOptions) ([]Entry, []error, error) {
	res, err := c.Refresh(ctx, opts.Project)
	if err != nil {
		return nil, res.Failures, err
	}

	var out []Entry
	for _, e := range res.Entries {
		if opts.CWD != "" {
			if opts.ExactCWD {
				if e.Meta.CWD != opts.CWD {
					continue
				}
			} else if !strings.HasPrefix(e.Meta.CWD, opts.CWD) {
				continue
			}
		}
		if opts.After != nil && e.StartedAt().Before(*opts.After) {
			continue
		}
		if opts.Before != nil && e.StartedAt().After(*opts.Before) {
			continue
		}
		out = append(out, e)
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, res.Failures, nil
}

// Invalidate forgets what is known about path so the next refresh re-derives
// it and the next graph request rebuilds it.
func (c *Catalog) Invalidate(path string) {
	c.mu.Lock()
	delete(c.entries, path)
	c.mu.Unlock()
	c.purgeGraphs(path)
}

// Graph builds (or returns the cached) full graph for entry. The build runs
// under the session's queue key. A *model.ChainDiscontinuity may accompany a
// usable graph.
func (c *Catalog) Graph(ctx context.Context, entry Entry) (*graph.Graph, error) {
	fp, err := Fingerprint(entry.Path, c.mode)
	if err != nil {
		return nil, err
	}
	key := graphKey(entry.Path, fp)
	if g, ok := c.graphs.Get(key); ok {
		return g, discontinuity(g)
	}

	var g *graph.Graph
	err = c.queue.Do(ctx, entry.Path, func(context.Context) error {
		if cached, ok := c.graphs.Get(key); ok {
			g = cached
			return nil
		}
		built, err := graph.Load(entry.Path, c.pricing, c.decOpts...)
		var disc *model.ChainDiscontinuity
		if err != nil && !errors.As(err, &disc) {
			return err
		}
		if built.SessionID == "" {
			built.SessionID = entry.ID
		}
		c.graphs.Add(key, built)
		g = built
		return nil
	})
	if err != nil {
		return nil, err
	}
	return g, discontinuity(g)
}

func discontinuity(g *graph.Graph) error {
	if g.Discontinuity == nil {
		return nil
	}
	return g.Discontinuity
}

func graphKey(path string, fp model.Fingerprint) string {
	return fmt.Sprintf("%s|%d|%d|%x", path, fp.Size, fp.ModTime, fp.Hash)
}

func (c *Catalog) purgeGraphs(path string) {
	prefix := path + "|"
	for _, key := range c.graphs.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.graphs.Remove(key)
		}
	}
}

func sessionIDFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".jsonl")
}
