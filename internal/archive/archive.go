// Package archive is the entry point used by the CLI and the MCP server. It
// wires the database, work queue, session catalog and search index together.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"convlog/internal/claude"
	"convlog/internal/config"
	"convlog/internal/db"
	"convlog/internal/graph"
	"convlog/internal/logging"
	"convlog/internal/model"
	"convlog/internal/search"
	"convlog/internal/store"
	"convlog/internal/usage"
	"convlog/internal/workqueue"
)

// Option customises Open.
type Option func(*options)

type options struct {
	dbPath  string
	noLocks bool
	now     func() time.Time
}

// WithDatabase overrides the database location; db.Memory keeps it private
// to the process.
func WithDatabase(path string) Option {
	return func(o *options) { o.dbPath = path }
}

// WithoutLockFiles disables cross-process lock files.
func WithoutLockFiles() Option {
	return func(o *options) { o.noLocks = true }
}

// WithClock sets the clock used for stats windows.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Archive answers queries over a projects root.
type Archive struct {
	cfg     *config.Config
	db      *db.DB
	catalog *store.Catalog
	index   *search.Index
	now     func() time.Time
	log     *slog.Logger

	loadOnce sync.Once
}

// Open builds an archive from cfg.
func Open(cfg *config.Config, opts ...Option) (*Archive, error) {
	o := options{dbPath: db.DefaultPath(cfg.CacheDir), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	database, err := db.Open(o.dbPath)
	if err != nil {
		return nil, err
	}

	qopts := workqueue.Options{Workers: cfg.Workers}
	if !o.noLocks && cfg.CacheDir != "" {
		qopts.LockDir = cfg.LockDir()
	}
	queue := workqueue.New(qopts)
	decOpts := []claude.Option{claude.WithKeepUnknown(cfg.KeepUnknown)}

	catalog, err := store.New(store.Options{
		Root:           cfg.ProjectsDir,
		DB:             database,
		Queue:          queue,
		Fingerprint:    store.ParseFingerprintMode(cfg.Fingerprint),
		Pricing:        cfg.PricingTable(),
		Workers:        cfg.Workers,
		GraphCacheSize: cfg.GraphCacheSize,
		DecoderOptions: decOpts,
	})
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	index := search.New(search.Options{
		Store:          database,
		Queue:          queue,
		Workers:        cfg.Workers,
		SnippetChars:   cfg.Search.SnippetChars,
		DecoderOptions: decOpts,
	})

	return &Archive{
		cfg:     cfg,
		db:      database,
		catalog: catalog,
		index:   index,
		now:     o.now,
		log:     logging.For(logging.CompArchive),
	}, nil
}

// Close releases the database.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Config returns the configuration the archive was opened with.
func (a *Archive) Config() *config.Config { return a.cfg }

// ListProjects lists projects with at least one session.
func (a *Archive) ListProjects(ctx context.Context) ([]store.ProjectInfo, error) {
	return a.catalog.Projects(ctx)
}

// ListSessions returns sessions newest first with per-session warnings.
func (a *Archive) ListSessions(ctx context.Context, opts store.ListOptions) ([]store.Entry, []error, error) {
	return a.catalog.Sessions(ctx, opts)
}

// Session is a fully loaded session.
type Session struct {
	Entry         store.Entry
	Graph         *graph.Graph
	Metadata      model.SessionMetadata
	Discontinuity *model.ChainDiscontinuity
}

// GetSession resolves ref and builds its graph. Chain discontinuities are
// reported on the session, not as an error.
func (a *Archive) GetSession(ctx context.Context, ref string) (*Session, error) {
	entry, err := a.catalog.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	g, err := a.catalog.Graph(ctx, entry)
	var disc *model.ChainDiscontinuity
	if err != nil && !errors.As(err, &disc) {
		return nil, err
	}
	if disc != nil {
		a.log.Debug("session_discontinuous",
			slog.String("session", entry.ID),
			slog.Int("orphans", len(disc.Orphans)),
			slog.Int("cycles", len(disc.Cycles)))
	}
	return &Session{Entry: entry, Graph: g, Metadata: g.Metadata, Discontinuity: disc}, nil
}

// ReindexResult reports a reindex.
type ReindexResult struct {
	Catalog store.RefreshResult
	Index   search.UpdateResult
	Pruned  int
}

// Reindex refreshes the catalog for project (all when empty) and brings the
// search segments of its sessions up to date.
func (a *Archive) Reindex(ctx context.Context, project string) (ReindexResult, []error, error) {
	var result ReindexResult
	refreshed, err := a.catalog.Refresh(ctx, project)
	result.Catalog = refreshed
	if err != nil {
		return result, refreshed.Failures, err
	}
	warnings := append([]error(nil), refreshed.Failures...)

	sources := make([]search.Source, 0, len(refreshed.Entries))
	for _, e := range refreshed.Entries {
		sources = append(sources, search.Source{
			Path:        e.Path,
			Project:     e.Project,
			SessionID:   e.ID,
			Fingerprint: e.Fingerprint,
		})
	}
	updated, err := a.index.Update(ctx, sources)
	result.Index = updated
	warnings = append(warnings, updated.Failures...)
	if err != nil {
		return result, warnings, err
	}

	live := make(map[string]bool)
	for _, e := range a.catalog.Entries("") {
		live[e.Path] = true
	}
	pruned, err := a.index.Prune(ctx, live)
	result.Pruned = pruned
	if err != nil {
		warnings = append(warnings, err)
	}
	a.log.Info("reindexed",
		slog.String("project", project),
		slog.Int("sessions", len(sources)),
		slog.Int("rebuilt", updated.Rebuilt),
		slog.Int("pruned", pruned))
	return result, warnings, nil
}

// SearchOptions controls Search.
type SearchOptions struct {
	// BuildIfStale refreshes the catalog and index for the query scope first.
	// Without it the segments persisted by an earlier run are queried as they
	// are; when none exist the search yields no matches and a warning.
	BuildIfStale bool
}

// Search runs q over the index.
func (a *Archive) Search(ctx context.Context, q search.Query, opts SearchOptions) ([]search.Match, []error, error) {
	var warnings []error
	if opts.BuildIfStale {
		_, w, err := a.Reindex(ctx, q.Project)
		warnings = w
		if err != nil {
			return nil, warnings, err
		}
	} else {
		a.loadSegments(ctx)
	}
	if len(q.Fields) == 0 {
		for _, name := range a.cfg.Search.DefaultFields {
			f, err := search.ParseField(name)
			if err != nil {
				return nil, warnings, err
			}
			q.Fields = append(q.Fields, f)
		}
	}
	matches, err := a.index.Search(ctx, q)
	if errors.Is(err, model.ErrIndexUnavailable) {
		return nil, append(warnings, fmt.Errorf("search: %w (run the index command)", err)), nil
	}
	return matches, warnings, err
}

// loadSegments reads the persisted index once per archive.
func (a *Archive) loadSegments(ctx context.Context) {
	a.loadOnce.Do(func() {
		n, err := a.index.Load(ctx)
		if err != nil {
			a.log.Warn("index_load_failed", slog.String("error", err.Error()))
		}
		a.log.Debug("index_loaded", slog.Int("segments", n))
	})
}

// IndexStats describes the search index.
func (a *Archive) IndexStats() search.Stats {
	return a.index.Stats()
}

// Stats aggregates usage for sessions in project (all when empty) that
// started inside window.
func (a *Archive) Stats(ctx context.Context, project string, window usage.Window) (usage.Stats, []error, error) {
	entries, warnings, err := a.catalog.Sessions(ctx, store.ListOptions{Project: project})
	if err != nil {
		return usage.Stats{}, warnings, err
	}
	metas := make([]model.SessionMetadata, len(entries))
	for i, e := range entries {
		metas[i] = e.Meta
	}
	return usage.Aggregate(metas, window, a.now(), a.catalog.Pricing()), warnings, nil
}

// SetAlias names the session ref resolves to.
func (a *Archive) SetAlias(ctx context.Context, ref, alias string) (store.Entry, error) {
	return a.catalog.SetAlias(ctx, ref, alias)
}

// RemoveAlias clears the alias of the session ref resolves to.
func (a *Archive) RemoveAlias(ctx context.Context, ref string) (store.Entry, error) {
	return a.catalog.RemoveAlias(ctx, ref)
}

// Invalidate forgets cached state for a session file that changed on disk.
func (a *Archive) Invalidate(path string) {
	a.catalog.Invalidate(path)
}

// Refresh reindexes project, logging per-session warnings. It lets the
// archive drive a watch.Watcher.
func (a *Archive) Refresh(ctx context.Context, project string) error {
	_, warnings, err := a.Reindex(ctx, project)
	for _, w := range warnings {
		a.log.Warn("reindex_warning", slog.String("project", project), slog.String("error", w.Error()))
	}
	return err
}
