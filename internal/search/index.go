// Package search keeps a per-session inverted index over transcript content
// and ranks records with BM25.
package search

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/mattn/go-runewidth"
	"golang.org/x/sync/errgroup"

	"convlog/internal/claude"
	"convlog/internal/logging"
	"convlog/internal/model"
	"convlog/internal/workqueue"
)

// BM25 parameters.
const (
	K1 = 1.2
	B  = 0.75
)

const (
	defaultLimit   = 20
	defaultSnippet = 100
)

// NoLimit as Query.Limit returns every match.
const NoLimit = -1

// SegmentStore persists encoded segments keyed by file path.
type SegmentStore interface {
	SaveSegment(ctx context.Context, path, project string, fp model.Fingerprint, payload []byte) error
	LoadSegment(ctx context.Context, path string) (model.Fingerprint, []byte, bool, error)
	DeleteSegment(ctx context.Context, path string) error
	EachSegment(ctx context.Context, fn func(path string, payload []byte) error) error
}

// Source is one session file version to index.
type Source struct {
	Path        string
	Project     string
	SessionID   string
	Fingerprint model.Fingerprint
}

// Options configures an Index.
type Options struct {
	Store          SegmentStore // nil keeps segments in memory only
	Queue          *workqueue.Queue
	Workers        int
	SnippetChars   int
	DecoderOptions []claude.Option
	Logger         *slog.Logger
}

// Index holds one segment per session file.
type Index struct {
	store   SegmentStore
	queue   *workqueue.Queue
	workers int
	snippet int
	decOpts []claude.Option
	log     *slog.Logger

	tokenized atomic.Int64

	mu       sync.RWMutex
	segments map[string]*Segment // by path
	built    bool
}

// New returns an empty index.
func New(opts Options) *Index {
	if opts.Queue == nil {
		opts.Queue = workqueue.New(workqueue.Options{Workers: opts.Workers})
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.SnippetChars <= 0 {
		opts.SnippetChars = defaultSnippet
	}
	if opts.Logger == nil {
		opts.Logger = logging.For(logging.CompSearch)
	}
	return &Index{
		store:    opts.Store,
		queue:    opts.Queue,
		workers:  opts.Workers,
		snippet:  opts.SnippetChars,
		decOpts:  opts.DecoderOptions,
		log:      opts.Logger,
		segments: make(map[string]*Segment),
	}
}

// UpdateResult reports what an update did.
type UpdateResult struct {
	Rebuilt  int
	Reused   int
	Failures []error
}

// Update brings the segments of sources up to date. A session whose
// fingerprint matches the in-memory or persisted segment is not re-read.
// Each session is updated under its path as queue key, the key the catalog
// refreshes it under. Cancellation stops the update between sessions.
func (ix *Index) Update(ctx context.Context, sources []Source) (UpdateResult, error) {
	var result UpdateResult
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.workers)
	for _, src := range sources {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			var rebuilt bool
			err := ix.queue.Do(gctx, src.Path, func(ctx context.Context) error {
				var err error
				rebuilt, err = ix.updateOne(ctx, src)
				return err
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && rebuilt:
				result.Rebuilt++
			case err == nil:
				result.Reused++
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return err
			default:
				ix.log.Warn("segment_build_failed", slog.String("path", src.Path), slog.String("error", err.Error()))
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

	ix.mu.Lock()
	ix.built = true
	ix.mu.Unlock()
	ix.log.Debug("index_updated",
		slog.Int("rebuilt", result.Rebuilt),
		slog.Int("reused", result.Reused),
		slog.Int("failures", len(result.Failures)))
	return result, nil
}

func (ix *Index) updateOne(ctx context.Context, src Source) (bool, error) {
	ix.mu.RLock()
	cur := ix.segments[src.Path]
	ix.mu.RUnlock()
	if cur != nil && cur.Fingerprint.Equal(src.Fingerprint) {
		return false, nil
	}

	if ix.store != nil {
		fp, payload, found, err := ix.store.LoadSegment(ctx, src.Path)
		if err != nil {
			return false, err
		}
		if found && fp.Equal(src.Fingerprint) {
			seg, err := DecodeSegment(payload)
			if err == nil {
				ix.publish(seg)
				return false, nil
			}
			ix.log.Debug("segment_decode_failed", slog.String("path", src.Path), slog.String("error", err.Error()))
		}
	}

	seg, err := BuildSegment(ctx, src, ix.decOpts...)
	if err != nil {
		return false, err
	}
	ix.tokenized.Add(1)

	if ix.store != nil {
		payload, err := seg.Encode()
		if err != nil {
			return false, err
		}
		if err := ix.store.SaveSegment(ctx, src.Path, src.Project, src.Fingerprint, payload); err != nil {
			return false, err
		}
	}
	ix.publish(seg)
	return true, nil
}

// Load publishes every persisted segment not already in memory, without
// reading session files. Loaded segments may be stale; Search re-reads each
// hit and drops records that changed. The index counts as built once any
// segment is loaded.
func (ix *Index) Load(ctx context.Context) (int, error) {
	if ix.store == nil {
		return 0, nil
	}
	loaded := 0
	err := ix.store.EachSegment(ctx, func(path string, payload []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		seg, err := DecodeSegment(payload)
		if err != nil {
			ix.log.Warn("segment_decode_failed", slog.String("path", path), slog.String("error", err.Error()))
			return nil
		}
		seg.Path = path
		ix.mu.Lock()
		if _, ok := ix.segments[path]; !ok {
			ix.segments[path] = seg
			loaded++
		}
		ix.mu.Unlock()
		return nil
	})

	ix.mu.Lock()
	if loaded > 0 {
		ix.built = true
	}
	ix.mu.Unlock()
	ix.log.Debug("segments_loaded", slog.Int("loaded", loaded))
	return loaded, err
}

func (ix *Index) publish(seg *Segment) {
	ix.mu.Lock()
	ix.segments[seg.Path] = seg
	ix.mu.Unlock()
}

// Remove drops the segment of path from memory and the store.
func (ix *Index) Remove(ctx context.Context, path string) error {
	ix.mu.Lock()
	delete(ix.segments, path)
	ix.mu.Unlock()
	if ix.store != nil {
		return ix.store.DeleteSegment(ctx, path)
	}
	return nil
}

// Prune removes every segment whose path is not in live.
func (ix *Index) Prune(ctx context.Context, live map[string]bool) (int, error) {
	ix.mu.RLock()
	var gone []string
	for path := range ix.segments {
		if !live[path] {
			gone = append(gone, path)
		}
	}
	ix.mu.RUnlock()

	var errs []error
	for _, path := range gone {
		if err := ix.Remove(ctx, path); err != nil {
			errs = append(errs, err)
		}
	}
	return len(gone), errors.Join(errs...)
}

// Stats describes the index.
type Stats struct {
	Built     bool  `json:"built"`
	Segments  int   `json:"segments"`
	Docs      int   `json:"docs"`
	Terms     int   `json:"terms"`
	Tokenized int64 `json:"tokenized"` // segments built from file content by this process
}

// Stats returns counters.
func (ix *Index) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	s := Stats{Built: ix.built, Segments: len(ix.segments), Tokenized: ix.tokenized.Load()}
	for _, seg := range ix.segments {
		s.Docs += len(seg.Docs)
		s.Terms += len(seg.Postings)
	}
	return s
}

// Built reports whether an update has completed.
func (ix *Index) Built() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.built
}

// Query is a search request.
type Query struct {
	Text    string
	Project string    // empty for all projects
	Limit   int       // 20 when zero, NoLimit for every match
	Fields  []Field   // FieldText when empty
	Since   time.Time // zero for no lower bound
}

// Match is one ranked record field.
type Match struct {
	SessionID string    `json:"session_id"`
	Project   string    `json:"project"`
	Path      string    `json:"path"`
	RecordID  string    `json:"record_id,omitempty"`
	Line      int       `json:"line"`
	Field     Field     `json:"field"`
	Role      string    `json:"role"`
	Timestamp time.Time `json:"timestamp,omitzero"`
	Score     float64   `json:"score"`
	Snippet   string    `json:"snippet"`
}

type candidate struct {
	seg   *Segment
	doc   int32
	score float64
	hits  []bool // per query term
}

func (c *candidate) d() *Doc { return &c.seg.Docs[c.doc] }

// Search ranks record fields against q across every session in scope.
// Quoted phrases must appear verbatim. It returns model.ErrIndexUnavailable
// until an Update or Load has populated the index.
func (ix *Index) Search(ctx context.Context, q Query) ([]Match, error) {
	ix.mu.RLock()
	if !ix.built {
		ix.mu.RUnlock()
		return nil, model.ErrIndexUnavailable
	}
	var segs []*Segment
	for _, seg := range ix.segments {
		if q.Project == "" || seg.Project == q.Project {
			segs = append(segs, seg)
		}
	}
	ix.mu.RUnlock()

	parsed := parseQuery(q.Text)
	if len(parsed.terms) == 0 || len(segs) == 0 {
		return nil, nil
	}
	if q.Limit == 0 {
		q.Limit = defaultLimit
	}
	fields := make(map[Field]bool)
	for _, f := range q.Fields {
		fields[f] = true
	}
	if len(fields) == 0 {
		fields[FieldText] = true
	}
	inScope := func(d *Doc) bool {
		return fields[d.Field] && (q.Since.IsZero() || !d.Timestamp.Before(q.Since))
	}

	// corpus statistics over the docs in scope
	var n, totalLen int
	df := make([]int, len(parsed.terms))
	for _, seg := range segs {
		for i := range seg.Docs {
			if inScope(&seg.Docs[i]) {
				n++
				totalLen += seg.Docs[i].Length
			}
		}
		for ti, term := range parsed.terms {
			for _, p := range seg.Postings[term] {
				if inScope(&seg.Docs[p.Doc]) {
					df[ti]++
				}
			}
		}
	}
	if n == 0 {
		return nil, nil
	}
	avgdl := float64(totalLen) / float64(n)

	type key struct {
		seg *Segment
		doc int32
	}
	cands := make(map[key]*candidate)
	for _, seg := range segs {
		for ti, term := range parsed.terms {
			if df[ti] == 0 {
				continue
			}
			w := idf(n, df[ti])
			for _, p := range seg.Postings[term] {
				d := &seg.Docs[p.Doc]
				if !inScope(d) {
					continue
				}
				k := key{seg, p.Doc}
				c := cands[k]
				if c == nil {
					c = &candidate{seg: seg, doc: p.Doc, hits: make([]bool, len(parsed.terms))}
					cands[k] = c
				}
				tf := float64(p.TF)
				c.score += w * tf * (K1 + 1) / (tf + K1*(1-B+B*float64(d.Length)/avgdl))
				c.hits[ti] = true
			}
		}
	}

	ranked := make([]*candidate, 0, len(cands))
	for _, c := range cands {
		if hasPhraseTerms(c, parsed) {
			ranked = append(ranked, c)
		}
	}
	sort.Slice(ranked, func(i, j int) bool { return less(ranked[i], ranked[j]) })

	var out []Match
	for _, c := range ranked {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		d := c.d()
		rec, err := claude.ReadRecordAt(c.seg.Path, d.Offset, d.Line, ix.decOpts...)
		if err != nil || rec.ID != d.RecordID {
			ix.log.Debug("search_record_stale", slog.String("path", c.seg.Path), slog.Int("line", d.Line))
			continue
		}
		text := fieldText(&rec, d.Field)
		if len(parsed.phrases) > 0 {
			tokens := Tokenize(text)
			ok := true
			for _, phrase := range parsed.phrases {
				if !containsPhrase(tokens, phrase) {
					ok = false
					break
				}
			}
			if !ok {
				continue
			}
		}
		out = append(out, Match{
			SessionID: c.seg.SessionID,
			Project:   c.seg.Project,
			Path:      c.seg.Path,
			RecordID:  d.RecordID,
			Line:      d.Line,
			Field:     d.Field,
			Role:      d.Role,
			Timestamp: d.Timestamp,
			Score:     c.score,
			Snippet:   Snippet(text, parsed.terms, ix.snippet),
		})
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// idf is ln((N - df + 0.5) / (df + 0.5) + 1), always positive.
func idf(n, df int) float64 {
	return math.Log((float64(n-df)+0.5)/(float64(df)+0.5) + 1.0)
}

// hasPhraseTerms rejects candidates missing a token of a required phrase
// before the file is touched.
func hasPhraseTerms(c *candidate, q parsedQuery) bool {
	if len(q.phrases) == 0 {
		return true
	}
	pos := make(map[string]int, len(q.terms))
	for i, t := range q.terms {
		pos[t] = i
	}
	for _, phrase := range q.phrases {
		for _, t := range phrase {
			if !c.hits[pos[t]] {
				return false
			}
		}
	}
	return true
}

// less orders by score, then newer timestamp, session id, line and field.
func less(a, b *candidate) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	da, db := a.d(), b.d()
	if !da.Timestamp.Equal(db.Timestamp) {
		return da.Timestamp.After(db.Timestamp)
	}
	if a.seg.SessionID != b.seg.SessionID {
		return a.seg.SessionID < b.seg.SessionID
	}
	if a.seg.Path != b.seg.Path {
		return a.seg.Path < b.seg.Path
	}
	if da.Line != db.Line {
		return da.Line < db.Line
	}
	return da.Field < db.Field
}

// Snippet returns about width runes of text around the earliest occurrence
// of any term, with whitespace collapsed. Cuts are marked with "…".
func Snippet(text string, terms []string, width int) string {
	if width <= 0 {
		width = defaultSnippet
	}
	runes := []rune(strings.Join(strings.Fields(text), " "))
	if len(runes) <= width {
		return string(runes)
	}

	lower := make([]rune, len(runes))
	for i, r := range runes {
		lower[i] = unicode.ToLower(r)
	}
	hay := string(lower)
	pos := -1
	for _, t := range terms {
		if i := strings.Index(hay, t); i >= 0 {
			if rp := utf8.RuneCountInString(hay[:i]); pos < 0 || rp < pos {
				pos = rp
			}
		}
	}

	start := 0
	if pos > 0 {
		start = max(0, pos-width/4)
	}
	end := min(len(runes), start+width)
	start = max(0, end-width)

	out := string(runes[start:end])
	if start > 0 {
		out = "…" + out
	}
	if end < len(runes) {
		out += "…"
	}
	return runewidth.Truncate(out, width+2, "…")
}
