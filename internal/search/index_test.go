package search

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convlog/internal/db"
	"convlog/internal/model"
	"convlog/internal/workqueue"
)

func userLine(id, ts, text string) string {
	b, _ := json.Marshal(map[string]any{
		"type": "user", "uuid": id, "timestamp": ts,
		"message": map[string]any{"role": "user", "content": text},
	})
	return string(b)
}

func assistantLine(id, parent, ts, thinking, text string) string {
	b, _ := json.Marshal(map[string]any{
		"type": "assistant", "uuid": id, "parentUuid": parent, "timestamp": ts,
		"message": map[string]any{
			"id": "msg_" + id, "role": "assistant", "model": "claude-sonnet-4",
			"content": []map[string]any{
				{"type": "thinking", "thinking": thinking},
				{"type": "text", "text": text},
			},
		},
	})
	return string(b)
}

// writeSession writes lines as project/id.jsonl under root.
func writeSession(t *testing.T, root, project, id string, lines ...string) Source {
	t.Helper()
	dir := filepath.Join(root, project)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, id+".jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return sourceFor(t, path, project, id)
}

func sourceFor(t *testing.T, path, project, id string) Source {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return Source{
		Path:        path,
		Project:     project,
		SessionID:   id,
		Fingerprint: model.Fingerprint{Size: info.Size(), ModTime: info.ModTime().UnixNano()},
	}
}

func filler(prefix string, n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return strings.Join(words, " ")
}

func build(t *testing.T, ix *Index, sources ...Source) UpdateResult {
	t.Helper()
	res, err := ix.Update(context.Background(), sources)
	require.NoError(t, err)
	require.Empty(t, res.Failures)
	return res
}

func recordIDs(matches []Match) []string {
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.RecordID
	}
	return out
}

func TestSearchBeforeBuild(t *testing.T) {
	ix := New(Options{})
	_, err := ix.Search(context.Background(), Query{Text: "anything"})
	assert.ErrorIs(t, err, model.ErrIndexUnavailable)
}

func TestSearchTermFrequencyAndLength(t *testing.T) {
	root := t.TempDir()
	dense := strings.Repeat("widget ", 5) + filler("alpha", 15)
	sparse := "widget " + filler("beta", 199)
	src := writeSession(t, root, "p", "s1",
		userLine("sparse", "2025-01-01T10:00:00Z", sparse),
		userLine("dense", "2025-01-01T09:00:00Z", dense),
	)
	ix := New(Options{})
	build(t, ix, src)

	got, err := ix.Search(context.Background(), Query{Text: "widget"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []string{"dense", "sparse"}, recordIDs(got))
	assert.Greater(t, got[0].Score, got[1].Score)
}

func TestSearchAllTermsOutrankSubset(t *testing.T) {
	root := t.TempDir()
	a := writeSession(t, root, "p", "s1",
		userLine("subset", "2025-01-02T10:00:00Z", "database backup plan notes"),
	)
	b := writeSession(t, root, "p", "s2",
		userLine("all", "2025-01-01T10:00:00Z", "database migration plan notes"),
		userLine("other", "2025-01-01T10:01:00Z", "unrelated chatter here"),
	)
	ix := New(Options{})
	build(t, ix, a, b)

	got, err := ix.Search(context.Background(), Query{Text: "database migration"})
	require.NoError(t, err)
	assert.Equal(t, []string{"all", "subset"}, recordIDs(got), "results merge across sessions")
	assert.Equal(t, "s2", got[0].SessionID)
}

func TestSearchQuotedPhrase(t *testing.T) {
	root := t.TempDir()
	src := writeSession(t, root, "p", "s1",
		userLine("phrase", "2025-01-01T10:00:00Z", "we discussed the serialization format yesterday"),
		userLine("apart", "2025-01-01T10:01:00Z", "format the output before serialization"),
	)
	ix := New(Options{})
	build(t, ix, src)
	ctx := context.Background()

	got, err := ix.Search(ctx, Query{Text: `"serialization format"`})
	require.NoError(t, err)
	assert.Equal(t, []string{"phrase"}, recordIDs(got))

	got, err = ix.Search(ctx, Query{Text: "serialization format"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"phrase", "apart"}, recordIDs(got))
}

func TestSearchPhraseAcrossSessions(t *testing.T) {
	root := t.TempDir()
	phrase := writeSession(t, root, "p", "s1",
		userLine("chosen", "2025-01-02T10:00:00Z", "we chose a serialization format for the cache"))
	repeated := writeSession(t, root, "p", "s2",
		userLine("disk", "2025-01-03T10:00:00Z", "format the disk then format the partition and format again"))
	ix := New(Options{})
	build(t, ix, phrase, repeated)
	ctx := context.Background()

	got, err := ix.Search(ctx, Query{Text: `"serialization format"`})
	require.NoError(t, err)
	assert.Equal(t, []string{"chosen"}, recordIDs(got))

	got, err = ix.Search(ctx, Query{Text: "serialization format"})
	require.NoError(t, err)
	require.Equal(t, []string{"chosen", "disk"}, recordIDs(got), "ranked globally across sessions")
	assert.Greater(t, got[0].Score, got[1].Score)
	assert.Equal(t, []string{"s1", "s2"}, []string{got[0].SessionID, got[1].SessionID})

	again := writeSession(t, root, "p", "s3",
		userLine("again", "2025-01-05T10:00:00Z", "we chose a serialization format for the cache"))
	build(t, ix, phrase, repeated, again)

	got, err = ix.Search(ctx, Query{Text: `"serialization format"`})
	require.NoError(t, err)
	require.Equal(t, []string{"again", "chosen"}, recordIDs(got), "equal scores put the newer record first")
	assert.Equal(t, got[0].Score, got[1].Score)
}

func TestSearchLimit(t *testing.T) {
	root := t.TempDir()
	lines := make([]string, 25)
	for i := range lines {
		lines[i] = userLine(fmt.Sprintf("u%02d", i), fmt.Sprintf("2025-01-01T10:00:%02dZ", i), "checkpoint reached")
	}
	ix := New(Options{})
	build(t, ix, writeSession(t, root, "p", "s1", lines...))
	ctx := context.Background()

	got, err := ix.Search(ctx, Query{Text: "checkpoint"})
	require.NoError(t, err)
	assert.Len(t, got, defaultLimit)

	got, err = ix.Search(ctx, Query{Text: "checkpoint", Limit: NoLimit})
	require.NoError(t, err)
	assert.Len(t, got, 25)
	assert.Equal(t, "u24", got[0].RecordID)
}

func TestSearchTiesPreferNewer(t *testing.T) {
	root := t.TempDir()
	older := writeSession(t, root, "p", "s1", userLine("old", "2025-01-01T10:00:00Z", "kubernetes rollout"))
	newer := writeSession(t, root, "p", "s2", userLine("new", "2025-01-03T10:00:00Z", "kubernetes rollout"))
	ix := New(Options{})
	build(t, ix, older, newer)

	got, err := ix.Search(context.Background(), Query{Text: "kubernetes"})
	require.NoError(t, err)
	assert.Equal(t, []string{"new", "old"}, recordIDs(got))
	assert.Equal(t, got[0].Score, got[1].Score)
}

func TestSearchFieldsProjectAndSince(t *testing.T) {
	root := t.TempDir()
	a := writeSession(t, root, "alpha", "s1",
		userLine("u1", "2025-01-01T10:00:00Z", "plan the refactor"),
		assistantLine("a1", "u1", "2025-01-01T10:00:05Z", "consider the goroutine leak", "here is the plan"),
	)
	b := writeSession(t, root, "beta", "s2",
		userLine("u2", "2025-02-01T10:00:00Z", "another plan entirely"),
	)
	ix := New(Options{})
	build(t, ix, a, b)
	ctx := context.Background()

	got, err := ix.Search(ctx, Query{Text: "goroutine"})
	require.NoError(t, err)
	assert.Empty(t, got, "thinking is not searched by default")

	got, err = ix.Search(ctx, Query{Text: "goroutine", Fields: []Field{FieldThinking}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, FieldThinking, got[0].Field)
	assert.Equal(t, "assistant", got[0].Role)

	got, err = ix.Search(ctx, Query{Text: "plan", Project: "alpha"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "a1"}, recordIDs(got))

	got, err = ix.Search(ctx, Query{Text: "plan", Since: time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, recordIDs(got))

	got, err = ix.Search(ctx, Query{Text: "plan", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = ix.Search(ctx, Query{Text: "the of"})
	require.NoError(t, err)
	assert.Empty(t, got, "stop words only")
}

func TestUpdateSkipsUnchangedSessions(t *testing.T) {
	root := t.TempDir()
	src := writeSession(t, root, "p", "s1", userLine("u1", "2025-01-01T10:00:00Z", "persistent segments"))
	ix := New(Options{})

	res := build(t, ix, src)
	assert.Equal(t, 1, res.Rebuilt)
	res = build(t, ix, src)
	assert.Equal(t, 0, res.Rebuilt)
	assert.Equal(t, 1, res.Reused)
	assert.Equal(t, int64(1), ix.Stats().Tokenized)

	src = writeSession(t, root, "p", "s1",
		userLine("u1", "2025-01-01T10:00:00Z", "persistent segments"),
		userLine("u2", "2025-01-01T10:00:01Z", "appended later"),
	)
	res = build(t, ix, src)
	assert.Equal(t, 1, res.Rebuilt)
	assert.Equal(t, int64(2), ix.Stats().Tokenized)
}

func TestSegmentsPersistAcrossIndexes(t *testing.T) {
	root := t.TempDir()
	src := writeSession(t, root, "p", "s1", userLine("u1", "2025-01-01T10:00:00Z", "persistent segments"))
	store, err := db.Open(db.Memory)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	first := New(Options{Store: store})
	build(t, first, src)

	second := New(Options{Store: store})
	res := build(t, second, src)
	assert.Equal(t, 1, res.Reused)
	assert.Zero(t, second.Stats().Tokenized, "segment came from the store")

	got, err := second.Search(context.Background(), Query{Text: "persistent"})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, recordIDs(got))

	n, err := second.Prune(context.Background(), map[string]bool{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, _, found, err := store.LoadSegment(context.Background(), src.Path)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLoadPublishesPersistedSegments(t *testing.T) {
	root := t.TempDir()
	a := writeSession(t, root, "p", "s1", userLine("u1", "2025-01-01T10:00:00Z", "persistent segments"))
	b := writeSession(t, root, "q", "s2", userLine("u2", "2025-01-02T10:00:00Z", "more segments"))
	store, err := db.Open(db.Memory)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	empty := New(Options{Store: store})
	n, err := empty.Load(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.False(t, empty.Built(), "nothing persisted yet")

	build(t, New(Options{Store: store}), a, b)

	loaded := New(Options{Store: store})
	n, err = loaded.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, loaded.Built())
	assert.Zero(t, loaded.Stats().Tokenized)

	got, err := loaded.Search(ctx, Query{Text: "segments"})
	require.NoError(t, err)
	assert.Equal(t, []string{"u2", "u1"}, recordIDs(got))

	got, err = loaded.Search(ctx, Query{Text: "segments", Project: "p"})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, recordIDs(got))

	res := build(t, loaded, a, b)
	assert.Equal(t, 2, res.Reused, "loaded segments satisfy the fingerprint check")
}

func TestUpdateWaitsForSessionKey(t *testing.T) {
	root := t.TempDir()
	src := writeSession(t, root, "p", "s1", userLine("u1", "2025-01-01T10:00:00Z", "fine"))
	q := workqueue.New(workqueue.Options{Workers: 4})
	ix := New(Options{Queue: q})
	ctx := context.Background()

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = q.Do(ctx, src.Path, func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	done := make(chan error, 1)
	go func() {
		_, err := ix.Update(ctx, []Source{src})
		done <- err
	}()
	select {
	case err := <-done:
		t.Fatalf("update ran while the session key was held: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-done)
	assert.True(t, ix.Built())
}

func TestUpdateReportsUnreadableSessions(t *testing.T) {
	root := t.TempDir()
	ok := writeSession(t, root, "p", "s1", userLine("u1", "2025-01-01T10:00:00Z", "fine"))
	missing := Source{Path: filepath.Join(root, "p", "gone.jsonl"), Project: "p", SessionID: "gone"}

	ix := New(Options{})
	res, err := ix.Update(context.Background(), []Source{ok, missing})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rebuilt)
	require.Len(t, res.Failures, 1)
	assert.True(t, ix.Built())
}

func TestUpdateCancelled(t *testing.T) {
	root := t.TempDir()
	src := writeSession(t, root, "p", "s1", userLine("u1", "2025-01-01T10:00:00Z", "fine"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ix := New(Options{})
	_, err := ix.Update(ctx, []Source{src})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ix.Built())
}

func TestSegmentEncodeDecode(t *testing.T) {
	root := t.TempDir()
	src := writeSession(t, root, "p", "s1",
		userLine("u1", "2025-01-01T10:00:00Z", "hello world"),
		"{broken",
	)
	seg, err := BuildSegment(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 1, seg.Faults)

	payload, err := seg.Encode()
	require.NoError(t, err)
	back, err := DecodeSegment(payload)
	require.NoError(t, err)
	assert.Equal(t, seg.Docs, back.Docs)
	assert.Equal(t, seg.Postings, back.Postings)
}

func TestSnippet(t *testing.T) {
	text := filler("lead", 40) + " the needle sits here " + filler("tail", 40)
	s := Snippet(text, []string{"needle"}, 60)
	assert.Contains(t, s, "needle")
	assert.True(t, strings.HasPrefix(s, "…"))
	assert.True(t, strings.HasSuffix(s, "…"))

	assert.Equal(t, "short text", Snippet("short\n\ntext", []string{"text"}, 60))
}
