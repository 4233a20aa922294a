package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convlog/internal/model"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(Memory)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func sampleRow(path, project, id string, first time.Time) SessionRow {
	return SessionRow{
		Path:        path,
		Project:     project,
		SessionID:   id,
		Fingerprint: model.Fingerprint{Size: 120, ModTime: first.UnixNano(), Hash: 1 << 63},
		Meta: model.SessionMetadata{
			SessionID: id,
			Messages:  3,
			FirstAt:   first,
			LastAt:    first.Add(time.Minute),
			Usage:     model.Usage{InputTokens: 5},
			ByModel:   map[string]model.Usage{"claude-sonnet-4": {InputTokens: 5}},
			Preview:   "hello",
		},
	}
}

func TestSessionsRoundTripAndOrder(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, d.PutSession(ctx, sampleRow("/p/a.jsonl", "p", "a", base)))
	require.NoError(t, d.PutSession(ctx, sampleRow("/p/b.jsonl", "p", "b", base.Add(time.Hour))))
	require.NoError(t, d.PutSession(ctx, sampleRow("/q/c.jsonl", "q", "c", base)))

	rows, err := d.Sessions(ctx, "p")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "b", rows[0].SessionID, "newest first")
	assert.Equal(t, uint64(1<<63), rows[0].Fingerprint.Hash)
	assert.Equal(t, "hello", rows[0].Meta.Preview)
	assert.True(t, rows[0].Meta.FirstAt.Equal(base.Add(time.Hour)))
	assert.Equal(t, model.Usage{InputTokens: 5}, rows[0].Meta.ByModel["claude-sonnet-4"])

	all, err := d.Sessions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	// replacing keeps one row per path
	updated := sampleRow("/p/a.jsonl", "p", "a", base)
	updated.Meta.Messages = 9
	require.NoError(t, d.PutSession(ctx, updated))
	rows, err = d.Sessions(ctx, "p")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 9, rows[1].Meta.Messages)
}

func TestDeleteSessionRemovesSegment(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t)
	row := sampleRow("/p/a.jsonl", "p", "a", time.Now())
	require.NoError(t, d.PutSession(ctx, row))
	require.NoError(t, d.SaveSegment(ctx, row.Path, "p", row.Fingerprint, []byte("seg")))

	require.NoError(t, d.DeleteSession(ctx, row.Path))

	rows, err := d.Sessions(ctx, "p")
	require.NoError(t, err)
	assert.Empty(t, rows)
	_, _, found, err := d.LoadSegment(ctx, row.Path)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAliases(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t)

	require.NoError(t, d.SetAlias(ctx, "a", "bugfix"))
	require.NoError(t, d.SetAlias(ctx, "b", "bugfix"))
	require.NoError(t, d.SetAlias(ctx, "a", "refactor"))

	aliases, err := d.Aliases(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "refactor", "b": "bugfix"}, aliases)

	require.NoError(t, d.RemoveAlias(ctx, "b"))
	aliases, err = d.Aliases(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "refactor"}, aliases)
}

func TestSegments(t *testing.T) {
	ctx := context.Background()
	d := openTestDB(t)
	fp := model.Fingerprint{Size: 10, ModTime: 20, Hash: 30}

	_, _, found, err := d.LoadSegment(ctx, "/x.jsonl")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, d.SaveSegment(ctx, "/x.jsonl", "p", fp, []byte{1, 2, 3}))
	require.NoError(t, d.SaveSegment(ctx, "/x.jsonl", "p", fp, []byte{4, 5}))

	gotFP, payload, found, err := d.LoadSegment(ctx, "/x.jsonl")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, fp, gotFP)
	assert.Equal(t, []byte{4, 5}, payload)

	require.NoError(t, d.DeleteSegment(ctx, "/x.jsonl"))
	_, _, found, err = d.LoadSegment(ctx, "/x.jsonl")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEachSegment(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	fp := model.Fingerprint{Size: 1, ModTime: 2}

	require.NoError(t, d.SaveSegment(ctx, "/b.jsonl", "p", fp, []byte("b")))
	require.NoError(t, d.SaveSegment(ctx, "/a.jsonl", "q", fp, []byte("a")))

	seen := map[string]string{}
	var order []string
	require.NoError(t, d.EachSegment(ctx, func(path string, payload []byte) error {
		order = append(order, path)
		seen[path] = string(payload)
		return nil
	}))
	assert.Equal(t, []string{"/a.jsonl", "/b.jsonl"}, order)
	assert.Equal(t, map[string]string{"/a.jsonl": "a", "/b.jsonl": "b"}, seen)

	stop := errors.New("stop")
	calls := 0
	err := d.EachSegment(ctx, func(string, []byte) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestOpenFileDatabase(t *testing.T) {
	path := DefaultPath(filepath.Join(t.TempDir(), "cache"))
	d, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, d.SetAlias(context.Background(), "a", "x"))
	require.NoError(t, d.Close())

	d, err = Open(path)
	require.NoError(t, err)
	defer d.Close()
	aliases, err := d.Aliases(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "x", aliases["a"])
}
