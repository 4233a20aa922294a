package graph

import (
	"errors"
	"io"
	"math/rand"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convlog/internal/claude"
	"convlog/internal/model"
	"convlog/internal/usage"
)

func fixturePath(parts ...string) string {
	elems := append([]string{"..", "..", "testdata", "projects"}, parts...)
	return filepath.Join(elems...)
}

func decodeAll(t *testing.T, lines ...string) []model.Record {
	t.Helper()
	dec := claude.NewDecoder(strings.NewReader(strings.Join(lines, "\n")))
	var out []model.Record
	for {
		rec, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
}

func build(t *testing.T, records []model.Record) (*Graph, error) {
	t.Helper()
	b := NewBuilder(usage.DefaultPricing())
	for _, rec := range records {
		b.Add(rec)
	}
	return b.Finish()
}

func parentOf(g *Graph, id string) string {
	n, ok := g.Node(id)
	if !ok || n.IsRoot() {
		return ""
	}
	return g.Nodes[n.Parent].Record.ID
}

func TestLoadPreservesIdentifiersAndEdges(t *testing.T) {
	for _, path := range []string{
		fixturePath("-Users-test-project", "sess-simple-0001.jsonl"),
		fixturePath("-Users-test-other", "sess-other-0003.jsonl"),
	} {
		var input []model.Record
		require.NoError(t, claude.IterateRecords(path, func(rec model.Record) error {
			input = append(input, rec)
			return nil
		}, nil))

		g, err := Load(path, usage.DefaultPricing())
		require.NoError(t, err, path)
		require.Nil(t, g.Discontinuity)

		var wantIDs []string
		for _, rec := range input {
			if rec.HasID() {
				wantIDs = append(wantIDs, rec.ID)
				assert.Equal(t, rec.ParentID, parentOf(g, rec.ID), "parent of %s", rec.ID)
			}
		}
		assert.ElementsMatch(t, wantIDs, g.IDs())
	}
}

func TestSummaryIsDetached(t *testing.T) {
	g, err := Load(fixturePath("-Users-test-project", "sess-simple-0001.jsonl"), usage.DefaultPricing())
	require.NoError(t, err)

	require.Len(t, g.Detached, 1)
	assert.Equal(t, model.EntryTypeSummary, g.Detached[0].Kind)
	assert.Equal(t, 4, g.Len())
	assert.Equal(t, []string{"u1", "a1", "u2", "a2"}, chainIDs(g.Chain("a2")))
	require.Len(t, g.Roots(), 1)
	assert.Equal(t, "u1", g.Roots()[0].Record.ID)
	require.Len(t, g.Leaves(), 1)
	assert.Equal(t, 3, g.Leaves()[0].Depth)
}

func chainIDs(nodes []*Node) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.Record.ID
	}
	return ids
}

func TestMissingRecordPromotesOrphan(t *testing.T) {
	var records []model.Record
	require.NoError(t, claude.IterateRecords(fixturePath("-Users-test-project", "sess-simple-0001.jsonl"), func(rec model.Record) error {
		if rec.ID != "a1" {
			records = append(records, rec)
		}
		return nil
	}, nil))

	g, err := build(t, records)
	var disc *model.ChainDiscontinuity
	require.ErrorAs(t, err, &disc)
	assert.Equal(t, []string{"u2"}, disc.Orphans)
	assert.Equal(t, "sess-simple-0001", disc.SessionID)

	require.NotNil(t, g)
	assert.Equal(t, 3, g.Len(), "no record dropped")
	u2, ok := g.Node("u2")
	require.True(t, ok)
	assert.True(t, u2.IsRoot())
	assert.True(t, u2.Synthetic)
	assert.Equal(t, []string{"u2", "a2"}, chainIDs(g.Chain("a2")))
	assert.True(t, g.Metadata.Discontinuous)
}

func TestLateParentAttaches(t *testing.T) {
	records := decodeAll(t,
		`{"type":"assistant","uuid":"b","parentUuid":"a","timestamp":"2025-01-01T00:00:02Z","message":{"content":"reply"}}`,
		`{"type":"user","uuid":"c","parentUuid":"b","timestamp":"2025-01-01T00:00:03Z","message":{"content":"more"}}`,
		`{"type":"user","uuid":"a","timestamp":"2025-01-01T00:00:01Z","message":{"content":"first"}}`,
	)
	g, err := build(t, records)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, chainIDs(g.Chain("c")))
	assert.Equal(t, []string{"a", "b", "c"}, chainIDs(g.Ordered(OrderOptions{})))
}

func TestCycleIsBroken(t *testing.T) {
	records := decodeAll(t,
		`{"type":"user","uuid":"r","message":{"content":"root"}}`,
		`{"type":"user","uuid":"x","parentUuid":"y","message":{"content":"x"}}`,
		`{"type":"assistant","uuid":"y","parentUuid":"x","message":{"content":"y"}}`,
		`{"type":"user","uuid":"z","parentUuid":"y","message":{"content":"z"}}`,
		`{"type":"user","uuid":"self","parentUuid":"self","message":{"content":"loop"}}`,
	)
	g, err := build(t, records)
	var disc *model.ChainDiscontinuity
	require.ErrorAs(t, err, &disc)
	assert.ElementsMatch(t, []string{"self", "x"}, disc.Cycles)

	assert.Equal(t, 5, g.Len())
	assert.Equal(t, []string{"x", "y", "z"}, chainIDs(g.Chain("z")))
	x, _ := g.Node("x")
	assert.True(t, x.Synthetic)
	assert.Len(t, g.Ordered(OrderOptions{}), 5)
}

func TestDuplicateIdentifierKept(t *testing.T) {
	records := decodeAll(t,
		`{"type":"user","uuid":"a","message":{"content":"one"}}`,
		`{"type":"assistant","uuid":"b","parentUuid":"a","message":{"content":"two"}}`,
		`{"type":"user","uuid":"a","parentUuid":"b","message":{"content":"again"}}`,
	)
	g, err := build(t, records)
	var disc *model.ChainDiscontinuity
	require.ErrorAs(t, err, &disc)
	assert.Equal(t, []string{"a"}, disc.Duplicate)

	assert.Equal(t, 3, g.Len())
	assert.Equal(t, []string{"a", "b", "a"}, g.IDs())
	assert.True(t, g.Nodes[2].Duplicate)
	assert.True(t, g.Nodes[2].IsRoot())
	n, _ := g.Node("a")
	assert.Equal(t, 0, n.Index)
}

func TestThreeRecordToolSession(t *testing.T) {
	records := decodeAll(t,
		`{"type":"user","uuid":"1","sessionId":"s","timestamp":"2025-01-01T00:00:00Z","message":{"role":"user","content":"hello"}}`,
		`{"type":"assistant","uuid":"2","parentUuid":"1","sessionId":"s","timestamp":"2025-01-01T00:00:01Z","message":{"role":"assistant","content":[{"type":"tool_use","id":"toolu_x","name":"Bash","input":{"command":"ls"}}]}}`,
		`{"type":"user","uuid":"3","parentUuid":"2","sessionId":"s","timestamp":"2025-01-01T00:00:03Z","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_x","content":"a.txt"}]}}`,
	)
	g, err := build(t, records)
	require.NoError(t, err)

	assert.Equal(t, 3, g.Len())
	require.Len(t, g.Roots(), 1)
	assert.Equal(t, []string{"1", "2", "3"}, chainIDs(g.Chain("3")))
	assert.Len(t, g.Leaves(), 1)

	assert.True(t, g.Metadata.Usage.IsZero())
	assert.Zero(t, g.Metadata.Cost)
	assert.Equal(t, map[string]int{"Bash": 1}, g.Metadata.ToolCalls)

	require.Len(t, g.Tools, 1)
	inv := g.Tools[0]
	assert.Equal(t, "toolu_x", inv.ID)
	assert.Equal(t, "Bash", inv.Name)
	assert.JSONEq(t, `{"command":"ls"}`, string(inv.Input))
	assert.Equal(t, "2", inv.UseRecordID)
	assert.Equal(t, "3", inv.ResultRecordID)
	assert.Equal(t, model.ToolSuccess, inv.Status)
	assert.Equal(t, "a.txt", inv.Output)
	assert.Equal(t, 2*time.Second, inv.Duration)
}

func TestToolPairingIgnoresParentChain(t *testing.T) {
	records := decodeAll(t,
		`{"type":"user","uuid":"1","message":{"content":"go"}}`,
		`{"type":"assistant","uuid":"2","parentUuid":"1","message":{"content":[{"type":"tool_use","id":"t1","name":"Read","input":{}},{"type":"tool_use","id":"t2","name":"Grep","input":{}}]}}`,
		`{"type":"user","uuid":"3","parentUuid":"1","message":{"content":[{"type":"tool_result","tool_use_id":"t2","content":"boom","is_error":true}]},"toolUseResult":{"durationMs":7}}`,
	)
	g, err := build(t, records)
	require.NoError(t, err)
	require.Len(t, g.Tools, 2)

	read, ok := g.Tool("t1")
	require.True(t, ok)
	assert.Equal(t, model.ToolPending, read.Status)
	assert.Empty(t, read.ResultRecordID)

	grep, ok := g.Tool("t2")
	require.True(t, ok)
	assert.Equal(t, model.ToolError, grep.Status)
	assert.Equal(t, "3", grep.ResultRecordID)
	assert.Equal(t, 7*time.Millisecond, grep.Duration)
}

func TestOrderedFallsBackToFilePosition(t *testing.T) {
	records := decodeAll(t,
		`{"type":"user","uuid":"a","timestamp":"2025-01-01T00:00:05Z","message":{"content":"a"}}`,
		`{"type":"assistant","uuid":"b","parentUuid":"a","timestamp":"garbage","message":{"content":"b"}}`,
		`{"type":"user","uuid":"c","parentUuid":"b","timestamp":"2025-01-01T00:00:05Z","message":{"content":"c"}}`,
		`{"type":"user","uuid":"early","timestamp":"2025-01-01T00:00:01Z","message":{"content":"early"}}`,
	)
	g, err := build(t, records)
	require.NoError(t, err)
	assert.Equal(t, []string{"early", "a", "b", "c"}, chainIDs(g.Ordered(OrderOptions{})))
}

func TestLongChainWithoutRecursion(t *testing.T) {
	const n = 50000
	records := make([]model.Record, n)
	for i := range records {
		records[i] = model.Record{ID: "r" + strconv.Itoa(i), Kind: model.EntryTypeUser, Line: i + 1}
		if i > 0 {
			records[i].ParentID = "r" + strconv.Itoa(i-1)
		}
	}
	// the last record arrives first so it waits on its parent
	records[0], records[n-1] = records[n-1], records[0]

	g, err := build(t, records)
	require.NoError(t, err)
	require.Len(t, g.Roots(), 1)

	tail, ok := g.Node("r" + strconv.Itoa(n-1))
	require.True(t, ok)
	assert.Equal(t, n-1, tail.Depth)
	assert.Len(t, g.Chain(tail.Record.ID), n)

	ordered := g.Ordered(OrderOptions{})
	require.Len(t, ordered, n)
	for i, node := range ordered {
		if node.Record.ID != "r"+strconv.Itoa(i) {
			t.Fatalf("position %d holds %s", i, node.Record.ID)
		}
	}
}

func TestOrderedSidechains(t *testing.T) {
	g, err := Load(fixturePath("-Users-test-other", "sess-other-0003.jsonl"), usage.DefaultPricing())
	require.NoError(t, err)

	assert.Equal(t, []string{"o1", "o2", "o3", "o4"}, chainIDs(g.Ordered(OrderOptions{})))
	assert.Equal(t, []string{"o1", "o2", "s1", "s2", "o3", "o4"}, chainIDs(g.Ordered(OrderOptions{IncludeSidechains: true})))
	s2, _ := g.Node("s2")
	assert.True(t, s2.Sidechain)
	assert.Equal(t, 3, s2.Depth)
}

func TestMetadataSimple(t *testing.T) {
	g, err := Load(fixturePath("-Users-test-project", "sess-simple-0001.jsonl"), usage.DefaultPricing())
	require.NoError(t, err)
	meta := g.Metadata

	assert.Equal(t, "sess-simple-0001", meta.SessionID)
	assert.Equal(t, 5, meta.Records)
	assert.Equal(t, 4, meta.Messages)
	assert.Equal(t, 2, meta.UserMessages)
	assert.Equal(t, "What is Python?", meta.Preview)
	assert.Equal(t, "Python basics", meta.Summary)
	assert.Equal(t, "/Users/test/project", meta.CWD)
	assert.Equal(t, "main", meta.GitBranch)
	assert.Equal(t, 7*time.Second, meta.Duration())
	assert.Equal(t, model.Usage{InputTokens: 22, OutputTokens: 45, CacheReadTokens: 100, CacheWriteTokens: 20}, meta.Usage)
	assert.Equal(t, map[string]int{"claude-sonnet-4-20250514": 2}, meta.ModelMessages)
	assert.Positive(t, meta.Bytes)
	assert.Positive(t, meta.Cost)
}

func TestLoadMetadataMatchesGraphPath(t *testing.T) {
	for _, path := range []string{
		fixturePath("-Users-test-project", "sess-simple-0001.jsonl"),
		fixturePath("-Users-test-project", "sess-tools-0002.jsonl"),
		fixturePath("-Users-test-other", "sess-other-0003.jsonl"),
	} {
		g, err := Load(path, usage.DefaultPricing())
		require.NoError(t, err, path)
		meta, err := LoadMetadata(path, usage.DefaultPricing())
		require.NoError(t, err, path)
		assert.Equal(t, g.Metadata, meta, path)
	}
}

func TestLoadCountsFaults(t *testing.T) {
	g, err := Load(fixturePath("-Users-test-project", "sess-tools-0002.jsonl"), usage.DefaultPricing())
	require.NoError(t, err)
	assert.Equal(t, 1, g.Metadata.Faults)
	require.Len(t, g.Faults, 1)
	assert.Equal(t, 4, g.Faults[0].Line)
	assert.Equal(t, 3, g.Len())

	inv, ok := g.Tool("toolu_01")
	require.True(t, ok)
	assert.Equal(t, 42*time.Millisecond, inv.Duration)
}

func TestAccumulatorOrderIndependent(t *testing.T) {
	var heads []model.Head
	for _, path := range []string{
		fixturePath("-Users-test-project", "sess-simple-0001.jsonl"),
		fixturePath("-Users-test-other", "sess-other-0003.jsonl"),
	} {
		require.NoError(t, claude.ScanHeads(path, func(h model.Head) error {
			heads = append(heads, h)
			return nil
		}, nil))
	}
	// repeated streaming lines for one message must not double count
	dup := heads[2]
	heads = append(heads, dup)

	linear := NewAccumulator(usage.DefaultPricing())
	for _, h := range heads {
		linear.Add(h)
	}
	want := linear.Metadata()
	assert.Equal(t, int64(22+5+3+7), want.Usage.InputTokens)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10; i++ {
		rng.Shuffle(len(heads), func(a, b int) { heads[a], heads[b] = heads[b], heads[a] })
		acc := NewAccumulator(usage.DefaultPricing())
		for _, h := range heads {
			acc.Add(h)
		}
		assert.Equal(t, want, acc.Metadata())
	}
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "a b c", Preview("  a\n\tb   c ", 10))
	assert.Equal(t, "abcd…", Preview("abcdefgh", 5))
	assert.Equal(t, "日本…", Preview("日本語テキスト", 3))
}
