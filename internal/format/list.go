// Package format provides formatting and rendering functions for catalog,
// search and session data.
package format

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-runewidth"

	"convlog/internal/search"
	"convlog/internal/store"
	"convlog/internal/usage"
)

// SummaryWidth bounds summary and snippet columns in tables.
const SummaryWidth = 80

// columns describes one tabular listing.
type columns[T any] struct {
	header  []string
	configs []table.ColumnConfig
	row     func(T) []any
	empty   []any
}

// write renders items in the requested format. json and jsonl encode the
// items themselves; table and plain use the column description.
func write[T any](w io.Writer, items []T, cols columns[T], includeHeader bool, format string) error {
	format = strings.ToLower(format)
	switch format {
	case "", "table":
		return writeTable(w, items, cols, includeHeader)
	case "plain":
		return writePlain(w, items, cols, includeHeader)
	case "json":
		return writeJSON(w, items)
	case "jsonl":
		return writeJSONL(w, items)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

func writePlain[T any](w io.Writer, items []T, cols columns[T], includeHeader bool) error {
	if includeHeader {
		header := make([]string, len(cols.header))
		for i, h := range cols.header {
			header[i] = strings.ToLower(strings.ReplaceAll(h, " ", "_"))
		}
		if _, err := fmt.Fprintln(w, strings.Join(header, "\t")); err != nil {
			return err
		}
	}

	for _, item := range items {
		values := cols.row(item)
		fields := make([]string, len(values))
		for i, v := range values {
			fields[i] = escapeNewlines(fmt.Sprint(v))
		}
		if _, err := fmt.Fprintln(w, strings.Join(fields, "\t")); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeJSONL[T any](w io.Writer, items []T) error {
	enc := json.NewEncoder(w)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			return err
		}
	}
	return nil
}

func escapeNewlines(text string) string {
	return strings.ReplaceAll(text, "\n", "\\n")
}

func newTable(w io.Writer) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	tw.Style().Options.SeparateRows = true
	tw.Style().Options.SeparateHeader = true
	tw.Style().Options.DrawBorder = true
	return tw
}

func writeTable[T any](w io.Writer, items []T, cols columns[T], includeHeader bool) error {
	tw := newTable(w)
	tw.SetColumnConfigs(cols.configs)

	if includeHeader {
		header := make(table.Row, len(cols.header))
		for i, h := range cols.header {
			header[i] = h
		}
		tw.AppendHeader(header)
	}

	for _, item := range items {
		values := cols.row(item)
		for i, v := range values {
			if s, ok := v.(string); ok {
				values[i] = escapeNewlines(s)
			}
		}
		tw.AppendRow(values)
	}

	if len(items) == 0 && cols.empty != nil {
		tw.AppendRow(cols.empty)
	}

	_ = tw.Render()
	return nil
}

func left(n int) table.ColumnConfig {
	return table.ColumnConfig{Number: n, Align: text.AlignLeft, AlignHeader: text.AlignCenter}
}

func right(n int) table.ColumnConfig {
	return table.ColumnConfig{Number: n, Align: text.AlignRight, AlignHeader: text.AlignCenter}
}

func center(n int) table.ColumnConfig {
	return table.ColumnConfig{Number: n, Align: text.AlignCenter, AlignHeader: text.AlignCenter}
}

func wide(n int) table.ColumnConfig {
	c := left(n)
	c.WidthMax = SummaryWidth
	return c
}

var sessionColumns = columns[store.Entry]{
	header:  []string{"Timestamp", "Session ID", "Alias", "CWD", "Duration", "Messages", "Cost", "Summary"},
	configs: []table.ColumnConfig{left(1), left(2), left(3), left(4), center(5), right(6), right(7), wide(8)},
	row: func(e store.Entry) []any {
		return []any{
			formatTime(e.StartedAt()),
			e.ID,
			e.Alias,
			e.Meta.CWD,
			formatDuration(int(e.Meta.Duration().Seconds())),
			e.Meta.Messages,
			formatCost(e.Meta.Cost),
			sessionSummary(e),
		}
	},
	empty: []any{"-", "(no sessions)", "-", "-", "00:00:00", 0, formatCost(0), "-"},
}

// WriteSessions writes catalog entries to w in the requested format.
func WriteSessions(w io.Writer, items []store.Entry, includeHeader bool, format string) error {
	return write(w, items, sessionColumns, includeHeader, format)
}

func sessionSummary(e store.Entry) string {
	if e.Meta.Summary != "" {
		return e.Meta.Summary
	}
	return e.Meta.Preview
}

var projectColumns = columns[store.ProjectInfo]{
	header:  []string{"Project", "Sessions", "Size", "Last Activity"},
	configs: []table.ColumnConfig{left(1), right(2), right(3), left(4)},
	row: func(p store.ProjectInfo) []any {
		return []any{p.Name, p.Sessions, formatBytes(p.Bytes), formatTime(p.LastActivity)}
	},
	empty: []any{"(no projects)", 0, formatBytes(0), "-"},
}

// WriteProjects writes project summaries to w in the requested format.
func WriteProjects(w io.Writer, items []store.ProjectInfo, includeHeader bool, format string) error {
	return write(w, items, projectColumns, includeHeader, format)
}

var matchColumns = columns[search.Match]{
	header:  []string{"Timestamp", "Session ID", "Line", "Field", "Score", "Snippet"},
	configs: []table.ColumnConfig{left(1), left(2), right(3), center(4), right(5), wide(6)},
	row: func(m search.Match) []any {
		return []any{
			formatTime(m.Timestamp),
			m.SessionID,
			m.Line,
			string(m.Field),
			fmt.Sprintf("%.3f", m.Score),
			runewidth.Truncate(m.Snippet, SummaryWidth*2, "…"),
		}
	},
	empty: []any{"-", "(no matches)", 0, "-", "-", "-"},
}

// WriteMatches writes search results to w in the requested format.
func WriteMatches(w io.Writer, items []search.Match, includeHeader bool, format string) error {
	return write(w, items, matchColumns, includeHeader, format)
}

type keyValue struct {
	Key   string
	Value string
}

var keyValueColumns = columns[keyValue]{
	header:  []string{"Field", "Value"},
	configs: []table.ColumnConfig{left(1), wide(2)},
	row:     func(kv keyValue) []any { return []any{kv.Key, kv.Value} },
}

var countColumns = columns[usage.Count]{
	header:  []string{"Name", "Count"},
	configs: []table.ColumnConfig{left(1), right(2)},
	row:     func(c usage.Count) []any { return []any{c.Name, c.Count} },
}

// WriteStats writes usage statistics. json and jsonl emit the whole Stats
// value; table and plain print a summary followed by tool and model counts.
func WriteStats(w io.Writer, s usage.Stats, format string) error {
	switch strings.ToLower(format) {
	case "json":
		return writeJSON(w, s)
	case "jsonl":
		return json.NewEncoder(w).Encode(s)
	}

	summary := []keyValue{
		{"Window", s.Window.Label()},
		{"Sessions", fmt.Sprint(s.Sessions)},
		{"Messages", fmt.Sprintf("%d (avg %.1f)", s.Messages, s.AvgMessages)},
		{"Input tokens", fmt.Sprint(s.Usage.InputTokens)},
		{"Output tokens", fmt.Sprint(s.Usage.OutputTokens)},
		{"Cache read tokens", fmt.Sprint(s.Usage.CacheReadTokens)},
		{"Cache write tokens", fmt.Sprint(s.Usage.CacheWriteTokens)},
		{"Cost", fmt.Sprintf("%s (%s per session)", formatCost(s.Cost), formatCost(s.CostPerSession))},
		{"Duration", fmt.Sprintf("%s (avg %s)",
			formatDuration(int(s.TotalDuration.Seconds())), formatDuration(int(s.AvgDuration.Seconds())))},
		{"Weekdays", formatWeekdays(s.Weekdays)},
	}
	if err := write(w, summary, keyValueColumns, true, format); err != nil {
		return err
	}
	if len(s.Tools) > 0 {
		if _, err := fmt.Fprintln(w, "\nTop tools"); err != nil {
			return err
		}
		if err := write(w, s.Tools, countColumns, true, format); err != nil {
			return err
		}
	}
	if len(s.Models) > 0 {
		if _, err := fmt.Fprintln(w, "\nModels"); err != nil {
			return err
		}
		if err := write(w, s.Models, countColumns, true, format); err != nil {
			return err
		}
	}
	return nil
}

// WriteSessionInfo writes the metadata of one session.
func WriteSessionInfo(w io.Writer, e store.Entry, format string) error {
	switch strings.ToLower(format) {
	case "json":
		return writeJSON(w, e)
	case "jsonl":
		return json.NewEncoder(w).Encode(e)
	}

	m := e.Meta
	rows := []keyValue{
		{"Session ID", e.ID},
		{"Alias", e.Alias},
		{"Project", e.Project},
		{"Path", e.Path},
		{"Started", formatTime(m.FirstAt)},
		{"Last activity", formatTime(m.LastAt)},
		{"Duration", formatDuration(int(m.Duration().Seconds()))},
		{"CWD", m.CWD},
		{"Git branch", m.GitBranch},
		{"Version", m.Version},
		{"Records", fmt.Sprint(m.Records)},
		{"Messages", fmt.Sprintf("%d (%d user, %d assistant)", m.Messages, m.UserMessages, m.AssistantMessages)},
		{"Side-chain records", fmt.Sprint(m.Sidechains)},
		{"Tokens", fmt.Sprintf("in %d, out %d, cache read %d, cache write %d",
			m.Usage.InputTokens, m.Usage.OutputTokens, m.Usage.CacheReadTokens, m.Usage.CacheWriteTokens)},
		{"Cost", formatCost(m.Cost)},
		{"Size", formatBytes(m.Bytes)},
		{"Faults", fmt.Sprint(m.Faults)},
		{"Discontinuous", fmt.Sprint(m.Discontinuous)},
		{"Summary", m.Summary},
		{"Preview", m.Preview},
	}
	return write(w, rows, keyValueColumns, true, format)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func formatDuration(seconds int) string {
	if seconds <= 0 {
		return "00:00:00"
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func formatCost(c float64) string {
	return fmt.Sprintf("$%.2f", c)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatWeekdays(days [7]int) string {
	names := [7]string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}
	parts := make([]string, 7)
	for i, n := range days {
		parts[i] = fmt.Sprintf("%s %d", names[i], n)
	}
	return strings.Join(parts, ", ")
}
