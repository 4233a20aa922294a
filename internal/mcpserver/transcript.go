package mcpserver

import (
	"encoding/json"
	"time"

	"convlog/internal/archive"
	"convlog/internal/graph"
	"convlog/internal/model"
	"convlog/internal/store"
)

type transcriptOptions struct {
	Thinking   bool
	Tools      bool
	Sidechains bool
	Max        int
}

type toolCall struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Status     string          `json:"status"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     string          `json:"output,omitempty"`
}

type transcriptRecord struct {
	ID        string     `json:"id,omitempty"`
	ParentID  string     `json:"parent_id,omitempty"`
	Kind      string     `json:"kind"`
	Timestamp time.Time  `json:"timestamp,omitzero"`
	Line      int        `json:"line"`
	Sidechain bool       `json:"sidechain,omitempty"`
	Detached  bool       `json:"detached,omitempty"`
	Text      string     `json:"text,omitempty"`
	Thinking  string     `json:"thinking,omitempty"`
	Tools     []toolCall `json:"tools,omitempty"`
}

type discontinuity struct {
	Orphans   []string `json:"orphans,omitempty"`
	Cycles    []string `json:"cycles,omitempty"`
	Duplicate []string `json:"duplicates,omitempty"`
}

type transcript struct {
	Session       store.Entry        `json:"session"`
	Records       []transcriptRecord `json:"records"`
	Truncated     int                `json:"truncated,omitempty"`
	Discontinuity *discontinuity     `json:"discontinuity,omitempty"`
}

// buildTranscript flattens the graph into display order. Records left with
// nothing to show under opts are skipped; tool results travel with the
// tool call that produced them.
func buildTranscript(sess *archive.Session, opts transcriptOptions) transcript {
	g := sess.Graph
	out := transcript{Session: sess.Entry, Records: []transcriptRecord{}}
	if d := sess.Discontinuity; d != nil {
		out.Discontinuity = &discontinuity{Orphans: d.Orphans, Cycles: d.Cycles, Duplicate: d.Duplicate}
	}

	for i := range g.Detached {
		if r, ok := toRecord(g, &g.Detached[i], opts); ok {
			r.Detached = true
			out.Records = append(out.Records, r)
		}
	}
	for _, n := range g.Ordered(graph.OrderOptions{IncludeSidechains: opts.Sidechains}) {
		if r, ok := toRecord(g, &n.Record, opts); ok {
			r.Sidechain = n.Sidechain
			out.Records = append(out.Records, r)
		}
	}

	if opts.Max > 0 && len(out.Records) > opts.Max {
		out.Truncated = len(out.Records) - opts.Max
		out.Records = out.Records[out.Truncated:]
	}
	return out
}

func toRecord(g *graph.Graph, rec *model.Record, opts transcriptOptions) (transcriptRecord, bool) {
	r := transcriptRecord{
		ID:        rec.ID,
		ParentID:  rec.ParentID,
		Kind:      string(rec.Kind),
		Timestamp: rec.Timestamp,
		Line:      rec.Line,
	}
	switch rec.Kind {
	case model.EntryTypeSummary:
		r.Text = rec.SummaryText
		return r, r.Text != ""
	case model.EntryTypeUser:
		if rec.IsToolResultOnly() {
			return r, false
		}
	}

	r.Text = rec.VisibleText()
	if opts.Thinking {
		r.Thinking = rec.ThinkingText()
	}
	if opts.Tools {
		for _, b := range rec.Content {
			if b.Type != model.BlockToolUse {
				continue
			}
			call := toolCall{ID: b.ToolUseID, Name: b.ToolName, Status: string(model.ToolPending), Input: b.ToolInput}
			if inv, ok := g.Tool(b.ToolUseID); ok {
				call.Status = string(inv.Status)
				call.DurationMS = inv.Duration.Milliseconds()
				call.Output = inv.Output
			}
			r.Tools = append(r.Tools, call)
		}
	}
	return r, r.Text != "" || r.Thinking != "" || len(r.Tools) > 0
}
