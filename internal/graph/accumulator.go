package graph

import (
	"strings"
	"time"

	"convlog/internal/model"
	"convlog/internal/usage"
)

// PreviewRunes bounds SessionMetadata.Preview.
const PreviewRunes = 160

// syntheticModel is written by the client for locally generated messages.
const syntheticModel = "<synthetic>"

type messageUsage struct {
	model string
	usage model.Usage
}

// Accumulator derives SessionMetadata from record heads. Every field it
// produces is independent of the order heads are added in.
type Accumulator struct {
	pricing usage.Pricing

	records     int
	users       int
	assistants  int
	sidechains  int
	faults      int
	first, last time.Time

	// usage for assistant records that carry a message id; the client can
	// write one API message as several lines repeating the same usage.
	messages map[string]messageUsage
	loose    usage.Totals
	looseMsg map[string]int

	tools map[string]int

	sessionID lineValue
	preview   lineValue
	summary   lineValue
	cwd       lineValue
	gitBranch lineValue
	version   lineValue
}

// lineValue keeps the value seen on the lowest (or highest) line. Ties on
// the line number resolve by value so the result does not depend on order.
type lineValue struct {
	line  int
	value string
}

func (v *lineValue) earliest(line int, value string) {
	if value == "" {
		return
	}
	if v.value == "" || line < v.line || (line == v.line && value < v.value) {
		v.line, v.value = line, value
	}
}

func (v *lineValue) latest(line int, value string) {
	if value == "" {
		return
	}
	if v.value == "" || line > v.line || (line == v.line && value > v.value) {
		v.line, v.value = line, value
	}
}

// NewAccumulator returns an empty accumulator pricing cost with p.
func NewAccumulator(p usage.Pricing) *Accumulator {
	return &Accumulator{
		pricing:  p,
		messages: make(map[string]messageUsage),
		loose:    usage.NewTotals(),
		looseMsg: make(map[string]int),
		tools:    make(map[string]int),
	}
}

// AddFault counts a skipped malformed line.
func (a *Accumulator) AddFault() { a.faults++ }

// Add folds one head into the running metadata.
func (a *Accumulator) Add(h model.Head) {
	a.records++
	a.sessionID.earliest(h.Line, h.SessionID)
	a.cwd.latest(h.Line, h.CWD)
	a.gitBranch.latest(h.Line, h.GitBranch)
	a.version.latest(h.Line, h.Version)

	if !h.Timestamp.IsZero() {
		if a.first.IsZero() || h.Timestamp.Before(a.first) {
			a.first = h.Timestamp
		}
		if h.Timestamp.After(a.last) {
			a.last = h.Timestamp
		}
	}
	if h.IsSidechain {
		a.sidechains++
	}

	switch h.Kind {
	case model.EntryTypeSummary:
		a.summary.latest(h.Line, h.Summary)

	case model.EntryTypeUser:
		if h.IsMeta || strings.TrimSpace(h.Text) == "" {
			return
		}
		a.users++
		if !h.IsSidechain {
			a.preview.earliest(h.Line, h.Text)
		}

	case model.EntryTypeAssistant:
		a.assistants++
		for _, name := range h.ToolNames {
			a.tools[name]++
		}
		if h.MessageID == "" {
			a.loose.Add(h.Model, h.Usage)
			if h.Model != "" && h.Model != syntheticModel {
				a.looseMsg[h.Model]++
			}
			return
		}
		prev, seen := a.messages[h.MessageID]
		if !seen {
			a.messages[h.MessageID] = messageUsage{model: h.Model, usage: h.Usage}
			return
		}
		if prev.model == "" {
			prev.model = h.Model
		}
		prev.usage = maxUsage(prev.usage, h.Usage)
		a.messages[h.MessageID] = prev
	}
}

func maxUsage(a, b model.Usage) model.Usage {
	return model.Usage{
		InputTokens:      max(a.InputTokens, b.InputTokens),
		OutputTokens:     max(a.OutputTokens, b.OutputTokens),
		CacheReadTokens:  max(a.CacheReadTokens, b.CacheReadTokens),
		CacheWriteTokens: max(a.CacheWriteTokens, b.CacheWriteTokens),
	}
}

// Totals returns per-model token sums.
func (a *Accumulator) Totals() usage.Totals {
	totals := usage.NewTotals()
	totals.Merge(a.loose)
	for _, m := range a.messages {
		totals.Add(m.model, m.usage)
	}
	return totals
}

// Metadata returns the metadata accumulated so far. Bytes is left for the
// caller, which knows the file size.
func (a *Accumulator) Metadata() model.SessionMetadata {
	totals := a.Totals()
	modelMessages := make(map[string]int, len(a.looseMsg))
	for name, n := range a.looseMsg {
		modelMessages[name] += n
	}
	for _, m := range a.messages {
		if m.model != "" && m.model != syntheticModel {
			modelMessages[m.model]++
		}
	}
	toolCalls := make(map[string]int, len(a.tools))
	for name, n := range a.tools {
		toolCalls[name] = n
	}

	meta := model.SessionMetadata{
		SessionID:         a.sessionID.value,
		Records:           a.records,
		Messages:          a.users + a.assistants,
		UserMessages:      a.users,
		AssistantMessages: a.assistants,
		FirstAt:           a.first,
		LastAt:            a.last,
		Usage:             totals.Sum(),
		ByModel:           totals.ByModel,
		Cost:              totals.Cost(a.pricing),
		ToolCalls:         toolCalls,
		ModelMessages:     modelMessages,
		Preview:           Preview(a.preview.value, PreviewRunes),
		Summary:           a.summary.value,
		CWD:               a.cwd.value,
		GitBranch:         a.gitBranch.value,
		Version:           a.version.value,
		Sidechains:        a.sidechains,
		Faults:            a.faults,
	}
	if len(meta.ByModel) == 0 {
		meta.ByModel = nil
	}
	if len(meta.ToolCalls) == 0 {
		meta.ToolCalls = nil
	}
	if len(meta.ModelMessages) == 0 {
		meta.ModelMessages = nil
	}
	return meta
}

// Preview collapses whitespace and truncates text to limit runes, the last
// of which becomes an ellipsis.
func Preview(text string, limit int) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	runes := []rune(collapsed)
	if limit <= 0 || len(runes) <= limit {
		return collapsed
	}
	return string(runes[:limit-1]) + "…"
}
