// Package model provides the record, content and metadata types shared by the
// transcript decoder, graph builder, catalog and search index.
package model

import (
	"encoding/json"
	"strings"
	"time"
)

// EntryType represents the top-level "type" field of a transcript line.
// Values outside the known set are kept verbatim.
type EntryType string

const (
	EntryTypeUser      EntryType = "user"
	EntryTypeAssistant EntryType = "assistant"
	EntryTypeSummary   EntryType = "summary"
	EntryTypeSystem    EntryType = "system"
)

// Known reports whether t is one of the entry types with a defined payload.
func (t EntryType) Known() bool {
	switch t {
	case EntryTypeUser, EntryTypeAssistant, EntryTypeSummary, EntryTypeSystem:
		return true
	}
	return false
}

// BlockType is the "type" of a message content block.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockImage      BlockType = "image"
	// BlockUnknown marks a block whose type is not understood. Raw holds the
	// original JSON so it can be passed through.
	BlockUnknown BlockType = "unknown"
)

// Block is one element of message.content. Only the fields relevant to Type
// are populated.
type Block struct {
	Type BlockType

	Text     string // text
	Thinking string // thinking

	ToolUseID string          // tool_use id, or the tool_use_id a tool_result answers
	ToolName  string          // tool_use
	ToolInput json.RawMessage // tool_use

	Output  string // tool_result, flattened to text
	IsError bool   // tool_result

	MediaType string // image

	// OriginalType is the block's own type string when Type is BlockUnknown.
	OriginalType string
	Raw          json.RawMessage
}

// Usage holds token counts reported on assistant messages. Missing fields are zero.
type Usage struct {
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	CacheReadTokens  int64 `json:"cache_read_tokens"`
	CacheWriteTokens int64 `json:"cache_write_tokens"`
}

// Add returns the field-wise sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:      u.InputTokens + o.InputTokens,
		OutputTokens:     u.OutputTokens + o.OutputTokens,
		CacheReadTokens:  u.CacheReadTokens + o.CacheReadTokens,
		CacheWriteTokens: u.CacheWriteTokens + o.CacheWriteTokens,
	}
}

// Total returns the sum of all token classes.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheWriteTokens
}

// IsZero reports whether no tokens were recorded.
func (u Usage) IsZero() bool { return u == Usage{} }

// Record is one decoded transcript line.
type Record struct {
	ID           string
	ParentID     string
	SessionID    string
	Timestamp    time.Time // zero when missing or unparsable
	TimestampRaw string
	Kind         EntryType

	Role      string
	Model     string
	MessageID string
	RequestID string
	Content   []Block
	Usage     Usage

	ToolUseResult json.RawMessage

	// Summary entries
	SummaryText string
	LeafID      string

	// System entries
	Level string

	CWD              string
	GitBranch        string
	Version          string
	IsSidechain      bool
	IsMeta           bool
	IsCompactSummary bool

	// Extra holds unknown top-level fields when the decoder keeps them.
	Extra map[string]json.RawMessage

	Line   int   // 1-based line number in the file
	Offset int64 // byte offset of the line start
}

// HasID reports whether the record participates in the parent chain.
func (r *Record) HasID() bool { return r.ID != "" }

// IsMessage reports whether the record is a user or assistant message.
func (r *Record) IsMessage() bool {
	return r.Kind == EntryTypeUser || r.Kind == EntryTypeAssistant
}

// VisibleText joins the text blocks of the record.
func (r *Record) VisibleText() string {
	var parts []string
	for _, b := range r.Content {
		if b.Type == BlockText && strings.TrimSpace(b.Text) != "" {
			parts = append(parts, b.Text)
		}
	}
	if r.Kind == EntryTypeSummary && r.SummaryText != "" {
		parts = append(parts, r.SummaryText)
	}
	return strings.Join(parts, "\n")
}

// ThinkingText joins the thinking blocks of the record.
func (r *Record) ThinkingText() string {
	var parts []string
	for _, b := range r.Content {
		if b.Type == BlockThinking && b.Thinking != "" {
			parts = append(parts, b.Thinking)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolResultText joins the outputs of tool_result blocks.
func (r *Record) ToolResultText() string {
	var parts []string
	for _, b := range r.Content {
		if b.Type == BlockToolResult && b.Output != "" {
			parts = append(parts, b.Output)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolInputText joins tool names and raw inputs of tool_use blocks.
func (r *Record) ToolInputText() string {
	var parts []string
	for _, b := range r.Content {
		if b.Type != BlockToolUse {
			continue
		}
		parts = append(parts, b.ToolName)
		if len(b.ToolInput) > 0 {
			parts = append(parts, string(b.ToolInput))
		}
	}
	return strings.Join(parts, "\n")
}

// ToolNames returns the names of tool_use blocks in order.
func (r *Record) ToolNames() []string {
	var names []string
	for _, b := range r.Content {
		if b.Type == BlockToolUse && b.ToolName != "" {
			names = append(names, b.ToolName)
		}
	}
	return names
}

// IsToolResultOnly reports whether every block is a tool_result. Such user
// records are tool plumbing rather than typed prompts.
func (r *Record) IsToolResultOnly() bool {
	if len(r.Content) == 0 {
		return false
	}
	for _, b := range r.Content {
		if b.Type != BlockToolResult {
			return false
		}
	}
	return true
}

// Head projects the fields the metadata pass needs.
func (r *Record) Head() Head {
	h := Head{
		ID:          r.ID,
		ParentID:    r.ParentID,
		SessionID:   r.SessionID,
		Kind:        r.Kind,
		Timestamp:   r.Timestamp,
		Model:       r.Model,
		MessageID:   r.MessageID,
		Usage:       r.Usage,
		IsSidechain: r.IsSidechain,
		IsMeta:      r.IsMeta,
		Summary:     r.SummaryText,
		CWD:         r.CWD,
		GitBranch:   r.GitBranch,
		Version:     r.Version,
		ToolNames:   r.ToolNames(),
		Line:        r.Line,
	}
	if r.Kind == EntryTypeUser && !r.IsToolResultOnly() {
		h.Text = r.VisibleText()
	}
	return h
}

// Head is a lightweight projection of a record, enough to derive
// SessionMetadata without materialising content blocks.
type Head struct {
	ID          string
	ParentID    string
	SessionID   string
	Kind        EntryType
	Timestamp   time.Time
	Model       string
	MessageID   string
	Usage       Usage
	IsSidechain bool
	IsMeta      bool
	Text        string // first user-visible text, user records only
	Summary     string
	CWD         string
	GitBranch   string
	Version     string
	ToolNames   []string
	Line        int
}
