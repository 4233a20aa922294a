// Package claude decodes Claude Code session transcripts: one JSON object per
// line, one file per session.
package claude

import "encoding/json"

// Wire shapes of a transcript line. Only fields the decoder understands are
// listed; everything else is optional and may be kept in Record.Extra.

type rawEntry struct {
	Type             string          `json:"type"`
	UUID             string          `json:"uuid"`
	ParentUUID       string          `json:"parentUuid"`
	SessionID        string          `json:"sessionId"`
	CWD              string          `json:"cwd"`
	Version          string          `json:"version"`
	GitBranch        string          `json:"gitBranch"`
	RequestID        string          `json:"requestId"`
	Timestamp        json.RawMessage `json:"timestamp"` // string in practice; other types decode to zero time
	IsSidechain      bool            `json:"isSidechain"`
	IsMeta           bool            `json:"isMeta"`
	IsCompactSummary bool            `json:"isCompactSummary"`
	Message          json.RawMessage `json:"message"`
	ToolUseResult    json.RawMessage `json:"toolUseResult"`
	Summary          string          `json:"summary"`
	LeafUUID         string          `json:"leafUuid"`
	Content          json.RawMessage `json:"content"` // system entries carry text at top level
	Level            string          `json:"level"`
}

// knownFields lists the top-level keys mapped onto Record fields.
var knownFields = map[string]struct{}{
	"type": {}, "uuid": {}, "parentUuid": {}, "sessionId": {}, "cwd": {}, "version": {},
	"gitBranch": {}, "requestId": {}, "timestamp": {}, "isSidechain": {}, "isMeta": {},
	"isCompactSummary": {}, "message": {}, "toolUseResult": {}, "summary": {},
	"leafUuid": {}, "content": {}, "level": {},
}

type messagePayload struct {
	ID      string          `json:"id"`
	Role    string          `json:"role"`
	Model   string          `json:"model"`
	Content json.RawMessage `json:"content"`
	Usage   *usagePayload   `json:"usage"`
}

type usagePayload struct {
	InputTokens              int64 `json:"input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
	Source    *struct {
		MediaType string `json:"media_type"`
	} `json:"source"`
}

type toolUseResultPayload struct {
	DurationMs int64 `json:"durationMs"`
}

// ToolDuration extracts toolUseResult.durationMs when the payload is an
// object carrying it.
func ToolDuration(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 || raw[0] != '{' {
		return 0, false
	}
	var payload toolUseResultPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.DurationMs <= 0 {
		return 0, false
	}
	return payload.DurationMs, true
}
