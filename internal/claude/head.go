package claude

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"

	"convlog/internal/model"
)

var errInvalidJSON = errors.New("invalid JSON object")

// ParseHead extracts the metadata projection of one line without decoding
// content arrays into memory. Large tool outputs are skipped over, never copied.
func ParseHead(line []byte) (model.Head, error) {
	if !gjson.ValidBytes(line) {
		return model.Head{}, errInvalidJSON
	}
	if !gjson.ParseBytes(line).IsObject() {
		return model.Head{}, errInvalidJSON
	}

	fields := gjson.GetManyBytes(line,
		"uuid", "parentUuid", "sessionId", "type", "timestamp",
		"isSidechain", "isMeta", "summary", "cwd", "gitBranch", "version", "message",
	)
	head := model.Head{
		ID:          fields[0].String(),
		ParentID:    fields[1].String(),
		SessionID:   fields[2].String(),
		Kind:        model.EntryType(fields[3].String()),
		IsSidechain: fields[5].Bool(),
		IsMeta:      fields[6].Bool(),
		CWD:         fields[8].String(),
		GitBranch:   fields[9].String(),
		Version:     fields[10].String(),
	}
	if ts, err := parseTimestamp(fields[4].String()); err == nil {
		head.Timestamp = ts
	}
	if head.Kind == model.EntryTypeSummary {
		head.Summary = fields[7].String()
	}

	msg := fields[11]
	if !msg.IsObject() {
		return head, nil
	}
	head.MessageID = msg.Get("id").String()

	switch head.Kind {
	case model.EntryTypeAssistant:
		head.Model = msg.Get("model").String()
		usage := msg.Get("usage")
		if usage.IsObject() {
			u := gjson.GetMany(usage.Raw, "input_tokens", "output_tokens", "cache_read_input_tokens", "cache_creation_input_tokens")
			head.Usage = model.Usage{
				InputTokens:      u[0].Int(),
				OutputTokens:     u[1].Int(),
				CacheReadTokens:  u[2].Int(),
				CacheWriteTokens: u[3].Int(),
			}
		}
		content := msg.Get("content")
		if content.IsArray() {
			content.ForEach(func(_, block gjson.Result) bool {
				if block.Get("type").String() == string(model.BlockToolUse) {
					if name := block.Get("name").String(); name != "" {
						head.ToolNames = append(head.ToolNames, name)
					}
				}
				return true
			})
		}

	case model.EntryTypeUser:
		content := msg.Get("content")
		switch {
		case content.Type == gjson.String:
			head.Text = content.String()
		case content.IsArray():
			var texts []string
			content.ForEach(func(_, block gjson.Result) bool {
				if block.Get("type").String() == string(model.BlockText) {
					if text := block.Get("text").String(); strings.TrimSpace(text) != "" {
						texts = append(texts, text)
					}
				}
				return true
			})
			head.Text = strings.Join(texts, "\n")
		}
	}

	return head, nil
}
