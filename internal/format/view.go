package format

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"convlog/internal/model"
)

// RenderOptions selects which block kinds RenderRecordLines prints.
type RenderOptions struct {
	Wrap     int
	Thinking bool
	Tools    bool
	// ToolStatus, when set, annotates tool_use blocks with the outcome of the
	// paired tool_result.
	ToolStatus func(toolUseID string) (model.ToolInvocation, bool)
}

// RenderRecordLines returns the formatted body lines for a record.
func RenderRecordLines(rec *model.Record, opts RenderOptions) []string {
	var body string
	switch rec.Kind {
	case model.EntryTypeSummary:
		body = "Summary: " + wrapBody(strings.TrimSpace(rec.SummaryText), opts.Wrap)
	default:
		body = renderBlocks(rec.Content, opts)
		if rec.Kind == model.EntryTypeSystem && rec.Level != "" && body != "" {
			body = fmt.Sprintf("[%s] %s", rec.Level, body)
		}
	}
	if body == "" {
		return nil
	}
	return strings.Split(body, "\n")
}

// renderBlocks joins content blocks into a printable string with optional wrapping.
func renderBlocks(blocks []model.Block, opts RenderOptions) string {
	if len(blocks) == 0 {
		return ""
	}
	parts := make([]string, 0, len(blocks))
	for _, block := range blocks {
		switch block.Type {
		case model.BlockText:
			if text := strings.TrimSpace(block.Text); text != "" {
				parts = append(parts, wrapBody(text, opts.Wrap))
			}
		case model.BlockThinking:
			if opts.Thinking && strings.TrimSpace(block.Thinking) != "" {
				parts = append(parts, "[thinking] "+wrapBody(strings.TrimSpace(block.Thinking), opts.Wrap))
			}
		case model.BlockToolUse:
			if !opts.Tools {
				continue
			}
			header := fmt.Sprintf("Tool: %s", block.ToolName)
			if opts.ToolStatus != nil {
				if inv, ok := opts.ToolStatus(block.ToolUseID); ok {
					header += fmt.Sprintf(" (%s", inv.Status)
					if inv.Duration > 0 {
						header += ", " + inv.Duration.String()
					}
					header += ")"
				}
			}
			parts = append(parts, header)
			if len(block.ToolInput) > 0 {
				// Try to format arguments as JSON if possible
				parts = append(parts, "Input:\n"+formatJSON(string(block.ToolInput)))
			}
		case model.BlockToolResult:
			if !opts.Tools {
				continue
			}
			label := "Output"
			if block.IsError {
				label = "Error"
			}
			formatted := formatJSON(block.Output)
			if formatted == block.Output && !strings.Contains(formatted, "\n") {
				parts = append(parts, fmt.Sprintf("%s: %s", label, block.Output))
			} else {
				parts = append(parts, fmt.Sprintf("%s:\n%s", label, formatted))
			}
		case model.BlockImage:
			parts = append(parts, fmt.Sprintf("[image %s]", block.MediaType))
		default:
			name := block.OriginalType
			if name == "" {
				name = string(block.Type)
			}
			parts = append(parts, fmt.Sprintf("[%s]", name))
		}
	}
	return strings.Join(parts, "\n")
}

func wrapBody(text string, width int) string {
	if width <= 0 || len(text) <= width {
		return text
	}

	var out []string
	for _, para := range strings.Split(text, "\n") {
		words := strings.Fields(para)
		if len(words) == 0 {
			out = append(out, "")
			continue
		}
		current := words[0]
		for _, word := range words[1:] {
			if len(current)+1+len(word) > width {
				out = append(out, current)
				current = word
			} else {
				current += " " + word
			}
		}
		out = append(out, current)
	}
	return strings.Join(out, "\n")
}

func formatJSON(raw string) string {
	if raw == "" {
		return raw
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(raw), "", "  "); err == nil {
		return buf.String()
	}
	return raw
}
