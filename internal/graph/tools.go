package graph

import (
	"time"

	"convlog/internal/claude"
	"convlog/internal/model"
)

type toolResult struct {
	node  int
	block model.Block
}

// pairTools matches tool_use blocks to tool_result blocks by tool use id.
// Parent links play no part: a result may sit anywhere in the session.
func pairTools(g *Graph) []model.ToolInvocation {
	results := make(map[string]toolResult)
	for i := range g.Nodes {
		for _, b := range g.Nodes[i].Record.Content {
			if b.Type != model.BlockToolResult || b.ToolUseID == "" {
				continue
			}
			if _, dup := results[b.ToolUseID]; !dup {
				results[b.ToolUseID] = toolResult{node: i, block: b}
			}
		}
	}

	var tools []model.ToolInvocation
	paired := make(map[string]bool)
	for i := range g.Nodes {
		use := &g.Nodes[i].Record
		for _, b := range use.Content {
			if b.Type != model.BlockToolUse {
				continue
			}
			inv := model.ToolInvocation{
				ID:          b.ToolUseID,
				Name:        b.ToolName,
				Input:       b.ToolInput,
				UseRecordID: use.ID,
				Status:      model.ToolPending,
				StartedAt:   use.Timestamp,
			}
			res, ok := results[b.ToolUseID]
			if ok && b.ToolUseID != "" && !paired[b.ToolUseID] {
				paired[b.ToolUseID] = true
				result := &g.Nodes[res.node].Record
				inv.ResultRecordID = result.ID
				inv.Output = res.block.Output
				inv.Status = model.ToolSuccess
				if res.block.IsError {
					inv.Status = model.ToolError
				}
				inv.Duration = toolDuration(use, result)
			}
			tools = append(tools, inv)
		}
	}
	return tools
}

func toolDuration(use, result *model.Record) time.Duration {
	if ms, ok := claude.ToolDuration(result.ToolUseResult); ok {
		return time.Duration(ms) * time.Millisecond
	}
	if use.Timestamp.IsZero() || result.Timestamp.IsZero() || result.Timestamp.Before(use.Timestamp) {
		return 0
	}
	return result.Timestamp.Sub(use.Timestamp)
}
