package model

import (
	"encoding/json"
	"time"
)

// ToolStatus is the outcome of a tool invocation.
type ToolStatus string

const (
	ToolPending ToolStatus = "pending"
	ToolSuccess ToolStatus = "success"
	ToolError   ToolStatus = "error"
)

// ToolInvocation pairs a tool_use block with the tool_result that answers it.
// Pairing goes through the tool_use id, not through parent links.
type ToolInvocation struct {
	ID             string
	Name           string
	Input          json.RawMessage
	UseRecordID    string
	ResultRecordID string
	Status         ToolStatus
	Output         string
	Duration       time.Duration
	StartedAt      time.Time
}

// SessionMetadata is derived from a single streaming pass over a session file.
type SessionMetadata struct {
	SessionID         string           `json:"session_id"`
	Records           int              `json:"records"`
	Messages          int              `json:"messages"`
	UserMessages      int              `json:"user_messages"`
	AssistantMessages int              `json:"assistant_messages"`
	Bytes             int64            `json:"bytes"`
	FirstAt           time.Time        `json:"first_at"`
	LastAt            time.Time        `json:"last_at"`
	Usage             Usage            `json:"usage"`
	ByModel           map[string]Usage `json:"by_model,omitempty"`
	Cost              float64          `json:"cost"`
	ToolCalls         map[string]int   `json:"tool_calls,omitempty"`
	ModelMessages     map[string]int   `json:"model_messages,omitempty"`
	Preview           string           `json:"preview"`
	Summary           string           `json:"summary,omitempty"`
	CWD               string           `json:"cwd,omitempty"`
	GitBranch         string           `json:"git_branch,omitempty"`
	Version           string           `json:"version,omitempty"`
	Sidechains        int              `json:"sidechains"`
	Faults            int              `json:"faults"`
	Discontinuous     bool             `json:"discontinuous"`
}

// Duration returns the span between the first and last timestamp.
func (m SessionMetadata) Duration() time.Duration {
	if m.FirstAt.IsZero() || m.LastAt.IsZero() || m.LastAt.Before(m.FirstAt) {
		return 0
	}
	return m.LastAt.Sub(m.FirstAt)
}

// Fingerprint identifies a version of a session file. Two fingerprints are
// equal only if every populated field matches.
type Fingerprint struct {
	Size    int64  `json:"size"`
	ModTime int64  `json:"mtime_ns"`
	Hash    uint64 `json:"hash,omitempty"`
}

// IsZero reports whether the fingerprint was never computed.
func (f Fingerprint) IsZero() bool { return f == Fingerprint{} }

// Equal compares two fingerprints.
func (f Fingerprint) Equal(o Fingerprint) bool { return f == o }
