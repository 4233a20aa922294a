package claude

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"convlog/internal/model"
)

// DefaultMaxLineBytes bounds a single line. Longer lines are skipped and
// reported as a decode fault.
const DefaultMaxLineBytes = 64 * 1024 * 1024

// Option configures a Decoder.
type Option func(*Decoder)

// WithPath attributes faults to path.
func WithPath(path string) Option {
	return func(d *Decoder) { d.path = path }
}

// WithKeepUnknown keeps unknown top-level fields in Record.Extra.
func WithKeepUnknown(keep bool) Option {
	return func(d *Decoder) { d.keepUnknown = keep }
}

// WithMaxLineBytes overrides DefaultMaxLineBytes.
func WithMaxLineBytes(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.maxLine = n
		}
	}
}

// WithStartOffset tells the decoder that r is already positioned at offset,
// which is the start of line number line (1-based).
func WithStartOffset(offset int64, line int) Option {
	return func(d *Decoder) {
		d.offset = offset
		if line > 0 {
			d.line = line - 1
		}
	}
}

// Decoder yields one Record per line of a transcript stream. Only the current
// line is held in memory.
type Decoder struct {
	r           *bufio.Reader
	path        string
	keepUnknown bool
	maxLine     int

	line   int
	offset int64
	buf    []byte
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader, opts ...Option) *Decoder {
	d := &Decoder{
		r:       bufio.NewReaderSize(r, 64*1024),
		maxLine: DefaultMaxLineBytes,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Line returns the number of the last line read.
func (d *Decoder) Line() int { return d.line }

// Offset returns the byte offset of the next unread line.
func (d *Decoder) Offset() int64 { return d.offset }

// Next decodes the next non-blank line. It returns io.EOF at the end of the
// stream and a *model.DecodeFault for a malformed line; after a fault the
// decoder can still be advanced.
func (d *Decoder) Next() (model.Record, error) {
	for {
		raw, start, err := d.nextLine()
		if err != nil {
			return model.Record{}, err
		}
		if raw == nil {
			continue
		}
		rec, err := parseRecord(raw, d.keepUnknown)
		if err != nil {
			return model.Record{}, d.fault(start, err)
		}
		rec.Line = d.line
		rec.Offset = start
		return rec, nil
	}
}

// NextHead is like Next but only extracts the metadata projection.
func (d *Decoder) NextHead() (model.Head, error) {
	for {
		raw, start, err := d.nextLine()
		if err != nil {
			return model.Head{}, err
		}
		if raw == nil {
			continue
		}
		head, err := ParseHead(raw)
		if err != nil {
			return model.Head{}, d.fault(start, err)
		}
		head.Line = d.line
		return head, nil
	}
}

// nextLine returns the trimmed next line, nil for a blank line, or a fault
// for an oversized one.
func (d *Decoder) nextLine() ([]byte, int64, error) {
	start := d.offset
	raw, tooLong, err := d.readLine()
	if err != nil {
		return nil, start, err
	}
	d.line++
	if tooLong {
		return nil, start, d.fault(start, fmt.Errorf("line exceeds %d bytes", d.maxLine))
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, start, nil
	}
	return trimmed, start, nil
}

func (d *Decoder) fault(offset int64, err error) error {
	return &model.DecodeFault{Path: d.path, Line: d.line, Offset: offset, Err: err}
}

// readLine reads through the next newline. Bytes beyond maxLine are
// discarded rather than buffered.
func (d *Decoder) readLine() ([]byte, bool, error) {
	d.buf = d.buf[:0]
	tooLong := false
	for {
		chunk, err := d.r.ReadSlice('\n')
		d.offset += int64(len(chunk))
		if !tooLong {
			if len(d.buf)+len(chunk) > d.maxLine {
				tooLong = true
				d.buf = d.buf[:0]
			} else {
				d.buf = append(d.buf, chunk...)
			}
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(d.buf) > 0 || tooLong {
				return d.buf, tooLong, nil
			}
			return nil, false, io.EOF
		case err != nil:
			return nil, false, err
		}
		return d.buf, tooLong, nil
	}
}

func parseRecord(raw []byte, keepUnknown bool) (model.Record, error) {
	var entry rawEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return model.Record{}, fmt.Errorf("unmarshal entry: %w", err)
	}
	stamp := timestampText(entry.Timestamp)

	rec := model.Record{
		ID:               entry.UUID,
		ParentID:         entry.ParentUUID,
		SessionID:        entry.SessionID,
		TimestampRaw:     stamp,
		Kind:             model.EntryType(entry.Type),
		RequestID:        entry.RequestID,
		CWD:              entry.CWD,
		Version:          entry.Version,
		GitBranch:        entry.GitBranch,
		IsSidechain:      entry.IsSidechain,
		IsMeta:           entry.IsMeta,
		IsCompactSummary: entry.IsCompactSummary,
		Level:            entry.Level,
	}
	if ts, err := parseTimestamp(stamp); err == nil {
		rec.Timestamp = ts
	}
	if len(entry.ToolUseResult) > 0 && !bytes.Equal(entry.ToolUseResult, []byte("null")) {
		rec.ToolUseResult = entry.ToolUseResult
	}

	switch rec.Kind {
	case model.EntryTypeUser, model.EntryTypeAssistant:
		if len(entry.Message) > 0 && !bytes.Equal(entry.Message, []byte("null")) {
			var msg messagePayload
			if err := json.Unmarshal(entry.Message, &msg); err != nil {
				return model.Record{}, fmt.Errorf("unmarshal message: %w", err)
			}
			rec.Role = msg.Role
			rec.MessageID = msg.ID
			rec.Model = msg.Model
			if msg.Usage != nil {
				rec.Usage = model.Usage{
					InputTokens:      msg.Usage.InputTokens,
					OutputTokens:     msg.Usage.OutputTokens,
					CacheReadTokens:  msg.Usage.CacheReadInputTokens,
					CacheWriteTokens: msg.Usage.CacheCreationInputTokens,
				}
			}
			rec.Content = decodeContent(msg.Content)
		}
		if rec.Role == "" {
			rec.Role = string(rec.Kind)
		}

	case model.EntryTypeSummary:
		rec.SummaryText = entry.Summary
		rec.LeafID = entry.LeafUUID

	case model.EntryTypeSystem:
		rec.Role = "system"
		rec.Content = decodeContent(entry.Content)
	}

	if keepUnknown {
		extra, err := unknownFields(raw)
		if err != nil {
			return model.Record{}, err
		}
		rec.Extra = extra
	}

	return rec, nil
}

func unknownFields(raw []byte) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	for key := range all {
		if _, ok := knownFields[key]; ok {
			delete(all, key)
		}
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

// decodeContent accepts a plain string or an array of typed blocks. Block
// types it does not know are passed through as BlockUnknown.
func decodeContent(raw json.RawMessage) []model.Block {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if asString == "" {
			return nil
		}
		return []model.Block{{Type: model.BlockText, Text: asString}}
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return []model.Block{{Type: model.BlockUnknown, OriginalType: "json", Raw: append(json.RawMessage(nil), raw...)}}
	}

	blocks := make([]model.Block, 0, len(items))
	for _, item := range items {
		var block contentBlock
		if err := json.Unmarshal(item, &block); err != nil {
			blocks = append(blocks, model.Block{Type: model.BlockUnknown, OriginalType: "json", Raw: item})
			continue
		}
		switch model.BlockType(block.Type) {
		case model.BlockText:
			blocks = append(blocks, model.Block{Type: model.BlockText, Text: block.Text})
		case model.BlockThinking:
			blocks = append(blocks, model.Block{Type: model.BlockThinking, Thinking: block.Thinking})
		case model.BlockToolUse:
			blocks = append(blocks, model.Block{
				Type:      model.BlockToolUse,
				ToolUseID: block.ID,
				ToolName:  block.Name,
				ToolInput: block.Input,
			})
		case model.BlockToolResult:
			blocks = append(blocks, model.Block{
				Type:      model.BlockToolResult,
				ToolUseID: block.ToolUseID,
				Output:    flattenToolOutput(block.Content),
				IsError:   block.IsError,
			})
		case model.BlockImage:
			b := model.Block{Type: model.BlockImage}
			if block.Source != nil {
				b.MediaType = block.Source.MediaType
			}
			blocks = append(blocks, b)
		default:
			blocks = append(blocks, model.Block{Type: model.BlockUnknown, OriginalType: block.Type, Raw: item})
		}
	}
	return blocks
}

// flattenToolOutput turns tool_result content (string or nested blocks) into text.
func flattenToolOutput(raw json.RawMessage) string {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	var nested []contentBlock
	if err := json.Unmarshal(raw, &nested); err == nil {
		parts := make([]string, 0, len(nested))
		for _, nb := range nested {
			if nb.Text != "" {
				parts = append(parts, nb.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

// timestampText returns the timestamp as written. Strings are unquoted;
// numbers and other values are kept verbatim and later fail to parse.
func timestampText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

func parseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("missing timestamp")
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	return time.Parse(time.RFC3339, value)
}
