package search

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"strings"
	"time"

	"convlog/internal/claude"
	"convlog/internal/model"
)

// Field names a searchable part of a record.
type Field string

const (
	FieldText       Field = "text"        // visible text and tool names
	FieldThinking   Field = "thinking"    // reasoning blocks
	FieldToolResult Field = "tool_result" // tool output
	FieldToolInput  Field = "tool_input"  // tool names and raw input
)

// AllFields lists every indexed field.
var AllFields = []Field{FieldText, FieldThinking, FieldToolResult, FieldToolInput}

// ParseField validates a field name.
func ParseField(name string) (Field, error) {
	for _, f := range AllFields {
		if string(f) == strings.ToLower(strings.TrimSpace(name)) {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown search field %q (want text, thinking, tool_result or tool_input)", name)
}

func fieldText(rec *model.Record, f Field) string {
	switch f {
	case FieldText:
		text := rec.VisibleText()
		if names := rec.ToolNames(); len(names) > 0 {
			text = strings.TrimSpace(text + "\n" + strings.Join(names, " "))
		}
		return text
	case FieldThinking:
		return rec.ThinkingText()
	case FieldToolResult:
		return rec.ToolResultText()
	case FieldToolInput:
		return rec.ToolInputText()
	}
	return ""
}

// Doc is one (record, field) pair. Offset and Line locate the record so its
// content can be re-read on demand.
type Doc struct {
	RecordID  string
	Field     Field
	Role      string
	Length    int
	Offset    int64
	Line      int
	Timestamp time.Time
}

// Posting is one term occurrence count in one doc.
type Posting struct {
	Doc int32
	TF  int32
}

// Segment is the inverted index of a single session file version.
type Segment struct {
	SessionID   string
	Project     string
	Path        string
	Fingerprint model.Fingerprint
	Docs        []Doc
	Postings    map[string][]Posting
	Faults      int
}

// BuildSegment tokenizes every record of the file at path in one pass.
func BuildSegment(ctx context.Context, src Source, opts ...claude.Option) (*Segment, error) {
	seg := &Segment{
		SessionID:   src.SessionID,
		Project:     src.Project,
		Path:        src.Path,
		Fingerprint: src.Fingerprint,
		Postings:    make(map[string][]Posting),
	}
	onFault := func(*model.DecodeFault) error {
		seg.Faults++
		return nil
	}
	err := claude.IterateRecords(src.Path, func(rec model.Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		seg.add(&rec)
		return nil
	}, onFault, opts...)
	if err != nil {
		return nil, err
	}
	return seg, nil
}

func (s *Segment) add(rec *model.Record) {
	for _, f := range AllFields {
		tokens := Tokenize(fieldText(rec, f))
		if len(tokens) == 0 {
			continue
		}
		doc := int32(len(s.Docs))
		s.Docs = append(s.Docs, Doc{
			RecordID:  rec.ID,
			Field:     f,
			Role:      string(rec.Kind),
			Length:    len(tokens),
			Offset:    rec.Offset,
			Line:      rec.Line,
			Timestamp: rec.Timestamp,
		})
		tf := make(map[string]int32, len(tokens))
		for _, t := range tokens {
			tf[t]++
		}
		for term, n := range tf {
			s.Postings[term] = append(s.Postings[term], Posting{Doc: doc, TF: n})
		}
	}
}

// Encode serialises the segment with gob.
func (s *Segment) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, fmt.Errorf("encode segment %s: %w", s.Path, err)
	}
	return buf.Bytes(), nil
}

// DecodeSegment reverses Encode.
func DecodeSegment(payload []byte) (*Segment, error) {
	var s Segment
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode segment: %w", err)
	}
	if s.Postings == nil {
		s.Postings = make(map[string][]Posting)
	}
	return &s, nil
}
