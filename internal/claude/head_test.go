package claude

import (
	"reflect"
	"testing"

	"convlog/internal/model"
)

func TestScanHeads_MatchesFullDecode(t *testing.T) {
	for _, path := range []string{
		fixturePath("-Users-test-project", "sess-simple-0001.jsonl"),
		fixturePath("-Users-test-project", "sess-tools-0002.jsonl"),
		fixturePath("-Users-test-other", "sess-other-0003.jsonl"),
	} {
		var fromRecords []model.Head
		if err := IterateRecords(path, func(rec model.Record) error {
			fromRecords = append(fromRecords, rec.Head())
			return nil
		}, nil); err != nil {
			t.Fatalf("IterateRecords(%s): %v", path, err)
		}

		var fromHeads []model.Head
		faults := 0
		if err := ScanHeads(path, func(h model.Head) error {
			fromHeads = append(fromHeads, h)
			return nil
		}, func(*model.DecodeFault) error {
			faults++
			return nil
		}); err != nil {
			t.Fatalf("ScanHeads(%s): %v", path, err)
		}

		if len(fromHeads) != len(fromRecords) {
			t.Fatalf("%s: head count %d != record count %d", path, len(fromHeads), len(fromRecords))
		}
		for i := range fromHeads {
			a, b := fromHeads[i], fromRecords[i]
			if a.ID != b.ID || a.ParentID != b.ParentID || a.Kind != b.Kind || !a.Timestamp.Equal(b.Timestamp) {
				t.Fatalf("%s #%d: identity mismatch %+v vs %+v", path, i, a, b)
			}
			if a.Usage != b.Usage || a.Model != b.Model || a.MessageID != b.MessageID || a.Text != b.Text || a.IsSidechain != b.IsSidechain {
				t.Fatalf("%s #%d: payload mismatch %+v vs %+v", path, i, a, b)
			}
			if !reflect.DeepEqual(a.ToolNames, b.ToolNames) {
				t.Fatalf("%s #%d: tool names %v vs %v", path, i, a.ToolNames, b.ToolNames)
			}
		}
	}
}

func TestParseHead_Invalid(t *testing.T) {
	if _, err := ParseHead([]byte(`{"type":`)); err == nil {
		t.Fatal("expected error for truncated JSON")
	}
	if _, err := ParseHead([]byte(`[1,2]`)); err == nil {
		t.Fatal("expected error for non-object line")
	}
}
