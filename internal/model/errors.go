package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is matched by NotFoundError.
	ErrNotFound = errors.New("not found")
	// ErrAmbiguous is matched by AmbiguousError.
	ErrAmbiguous = errors.New("ambiguous reference")
	// ErrIndexUnavailable is returned when a query runs before any index build.
	ErrIndexUnavailable = errors.New("search index not built")
)

// DecodeFault reports a malformed line. It never ends the stream.
type DecodeFault struct {
	Path   string
	Line   int
	Offset int64
	Err    error
}

func (e *DecodeFault) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s:%d: decode: %v", e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("line %d: decode: %v", e.Line, e.Err)
}

func (e *DecodeFault) Unwrap() error { return e.Err }

// ChainDiscontinuity reports records whose parent never appeared; they were
// promoted to roots.
type ChainDiscontinuity struct {
	SessionID string
	Orphans   []string
	Cycles    []string
	Duplicate []string
}

func (e *ChainDiscontinuity) Error() string {
	var parts []string
	if len(e.Orphans) > 0 {
		parts = append(parts, fmt.Sprintf("%d orphaned record(s) promoted to root (first %s)", len(e.Orphans), e.Orphans[0]))
	}
	if len(e.Cycles) > 0 {
		parts = append(parts, fmt.Sprintf("%d parent cycle(s) broken at %s", len(e.Cycles), e.Cycles[0]))
	}
	if len(e.Duplicate) > 0 {
		parts = append(parts, fmt.Sprintf("%d duplicate id(s), first %s", len(e.Duplicate), e.Duplicate[0]))
	}
	return fmt.Sprintf("session %s: chain discontinuity: %s", e.SessionID, strings.Join(parts, "; "))
}

// NotFoundError reports an unknown identifier, alias or prefix.
type NotFoundError struct {
	Kind        string // "session" when empty
	Ref         string
	Suggestions []string
}

func (e *NotFoundError) Error() string {
	kind := e.Kind
	if kind == "" {
		kind = "session"
	}
	if len(e.Suggestions) > 0 {
		return fmt.Sprintf("%s %q not found (did you mean %s?)", kind, e.Ref, strings.Join(e.Suggestions, ", "))
	}
	return fmt.Sprintf("%s %q not found", kind, e.Ref)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// AmbiguousError reports a reference that matches more than one session.
type AmbiguousError struct {
	Ref        string
	Candidates []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("session reference %q is ambiguous: matches %s", e.Ref, strings.Join(e.Candidates, ", "))
}

func (e *AmbiguousError) Unwrap() error { return ErrAmbiguous }

// IOFailure reports an unreadable or vanished session file. It is fatal for
// that session only.
type IOFailure struct {
	Path string
	Op   string
	Err  error
}

func (e *IOFailure) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOFailure) Unwrap() error { return e.Err }
