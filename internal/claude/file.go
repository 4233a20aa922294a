package claude

import (
	"errors"
	"fmt"
	"io"
	"os"

	"convlog/internal/model"
)

// File is a decoder bound to an open session file.
type File struct {
	*Decoder
	f    *os.File
	opts []Option
}

// Open opens path for streaming decode.
func Open(path string, opts ...Option) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &model.IOFailure{Path: path, Op: "open", Err: err}
	}
	opts = append([]Option{WithPath(path)}, opts...)
	return &File{Decoder: NewDecoder(f, opts...), f: f, opts: opts}, nil
}

// Restart rewinds to the first line.
func (f *File) Restart() error {
	if _, err := f.f.Seek(0, io.SeekStart); err != nil {
		return &model.IOFailure{Path: f.f.Name(), Op: "seek", Err: err}
	}
	f.Decoder = NewDecoder(f.f, f.opts...)
	return nil
}

// Close closes the underlying file.
func (f *File) Close() error {
	return f.f.Close()
}

// FaultFunc receives decode faults during a walk. Returning a non-nil error
// aborts the walk with that error.
type FaultFunc func(*model.DecodeFault) error

// IterateRecords walks the session file and calls fn for each decoded record.
// Malformed lines go to onFault (or are skipped when onFault is nil).
func IterateRecords(path string, fn func(model.Record) error, onFault FaultFunc, opts ...Option) error {
	file, err := Open(path, opts...)
	if err != nil {
		return err
	}
	defer file.Close() //nolint:errcheck

	for {
		rec, err := file.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if handled, herr := handleFault(err, onFault); handled {
				if herr != nil {
					return herr
				}
				continue
			}
			return &model.IOFailure{Path: path, Op: "read", Err: err}
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// ScanHeads walks the session file producing metadata projections only.
func ScanHeads(path string, fn func(model.Head) error, onFault FaultFunc, opts ...Option) error {
	file, err := Open(path, opts...)
	if err != nil {
		return err
	}
	defer file.Close() //nolint:errcheck

	for {
		head, err := file.NextHead()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if handled, herr := handleFault(err, onFault); handled {
				if herr != nil {
					return herr
				}
				continue
			}
			return &model.IOFailure{Path: path, Op: "read", Err: err}
		}
		if err := fn(head); err != nil {
			return err
		}
	}
}

func handleFault(err error, onFault FaultFunc) (bool, error) {
	var fault *model.DecodeFault
	if !errors.As(err, &fault) {
		return false, nil
	}
	if onFault == nil {
		return true, nil
	}
	return true, onFault(fault)
}

// ReadRecordAt decodes the single record starting at offset. line is the
// record's line number, used only for attribution.
func ReadRecordAt(path string, offset int64, line int, opts ...Option) (model.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Record{}, &model.IOFailure{Path: path, Op: "open", Err: err}
	}
	defer f.Close() //nolint:errcheck

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return model.Record{}, &model.IOFailure{Path: path, Op: "seek", Err: err}
	}
	opts = append([]Option{WithPath(path), WithStartOffset(offset, line)}, opts...)
	dec := NewDecoder(f, opts...)
	rec, err := dec.Next()
	if errors.Is(err, io.EOF) {
		return model.Record{}, &model.IOFailure{Path: path, Op: "read", Err: fmt.Errorf("no record at offset %d", offset)}
	}
	return rec, err
}
