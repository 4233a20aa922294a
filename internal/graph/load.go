package graph

import (
	"os"

	"convlog/internal/claude"
	"convlog/internal/model"
	"convlog/internal/usage"
)

// Load decodes path and builds its graph in a single pass. Malformed lines
// are skipped and recorded in Graph.Faults. Like Finish, Load may return a
// usable graph together with a *model.ChainDiscontinuity.
func Load(path string, p usage.Pricing, opts ...claude.Option) (*Graph, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &model.IOFailure{Path: path, Op: "stat", Err: err}
	}

	b := NewBuilder(p)
	err = claude.IterateRecords(path, func(rec model.Record) error {
		b.Add(rec)
		return nil
	}, func(f *model.DecodeFault) error {
		b.AddFault(f)
		return nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	g, err := b.Finish()
	g.Path = path
	g.Metadata.Bytes = info.Size()
	return g, err
}

// LoadMetadata derives session metadata from a head-only scan of path,
// without materialising content blocks or building the tree.
func LoadMetadata(path string, p usage.Pricing, opts ...claude.Option) (model.SessionMetadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		return model.SessionMetadata{}, &model.IOFailure{Path: path, Op: "stat", Err: err}
	}

	acc := NewAccumulator(p)
	err = claude.ScanHeads(path, func(h model.Head) error {
		acc.Add(h)
		return nil
	}, func(*model.DecodeFault) error {
		acc.AddFault()
		return nil
	}, opts...)
	if err != nil {
		return model.SessionMetadata{}, err
	}

	meta := acc.Metadata()
	meta.Bytes = info.Size()
	return meta, nil
}
