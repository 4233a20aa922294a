package graph

import (
	"sort"

	"convlog/internal/model"
	"convlog/internal/usage"
)

// Builder assembles a Graph from records delivered in file order. A record
// whose parent has not arrived yet waits until it does.
type Builder struct {
	g       *Graph
	pending map[string][]int
	acc     *Accumulator

	orphans    []string
	cycles     []string
	duplicates []string
}

// NewBuilder returns an empty builder.
func NewBuilder(p usage.Pricing) *Builder {
	return &Builder{
		g:       &Graph{index: make(map[string]int)},
		pending: make(map[string][]int),
		acc:     NewAccumulator(p),
	}
}

// Add places rec in the graph.
func (b *Builder) Add(rec model.Record) {
	b.acc.Add(rec.Head())
	if b.g.SessionID == "" && rec.SessionID != "" {
		b.g.SessionID = rec.SessionID
	}
	if !rec.HasID() {
		b.g.Detached = append(b.g.Detached, rec)
		return
	}

	idx := len(b.g.Nodes)
	b.g.Nodes = append(b.g.Nodes, Node{
		Record:    rec,
		Index:     idx,
		Parent:    -1,
		Sidechain: rec.IsSidechain,
	})

	if _, taken := b.g.index[rec.ID]; taken {
		b.g.Nodes[idx].Duplicate = true
		b.duplicates = append(b.duplicates, rec.ID)
		return
	}
	b.g.index[rec.ID] = idx

	if waiting, ok := b.pending[rec.ID]; ok {
		delete(b.pending, rec.ID)
		for _, child := range waiting {
			b.attach(child, idx)
		}
	}

	switch parent := rec.ParentID; {
	case parent == "":
	case parent == rec.ID:
		b.g.Nodes[idx].Synthetic = true
		b.cycles = append(b.cycles, rec.ID)
	default:
		if p, ok := b.g.index[parent]; ok {
			b.attach(idx, p)
		} else {
			b.pending[parent] = append(b.pending[parent], idx)
		}
	}
}

// AddFault records a malformed line that was skipped.
func (b *Builder) AddFault(f *model.DecodeFault) {
	b.acc.AddFault()
	b.g.Faults = append(b.g.Faults, f)
}

func (b *Builder) attach(child, parent int) {
	b.g.Nodes[child].Parent = parent
	b.g.Nodes[parent].Children = append(b.g.Nodes[parent].Children, child)
}

func (b *Builder) detach(idx int) {
	n := &b.g.Nodes[idx]
	if n.Parent < 0 {
		return
	}
	siblings := b.g.Nodes[n.Parent].Children
	for i, c := range siblings {
		if c == idx {
			b.g.Nodes[n.Parent].Children = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	n.Parent = -1
}

// Finish completes the graph. Records whose parent never appeared are
// promoted to synthetic roots and parent cycles are broken; in either case
// the graph is still returned, together with a *model.ChainDiscontinuity.
func (b *Builder) Finish() (*Graph, error) {
	g := b.g

	waitingOn := make([]string, 0, len(b.pending))
	for parent := range b.pending {
		waitingOn = append(waitingOn, parent)
	}
	sort.Slice(waitingOn, func(i, j int) bool {
		return b.pending[waitingOn[i]][0] < b.pending[waitingOn[j]][0]
	})
	for _, parent := range waitingOn {
		for _, idx := range b.pending[parent] {
			g.Nodes[idx].Synthetic = true
			b.orphans = append(b.orphans, g.Nodes[idx].Record.ID)
		}
	}
	b.pending = nil

	b.breakCycles()

	for i := range g.Nodes {
		sort.Ints(g.Nodes[i].Children)
		if g.Nodes[i].Parent < 0 {
			g.roots = append(g.roots, i)
		}
	}
	stack := append([]int(nil), g.roots...)
	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, c := range g.Nodes[idx].Children {
			g.Nodes[c].Depth = g.Nodes[idx].Depth + 1
			stack = append(stack, c)
		}
	}

	g.Tools = pairTools(g)
	g.Metadata = b.acc.Metadata()
	if g.Metadata.SessionID == "" {
		g.Metadata.SessionID = g.SessionID
	}

	if len(b.orphans) == 0 && len(b.cycles) == 0 && len(b.duplicates) == 0 {
		return g, nil
	}
	g.Metadata.Discontinuous = true
	g.Discontinuity = &model.ChainDiscontinuity{
		SessionID: g.SessionID,
		Orphans:   b.orphans,
		Cycles:    b.cycles,
		Duplicate: b.duplicates,
	}
	return g, g.Discontinuity
}

// breakCycles promotes one member of every parent cycle, the one earliest
// in the file, so that every node is reachable from a root.
func (b *Builder) breakCycles() {
	g := b.g
	for {
		reached := make([]bool, len(g.Nodes))
		var stack []int
		for i := range g.Nodes {
			if g.Nodes[i].Parent < 0 {
				reached[i] = true
				stack = append(stack, i)
			}
		}
		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, c := range g.Nodes[idx].Children {
				if !reached[c] {
					reached[c] = true
					stack = append(stack, c)
				}
			}
		}

		start := -1
		for i := range reached {
			if !reached[i] {
				start = i
				break
			}
		}
		if start < 0 {
			return
		}

		// walk up until a node repeats; that node is on the cycle
		seen := make(map[int]bool)
		idx := start
		for !seen[idx] {
			seen[idx] = true
			idx = g.Nodes[idx].Parent
		}
		lowest := idx
		for cur := g.Nodes[idx].Parent; cur != idx; cur = g.Nodes[cur].Parent {
			if cur < lowest {
				lowest = cur
			}
		}
		b.detach(lowest)
		g.Nodes[lowest].Synthetic = true
		b.cycles = append(b.cycles, g.Nodes[lowest].Record.ID)
	}
}
