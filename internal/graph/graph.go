// Package graph reconstructs the conversation tree of a session from the
// parent links of its records.
//
// Nodes live in an arena indexed by position; the identifier map points into
// it and child lists hold indices, so no node references another directly.
package graph

import (
	"sort"
	"time"

	"convlog/internal/model"
)

// Node is one record placed in the tree.
type Node struct {
	Record   model.Record
	Index    int
	Parent   int // -1 for roots
	Children []int
	Depth    int

	Sidechain bool
	// Synthetic marks a root that was promoted because its parent was missing
	// or it sat on a parent cycle.
	Synthetic bool
	// Duplicate marks a later record reusing an identifier already taken.
	Duplicate bool
}

// IsRoot reports whether the node has no parent in the graph.
func (n *Node) IsRoot() bool { return n.Parent < 0 }

// Graph is the reconstructed session.
type Graph struct {
	SessionID string
	Path      string

	Nodes []Node
	index map[string]int
	roots []int

	// Detached holds records without an identifier (summaries, snapshots) in
	// file order.
	Detached []model.Record
	Tools    []model.ToolInvocation
	Faults   []*model.DecodeFault

	// Discontinuity is non-nil when records had to be promoted or duplicates
	// were seen.
	Discontinuity *model.ChainDiscontinuity
	Metadata      model.SessionMetadata
}

// Len returns the number of records with identifiers.
func (g *Graph) Len() int { return len(g.Nodes) }

// Node looks up a node by record identifier. Duplicates are reachable only
// through Nodes.
func (g *Graph) Node(id string) (*Node, bool) {
	idx, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return &g.Nodes[idx], true
}

// IDs returns every record identifier in file order, duplicates included.
func (g *Graph) IDs() []string {
	ids := make([]string, len(g.Nodes))
	for i := range g.Nodes {
		ids[i] = g.Nodes[i].Record.ID
	}
	return ids
}

// Roots returns the root nodes in file order.
func (g *Graph) Roots() []*Node {
	out := make([]*Node, len(g.roots))
	for i, idx := range g.roots {
		out[i] = &g.Nodes[idx]
	}
	return out
}

// Children returns the children of n in file order.
func (g *Graph) Children(n *Node) []*Node {
	out := make([]*Node, len(n.Children))
	for i, idx := range n.Children {
		out[i] = &g.Nodes[idx]
	}
	return out
}

// Chain returns the records from the root down to id, or nil if id is unknown.
func (g *Graph) Chain(id string) []*Node {
	idx, ok := g.index[id]
	if !ok {
		return nil
	}
	var chain []*Node
	for idx >= 0 {
		chain = append(chain, &g.Nodes[idx])
		idx = g.Nodes[idx].Parent
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// Leaves returns nodes without children in file order.
func (g *Graph) Leaves() []*Node {
	var out []*Node
	for i := range g.Nodes {
		if len(g.Nodes[i].Children) == 0 {
			out = append(out, &g.Nodes[i])
		}
	}
	return out
}

// OrderOptions tunes Ordered.
type OrderOptions struct {
	IncludeSidechains bool
}

// Ordered returns nodes in display order: effective timestamp, then depth
// first preorder, then line. A record without a usable timestamp inherits
// the effective timestamp of the record before it in the file.
func (g *Graph) Ordered(opts OrderOptions) []*Node {
	effective := make([]time.Time, len(g.Nodes))
	var prev time.Time
	for i := range g.Nodes {
		if ts := g.Nodes[i].Record.Timestamp; !ts.IsZero() {
			prev = ts
		}
		effective[i] = prev
	}

	pre := make([]int, len(g.Nodes))
	counter := 0
	stack := make([]int, 0, len(g.roots))
	for i := len(g.roots) - 1; i >= 0; i-- {
		stack = append(stack, g.roots[i])
	}
	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		pre[idx] = counter
		counter++
		children := g.Nodes[idx].Children
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}

	order := make([]int, 0, len(g.Nodes))
	for i := range g.Nodes {
		if g.Nodes[i].Sidechain && !opts.IncludeSidechains {
			continue
		}
		order = append(order, i)
	}
	sort.SliceStable(order, func(a, b int) bool {
		i, j := order[a], order[b]
		if !effective[i].Equal(effective[j]) {
			return effective[i].Before(effective[j])
		}
		if pre[i] != pre[j] {
			return pre[i] < pre[j]
		}
		return g.Nodes[i].Record.Line < g.Nodes[j].Record.Line
	})

	out := make([]*Node, len(order))
	for i, idx := range order {
		out[i] = &g.Nodes[idx]
	}
	return out
}

// Tool returns the invocation for a tool_use id.
func (g *Graph) Tool(id string) (model.ToolInvocation, bool) {
	for _, inv := range g.Tools {
		if inv.ID == id {
			return inv, true
		}
	}
	return model.ToolInvocation{}, false
}
