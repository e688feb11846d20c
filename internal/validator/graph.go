package validator

import (
	"sort"

	"github.com/flexinfer/blueprint-engine/pkg/types"
)

// Plan is the scheduling view of a validated blueprint.
type Plan struct {
	Blueprint *types.Blueprint

	// Order is a deterministic topological order of the graph with back
	// edges removed.
	Order []string
	// Index is the declaration index of each node, used as a tie breaker.
	Index map[string]int

	// In and Out hold forward edges only. Back holds the edges that close a
	// cycle, keyed by source node.
	In   map[string][]types.Edge
	Out  map[string][]types.Edge
	Back map[string][]types.Edge

	// Loops maps a loop header (target of a back edge) to its loop.
	Loops map[string]*Loop
	// LoopOf maps every node inside a cycle to its loop header.
	LoopOf map[string]string

	// Ancestors holds, per node, every node with a forward path to it.
	Ancestors map[string]map[string]bool
	// Reach holds, per trigger, every node reachable from it.
	Reach map[string]map[string]bool
}

// Loop is a strongly connected component broken by a logic or wait node.
type Loop struct {
	Header  string
	Members []string
	Cap     int
}

// Node returns the blueprint node with id.
func (p *Plan) Node(id string) *types.Node {
	return p.Blueprint.Node(id)
}

// NearestAncestors returns the forward ancestors of id, nearest first in
// reverse topological order.
func (p *Plan) NearestAncestors(id string) []string {
	anc := p.Ancestors[id]
	out := make([]string, 0, len(anc))
	for i := len(p.Order) - 1; i >= 0; i-- {
		if anc[p.Order[i]] {
			out = append(out, p.Order[i])
		}
	}
	return out
}

// NearestTools returns the tool ancestors of id, nearest first.
func (p *Plan) NearestTools(id string) []string {
	var out []string
	for _, a := range p.NearestAncestors(id) {
		if n := p.Node(a); n != nil && n.Type == types.NodeTypeTool {
			out = append(out, a)
		}
	}
	return out
}

// IsSink reports whether id has no outgoing edges.
func (p *Plan) IsSink(id string) bool {
	return len(p.Out[id]) == 0 && len(p.Back[id]) == 0
}

// DownstreamTools returns the tool nodes directly reachable from id.
func (p *Plan) DownstreamTools(id string) []*types.Node {
	var out []*types.Node
	for _, e := range p.Out[id] {
		if n := p.Node(e.Target); n != nil && n.Type == types.NodeTypeTool {
			out = append(out, n)
		}
	}
	return out
}

// adjacency returns successors in edge declaration order.
func adjacency(bp *types.Blueprint) map[string][]types.Edge {
	adj := make(map[string][]types.Edge, len(bp.Nodes))
	for _, e := range bp.Edges {
		adj[e.Source] = append(adj[e.Source], e)
	}
	return adj
}

// reachable returns every node reachable from start over all edges.
func reachable(adj map[string][]types.Edge, start string) map[string]bool {
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range adj[n] {
			if !seen[e.Target] {
				seen[e.Target] = true
				stack = append(stack, e.Target)
			}
		}
	}
	return seen
}

// stronglyConnected returns the SCCs of the graph (Tarjan), in a stable order.
func stronglyConnected(bp *types.Blueprint, adj map[string][]types.Edge) [][]string {
	var (
		index   = 0
		stack   []string
		onStack = make(map[string]bool)
		indices = make(map[string]int)
		low     = make(map[string]int)
		out     [][]string
	)

	var strongConnect func(v string)
	strongConnect = func(v string) {
		indices[v] = index
		low[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, e := range adj[v] {
			w := e.Target
			if _, seen := indices[w]; !seen {
				strongConnect(w)
				if low[w] < low[v] {
					low[v] = low[w]
				}
			} else if onStack[w] && indices[w] < low[v] {
				low[v] = indices[w]
			}
		}

		if low[v] == indices[v] {
			var comp []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			out = append(out, comp)
		}
	}

	for _, n := range bp.Nodes {
		if _, seen := indices[n.ID]; !seen {
			strongConnect(n.ID)
		}
	}
	return out
}

// backEdges classifies the edges that close a cycle using a DFS from the
// triggers in declaration order.
func backEdges(bp *types.Blueprint, adj map[string][]types.Edge) map[string]bool {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int)
	back := make(map[string]bool)

	var visit func(v string)
	visit = func(v string) {
		color[v] = grey
		for _, e := range adj[v] {
			switch color[e.Target] {
			case white:
				visit(e.Target)
			case grey:
				back[edgeKey(e)] = true
			}
		}
		color[v] = black
	}

	for _, t := range bp.Triggers() {
		if color[t.ID] == white {
			visit(t.ID)
		}
	}
	for _, n := range bp.Nodes {
		if color[n.ID] == white {
			visit(n.ID)
		}
	}
	return back
}

func edgeKey(e types.Edge) string {
	if e.ID != "" {
		return e.ID
	}
	return e.Source + "->" + e.Target + "#" + e.Condition
}

// topoOrder runs Kahn's algorithm over forward edges, breaking ties by
// declaration index.
func topoOrder(bp *types.Blueprint, in map[string][]types.Edge, out map[string][]types.Edge, index map[string]int) []string {
	indeg := make(map[string]int, len(bp.Nodes))
	for _, n := range bp.Nodes {
		indeg[n.ID] = len(in[n.ID])
	}

	var ready []string
	for _, n := range bp.Nodes {
		if indeg[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}

	order := make([]string, 0, len(bp.Nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return index[ready[i]] < index[ready[j]] })
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		for _, e := range out[n] {
			indeg[e.Target]--
			if indeg[e.Target] == 0 {
				ready = append(ready, e.Target)
			}
		}
	}
	return order
}

// buildPlan assumes ids are unique and edges reference existing nodes.
func buildPlan(bp *types.Blueprint, defaultCap int) (*Plan, [][]string) {
	adj := adjacency(bp)
	p := &Plan{
		Blueprint: bp,
		Index:     make(map[string]int, len(bp.Nodes)),
		In:        make(map[string][]types.Edge),
		Out:       make(map[string][]types.Edge),
		Back:      make(map[string][]types.Edge),
		Loops:     make(map[string]*Loop),
		LoopOf:    make(map[string]string),
		Ancestors: make(map[string]map[string]bool),
		Reach:     make(map[string]map[string]bool),
	}
	for i, n := range bp.Nodes {
		p.Index[n.ID] = i
	}

	back := backEdges(bp, adj)
	for _, e := range bp.Edges {
		if back[edgeKey(e)] {
			p.Back[e.Source] = append(p.Back[e.Source], e)
			continue
		}
		p.Out[e.Source] = append(p.Out[e.Source], e)
		p.In[e.Target] = append(p.In[e.Target], e)
	}

	p.Order = topoOrder(bp, p.In, p.Out, p.Index)

	for _, id := range p.Order {
		anc := make(map[string]bool)
		for _, e := range p.In[id] {
			anc[e.Source] = true
			for a := range p.Ancestors[e.Source] {
				anc[a] = true
			}
		}
		p.Ancestors[id] = anc
	}

	for _, t := range bp.Triggers() {
		p.Reach[t.ID] = reachable(adj, t.ID)
	}

	var cycles [][]string
	for _, comp := range stronglyConnected(bp, adj) {
		if len(comp) < 2 {
			continue
		}
		sort.Slice(comp, func(i, j int) bool { return p.Index[comp[i]] < p.Index[comp[j]] })
		cycles = append(cycles, comp)

		members := make(map[string]bool, len(comp))
		for _, id := range comp {
			members[id] = true
		}
		header := ""
		for _, id := range comp {
			for _, e := range p.Back[id] {
				if members[e.Target] && (header == "" || p.Index[e.Target] < p.Index[header]) {
					header = e.Target
				}
			}
		}
		if header == "" {
			header = comp[0]
		}
		loop := &Loop{Header: header, Members: comp, Cap: loopCap(bp, comp, defaultCap)}
		for _, id := range comp {
			p.LoopOf[id] = header
			for _, e := range p.Back[id] {
				if members[e.Target] {
					p.Loops[e.Target] = loop
				}
			}
		}
		p.Loops[header] = loop
	}
	return p, cycles
}

// loopCap is the smallest explicit cap among the loop's gate nodes.
func loopCap(bp *types.Blueprint, members []string, defaultCap int) int {
	limit := 0
	for _, id := range members {
		n := bp.Node(id)
		var c int
		switch d := n.Data.(type) {
		case *types.LogicData:
			c = d.MaxIterations
		case *types.WaitData:
			c = d.MaxIterations
		}
		if c > 0 && (limit == 0 || c < limit) {
			limit = c
		}
	}
	if limit == 0 {
		limit = defaultCap
	}
	return limit
}

// isGate reports whether n may break a cycle.
func isGate(n *types.Node) bool {
	return n.Type == types.NodeTypeLogic || n.Type == types.NodeTypeWait
}
