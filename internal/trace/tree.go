package trace

import "sort"

// Node is one span in a reconstructed trace tree.
type Node struct {
	SpanID   string
	Parent   string
	Children []*Node
}

// BuildTree reconstructs the span tree of a trace from its adjacency
// relation (span_id -> parent_span_id). Roots are spans whose parent is
// empty or unknown; children are ordered by span id for determinism.
func BuildTree(spans map[string]string) []*Node {
	nodes := make(map[string]*Node, len(spans))
	for id, parent := range spans {
		nodes[id] = &Node{SpanID: id, Parent: parent}
	}
	var roots []*Node
	for id, n := range nodes {
		parent, ok := nodes[spans[id]]
		if !ok || spans[id] == "" || spans[id] == id {
			roots = append(roots, n)
			continue
		}
		parent.Children = append(parent.Children, n)
	}
	var sortChildren func(n *Node)
	sortChildren = func(n *Node) {
		sort.Slice(n.Children, func(i, j int) bool { return n.Children[i].SpanID < n.Children[j].SpanID })
		for _, c := range n.Children {
			sortChildren(c)
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].SpanID < roots[j].SpanID })
	for _, r := range roots {
		sortChildren(r)
	}
	return roots
}
