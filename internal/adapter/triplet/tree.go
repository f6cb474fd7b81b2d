package triplet

import "github.com/beaconrl/beacon/internal/domain/span"

// Tree is the reconstructed causal forest of one trace.
type Tree struct {
	TraceID string
	Roots   []*Node
	Nodes   []*Node // all nodes in input order
}

// Node wraps a span with its children. Children keep the input order so
// causal structure survives duplicate timestamps.
type Node struct {
	Span     span.Span
	Children []*Node
}

// BuildTrees reconstructs trace trees from a flat span list in a single pass
// plus an index lookup. Spans whose declared parent is absent from the input
// are promoted to roots; reconstruction never fails. Trees come back in the
// order their trace IDs first appear in the input.
func BuildTrees(spans []span.Span) []*Tree {
	byTrace := make(map[string][]span.Span)
	var traceOrder []string
	for _, sp := range spans {
		if _, seen := byTrace[sp.TraceID]; !seen {
			traceOrder = append(traceOrder, sp.TraceID)
		}
		byTrace[sp.TraceID] = append(byTrace[sp.TraceID], sp)
	}

	trees := make([]*Tree, 0, len(traceOrder))
	for _, traceID := range traceOrder {
		trees = append(trees, buildTree(traceID, byTrace[traceID]))
	}
	return trees
}

func buildTree(traceID string, spans []span.Span) *Tree {
	index := make(map[string]*Node, len(spans))
	nodes := make([]*Node, 0, len(spans))
	for _, sp := range spans {
		node := &Node{Span: sp}
		index[sp.SpanID] = node
		nodes = append(nodes, node)
	}

	var roots []*Node
	for _, node := range nodes {
		if node.Span.ParentID == "" {
			roots = append(roots, node)
			continue
		}
		parent, ok := index[node.Span.ParentID]
		if !ok || parent == node {
			// Dangling parent reference; treat the span as a root.
			roots = append(roots, node)
			continue
		}
		parent.Children = append(parent.Children, node)
	}

	return &Tree{TraceID: traceID, Roots: roots, Nodes: nodes}
}
