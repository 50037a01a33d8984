package validation

import (
	"fmt"

	"github.com/rendis/autocraft/pkg/schema"
)

// validateGraph walks the edges the executor can follow, starting at the
// start node. Cycles are legal: a false branch looping back is the normal
// way to retry a check. Every node other than end must be reachable.
func validateGraph(g *schema.FlowGraph) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	kinds := make(map[string]schema.NodeKind, len(g.Nodes))
	for _, n := range g.Nodes {
		kinds[n.ID] = n.Kind
	}

	next := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		if followable(kinds[e.Source], e) {
			next[e.Source] = append(next[e.Source], e.Target)
		}
	}

	reachable := map[string]bool{schema.StartNodeID: true}
	queue := []string{schema.StartNodeID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if kinds[id] == schema.NodeKindEnd {
			continue
		}
		for _, to := range next[id] {
			if !reachable[to] {
				reachable[to] = true
				queue = append(queue, to)
			}
		}
	}

	for i, n := range g.Nodes {
		if reachable[n.ID] {
			continue
		}
		path := fmt.Sprintf("nodes[%d]", i)
		if n.Kind == schema.NodeKindEnd {
			result.AddWarning(path, schema.ErrCodeUnreachable, "end node is unreachable from start")
			continue
		}
		result.AddError(path, schema.ErrCodeUnreachable, fmt.Sprintf("node %q is unreachable from start", n.ID))
	}

	return result
}

// followable mirrors the executor: checkRegion follows labelled edges,
// every other kind follows its unconditional edge.
func followable(kind schema.NodeKind, e schema.Edge) bool {
	if kind == schema.NodeKindCheckRegion {
		return e.Conditional()
	}
	return !e.Conditional()
}
