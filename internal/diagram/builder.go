package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/autocraft/pkg/schema"
)

// Build constructs a DiagramModel from a flow graph and, optionally, the
// events of a run over it. Levels are BFS distances from start; nodes not
// reachable from start go on a final level of their own.
func Build(g *schema.FlowGraph, events []*schema.Event) (*DiagramModel, error) {
	if g == nil {
		return nil, fmt.Errorf("diagram: nil flow")
	}
	resolved := g.Resolve()

	overlays := overlayFromEvents(events)
	nodes := make([]*Node, 0, len(resolved.Nodes))
	known := make(map[string]bool, len(resolved.Nodes))
	for _, n := range resolved.Nodes {
		if known[n.ID] {
			return nil, fmt.Errorf("diagram: duplicate node %q", n.ID)
		}
		known[n.ID] = true
		nodes = append(nodes, &Node{
			ID:     n.ID,
			Label:  nodeLabel(n),
			Kind:   kindOf(n.Kind),
			Status: overlays[n.ID],
		})
	}

	edges := make([]Edge, 0, len(resolved.Edges))
	for _, e := range resolved.Edges {
		if !known[e.Source] || !known[e.Target] {
			continue
		}
		edges = append(edges, Edge{From: e.Source, To: e.Target, Label: e.Branch})
	}

	return &DiagramModel{
		Title:  titleOf(resolved),
		Nodes:  nodes,
		Edges:  edges,
		Levels: buildLevels(nodes, edges),
	}, nil
}

func kindOf(k schema.NodeKind) NodeKind {
	switch k {
	case schema.NodeKindStart:
		return NodeKindStart
	case schema.NodeKindEnd:
		return NodeKindEnd
	case schema.NodeKindLeftClick, schema.NodeKindRightClick:
		return NodeKindClick
	case schema.NodeKindCheckRegion:
		return NodeKindCheck
	case schema.NodeKindDelay:
		return NodeKindDelay
	default:
		return NodeKindOther
	}
}

// nodeLabel is the node's display label, with a second line describing
// what it does.
func nodeLabel(n schema.Node) string {
	d := n.Data
	var detail string
	switch n.Kind {
	case schema.NodeKindLeftClick, schema.NodeKindRightClick:
		if d.Position != nil {
			detail = fmt.Sprintf("(%d, %d)", d.Position.X, d.Position.Y)
		}
		if d.UseShift {
			detail += " +shift"
		}
	case schema.NodeKindCheckRegion:
		texts := make([]string, len(d.Modifiers))
		for i, m := range d.Modifiers {
			texts[i] = m.DisplayText()
		}
		detail = strings.Join(texts, " | ")
	case schema.NodeKindDelay:
		detail = fmt.Sprintf("%dms", d.DurationMs)
	}
	label := n.Label()
	if detail = strings.TrimSpace(detail); detail != "" {
		label += "\n" + detail
	}
	return label
}

// overlayFromEvents folds node_entered and modifier_found events into
// per-node overlays.
func overlayFromEvents(events []*schema.Event) map[string]*StatusOverlay {
	out := make(map[string]*StatusOverlay)
	get := func(id string) *StatusOverlay {
		o, ok := out[id]
		if !ok {
			o = &StatusOverlay{}
			out[id] = o
		}
		return o
	}

	var last string
	for _, e := range events {
		if e == nil || e.NodeID == "" {
			continue
		}
		switch e.Type {
		case schema.EventNodeEntered:
			get(e.NodeID).Visits++
			last = e.NodeID
		case schema.EventModifierFound:
			get(e.NodeID).Matched = true
		}
	}
	if last != "" {
		get(last).Current = true
	}
	return out
}

func buildLevels(nodes []*Node, edges []Edge) [][]string {
	adj := make(map[string][]string)
	for _, e := range edges {
		adj[e.From] = append(adj[e.From], e.To)
	}

	level := map[string]int{schema.StartNodeID: 0}
	queue := []string{schema.StartNodeID}
	var levels [][]string
	hasStart := false
	for _, n := range nodes {
		if n.ID == schema.StartNodeID {
			hasStart = true
		}
	}
	if hasStart {
		levels = append(levels, []string{schema.StartNodeID})
	} else {
		queue = nil
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if _, seen := level[next]; seen {
				continue
			}
			l := level[cur] + 1
			level[next] = l
			if l == len(levels) {
				levels = append(levels, nil)
			}
			levels[l] = append(levels[l], next)
			queue = append(queue, next)
		}
	}

	var orphans []string
	for _, n := range nodes {
		if _, ok := level[n.ID]; !ok {
			orphans = append(orphans, n.ID)
		}
	}
	if len(orphans) > 0 {
		levels = append(levels, orphans)
	}
	return levels
}

func titleOf(g schema.FlowGraph) string {
	if g.Name != "" {
		return g.Name
	}
	if g.Metadata != nil {
		if name, ok := g.Metadata["name"].(string); ok && name != "" {
			return name
		}
	}
	return "Flow"
}
