package validation

import (
	"fmt"
	"strings"

	"github.com/rendis/autocraft/pkg/schema"
)

var knownKinds = map[schema.NodeKind]bool{
	schema.NodeKindStart:       true,
	schema.NodeKindEnd:         true,
	schema.NodeKindLeftClick:   true,
	schema.NodeKindRightClick:  true,
	schema.NodeKindCheckRegion: true,
	schema.NodeKindDelay:       true,
}

// validateSemantic checks node identity, the start/end anchors, edge
// references and label uniqueness, and the data each node kind requires.
func validateSemantic(g *schema.FlowGraph, guards ExpressionCompiler) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	kinds := make(map[string]schema.NodeKind, len(g.Nodes))
	for i, n := range g.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		if _, dup := kinds[n.ID]; dup {
			result.AddError(path+".id", schema.ErrCodeDuplicateNode, fmt.Sprintf("duplicate node id %q", n.ID))
			continue
		}
		kinds[n.ID] = n.Kind
		validateNodeData(n, path, guards, result)
	}

	checkAnchor(kinds, schema.StartNodeID, schema.NodeKindStart, result)
	checkAnchor(kinds, schema.EndNodeID, schema.NodeKindEnd, result)

	validateEdges(g.Edges, kinds, result)
	return result
}

func checkAnchor(kinds map[string]schema.NodeKind, id string, want schema.NodeKind, result *schema.ValidationResult) {
	kind, ok := kinds[id]
	if !ok {
		result.AddError("nodes", schema.ErrCodeMissingNode, fmt.Sprintf("flow has no %q node", id))
		return
	}
	if kind != want {
		result.AddError("nodes", schema.ErrCodeMissingNode,
			fmt.Sprintf("node %q must be of type %q, got %q", id, want, kind))
	}
}

func validateNodeData(n schema.Node, path string, guards ExpressionCompiler, result *schema.ValidationResult) {
	if !knownKinds[n.Kind] {
		result.AddWarning(path+".type", schema.ErrCodeValidation,
			fmt.Sprintf("unknown node type %q is skipped at run time", n.Kind))
		return
	}
	if n.Kind == schema.NodeKindStart && n.ID != schema.StartNodeID {
		result.AddError(path+".id", schema.ErrCodeDuplicateNode,
			fmt.Sprintf("start node must have id %q, got %q", schema.StartNodeID, n.ID))
	}
	if n.Kind == schema.NodeKindEnd && n.ID != schema.EndNodeID {
		result.AddError(path+".id", schema.ErrCodeDuplicateNode,
			fmt.Sprintf("end node must have id %q, got %q", schema.EndNodeID, n.ID))
	}

	d := n.Data
	switch n.Kind {
	case schema.NodeKindLeftClick, schema.NodeKindRightClick:
		if d.Position == nil {
			result.AddError(path+".data.position", schema.ErrCodeMissingData,
				fmt.Sprintf("%s node %q has no position", n.Kind, n.ID))
		}
	case schema.NodeKindCheckRegion:
		if d.Region == nil {
			result.AddError(path+".data.region", schema.ErrCodeMissingData,
				fmt.Sprintf("checkRegion node %q has no region", n.ID))
		}
		if len(d.Modifiers) == 0 {
			result.AddError(path+".data.modifiers", schema.ErrCodeMissingData,
				fmt.Sprintf("checkRegion node %q has no modifiers", n.ID))
		}
		for j, m := range d.Modifiers {
			validateModifier(m, fmt.Sprintf("%s.data.modifiers[%d]", path, j), guards, result)
		}
	}
}

func validateModifier(m schema.ModifierSpec, path string, guards ExpressionCompiler, result *schema.ValidationResult) {
	if strings.TrimSpace(m.Pattern) == "" {
		result.AddError(path+".pattern", schema.ErrCodeMissingData, "modifier pattern is empty")
	}
	if m.UseRange {
		if m.MinValue == nil && m.MaxValue == nil {
			result.AddError(path, schema.ErrCodeInvalidRange, "range modifier needs minValue or maxValue")
		}
		if !strings.Contains(m.Pattern, schema.PlaceholderToken) {
			result.AddWarning(path+".pattern", schema.ErrCodeInvalidRange,
				fmt.Sprintf("range pattern %q has no %q placeholder", m.Pattern, schema.PlaceholderToken))
		}
	}
	if m.MinValue != nil && m.MaxValue != nil && *m.MinValue > *m.MaxValue {
		result.AddError(path, schema.ErrCodeInvalidRange,
			fmt.Sprintf("minValue %d is greater than maxValue %d", *m.MinValue, *m.MaxValue))
	}
	if m.When != "" && guards != nil {
		if err := guards.Compile(m.When); err != nil {
			result.AddError(path+".when", schema.ErrCodeExpression, err.Error())
		}
	}
}

func validateEdges(edges []schema.Edge, kinds map[string]schema.NodeKind, result *schema.ValidationResult) {
	type slot struct{ source, branch string }
	taken := make(map[slot]int, len(edges))

	for i, e := range edges {
		path := fmt.Sprintf("edges[%d]", i)
		srcKind, srcOK := kinds[e.Source]
		if !srcOK {
			result.AddError(path+".source", schema.ErrCodeDanglingEdge, fmt.Sprintf("source %q does not exist", e.Source))
		}
		if _, ok := kinds[e.Target]; !ok {
			result.AddError(path+".target", schema.ErrCodeDanglingEdge, fmt.Sprintf("target %q does not exist", e.Target))
		}

		s := slot{e.Source, e.Branch}
		if prev, dup := taken[s]; dup {
			label := "unconditional edge"
			if e.Conditional() {
				label = fmt.Sprintf("%q edge", e.Branch)
			}
			result.AddError(path, schema.ErrCodeDuplicateEdge,
				fmt.Sprintf("node %q already has an outgoing %s (edges[%d])", e.Source, label, prev))
			continue
		}
		taken[s] = i

		if !srcOK {
			continue
		}
		switch {
		case srcKind == schema.NodeKindEnd:
			result.AddWarning(path, schema.ErrCodeValidation, "edges leaving the end node are never followed")
		case srcKind == schema.NodeKindCheckRegion && !e.Conditional():
			result.AddWarning(path, schema.ErrCodeValidation,
				fmt.Sprintf("checkRegion node %q only follows true/false edges", e.Source))
		case srcKind != schema.NodeKindCheckRegion && e.Conditional():
			result.AddWarning(path, schema.ErrCodeValidation,
				fmt.Sprintf("node %q of type %q ignores %q edges", e.Source, srcKind, e.Branch))
		}
	}
}
