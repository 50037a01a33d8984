package schema

import "strings"

// Well-known node IDs every flow must contain.
const (
	StartNodeID = "start"
	EndNodeID   = "end"
)

// NodeKind enumerates the kinds of nodes in a flow graph.
type NodeKind string

const (
	NodeKindStart       NodeKind = "start"
	NodeKindEnd         NodeKind = "end"
	NodeKindLeftClick   NodeKind = "leftClick"
	NodeKindRightClick  NodeKind = "rightClick"
	NodeKindCheckRegion NodeKind = "checkRegion"
	NodeKindDelay       NodeKind = "delay"

	// nodeKindCheckTooltip is the legacy name of checkRegion.
	nodeKindCheckTooltip NodeKind = "checkTooltip"
)

// Branch labels used on the outgoing edges of checkRegion nodes.
const (
	BranchTrue  = "true"
	BranchFalse = "false"
)

// FlowGraph is the JSON-serializable crafting flow authored in the editor.
// The executor treats it as read-only for the duration of a run.
type FlowGraph struct {
	Name     string         `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes    []Node         `json:"nodes" yaml:"nodes"`
	Edges    []Edge         `json:"edges" yaml:"edges"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Node is one step of a flow graph.
type Node struct {
	ID   string   `json:"id" yaml:"id"`
	Kind NodeKind `json:"type" yaml:"type"`
	Data StepData `json:"data,omitempty" yaml:"data,omitempty"`
}

// Label returns the user-facing name of the node.
func (n Node) Label() string {
	if n.Data.CustomName != "" {
		return n.Data.CustomName
	}
	if n.Kind != "" {
		return string(n.Kind)
	}
	return n.ID
}

// Edge connects two nodes. Branch is empty for unconditional edges and
// "true" or "false" for the outcomes of a checkRegion node.
type Edge struct {
	ID     string `json:"id,omitempty" yaml:"id,omitempty"`
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
	Branch string `json:"sourceHandle,omitempty" yaml:"sourceHandle,omitempty"`
}

// Conditional reports whether the edge carries a branch label.
func (e Edge) Conditional() bool {
	return e.Branch != ""
}

// Position is a screen coordinate in pixels.
type Position struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
}

// Region is a screen rectangle in pixels.
type Region struct {
	X      int `json:"x" yaml:"x"`
	Y      int `json:"y" yaml:"y"`
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// StepData carries the kind-specific configuration of a node. Only the
// fields relevant to the node kind are read.
type StepData struct {
	CustomName string `json:"customName,omitempty" yaml:"customName,omitempty"`

	// leftClick / rightClick
	Position    *Position `json:"position,omitempty" yaml:"position,omitempty"`
	UseShift    bool      `json:"useShift,omitempty" yaml:"useShift,omitempty"`
	PostDelayMs *int      `json:"postDelayMs,omitempty" yaml:"postDelayMs,omitempty"`

	// checkRegion
	Region    *Region        `json:"region,omitempty" yaml:"region,omitempty"`
	Modifiers []ModifierSpec `json:"modifiers,omitempty" yaml:"modifiers,omitempty"`

	// delay
	DurationMs int `json:"durationMs,omitempty" yaml:"durationMs,omitempty"`

	// Legacy editor fields, folded into the fields above by Resolve.
	DelayMs      *int           `json:"delayMs,omitempty" yaml:"delayMs,omitempty"`
	ModifierList []ModifierSpec `json:"modifierList,omitempty" yaml:"modifierList,omitempty"`
	ModifierText string         `json:"modifierText,omitempty" yaml:"modifierText,omitempty"`
}

// ModifierSpec is one target modifier of a checkRegion node.
type ModifierSpec struct {
	Pattern  string `json:"pattern" yaml:"pattern"`
	Text     string `json:"text,omitempty" yaml:"text,omitempty"`
	MinValue *int   `json:"minValue,omitempty" yaml:"minValue,omitempty"`
	MaxValue *int   `json:"maxValue,omitempty" yaml:"maxValue,omitempty"`
	UseRange bool   `json:"useRange,omitempty" yaml:"useRange,omitempty"`

	// When is an optional guard expression evaluated after a textual match.
	When string `json:"when,omitempty" yaml:"when,omitempty"`
}

// PlaceholderToken marks the numeric slot of a range pattern.
const PlaceholderToken = "#"

// DisplayText returns the text shown in logs for the modifier.
func (m ModifierSpec) DisplayText() string {
	if m.Text != "" {
		return m.Text
	}
	return m.Pattern
}

// InRange reports whether v lies within the modifier bounds. A missing
// bound leaves that side open.
func (m ModifierSpec) InRange(v int) bool {
	if m.MinValue != nil && v < *m.MinValue {
		return false
	}
	if m.MaxValue != nil && v > *m.MaxValue {
		return false
	}
	return true
}

// Resolve returns a copy of the graph with legacy editor fields folded into
// their current equivalents:
//   - "checkTooltip" nodes become "checkRegion";
//   - delayMs fills postDelayMs / durationMs when those are unset;
//   - modifierList, then modifierText, fill an empty modifiers list;
//   - useRange is inferred when a bound is set and the pattern has a placeholder;
//   - pattern falls back to text.
//
// Left and right clicks without any post delay default to 50ms and 100ms.
func (g FlowGraph) Resolve() FlowGraph {
	out := FlowGraph{Name: g.Name, Metadata: g.Metadata}
	out.Nodes = make([]Node, len(g.Nodes))
	for i, n := range g.Nodes {
		out.Nodes[i] = resolveNode(n)
	}
	out.Edges = append([]Edge(nil), g.Edges...)
	return out
}

func resolveNode(n Node) Node {
	if n.Kind == nodeKindCheckTooltip {
		n.Kind = NodeKindCheckRegion
	}
	d := n.Data

	switch n.Kind {
	case NodeKindLeftClick, NodeKindRightClick:
		if d.PostDelayMs == nil {
			ms := defaultPostDelay(n.Kind)
			if d.DelayMs != nil && *d.DelayMs > 0 {
				ms = *d.DelayMs
			}
			d.PostDelayMs = &ms
		}
	case NodeKindDelay:
		if d.DurationMs == 0 && d.DelayMs != nil {
			d.DurationMs = *d.DelayMs
		}
	case NodeKindCheckRegion:
		mods := d.Modifiers
		if len(mods) == 0 && len(d.ModifierList) > 0 {
			mods = d.ModifierList
		}
		if len(mods) == 0 && strings.TrimSpace(d.ModifierText) != "" {
			mods = []ModifierSpec{{Pattern: strings.TrimSpace(d.ModifierText)}}
		}
		resolved := make([]ModifierSpec, len(mods))
		for i, m := range mods {
			resolved[i] = resolveModifier(m)
		}
		d.Modifiers = resolved
		d.ModifierList = nil
		d.ModifierText = ""
	}
	d.DelayMs = nil
	n.Data = d
	return n
}

func resolveModifier(m ModifierSpec) ModifierSpec {
	if m.Pattern == "" {
		m.Pattern = m.Text
	}
	if !m.UseRange && (m.MinValue != nil || m.MaxValue != nil) && strings.Contains(m.Pattern, PlaceholderToken) {
		m.UseRange = true
	}
	return m
}

func defaultPostDelay(kind NodeKind) int {
	if kind == NodeKindRightClick {
		return 100
	}
	return 50
}
