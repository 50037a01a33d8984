package diagram

// NodeKind classifies a diagram node by the flow node type it renders.
type NodeKind string

const (
	NodeKindClick NodeKind = "click"
	NodeKindCheck NodeKind = "check"
	NodeKindDelay NodeKind = "delay"
	NodeKindStart NodeKind = "start"
	NodeKindEnd   NodeKind = "end"
	NodeKindOther NodeKind = "other"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single flow node in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries what a run did at a node.
type StatusOverlay struct {
	Visits int
	// Matched is set on the check node that found the modifier.
	Matched bool
	// Current marks the node entered last.
	Current bool
}

// state returns the overlay class name used by the renderers.
func (s *StatusOverlay) state() string {
	switch {
	case s == nil:
		return ""
	case s.Matched:
		return "matched"
	case s.Current:
		return "current"
	case s.Visits > 0:
		return "visited"
	}
	return ""
}

// Edge connects two nodes. Label is the branch for checkRegion edges.
type Edge struct {
	From  string
	To    string
	Label string
}
