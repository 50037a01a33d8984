package validation

import "github.com/rendis/autocraft/pkg/schema"

func intPtr(v int) *int { return &v }

// craftFlow is start -> click -> check -true-> end, check -false-> click.
func craftFlow() *schema.FlowGraph {
	return &schema.FlowGraph{
		Name: "alt spam",
		Nodes: []schema.Node{
			{ID: "start", Kind: schema.NodeKindStart},
			{ID: "alt", Kind: schema.NodeKindLeftClick, Data: schema.StepData{
				Position: &schema.Position{X: 120, Y: 340}, UseShift: true,
			}},
			{ID: "check", Kind: schema.NodeKindCheckRegion, Data: schema.StepData{
				Region: &schema.Region{X: 600, Y: 200, Width: 400, Height: 180},
				Modifiers: []schema.ModifierSpec{
					{Pattern: "+# to Level of all Spell Skills", MinValue: intPtr(5), MaxValue: intPtr(7), UseRange: true},
				},
			}},
			{ID: "end", Kind: schema.NodeKindEnd},
		},
		Edges: []schema.Edge{
			{Source: "start", Target: "alt"},
			{Source: "alt", Target: "check"},
			{Source: "check", Target: "end", Branch: schema.BranchTrue},
			{Source: "check", Target: "alt", Branch: schema.BranchFalse},
		},
	}
}

func codes(issues []schema.ValidationIssue) []string {
	out := make([]string, len(issues))
	for i, is := range issues {
		out[i] = is.Code
	}
	return out
}
