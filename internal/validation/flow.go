package validation

import (
	"errors"

	"github.com/rendis/autocraft/pkg/schema"
)

// FlowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (node ids, edge references, per-kind step data)
// 3. Graph (reachability from the start node)
type FlowValidator struct {
	jsonSchema *JSONSchemaValidator
	guards     ExpressionCompiler
}

// NewFlowValidator creates a FlowValidator. guards may be nil to skip
// compiling modifier guard expressions.
func NewFlowValidator(guards ExpressionCompiler) (*FlowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &FlowValidator{
		jsonSchema: jsv,
		guards:     guards,
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit; the graph stage only runs on a
// semantically valid graph.
func (fv *FlowValidator) Validate(g *schema.FlowGraph) *schema.ValidationResult {
	if g == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "flow graph is nil")
		return r
	}

	result := validateStructural(fv.jsonSchema, g)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(g, fv.guards))

	if result.Valid() {
		result.Merge(validateGraph(g))
	}

	return result
}

// ValidateFlow satisfies the Validator interface.
func (fv *FlowValidator) ValidateFlow(g *schema.FlowGraph) error {
	return fv.Validate(g).ToError()
}

func validateStructural(v *JSONSchemaValidator, g *schema.FlowGraph) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateFlow(g)
	if err == nil {
		return result
	}

	var ce *schema.CraftError
	if !errors.As(err, &ce) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := ce.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, ce.Message)
	return result
}
