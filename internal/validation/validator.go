package validation

import "github.com/rendis/autocraft/pkg/schema"

// Validator checks flow graphs for correctness before they are run.
type Validator interface {
	ValidateFlow(g *schema.FlowGraph) error
}

// ExpressionCompiler compiles guard expressions without running them.
// Satisfied by the CEL and Expr engines.
type ExpressionCompiler interface {
	Compile(expression string) error
}
