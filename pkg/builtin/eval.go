package builtin

import (
	"context"
	"fmt"
	"maps"

	"github.com/expr-lang/expr"
	"github.com/ormasoftchile/plantrace/pkg/retry"
	"github.com/ormasoftchile/plantrace/pkg/tools"
)

// EvalInput is the input of the eval tool.
type EvalInput struct {
	Expr string `json:"expr" jsonschema:"required"`
}

// evalExpr evaluates an expr-lang expression. Earlier bindings are visible by
// step id and under "bindings"; the run env is visible under "env".
// Examples: len(t) > 3, answer * 2, bindings["u"].signals[0].id
func evalExpr(_ context.Context, input any, tc tools.Context) (any, error) {
	var req EvalInput
	if err := decode(input, &req); err != nil {
		return nil, retry.Permanent(err)
	}

	env := maps.Clone(tc.Bindings)
	if env == nil {
		env = make(map[string]any)
	}
	env["bindings"] = tc.Bindings
	env["env"] = tc.Env

	program, err := expr.Compile(req.Expr, expr.Env(env))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("compile expression %q: %w", req.Expr, err))
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("eval expression %q: %w", req.Expr, err)
	}
	return out, nil
}
