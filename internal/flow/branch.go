package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
)

// Branch builds a node whose action is decided by an expr expression
// evaluated against the shared state. Node outputs become variables;
// reserved "__"-prefixed keys are excluded from the environment.
// Booleans map to the "true"/"false" actions, strings pass through as
// the action, anything else fails the node.
//
// Example: flow.Branch("Route", `sentiment == "positive"`) wired with
// .On("true", happyNode).On("false", sadNode).
func Branch(name, expression string, opts ...Option) *Node {
	return NewNode(name, branchLifecycle{expression: expression}, opts...)
}

type branchLifecycle struct {
	expression string
}

// Prepare snapshots the expression environment from shared state.
func (b branchLifecycle) Prepare(ctx context.Context, shared Shared, params Params) (any, error) {
	env := make(map[string]any, len(shared))
	for k, v := range shared {
		if !strings.HasPrefix(k, "__") {
			env[k] = v
		}
	}
	return env, nil
}

// Execute compiles and runs the expression against the prepared
// environment.
func (b branchLifecycle) Execute(ctx context.Context, prep any, shared Shared, params Params, attempt int) (any, error) {
	env, _ := prep.(map[string]any)

	program, err := expr.Compile(b.expression, expr.Env(env))
	if err != nil {
		return nil, fmt.Errorf("compile branch expression %q: %w", b.expression, err)
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate branch expression %q: %w", b.expression, err)
	}
	return result, nil
}

// Finalize converts the expression result into an action.
func (b branchLifecycle) Finalize(ctx context.Context, shared Shared, prep, exec any, params Params) (Action, error) {
	switch v := exec.(type) {
	case bool:
		if v {
			return Action("true"), nil
		}
		return Action("false"), nil
	case string:
		if v == "" {
			return DefaultAction, nil
		}
		return Action(v), nil
	default:
		return "", fmt.Errorf("branch expression %q returned %T, want bool or string", b.expression, exec)
	}
}
