package flow

import (
	"context"
	"strings"
	"testing"
)

func TestBranchBoolExpression(t *testing.T) {
	yes := traceNode("yes", "")
	no := traceNode("no", "")
	route := Branch("Route", `count > 10`)
	route.On("true", yes).On("false", no)

	shared := Shared{"count": 42}
	f := New("branch", route)
	if err := f.Orchestrate(context.Background(), shared, Params{}); err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	if got := strings.Join(trace(shared), ","); got != "yes" {
		t.Errorf("trace = %s, want yes", got)
	}
}

func TestBranchStringExpression(t *testing.T) {
	happy := traceNode("happy", "")
	sad := traceNode("sad", "")
	route := Branch("Route", `sentiment`)
	route.On("positive", happy).On("negative", sad)

	shared := Shared{"sentiment": "negative"}
	f := New("branch", route)
	if err := f.Orchestrate(context.Background(), shared, Params{}); err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	if got := strings.Join(trace(shared), ","); got != "sad" {
		t.Errorf("trace = %s, want sad", got)
	}
}

func TestBranchNonRoutableResult(t *testing.T) {
	route := Branch("Route", `count`)
	route.On("true", traceNode("yes", ""))

	f := New("branch", route)
	err := f.Orchestrate(context.Background(), Shared{"count": 42}, Params{})
	if err == nil || !strings.Contains(err.Error(), "want bool or string") {
		t.Errorf("err = %v, want type error", err)
	}
}

func TestBranchExcludesReservedKeys(t *testing.T) {
	// Reserved keys are not visible to expressions; referencing one is a
	// compile error on the node, which fails the flow.
	route := Branch("Route", `__a2a_task_id != ""`)
	f := New("branch", route)
	err := f.Orchestrate(context.Background(), Shared{"__a2a_task_id": "t1"}, Params{})
	if err == nil {
		t.Error("expected reserved key to be invisible to the expression")
	}
}
