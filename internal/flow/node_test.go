package flow

import (
	"context"
	"strings"
	"testing"
)

func TestAddSuccessorDuplicate(t *testing.T) {
	a := NewNode("a", Funcs{})
	b := NewNode("b", Funcs{})
	c := NewNode("c", Funcs{})

	if err := a.AddSuccessor(b, "next"); err != nil {
		t.Fatalf("AddSuccessor: %v", err)
	}
	err := a.AddSuccessor(c, "next")
	if err == nil {
		t.Fatal("expected duplicate action to be rejected")
	}
	if !strings.Contains(err.Error(), "next") {
		t.Errorf("error should name the action, got %q", err)
	}
}

func TestAddSuccessorEmptyActionIsDefault(t *testing.T) {
	a := NewNode("a", Funcs{})
	b := NewNode("b", Funcs{})
	if err := a.AddSuccessor(b, ""); err != nil {
		t.Fatalf("AddSuccessor: %v", err)
	}
	succ, ok := a.Successor(DefaultAction)
	if !ok || succ != b {
		t.Errorf("empty action should wire the default edge")
	}
}

func TestNextChains(t *testing.T) {
	a := NewNode("a", Funcs{})
	b := NewNode("b", Funcs{})
	c := NewNode("c", Funcs{})

	got := a.Next(b)
	if got != b {
		t.Fatal("Next should return the successor for chaining")
	}
	b.Next(c)

	succ, _ := a.Successor(DefaultAction)
	if succ != b {
		t.Error("a should chain to b")
	}
	succ, _ = b.Successor(DefaultAction)
	if succ != c {
		t.Error("b should chain to c")
	}
}

func TestOnReturnsReceiver(t *testing.T) {
	a := NewNode("a", Funcs{})
	b := NewNode("b", Funcs{})
	c := NewNode("c", Funcs{})

	if got := a.On("left", b); got != a {
		t.Fatal("On should return the receiver")
	}
	a.On("right", c)

	if succ, _ := a.Successor("left"); succ != b {
		t.Error("left edge not wired")
	}
	if succ, _ := a.Successor("right"); succ != c {
		t.Error("right edge not wired")
	}
}

func TestOnPanicsOnEmptyAction(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("On with empty action should panic")
		}
	}()
	NewNode("a", Funcs{}).On("", NewNode("b", Funcs{}))
}

func TestMaxRetriesClamped(t *testing.T) {
	n := NewNode("a", Funcs{}, WithMaxRetries(0))
	if n.opts.MaxRetries != 1 {
		t.Errorf("MaxRetries = %d, want 1", n.opts.MaxRetries)
	}
}

func TestFuncsDefaults(t *testing.T) {
	ctx := context.Background()
	var f Funcs

	prep, err := f.Prepare(ctx, Shared{}, Params{})
	if err != nil || prep != nil {
		t.Errorf("Prepare = (%v, %v), want (nil, nil)", prep, err)
	}
	exec, err := f.Execute(ctx, nil, Shared{}, Params{}, 0)
	if err != nil || exec != nil {
		t.Errorf("Execute = (%v, %v), want (nil, nil)", exec, err)
	}
	action, err := f.Finalize(ctx, Shared{}, nil, nil, Params{})
	if err != nil || action != DefaultAction {
		t.Errorf("Finalize = (%v, %v), want (default, nil)", action, err)
	}
}

func TestFindNode(t *testing.T) {
	a := NewNode("a", Funcs{})
	b := NewNode("b", Funcs{})
	c := NewNode("c", Funcs{})
	a.Next(b)
	b.On("loop", a).On("done", c)

	f := New("test", a)
	for _, name := range []string{"a", "b", "c"} {
		if f.FindNode(name) == nil {
			t.Errorf("FindNode(%q) = nil", name)
		}
	}
	if f.FindNode("missing") != nil {
		t.Error("FindNode should return nil for unknown names")
	}
}
