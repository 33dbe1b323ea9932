// Package flow implements the PocketMesh graph engine: nodes with a
// prepare/execute/finalize lifecycle, wired into a rooted flow that an
// orchestrator walks action-by-action. Nodes are plain Go values
// implementing Lifecycle; optional capabilities (batch items, fallbacks)
// are expressed as additional interfaces.
package flow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Action is the short string tag a node's finalize returns to select the
// outgoing edge. The empty action collapses to DefaultAction.
type Action string

// DefaultAction is the edge used when finalize returns the empty action.
const DefaultAction Action = "default"

// Shared is the mutable per-run state nodes read and write. The
// orchestrator guarantees single-writer access within a run; values must
// be JSON-serializable because shared state is checkpointed after every
// node.
type Shared map[string]any

// Params carries per-node configuration, merged from flow defaults, node
// defaults and runtime params (later wins).
type Params map[string]any

// ArtifactKey marks an execute result (or batch item result) that carries
// an artifact: a map result containing this key fires the flow's artifact
// hook with the key's value before finalize runs.
const ArtifactKey = "__a2a_artifact"

var (
	// ErrIllegalState is returned when a flow is driven as a plain node.
	ErrIllegalState = errors.New("illegal state")

	// ErrCancelled signals cooperative cancellation between nodes.
	ErrCancelled = errors.New("flow cancelled")
)

// Lifecycle is the surface every unit of work implements.
//
// Prepare produces the input for Execute and may mutate shared; it is
// never retried. Execute does the main work and is retried up to the
// node's MaxRetries; attempt starts at 0 so implementations can make
// idempotency decisions. Finalize records results into shared and
// returns the action keying the next edge; it is never retried.
type Lifecycle interface {
	Prepare(ctx context.Context, shared Shared, params Params) (any, error)
	Execute(ctx context.Context, prep any, shared Shared, params Params, attempt int) (any, error)
	Finalize(ctx context.Context, shared Shared, prep, exec any, params Params) (Action, error)
}

// ItemExecutor marks a batch node. When present the orchestrator treats
// the prepare result as []any and calls ExecuteItem per element; the
// scalar Execute is never invoked.
type ItemExecutor interface {
	ExecuteItem(ctx context.Context, item any, shared Shared, params Params, attempt int) (any, error)
}

// Fallback is invoked instead of re-raising once Execute has exhausted
// its retries; its result replaces the execute result.
type Fallback interface {
	ExecuteFallback(ctx context.Context, prep any, cause error, shared Shared, params Params, attempt int) (any, error)
}

// ItemFallback is the per-item variant of Fallback for batch nodes.
type ItemFallback interface {
	ExecuteItemFallback(ctx context.Context, item any, cause error, shared Shared, params Params, attempt int) (any, error)
}

// Options controls per-node execution behavior.
type Options struct {
	MaxRetries int           // total execute attempts, min 1
	Wait       time.Duration // sleep between attempts
	Parallel   bool          // batch items fan out concurrently
}

// Option mutates node options at construction.
type Option func(*Node)

// WithMaxRetries sets the total number of execute attempts.
func WithMaxRetries(n int) Option {
	return func(node *Node) { node.opts.MaxRetries = n }
}

// WithWait sets the sleep between retry attempts.
func WithWait(d time.Duration) Option {
	return func(node *Node) { node.opts.Wait = d }
}

// WithParallel makes batch items run concurrently.
func WithParallel() Option {
	return func(node *Node) { node.opts.Parallel = true }
}

// WithDefaults sets the node's default params, merged under runtime
// params at orchestration time.
func WithDefaults(p Params) Option {
	return func(node *Node) { node.defaults = p }
}

// Node binds a Lifecycle implementation into the graph: it owns the
// successor edges, execution options, default params and, once attached,
// a back-reference to the owning flow.
type Node struct {
	name       string
	impl       Lifecycle
	opts       Options
	defaults   Params
	successors map[Action]*Node
	flow       *Flow
}

// NewNode creates a node around impl. The name shows up in status
// updates, persisted steps and error messages.
func NewNode(name string, impl Lifecycle, opts ...Option) *Node {
	n := &Node{
		name:       name,
		impl:       impl,
		opts:       Options{MaxRetries: 1},
		successors: make(map[Action]*Node),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.opts.MaxRetries < 1 {
		n.opts.MaxRetries = 1
	}
	return n
}

// Name returns the node's display name.
func (n *Node) Name() string { return n.name }

// AddSuccessor wires succ under the given action. Duplicate actions are
// rejected; if this node already belongs to a flow the back-reference is
// propagated through succ's reachable subgraph.
func (n *Node) AddSuccessor(succ *Node, action Action) error {
	if action == "" {
		action = DefaultAction
	}
	if _, dup := n.successors[action]; dup {
		return fmt.Errorf("node %s already has a successor for action %q", n.name, action)
	}
	n.successors[action] = succ
	if n.flow != nil {
		succ.setFlow(n.flow, make(map[*Node]bool))
	}
	return nil
}

// Next wires succ under the default action and returns succ for
// chaining. It panics on a duplicate edge, which is a wiring bug.
func (n *Node) Next(succ *Node) *Node {
	if err := n.AddSuccessor(succ, DefaultAction); err != nil {
		panic(err)
	}
	return succ
}

// On wires succ under an explicit action and returns the receiver so
// several branches can be attached to the same node. Empty actions and
// duplicate edges panic.
func (n *Node) On(action Action, succ *Node) *Node {
	if action == "" {
		panic(fmt.Errorf("node %s: successor action must not be empty", n.name))
	}
	if err := n.AddSuccessor(succ, action); err != nil {
		panic(err)
	}
	return n
}

// Successor resolves the next node for an action. ok is false when no
// edge matches.
func (n *Node) Successor(action Action) (*Node, bool) {
	succ, ok := n.successors[action]
	return succ, ok
}

// HasSuccessors reports whether any outgoing edge is wired.
func (n *Node) HasSuccessors() bool { return len(n.successors) > 0 }

// actions lists the wired action names, for transition errors.
func (n *Node) actions() []string {
	out := make([]string, 0, len(n.successors))
	for a := range n.successors {
		out = append(out, string(a))
	}
	return out
}

// setFlow installs the owning flow on this node and everything reachable
// from it. The visited set tolerates cycles.
func (n *Node) setFlow(f *Flow, visited map[*Node]bool) {
	if visited[n] {
		return
	}
	visited[n] = true
	n.flow = f
	for _, succ := range n.successors {
		succ.setFlow(f, visited)
	}
}

// Funcs adapts plain functions to the Lifecycle interface. Nil fields
// fall back to no-ops: Prepare yields nil, Execute yields nil, Finalize
// returns the default action. Nodes needing fallbacks or batch items
// implement the capability interfaces directly.
type Funcs struct {
	PrepareFunc  func(ctx context.Context, shared Shared, params Params) (any, error)
	ExecuteFunc  func(ctx context.Context, prep any, shared Shared, params Params, attempt int) (any, error)
	FinalizeFunc func(ctx context.Context, shared Shared, prep, exec any, params Params) (Action, error)
}

func (f Funcs) Prepare(ctx context.Context, shared Shared, params Params) (any, error) {
	if f.PrepareFunc == nil {
		return nil, nil
	}
	return f.PrepareFunc(ctx, shared, params)
}

func (f Funcs) Execute(ctx context.Context, prep any, shared Shared, params Params, attempt int) (any, error) {
	if f.ExecuteFunc == nil {
		return nil, nil
	}
	return f.ExecuteFunc(ctx, prep, shared, params, attempt)
}

func (f Funcs) Finalize(ctx context.Context, shared Shared, prep, exec any, params Params) (Action, error) {
	if f.FinalizeFunc == nil {
		return DefaultAction, nil
	}
	return f.FinalizeFunc(ctx, shared, prep, exec, params)
}
