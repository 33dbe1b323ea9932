package flow

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// NodeState is the internal state reported through the status hook. It
// is deliberately distinct from the A2A task state: a failed node fails
// the run, and only the task manager decides the protocol-level state.
type NodeState string

const (
	StateWorking   NodeState = "working"
	StateCompleted NodeState = "completed"
	StateFailed    NodeState = "failed"
)

// StatusUpdate is the payload of the flow's status hook. Action is set
// only on completed updates and carries the node's finalize action.
type StatusUpdate struct {
	Node    string
	State   NodeState
	Message string
	Step    int
	Action  Action
	Shared  Shared
}

// TransitionError reports a finalize action with no matching successor
// on a node that has successors wired.
type TransitionError struct {
	Node      string
	Action    Action
	Available []string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("Action '%s' not found in successors of %s. Available: %v", e.Action, e.Node, e.Available)
}

// FlowOption configures a flow at construction.
type FlowOption func(*Flow)

// WithFlowDefaults sets flow-level default params, merged under node
// defaults and runtime params.
func WithFlowDefaults(p Params) FlowOption {
	return func(f *Flow) { f.defaults = p }
}

// WithPrepare sets the flow-level prepare, run once before orchestration
// with no retry.
func WithPrepare(fn func(ctx context.Context, shared Shared, params Params) (any, error)) FlowOption {
	return func(f *Flow) { f.prepare = fn }
}

// WithFinalize sets the flow-level finalize, run once after orchestration.
func WithFinalize(fn func(ctx context.Context, shared Shared, prep any, params Params) (Action, error)) FlowOption {
	return func(f *Flow) { f.finalize = fn }
}

// Flow is a rooted node graph. It behaves like a node itself (it has
// prepare and finalize and can nest inside another flow) but driving its
// Execute directly is an illegal state.
//
// OnStatusUpdate and OnArtifact are observer slots owned by the task
// manager for the duration of a run: set immediately before RunLifecycle
// and cleared on exit. The flow serializes hook invocations so parallel
// batch items may emit artifacts safely.
type Flow struct {
	name     string
	start    *Node
	defaults Params
	prepare  func(ctx context.Context, shared Shared, params Params) (any, error)
	finalize func(ctx context.Context, shared Shared, prep any, params Params) (Action, error)

	hookMu         sync.Mutex
	OnStatusUpdate func(StatusUpdate)
	OnArtifact     func(artifact any)
}

// New creates a flow rooted at start and installs the flow back-reference
// on every reachable node.
func New(name string, start *Node, opts ...FlowOption) *Flow {
	f := &Flow{name: name, start: start}
	for _, opt := range opts {
		opt(f)
	}
	if start != nil {
		start.setFlow(f, make(map[*Node]bool))
	}
	return f
}

// Name returns the flow's name.
func (f *Flow) Name() string { return f.name }

// Start returns the designated start node.
func (f *Flow) Start() *Node { return f.start }

// FindNode returns the reachable node with the given name, or nil.
func (f *Flow) FindNode(name string) *Node {
	visited := make(map[*Node]bool)
	var walk func(n *Node) *Node
	walk = func(n *Node) *Node {
		if n == nil || visited[n] {
			return nil
		}
		visited[n] = true
		if n.name == name {
			return n
		}
		if sub, ok := n.impl.(*Flow); ok {
			if found := walk(sub.start); found != nil {
				return found
			}
		}
		for _, succ := range n.successors {
			if found := walk(succ); found != nil {
				return found
			}
		}
		return nil
	}
	return walk(f.start)
}

// ClearHooks unsets both observer slots. The task manager calls this in
// a deferred scope-exit handler.
func (f *Flow) ClearHooks() {
	f.hookMu.Lock()
	f.OnStatusUpdate = nil
	f.OnArtifact = nil
	f.hookMu.Unlock()
}

func (f *Flow) emitStatus(u StatusUpdate) {
	f.hookMu.Lock()
	defer f.hookMu.Unlock()
	if f.OnStatusUpdate != nil {
		f.OnStatusUpdate(u)
	}
}

// emitArtifact holds the hook mutex across the invocation so parallel
// batch items cannot interleave inside the observer.
func (f *Flow) emitArtifact(a any) {
	f.hookMu.Lock()
	defer f.hookMu.Unlock()
	if f.OnArtifact != nil {
		f.OnArtifact(a)
	}
}

// emitResultArtifact fires the artifact hook when an execute result
// carries the artifact key.
func (f *Flow) emitResultArtifact(result any) {
	m, ok := result.(map[string]any)
	if !ok {
		return
	}
	if art, ok := m[ArtifactKey]; ok {
		f.emitArtifact(art)
	}
}

// RunLifecycle is the entry point: flow prepare, graph orchestration,
// flow finalize. The finalize action is returned; a missing finalize
// yields the default action.
func (f *Flow) RunLifecycle(ctx context.Context, shared Shared, params Params) (Action, error) {
	var prep any
	if f.prepare != nil {
		var err error
		prep, err = f.prepare(ctx, shared, params)
		if err != nil {
			return "", fmt.Errorf("flow %s prepare: %w", f.name, err)
		}
	}

	if err := f.Orchestrate(ctx, shared, params); err != nil {
		return "", err
	}

	if f.finalize != nil {
		action, err := f.finalize(ctx, shared, prep, params)
		if err != nil {
			return "", fmt.Errorf("flow %s finalize: %w", f.name, err)
		}
		if action == "" {
			action = DefaultAction
		}
		return action, nil
	}
	return DefaultAction, nil
}

// Orchestrate walks the graph from the start node, dispatching each
// node's lifecycle and following the finalize action to the next edge.
// Cancellation is observed cooperatively at the top of each iteration.
func (f *Flow) Orchestrate(ctx context.Context, shared Shared, runtime Params) error {
	node := f.start
	step := 0

	for node != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s", ErrCancelled, context.Cause(ctx))
		}

		f.emitStatus(StatusUpdate{
			Node: node.name, State: StateWorking,
			Message: fmt.Sprintf("Starting node %s", node.name),
			Step:    step, Shared: shared,
		})

		action, err := f.RunNode(ctx, node, shared, runtime)
		if err != nil {
			f.emitStatus(StatusUpdate{
				Node: node.name, State: StateFailed,
				Message: err.Error(), Step: step, Shared: shared,
			})
			return err
		}

		f.emitStatus(StatusUpdate{
			Node: node.name, State: StateCompleted,
			Message: fmt.Sprintf("Node %s completed", node.name),
			Step:    step, Action: action, Shared: shared,
		})

		next, ok := node.Successor(action)
		if !ok {
			if len(node.successors) == 0 {
				break // natural end of the graph
			}
			terr := &TransitionError{Node: node.name, Action: action, Available: node.actions()}
			f.emitStatus(StatusUpdate{
				Node: node.name, State: StateFailed,
				Message: terr.Error(), Step: step, Shared: shared,
			})
			return terr
		}
		node = next
		step++
	}

	f.emitStatus(StatusUpdate{
		Node: "Flow", State: StateCompleted,
		Message: "Flow completed", Step: step, Shared: shared,
	})
	return nil
}

// RunNode dispatches one node's full lifecycle and returns its action.
// Params are layered here: flow defaults, node defaults, then runtime.
// The stepper uses this directly to advance a run by a single node.
func (f *Flow) RunNode(ctx context.Context, n *Node, shared Shared, runtime Params) (Action, error) {
	params := mergeParams(f.defaults, n.defaults, runtime)

	// Nested flows run their own orchestration; driving their Execute is
	// forbidden by contract.
	if sub, ok := n.impl.(*Flow); ok {
		return sub.RunLifecycle(ctx, shared, params)
	}

	if _, isBatch := n.impl.(ItemExecutor); isBatch {
		return f.runBatchNode(ctx, n, shared, params)
	}

	prep, err := n.impl.Prepare(ctx, shared, params)
	if err != nil {
		return "", fmt.Errorf("prepare %s: %w", n.name, err)
	}

	var fallback FallbackFunc
	if fb, ok := n.impl.(Fallback); ok {
		fallback = func(ctx context.Context, cause error, attempt int) (any, error) {
			return fb.ExecuteFallback(ctx, prep, cause, shared, params, attempt)
		}
	}

	exec, err := Retry(ctx, n.opts.MaxRetries, n.opts.Wait, func(ctx context.Context, attempt int) (any, error) {
		return n.impl.Execute(ctx, prep, shared, params, attempt)
	}, fallback, n.name)
	if err != nil {
		return "", fmt.Errorf("execute %s: %w", n.name, err)
	}

	f.emitResultArtifact(exec)

	action, err := n.impl.Finalize(ctx, shared, prep, exec, params)
	if err != nil {
		return "", fmt.Errorf("finalize %s: %w", n.name, err)
	}
	if action == "" {
		action = DefaultAction
	}
	return action, nil
}

// runBatchNode materializes prepare into items and drives ExecuteItem
// per element, sequentially or fanned out. Finalize receives the full
// result slice in input order.
func (f *Flow) runBatchNode(ctx context.Context, n *Node, shared Shared, params Params) (Action, error) {
	batch := n.impl.(ItemExecutor)

	prep, err := n.impl.Prepare(ctx, shared, params)
	if err != nil {
		return "", fmt.Errorf("prepare %s: %w", n.name, err)
	}
	items, ok := prep.([]any)
	if !ok {
		return "", fmt.Errorf("prepare %s: batch node must prepare []any, got %T", n.name, prep)
	}

	itemFallback, _ := n.impl.(ItemFallback)

	runItem := func(ctx context.Context, item any) (any, error) {
		var fallback FallbackFunc
		if itemFallback != nil {
			fallback = func(ctx context.Context, cause error, attempt int) (any, error) {
				return itemFallback.ExecuteItemFallback(ctx, item, cause, shared, params, attempt)
			}
		}
		return Retry(ctx, n.opts.MaxRetries, n.opts.Wait, func(ctx context.Context, attempt int) (any, error) {
			return batch.ExecuteItem(ctx, item, shared, params, attempt)
		}, fallback, n.name)
	}

	results := make([]any, len(items))

	if n.opts.Parallel {
		g, gctx := errgroup.WithContext(ctx)
		for idx, item := range items {
			f.emitStatus(StatusUpdate{
				Node: n.name, State: StateWorking,
				Message: fmt.Sprintf("Processing batch item %d/%d", idx+1, len(items)),
				Shared:  shared,
			})
			g.Go(func() error {
				res, err := runItem(gctx, item)
				if err != nil {
					return fmt.Errorf("item %d: %w", idx, err)
				}
				results[idx] = res
				f.emitResultArtifact(res)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return "", fmt.Errorf("execute %s: %w", n.name, err)
		}
	} else {
		for idx, item := range items {
			f.emitStatus(StatusUpdate{
				Node: n.name, State: StateWorking,
				Message: fmt.Sprintf("Processing batch item %d/%d", idx+1, len(items)),
				Shared:  shared,
			})
			res, err := runItem(ctx, item)
			if err != nil {
				return "", fmt.Errorf("execute %s item %d: %w", n.name, idx, err)
			}
			results[idx] = res
			f.emitResultArtifact(res)
		}
	}

	action, err := n.impl.Finalize(ctx, shared, prep, results, params)
	if err != nil {
		return "", fmt.Errorf("finalize %s: %w", n.name, err)
	}
	if action == "" {
		action = DefaultAction
	}
	return action, nil
}

// Prepare lets a flow nest as a node inside another flow.
func (f *Flow) Prepare(ctx context.Context, shared Shared, params Params) (any, error) {
	if f.prepare == nil {
		return nil, nil
	}
	return f.prepare(ctx, shared, params)
}

// Execute always fails: a flow orchestrates, it does not execute.
func (f *Flow) Execute(ctx context.Context, prep any, shared Shared, params Params, attempt int) (any, error) {
	return nil, fmt.Errorf("%w: flow %s cannot execute directly", ErrIllegalState, f.name)
}

// Finalize lets a flow nest as a node inside another flow.
func (f *Flow) Finalize(ctx context.Context, shared Shared, prep, exec any, params Params) (Action, error) {
	if f.finalize == nil {
		return DefaultAction, nil
	}
	return f.finalize(ctx, shared, prep, params)
}

// mergeParams layers flow defaults, node defaults and runtime params,
// later maps winning.
func mergeParams(layers ...Params) Params {
	merged := make(Params)
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	return merged
}
