package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pocketmesh/pocketmesh/internal/flow"
	"github.com/pocketmesh/pocketmesh/internal/store"
)

// ErrRunFinished is returned by StepOnce when the run is terminal or
// the graph has no further edge to follow.
var ErrRunFinished = errors.New("run already finished")

// StepResult describes a single advanced node.
type StepResult struct {
	Node   string
	Action flow.Action
	Step   int
	Done   bool
}

// StepOnce advances a persisted run by exactly one node, outside the
// A2A event loop. It rehydrates the shared state from the last
// checkpoint, runs the next node, and appends the resulting step. When
// the node has no outgoing edge the run is marked completed. Useful for
// replaying a failed run node by node.
func (e *Executor) StepOnce(ctx context.Context, runID int64) (*StepResult, error) {
	run, err := e.db.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, fmt.Errorf("run %d: %w", runID, ErrRunFinished)
	}

	fl, ok := e.flows[run.FlowName]
	if !ok {
		return nil, fmt.Errorf("flow %q is not registered", run.FlowName)
	}

	last, err := e.db.LastStep(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load last step of run %d: %w", runID, err)
	}

	node, err := nextNode(fl, run, last)
	if err != nil {
		return nil, err
	}
	if node == nil {
		if err := e.db.UpdateRunStatus(ctx, runID, store.RunCompleted); err != nil {
			return nil, fmt.Errorf("complete run %d: %w", runID, err)
		}
		return nil, fmt.Errorf("run %d: %w", runID, ErrRunFinished)
	}

	shared := flow.Shared{}
	if len(last.SharedState) > 0 {
		if err := json.Unmarshal(last.SharedState, &shared); err != nil {
			return nil, fmt.Errorf("decode shared state of run %d: %w", runID, err)
		}
	}

	st := &runState{runID: runID, stepIdx: last.StepIndex, shared: shared}

	action, err := fl.RunNode(ctx, node, shared, flow.Params{})
	if err != nil {
		failAction := string(store.RunFailed)
		if cerr := e.checkpoint(ctx, st, store.StepError, &failAction, st.stepIdx+1); cerr != nil {
			slog.Error("recording failure step failed", "run", runID, "err", cerr)
		}
		if serr := e.db.UpdateRunStatus(ctx, runID, store.RunFailed); serr != nil {
			slog.Error("marking run failed failed", "run", runID, "err", serr)
		}
		return nil, fmt.Errorf("step run %d at node %s: %w", runID, node.Name(), err)
	}

	actionStr := string(action)
	if err := e.checkpoint(ctx, st, node.Name(), &actionStr, st.stepIdx+1); err != nil {
		return nil, err
	}
	if err := e.db.UpdateRunStatus(ctx, runID, store.RunWorking); err != nil {
		slog.Warn("marking run working failed", "run", runID, "err", err)
	}

	result := &StepResult{Node: node.Name(), Action: action, Step: st.stepIdx}
	if _, hasNext := node.Successor(action); !hasNext {
		if node.HasSuccessors() {
			return nil, &flow.TransitionError{Node: node.Name(), Action: action}
		}
		finalAction := string(store.RunCompleted)
		if err := e.checkpoint(ctx, st, store.StepFinal, &finalAction, st.stepIdx+1); err != nil {
			slog.Error("recording final step failed", "run", runID, "err", err)
		}
		if err := e.db.UpdateRunStatus(ctx, runID, store.RunCompleted); err != nil {
			return nil, fmt.Errorf("complete run %d: %w", runID, err)
		}
		result.Done = true
	}
	return result, nil
}

// nextNode resolves which node a stepped run should execute next. A nil
// node with nil error means the recorded action leads off the graph.
func nextNode(fl *flow.Flow, run *store.Run, last *store.Step) (*flow.Node, error) {
	if last.NodeName == store.StepInit {
		return fl.Start(), nil
	}
	if last.Action == nil {
		return nil, fmt.Errorf("run %d step %d has no action to follow", run.ID, last.StepIndex)
	}
	prev := fl.FindNode(last.NodeName)
	if prev == nil {
		return nil, fmt.Errorf("node %q is not part of flow %q", last.NodeName, run.FlowName)
	}
	next, ok := prev.Successor(flow.Action(*last.Action))
	if !ok {
		if prev.HasSuccessors() {
			return nil, &flow.TransitionError{Node: last.NodeName, Action: flow.Action(*last.Action)}
		}
		return nil, nil
	}
	return next, nil
}
