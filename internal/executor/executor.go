package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2asrv"
	"github.com/a2aproject/a2a-go/a2asrv/eventqueue"

	"github.com/pocketmesh/pocketmesh/internal/flow"
	"github.com/pocketmesh/pocketmesh/internal/store"
	"github.com/pocketmesh/pocketmesh/internal/taskstore"
)

const failurePrefix = "PocketMesh flow failed: "

// Executor drives registered flows on behalf of the A2A server. One
// executor serves all skills; per-task cancellation state is kept
// process-local, so cancelling a task only works on the node running it.
type Executor struct {
	db    store.Store
	tasks *taskstore.Store
	flows map[string]*flow.Flow

	defaultSkill string

	mu         sync.Mutex
	running    map[a2a.TaskID]context.CancelFunc
	cancelling map[a2a.TaskID]bool
}

// New creates an executor over the persistence port.
func New(db store.Store, tasks *taskstore.Store) *Executor {
	return &Executor{
		db:         db,
		tasks:      tasks,
		flows:      make(map[string]*flow.Flow),
		running:    make(map[a2a.TaskID]context.CancelFunc),
		cancelling: make(map[a2a.TaskID]bool),
	}
}

// RegisterFlow binds a flow to a skill ID. The first registration
// becomes the default skill for messages without an explicit skillId.
func (e *Executor) RegisterFlow(skillID string, f *flow.Flow) {
	if len(e.flows) == 0 {
		e.defaultSkill = skillID
	}
	e.flows[skillID] = f
}

// Flow returns the flow registered for a skill ID.
func (e *Executor) Flow(skillID string) (*flow.Flow, bool) {
	f, ok := e.flows[skillID]
	return f, ok
}

// runState is the hydrated execution context for one Execute call.
type runState struct {
	runID     int64
	isNew     bool
	stepIdx   int
	shared    flow.Shared
	history   []*a2a.Message
	artifacts []*a2a.Artifact
}

// Execute runs the flow for the incoming message. New tasks get a run
// row and an initial checkpoint; resumed tasks are hydrated from the
// last checkpoint. Flow failures are reported as terminal task events,
// not as errors; only protocol-level problems return an error.
func (e *Executor) Execute(ctx context.Context, reqCtx *a2asrv.RequestContext, queue eventqueue.Queue) error {
	msg := reqCtx.Message
	if msg == nil {
		return fmt.Errorf("request for task %s has no message", reqCtx.TaskID)
	}

	skillID := e.resolveSkill(msg)
	fl, ok := e.flows[skillID]
	if !ok {
		return fmt.Errorf("skill %q is not registered", skillID)
	}

	st, err := e.initializeOrLoad(ctx, reqCtx, skillID, msg)
	if err != nil {
		return err
	}

	state := a2a.TaskStateWorking
	if st.isNew {
		state = a2a.TaskStateSubmitted
	}
	task := &a2a.Task{
		ID:        reqCtx.TaskID,
		ContextID: reqCtx.ContextID,
		Status:    a2a.TaskStatus{State: state},
		History:   append([]*a2a.Message(nil), st.history...),
		Metadata:  map[string]any{"skillId": skillID},
	}
	if err := queue.Write(ctx, task); err != nil {
		return fmt.Errorf("publish initial task: %w", err)
	}

	e.installHooks(ctx, fl, reqCtx, queue, st)
	defer fl.ClearHooks()

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.running[reqCtx.TaskID] = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.running, reqCtx.TaskID)
		delete(e.cancelling, reqCtx.TaskID)
		e.mu.Unlock()
	}()

	slog.Info("flow run starting", "task", reqCtx.TaskID, "run", st.runID, "skill", skillID, "resumed", !st.isNew)

	if _, err := fl.RunLifecycle(runCtx, st.shared, flow.Params{}); err != nil {
		// A cancel can surface as ErrCancelled from the node loop or as a
		// bare context error from a retry sleep or a ctx-aware node.
		cancelled := errors.Is(err, flow.ErrCancelled) || errors.Is(err, context.Canceled)
		if cancelled && e.isCancelling(reqCtx.TaskID) {
			// Cancel already persisted the canceled state and published
			// the terminal event.
			slog.Info("flow run cancelled", "task", reqCtx.TaskID, "run", st.runID)
			return nil
		}
		return e.failRun(ctx, reqCtx, task, st, queue, err)
	}
	return e.completeRun(ctx, reqCtx, task, st, queue)
}

// Cancel marks the task canceled. It is idempotent: an unknown or
// already-terminal task publishes nothing. A run executing in this
// process is interrupted at its next node boundary.
func (e *Executor) Cancel(ctx context.Context, reqCtx *a2asrv.RequestContext, queue eventqueue.Queue) error {
	task, err := e.tasks.Get(ctx, reqCtx.TaskID)
	if err != nil {
		if errors.Is(err, a2a.ErrTaskNotFound) {
			return nil
		}
		return err
	}
	if task.Status.State.Terminal() {
		return nil
	}

	e.mu.Lock()
	e.cancelling[reqCtx.TaskID] = true
	if cancel, ok := e.running[reqCtx.TaskID]; ok {
		cancel()
	}
	e.mu.Unlock()

	task.Status = a2a.TaskStatus{State: a2a.TaskStateCanceled}
	if err := e.tasks.Save(ctx, task); err != nil {
		return fmt.Errorf("persist cancellation of task %s: %w", reqCtx.TaskID, err)
	}

	event := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateCanceled, nil)
	event.Final = true
	if err := queue.Write(ctx, event); err != nil {
		return fmt.Errorf("publish cancellation of task %s: %w", reqCtx.TaskID, err)
	}
	slog.Info("task cancelled", "task", reqCtx.TaskID)
	return nil
}

func (e *Executor) resolveSkill(msg *a2a.Message) string {
	if msg.Metadata != nil {
		if id, ok := msg.Metadata["skillId"].(string); ok && id != "" {
			return id
		}
	}
	return e.defaultSkill
}

func (e *Executor) isCancelling(taskID a2a.TaskID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelling[taskID]
}

// initializeOrLoad hydrates the run state: a new task gets a run row,
// the task mapping and the initial checkpoint; a known task is restored
// from its last checkpoint with the new message appended to history
// unless it repeats the newest entry.
func (e *Executor) initializeOrLoad(ctx context.Context, reqCtx *a2asrv.RequestContext, skillID string, msg *a2a.Message) (*runState, error) {
	taskID := string(reqCtx.TaskID)
	st := &runState{shared: flow.Shared{}}

	runID, err := e.db.RunIDForTask(ctx, taskID)
	switch {
	case err == nil:
		st.runID = runID
		last, err := e.db.LastStep(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("load last step of run %d: %w", runID, err)
		}
		st.stepIdx = last.StepIndex
		if len(last.SharedState) > 0 {
			if err := json.Unmarshal(last.SharedState, &st.shared); err != nil {
				return nil, fmt.Errorf("decode shared state of run %d: %w", runID, err)
			}
		}
		st.history = historyFromShared(st.shared)
		st.artifacts = artifactsFromShared(st.shared)
		if n := len(st.history); n == 0 || !sameMessage(st.history[n-1], msg) {
			st.history = append(st.history, msg)
		}

	case errors.Is(err, store.ErrNotFound):
		st.isNew = true
		st.runID, err = e.db.CreateRun(ctx, skillID)
		if err != nil {
			return nil, fmt.Errorf("create run: %w", err)
		}
		if err := e.db.MapTask(ctx, taskID, st.runID); err != nil {
			return nil, fmt.Errorf("map task %s to run %d: %w", taskID, st.runID, err)
		}
		st.history = []*a2a.Message{msg}

	default:
		return nil, fmt.Errorf("resolve task %s: %w", taskID, err)
	}

	st.shared[KeyIncomingMessage] = msg
	st.shared[KeyHistory] = st.history
	st.shared[KeyContextID] = reqCtx.ContextID
	st.shared[KeyTaskID] = taskID
	st.shared[KeySkillID] = skillID
	if st.artifacts != nil {
		st.shared[KeyArtifacts] = st.artifacts
	}

	if st.isNew {
		if err := e.checkpoint(ctx, st, store.StepInit, nil, 0); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// installHooks wires the flow's observer slots to the event queue for
// the duration of this run. Intermediate transitions are always
// reported as working; a failed node fails the whole run and the
// terminal event is published by the caller. Each completed node also
// checkpoints the shared state as the next step row.
func (e *Executor) installHooks(ctx context.Context, fl *flow.Flow, reqCtx *a2asrv.RequestContext, queue eventqueue.Queue, st *runState) {
	fl.OnStatusUpdate = func(u flow.StatusUpdate) {
		statusMsg := a2a.NewMessageForTask(a2a.MessageRoleAgent, reqCtx, a2a.TextPart{Text: u.Message})
		event := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateWorking, statusMsg)
		event.Metadata = map[string]any{
			"node":  u.Node,
			"step":  u.Step,
			"state": string(u.State),
		}
		if err := queue.Write(ctx, event); err != nil {
			slog.Warn("publishing status update failed", "task", reqCtx.TaskID, "node", u.Node, "err", err)
		}

		if u.State == flow.StateCompleted && u.Node != "Flow" {
			action := string(u.Action)
			if err := e.checkpoint(ctx, st, u.Node, &action, st.stepIdx+1); err != nil {
				slog.Error("checkpoint failed", "run", st.runID, "node", u.Node, "err", err)
			}
		}
	}
	fl.OnArtifact = func(raw any) {
		art, err := NormalizeArtifact(raw)
		if err != nil {
			slog.Warn("dropping malformed artifact", "task", reqCtx.TaskID, "err", err)
			return
		}
		event := a2a.NewArtifactEvent(reqCtx)
		event.Artifact = art
		if err := queue.Write(ctx, event); err != nil {
			slog.Warn("publishing artifact failed", "task", reqCtx.TaskID, "artifact", art.ID, "err", err)
		}
		st.artifacts = append(st.artifacts, art)
		st.shared[KeyArtifacts] = st.artifacts
	}
}

// completeRun publishes the final message and terminal completed
// status, and writes the final checkpoint. The final message joins the
// history unless it repeats the newest entry.
func (e *Executor) completeRun(ctx context.Context, reqCtx *a2asrv.RequestContext, task *a2a.Task, st *runState, queue eventqueue.Queue) error {
	final := a2a.NewMessageForTask(a2a.MessageRoleAgent, reqCtx, finalParts(st.shared)...)
	if n := len(st.history); n == 0 || !sameMessage(st.history[n-1], final) {
		st.history = append(st.history, final)
	}
	st.shared[KeyHistory] = st.history

	action := string(store.RunCompleted)
	if err := e.checkpoint(ctx, st, store.StepFinal, &action, st.stepIdx+1); err != nil {
		slog.Error("recording final step failed", "run", st.runID, "err", err)
	}

	task.Status = a2a.TaskStatus{State: a2a.TaskStateCompleted, Message: final}
	task.History = st.history
	task.Artifacts = st.artifacts
	if err := e.tasks.Save(ctx, task); err != nil {
		slog.Error("saving completed task failed", "task", task.ID, "err", err)
	}

	if err := queue.Write(ctx, final); err != nil {
		return fmt.Errorf("publish final message: %w", err)
	}
	event := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateCompleted, final)
	event.Final = true
	if err := queue.Write(ctx, event); err != nil {
		return fmt.Errorf("publish completion: %w", err)
	}
	slog.Info("flow run completed", "task", task.ID, "run", st.runID)
	return nil
}

// failRun converts a flow error into a terminal failed task. The error
// text is exposed to the caller inside the final message.
func (e *Executor) failRun(ctx context.Context, reqCtx *a2asrv.RequestContext, task *a2a.Task, st *runState, queue eventqueue.Queue, cause error) error {
	slog.Error("flow run failed", "task", task.ID, "run", st.runID, "err", cause)

	failMsg := a2a.NewMessageForTask(a2a.MessageRoleAgent, reqCtx, a2a.TextPart{Text: failurePrefix + cause.Error()})
	if n := len(st.history); n == 0 || !sameMessage(st.history[n-1], failMsg) {
		st.history = append(st.history, failMsg)
	}
	st.shared[KeyHistory] = st.history

	action := string(store.RunFailed)
	if err := e.checkpoint(ctx, st, store.StepError, &action, st.stepIdx+1); err != nil {
		slog.Error("recording failure step failed", "run", st.runID, "err", err)
	}

	task.Status = a2a.TaskStatus{State: a2a.TaskStateFailed, Message: failMsg}
	task.History = st.history
	task.Artifacts = st.artifacts
	if err := e.tasks.Save(ctx, task); err != nil {
		slog.Error("saving failed task failed", "task", task.ID, "err", err)
	}

	event := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateFailed, failMsg)
	event.Final = true
	if err := queue.Write(ctx, event); err != nil {
		return fmt.Errorf("publish failure: %w", err)
	}
	return nil
}

// checkpoint serializes the shared state and appends a step row.
func (e *Executor) checkpoint(ctx context.Context, st *runState, nodeName string, action *string, stepIndex int) error {
	snap, err := json.Marshal(st.shared)
	if err != nil {
		return fmt.Errorf("encode shared state of run %d: %w", st.runID, err)
	}
	if _, err := e.db.AddStep(ctx, st.runID, nodeName, action, stepIndex, snap); err != nil {
		return fmt.Errorf("append step %d of run %d: %w", stepIndex, st.runID, err)
	}
	st.stepIdx = stepIndex
	return nil
}

var _ a2asrv.AgentExecutor = (*Executor)(nil)
