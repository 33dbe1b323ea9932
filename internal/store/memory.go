package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and ephemeral agents.
type Memory struct {
	mu        sync.RWMutex
	nextRunID int64
	nextStep  int64
	runs      map[int64]*Run
	steps     map[int64][]*Step // runID → steps ascending by index
	tasks     map[string]int64  // taskID → runID
	snapshots map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		runs:      make(map[int64]*Run),
		steps:     make(map[int64][]*Step),
		tasks:     make(map[string]int64),
		snapshots: make(map[string][]byte),
	}
}

func (m *Memory) CreateRun(ctx context.Context, flowName string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRunID++
	m.runs[m.nextRunID] = &Run{
		ID: m.nextRunID, FlowName: flowName,
		Status: RunSubmitted, CreatedAt: time.Now().UTC(),
	}
	return m.nextRunID, nil
}

func (m *Memory) GetRun(ctx context.Context, runID int64) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %d: %w", runID, ErrNotFound)
	}
	cp := *run
	return &cp, nil
}

func (m *Memory) UpdateRunStatus(ctx context.Context, runID int64, status RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("run %d: %w", runID, ErrNotFound)
	}
	run.Status = status
	return nil
}

func (m *Memory) DeleteRun(ctx context.Context, runID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, runID)
	delete(m.steps, runID)
	for taskID, mapped := range m.tasks {
		if mapped == runID {
			delete(m.tasks, taskID)
			delete(m.snapshots, taskID)
		}
	}
	return nil
}

func (m *Memory) ListRuns(ctx context.Context, limit, offset int, status string) ([]*Run, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]*Run, 0, len(m.runs))
	for _, run := range m.runs {
		if status != "" && string(run.Status) != status {
			continue
		}
		cp := *run
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	total := len(all)
	if offset >= len(all) {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, total, nil
}

func (m *Memory) TerminalRunsBefore(ctx context.Context, cutoff time.Time) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []int64
	for _, run := range m.runs {
		if run.Status.Terminal() && run.CreatedAt.Before(cutoff) {
			ids = append(ids, run.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *Memory) AddStep(ctx context.Context, runID int64, nodeName string, action *string, stepIndex int, sharedState []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[runID]; !ok {
		return 0, fmt.Errorf("run %d: %w", runID, ErrNotFound)
	}
	for _, s := range m.steps[runID] {
		if s.StepIndex == stepIndex {
			return 0, fmt.Errorf("run %d already has step index %d", runID, stepIndex)
		}
	}
	m.nextStep++
	state := make([]byte, len(sharedState))
	copy(state, sharedState)
	step := &Step{
		ID: m.nextStep, RunID: runID, NodeName: nodeName, Action: action,
		StepIndex: stepIndex, SharedState: state, CreatedAt: time.Now().UTC(),
	}
	m.steps[runID] = append(m.steps[runID], step)
	sort.Slice(m.steps[runID], func(i, j int) bool {
		return m.steps[runID][i].StepIndex < m.steps[runID][j].StepIndex
	})
	return step.ID, nil
}

func (m *Memory) StepsForRun(ctx context.Context, runID int64) ([]*Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	steps := m.steps[runID]
	out := make([]*Step, len(steps))
	for i, s := range steps {
		cp := *s
		out[i] = &cp
	}
	return out, nil
}

func (m *Memory) LastStep(ctx context.Context, runID int64) (*Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	steps := m.steps[runID]
	if len(steps) == 0 {
		return nil, fmt.Errorf("run %d has no steps: %w", runID, ErrNotFound)
	}
	cp := *steps[len(steps)-1]
	return &cp, nil
}

func (m *Memory) StepByIndex(ctx context.Context, runID int64, stepIndex int) (*Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.steps[runID] {
		if s.StepIndex == stepIndex {
			cp := *s
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("run %d step %d: %w", runID, stepIndex, ErrNotFound)
}

func (m *Memory) MapTask(ctx context.Context, taskID string, runID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[taskID] = runID
	return nil
}

func (m *Memory) RunIDForTask(ctx context.Context, taskID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	runID, ok := m.tasks[taskID]
	if !ok {
		return 0, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return runID, nil
}

func (m *Memory) DeleteTask(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, taskID)
	delete(m.snapshots, taskID)
	return nil
}

func (m *Memory) SaveTaskSnapshot(ctx context.Context, taskID string, snapshot []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(snapshot))
	copy(cp, snapshot)
	m.snapshots[taskID] = cp
	return nil
}

func (m *Memory) TaskSnapshot(ctx context.Context, taskID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s snapshot: %w", taskID, ErrNotFound)
	}
	cp := make([]byte, len(snap))
	copy(cp, snap)
	return cp, nil
}

func (m *Memory) Close() error { return nil }

var _ Store = (*Memory)(nil)
