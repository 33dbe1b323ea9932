// Package taskstore adapts the PocketMesh persistence port to the
// a2asrv.TaskStore contract. Tasks are stored as JSON snapshots; saving
// a task also mirrors its protocol state onto the mapped run so the run
// table stays queryable without deserializing snapshots.
package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2asrv"

	"github.com/pocketmesh/pocketmesh/internal/store"
)

// Store implements a2asrv.TaskStore over a store.Store.
type Store struct {
	db store.Store
}

// New creates a task store over db.
func New(db store.Store) *Store {
	return &Store{db: db}
}

// Save persists the task snapshot and mirrors its state to the mapped
// run. A task without a mapped run is still snapshotted; that happens
// when a2asrv saves before the executor created the run.
func (s *Store) Save(ctx context.Context, task *a2a.Task) error {
	if task == nil {
		return fmt.Errorf("task is required")
	}

	snapshot, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	if err := s.db.SaveTaskSnapshot(ctx, string(task.ID), snapshot); err != nil {
		return err
	}

	runID, err := s.db.RunIDForTask(ctx, string(task.ID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := s.db.UpdateRunStatus(ctx, runID, RunStatusFor(task.Status.State)); err != nil {
		slog.Warn("mirroring task state to run failed", "task", task.ID, "run", runID, "err", err)
	}
	return nil
}

// Get returns the last saved snapshot, or a2a.ErrTaskNotFound.
func (s *Store) Get(ctx context.Context, taskID a2a.TaskID) (*a2a.Task, error) {
	snapshot, err := s.db.TaskSnapshot(ctx, string(taskID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, a2a.ErrTaskNotFound
		}
		return nil, err
	}
	var task a2a.Task
	if err := json.Unmarshal(snapshot, &task); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", taskID, err)
	}
	return &task, nil
}

// RunStatusFor maps an A2A task state onto the run-status vocabulary.
func RunStatusFor(state a2a.TaskState) store.RunStatus {
	switch state {
	case a2a.TaskStateSubmitted:
		return store.RunSubmitted
	case a2a.TaskStateWorking:
		return store.RunWorking
	case a2a.TaskStateInputRequired:
		return store.RunInputRequired
	case a2a.TaskStateCompleted:
		return store.RunCompleted
	case a2a.TaskStateCanceled:
		return store.RunCanceled
	case a2a.TaskStateFailed:
		return store.RunFailed
	case a2a.TaskStateRejected:
		return store.RunRejected
	case a2a.TaskStateAuthRequired:
		return store.RunAuthRequired
	default:
		return store.RunUnknown
	}
}

var _ a2asrv.TaskStore = (*Store)(nil)
