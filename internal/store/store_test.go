package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// each test runs against both backends to keep them contract-equal.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func TestRunLifecycle(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			id, err := db.CreateRun(ctx, "echo")
			require.NoError(t, err)
			require.NotZero(t, id)

			run, err := db.GetRun(ctx, id)
			require.NoError(t, err)
			require.Equal(t, "echo", run.FlowName)
			require.Equal(t, RunSubmitted, run.Status)
			require.False(t, run.CreatedAt.IsZero())

			require.NoError(t, db.UpdateRunStatus(ctx, id, RunCompleted))
			run, err = db.GetRun(ctx, id)
			require.NoError(t, err)
			require.Equal(t, RunCompleted, run.Status)

			_, err = db.GetRun(ctx, id+999)
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestListRuns(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var ids []int64
			for i := 0; i < 5; i++ {
				id, err := db.CreateRun(ctx, "echo")
				require.NoError(t, err)
				ids = append(ids, id)
			}
			require.NoError(t, db.UpdateRunStatus(ctx, ids[0], RunFailed))

			runs, total, err := db.ListRuns(ctx, 2, 0, "")
			require.NoError(t, err)
			require.Equal(t, 5, total)
			require.Len(t, runs, 2)
			// newest first
			require.Equal(t, ids[4], runs[0].ID)
			require.Equal(t, ids[3], runs[1].ID)

			runs, total, err = db.ListRuns(ctx, 10, 0, string(RunFailed))
			require.NoError(t, err)
			require.Equal(t, 1, total)
			require.Len(t, runs, 1)
			require.Equal(t, ids[0], runs[0].ID)

			runs, _, err = db.ListRuns(ctx, 10, 100, "")
			require.NoError(t, err)
			require.Empty(t, runs)
		})
	}
}

func TestStepLog(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			runID, err := db.CreateRun(ctx, "echo")
			require.NoError(t, err)

			_, err = db.AddStep(ctx, runID, StepInit, nil, 0, []byte(`{}`))
			require.NoError(t, err)

			action := "default"
			_, err = db.AddStep(ctx, runID, "Echo", &action, 1, []byte(`{"lastEcho":"Echo: hi"}`))
			require.NoError(t, err)

			// dense indices are enforced
			_, err = db.AddStep(ctx, runID, "Echo", &action, 1, []byte(`{}`))
			require.Error(t, err)

			steps, err := db.StepsForRun(ctx, runID)
			require.NoError(t, err)
			require.Len(t, steps, 2)
			require.Equal(t, StepInit, steps[0].NodeName)
			require.Nil(t, steps[0].Action)
			require.Equal(t, "Echo", steps[1].NodeName)
			require.Equal(t, "default", *steps[1].Action)

			last, err := db.LastStep(ctx, runID)
			require.NoError(t, err)
			require.Equal(t, 1, last.StepIndex)
			require.JSONEq(t, `{"lastEcho":"Echo: hi"}`, string(last.SharedState))

			byIdx, err := db.StepByIndex(ctx, runID, 0)
			require.NoError(t, err)
			require.Equal(t, StepInit, byIdx.NodeName)

			_, err = db.StepByIndex(ctx, runID, 5)
			require.ErrorIs(t, err, ErrNotFound)

			_, err = db.LastStep(ctx, runID+999)
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestTaskMappingAndSnapshots(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			runID, err := db.CreateRun(ctx, "echo")
			require.NoError(t, err)

			require.NoError(t, db.MapTask(ctx, "task-1", runID))
			got, err := db.RunIDForTask(ctx, "task-1")
			require.NoError(t, err)
			require.Equal(t, runID, got)

			_, err = db.RunIDForTask(ctx, "task-unknown")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, db.SaveTaskSnapshot(ctx, "task-1", []byte(`{"id":"task-1"}`)))
			snap, err := db.TaskSnapshot(ctx, "task-1")
			require.NoError(t, err)
			require.JSONEq(t, `{"id":"task-1"}`, string(snap))

			// snapshots are upserts
			require.NoError(t, db.SaveTaskSnapshot(ctx, "task-1", []byte(`{"id":"task-1","v":2}`)))
			snap, err = db.TaskSnapshot(ctx, "task-1")
			require.NoError(t, err)
			require.JSONEq(t, `{"id":"task-1","v":2}`, string(snap))

			require.NoError(t, db.DeleteTask(ctx, "task-1"))
			_, err = db.RunIDForTask(ctx, "task-1")
			require.ErrorIs(t, err, ErrNotFound)
			_, err = db.TaskSnapshot(ctx, "task-1")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestDeleteRunCascades(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			runID, err := db.CreateRun(ctx, "echo")
			require.NoError(t, err)
			_, err = db.AddStep(ctx, runID, StepInit, nil, 0, []byte(`{}`))
			require.NoError(t, err)
			require.NoError(t, db.MapTask(ctx, "task-1", runID))
			require.NoError(t, db.SaveTaskSnapshot(ctx, "task-1", []byte(`{}`)))

			require.NoError(t, db.DeleteRun(ctx, runID))

			_, err = db.GetRun(ctx, runID)
			require.ErrorIs(t, err, ErrNotFound)
			steps, err := db.StepsForRun(ctx, runID)
			require.NoError(t, err)
			require.Empty(t, steps)
			_, err = db.RunIDForTask(ctx, "task-1")
			require.ErrorIs(t, err, ErrNotFound)
			_, err = db.TaskSnapshot(ctx, "task-1")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestTerminalRunsBefore(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			oldDone, err := db.CreateRun(ctx, "echo")
			require.NoError(t, err)
			require.NoError(t, db.UpdateRunStatus(ctx, oldDone, RunCompleted))

			oldLive, err := db.CreateRun(ctx, "echo")
			require.NoError(t, err)
			require.NoError(t, db.UpdateRunStatus(ctx, oldLive, RunWorking))

			// cutoff in the future: only terminal runs qualify
			ids, err := db.TerminalRunsBefore(ctx, time.Now().UTC().Add(time.Hour))
			require.NoError(t, err)
			require.Equal(t, []int64{oldDone}, ids)

			// cutoff in the past: nothing qualifies
			ids, err = db.TerminalRunsBefore(ctx, time.Now().UTC().Add(-time.Hour))
			require.NoError(t, err)
			require.Empty(t, ids)
		})
	}
}

func TestRunStatusTerminal(t *testing.T) {
	for status, want := range map[RunStatus]bool{
		RunSubmitted:     false,
		RunWorking:       false,
		RunInputRequired: false,
		RunCompleted:     true,
		RunCanceled:      true,
		RunFailed:        true,
		RunRejected:      true,
		RunAuthRequired:  false,
		RunUnknown:       false,
	} {
		if status.Terminal() != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, status.Terminal(), want)
		}
	}
}
