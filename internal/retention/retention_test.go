package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pocketmesh/pocketmesh/internal/store"
)

func TestSweepRemovesExpiredTerminalRuns(t *testing.T) {
	ctx := context.Background()
	db := store.NewMemory()

	done, err := db.CreateRun(ctx, "echo")
	require.NoError(t, err)
	require.NoError(t, db.UpdateRunStatus(ctx, done, store.RunCompleted))
	require.NoError(t, db.MapTask(ctx, "task-done", done))
	require.NoError(t, db.SaveTaskSnapshot(ctx, "task-done", []byte(`{}`)))

	live, err := db.CreateRun(ctx, "echo")
	require.NoError(t, err)
	require.NoError(t, db.UpdateRunStatus(ctx, live, store.RunWorking))

	// zero max age: everything terminal created before now expires
	s := NewSweeper(db, 0)
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.Sweep(ctx))

	_, err = db.GetRun(ctx, done)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = db.TaskSnapshot(ctx, "task-done")
	require.ErrorIs(t, err, store.ErrNotFound)

	// in-flight runs survive regardless of age
	_, err = db.GetRun(ctx, live)
	require.NoError(t, err)
}

func TestSweepKeepsFreshRuns(t *testing.T) {
	ctx := context.Background()
	db := store.NewMemory()

	done, err := db.CreateRun(ctx, "echo")
	require.NoError(t, err)
	require.NoError(t, db.UpdateRunStatus(ctx, done, store.RunCompleted))

	s := NewSweeper(db, time.Hour)
	require.NoError(t, s.Sweep(ctx))

	_, err = db.GetRun(ctx, done)
	require.NoError(t, err)
}

func TestStartRejectsBadSpec(t *testing.T) {
	s := NewSweeper(store.NewMemory(), time.Hour)
	require.Error(t, s.Start("not a cron spec"))
}
