// Package retention sweeps terminal runs past their retention age out
// of the store on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pocketmesh/pocketmesh/internal/store"
)

// Sweeper deletes terminal runs older than MaxAge on every tick.
type Sweeper struct {
	db     store.Store
	maxAge time.Duration
	cron   *cron.Cron
}

// NewSweeper creates a sweeper over db. Runs whose created_at is older
// than maxAge and whose status is terminal are removed together with
// their steps, task mappings and snapshots.
func NewSweeper(db store.Store, maxAge time.Duration) *Sweeper {
	return &Sweeper{
		db:     db,
		maxAge: maxAge,
		cron:   cron.New(),
	}
}

// Start registers the sweep on the given cron spec and starts the
// scheduler.
func (s *Sweeper) Start(spec string) error {
	if _, err := s.cron.AddFunc(spec, func() {
		if err := s.Sweep(context.Background()); err != nil {
			slog.Error("retention sweep failed", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule retention sweep %q: %w", spec, err)
	}
	s.cron.Start()
	slog.Info("retention sweeper started", "spec", spec, "max_age", s.maxAge)
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep runs one pass immediately.
func (s *Sweeper) Sweep(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.maxAge)
	ids, err := s.db.TerminalRunsBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list expired runs: %w", err)
	}
	for _, id := range ids {
		if err := s.db.DeleteRun(ctx, id); err != nil {
			return fmt.Errorf("delete run %d: %w", id, err)
		}
	}
	if len(ids) > 0 {
		slog.Info("retention sweep removed runs", "count", len(ids), "cutoff", cutoff)
	}
	return nil
}
