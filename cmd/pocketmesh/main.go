package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/joho/godotenv"

	"github.com/pocketmesh/pocketmesh/internal/api"
	"github.com/pocketmesh/pocketmesh/internal/config"
	"github.com/pocketmesh/pocketmesh/internal/executor"
	"github.com/pocketmesh/pocketmesh/internal/retention"
	"github.com/pocketmesh/pocketmesh/internal/skills"
	"github.com/pocketmesh/pocketmesh/internal/store"
	"github.com/pocketmesh/pocketmesh/internal/taskstore"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "serve" {
		serve()
		return
	}
	fmt.Println("pocketmesh v0.1.0")
	fmt.Println("Usage: pocketmesh serve")
}

func serve() {
	_ = godotenv.Load()

	cfg, err := config.LoadDefault()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := store.OpenSQLite(ctx, cfg.Database.Path)
	if err != nil {
		slog.Error("opening database failed", "path", cfg.Database.Path, "err", err)
		os.Exit(1)
	}
	defer db.Close()

	tasks := taskstore.New(db)
	exec := executor.New(db, tasks)

	registry := skills.NewRegistry()
	if err := skills.RegisterDemo(registry); err != nil {
		slog.Error("registering skills failed", "err", err)
		os.Exit(1)
	}
	registry.Apply(exec)

	if cfg.Retention.Enabled {
		sweeper := retention.NewSweeper(db, cfg.Retention.MaxAge)
		if err := sweeper.Start(cfg.Retention.CronSpec); err != nil {
			slog.Error("starting retention sweeper failed", "err", err)
			os.Exit(1)
		}
		defer sweeper.Stop()
	}

	srv := api.NewServer(db, exec, tasks, registry, cfg.AdvertisedURL())
	addr := cfg.Addr()
	slog.Info("starting pocketmesh server", "addr", addr, "db", cfg.Database.Path)
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}
