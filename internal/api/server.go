// Package api exposes the HTTP surface: the A2A protocol endpoints
// (agent card + JSON-RPC) and a small REST API over persisted runs.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2asrv"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/pocketmesh/pocketmesh/internal/executor"
	"github.com/pocketmesh/pocketmesh/internal/skills"
	"github.com/pocketmesh/pocketmesh/internal/store"
	"github.com/pocketmesh/pocketmesh/internal/taskstore"
)

type Server struct {
	db       store.Store
	exec     *executor.Executor
	tasks    *taskstore.Store
	registry *skills.Registry
	baseURL  string
}

func NewServer(db store.Store, exec *executor.Executor, tasks *taskstore.Store, registry *skills.Registry, baseURL string) *Server {
	return &Server{
		db:       db,
		exec:     exec,
		tasks:    tasks,
		registry: registry,
		baseURL:  baseURL,
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", s.health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.listRuns)
			r.Get("/{id}", s.getRun)
			r.Get("/{id}/steps", s.listRunSteps)
			r.Delete("/{id}", s.deleteRun)
		})
	})

	s.setupA2ARoutes(r)

	return r
}

// setupA2ARoutes registers the A2A protocol endpoints on the router.
func (s *Server) setupA2ARoutes(r chi.Router) {
	reqHandler := a2asrv.NewHandler(s.exec, a2asrv.WithTaskStore(s.tasks))

	cardProducer := a2asrv.AgentCardProducerFn(func(ctx context.Context) (*a2a.AgentCard, error) {
		return s.registry.Card(s.baseURL), nil
	})
	r.Handle(a2asrv.WellKnownAgentCardPath, a2asrv.NewAgentCardHandler(cardProducer))

	r.Handle("/a2a", a2asrv.NewJSONRPCHandler(reqHandler))
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
