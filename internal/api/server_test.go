package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2asrv"

	"github.com/pocketmesh/pocketmesh/internal/executor"
	"github.com/pocketmesh/pocketmesh/internal/skills"
	"github.com/pocketmesh/pocketmesh/internal/store"
	"github.com/pocketmesh/pocketmesh/internal/taskstore"
)

func newTestServer(t *testing.T) (*Server, *store.Memory) {
	t.Helper()
	db := store.NewMemory()
	tasks := taskstore.New(db)
	exec := executor.New(db, tasks)

	registry := skills.NewRegistry()
	if err := skills.RegisterDemo(registry); err != nil {
		t.Fatalf("RegisterDemo: %v", err)
	}
	registry.Apply(exec)

	return NewServer(db, exec, tasks, registry, "http://localhost:8080"), db
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestAgentCardEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", a2asrv.WellKnownAgentCardPath, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var card a2a.AgentCard
	if err := json.NewDecoder(rec.Body).Decode(&card); err != nil {
		t.Fatalf("decode card: %v", err)
	}
	if card.Name != "PocketMesh" {
		t.Errorf("name = %s", card.Name)
	}
	if card.URL != "http://localhost:8080/a2a" {
		t.Errorf("url = %s", card.URL)
	}
	if len(card.Skills) != 2 {
		t.Errorf("skills = %d, want 2", len(card.Skills))
	}
}

func TestListRunsEmpty(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/runs", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Runs  []*store.Run `json:"runs"`
		Total int          `json:"total"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 0 || len(body.Runs) != 0 {
		t.Errorf("body = %+v", body)
	}
}

func TestRunEndpoints(t *testing.T) {
	srv, db := newTestServer(t)
	ctx := context.Background()

	runID, err := db.CreateRun(ctx, "echo")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if _, err := db.AddStep(ctx, runID, store.StepInit, nil, 0, []byte(`{"n":1}`)); err != nil {
		t.Fatalf("AddStep: %v", err)
	}

	// GET /api/runs
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/runs?status=submitted", nil))
	var list struct {
		Runs  []*store.Run `json:"runs"`
		Total int          `json:"total"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Total != 1 || list.Runs[0].FlowName != "echo" {
		t.Errorf("list = %+v", list)
	}

	// GET /api/runs/{id}
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/runs/1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get run status = %d", rec.Code)
	}
	var run store.Run
	if err := json.NewDecoder(rec.Body).Decode(&run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if run.ID != runID {
		t.Errorf("run = %+v", run)
	}

	// GET /api/runs/{id}/steps
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/runs/1/steps", nil))
	var stepsBody struct {
		Steps []stepView `json:"steps"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&stepsBody); err != nil {
		t.Fatalf("decode steps: %v", err)
	}
	if len(stepsBody.Steps) != 1 || stepsBody.Steps[0].NodeName != store.StepInit {
		t.Errorf("steps = %+v", stepsBody.Steps)
	}
	if string(stepsBody.Steps[0].SharedState) != `{"n":1}` {
		t.Errorf("shared state = %s", stepsBody.Steps[0].SharedState)
	}

	// DELETE /api/runs/{id}
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("DELETE", "/api/runs/1", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/runs/1", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d", rec.Code)
	}
}

func TestRunNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	for _, path := range []string{"/api/runs/99", "/api/runs/99/steps"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", path, rec.Code)
		}
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/runs/abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid id status = %d, want 400", rec.Code)
	}
}
