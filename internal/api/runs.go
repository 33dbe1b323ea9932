package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pocketmesh/pocketmesh/internal/store"
)

// stepView renders a persisted step with the shared state inlined as
// JSON instead of base64 bytes.
type stepView struct {
	ID          int64           `json:"id"`
	NodeName    string          `json:"node_name"`
	Action      *string         `json:"action"`
	StepIndex   int             `json:"step_index"`
	SharedState json.RawMessage `json:"shared_state"`
	CreatedAt   time.Time       `json:"created_at"`
}

// listRuns returns persisted runs with pagination.
// GET /api/runs?limit=20&offset=0&status=failed
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	status := r.URL.Query().Get("status")

	runs, total, err := s.db.ListRuns(r.Context(), limit, offset, status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"runs":  runs,
		"total": total,
	})
}

// getRun returns a single run record.
// GET /api/runs/{id}
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id, ok := parseRunID(w, r)
	if !ok {
		return
	}
	run, err := s.db.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(run)
}

// listRunSteps returns the step log of a run, oldest first.
// GET /api/runs/{id}/steps
func (s *Server) listRunSteps(w http.ResponseWriter, r *http.Request) {
	id, ok := parseRunID(w, r)
	if !ok {
		return
	}
	if _, err := s.db.GetRun(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	steps, err := s.db.StepsForRun(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	views := make([]stepView, 0, len(steps))
	for _, st := range steps {
		state := json.RawMessage(st.SharedState)
		if len(state) == 0 {
			state = json.RawMessage("null")
		}
		views = append(views, stepView{
			ID:          st.ID,
			NodeName:    st.NodeName,
			Action:      st.Action,
			StepIndex:   st.StepIndex,
			SharedState: state,
			CreatedAt:   st.CreatedAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"steps": views})
}

// deleteRun removes a run with its steps, task mappings and snapshots.
// DELETE /api/runs/{id}
func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	id, ok := parseRunID(w, r)
	if !ok {
		return
	}
	if _, err := s.db.GetRun(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.db.DeleteRun(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseRunID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid run id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// parsePagination extracts limit and offset query parameters with defaults.
func parsePagination(r *http.Request) (int, int) {
	limit := 20
	offset := 0

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return limit, offset
}
