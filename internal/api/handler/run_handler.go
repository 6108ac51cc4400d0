package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"nyc-taxi-pipeline/internal/model"
	"nyc-taxi-pipeline/internal/orchestrator"
	"nyc-taxi-pipeline/internal/store"
	"nyc-taxi-pipeline/internal/warehouse"
	"nyc-taxi-pipeline/pkg/logger"
)

// RunHandler serves the pipeline run API. The store and warehouse come
// in explicitly; handlers hold no package-level state.
type RunHandler struct {
	Store     *store.Store
	Warehouse *warehouse.Warehouse
	// BuildRunner produces a fresh runner for each triggered run.
	BuildRunner func() (*orchestrator.Runner, error)
	// RunTimeout bounds each triggered run. Zero means an hour.
	RunTimeout time.Duration

	mu     sync.Mutex
	active map[string]*orchestrator.Runner
}

// TriggerRun starts a pipeline run
// @Summary Trigger a pipeline run
// @Description Starts the capstone pipeline graph asynchronously and returns the run id
// @Tags runs
// @Produce json
// @Success 202 {object} map[string]interface{} "Run accepted"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /runs [post]
func (h *RunHandler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	runner, err := h.BuildRunner()
	if err != nil {
		http.Error(w, "Failed to build pipeline", http.StatusInternalServerError)
		return
	}
	runner.RunID = uuid.New().String()

	h.mu.Lock()
	if h.active == nil {
		h.active = make(map[string]*orchestrator.Runner)
	}
	h.active[runner.RunID] = runner
	h.mu.Unlock()

	timeout := h.RunTimeout
	if timeout <= 0 {
		timeout = time.Hour
	}
	go func(id string) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		defer func() {
			h.mu.Lock()
			delete(h.active, id)
			h.mu.Unlock()
		}()
		if _, err := runner.Execute(ctx); err != nil {
			logger.Errorf("run %s: %v", id, err)
		}
	}(runner.RunID)

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"run_id":    runner.RunID,
		"status":    model.RunPending,
		"createdAt": time.Now().UTC(),
	})
}

// ListRuns lists pipeline runs
// @Summary List runs
// @Description Lists pipeline runs, newest first
// @Tags runs
// @Produce json
// @Success 200 {array} model.PipelineRun
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /runs [get]
func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Store.ListRuns(r.Context(), 100)
	if err != nil {
		http.Error(w, "Failed to list runs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetRun returns one run with task states
// @Summary Get a run
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} model.PipelineRun
// @Failure 404 {object} map[string]interface{} "Run not found"
// @Router /runs/{id} [get]
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := pathSegment(r.URL.Path, 3)
	run, err := h.Store.GetRun(r.Context(), runID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to fetch run", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GetRunErrors returns the per-task error summary for a run
// @Summary Get run errors
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} map[string][]string
// @Router /runs/{id}/errors [get]
func (h *RunHandler) GetRunErrors(w http.ResponseWriter, r *http.Request) {
	runID := pathSegment(r.URL.Path, 3)
	errs, err := h.Store.RunErrors(r.Context(), runID)
	if err != nil {
		http.Error(w, "Failed to fetch run errors", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, errs)
}

// CancelRun cancels an in-flight run
// @Summary Cancel a run
// @Description In-flight tasks drain to a safe stopping point before the run resolves
// @Tags runs
// @Param id path string true "Run ID"
// @Success 202 {object} map[string]interface{} "Cancellation requested"
// @Failure 404 {object} map[string]interface{} "Run not active"
// @Router /runs/{id}/cancel [post]
func (h *RunHandler) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := pathSegment(r.URL.Path, 3)
	h.mu.Lock()
	runner := h.active[runID]
	h.mu.Unlock()
	if runner == nil {
		http.Error(w, "Run not active", http.StatusNotFound)
		return
	}
	runner.Cancel()
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"run_id": runID,
		"status": "cancelling",
	})
}

type queryRequest struct {
	SQL string `json:"sql"`
}

// Query runs a read-only warehouse query
// @Summary Query the warehouse
// @Description Read-only aggregate access for visualization consumers; only SELECT statements are accepted
// @Tags warehouse
// @Accept json
// @Produce json
// @Param query body queryRequest true "Query"
// @Success 200 {array} map[string]interface{}
// @Failure 400 {object} map[string]interface{} "Not a SELECT"
// @Router /query [post]
func (h *RunHandler) Query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(req.SQL)), "select") {
		http.Error(w, "Only SELECT statements are allowed", http.StatusBadRequest)
		return
	}
	rows, err := h.Warehouse.Query(r.Context(), req.SQL)
	if err != nil {
		http.Error(w, "Query failed", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// Health reports liveness
// @Summary Health check
// @Tags meta
// @Produce json
// @Success 200 {object} map[string]string
// @Router /health [get]
func (h *RunHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// pathSegment returns the nth path segment (0-based), "" when absent.
func pathSegment(path string, n int) string {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if n >= len(segs) {
		return ""
	}
	return segs[n]
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("encode response: %v", err)
	}
}
