package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nyc-taxi-pipeline/internal/model"
	"nyc-taxi-pipeline/internal/orchestrator"
	"nyc-taxi-pipeline/internal/store"
	"nyc-taxi-pipeline/internal/warehouse"
)

func newTestHandler(t *testing.T, taskRun func(ctx context.Context) error) *RunHandler {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(context.Background(), "sqlite3", filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if taskRun == nil {
		taskRun = func(ctx context.Context) error { return nil }
	}
	return &RunHandler{
		Store:     st,
		Warehouse: warehouse.New(filepath.Join(dir, "warehouse"), st),
		BuildRunner: func() (*orchestrator.Runner, error) {
			g := orchestrator.NewGraph()
			if err := g.Add(&orchestrator.Task{Name: "work", Retry: model.NoRetry, Run: taskRun}); err != nil {
				return nil, err
			}
			return orchestrator.NewRunner(g, st), nil
		},
		RunTimeout: 10 * time.Second,
	}
}

func waitForStatus(t *testing.T, st *store.Store, runID string, want model.RunStatus) *model.PipelineRun {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := st.GetRun(context.Background(), runID)
		if err == nil && run.Status == want {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %s", runID, want)
	return nil
}

func TestTriggerRun(t *testing.T) {
	h := newTestHandler(t, nil)

	rec := httptest.NewRecorder()
	h.TriggerRun(rec, httptest.NewRequest(http.MethodPost, "/api/v1/runs", nil))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	runID, _ := resp["run_id"].(string)
	if runID == "" {
		t.Fatal("response has no run_id")
	}

	run := waitForStatus(t, h.Store, runID, model.RunSucceeded)
	if run.Tasks["work"].Status != model.TaskSucceeded {
		t.Errorf("task status = %s, want succeeded", run.Tasks["work"].Status)
	}
}

func TestGetRun(t *testing.T) {
	h := newTestHandler(t, nil)

	t.Run("missing run is 404", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.GetRun(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/ghost", nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("existing run round-trips", func(t *testing.T) {
		seed := &model.PipelineRun{
			ID: "run-7", Status: model.RunSucceeded, StartedAt: time.Now().UTC(),
			Tasks: map[string]model.TaskState{"work": {Name: "work", Status: model.TaskSucceeded}},
		}
		if err := h.Store.CreateRun(context.Background(), seed); err != nil {
			t.Fatalf("seed run: %v", err)
		}

		rec := httptest.NewRecorder()
		h.GetRun(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/run-7", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var got model.PipelineRun
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.ID != "run-7" || got.Status != model.RunSucceeded {
			t.Errorf("run = %+v", got)
		}
	})
}

func TestCancelRun(t *testing.T) {
	started := make(chan struct{})
	h := newTestHandler(t, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	rec := httptest.NewRecorder()
	h.TriggerRun(rec, httptest.NewRequest(http.MethodPost, "/api/v1/runs", nil))
	var resp map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	runID := resp["run_id"].(string)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}

	cancelRec := httptest.NewRecorder()
	h.CancelRun(cancelRec, httptest.NewRequest(http.MethodPost, "/api/v1/runs/"+runID+"/cancel", nil))
	if cancelRec.Code != http.StatusAccepted {
		t.Fatalf("cancel status = %d, want 202", cancelRec.Code)
	}

	waitForStatus(t, h.Store, runID, model.RunCancelled)

	t.Run("finished run is no longer active", func(t *testing.T) {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			rec := httptest.NewRecorder()
			h.CancelRun(rec, httptest.NewRequest(http.MethodPost, "/api/v1/runs/"+runID+"/cancel", nil))
			if rec.Code == http.StatusNotFound {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Error("cancel after completion should eventually 404")
	})
}

func TestQueryEndpoint(t *testing.T) {
	h := newTestHandler(t, nil)

	t.Run("rejects non-select statements", func(t *testing.T) {
		body := strings.NewReader(`{"sql": "DELETE FROM fact_trips"}`)
		rec := httptest.NewRecorder()
		h.Query(rec, httptest.NewRequest(http.MethodPost, "/api/v1/query", body))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("rejects invalid json", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.Query(rec, httptest.NewRequest(http.MethodPost, "/api/v1/query", strings.NewReader("{")))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("serves aggregates", func(t *testing.T) {
		ctx := context.Background()
		rows := []model.FactRecord{
			{TripID: "T1", DriverKey: "D1", PickupZoneID: 7, PickupTime: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC), Fare: 10},
			{TripID: "T2", DriverKey: "D1", PickupZoneID: 7, PickupTime: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), Fare: 20},
		}
		if err := h.Store.ReplaceFactPartition(ctx, "2024-01-01", rows); err != nil {
			t.Fatalf("seed facts: %v", err)
		}

		body := strings.NewReader(`{"sql": "SELECT COUNT(*) AS n, SUM(fare) AS total FROM fact_trips"}`)
		rec := httptest.NewRecorder()
		h.Query(rec, httptest.NewRequest(http.MethodPost, "/api/v1/query", body))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
		}
		var got []map[string]interface{}
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(got) != 1 || got[0]["n"].(float64) != 2 || got[0]["total"].(float64) != 30 {
			t.Errorf("aggregate rows = %v", got)
		}
	})
}

func TestPathSegment(t *testing.T) {
	cases := []struct {
		path string
		n    int
		want string
	}{
		{"/api/v1/runs/abc", 3, "abc"},
		{"/api/v1/runs/abc/cancel", 3, "abc"},
		{"/api/v1/runs", 3, ""},
	}
	for _, tc := range cases {
		if got := pathSegment(tc.path, tc.n); got != tc.want {
			t.Errorf("pathSegment(%q, %d) = %q, want %q", tc.path, tc.n, got, tc.want)
		}
	}
}
