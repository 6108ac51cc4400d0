package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"nyc-taxi-pipeline/internal/model"
)

func TestTripFileSource(t *testing.T) {
	ctx := context.Background()

	t.Run("downloads missing months", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("parquet-bytes"))
		}))
		defer srv.Close()

		dir := t.TempDir()
		src := &TripFileSource{
			BaseURL:   srv.URL,
			DataDir:   dir,
			Datasets:  []string{"yellow"},
			StartYear: 2023,
			EndYear:   2023,
		}
		result, err := src.Fetch(ctx, model.Cursor{})
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if len(result.Records) != 12 {
			t.Fatalf("records = %d, want 12 months", len(result.Records))
		}

		path := filepath.Join(dir, "2023", "03", "yellow_tripdata_2023-03.parquet")
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("downloaded file missing: %v", err)
		}
		if string(data) != "parquet-bytes" {
			t.Errorf("file content = %q", data)
		}
		if result.Next.Offset != 12 {
			t.Errorf("cursor offset = %d, want 12", result.Next.Offset)
		}
	})

	t.Run("rerun skips months already on disk", func(t *testing.T) {
		hits := 0
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits++
			w.Write([]byte("parquet-bytes"))
		}))
		defer srv.Close()

		dir := t.TempDir()
		src := &TripFileSource{
			BaseURL:     srv.URL,
			DataDir:     dir,
			Datasets:    []string{"yellow"},
			StartYear:   2023,
			EndYear:     2023,
			Concurrency: 1,
		}
		if _, err := src.Fetch(ctx, model.Cursor{}); err != nil {
			t.Fatalf("first fetch: %v", err)
		}
		first := hits

		result, err := src.Fetch(ctx, model.Cursor{})
		if err != nil {
			t.Fatalf("second fetch: %v", err)
		}
		if hits != first {
			t.Errorf("second fetch made %d extra requests, want 0", hits-first)
		}
		if len(result.Records) != 0 {
			t.Errorf("second fetch records = %d, want 0", len(result.Records))
		}
	})

	t.Run("partial failures are skipped", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.Contains(r.URL.Path, "2023-02") {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write([]byte("parquet-bytes"))
		}))
		defer srv.Close()

		src := &TripFileSource{
			BaseURL:   srv.URL,
			DataDir:   t.TempDir(),
			Datasets:  []string{"yellow"},
			StartYear: 2023,
			EndYear:   2023,
		}
		result, err := src.Fetch(ctx, model.Cursor{})
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if len(result.Records) != 11 || result.Skipped != 1 {
			t.Errorf("records = %d, skipped = %d, want 11/1", len(result.Records), result.Skipped)
		}
	})

	t.Run("total failure is unavailable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		src := &TripFileSource{
			BaseURL:   srv.URL,
			DataDir:   t.TempDir(),
			Datasets:  []string{"yellow"},
			StartYear: 2023,
			EndYear:   2023,
		}
		_, err := src.Fetch(ctx, model.Cursor{})
		if !errors.Is(err, ErrSourceUnavailable) {
			t.Errorf("error = %v, want ErrSourceUnavailable", err)
		}
	})
}
