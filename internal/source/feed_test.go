package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"nyc-taxi-pipeline/internal/model"
)

const tripCSV = `trip_id,driver_id,pickup_zone_id,pickup_datetime,fare_amount
T1,D1,7,2024-01-01 08:15:00,10.50
T2,D1,9,2024-01-01 09:00:00,22.00
T3,D2,7,2024-01-02 17:30:00,8.75
`

func csvServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFeedCSV(t *testing.T) {
	ctx := context.Background()

	t.Run("full fetch from a zero cursor", func(t *testing.T) {
		srv := csvServer(t, tripCSV)
		f := &FeedSource{SourceID: "trip_feed", URL: srv.URL, Format: "csv", KeyField: "trip_id"}

		result, err := f.Fetch(ctx, model.Cursor{})
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if len(result.Records) != 3 {
			t.Fatalf("records = %d, want 3", len(result.Records))
		}
		if result.Next.Offset != 3 {
			t.Errorf("cursor offset = %d, want 3", result.Next.Offset)
		}
		rec := result.Records[0]
		if rec.Key != "T1" || rec.SourceID != "trip_feed" {
			t.Errorf("record identity = %s/%s", rec.SourceID, rec.Key)
		}
		if zone, ok := rec.Payload["pickup_zone_id"].(int); !ok || zone != 7 {
			t.Errorf("pickup_zone_id = %v (%T), want int 7", rec.Payload["pickup_zone_id"], rec.Payload["pickup_zone_id"])
		}
		if fare, ok := rec.Payload["fare_amount"].(float64); !ok || fare != 10.50 {
			t.Errorf("fare_amount = %v (%T), want float 10.50", rec.Payload["fare_amount"], rec.Payload["fare_amount"])
		}
	})

	t.Run("offset cursor skips consumed rows", func(t *testing.T) {
		srv := csvServer(t, tripCSV)
		f := &FeedSource{SourceID: "trip_feed", URL: srv.URL, Format: "csv", KeyField: "trip_id"}

		result, err := f.Fetch(ctx, model.Cursor{Offset: 2})
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if len(result.Records) != 1 || result.Records[0].Key != "T3" {
			t.Errorf("records = %v, want only T3", result.Records)
		}
		if result.Next.Offset != 3 {
			t.Errorf("cursor offset = %d, want 3", result.Next.Offset)
		}
	})

	t.Run("repolling an unchanged feed yields nothing", func(t *testing.T) {
		srv := csvServer(t, tripCSV)
		f := &FeedSource{SourceID: "trip_feed", URL: srv.URL, Format: "csv", KeyField: "trip_id"}

		first, err := f.Fetch(ctx, model.Cursor{})
		if err != nil {
			t.Fatalf("first fetch: %v", err)
		}
		second, err := f.Fetch(ctx, first.Next)
		if err != nil {
			t.Fatalf("second fetch: %v", err)
		}
		if len(second.Records) != 0 {
			t.Errorf("second poll records = %d, want 0", len(second.Records))
		}
	})

	t.Run("timestamp cursor filters old rows", func(t *testing.T) {
		srv := csvServer(t, tripCSV)
		f := &FeedSource{
			SourceID: "trip_feed", URL: srv.URL, Format: "csv",
			KeyField: "trip_id", TimeField: "pickup_datetime",
		}
		since := model.Cursor{Timestamp: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
		result, err := f.Fetch(ctx, since)
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if len(result.Records) != 1 || result.Records[0].Key != "T3" {
			t.Errorf("records past the timestamp = %v, want only T3", result.Records)
		}
		wantTS := time.Date(2024, 1, 2, 17, 30, 0, 0, time.UTC)
		if !result.Next.Timestamp.Equal(wantTS) {
			t.Errorf("cursor timestamp = %v, want %v", result.Next.Timestamp, wantTS)
		}
	})

	t.Run("malformed rows are skipped and reported", func(t *testing.T) {
		bad := "trip_id,fare_amount\nT1,10\n,5\nT3\nT4,20\n"
		srv := csvServer(t, bad)
		f := &FeedSource{SourceID: "trip_feed", URL: srv.URL, Format: "csv", KeyField: "trip_id"}

		result, err := f.Fetch(ctx, model.Cursor{})
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if len(result.Records) != 2 {
			t.Errorf("records = %d, want 2 (T1, T4)", len(result.Records))
		}
		if result.Skipped != 2 {
			t.Errorf("skipped = %d, want 2", result.Skipped)
		}
		for _, e := range result.Errors {
			if !errors.Is(e, ErrParseRecord) {
				t.Errorf("error %v should wrap ErrParseRecord", e)
			}
		}
	})
}

func TestFeedJSON(t *testing.T) {
	ctx := context.Background()
	body := `[
		{"date": "2024-01-01", "temp_c": 3.5, "precip_mm": 0},
		{"date": "2024-01-02", "temp_c": -1.0, "precip_mm": 12.5}
	]`
	srv := csvServer(t, body)
	f := &FeedSource{
		SourceID: "weather_feed", URL: srv.URL, Format: "json",
		KeyField: "date", TimeField: "date",
	}

	t.Run("array of objects", func(t *testing.T) {
		result, err := f.Fetch(ctx, model.Cursor{})
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if len(result.Records) != 2 {
			t.Fatalf("records = %d, want 2", len(result.Records))
		}
		if result.Records[0].Key != "2024-01-01" {
			t.Errorf("key = %s", result.Records[0].Key)
		}
	})

	t.Run("cursor filters already-seen days", func(t *testing.T) {
		since := model.Cursor{Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
		result, err := f.Fetch(ctx, since)
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if len(result.Records) != 1 || result.Records[0].Key != "2024-01-02" {
			t.Errorf("records = %v, want only 2024-01-02", result.Records)
		}
	})
}

func TestFeedStatusErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("429 maps to rate limited", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()
		f := &FeedSource{SourceID: "trip_feed", URL: srv.URL, KeyField: "trip_id"}
		_, err := f.Fetch(ctx, model.Cursor{})
		if !errors.Is(err, ErrRateLimited) {
			t.Errorf("error = %v, want ErrRateLimited", err)
		}
	})

	t.Run("5xx maps to source unavailable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()
		f := &FeedSource{SourceID: "trip_feed", URL: srv.URL, KeyField: "trip_id"}
		_, err := f.Fetch(ctx, model.Cursor{})
		if !errors.Is(err, ErrSourceUnavailable) {
			t.Errorf("error = %v, want ErrSourceUnavailable", err)
		}
	})

	t.Run("unreachable file maps to source unavailable", func(t *testing.T) {
		f := &FeedSource{SourceID: "trip_feed", URL: "/no/such/file.csv", KeyField: "trip_id"}
		_, err := f.Fetch(ctx, model.Cursor{})
		if !errors.Is(err, ErrSourceUnavailable) {
			t.Errorf("error = %v, want ErrSourceUnavailable", err)
		}
	})
}

func TestFeedLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trips.csv")
	if err := os.WriteFile(path, []byte(tripCSV), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	f := &FeedSource{SourceID: "backfill", URL: path, Format: "csv", KeyField: "trip_id"}
	result, err := f.Fetch(context.Background(), model.Cursor{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(result.Records) != 3 {
		t.Errorf("records = %d, want 3", len(result.Records))
	}

	t.Run("file name starting with http", func(t *testing.T) {
		t.Chdir(t.TempDir())
		if err := os.WriteFile("http_feed.csv", []byte(tripCSV), 0o644); err != nil {
			t.Fatalf("write fixture: %v", err)
		}
		f := &FeedSource{SourceID: "backfill", URL: "http_feed.csv", Format: "csv", KeyField: "trip_id"}
		result, err := f.Fetch(context.Background(), model.Cursor{})
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if len(result.Records) != 3 {
			t.Errorf("records = %d, want 3", len(result.Records))
		}
	})
}
