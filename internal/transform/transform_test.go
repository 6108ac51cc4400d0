package transform

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"nyc-taxi-pipeline/internal/model"
)

func tripRecord(id, driver string, zone int, pickup string, fare float64) model.RawRecord {
	return model.RawRecord{
		SourceID: "trip_feed",
		Key:      id,
		Payload: map[string]interface{}{
			"trip_id":         id,
			"driver_id":       driver,
			"pickup_zone_id":  zone,
			"pickup_datetime": pickup,
			"fare_amount":     fare,
		},
	}
}

// stubDims approves every key except the ones listed.
type stubDims struct {
	deny map[string]bool
}

func (s stubDims) AsOf(ctx context.Context, key string, at time.Time) (model.DimensionRecord, error) {
	if s.deny[key] {
		return model.DimensionRecord{}, fmt.Errorf("no row for %s", key)
	}
	return model.DimensionRecord{Key: key, ValidFrom: at.AddDate(-1, 0, 0), ValidTo: model.OpenEnd}, nil
}

func TestEngineRun(t *testing.T) {
	ctx := context.Background()
	runDate := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)

	t.Run("groups by pickup date", func(t *testing.T) {
		e := &Engine{}
		inputs := []model.RawRecord{
			tripRecord("T1", "D1", 7, "2024-01-01 08:15:00", 10),
			tripRecord("T2", "D1", 7, "2024-01-01 08:45:00", 20),
			tripRecord("T3", "D2", 9, "2024-01-02 17:00:00", 30),
		}
		batch, err := e.Run(ctx, runDate, inputs)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if len(batch.Partitions) != 2 {
			t.Fatalf("partitions = %d, want 2", len(batch.Partitions))
		}
		if batch.Partitions[0].Key != "2024-01-01" || batch.Partitions[1].Key != "2024-01-02" {
			t.Errorf("partition keys = %s, %s", batch.Partitions[0].Key, batch.Partitions[1].Key)
		}

		first, _ := batch.Partition("2024-01-01")
		if first.Summary.TripCount != 2 || first.Summary.TotalFare != 30 {
			t.Errorf("summary = %+v, want 2 trips / 30 fare", first.Summary)
		}
		if first.Summary.HourlyTrips[8] != 2 || first.Summary.HourlyFare[8] != 30 {
			t.Errorf("hourly = %+v / %+v, want both trips in hour 8", first.Summary.HourlyTrips, first.Summary.HourlyFare)
		}
		if batch.TotalRows() != 3 {
			t.Errorf("total rows = %d, want 3", batch.TotalRows())
		}
	})

	t.Run("rerun output is identical", func(t *testing.T) {
		e := &Engine{Workers: 2}
		a := []model.RawRecord{
			tripRecord("T2", "D1", 7, "2024-01-01 08:45:00", 20),
			tripRecord("T3", "D2", 9, "2024-01-02 17:00:00", 30),
			tripRecord("T1", "D1", 7, "2024-01-01 08:15:00", 10),
		}
		// Same records, different input order.
		b := []model.RawRecord{a[2], a[0], a[1]}

		first, err := e.Run(ctx, runDate, a)
		if err != nil {
			t.Fatalf("first run: %v", err)
		}
		second, err := e.Run(ctx, runDate, b)
		if err != nil {
			t.Fatalf("second run: %v", err)
		}
		if !reflect.DeepEqual(first, second) {
			t.Errorf("reruns differ:\n%+v\n%+v", first, second)
		}
	})

	t.Run("missing column aborts the run", func(t *testing.T) {
		e := &Engine{}
		inputs := []model.RawRecord{{
			SourceID: "trip_feed",
			Key:      "T1",
			Payload: map[string]interface{}{
				"trip_id":         "T1",
				"driver_id":       "D1",
				"pickup_zone_id":  7,
				"pickup_datetime": "2024-01-01 08:00:00",
			},
		}}
		_, err := e.Run(ctx, runDate, inputs)
		if !errors.Is(err, ErrSchemaMismatch) {
			t.Errorf("error = %v, want ErrSchemaMismatch", err)
		}
	})

	t.Run("empty input yields an empty batch", func(t *testing.T) {
		e := &Engine{}
		batch, err := e.Run(ctx, runDate, nil)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if len(batch.Partitions) != 0 {
			t.Errorf("partitions = %d, want 0", len(batch.Partitions))
		}
	})

	t.Run("bad record is skipped, partition survives", func(t *testing.T) {
		e := &Engine{}
		inputs := []model.RawRecord{
			tripRecord("T1", "D1", 7, "2024-01-01 08:15:00", 10),
			tripRecord("", "D1", 7, "2024-01-01 09:00:00", 5), // no trip id
		}
		batch, err := e.Run(ctx, runDate, inputs)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		p, ok := batch.Partition("2024-01-01")
		if !ok || len(p.Rows) != 1 {
			t.Errorf("partition rows = %d, want 1", len(p.Rows))
		}
		if p.Summary.TripCount != 1 || p.Summary.TotalFare != 10 {
			t.Errorf("summary excludes the skipped row: %+v", p.Summary)
		}
	})
}

func TestEnginePartialFailure(t *testing.T) {
	ctx := context.Background()
	runDate := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)

	e := &Engine{Dimensions: stubDims{deny: map[string]bool{"D2": true}}}
	inputs := []model.RawRecord{
		tripRecord("T1", "D1", 7, "2024-01-01 08:15:00", 10),
		tripRecord("T3", "D2", 9, "2024-01-02 17:00:00", 30), // whole partition fails
	}

	batch, err := e.Run(ctx, runDate, inputs)
	if err == nil {
		t.Fatal("expected a partial compute error")
	}
	var partial *PartialComputeError
	if !errors.As(err, &partial) {
		t.Fatalf("error = %T, want PartialComputeError", err)
	}
	if _, failed := partial.Failed["2024-01-02"]; !failed {
		t.Errorf("failed partitions = %v, want 2024-01-02", partial.Failed)
	}
	if len(partial.Succeeded) != 1 || partial.Succeeded[0] != "2024-01-01" {
		t.Errorf("succeeded = %v, want [2024-01-01]", partial.Succeeded)
	}

	// The healthy partition is still fully usable.
	if batch == nil {
		t.Fatal("batch should carry the succeeded partitions")
	}
	if p, ok := batch.Partition("2024-01-01"); !ok || len(p.Rows) != 1 {
		t.Errorf("succeeded partition missing from batch: %+v", batch.Partitions)
	}
	if _, ok := batch.Partition("2024-01-02"); ok {
		t.Error("failed partition must not appear in the batch")
	}
}

func TestEngineDimensionCheck(t *testing.T) {
	ctx := context.Background()
	runDate := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)

	e := &Engine{Dimensions: stubDims{}}
	inputs := []model.RawRecord{
		tripRecord("T1", "D1", 7, "2024-01-01 08:15:00", 10),
	}
	batch, err := e.Run(ctx, runDate, inputs)
	if err != nil {
		t.Fatalf("Run with passing resolver: %v", err)
	}
	if batch.TotalRows() != 1 {
		t.Errorf("rows = %d, want 1", batch.TotalRows())
	}
}

func TestParseTime(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
	}{
		{"2024-01-01 08:15:00", time.Date(2024, 1, 1, 8, 15, 0, 0, time.UTC)},
		{"2024-01-01T08:15:00", time.Date(2024, 1, 1, 8, 15, 0, 0, time.UTC)},
		{"2024-01-01T08:15:00Z", time.Date(2024, 1, 1, 8, 15, 0, 0, time.UTC)},
		{"2024-01-01", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, err := parseTime(tc.in)
		if err != nil {
			t.Errorf("parseTime(%q): %v", tc.in, err)
			continue
		}
		if !got.Equal(tc.want) {
			t.Errorf("parseTime(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}

	if _, err := parseTime("not-a-time"); err == nil {
		t.Error("parseTime should reject garbage")
	}
	if _, err := parseTime(42); err == nil {
		t.Error("parseTime should reject non-strings")
	}
}
