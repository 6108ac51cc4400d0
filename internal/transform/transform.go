// Package transform turns raw trip records into partitioned fact
// batches. Partitions are computed independently and in parallel: the
// per-partition aggregation touches no shared state, so reruns with the
// same input are byte-identical and failed partitions can be retried
// without recomputing the rest.
package transform

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"nyc-taxi-pipeline/internal/model"
	"nyc-taxi-pipeline/pkg/logger"
	"nyc-taxi-pipeline/pkg/utils"
)

// ErrSchemaMismatch means the input lacks required columns. Fatal for
// the whole run: no partition can be computed from a wrong shape.
var ErrSchemaMismatch = errors.New("schema mismatch")

// PartialComputeError reports a run where some partitions failed. The
// succeeded partitions are still usable, so a rerun can target only the
// failed keys.
type PartialComputeError struct {
	Failed    map[string]error
	Succeeded []string
}

func (e *PartialComputeError) Error() string {
	keys := make([]string, 0, len(e.Failed))
	for k := range e.Failed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("partial compute failure: %d/%d partitions failed (%s)",
		len(e.Failed), len(e.Failed)+len(e.Succeeded), strings.Join(keys, ", "))
}

// FieldMap names the raw payload fields the engine reads.
type FieldMap struct {
	TripID     string
	DriverKey  string
	PickupZone string
	PickupTime string
	Fare       string
}

// DefaultFields matches the course's trip feed shape.
var DefaultFields = FieldMap{
	TripID:     "trip_id",
	DriverKey:  "driver_id",
	PickupZone: "pickup_zone_id",
	PickupTime: "pickup_datetime",
	Fare:       "fare_amount",
}

func (f FieldMap) required() []string {
	return []string{f.TripID, f.DriverKey, f.PickupZone, f.PickupTime, f.Fare}
}

// DimensionResolver checks that a fact's driver key references a
// dimension row valid at the fact's timestamp.
type DimensionResolver interface {
	AsOf(ctx context.Context, key string, at time.Time) (model.DimensionRecord, error)
}

// Engine is the batch transform stage.
type Engine struct {
	Fields FieldMap
	// Dimensions, when set, enforces the fact-to-dimension foreign key.
	Dimensions DimensionResolver
	// Workers bounds concurrent partition computations. 0 means one
	// worker per partition.
	Workers int
}

// Run builds the partitioned batch for a run date. Records are grouped
// by pickup date; each group is aggregated independently. Per-record
// problems are skipped and counted; per-partition failures are collected
// into a PartialComputeError; a missing input column aborts with
// ErrSchemaMismatch.
func (e *Engine) Run(ctx context.Context, runDate time.Time, inputs []model.RawRecord) (*model.PartitionedBatch, error) {
	fields := e.Fields
	if fields == (FieldMap{}) {
		fields = DefaultFields
	}

	if len(inputs) > 0 {
		if err := checkSchema(inputs, fields); err != nil {
			return nil, err
		}
	}

	groups := make(map[string][]model.RawRecord)
	unpartitioned := 0
	for _, rec := range inputs {
		ts, err := parseTime(rec.Payload[fields.PickupTime])
		if err != nil {
			unpartitioned++
			logger.Debugf("skip %s/%s: %v", rec.SourceID, rec.Key, err)
			continue
		}
		key := ts.Format("2006-01-02")
		groups[key] = append(groups[key], rec)
	}
	if unpartitioned > 0 {
		logger.Warnf("transform: %d records had no usable %s and were skipped", unpartitioned, fields.PickupTime)
	}

	batch := &model.PartitionedBatch{RunDate: runDate.UTC()}
	var mu sync.Mutex
	failed := make(map[string]error)

	g, gctx := errgroup.WithContext(ctx)
	if e.Workers > 0 {
		g.SetLimit(e.Workers)
	}
	for key, recs := range groups {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			part, err := e.computePartition(gctx, key, recs, fields)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[key] = err
				return nil // keep computing the other partitions
			}
			batch.Partitions = append(batch.Partitions, part)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Deterministic partition order regardless of scheduling.
	sort.Slice(batch.Partitions, func(i, j int) bool {
		return batch.Partitions[i].Key < batch.Partitions[j].Key
	})

	if len(failed) > 0 {
		succeeded := make([]string, 0, len(batch.Partitions))
		for _, p := range batch.Partitions {
			succeeded = append(succeeded, p.Key)
		}
		return batch, &PartialComputeError{Failed: failed, Succeeded: succeeded}
	}
	logger.Infof("transform %s: %d partitions, %d rows",
		runDate.Format("2006-01-02"), len(batch.Partitions), batch.TotalRows())
	return batch, nil
}

// computePartition is pure with respect to the batch: it reads only its
// own records and writes only its own partition.
func (e *Engine) computePartition(ctx context.Context, key string, recs []model.RawRecord, fields FieldMap) (model.Partition, error) {
	part := model.Partition{
		Key: key,
		Summary: model.PartitionSummary{
			HourlyTrips: make(map[int]int),
			HourlyFare:  make(map[int]float64),
		},
	}

	skipped := 0
	for _, rec := range recs {
		select {
		case <-ctx.Done():
			return part, ctx.Err()
		default:
		}

		fact, err := e.buildFact(ctx, rec, fields)
		if err != nil {
			skipped++
			logger.Debugf("partition %s: skip %s: %v", key, rec.Key, err)
			continue
		}
		part.Rows = append(part.Rows, fact)
		hour := fact.PickupTime.Hour()
		part.Summary.TripCount++
		part.Summary.TotalFare += fact.Fare
		part.Summary.HourlyTrips[hour]++
		part.Summary.HourlyFare[hour] += fact.Fare
	}
	if len(part.Rows) == 0 {
		return part, fmt.Errorf("all %d records unusable", len(recs))
	}
	if skipped > 0 {
		logger.Warnf("partition %s: %d of %d records skipped", key, skipped, len(recs))
	}

	// Stable row order makes reruns byte-identical.
	sort.Slice(part.Rows, func(i, j int) bool { return part.Rows[i].TripID < part.Rows[j].TripID })
	return part, nil
}

func (e *Engine) buildFact(ctx context.Context, rec model.RawRecord, fields FieldMap) (model.FactRecord, error) {
	var fact model.FactRecord

	fact.TripID = utils.Stringify(rec.Payload[fields.TripID])
	if fact.TripID == "" {
		return fact, fmt.Errorf("missing %s", fields.TripID)
	}
	fact.DriverKey = utils.Stringify(rec.Payload[fields.DriverKey])
	fact.PickupZoneID = int(utils.Numeric(rec.Payload[fields.PickupZone]))
	fact.Fare = utils.Numeric(rec.Payload[fields.Fare])

	ts, err := parseTime(rec.Payload[fields.PickupTime])
	if err != nil {
		return fact, fmt.Errorf("bad %s: %w", fields.PickupTime, err)
	}
	fact.PickupTime = ts

	if e.Dimensions != nil && fact.DriverKey != "" {
		if _, err := e.Dimensions.AsOf(ctx, fact.DriverKey, fact.PickupTime); err != nil {
			return fact, fmt.Errorf("driver %s has no dimension row at %s: %w",
				fact.DriverKey, fact.PickupTime.Format(time.RFC3339), err)
		}
	}
	return fact, nil
}

// checkSchema verifies the required columns appear somewhere in the
// input. Column presence is judged across the batch, not per record,
// so sparse rows are a per-record skip rather than a run abort.
func checkSchema(inputs []model.RawRecord, fields FieldMap) error {
	seen := make(map[string]bool)
	for _, rec := range inputs {
		for k := range rec.Payload {
			seen[k] = true
		}
	}
	var missing []string
	for _, col := range fields.required() {
		if !seen[col] {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: missing columns %s", ErrSchemaMismatch, strings.Join(missing, ", "))
	}
	return nil
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseTime(v interface{}) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("not a timestamp: %v", v)
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
