package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"nyc-taxi-pipeline/internal/model"
	"nyc-taxi-pipeline/internal/source"
	"nyc-taxi-pipeline/internal/store"
	"nyc-taxi-pipeline/internal/transform"
	"nyc-taxi-pipeline/internal/warehouse"
	"nyc-taxi-pipeline/pkg/logger"
)

// ErrValidationFailed means the loaded run produced no queryable rows.
// It fails the validation task (which triggers the alert task) without
// touching data already loaded.
var ErrValidationFailed = errors.New("validation failed")

// Capstone assembles the course's end-to-end graph:
//
//	ingest_trips ─┐
//	ingest_weather ├─► update_dimensions ─► transform ─► load_warehouse ─► validate ─► alert
//	scrape_zones ─┘                                                        (on failure)
//
// The three ingestion roots run in parallel; everything downstream
// blocks on its upstreams.
type Capstone struct {
	Store     *store.Store
	Warehouse *warehouse.Warehouse
	Engine    *transform.Engine

	Trips   source.Source
	Weather source.Source
	Zones   source.Source

	RunDate time.Time
	Retry   model.RetryPolicy
	// Alert is invoked by the alert task. Defaults to logging.
	Alert func(ctx context.Context, message string) error

	mu    sync.Mutex
	batch *model.PartitionedBatch
}

// Graph builds the capstone task graph.
func (c *Capstone) Graph() (*Graph, error) {
	g := NewGraph()
	retry := c.Retry
	if retry.MaxAttempts <= 0 {
		retry = model.DefaultRetry
	}

	tasks := []*Task{
		{
			Name:  "ingest_trips",
			Retry: retry,
			Run:   func(ctx context.Context) error { return c.ingest(ctx, c.Trips, "trips") },
		},
		{
			Name:  "ingest_weather",
			Retry: retry,
			Run:   func(ctx context.Context) error { return c.ingest(ctx, c.Weather, "weather") },
		},
		{
			Name:  "scrape_zones",
			Retry: retry,
			Run:   func(ctx context.Context) error { return c.ingest(ctx, c.Zones, "taxi_zones") },
		},
		{
			Name:     "update_dimensions",
			Upstream: []string{"ingest_trips"},
			Retry:    retry,
			Run:      c.updateDimensions,
		},
		{
			Name:     "transform",
			Upstream: []string{"update_dimensions", "ingest_weather", "scrape_zones"},
			Retry:    model.NoRetry, // reruns target failed partitions, not the whole stage
			Run:      c.transform,
		},
		{
			Name:     "load_warehouse",
			Upstream: []string{"transform"},
			Retry:    retry,
			Run:      c.loadWarehouse,
		},
		{
			Name:     "validate",
			Upstream: []string{"load_warehouse"},
			Retry:    model.NoRetry,
			Run:      c.validate,
		},
		{
			Name:     "alert",
			Upstream: []string{"validate"},
			Trigger:  TriggerOnFailure,
			Retry:    retry,
			Run:      c.alert,
		},
	}
	for _, t := range tasks {
		if err := g.Add(t); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// ingest pulls one source incrementally and persists the result. The
// source itself never touches the store; this task is the writer.
func (c *Capstone) ingest(ctx context.Context, src source.Source, table string) error {
	if src == nil {
		logger.Warnf("no source configured for %s, skipping fetch", table)
		return nil
	}
	since, err := c.Store.LoadCursor(ctx, src.ID())
	if err != nil {
		return err
	}
	result, err := src.Fetch(ctx, since)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", src.ID(), err)
	}
	for _, recErr := range result.Errors {
		logger.Warnf("ingest %s: %v", src.ID(), recErr)
	}

	written, err := c.Store.UpsertRaw(ctx, table, result.Records)
	if err != nil {
		return fmt.Errorf("persist %s: %w", src.ID(), err)
	}
	if err := c.Store.SaveCursor(ctx, src.ID(), result.Next); err != nil {
		return err
	}
	logger.Infof("ingest %s: %d written, %d skipped", src.ID(), written, result.Skipped)
	return nil
}

// updateDimensions folds driver attributes seen in the trip feed into
// the type-2 driver dimension. Replaying the same feed is a no-op.
func (c *Capstone) updateDimensions(ctx context.Context) error {
	records, err := c.Store.QueryRaw(ctx, store.RawFilter{Table: "trips"})
	if err != nil {
		return err
	}

	seen := make(map[string]map[string]string)
	for _, rec := range records {
		key, _ := rec.Payload["driver_id"].(string)
		if key == "" {
			continue
		}
		attrs := map[string]string{}
		if name, ok := rec.Payload["driver_name"].(string); ok && name != "" {
			attrs["name"] = name
		}
		if len(attrs) == 0 {
			continue
		}
		seen[key] = attrs
	}

	effective := c.runDate()
	applied := 0
	for key, attrs := range seen {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.Store.ApplyChange(ctx, key, attrs, effective)
		if errors.Is(err, store.ErrInvalidDate) {
			// The feed replayed an attribute change older than the open
			// row; history already covers it.
			logger.Debugf("dimension %s: stale change ignored: %v", key, err)
			continue
		}
		if err != nil {
			return fmt.Errorf("dimension %s: %w", key, err)
		}
		applied++
	}
	logger.Infof("dimensions: %d driver keys processed", applied)
	return nil
}

func (c *Capstone) transform(ctx context.Context) error {
	inputs, err := c.Store.QueryRaw(ctx, store.RawFilter{Table: "trips"})
	if err != nil {
		return err
	}

	batch, err := c.Engine.Run(ctx, c.runDate(), inputs)
	if batch != nil {
		// Persist whatever computed, even on partial failure, so a rerun
		// can target only the failed partitions.
		if werr := c.Warehouse.WriteBatch(ctx, batch); werr != nil {
			return werr
		}
		c.mu.Lock()
		c.batch = batch
		c.mu.Unlock()
	}
	return err
}

func (c *Capstone) loadWarehouse(ctx context.Context) error {
	c.mu.Lock()
	batch := c.batch
	c.mu.Unlock()
	if batch == nil {
		return errors.New("no transform output to load")
	}
	return c.Warehouse.Load(ctx, batch)
}

// validate gates alerting: a run that loaded zero rows is a failed run
// even though every stage "worked".
func (c *Capstone) validate(ctx context.Context) error {
	c.mu.Lock()
	batch := c.batch
	c.mu.Unlock()
	if batch == nil || len(batch.Partitions) == 0 {
		return fmt.Errorf("%w: no partitions produced", ErrValidationFailed)
	}
	total := 0
	for _, p := range batch.Partitions {
		n, err := c.Store.CountFactPartition(ctx, p.Key)
		if err != nil {
			return err
		}
		total += n
	}
	if total == 0 {
		return fmt.Errorf("%w: zero rows loaded", ErrValidationFailed)
	}
	logger.Infof("validate: %d fact rows across %d partitions", total, len(batch.Partitions))
	return nil
}

func (c *Capstone) alert(ctx context.Context) error {
	message := "pipeline validation failed"
	if c.Alert != nil {
		return c.Alert(ctx, message)
	}
	logger.Errorf("ALERT: %s", message)
	return nil
}

func (c *Capstone) runDate() time.Time {
	if c.RunDate.IsZero() {
		return time.Now().UTC().Truncate(24 * time.Hour)
	}
	return c.RunDate.UTC()
}
