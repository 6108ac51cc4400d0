// Package warehouse is the read-optimized analytical store. Transform
// output lands as columnar partition files (one directory per partition
// key) and is bulk-loaded into the fact table partition by partition.
// Point lookups go to the raw store; this side exists for scan-heavy
// aggregate reads.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"nyc-taxi-pipeline/internal/model"
	"nyc-taxi-pipeline/internal/store"
	"nyc-taxi-pipeline/pkg/logger"
)

// ErrLoad marks a failed bulk load.
var ErrLoad = errors.New("warehouse load failed")

const partitionFile = "part.msgpack"

// Warehouse owns the partition directory tree and the fact table.
type Warehouse struct {
	Dir   string
	Store *store.Store
}

func New(dir string, st *store.Store) *Warehouse {
	return &Warehouse{Dir: dir, Store: st}
}

// columnarPartition is the on-disk shape: column vectors, not rows.
// The hourly summaries live in fixed 24-slot arrays rather than maps;
// identical partition content must encode to identical bytes, and map
// iteration order would break that.
type columnarPartition struct {
	Key         string      `msgpack:"key"`
	TripIDs     []string    `msgpack:"trip_ids"`
	DriverKeys  []string    `msgpack:"driver_keys"`
	ZoneIDs     []int       `msgpack:"zone_ids"`
	PickupUnix  []int64     `msgpack:"pickup_unix"`
	Fares       []float64   `msgpack:"fares"`
	TripCount   int         `msgpack:"trip_count"`
	TotalFare   float64     `msgpack:"total_fare"`
	HourlyTrips [24]int     `msgpack:"hourly_trips"`
	HourlyFare  [24]float64 `msgpack:"hourly_fare"`
}

func toColumnar(p model.Partition) columnarPartition {
	cp := columnarPartition{
		Key:       p.Key,
		TripCount: p.Summary.TripCount,
		TotalFare: p.Summary.TotalFare,
	}
	for hour, n := range p.Summary.HourlyTrips {
		cp.HourlyTrips[hour] = n
	}
	for hour, fare := range p.Summary.HourlyFare {
		cp.HourlyFare[hour] = fare
	}
	for _, row := range p.Rows {
		cp.TripIDs = append(cp.TripIDs, row.TripID)
		cp.DriverKeys = append(cp.DriverKeys, row.DriverKey)
		cp.ZoneIDs = append(cp.ZoneIDs, row.PickupZoneID)
		cp.PickupUnix = append(cp.PickupUnix, row.PickupTime.Unix())
		cp.Fares = append(cp.Fares, row.Fare)
	}
	return cp
}

func (cp columnarPartition) toPartition() model.Partition {
	p := model.Partition{
		Key: cp.Key,
		Summary: model.PartitionSummary{
			TripCount:   cp.TripCount,
			TotalFare:   cp.TotalFare,
			HourlyTrips: make(map[int]int),
			HourlyFare:  make(map[int]float64),
		},
	}
	for hour, n := range cp.HourlyTrips {
		if n > 0 {
			p.Summary.HourlyTrips[hour] = n
			p.Summary.HourlyFare[hour] = cp.HourlyFare[hour]
		}
	}
	for i := range cp.TripIDs {
		p.Rows = append(p.Rows, model.FactRecord{
			TripID:       cp.TripIDs[i],
			DriverKey:    cp.DriverKeys[i],
			PickupZoneID: cp.ZoneIDs[i],
			PickupTime:   time.Unix(cp.PickupUnix[i], 0).UTC(),
			Fare:         cp.Fares[i],
		})
	}
	return p
}

// WriteBatch persists every partition of a transform batch. Each
// partition is staged into a temp directory and swapped in whole, so a
// rerun overwrites cleanly and a cancelled run leaves no half-written
// partition behind.
func (w *Warehouse) WriteBatch(ctx context.Context, batch *model.PartitionedBatch) error {
	for _, p := range batch.Partitions {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.writePartition(p); err != nil {
			return err
		}
	}
	logger.Infof("warehouse: wrote %d partitions under %s", len(batch.Partitions), w.Dir)
	return nil
}

func (w *Warehouse) writePartition(p model.Partition) error {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return fmt.Errorf("create warehouse dir: %w", err)
	}

	staging, err := os.MkdirTemp(w.Dir, p.Key+".staging-")
	if err != nil {
		return fmt.Errorf("stage partition %s: %w", p.Key, err)
	}
	cleanup := func() { os.RemoveAll(staging) }

	data, err := msgpack.Marshal(toColumnar(p))
	if err != nil {
		cleanup()
		return fmt.Errorf("encode partition %s: %w", p.Key, err)
	}
	if err := os.WriteFile(filepath.Join(staging, partitionFile), data, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("write partition %s: %w", p.Key, err)
	}

	// Swap the staged directory in. The previous partition directory is
	// removed first; the staged data is complete at this point, so the
	// worst crash outcome is a missing (never a partial) partition.
	final := filepath.Join(w.Dir, p.Key)
	if err := os.RemoveAll(final); err != nil {
		cleanup()
		return fmt.Errorf("clear partition %s: %w", p.Key, err)
	}
	if err := os.Rename(staging, final); err != nil {
		cleanup()
		return fmt.Errorf("publish partition %s: %w", p.Key, err)
	}
	return nil
}

// ReadPartition loads one partition's columnar file back into rows.
func (w *Warehouse) ReadPartition(key string) (model.Partition, error) {
	data, err := os.ReadFile(filepath.Join(w.Dir, key, partitionFile))
	if err != nil {
		return model.Partition{}, fmt.Errorf("read partition %s: %w", key, err)
	}
	var cp columnarPartition
	if err := msgpack.Unmarshal(data, &cp); err != nil {
		return model.Partition{}, fmt.Errorf("decode partition %s: %w", key, err)
	}
	return cp.toPartition(), nil
}

// PartitionKeys lists the partitions currently on disk, sorted.
func (w *Warehouse) PartitionKeys() ([]string, error) {
	entries, err := os.ReadDir(w.Dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	var keys []string
	for _, e := range entries {
		// Leftover staging dirs from an interrupted write are not
		// partitions.
		if e.IsDir() && !strings.Contains(e.Name(), ".staging-") {
			keys = append(keys, e.Name())
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Load bulk-loads a batch into the fact table, replacing each partition
// atomically. Never row-by-row from the caller's perspective: a
// partition either fully swaps or the old rows stay.
func (w *Warehouse) Load(ctx context.Context, batch *model.PartitionedBatch) error {
	for _, p := range batch.Partitions {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.Store.ReplaceFactPartition(ctx, p.Key, p.Rows); err != nil {
			return fmt.Errorf("%w: partition %s: %v", ErrLoad, p.Key, err)
		}
		logger.Debugf("warehouse: loaded partition %s (%d rows)", p.Key, len(p.Rows))
	}
	return nil
}

// LoadFromDisk re-loads the given partition keys from their columnar
// files, used to target only failed partitions after a partial run.
func (w *Warehouse) LoadFromDisk(ctx context.Context, keys []string) error {
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := w.ReadPartition(key)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLoad, err)
		}
		if err := w.Store.ReplaceFactPartition(ctx, p.Key, p.Rows); err != nil {
			return fmt.Errorf("%w: partition %s: %v", ErrLoad, p.Key, err)
		}
	}
	return nil
}

// Query runs a read-only aggregate query against the warehouse tables.
// Rows come back as column-name maps for the API and BI consumers.
func (w *Warehouse) Query(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	rows, err := w.Store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("warehouse query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("warehouse query columns: %w", err)
	}

	var out []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("warehouse query scan: %w", err)
		}
		row := make(map[string]interface{}, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
