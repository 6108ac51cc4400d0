package model

import "time"

// PartitionSummary carries per-partition aggregates computed alongside
// the fact rows (hourly trip counts, fare totals).
type PartitionSummary struct {
	TripCount   int             `json:"trip_count"`
	TotalFare   float64         `json:"total_fare"`
	HourlyTrips map[int]int     `json:"hourly_trips"`
	HourlyFare  map[int]float64 `json:"hourly_fare"`
}

// Partition is an immutable sequence of fact rows sharing one partition
// key value. Rows are kept in deterministic order so a rerun with the
// same input produces byte-identical output.
type Partition struct {
	Key     string           `json:"key"`
	Rows    []FactRecord     `json:"rows"`
	Summary PartitionSummary `json:"summary"`
}

// PartitionedBatch is the columnar output of one transform run. Reruns
// for the same run date overwrite their partitions atomically; partitions
// for other dates are untouched.
type PartitionedBatch struct {
	RunDate    time.Time   `json:"run_date"`
	Partitions []Partition `json:"partitions"`
}

// Partition returns the partition with the given key, if present.
func (b *PartitionedBatch) Partition(key string) (Partition, bool) {
	for _, p := range b.Partitions {
		if p.Key == key {
			return p, true
		}
	}
	return Partition{}, false
}

// TotalRows counts fact rows across all partitions.
func (b *PartitionedBatch) TotalRows() int {
	n := 0
	for _, p := range b.Partitions {
		n += len(p.Rows)
	}
	return n
}
