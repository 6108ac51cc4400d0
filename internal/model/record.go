package model

import "time"

// RawRecord is a single ingested unit before any heavy transformation.
// (SourceID, Key) is the natural identity: re-ingesting the same key
// replaces the stored payload instead of duplicating it.
type RawRecord struct {
	SourceID   string                 `json:"source_id"`
	Key        string                 `json:"key"`
	Payload    map[string]interface{} `json:"payload"`
	IngestedAt time.Time              `json:"ingested_at"`
}

// Cursor marks how far a source has been ingested, so polling fetches
// incrementally instead of re-reading everything.
type Cursor struct {
	Timestamp time.Time `json:"timestamp"`
	Offset    int64     `json:"offset"`
}

// IsZero reports whether the cursor has never been advanced.
func (c Cursor) IsZero() bool {
	return c.Timestamp.IsZero() && c.Offset == 0
}

// OpenEnd is the valid_to sentinel for the currently active dimension row.
var OpenEnd = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// DimensionRecord is a type-2 slowly changing dimension row. Attribute
// changes never overwrite in place: the open row is closed and a new
// open row is inserted, preserving full history.
type DimensionRecord struct {
	Key        string            `json:"key"`
	Attributes map[string]string `json:"attributes"`
	ValidFrom  time.Time         `json:"valid_from"`
	ValidTo    time.Time         `json:"valid_to"`
}

// Open reports whether this is the currently active row for its key.
func (d DimensionRecord) Open() bool {
	return d.ValidTo.Equal(OpenEnd)
}

// SameAttributes compares descriptive attributes, ignoring validity dates.
func (d DimensionRecord) SameAttributes(attrs map[string]string) bool {
	if len(d.Attributes) != len(attrs) {
		return false
	}
	for k, v := range attrs {
		if d.Attributes[k] != v {
			return false
		}
	}
	return true
}

// FactRecord is an immutable trip measurement tied to dimension keys.
// Facts are created once by the transform stage and only ever superseded
// by reprocessing their partition.
type FactRecord struct {
	TripID       string    `json:"trip_id"`
	DriverKey    string    `json:"driver_key"`
	PickupZoneID int       `json:"pickup_zone_id"`
	PickupTime   time.Time `json:"pickup_time"`
	Fare         float64   `json:"fare"`
}

// PartitionKey is the declared partitioning attribute: the pickup date.
func (f FactRecord) PartitionKey() string {
	return f.PickupTime.UTC().Format("2006-01-02")
}
