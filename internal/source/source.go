// Package source implements the pipeline's ingestion boundary: polled
// feeds, the rate-limited zone scraper and the trip-file downloader.
// Sources never write to the store themselves; the caller persists what
// Fetch returns, which keeps ingestion testable against a fake transport.
package source

import (
	"context"
	"errors"

	"nyc-taxi-pipeline/internal/model"
)

var (
	// ErrSourceUnavailable marks a transient upstream failure. Safe to
	// retry after backoff.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrRateLimited means the upstream asked us to slow down.
	ErrRateLimited = errors.New("rate limited")
	// ErrScrapingDisallowed means the target's crawl permissions forbid
	// the requested path. Never retried.
	ErrScrapingDisallowed = errors.New("scraping disallowed")
	// ErrParseRecord marks a single malformed record. The record is
	// skipped and counted; the batch continues.
	ErrParseRecord = errors.New("record parse failure")
)

// FetchResult is one incremental fetch: the new records, the advanced
// cursor, and per-record failures that were skipped rather than fatal.
type FetchResult struct {
	Records []model.RawRecord
	Next    model.Cursor
	Skipped int
	Errors  []error
}

// Source produces raw records from one origin.
type Source interface {
	// ID identifies the origin; it becomes RawRecord.SourceID.
	ID() string
	// Fetch returns records newer than the cursor. A non-nil error means
	// the fetch as a whole failed; per-record problems live in the result.
	Fetch(ctx context.Context, since model.Cursor) (*FetchResult, error)
}
