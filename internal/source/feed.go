package source

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"nyc-taxi-pipeline/internal/model"
	"nyc-taxi-pipeline/pkg/logger"
	"nyc-taxi-pipeline/pkg/utils"
)

// FeedSource polls an external CSV/JSON endpoint or reads a local file.
// Fetches are incremental: the cursor's offset counts rows already
// consumed, and when TimeField is set, rows at or before the cursor's
// timestamp are skipped as well.
type FeedSource struct {
	SourceID string
	URL      string // http(s) endpoint or local file path
	Format   string // "csv" or "json"
	// KeyField names the payload field used as the natural key.
	KeyField string
	// TimeField optionally names a timestamp field for cursor filtering.
	TimeField string
	Client    *http.Client
}

func (f *FeedSource) ID() string { return f.SourceID }

func (f *FeedSource) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

// Fetch reads the feed and returns rows past the cursor. Malformed rows
// are skipped and reported in the result, never fatal for the batch.
func (f *FeedSource) Fetch(ctx context.Context, since model.Cursor) (*FetchResult, error) {
	body, err := f.open(ctx)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	switch strings.ToLower(f.Format) {
	case "csv", "":
		return f.fetchCSV(ctx, body, since)
	case "json":
		return f.fetchJSON(ctx, body, since)
	default:
		return nil, fmt.Errorf("unknown feed format: %s", f.Format)
	}
}

func (f *FeedSource) open(ctx context.Context) (io.ReadCloser, error) {
	// Anything without an http(s) scheme is a local file path, even if
	// the name happens to start with "http".
	if u, err := url.Parse(f.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		file, err := os.Open(f.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %v", ErrSourceUnavailable, f.URL, err)
		}
		return file, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build feed request: %w", err)
	}
	resp, err := f.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", ErrSourceUnavailable, f.URL, err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: GET %s", ErrRateLimited, f.URL)
	case resp.StatusCode >= 500:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: GET %s: status %d", ErrSourceUnavailable, f.URL, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: unexpected status %d", f.URL, resp.StatusCode)
	}
	return resp.Body, nil
}

func (f *FeedSource) fetchCSV(ctx context.Context, r io.Reader, since model.Cursor) (*FetchResult, error) {
	csvReader := csv.NewReader(r)
	csvReader.LazyQuotes = true

	headers, err := csvReader.Read()
	if err != nil {
		return nil, fmt.Errorf("read CSV header from %s: %w", f.URL, err)
	}
	for i, h := range headers {
		headers[i] = strings.ReplaceAll(strings.TrimSpace(h), `"`, "")
	}

	result := &FetchResult{Next: since}
	rowNum := int64(0)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		row, err := csvReader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Errorf("%w: row %d: %v", ErrParseRecord, rowNum, err))
			continue
		}
		rowNum++
		if rowNum <= since.Offset {
			continue // already ingested on a previous poll
		}
		if len(row) != len(headers) {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Errorf("%w: row %d: %d cells, want %d", ErrParseRecord, rowNum, len(row), len(headers)))
			continue
		}

		payload := make(map[string]interface{}, len(headers))
		for i, h := range headers {
			payload[h] = utils.ParseValue(row[i])
		}
		rec, keep, perr := f.buildRecord(payload, since)
		if perr != nil {
			result.Skipped++
			result.Errors = append(result.Errors, perr)
			continue
		}
		if ts := recordTime(payload, f.TimeField); !ts.IsZero() && ts.After(result.Next.Timestamp) {
			result.Next.Timestamp = ts
		}
		if keep {
			result.Records = append(result.Records, rec)
		}
	}
	result.Next.Offset = rowNum

	logger.Debugf("feed %s: %d records, %d skipped, cursor offset %d",
		f.SourceID, len(result.Records), result.Skipped, result.Next.Offset)
	return result, nil
}

func (f *FeedSource) fetchJSON(ctx context.Context, r io.Reader, since model.Cursor) (*FetchResult, error) {
	bodyBytes, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrSourceUnavailable, f.URL, err)
	}

	var raw interface{}
	if err := json.Unmarshal(bodyBytes, &raw); err != nil {
		return nil, fmt.Errorf("decode JSON from %s: %w", f.URL, err)
	}

	var items []interface{}
	switch data := raw.(type) {
	case []interface{}:
		items = data
	case map[string]interface{}:
		items = []interface{}{data}
	default:
		return nil, fmt.Errorf("unexpected JSON structure from %s", f.URL)
	}

	result := &FetchResult{Next: since}
	for i, item := range items {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		payload, ok := item.(map[string]interface{})
		if !ok {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Errorf("%w: element %d is not an object", ErrParseRecord, i))
			continue
		}
		rec, keep, perr := f.buildRecord(payload, since)
		if perr != nil {
			result.Skipped++
			result.Errors = append(result.Errors, perr)
			continue
		}
		if ts := recordTime(payload, f.TimeField); !ts.IsZero() && ts.After(result.Next.Timestamp) {
			result.Next.Timestamp = ts
		}
		if keep {
			result.Records = append(result.Records, rec)
		}
	}
	return result, nil
}

// buildRecord turns a payload into a RawRecord. keep is false when the
// cursor filter says the row was already ingested.
func (f *FeedSource) buildRecord(payload map[string]interface{}, since model.Cursor) (model.RawRecord, bool, error) {
	keyVal, ok := payload[f.KeyField]
	if !ok || utils.Stringify(keyVal) == "" {
		return model.RawRecord{}, false, fmt.Errorf("%w: missing key field %q", ErrParseRecord, f.KeyField)
	}

	if f.TimeField != "" {
		ts := recordTime(payload, f.TimeField)
		if ts.IsZero() {
			return model.RawRecord{}, false, fmt.Errorf("%w: unparseable %q", ErrParseRecord, f.TimeField)
		}
		if !since.Timestamp.IsZero() && !ts.After(since.Timestamp) {
			return model.RawRecord{}, false, nil
		}
	}

	return model.RawRecord{
		SourceID:   f.SourceID,
		Key:        utils.Stringify(keyVal),
		Payload:    payload,
		IngestedAt: time.Now().UTC(),
	}, true, nil
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func recordTime(payload map[string]interface{}, field string) time.Time {
	if field == "" {
		return time.Time{}
	}
	s, ok := payload[field].(string)
	if !ok {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
