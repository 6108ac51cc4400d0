package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"nyc-taxi-pipeline/internal/model"
	"nyc-taxi-pipeline/pkg/logger"
)

// TripFileSource downloads monthly TLC trip-data files into a local
// year/month directory layout, skipping months that are already on disk.
// Downloads for missing months run in parallel up to Concurrency.
type TripFileSource struct {
	BaseURL     string // e.g. https://d37ci6vzurychx.cloudfront.net/trip-data
	DataDir     string
	Datasets    []string // yellow, green, fhv, fhvhv
	StartYear   int
	EndYear     int
	Concurrency int
	Client      *http.Client
}

func (t *TripFileSource) ID() string { return "trip_files" }

func (t *TripFileSource) client() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return http.DefaultClient
}

type monthFile struct {
	dataset string
	year    int
	month   int
}

func (m monthFile) name() string {
	return fmt.Sprintf("%s_tripdata_%04d-%02d.parquet", m.dataset, m.year, m.month)
}

// Fetch enumerates every (dataset, year, month) in range, downloads the
// months not yet present and returns one raw record per downloaded file.
// Individual download failures are skipped and reported; the fetch only
// fails as a whole when nothing could be reached.
func (t *TripFileSource) Fetch(ctx context.Context, since model.Cursor) (*FetchResult, error) {
	existing, err := t.existingDownloads()
	if err != nil {
		return nil, err
	}

	var missing []monthFile
	now := time.Now().UTC()
	endYear := t.EndYear
	if endYear == 0 {
		endYear = now.Year()
	}
	for _, dataset := range t.Datasets {
		for year := t.StartYear; year <= endYear; year++ {
			for month := 1; month <= 12; month++ {
				if year == now.Year() && month >= int(now.Month()) {
					continue // current month is still being published
				}
				mf := monthFile{dataset: dataset, year: year, month: month}
				if existing[mf] {
					continue
				}
				missing = append(missing, mf)
			}
		}
	}
	logger.Infof("trip files: %d months already downloaded, %d missing", len(existing), len(missing))

	result := &FetchResult{Next: model.Cursor{Timestamp: now, Offset: since.Offset}}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	limit := t.Concurrency
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)

	for _, mf := range missing {
		g.Go(func() error {
			path, size, err := t.download(gctx, mf)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				result.Skipped++
				result.Errors = append(result.Errors, fmt.Errorf("download %s: %w", mf.name(), err))
				return nil
			}
			result.Records = append(result.Records, model.RawRecord{
				SourceID: t.ID(),
				Key:      fmt.Sprintf("%s:%04d-%02d", mf.dataset, mf.year, mf.month),
				Payload: map[string]interface{}{
					"dataset": mf.dataset,
					"year":    mf.year,
					"month":   mf.month,
					"path":    path,
					"bytes":   size,
				},
				IngestedAt: time.Now().UTC(),
			})
			result.Next.Offset++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(missing) > 0 && len(result.Records) == 0 {
		return nil, fmt.Errorf("%w: all %d downloads failed", ErrSourceUnavailable, len(missing))
	}
	return result, nil
}

// existingDownloads scans DataDir/<year>/<month>/ for files already
// fetched so reruns only pull what is missing.
func (t *TripFileSource) existingDownloads() (map[monthFile]bool, error) {
	existing := make(map[monthFile]bool)
	yearDirs, err := os.ReadDir(t.DataDir)
	if os.IsNotExist(err) {
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan data dir: %w", err)
	}
	for _, yd := range yearDirs {
		year, err := strconv.Atoi(yd.Name())
		if err != nil || !yd.IsDir() {
			continue
		}
		monthDirs, err := os.ReadDir(filepath.Join(t.DataDir, yd.Name()))
		if err != nil {
			continue
		}
		for _, md := range monthDirs {
			month, err := strconv.Atoi(md.Name())
			if err != nil || !md.IsDir() {
				continue
			}
			files, err := os.ReadDir(filepath.Join(t.DataDir, yd.Name(), md.Name()))
			if err != nil {
				continue
			}
			for _, f := range files {
				if filepath.Ext(f.Name()) != ".parquet" {
					continue
				}
				dataset, _, ok := splitDataset(f.Name())
				if !ok {
					continue
				}
				existing[monthFile{dataset: dataset, year: year, month: month}] = true
			}
		}
	}
	return existing, nil
}

func splitDataset(filename string) (dataset, rest string, ok bool) {
	for i := range filename {
		if filename[i] == '_' {
			return filename[:i], filename[i+1:], true
		}
	}
	return "", "", false
}

func (t *TripFileSource) download(ctx context.Context, mf monthFile) (string, int64, error) {
	url := fmt.Sprintf("%s/%s", t.BaseURL, mf.name())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, err
	}
	resp, err := t.client().Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("%w: status %d", ErrSourceUnavailable, resp.StatusCode)
	}

	dir := filepath.Join(t.DataDir, strconv.Itoa(mf.year), fmt.Sprintf("%02d", mf.month))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, err
	}

	// Download to a temp name and rename so an interrupted transfer is
	// never mistaken for a finished month on the next scan.
	dest := filepath.Join(dir, mf.name())
	tmp, err := os.CreateTemp(dir, mf.name()+".part")
	if err != nil {
		return "", 0, err
	}
	size, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", 0, err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return "", 0, err
	}
	logger.Debugf("downloaded %s (%d bytes)", dest, size)
	return dest, size, nil
}
