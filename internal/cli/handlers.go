package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nyc-taxi-pipeline/internal/api"
	"nyc-taxi-pipeline/internal/api/handler"
	"nyc-taxi-pipeline/internal/config"
	"nyc-taxi-pipeline/internal/model"
	"nyc-taxi-pipeline/internal/orchestrator"
	"nyc-taxi-pipeline/internal/source"
	"nyc-taxi-pipeline/internal/store"
	"nyc-taxi-pipeline/internal/transform"
	"nyc-taxi-pipeline/internal/warehouse"
	"nyc-taxi-pipeline/pkg/logger"
	"nyc-taxi-pipeline/pkg/router"
)

// openDeps loads configuration and opens the store and warehouse.
// Callers own closing the returned store.
func openDeps(ctx context.Context) (*config.Config, *store.Store, *warehouse.Warehouse, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	st, err := store.Open(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}
	wh := warehouse.New(cfg.WarehouseDir, st)
	return cfg, st, wh, nil
}

// buildCapstone assembles the full task graph's dependencies from
// config. Sources with no configured endpoint stay nil and their
// ingest task becomes a no-op.
func buildCapstone(cfg *config.Config, st *store.Store, wh *warehouse.Warehouse, runDate time.Time) *orchestrator.Capstone {
	client := &http.Client{Timeout: cfg.HTTPTimeout}

	c := &orchestrator.Capstone{
		Store:     st,
		Warehouse: wh,
		Engine:    &transform.Engine{Dimensions: st},
		RunDate:   runDate,
	}
	if cfg.TripFeedURL != "" {
		c.Trips = &source.FeedSource{
			SourceID:  "trip_feed",
			URL:       cfg.TripFeedURL,
			Format:    "csv",
			KeyField:  "trip_id",
			TimeField: "pickup_datetime",
			Client:    client,
		}
	}
	if cfg.WeatherFeedURL != "" {
		c.Weather = &source.FeedSource{
			SourceID:  "weather_feed",
			URL:       cfg.WeatherFeedURL,
			Format:    "json",
			KeyField:  "date",
			TimeField: "date",
			Client:    client,
		}
	}
	if cfg.ZonePageURL != "" {
		c.Zones = &source.ZoneScraper{
			PageURL:     cfg.ZonePageURL,
			MinInterval: cfg.ScrapeInterval,
			Client:      client,
		}
	}
	return c
}

func runPipelineCmd(ctx context.Context, runDate, every string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var date time.Time
	if runDate != "" {
		parsed, err := time.Parse("2006-01-02", runDate)
		if err != nil {
			return fmt.Errorf("invalid --date %q: %w", runDate, err)
		}
		date = parsed
	}

	cfg, st, wh, err := openDeps(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	build := func() (*orchestrator.Runner, error) {
		g, err := buildCapstone(cfg, st, wh, date).Graph()
		if err != nil {
			return nil, err
		}
		return orchestrator.NewRunner(g, st), nil
	}

	if every != "" {
		interval, err := time.ParseDuration(every)
		if err != nil {
			return fmt.Errorf("invalid --every %q: %w", every, err)
		}
		sched := &orchestrator.Scheduler{Interval: interval, Build: build}
		return sched.Start(ctx)
	}

	runner, err := build()
	if err != nil {
		return err
	}
	run, err := runner.Execute(ctx)
	if run != nil {
		logger.Infof("run %s finished: %s", run.ID, run.Status)
		for name, task := range run.Tasks {
			logger.Infof("  %-18s %s (attempts=%d)", name, task.Status, task.Attempts)
		}
	}
	if err != nil {
		return err
	}
	if run.Status != model.RunSucceeded {
		return fmt.Errorf("run %s resolved %s: %v", run.ID, run.Status, run.ErrorSummary())
	}
	return nil
}

func runServeCmd(ctx context.Context, addr string) error {
	cfg, st, wh, err := openDeps(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if addr == "" {
		addr = cfg.APIAddr
	}

	h := &handler.RunHandler{
		Store:     st,
		Warehouse: wh,
		BuildRunner: func() (*orchestrator.Runner, error) {
			g, err := buildCapstone(cfg, st, wh, time.Time{}).Graph()
			if err != nil {
				return nil, err
			}
			return orchestrator.NewRunner(g, st), nil
		},
	}

	r := router.New()
	api.RegisterRoutes(r, h)
	return r.Start(addr)
}

func runScrapeCmd(ctx context.Context, pageURL string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	if pageURL == "" {
		pageURL = cfg.ZonePageURL
	}
	if pageURL == "" {
		return fmt.Errorf("no zone page URL: pass --url or set PIPELINE_ZONE_PAGE_URL")
	}

	scraper := &source.ZoneScraper{
		PageURL:     pageURL,
		MinInterval: cfg.ScrapeInterval,
		Client:      &http.Client{Timeout: cfg.HTTPTimeout},
	}
	result, err := scraper.Fetch(ctx, model.Cursor{})
	if err != nil {
		return err
	}
	for _, rec := range result.Records {
		fmt.Printf("%s\t%v\t%v\t%v\n",
			rec.Key, rec.Payload["borough"], rec.Payload["zone"], rec.Payload["service_zone"])
	}
	logger.Infof("scraped %d zones (%d skipped)", len(result.Records), result.Skipped)
	return nil
}

// runDownloadCmd fetches the trip files missing from the local tree and
// registers each download as a raw record, advancing the source cursor
// like any other ingest.
func runDownloadCmd(ctx context.Context, startYear int, datasets []string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, st, _, err := openDeps(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if startYear == 0 {
		startYear = cfg.TripDataStartYear
	}
	if len(datasets) == 0 {
		datasets = cfg.TripDataDatasets
	}

	src := &source.TripFileSource{
		BaseURL:     cfg.TripDataBaseURL,
		DataDir:     cfg.TripDataDir,
		Datasets:    datasets,
		StartYear:   startYear,
		Concurrency: cfg.TripDataConcurrency,
		Client:      &http.Client{Timeout: cfg.HTTPTimeout},
	}

	since, err := st.LoadCursor(ctx, src.ID())
	if err != nil {
		return err
	}
	result, err := src.Fetch(ctx, since)
	if err != nil {
		return err
	}
	for _, recErr := range result.Errors {
		logger.Warnf("download: %v", recErr)
	}
	if _, err := st.UpsertRaw(ctx, "trip_files", result.Records); err != nil {
		return err
	}
	if err := st.SaveCursor(ctx, src.ID(), result.Next); err != nil {
		return err
	}
	logger.Infof("download: %d files fetched, %d failed", len(result.Records), result.Skipped)
	return nil
}

// runReloadCmd re-loads fact partitions from their columnar files,
// targeting only the given keys when --partitions is set.
func runReloadCmd(ctx context.Context, partitions []string) error {
	_, st, wh, err := openDeps(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	keys := partitions
	if len(keys) == 0 {
		keys, err = wh.PartitionKeys()
		if err != nil {
			return err
		}
	}
	if len(keys) == 0 {
		logger.Infof("reload: no partitions on disk")
		return nil
	}
	if err := wh.LoadFromDisk(ctx, keys); err != nil {
		return err
	}
	logger.Infof("reload: %d partitions loaded", len(keys))
	return nil
}

// dimensionChange is one entry in an scd --file document.
type dimensionChange struct {
	Key           string            `json:"key"`
	Attributes    map[string]string `json:"attributes"`
	EffectiveDate string            `json:"effective_date"`
}

func runSCDCmd(ctx context.Context, changeFile, historyKey string) error {
	if changeFile == "" && historyKey == "" {
		return fmt.Errorf("nothing to do: pass --file or --history")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	st, err := store.Open(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if changeFile != "" {
		data, err := os.ReadFile(changeFile)
		if err != nil {
			return err
		}
		var changes []dimensionChange
		if err := json.Unmarshal(data, &changes); err != nil {
			return fmt.Errorf("parse %s: %w", changeFile, err)
		}
		for _, ch := range changes {
			effective, err := time.Parse("2006-01-02", ch.EffectiveDate)
			if err != nil {
				return fmt.Errorf("change for %q: invalid effective_date: %w", ch.Key, err)
			}
			if err := st.ApplyChange(ctx, ch.Key, ch.Attributes, effective); err != nil {
				return fmt.Errorf("change for %q: %w", ch.Key, err)
			}
			logger.Infof("applied change for %s effective %s", ch.Key, ch.EffectiveDate)
		}
	}

	if historyKey != "" {
		history, err := st.History(ctx, historyKey)
		if err != nil {
			return err
		}
		for _, rec := range history {
			validTo := rec.ValidTo.Format("2006-01-02")
			if rec.Open() {
				validTo = "open"
			}
			fmt.Printf("%s\t%s -> %s\t%v\n", rec.Key, rec.ValidFrom.Format("2006-01-02"), validTo, rec.Attributes)
		}
	}
	return nil
}
