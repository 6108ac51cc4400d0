// Package config loads pipeline settings from the environment. A .env
// file, when present, is folded into the environment by the entrypoints
// before LoadConfig runs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"nyc-taxi-pipeline/pkg/utils"
)

// Config holds all settings the pipeline needs: store connection, data
// directories and ingestion tuning.
type Config struct {
	// Driver is "sqlite3" (default) or "pgx" for postgres.
	Driver string
	// DSN is the database connection string. For sqlite3 this is a
	// file path; for pgx a postgres URL.
	DSN string

	// WarehouseDir is where columnar partition directories are written.
	WarehouseDir string

	// TripFeedURL and WeatherFeedURL are the polled ingestion endpoints.
	TripFeedURL    string
	WeatherFeedURL string
	// ZonePageURL is the scraped taxi-zone reference page.
	ZonePageURL string

	// ScrapeInterval is the minimum delay between scraper requests.
	ScrapeInterval time.Duration
	// HTTPTimeout bounds every outbound request.
	HTTPTimeout time.Duration

	// TripDataBaseURL is the monthly trip-file endpoint; files are
	// fetched as <base>/<dataset>_tripdata_<year>-<month>.parquet.
	TripDataBaseURL string
	// TripDataDir is the local year/month download tree.
	TripDataDir string
	// TripDataDatasets lists the dataset types to download.
	TripDataDatasets []string
	// TripDataStartYear is the first year to enumerate.
	TripDataStartYear int
	// TripDataConcurrency bounds parallel downloads.
	TripDataConcurrency int

	// APIAddr is the listen address for the run API.
	APIAddr string
}

// LoadConfig reads configuration from environment variables, applying
// defaults that work for a local sqlite setup.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Driver:         getEnv("PIPELINE_DB_DRIVER", "sqlite3"),
		DSN:            getEnv("PIPELINE_DB_DSN", "pipeline.db"),
		WarehouseDir:   getEnv("PIPELINE_WAREHOUSE_DIR", "warehouse"),
		TripFeedURL:    os.Getenv("PIPELINE_TRIP_FEED_URL"),
		WeatherFeedURL: os.Getenv("PIPELINE_WEATHER_FEED_URL"),
		ZonePageURL:    os.Getenv("PIPELINE_ZONE_PAGE_URL"),
		ScrapeInterval: utils.ParseDuration(os.Getenv("PIPELINE_SCRAPE_INTERVAL"), 2*time.Second),
		HTTPTimeout:    utils.ParseDuration(os.Getenv("PIPELINE_HTTP_TIMEOUT"), 30*time.Second),

		TripDataBaseURL:     getEnv("PIPELINE_TRIPDATA_BASE_URL", "https://d37ci6vzurychx.cloudfront.net/trip-data"),
		TripDataDir:         getEnv("PIPELINE_TRIPDATA_DIR", "tripdata"),
		TripDataDatasets:    splitList(getEnv("PIPELINE_TRIPDATA_DATASETS", "yellow")),
		TripDataStartYear:   GetEnvInt("PIPELINE_TRIPDATA_START_YEAR", time.Now().UTC().Year()),
		TripDataConcurrency: GetEnvInt("PIPELINE_TRIPDATA_CONCURRENCY", 4),

		APIAddr: getEnv("PIPELINE_API_ADDR", ":8080"),
	}

	switch cfg.Driver {
	case "sqlite3", "pgx":
	default:
		return nil, fmt.Errorf("unsupported db driver %q (want sqlite3 or pgx)", cfg.Driver)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("PIPELINE_DB_DSN must not be empty")
	}
	return cfg, nil
}

// splitList parses a comma-separated env value, dropping empty entries.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// GetEnvInt reads an integer env var with a fallback for malformed or
// missing values.
func GetEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
