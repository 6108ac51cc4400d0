package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"nyc-taxi-pipeline/internal/api"
	"nyc-taxi-pipeline/internal/api/handler"
	"nyc-taxi-pipeline/internal/config"
	"nyc-taxi-pipeline/internal/orchestrator"
	"nyc-taxi-pipeline/internal/source"
	"nyc-taxi-pipeline/internal/store"
	"nyc-taxi-pipeline/internal/transform"
	"nyc-taxi-pipeline/internal/warehouse"
	"nyc-taxi-pipeline/pkg/logger"
	"nyc-taxi-pipeline/pkg/router"
)

// @title NYC Taxi Pipeline API
// @version 1.0
// @description Run, inspect and query the capstone batch pipeline.
// @BasePath /api/v1
func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}
	logger.Init(false)

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	st, err := store.Open(context.Background(), cfg.Driver, cfg.DSN)
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	wh := warehouse.New(cfg.WarehouseDir, st)
	client := &http.Client{Timeout: cfg.HTTPTimeout}

	h := &handler.RunHandler{
		Store:     st,
		Warehouse: wh,
		BuildRunner: func() (*orchestrator.Runner, error) {
			capstone := &orchestrator.Capstone{
				Store:     st,
				Warehouse: wh,
				Engine:    &transform.Engine{Dimensions: st},
			}
			if cfg.TripFeedURL != "" {
				capstone.Trips = &source.FeedSource{
					SourceID:  "trip_feed",
					URL:       cfg.TripFeedURL,
					Format:    "csv",
					KeyField:  "trip_id",
					TimeField: "pickup_datetime",
					Client:    client,
				}
			}
			if cfg.WeatherFeedURL != "" {
				capstone.Weather = &source.FeedSource{
					SourceID:  "weather_feed",
					URL:       cfg.WeatherFeedURL,
					Format:    "json",
					KeyField:  "date",
					TimeField: "date",
					Client:    client,
				}
			}
			if cfg.ZonePageURL != "" {
				capstone.Zones = &source.ZoneScraper{
					PageURL:     cfg.ZonePageURL,
					MinInterval: cfg.ScrapeInterval,
					Client:      client,
				}
			}
			g, err := capstone.Graph()
			if err != nil {
				return nil, err
			}
			return orchestrator.NewRunner(g, st), nil
		},
		RunTimeout: time.Hour,
	}

	r := router.New()
	api.RegisterRoutes(r, h)
	if err := r.Start(cfg.APIAddr); err != nil {
		log.Fatal(err)
	}
}
