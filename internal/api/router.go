package api

import (
	httpSwagger "github.com/swaggo/http-swagger"

	_ "nyc-taxi-pipeline/docs"
	"nyc-taxi-pipeline/internal/api/handler"
	"nyc-taxi-pipeline/pkg/router"
)

func RegisterRoutes(r *router.Router, h *handler.RunHandler) {
	r.POST("/api/v1/runs", h.TriggerRun)
	r.GET("/api/v1/runs", h.ListRuns)
	// More specific routes first
	r.GET("/api/v1/runs/*/errors", h.GetRunErrors)
	r.POST("/api/v1/runs/*/cancel", h.CancelRun)
	r.GET("/api/v1/runs/*", h.GetRun)
	r.POST("/api/v1/query", h.Query)
	r.GET("/api/v1/health", h.Health)
	r.GET("/swagger/*", router.HandlerFunc(httpSwagger.WrapHandler))
}
