package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates and configures the HTTP router with all routes and middleware.
func NewRouter(h *Handlers, logger *slog.Logger) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestIDResponse)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(Recovery(logger))
	r.Use(middleware.Compress(5, "application/json", "application/geo+json"))
	r.Use(CacheControl(h.cfg.API.CacheControl))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.cfg.API.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length"},
		ExposedHeaders:   []string{"X-Assets", RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)
	r.Get("/", h.LandingPage)
	r.Get("/conformance", h.Conformance)

	r.Get("/tileMatrixSets", h.TileMatrixSets)
	r.Get("/tileMatrixSets/{tileMatrixSetId}", h.TileMatrixSet)

	r.Get("/tiles/{tileMatrixSetId}/{z}/{x}/{y}", h.Tile)
	r.Get("/tiles/{tileMatrixSetId}/{z}/{x}/{y}/assets", h.TileAssets)
	r.Get("/{tileMatrixSetId}/tilejson.json", h.TileJSONHandler)

	// bbox coordinates contain dots, so the format extension is split
	// off in the handler rather than by the route pattern
	r.Get("/bbox/{coords}", h.BBox)
	r.Get("/bbox/{coords}/assets", h.BBoxAssets)
	r.Get("/bbox/{coords}/{size}", h.BBox)

	r.Post("/feature", h.Feature)
	r.Post("/feature.{format}", h.Feature)
	r.Post("/feature/{size}.{format}", h.Feature)
	r.Post("/statistics", h.Statistics)

	r.Route("/timeseries", func(r chi.Router) {
		r.Post("/statistics", h.TimeseriesStatistics)
		r.Get("/{tileMatrixSetId}/tilejson.json", h.TimeseriesTileJSON)
		r.Get("/bbox/{coords}", h.TimeseriesBBox)
		r.Get("/bbox/{coords}/{size}", h.TimeseriesBBox)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteNotFound(w, "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "method not allowed")
	})

	return r
}
