package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig tunes NewRouter
type RouterConfig struct {
	MaxUploadBytes int64
	// RequestTimeout bounds non-streaming handlers; 0 disables it.
	RequestTimeout time.Duration
	// Metrics mounts the Prometheus handler at /metrics.
	Metrics bool
}

// NewRouter assembles the HTTP surface:
//
//	POST   /api/v1/files
//	GET    /api/v1/files
//	POST   /api/v1/files/fetch
//	POST   /api/v1/files/bulk-delete
//	GET    /api/v1/files/{id}
//	GET    /api/v1/files/{id}/content
//	DELETE /api/v1/files/{id}
//	POST   /api/v1/files/{id}/reoptimize
//	GET    /api/v1/admin/problems
//	GET    /api/v1/health
//	GET    /metrics
func NewRouter(service MediaService, logger *slog.Logger, cfg RouterConfig) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	files := NewFilesHandler(service, logger, cfg.MaxUploadBytes)
	admin := NewAdminHandler(service, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(render.SetContentType(render.ContentTypeJSON))

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if cfg.RequestTimeout > 0 {
				r.Use(middleware.Timeout(cfg.RequestTimeout))
			}
			r.Get("/health", admin.Health)
			r.Get("/admin/problems", admin.Problems)
		})
		r.Mount("/files", files.Routes())
	})

	if cfg.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}
