// Package httpapi assembles the clipforge HTTP surface.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"clipforge/internal/httpapi/handlers"
	"clipforge/internal/httpkit"
	"clipforge/internal/pkg/logger"
	"clipforge/internal/pkg/middleware"
)

type Deps struct {
	Handlers       handlers.Deps
	Log            *logger.Logger
	CORSOrigins    []string
	RequestTimeout time.Duration
}

func NewRouter(d Deps) http.Handler {
	if d.Log == nil {
		d.Log = logger.NewDefault()
	}
	if d.Handlers.Log == nil {
		d.Handlers.Log = d.Log
	}
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(d.Log))
	r.Use(middleware.Recovery(d.Log))
	r.Use(httpkit.CORS(httpkit.CORSOptions{
		AllowedOrigins: d.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", handlers.OwnerHeader, middleware.RequestIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader, "Location"},
		MaxAgeSeconds:  600,
	}))

	h := handlers.New(d.Handlers)
	wrap := func(fn middleware.ErrorHandlerFunc) http.HandlerFunc {
		return middleware.WrapHandler(d.Log, fn)
	}

	r.Get("/health", h.Health)
	r.Get("/metrics", h.Metrics)

	// Long-lived: the event stream and source downloads run without the
	// request deadline.
	r.Get("/jobs/{jobId}/events", wrap(h.JobEvents))
	r.Get("/sources/content", wrap(h.SourceContent))

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(d.RequestTimeout))

		r.Post("/sources", wrap(h.PostSource))

		r.Post("/jobs", wrap(h.PostJob))
		r.Get("/jobs", wrap(h.ListJobs))
		r.Get("/jobs/{jobId}", wrap(h.GetJob))
		r.Get("/jobs/{jobId}/history", wrap(h.GetJobHistory))

		r.Post("/webhooks/render", wrap(h.RenderWebhook))
	})

	return r
}
