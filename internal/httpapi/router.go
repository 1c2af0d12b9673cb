package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"upscaler/internal/httpapi/handlers"
	"upscaler/internal/httpkit"
	"upscaler/internal/pkg/logger"
	"upscaler/internal/pkg/metrics"
	"upscaler/internal/pkg/middleware"
)

type Deps struct {
	Handlers handlers.Deps
	Metrics  *metrics.Metrics
	Log      *logger.Logger

	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
	// RequestTimeout bounds /runsync, which holds the connection for the
	// whole job.
	RequestTimeout time.Duration
}

func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	if d.Handlers.Log == nil {
		d.Handlers.Log = log
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(log))
	r.Use(middleware.Recovery(log))

	if len(d.CORSOrigins) > 0 {
		r.Use(httpkit.CORS(httpkit.CORSOptions{AllowedOrigins: d.CORSOrigins}))
	}

	h := handlers.New(d.Handlers)

	// ---- HEALTH / METRICS ----
	r.Get("/health", h.Health)
	r.Handle("/metrics", d.Metrics.Handler())

	// ---- JOBS ----
	r.Group(func(r chi.Router) {
		if d.RateLimitRPS > 0 {
			r.Use(middleware.NewRateLimiter(d.RateLimitRPS, d.RateLimitBurst).Middleware)
		}

		runsync := r
		if d.RequestTimeout > 0 {
			runsync = r.With(middleware.Deadline(d.RequestTimeout))
		}
		runsync.Post("/runsync", middleware.WrapHandler(log, h.RunSync))
		r.Post("/run", middleware.WrapHandler(log, h.Run))
	})
	r.Get("/status/{jobId}", middleware.WrapHandler(log, h.Status))

	return r
}
